// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"fmt"
	"hash/crc32"
	"io"
)

// readFileData reads and reconstructs one file's full content: single-unit
// files are one compressed blob; sectored files carry a sector-offset table
// (optionally encrypted with key-1) followed by per-sector compressed,
// optionally encrypted data, and, when fileSectorCRC is set, a trailing
// table of per-sector CRC32 values computed over the decompressed bytes.
func readFileData(r io.ReadSeeker, archiveOffset uint64, block *blockTableEntry, key uint32, sectorSize uint32, monitor *decompressionMonitor) ([]byte, error) {
	if block.Flags&fileExists == 0 {
		return nil, fmt.Errorf("%w: block has no data", ErrFileNotFound)
	}
	filePos := int64(archiveOffset + block.getFilePos64())

	if block.Flags&fileSingleUnit != 0 {
		return readSingleUnit(r, filePos, block, key, monitor)
	}
	sectorCount := sectorCountFor(block.FileSize, sectorSize)
	return readSectorRange(r, filePos, block, key, sectorSize, 0, sectorCount, monitor)
}

// readFileDataRange reads only the byte range [off, off+length) of a file,
// decoding just the sectors that intersect the window.
func readFileDataRange(r io.ReadSeeker, archiveOffset uint64, block *blockTableEntry, key uint32, sectorSize uint32, off, length int64, monitor *decompressionMonitor) ([]byte, error) {
	if block.Flags&fileExists == 0 {
		return nil, fmt.Errorf("%w: block has no data", ErrFileNotFound)
	}
	if off < 0 || length < 0 {
		return nil, fmt.Errorf("%w: negative read range", ErrIO)
	}
	if off > int64(block.FileSize) {
		off = int64(block.FileSize)
	}
	if off+length > int64(block.FileSize) {
		length = int64(block.FileSize) - off
	}
	if length == 0 {
		return []byte{}, nil
	}
	filePos := int64(archiveOffset + block.getFilePos64())

	if block.Flags&fileSingleUnit != 0 {
		whole, err := readSingleUnit(r, filePos, block, key, monitor)
		if err != nil {
			return nil, err
		}
		return whole[off : off+length], nil
	}

	first := int(off / int64(sectorSize))
	last := int((off + length - 1) / int64(sectorSize))
	window, err := readSectorRange(r, filePos, block, key, sectorSize, first, last+1, monitor)
	if err != nil {
		return nil, err
	}
	rel := off - int64(first)*int64(sectorSize)
	return window[rel : rel+length], nil
}

func sectorCountFor(fileSize, sectorSize uint32) int {
	return int((fileSize + sectorSize - 1) / sectorSize)
}

func readSingleUnit(r io.ReadSeeker, filePos int64, block *blockTableEntry, key uint32, monitor *decompressionMonitor) ([]byte, error) {
	if _, err := r.Seek(filePos, io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	raw := make([]byte, block.CompressedSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("%w: reading single-unit file: %v", ErrIO, err)
	}

	if block.Flags&fileEncrypted != 0 {
		decryptBytes(raw, key)
	}

	return decodeSector(raw, int(block.FileSize), block, monitor)
}

// readSectorRange decodes sectors [firstSector, endSector) of a sectored
// file and returns them concatenated. A zero-byte file has zero sectors and
// a one-entry offset table whose single value is the table's own size.
func readSectorRange(r io.ReadSeeker, filePos int64, block *blockTableEntry, key uint32, sectorSize uint32, firstSector, endSector int, monitor *decompressionMonitor) ([]byte, error) {
	sectorCount := sectorCountFor(block.FileSize, sectorSize)
	if firstSector < 0 || endSector > sectorCount || firstSector > endSector {
		return nil, fmt.Errorf("%w: sector range [%d,%d) outside 0..%d", ErrIO, firstSector, endSector, sectorCount)
	}
	hasCRC := block.Flags&fileSectorCRC != 0
	offsetCount := sectorCount + 1
	if hasCRC {
		offsetCount++
	}

	if _, err := r.Seek(filePos, io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	offsets := make([]uint32, offsetCount)
	if err := readUint32Array(r, offsets); err != nil {
		return nil, fmt.Errorf("%w: reading sector offset table: %v", ErrIO, err)
	}
	if block.Flags&fileEncrypted != 0 {
		decryptBlock(offsets, key-1)
	}
	if sectorCount == 0 {
		return []byte{}, nil
	}

	var sectorCRCs []uint32
	if hasCRC {
		crcStart := filePos + int64(offsets[sectorCount])
		crcEnd := filePos + int64(offsets[sectorCount+1])
		if crcEnd < crcStart {
			return nil, fmt.Errorf("%w: sector CRC table has negative size", ErrTableCorruption)
		}
		if _, err := r.Seek(crcStart, io.SeekStart); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIO, err)
		}
		sectorCRCs = make([]uint32, (crcEnd-crcStart)/4)
		if err := readUint32Array(r, sectorCRCs); err != nil {
			return nil, fmt.Errorf("%w: reading sector CRC table: %v", ErrIO, err)
		}
	}

	out := make([]byte, 0, (endSector-firstSector)*int(sectorSize))

	for s := firstSector; s < endSector; s++ {
		sectorStart := filePos + int64(offsets[s])
		sectorCompSize := int(offsets[s+1]) - int(offsets[s])
		if sectorCompSize < 0 {
			return nil, fmt.Errorf("%w: sector %d has negative size", ErrTableCorruption, s)
		}
		thisSectorSize := int(sectorSize)
		if remaining := int(block.FileSize) - s*int(sectorSize); remaining < thisSectorSize {
			thisSectorSize = remaining
		}

		if _, err := r.Seek(sectorStart, io.SeekStart); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIO, err)
		}
		raw := make([]byte, sectorCompSize)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, fmt.Errorf("%w: reading sector %d: %v", ErrIO, s, err)
		}

		if block.Flags&fileEncrypted != 0 {
			decryptBytes(raw, key+uint32(s))
		}

		plain, err := decodeSector(raw, thisSectorSize, block, monitor)
		if err != nil {
			return nil, fmt.Errorf("sector %d: %w", s, err)
		}

		if hasCRC && s < len(sectorCRCs) {
			if crc32.ChecksumIEEE(plain) != sectorCRCs[s] {
				return nil, fmt.Errorf("%w: sector %d CRC32 mismatch", ErrChecksumFailure, s)
			}
		}

		out = append(out, plain...)
	}

	return out, nil
}

// decodeSector decompresses one sector's (or single-unit blob's) raw bytes
// according to the block's compression flags. raw shorter than
// expectedSize under fileCompress/fileImplode means the sector really was
// compressed; an equal length means it was stored verbatim even though the
// flag is set (a standard MPQ space-saving convention).
func decodeSector(raw []byte, expectedSize int, block *blockTableEntry, monitor *decompressionMonitor) ([]byte, error) {
	switch {
	case block.Flags&fileCompress != 0 && len(raw) < expectedSize:
		return decompressData(raw, expectedSize, monitor)
	case block.Flags&fileImplode != 0 && len(raw) < expectedSize:
		return pkwareDecompress(raw, expectedSize)
	default:
		if len(raw) != expectedSize {
			return nil, fmt.Errorf("%w: stored sector size %d != expected %d", ErrInvalidFormat, len(raw), expectedSize)
		}
		return raw, nil
	}
}
