// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// fileWriteOptions controls how one file's bytes are laid out on disk.
// CompressMask names the codec chain to attempt (0 stores verbatim); each
// sector still falls back to verbatim storage when compression doesn't pay
// for itself.
type fileWriteOptions struct {
	CompressMask byte
	Encrypt      bool
	FixKey       bool
	SingleUnit   bool
	SectorCRC    bool
}

// encodedFile is a fully-laid-out file body plus the block table flags and
// sizes it implies, ready to be appended to a building archive.
type encodedFile struct {
	data           []byte
	compressedSize uint32
	fileSize       uint32
	flags          uint32
}

// encodeFile lays out data as either a single compressed unit or a sectored
// stream with an offset table (and optional CRC table). filePos is the
// archive-relative offset the body will land at; the fix-key adjustment
// depends on it, so callers must place the file before encoding it.
func encodeFile(name string, data []byte, sectorSize uint32, filePos uint64, opts fileWriteOptions) (*encodedFile, error) {
	flags := uint32(fileExists)
	if opts.CompressMask != 0 {
		flags |= fileCompress
	}
	if opts.Encrypt {
		flags |= fileEncrypted
	}
	if opts.FixKey {
		flags |= fileFixKey
	}
	if opts.SingleUnit {
		flags |= fileSingleUnit
	}
	if opts.SectorCRC {
		flags |= fileSectorCRC
	}

	var key uint32
	if opts.Encrypt {
		key = hashString(baseNameForKey(name), hashTypeFileKey)
		if opts.FixKey {
			key = (key + uint32(filePos)) ^ uint32(len(data))
		}
	}

	if opts.SingleUnit {
		body, err := encodeUnit(data, opts.CompressMask)
		if err != nil {
			return nil, err
		}
		if opts.Encrypt {
			encryptBytes(body, key)
		}
		return &encodedFile{
			data:           body,
			compressedSize: uint32(len(body)),
			fileSize:       uint32(len(data)),
			flags:          flags,
		}, nil
	}

	return encodeSectored(data, sectorSize, key, flags, opts)
}

func baseNameForKey(name string) string {
	if idx := lastIndexOfSlash(name); idx >= 0 {
		return name[idx+1:]
	}
	return name
}

// encodeUnit encodes one sector (or single-unit blob): compress with the
// mask's codec chain when that actually shrinks the payload past the one
// mask byte of overhead, otherwise store verbatim.
func encodeUnit(data []byte, mask byte) ([]byte, error) {
	if mask == 0 || len(data) == 0 {
		return append([]byte(nil), data...), nil
	}
	compressed, effective, err := compressData(data, mask)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompressionFailure, err)
	}
	if len(compressed)+1 >= len(data) {
		return append([]byte(nil), data...), nil
	}
	out := make([]byte, 0, len(compressed)+1)
	out = append(out, effective)
	out = append(out, compressed...)
	return out, nil
}

func encodeSectored(data []byte, sectorSize uint32, key uint32, flags uint32, opts fileWriteOptions) (*encodedFile, error) {
	sectorCount := (len(data) + int(sectorSize) - 1) / int(sectorSize)

	var sectors [][]byte
	var crcs []uint32
	for s := 0; s < sectorCount; s++ {
		start := s * int(sectorSize)
		end := start + int(sectorSize)
		if end > len(data) {
			end = len(data)
		}
		raw := data[start:end]
		if opts.SectorCRC {
			crcs = append(crcs, crc32.ChecksumIEEE(raw))
		}

		encoded, err := encodeUnit(raw, opts.CompressMask)
		if err != nil {
			return nil, err
		}
		if opts.Encrypt {
			encryptBytes(encoded, key+uint32(s))
		}
		sectors = append(sectors, encoded)
	}

	offsetCount := sectorCount + 1
	var crcBytes []byte
	if opts.SectorCRC {
		offsetCount++
		crcBytes = make([]byte, len(crcs)*4)
		for i, c := range crcs {
			binary.LittleEndian.PutUint32(crcBytes[i*4:i*4+4], c)
		}
	}
	offsets := make([]uint32, offsetCount)
	offsets[0] = uint32(offsetCount) * 4
	for i, sec := range sectors {
		offsets[i+1] = offsets[i] + uint32(len(sec))
	}
	if opts.SectorCRC {
		offsets[sectorCount+1] = offsets[sectorCount] + uint32(len(crcBytes))
	}

	offsetsCopy := append([]uint32(nil), offsets...)
	if opts.Encrypt {
		encryptBlock(offsetsCopy, key-1)
	}

	var buf bytes.Buffer
	writeUint32Array(&buf, offsetsCopy)
	for _, sec := range sectors {
		buf.Write(sec)
	}
	if opts.SectorCRC {
		buf.Write(crcBytes)
	}

	return &encodedFile{
		data:           buf.Bytes(),
		compressedSize: uint32(buf.Len()),
		fileSize:       uint32(len(data)),
		flags:          flags,
	}, nil
}

// fileMD5 and fileCRC32 are small helpers attributesWriter.setEntry's
// callers use so the attribute computation lives next to the encoding step
// that produced the bytes being checksummed.
func fileMD5(data []byte) [16]byte { return md5.Sum(data) }
func fileCRC32(data []byte) uint32 { return crc32.ChecksumIEEE(data) }
