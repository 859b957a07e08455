// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"encoding/binary"
	"fmt"
	"io"
)

// hetSignature is the extended header's signature for a HET table,
// "HET\x1A" read little-endian.
const hetSignature = 0x1A544548

// hetTableEmpty marks an unused HET hash-table slot.
const hetTableEmpty = 0xFF

// hetExtendedHeader precedes both HET and BET table data, unencrypted.
type hetExtendedHeader struct {
	Signature uint32
	Version   uint32
	DataSize  uint32
}

const hetExtendedHeaderSize = 12

// hetHeader immediately follows the extended header.
type hetHeader struct {
	TableSize      uint32
	MaxFileCount   uint32
	HashTableSize  uint32
	HashEntryBits  uint32
	TotalIndexBits uint32
	IndexSizeExtra uint32
	IndexSizeBits  uint32
	BlockTableSize uint32
}

const hetHeaderSize = 32

// hetTable is the parsed, decrypted, decompressed HET table.
type hetTable struct {
	header      hetHeader
	hashTable   []byte // one byte per slot: the 8-bit name-hash tag
	fileIndices []byte // bit-packed file index array
}

// readHetTable reads the HET table at offset (already folded with the
// archive's ArchiveOffset by the caller), of compressedSize bytes, decrypting
// with key (0 means unencrypted, which is the common case for HET/BET).
func readHetTable(r io.ReadSeeker, offset int64, compressedSize int64, key uint32) (*hetTable, error) {
	if _, err := r.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	data := make([]byte, compressedSize)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("%w: reading HET table: %v", ErrIO, err)
	}
	if len(data) < hetExtendedHeaderSize {
		return nil, fmt.Errorf("%w: HET table too small for extended header", ErrInvalidFormat)
	}

	ext := hetExtendedHeader{
		Signature: binary.LittleEndian.Uint32(data[0:4]),
		Version:   binary.LittleEndian.Uint32(data[4:8]),
		DataSize:  binary.LittleEndian.Uint32(data[8:12]),
	}
	if ext.Signature != hetSignature {
		return nil, fmt.Errorf("%w: bad HET signature 0x%08X", ErrInvalidFormat, ext.Signature)
	}

	if key != 0 && len(data) > hetExtendedHeaderSize {
		decryptBytes(data[hetExtendedHeaderSize:], key)
	}

	expectedUncompressed := int(ext.DataSize) + hetExtendedHeaderSize
	tableData := data
	if expectedUncompressed > len(data) {
		if len(data) <= hetExtendedHeaderSize {
			return nil, fmt.Errorf("%w: no compressed data after HET extended header", ErrInvalidFormat)
		}
		codec := data[hetExtendedHeaderSize]
		decompressed, err := decompressCodec(codec, data[hetExtendedHeaderSize+1:], int(ext.DataSize))
		if err != nil {
			return nil, fmt.Errorf("%w: decompressing HET table: %v", ErrDecompressionFailure, err)
		}
		tableData = make([]byte, 0, hetExtendedHeaderSize+len(decompressed))
		tableData = append(tableData, data[:hetExtendedHeaderSize]...)
		tableData = append(tableData, decompressed...)
	}

	if len(tableData) < hetExtendedHeaderSize+hetHeaderSize {
		return nil, fmt.Errorf("%w: HET header too small", ErrInvalidFormat)
	}
	hp := tableData[hetExtendedHeaderSize:]
	h := hetHeader{
		TableSize:      binary.LittleEndian.Uint32(hp[0:4]),
		MaxFileCount:   binary.LittleEndian.Uint32(hp[4:8]),
		HashTableSize:  binary.LittleEndian.Uint32(hp[8:12]),
		HashEntryBits:  binary.LittleEndian.Uint32(hp[12:16]),
		TotalIndexBits: binary.LittleEndian.Uint32(hp[16:20]),
		IndexSizeExtra: binary.LittleEndian.Uint32(hp[20:24]),
		IndexSizeBits:  binary.LittleEndian.Uint32(hp[24:28]),
		BlockTableSize: binary.LittleEndian.Uint32(hp[28:32]),
	}

	hashTableStart := hetExtendedHeaderSize + hetHeaderSize
	hashTableEnd := hashTableStart + int(h.HashTableSize)
	fileIndicesStart := hashTableEnd
	totalIndexBits := int(h.HashTableSize) * int(h.IndexSizeBits)
	fileIndicesSize := (totalIndexBits + 7) / 8
	fileIndicesEnd := fileIndicesStart + fileIndicesSize

	if len(tableData) < fileIndicesEnd {
		return nil, fmt.Errorf("%w: HET table truncated: have %d bytes, need %d", ErrTableCorruption, len(tableData), fileIndicesEnd)
	}

	return &hetTable{
		header:      h,
		hashTable:   append([]byte(nil), tableData[hashTableStart:hashTableEnd]...),
		fileIndices: append([]byte(nil), tableData[fileIndicesStart:fileIndicesEnd]...),
	}, nil
}

// findFileWithCollisionInfo returns the first matching file index (or -1)
// and every candidate whose 8-bit tag collided during the probe, so the
// caller can disambiguate via the BET table's full name hash when there is
// more than one candidate.
func (t *hetTable) findFileWithCollisionInfo(name string) (int, []uint32) {
	totalCount := uint64(t.header.HashTableSize)
	if totalCount == 0 {
		return -1, nil
	}

	hash, tag := hetHash(name, t.header.HashEntryBits)
	startIndex := hash % totalCount

	var candidates []uint32
	for i := uint64(0); i < totalCount; i++ {
		index := (startIndex + i) % totalCount
		if int(index) >= len(t.hashTable) {
			break
		}
		stored := t.hashTable[index]
		if stored == hetTableEmpty {
			break
		}
		if stored != tag {
			continue
		}
		fi, ok := t.readFileIndex(int(index))
		if !ok || fi >= t.header.MaxFileCount {
			continue
		}
		candidates = append(candidates, fi)
	}

	if len(candidates) == 0 {
		return -1, nil
	}
	return int(candidates[0]), candidates
}

// encodeHetTable builds the on-disk HET blob (extended header included,
// unencrypted and uncompressed) for names, where names[i] occupies block
// index i. Slots are sized at twice the file count so the linear probe in
// findFileWithCollisionInfo always terminates on an empty tag.
func encodeHetTable(names []string) []byte {
	fileCount := uint32(len(names))
	totalSlots := nextPowerOfTwo(fileCount*2 + 1)
	if totalSlots < 4 {
		totalSlots = 4
	}
	indexBits := bitWidth(fileCount)

	h := hetHeader{
		MaxFileCount:   fileCount,
		HashTableSize:  totalSlots,
		HashEntryBits:  64,
		TotalIndexBits: totalSlots * indexBits,
		IndexSizeBits:  indexBits,
		BlockTableSize: fileCount,
	}

	tags := make([]byte, totalSlots)
	for i := range tags {
		tags[i] = hetTableEmpty
	}
	indices := make([]byte, (int(totalSlots)*int(indexBits)+7)/8)

	for i, name := range names {
		hash, tag := hetHash(name, h.HashEntryBits)
		slot := hash % uint64(totalSlots)
		for tags[slot] != hetTableEmpty {
			slot = (slot + 1) % uint64(totalSlots)
		}
		tags[slot] = tag
		writePackedBits(indices, int(slot)*int(indexBits), int(indexBits), uint64(i))
	}

	bodySize := hetHeaderSize + len(tags) + len(indices)
	h.TableSize = uint32(bodySize)

	out := make([]byte, 0, hetExtendedHeaderSize+bodySize)
	out = appendUint32(out, hetSignature)
	out = appendUint32(out, 1)
	out = appendUint32(out, uint32(bodySize))
	out = appendUint32(out, h.TableSize)
	out = appendUint32(out, h.MaxFileCount)
	out = appendUint32(out, h.HashTableSize)
	out = appendUint32(out, h.HashEntryBits)
	out = appendUint32(out, h.TotalIndexBits)
	out = appendUint32(out, h.IndexSizeExtra)
	out = appendUint32(out, h.IndexSizeBits)
	out = appendUint32(out, h.BlockTableSize)
	out = append(out, tags...)
	out = append(out, indices...)
	return out
}

func appendUint32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

// bitWidth returns the bit count needed to store values 0..n-1, minimum 1.
func bitWidth(n uint32) uint32 {
	w := uint32(1)
	for (uint32(1) << w) < n {
		w++
	}
	return w
}

// readFileIndex decodes the bit-packed file-index entry at slot index.
func (t *hetTable) readFileIndex(index int) (uint32, bool) {
	indexSize := int(t.header.IndexSizeBits)
	if indexSize == 0 || indexSize > 32 {
		return 0, false
	}
	bitOffset := index * indexSize
	byteOffset := bitOffset / 8
	bitShift := uint(bitOffset % 8)
	bytesNeeded := (bitOffset+indexSize+7)/8 - byteOffset
	if bytesNeeded > 8 {
		bytesNeeded = 8
	}
	if byteOffset+bytesNeeded > len(t.fileIndices) {
		return 0, false
	}

	var value uint64
	for i := 0; i < bytesNeeded; i++ {
		value |= uint64(t.fileIndices[byteOffset+i]) << (uint(i) * 8)
	}

	var mask uint32
	if indexSize >= 32 {
		mask = ^uint32(0)
	} else {
		mask = (uint32(1) << uint(indexSize)) - 1
	}

	return uint32(value>>bitShift) & mask, true
}
