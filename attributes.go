// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Attribute flag bits in the (attributes) special file's header. Each set
// bit adds one parallel per-file array (or, for the patch bit, a bitmap of
// one bit per file) after the fixed version/flags header.
const (
	attributesVersion = 100

	attributesFlagCRC32     = 0x00000001
	attributesFlagFileTime  = 0x00000002
	attributesFlagMD5       = 0x00000004
	attributesFlagPatchBit  = 0x00000008
	attributesFlagAll       = attributesFlagCRC32 | attributesFlagFileTime | attributesFlagMD5 | attributesFlagPatchBit
	attributesHeaderSize    = 8
	attributesFileTimeBytes = 8
	attributesMD5Bytes      = md5.Size
)

// attributesWriter accumulates the four optional per-file arrays of the
// (attributes) special file: CRC32, Windows FILETIME, MD5, and the patch
// bit. The first three are parallel arrays in block-table order (including
// unused/deleted slots); the patch bits pack into a bitmap of
// ceil(count/8) bytes, LSB-first within each byte.
type attributesWriter struct {
	flags     uint32
	crc32     []uint32
	fileTime  []uint64
	md5       [][]byte
	patchBit  []bool
}

// newAttributesWriter allocates a writer for fileCount block-table slots,
// recording data for the given flag bits.
func newAttributesWriter(fileCount int, flags uint32) *attributesWriter {
	w := &attributesWriter{flags: flags}
	if flags&attributesFlagCRC32 != 0 {
		w.crc32 = make([]uint32, fileCount)
	}
	if flags&attributesFlagFileTime != 0 {
		w.fileTime = make([]uint64, fileCount)
	}
	if flags&attributesFlagMD5 != 0 {
		w.md5 = make([][]byte, fileCount)
		for i := range w.md5 {
			w.md5[i] = make([]byte, attributesMD5Bytes)
		}
	}
	if flags&attributesFlagPatchBit != 0 {
		w.patchBit = make([]bool, fileCount)
	}
	return w
}

// setEntry records the checksums for the file occupying block-table slot
// index, computed from its uncompressed content. data == nil clears the
// slot's checksums to zero (used for placeholder entries, e.g. the
// attributes file's own slot, whose checksums aren't self-referential).
func (a *attributesWriter) setEntry(index int, data []byte, fileTimeValue uint64, isPatch bool) {
	if index < 0 {
		return
	}
	if a.crc32 != nil && index < len(a.crc32) {
		if data != nil {
			a.crc32[index] = crc32.ChecksumIEEE(data)
		} else {
			a.crc32[index] = 0
		}
	}
	if a.fileTime != nil && index < len(a.fileTime) {
		a.fileTime[index] = fileTimeValue
	}
	if a.md5 != nil && index < len(a.md5) {
		if data != nil {
			sum := md5.Sum(data)
			copy(a.md5[index], sum[:])
		} else {
			for i := range a.md5[index] {
				a.md5[index][i] = 0
			}
		}
	}
	if a.patchBit != nil && index < len(a.patchBit) {
		a.patchBit[index] = isPatch
	}
}

// build serializes the (attributes) file content.
func (a *attributesWriter) build() ([]byte, error) {
	n := 0
	switch {
	case a.crc32 != nil:
		n = len(a.crc32)
	case a.fileTime != nil:
		n = len(a.fileTime)
	case a.md5 != nil:
		n = len(a.md5)
	case a.patchBit != nil:
		n = len(a.patchBit)
	default:
		return nil, nil
	}

	size := attributesHeaderSize
	if a.crc32 != nil {
		size += n * 4
	}
	if a.fileTime != nil {
		size += n * attributesFileTimeBytes
	}
	if a.md5 != nil {
		size += n * attributesMD5Bytes
	}
	if a.patchBit != nil {
		size += (n + 7) / 8
	}

	data := make([]byte, size)
	binary.LittleEndian.PutUint32(data[0:4], attributesVersion)
	binary.LittleEndian.PutUint32(data[4:8], a.flags)

	off := attributesHeaderSize
	if a.crc32 != nil {
		for _, v := range a.crc32 {
			binary.LittleEndian.PutUint32(data[off:off+4], v)
			off += 4
		}
	}
	if a.fileTime != nil {
		for _, v := range a.fileTime {
			binary.LittleEndian.PutUint64(data[off:off+8], v)
			off += 8
		}
	}
	if a.md5 != nil {
		for _, v := range a.md5 {
			copy(data[off:off+attributesMD5Bytes], v)
			off += attributesMD5Bytes
		}
	}
	if a.patchBit != nil {
		for i, v := range a.patchBit {
			if v {
				data[off+i/8] |= 1 << uint(i%8)
			}
		}
	}

	return data, nil
}

// attributesReader parses an existing (attributes) file, exposing per-slot
// lookups used by Archive.GetFileMD5/GetFileTimestamp/IsPatchFile and by
// MutableArchive.Flush when carrying forward attributes for files it didn't
// touch.
type attributesReader struct {
	flags    uint32
	crc32    []uint32
	fileTime []uint64
	md5      [][]byte
	patchBit []bool
}

func parseAttributes(data []byte, blockTableSize int) (*attributesReader, error) {
	if len(data) < attributesHeaderSize {
		return nil, fmt.Errorf("%w: attributes file too small", ErrInvalidFormat)
	}

	r := &attributesReader{
		flags: binary.LittleEndian.Uint32(data[4:8]),
	}

	off := attributesHeaderSize
	if r.flags&attributesFlagCRC32 != 0 {
		end := off + blockTableSize*4
		if end > len(data) {
			return nil, fmt.Errorf("%w: attributes CRC32 array truncated", ErrInvalidFormat)
		}
		r.crc32 = make([]uint32, blockTableSize)
		for i := range r.crc32 {
			r.crc32[i] = binary.LittleEndian.Uint32(data[off : off+4])
			off += 4
		}
	}
	if r.flags&attributesFlagFileTime != 0 {
		end := off + blockTableSize*attributesFileTimeBytes
		if end > len(data) {
			return nil, fmt.Errorf("%w: attributes FILETIME array truncated", ErrInvalidFormat)
		}
		r.fileTime = make([]uint64, blockTableSize)
		for i := range r.fileTime {
			r.fileTime[i] = binary.LittleEndian.Uint64(data[off : off+8])
			off += 8
		}
	}
	if r.flags&attributesFlagMD5 != 0 {
		end := off + blockTableSize*attributesMD5Bytes
		if end > len(data) {
			return nil, fmt.Errorf("%w: attributes MD5 array truncated", ErrInvalidFormat)
		}
		r.md5 = make([][]byte, blockTableSize)
		for i := range r.md5 {
			r.md5[i] = append([]byte(nil), data[off:off+attributesMD5Bytes]...)
			off += attributesMD5Bytes
		}
	}
	if r.flags&attributesFlagPatchBit != 0 {
		end := off + (blockTableSize+7)/8
		if end > len(data) {
			return nil, fmt.Errorf("%w: attributes patch-bit bitmap truncated", ErrInvalidFormat)
		}
		r.patchBit = make([]bool, blockTableSize)
		for i := range r.patchBit {
			r.patchBit[i] = data[off+i/8]&(1<<uint(i%8)) != 0
		}
	}

	return r, nil
}

func (r *attributesReader) crc32At(index int) (uint32, bool) {
	if r == nil || r.crc32 == nil || index < 0 || index >= len(r.crc32) {
		return 0, false
	}
	return r.crc32[index], true
}

func (r *attributesReader) md5At(index int) ([]byte, bool) {
	if r == nil || r.md5 == nil || index < 0 || index >= len(r.md5) {
		return nil, false
	}
	return r.md5[index], true
}

func (r *attributesReader) fileTimeAt(index int) (uint64, bool) {
	if r == nil || r.fileTime == nil || index < 0 || index >= len(r.fileTime) {
		return 0, false
	}
	return r.fileTime[index], true
}

func (r *attributesReader) isPatchAt(index int) bool {
	if r == nil || r.patchBit == nil || index < 0 || index >= len(r.patchBit) {
		return false
	}
	return r.patchBit[index]
}
