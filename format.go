// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FormatVersion identifies which of the four on-disk MPQ header layouts an
// archive uses.
type FormatVersion int

const (
	FormatV1 FormatVersion = 0 // original format, up to 4 GiB
	FormatV2 FormatVersion = 1 // extended format, >4 GiB (hi-block table)
	FormatV3 FormatVersion = 2 // adds HET/BET and 64-bit archive size
	FormatV4 FormatVersion = 3 // adds compressed-size/MD5 integrity metadata
)

const (
	mpqMagic         = 0x1A51504D // "MPQ\x1A"
	mpqUserDataMagic = 0x1B51504D // "MPQ\x1B"

	rawFormatVersion1 = 0
	rawFormatVersion2 = 1
	rawFormatVersion3 = 2
	rawFormatVersion4 = 3

	headerSizeV1 = 0x20 // 32 bytes
	headerSizeV2 = 0x2C // 44 bytes
	headerSizeV3 = 0x44 // 68 bytes
	headerSizeV4 = 0xD0 // 208 bytes

	// locatorScanStep is the alignment headers are placed at.
	locatorScanStep = 512

	// maxTableEntries bounds hash_table_size/block_table_size against a
	// pathological on-disk value before any allocation happens.
	maxTableEntries = 1 << 20

	// maxBlockSizeShift rejects sector_size > 4 GiB (block_size > 23).
	maxBlockSizeShift = 23
)

// headerV1 is the fixed 32-byte V1 header, read first regardless of version.
type headerV1 struct {
	Magic          uint32
	HeaderSize     uint32
	ArchiveSize    uint32 // deprecated from V2 on
	FormatVersion  uint16
	BlockSize      uint16 // sector size is 512 << BlockSize
	HashTablePos   uint32
	BlockTablePos  uint32
	HashTableSize  uint32
	BlockTableSize uint32
}

// headerV2Ext is read when format_version >= V2 and header_size >= 0x2C.
type headerV2Ext struct {
	HiBlockTablePos uint64
	HashTablePosHi  uint16
	BlockTablePosHi uint16
}

// headerV3Ext is read when format_version >= V3 and header_size >= 0x44.
type headerV3Ext struct {
	ArchiveSize64 uint64
	HetTablePos   uint64
	BetTablePos   uint64
}

// headerV4Ext is read when header_size >= 0xD0 *and* format_version >= V3:
// archives exist in the wild whose header claims V3 but is 208 bytes and
// carries the V4 integrity fields, so header_size decides, not the version.
type headerV4Ext struct {
	HashTableCompressedSize    uint64
	BlockTableCompressedSize   uint64
	HiBlockTableCompressedSize uint64
	HetTableCompressedSize     uint64
	BetTableCompressedSize     uint64
	RawChunkSize               uint32
	MD5BlockTable              [16]byte
	MD5HashTable               [16]byte
	MD5HiBlockTable            [16]byte
	MD5BetTable                [16]byte
	MD5HetTable                [16]byte
	MD5MpqHeader               [16]byte
}

// archiveHeader is the union of every version's fields. Fields introduced by
// a later version are zero when the archive predates it.
type archiveHeader struct {
	headerV1
	headerV2Ext
	headerV3Ext
	headerV4Ext

	// ArchiveOffset is the absolute file offset of this header, as found by
	// the locator. All table positions in the header are relative to it.
	ArchiveOffset uint64
	// UserDataSize is non-zero when a "MPQ\x1B" user-data header preceded
	// this one; it is read-through, never interpreted.
	UserDataSize uint32
}

// userDataHeader is the optional preamble carrying game-specific metadata and
// the real header's offset.
type userDataHeader struct {
	Magic             uint32
	UserDataSize      uint32
	HeaderOffset      uint32 // offset of the main header, from this header's own position
	UserDataHeaderSize uint32
}

func (h *archiveHeader) version() FormatVersion {
	switch {
	case h.FormatVersion >= rawFormatVersion4:
		return FormatV4
	case h.FormatVersion >= rawFormatVersion3:
		return FormatV3
	case h.FormatVersion >= rawFormatVersion2:
		return FormatV2
	default:
		return FormatV1
	}
}

func (h *archiveHeader) sectorSize() uint32 {
	return uint32(512) << h.BlockSize
}

func (h *archiveHeader) hashTableOffset64() uint64 {
	off := uint64(h.HashTablePos)
	if h.version() >= FormatV2 {
		off |= uint64(h.HashTablePosHi) << 32
	}
	return off
}

func (h *archiveHeader) blockTableOffset64() uint64 {
	off := uint64(h.BlockTablePos)
	if h.version() >= FormatV2 {
		off |= uint64(h.BlockTablePosHi) << 32
	}
	return off
}

func (h *archiveHeader) hiBlockTableOffset64() uint64 {
	if h.version() < FormatV2 {
		return 0
	}
	return h.HiBlockTablePos
}

func (h *archiveHeader) hetTableOffset64() uint64 {
	if h.version() < FormatV3 {
		return 0
	}
	return h.HetTablePos
}

func (h *archiveHeader) betTableOffset64() uint64 {
	if h.version() < FormatV3 {
		return 0
	}
	return h.BetTablePos
}

func (h *archiveHeader) archiveSize64() uint64 {
	if h.version() >= FormatV3 && h.ArchiveSize64 != 0 {
		return h.ArchiveSize64
	}
	return uint64(h.ArchiveSize)
}

func (h *archiveHeader) setHashTableOffset64(off uint64) {
	h.HashTablePos = uint32(off)
	h.HashTablePosHi = uint16(off >> 32)
}

func (h *archiveHeader) setBlockTableOffset64(off uint64) {
	h.BlockTablePos = uint32(off)
	h.BlockTablePosHi = uint16(off >> 32)
}

// validate rejects headers whose declared sizes could drive oversized
// allocations or out-of-range shifts before any table is read.
func (h *archiveHeader) validate() error {
	if h.Magic != mpqMagic {
		return fmt.Errorf("%w: bad magic 0x%08X", ErrInvalidFormat, h.Magic)
	}
	if h.FormatVersion > rawFormatVersion4 {
		return fmt.Errorf("%w: raw=%d", ErrUnsupportedVersion, h.FormatVersion)
	}
	if h.BlockSize > maxBlockSizeShift {
		return fmt.Errorf("%w: block_size %d exceeds maximum", ErrInvalidFormat, h.BlockSize)
	}
	if h.HashTableSize > maxTableEntries {
		return fmt.Errorf("%w: hash_table_size %d exceeds cap", ErrTableCorruption, h.HashTableSize)
	}
	if h.BlockTableSize > maxTableEntries {
		return fmt.Errorf("%w: block_table_size %d exceeds cap", ErrTableCorruption, h.BlockTableSize)
	}
	if h.HashTableSize != 0 && h.HashTableSize&(h.HashTableSize-1) != 0 {
		return fmt.Errorf("%w: hash_table_size %d is not a power of two", ErrTableCorruption, h.HashTableSize)
	}
	return nil
}

// findArchiveHeader scans r at 512-byte alignment from offset 0 for either
// the main header magic or a user-data header whose declared offset leads to
// one.
func findArchiveHeader(r io.ReadSeeker) (*archiveHeader, error) {
	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	var pos int64
	for pos+4 <= size {
		if _, err := r.Seek(pos, io.SeekStart); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIO, err)
		}
		var magic uint32
		if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIO, err)
		}

		switch magic {
		case mpqMagic:
			if _, err := r.Seek(pos, io.SeekStart); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrIO, err)
			}
			h, err := readArchiveHeader(r)
			if err != nil {
				return nil, err
			}
			h.ArchiveOffset = uint64(pos)
			return h, nil

		case mpqUserDataMagic:
			if _, err := r.Seek(pos, io.SeekStart); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrIO, err)
			}
			var ud userDataHeader
			if err := binary.Read(r, binary.LittleEndian, &ud); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrIO, err)
			}
			headerPos := pos + int64(ud.HeaderOffset)
			if headerPos >= 0 && headerPos+4 <= size {
				if _, err := r.Seek(headerPos, io.SeekStart); err == nil {
					var magic2 uint32
					if binary.Read(r, binary.LittleEndian, &magic2) == nil && magic2 == mpqMagic {
						if _, err := r.Seek(headerPos, io.SeekStart); err != nil {
							return nil, fmt.Errorf("%w: %v", ErrIO, err)
						}
						h, err := readArchiveHeader(r)
						if err != nil {
							return nil, err
						}
						h.ArchiveOffset = uint64(headerPos)
						h.UserDataSize = ud.UserDataSize
						return h, nil
					}
				}
			}
			pos += locatorScanStep

		default:
			pos += locatorScanStep
		}
	}

	return nil, fmt.Errorf("%w: no MPQ header found", ErrInvalidFormat)
}

// readArchiveHeader reads a version-gated header from r, which must be
// positioned at the header's first byte.
func readArchiveHeader(r io.Reader) (*archiveHeader, error) {
	h := &archiveHeader{}
	if err := binary.Read(r, binary.LittleEndian, &h.headerV1); err != nil {
		return nil, fmt.Errorf("%w: reading base header: %v", ErrInvalidFormat, err)
	}
	if err := h.validate(); err != nil {
		return nil, err
	}

	if h.FormatVersion >= rawFormatVersion2 && h.HeaderSize >= headerSizeV2 {
		if err := binary.Read(r, binary.LittleEndian, &h.headerV2Ext); err != nil {
			return nil, fmt.Errorf("%w: reading v2 fields: %v", ErrInvalidFormat, err)
		}
	}
	if h.FormatVersion >= rawFormatVersion3 && h.HeaderSize >= headerSizeV3 {
		if err := binary.Read(r, binary.LittleEndian, &h.headerV3Ext); err != nil {
			return nil, fmt.Errorf("%w: reading v3 fields: %v", ErrInvalidFormat, err)
		}
	}
	// Tolerance rule: V4 fields are read whenever header_size is large
	// enough, even if format_version only claims V3.
	if h.FormatVersion >= rawFormatVersion3 && h.HeaderSize >= headerSizeV4 {
		if err := binary.Read(r, binary.LittleEndian, &h.headerV4Ext); err != nil {
			return nil, fmt.Errorf("%w: reading v4 fields: %v", ErrInvalidFormat, err)
		}
	}

	return h, nil
}

// writeArchiveHeader writes exactly the fields implied by version.
func writeArchiveHeader(w io.Writer, h *archiveHeader, version FormatVersion) error {
	if err := binary.Write(w, binary.LittleEndian, &h.headerV1); err != nil {
		return err
	}
	if version >= FormatV2 {
		if err := binary.Write(w, binary.LittleEndian, &h.headerV2Ext); err != nil {
			return err
		}
	}
	if version >= FormatV3 {
		if err := binary.Write(w, binary.LittleEndian, &h.headerV3Ext); err != nil {
			return err
		}
	}
	if version >= FormatV4 {
		if err := binary.Write(w, binary.LittleEndian, &h.headerV4Ext); err != nil {
			return err
		}
	}
	return nil
}

func headerSizeForVersion(version FormatVersion) uint32 {
	switch version {
	case FormatV4:
		return headerSizeV4
	case FormatV3:
		return headerSizeV3
	case FormatV2:
		return headerSizeV2
	default:
		return headerSizeV1
	}
}

func rawFormatVersion(version FormatVersion) uint16 {
	switch version {
	case FormatV4:
		return rawFormatVersion4
	case FormatV3:
		return rawFormatVersion3
	case FormatV2:
		return rawFormatVersion2
	default:
		return rawFormatVersion1
	}
}

// readUint32Array reads an array of little-endian uint32 values.
func readUint32Array(r io.Reader, data []uint32) error {
	return binary.Read(r, binary.LittleEndian, data)
}

// readUint16Array reads an array of little-endian uint16 values.
func readUint16Array(r io.Reader, data []uint16) error {
	return binary.Read(r, binary.LittleEndian, data)
}

// writeUint32Array writes an array of little-endian uint32 values.
func writeUint32Array(w io.Writer, data []uint32) error {
	return binary.Write(w, binary.LittleEndian, data)
}

// writeUint16Array writes an array of little-endian uint16 values.
func writeUint16Array(w io.Writer, data []uint16) error {
	return binary.Write(w, binary.LittleEndian, data)
}
