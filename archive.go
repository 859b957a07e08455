// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"bufio"
	"bytes"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Archive is a read-only handle onto one MPQ file. It keeps the archive's
// tables in memory and re-reads sector data from disk on each ReadFile call.
type Archive struct {
	file   io.ReadSeeker
	closer io.Closer
	path   string

	header     *archiveHeader
	hashTable  []hashTableEntry
	blockTable []blockTableEntry
	het        *hetTable
	bet        *betTable
	attrs      *attributesReader
	listfile   []string

	monitor *decompressionMonitor
	limits  DecompressionLimits
	log     *zap.Logger
}

// OpenOption configures Open/OpenReader.
type OpenOption func(*openConfig)

type openConfig struct {
	logger *zap.Logger
	limits DecompressionLimits
}

// WithLogger attaches a *zap.Logger for structured diagnostics.
func WithLogger(l *zap.Logger) OpenOption {
	return func(c *openConfig) { c.logger = l }
}

// WithDecompressionLimits overrides the default compression-bomb bounds.
func WithDecompressionLimits(limits DecompressionLimits) OpenOption {
	return func(c *openConfig) { c.limits = limits }
}

// Open opens the archive at path.
func Open(path string, opts ...OpenOption) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	a, err := OpenReader(f, opts...)
	if err != nil {
		f.Close()
		return nil, err
	}
	a.closer = f
	a.path = path
	return a, nil
}

// OpenReader opens an archive from an arbitrary seekable source.
func OpenReader(r io.ReadSeeker, opts ...OpenOption) (*Archive, error) {
	cfg := openConfig{limits: DefaultDecompressionLimits()}
	for _, o := range opts {
		o(&cfg)
	}

	header, err := findArchiveHeader(r)
	if err != nil {
		return nil, err
	}

	a := &Archive{
		file:    r,
		header:  header,
		limits:  cfg.limits,
		monitor: newDecompressionMonitor(cfg.limits),
		log:     logger(cfg.logger),
	}

	if err := a.loadTables(); err != nil {
		return nil, err
	}
	a.loadListfile()
	a.loadAttributes()

	a.log.Debug("opened archive",
		zap.Int("format_version", int(header.version())),
		zap.Uint32("hash_table_size", header.HashTableSize),
		zap.Uint32("block_table_size", header.BlockTableSize),
	)

	return a, nil
}

func (a *Archive) loadTables() error {
	h := a.header

	hashPos := int64(h.ArchiveOffset + h.hashTableOffset64())
	if _, err := a.file.Seek(hashPos, io.SeekStart); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	hashTable, err := readHashTable(a.file, h.HashTableSize)
	if err != nil {
		return err
	}
	a.hashTable = hashTable

	blockPos := int64(h.ArchiveOffset + h.blockTableOffset64())
	if _, err := a.file.Seek(blockPos, io.SeekStart); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	blockTable, err := readBlockTable(a.file, h.BlockTableSize)
	if err != nil {
		return err
	}
	a.blockTable = blockTable

	if h.version() >= FormatV2 && h.hiBlockTableOffset64() != 0 {
		hiPos := int64(h.ArchiveOffset + h.hiBlockTableOffset64())
		if _, err := a.file.Seek(hiPos, io.SeekStart); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
		hi, err := readHiBlockTable(a.file, h.BlockTableSize)
		if err != nil {
			return err
		}
		applyHiBlockTable(a.blockTable, hi)
	}

	// An unreadable HET or BET table is not fatal: the classic tables just
	// parsed above always remain as the lookup path.
	if h.version() >= FormatV3 {
		if pos := h.hetTableOffset64(); pos != 0 {
			size := a.tableRegionSize(pos, h.HetTableCompressedSize)
			het, err := readHetTable(a.file, int64(h.ArchiveOffset+pos), size, 0)
			if err != nil {
				a.log.Warn("falling back to classic tables: HET unreadable", zap.Error(err))
			} else {
				a.het = het
			}
		}
		if pos := h.betTableOffset64(); pos != 0 {
			size := a.tableRegionSize(pos, h.BetTableCompressedSize)
			bet, err := readBetTable(a.file, int64(h.ArchiveOffset+pos), size, 0)
			if err != nil {
				a.log.Warn("falling back to classic tables: BET unreadable", zap.Error(err))
				a.het = nil
			} else {
				a.bet = bet
			}
		}
	}

	return nil
}

// tableRegionSize determines a HET/BET blob's on-disk compressed size.
// V4 headers give it directly; otherwise it's the gap to the next known
// table position, or to the end of the archive.
func (a *Archive) tableRegionSize(pos uint64, v4Size uint64) int64 {
	if v4Size != 0 {
		return int64(v4Size)
	}

	h := a.header
	var bounds []uint64
	for _, p := range []uint64{h.hashTableOffset64(), h.blockTableOffset64(), h.hiBlockTableOffset64(), h.hetTableOffset64(), h.betTableOffset64(), h.archiveSize64()} {
		if p > pos {
			bounds = append(bounds, p)
		}
	}
	sort.Slice(bounds, func(i, j int) bool { return bounds[i] < bounds[j] })
	if len(bounds) == 0 {
		return 1 << 20 // last resort: generous guess, bounded by file EOF on read
	}
	return int64(bounds[0] - pos)
}

func (a *Archive) loadListfile() {
	data, err := a.extractSpecialFile("(listfile)")
	if err != nil {
		return
	}
	a.listfile = nil
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		name := strings.TrimSpace(scanner.Text())
		if name != "" {
			a.listfile = append(a.listfile, name)
		}
	}
}

func (a *Archive) loadAttributes() {
	data, err := a.extractSpecialFile("(attributes)")
	if err != nil {
		return
	}
	attrs, err := parseAttributes(data, len(a.blockTable))
	if err != nil {
		a.log.Warn("failed to parse attributes file", zap.Error(err))
		return
	}
	a.attrs = attrs
}

// extractSpecialFile reads a name like "(listfile)" without going through
// the public HasFile/ReadFile error-for-not-found convention.
func (a *Archive) extractSpecialFile(name string) ([]byte, error) {
	block, _, err := a.findFile(name)
	if err != nil {
		return nil, err
	}
	return readFileData(a.file, a.header.ArchiveOffset, block, getFileKey(name, block.getFilePos64(), block.FileSize, block.Flags), a.header.sectorSize(), a.monitor)
}

// findFile resolves name to its block table entry, trying HET/BET first
// (generalized into a synthetic blockTableEntry), then falling back to the
// classic hash table with locale-neutral fallback.
func (a *Archive) findFile(name string) (*blockTableEntry, int, error) {
	if a.het != nil && a.bet != nil {
		// Every tag match is a candidate until BET's full name hash confirms
		// it; an 8-bit tag alone is not proof of identity.
		if _, candidates := a.het.findFileWithCollisionInfo(name); len(candidates) > 0 {
			for _, c := range candidates {
				if !a.bet.confirms(int(c), name) {
					continue
				}
				if block, ok := a.betBlockEntry(int(c)); ok {
					return block, int(c), nil
				}
			}
		}
	}

	return a.classicFind(name)
}

// classicFind resolves name through the classic hash table only.
func (a *Archive) classicFind(name string) (*blockTableEntry, int, error) {
	idx := findHashEntry(a.hashTable, name, localeNeutral, 0)
	if idx < 0 {
		return nil, -1, fmt.Errorf("%w: %s", ErrFileNotFound, name)
	}
	blockIndex := int(a.hashTable[idx].BlockIndex)
	if blockIndex < 0 || blockIndex >= len(a.blockTable) {
		return nil, -1, fmt.Errorf("%w: hash entry points outside block table", ErrTableCorruption)
	}
	block := &a.blockTable[blockIndex]
	if block.Flags&fileExists == 0 {
		return nil, -1, fmt.Errorf("%w: %s", ErrFileNotFound, name)
	}
	return block, blockIndex, nil
}

// betBlockEntry synthesizes a blockTableEntry from a BET file record so
// downstream sector I/O doesn't need a second code path for V3+ archives.
func (a *Archive) betBlockEntry(index int) (*blockTableEntry, bool) {
	pos, size, cmpSize, flagIndex, ok := a.bet.fileRecord(index)
	if !ok {
		return nil, false
	}
	var flags uint32 = fileExists
	if int(flagIndex) < len(a.bet.flags) {
		flags = a.bet.flags[flagIndex]
	}
	b := &blockTableEntry{
		FileSize:       uint32(size),
		CompressedSize: uint32(cmpSize),
		Flags:          flags,
	}
	b.setFilePos64(pos)
	return b, true
}

// HasFile reports whether name resolves to an existing, non-delete-marker
// entry.
func (a *Archive) HasFile(name string) bool {
	block, _, err := a.findFile(name)
	if err != nil {
		return false
	}
	return block.Flags&fileDeleteMarker == 0
}

// Contains is an alias for HasFile.
func (a *Archive) Contains(name string) bool { return a.HasFile(name) }

// IsDeleteMarker reports whether name resolves to a patch delete marker.
func (a *Archive) IsDeleteMarker(name string) bool {
	block, _, err := a.findFile(name)
	if err != nil {
		return false
	}
	return block.Flags&fileDeleteMarker != 0
}

// IsPatchFile reports whether name is flagged as a patch (incremental)
// file, consulting the attributes file's PATCH_BIT array when present.
func (a *Archive) IsPatchFile(name string) bool {
	block, index, err := a.findFile(name)
	if err != nil {
		return false
	}
	if block.Flags&filePatchFile != 0 {
		return true
	}
	return a.attrs.isPatchAt(index)
}

// GetFileMD5 returns name's MD5 from the (attributes) file, when present.
func (a *Archive) GetFileMD5(name string) ([]byte, bool) {
	_, index, err := a.findFile(name)
	if err != nil {
		return nil, false
	}
	return a.attrs.md5At(index)
}

// GetFileTimestamp returns name's Windows FILETIME from the (attributes)
// file, when present.
func (a *Archive) GetFileTimestamp(name string) (uint64, bool) {
	_, index, err := a.findFile(name)
	if err != nil {
		return 0, false
	}
	return a.attrs.fileTimeAt(index)
}

// ReadFile extracts and returns name's full decompressed content.
func (a *Archive) ReadFile(name string) ([]byte, error) {
	block, _, err := a.findFile(name)
	if err != nil {
		return nil, err
	}
	if block.Flags&fileDeleteMarker != 0 {
		return nil, fmt.Errorf("%w: %s is a delete marker", ErrFileNotFound, name)
	}

	key := uint32(0)
	if block.Flags&fileEncrypted != 0 {
		key = getFileKey(name, block.getFilePos64(), block.FileSize, block.Flags)
	}

	data, err := readFileData(a.file, a.header.ArchiveOffset, block, key, a.header.sectorSize(), a.monitor)
	if err != nil {
		return nil, err
	}

	if index := a.blockIndexOf(block); index >= 0 {
		if wantCRC, ok := a.attrs.crc32At(index); ok {
			if got := crc32.ChecksumIEEE(data); got != wantCRC {
				return nil, fmt.Errorf("%w: attributes CRC32 mismatch for %s", ErrChecksumFailure, name)
			}
		}
	}

	return data, nil
}

// ReadFileRange reads length bytes of name starting at off, decoding only
// the sectors intersecting the window. The range is clamped to the file's
// size; a range starting at or past EOF yields an empty slice.
func (a *Archive) ReadFileRange(name string, off, length int64) ([]byte, error) {
	block, _, err := a.findFile(name)
	if err != nil {
		return nil, err
	}
	if block.Flags&fileDeleteMarker != 0 {
		return nil, fmt.Errorf("%w: %s is a delete marker", ErrFileNotFound, name)
	}

	key := uint32(0)
	if block.Flags&fileEncrypted != 0 {
		key = getFileKey(name, block.getFilePos64(), block.FileSize, block.Flags)
	}

	return readFileDataRange(a.file, a.header.ArchiveOffset, block, key, a.header.sectorSize(), off, length, a.monitor)
}

// ExtractFile reads name and writes its content to destPath.
func (a *Archive) ExtractFile(name, destPath string) error {
	data, err := a.ReadFile(name)
	if err != nil {
		return err
	}
	if err := os.WriteFile(destPath, data, 0o644); err != nil {
		return fmt.Errorf("%w: writing %s: %v", ErrIO, destPath, err)
	}
	return nil
}

// PatchMetadata is the non-standard (patch_metadata) special file's
// content: the priority and identifier an archive was originally built with
// for patch-chain purposes, independent of the order its path is passed to
// OpenPatchChain.
type PatchMetadata struct {
	Priority uint32
	PatchID  string
}

// readPatchMetadata reads (patch_metadata) if present. A missing file is not
// an error: it returns (nil, nil).
func (a *Archive) readPatchMetadata() (*PatchMetadata, error) {
	data, err := a.extractSpecialFile("(patch_metadata)")
	if err != nil {
		return nil, nil
	}
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: patch metadata too small", ErrInvalidFormat)
	}
	priority := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
	if len(data) < 8 {
		return &PatchMetadata{Priority: priority}, nil
	}
	idLen := uint32(data[4]) | uint32(data[5])<<8 | uint32(data[6])<<16 | uint32(data[7])<<24
	if int(8+idLen) > len(data) {
		return nil, fmt.Errorf("%w: patch metadata id truncated", ErrInvalidFormat)
	}
	return &PatchMetadata{Priority: priority, PatchID: string(data[8 : 8+idLen])}, nil
}

func (a *Archive) blockIndexOf(block *blockTableEntry) int {
	for i := range a.blockTable {
		if &a.blockTable[i] == block {
			return i
		}
	}
	return -1
}

// ListFiles returns every name known via the internal listfile. Names not
// present there (common in archives that omit it) aren't enumerable; MPQ
// has no name-reconstruction mechanism beyond this convention.
func (a *Archive) ListFiles() []string {
	out := make([]string, len(a.listfile))
	copy(out, a.listfile)
	return out
}

// wellKnownSpecialFiles are the special names probed during enumeration so
// their blocks aren't reported as unknown entries.
var wellKnownSpecialFiles = []string{"(listfile)", "(attributes)", "(signature)", "(patch_metadata)"}

// ListEntries enumerates every live block. Blocks the listfile (or a
// well-known special name) resolves get their real name; the rest appear as
// synthesized "File%08X.xxx" entries identified by block index.
func (a *Archive) ListEntries() []string {
	resolved := make(map[int]bool)
	var out []string
	for _, name := range a.listfile {
		if _, idx, err := a.classicFind(name); err == nil {
			resolved[idx] = true
		}
		out = append(out, name)
	}
	for _, name := range wellKnownSpecialFiles {
		if _, idx, err := a.classicFind(name); err == nil {
			resolved[idx] = true
		}
	}
	for i := range a.blockTable {
		b := &a.blockTable[i]
		if b.Flags&fileExists == 0 || b.Flags&fileDeleteMarker != 0 || resolved[i] {
			continue
		}
		out = append(out, fmt.Sprintf("File%08X.xxx", i))
	}
	return out
}

// SignatureStatus describes what (signature) carries, without verifying it.
type SignatureStatus string

const (
	SignatureNone    SignatureStatus = "none"
	SignatureWeak    SignatureStatus = "weak"
	SignatureStrong  SignatureStatus = "strong"
	SignatureUnknown SignatureStatus = "unknown"
)

func (a *Archive) signatureStatus() SignatureStatus {
	sig, err := a.ReadSignature()
	if err != nil || sig == nil {
		return SignatureNone
	}
	switch sig.Version {
	case 0:
		return SignatureWeak
	case 1:
		return SignatureStrong
	default:
		return SignatureUnknown
	}
}

// ArchiveInfo is the summary GetInfo reports.
type ArchiveInfo struct {
	FormatVersion    FormatVersion
	FileCount        uint32
	ArchiveSize      uint64
	CompressedSize   uint64
	UncompressedSize uint64
	SectorSize       uint32
	HashTableSize    uint32
	BlockTableSize   uint32
	HasHet           bool
	HasBet           bool
	SignatureStatus  SignatureStatus
}

// GetInfo returns summary information about the open archive.
func (a *Archive) GetInfo() ArchiveInfo {
	info := ArchiveInfo{
		FormatVersion:   a.header.version(),
		ArchiveSize:     a.header.archiveSize64(),
		SectorSize:      a.header.sectorSize(),
		HashTableSize:   a.header.HashTableSize,
		BlockTableSize:  a.header.BlockTableSize,
		HasHet:          a.het != nil,
		HasBet:          a.bet != nil,
		SignatureStatus: a.signatureStatus(),
	}
	for i := range a.blockTable {
		b := &a.blockTable[i]
		if b.Flags&fileExists == 0 {
			continue
		}
		info.FileCount++
		info.CompressedSize += uint64(b.CompressedSize)
		info.UncompressedSize += uint64(b.FileSize)
	}
	return info
}

// Close releases the underlying file, if Open (not OpenReader) was used.
func (a *Archive) Close() error {
	if a.closer != nil {
		return a.closer.Close()
	}
	return nil
}
