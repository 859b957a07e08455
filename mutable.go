// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// pendingEntry is one staged change: new content to write, or a delete
// marker carried into a patch archive.
type pendingEntry struct {
	data         []byte
	deleteMarker bool
	patchFile    bool
	sectorCRC    bool
	compress     bool
	compressMask byte // 0 means the archive's default mask
	encrypt      bool
	fixKey       bool
}

// FileOption configures how MutableArchive.AddFileData lays out one file.
type FileOption func(*pendingEntry)

// WithPatchFile marks the added file as a patch (incremental) file.
func WithPatchFile() FileOption { return func(p *pendingEntry) { p.patchFile = true } }

// WithSectorCRC requests a trailing per-sector CRC32 table for the file.
func WithSectorCRC() FileOption { return func(p *pendingEntry) { p.sectorCRC = true } }

// WithoutCompression stores the file verbatim instead of zlib-compressing it.
func WithoutCompression() FileOption { return func(p *pendingEntry) { p.compress = false } }

// WithEncryption encrypts the file's sectors using its MPQ path as the key
// source.
func WithEncryption() FileOption { return func(p *pendingEntry) { p.encrypt = true } }

// WithFixKey additionally folds the file's archive offset and size into its
// encryption key (the adjustment some game clients require for executables
// and patch payloads). Implies WithEncryption.
func WithFixKey() FileOption {
	return func(p *pendingEntry) {
		p.encrypt = true
		p.fixKey = true
	}
}

// WithCompression selects a specific codec mask for this file instead of the
// archive's default (for example codecLZMA, or codecADPCMStereo|codecZlib
// for audio payloads).
func WithCompression(mask byte) FileOption {
	return func(p *pendingEntry) {
		p.compress = true
		p.compressMask = mask
	}
}

// MutableArchive stages file additions, removals, and renames against either
// a fresh archive or an existing one opened with OpenForModify, and commits
// them to disk atomically on Flush. Flush rebuilds the whole archive from
// the resolved file list rather than editing in place: payloads that never
// change are still re-laid-out, which keeps the table rebuild trivial and
// the on-disk result compact. The publish step is a single rename of a
// fully-synced temp file (renameio.PendingFile), so concurrent readers see
// either the old archive or the new one, never a partial write.
type MutableArchive struct {
	base    *Archive
	path    string
	version FormatVersion

	sectorSize  uint32
	hashSize    uint32
	defaultMask byte

	order   []string
	pending map[string]*pendingEntry
	removed map[string]bool

	patchMeta *PatchMetadata

	log *zap.Logger
}

// SetPatchMetadata stages a (patch_metadata) special file describing this
// archive's priority and identity within a patch chain, independent of the
// order its path is later passed to OpenPatchChain. An empty patchID is
// replaced with a freshly generated UUID, giving every patch archive a
// stable identity even when the caller doesn't need to track one itself.
func (m *MutableArchive) SetPatchMetadata(priority uint32, patchID string) {
	if patchID == "" {
		patchID = uuid.NewString()
	}
	m.patchMeta = &PatchMetadata{Priority: priority, PatchID: patchID}
}

// NewArchive stages a brand-new archive at path, sized for approximately
// maxFiles entries. Nothing is written until Flush.
func NewArchive(path string, version FormatVersion, maxFiles int, opts ...OpenOption) *MutableArchive {
	cfg := openConfig{limits: DefaultDecompressionLimits()}
	for _, o := range opts {
		o(&cfg)
	}
	size := nextPowerOfTwo(uint32(float64(maxFiles)*1.5) + 2)
	if size < 16 {
		size = 16
	}
	return &MutableArchive{
		path:        path,
		version:     version,
		sectorSize:  512 << 3, // 4096-byte sectors by default
		hashSize:    size,
		defaultMask: codecZlib,
		pending:     make(map[string]*pendingEntry),
		removed:     make(map[string]bool),
		log:         logger(cfg.logger),
	}
}

// SetDefaultCompression changes the codec mask applied to files staged
// without an explicit WithCompression option. The zero mask stores files
// verbatim.
func (m *MutableArchive) SetDefaultCompression(mask byte) {
	m.defaultMask = mask
}

// SetSectorSize overrides the archive's sector size before the first Flush;
// shift is the block_size exponent (sector bytes = 512 << shift).
func (m *MutableArchive) SetSectorSize(shift uint16) {
	if shift <= maxBlockSizeShift {
		m.sectorSize = 512 << shift
	}
}

// OpenForModify opens an existing archive and allows staging further changes
// against it. The underlying file stays open (for reading unmodified
// entries) until Flush or Close.
func OpenForModify(path string, opts ...OpenOption) (*MutableArchive, error) {
	base, err := Open(path, opts...)
	if err != nil {
		return nil, err
	}
	m := &MutableArchive{
		base:        base,
		path:        path,
		version:     base.header.version(),
		sectorSize:  base.header.sectorSize(),
		hashSize:    base.header.HashTableSize,
		defaultMask: codecZlib,
		pending:     make(map[string]*pendingEntry),
		removed:     make(map[string]bool),
		log:         base.log,
	}
	// Carry the base archive's patch-chain bookkeeping forward unless the
	// caller stages a replacement via SetPatchMetadata.
	if meta, err := base.readPatchMetadata(); err == nil && meta != nil {
		m.patchMeta = meta
	}
	return m, nil
}

func normalizeMPQPath(name string) string {
	return strings.ReplaceAll(name, "/", "\\")
}

// AddFileData stages mpqPath's content, overriding any prior staged value or
// the base archive's existing copy of the same name.
func (m *MutableArchive) AddFileData(mpqPath string, data []byte, opts ...FileOption) error {
	mpqPath = normalizeMPQPath(mpqPath)
	entry := &pendingEntry{data: data, compress: true}
	for _, o := range opts {
		o(entry)
	}
	if _, exists := m.pending[mpqPath]; !exists {
		m.order = append(m.order, mpqPath)
	}
	m.pending[mpqPath] = entry
	delete(m.removed, mpqPath)
	return nil
}

// AddFile reads srcPath from disk and stages it under mpqPath.
func (m *MutableArchive) AddFile(srcPath, mpqPath string, opts ...FileOption) error {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("%w: reading %s: %v", ErrIO, srcPath, err)
	}
	return m.AddFileData(mpqPath, data, opts...)
}

// Replace is an alias for AddFileData: MPQ has no distinct update operation,
// staging new content for an existing name and writing it on Flush is how
// both "add" and "replace" work.
func (m *MutableArchive) Replace(mpqPath string, data []byte, opts ...FileOption) error {
	return m.AddFileData(mpqPath, data, opts...)
}

// RemoveFile stages mpqPath for removal. For an archive opened with
// OpenForModify this both drops any pending replacement and excludes the
// base archive's copy from the next Flush; for a brand-new archive it simply
// discards a staged add.
func (m *MutableArchive) RemoveFile(mpqPath string) error {
	mpqPath = normalizeMPQPath(mpqPath)
	_, inPending := m.pending[mpqPath]
	inBase := m.base != nil && m.base.HasFile(mpqPath)
	if !inPending && !inBase {
		return fmt.Errorf("%w: %s", ErrFileNotFound, mpqPath)
	}
	delete(m.pending, mpqPath)
	m.removed[mpqPath] = true
	return nil
}

// Rename moves a file's content from oldPath to newPath, staging the result
// as an add under newPath and a removal of oldPath.
func (m *MutableArchive) Rename(oldPath, newPath string) error {
	oldPath = normalizeMPQPath(oldPath)
	data, err := m.readStaged(oldPath)
	if err != nil {
		return err
	}
	if err := m.RemoveFile(oldPath); err != nil {
		return err
	}
	return m.AddFileData(newPath, data)
}

// readStaged returns a file's current content, whether staged or inherited
// from the base archive, for operations (like Rename) that need to read
// before writing.
func (m *MutableArchive) readStaged(mpqPath string) ([]byte, error) {
	mpqPath = normalizeMPQPath(mpqPath)
	if entry, ok := m.pending[mpqPath]; ok {
		if entry.deleteMarker {
			return nil, fmt.Errorf("%w: %s is a delete marker", ErrFileNotFound, mpqPath)
		}
		return entry.data, nil
	}
	if m.removed[mpqPath] {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, mpqPath)
	}
	if m.base != nil {
		return m.base.ReadFile(mpqPath)
	}
	return nil, fmt.Errorf("%w: %s", ErrFileNotFound, mpqPath)
}

// AddDeleteMarker stages a patch delete marker for mpqPath, used when
// building a patch archive that should suppress a lower-priority archive's
// copy of the file.
func (m *MutableArchive) AddDeleteMarker(mpqPath string) {
	mpqPath = normalizeMPQPath(mpqPath)
	if _, exists := m.pending[mpqPath]; !exists {
		m.order = append(m.order, mpqPath)
	}
	m.pending[mpqPath] = &pendingEntry{deleteMarker: true}
	delete(m.removed, mpqPath)
}

// finalEntry is one file's resolved content and flags, ready to be written.
type finalEntry struct {
	mpqPath string
	entry   *pendingEntry
}

// resolveFinalEntries merges the base archive's surviving files with staged
// adds/removals/renames into one ordered list: base files first (in listfile
// order), then staged additions in the order they were staged.
func (m *MutableArchive) resolveFinalEntries() []finalEntry {
	var out []finalEntry
	seen := make(map[string]bool)

	if m.base != nil {
		for _, name := range m.base.ListFiles() {
			name = normalizeMPQPath(name)
			if seen[name] || name == "(listfile)" || name == "(attributes)" || name == "(patch_metadata)" || name == "(signature)" {
				continue
			}
			seen[name] = true
			if m.removed[name] {
				continue
			}
			if pending, ok := m.pending[name]; ok {
				out = append(out, finalEntry{name, pending})
				continue
			}
			data, err := m.base.ReadFile(name)
			if err != nil {
				m.log.Warn("dropping unreadable file during flush", zap.String("name", name), zap.Error(err))
				continue
			}
			isPatch := m.base.IsPatchFile(name)
			out = append(out, finalEntry{name, &pendingEntry{data: data, compress: true, patchFile: isPatch}})
		}
	}

	for _, name := range m.order {
		if seen[name] {
			continue
		}
		seen[name] = true
		if m.removed[name] {
			continue
		}
		out = append(out, finalEntry{name, m.pending[name]})
	}

	return out
}

// blockSizeShiftForSectorSize inverts archiveHeader.sectorSize's 512<<shift.
func blockSizeShiftForSectorSize(sectorSize uint32) uint16 {
	var shift uint16
	for (uint32(512) << shift) < sectorSize {
		shift++
	}
	return shift
}

// attrRecord holds the data needed to build one (attributes) entry, staged
// as files are laid out so the final attributes blob can be sized and built
// in one pass once the total file count is known.
type attrRecord struct {
	data    []byte
	isPatch bool
}

// Flush writes every staged change to disk, replacing the archive at m.path
// atomically: the new archive is written to a uniquely-named temp file in
// the same directory (via renameio.TempFile) and only renamed into place
// after being fully synced, so a crash mid-write never corrupts the
// existing archive.
func (m *MutableArchive) Flush() error {
	entries := m.resolveFinalEntries()

	sectorSize := m.sectorSize
	if sectorSize == 0 {
		sectorSize = 4096
	}

	if dir := filepath.Dir(m.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
	}

	t, err := renameio.TempFile("", m.path)
	if err != nil {
		return fmt.Errorf("%w: creating temp file: %v", ErrIO, err)
	}
	defer t.Cleanup()

	headerSize := headerSizeForVersion(m.version)
	if _, err := t.Write(make([]byte, headerSize)); err != nil {
		return fmt.Errorf("%w: reserving header space: %v", ErrIO, err)
	}
	pos := int64(headerSize)

	var blockTable []blockTableEntry
	var blockNames []string
	var attrRecords []attrRecord
	var listBuf bytes.Buffer

	writeBody := func(name string, body *encodedFile) error {
		var b blockTableEntry
		b.CompressedSize = body.compressedSize
		b.FileSize = body.fileSize
		b.Flags = body.flags
		b.setFilePos64(uint64(pos))
		if _, err := t.Write(body.data); err != nil {
			return fmt.Errorf("%w: writing %s: %v", ErrIO, name, err)
		}
		pos += int64(len(body.data))
		blockTable = append(blockTable, b)
		blockNames = append(blockNames, name)
		return nil
	}

	maskFor := func(e *pendingEntry) byte {
		if !e.compress {
			return 0
		}
		if e.compressMask != 0 {
			return e.compressMask
		}
		return m.defaultMask
	}

	for _, fe := range entries {
		name := fe.mpqPath
		if fe.entry.deleteMarker {
			if err := writeBody(name, &encodedFile{flags: uint32(fileExists | fileDeleteMarker)}); err != nil {
				return err
			}
			attrRecords = append(attrRecords, attrRecord{})
			continue
		}

		opts := fileWriteOptions{
			CompressMask: maskFor(fe.entry),
			Encrypt:      fe.entry.encrypt,
			FixKey:       fe.entry.fixKey,
			SingleUnit:   len(fe.entry.data) <= int(sectorSize)*2,
			SectorCRC:    fe.entry.sectorCRC,
		}
		if fe.entry.patchFile && opts.CompressMask == 0 {
			opts.CompressMask = m.defaultMask
		}
		body, err := encodeFile(name, fe.entry.data, sectorSize, uint64(pos), opts)
		if err != nil {
			return fmt.Errorf("encode %s: %w", name, err)
		}
		if fe.entry.patchFile {
			body.flags |= filePatchFile
		}
		if err := writeBody(name, body); err != nil {
			return err
		}
		attrRecords = append(attrRecords, attrRecord{data: fe.entry.data, isPatch: fe.entry.patchFile})
		listBuf.WriteString(name)
		listBuf.WriteString("\r\n")
	}

	if listBuf.Len() > 0 {
		listData := listBuf.Bytes()
		body, err := encodeFile("(listfile)", listData, sectorSize, uint64(pos), fileWriteOptions{CompressMask: m.defaultMask, SingleUnit: true})
		if err != nil {
			return fmt.Errorf("encode listfile: %w", err)
		}
		if err := writeBody("(listfile)", body); err != nil {
			return err
		}
		attrRecords = append(attrRecords, attrRecord{data: listData})
	}

	hasPatchMeta := false
	if m.patchMeta != nil {
		idBytes := []byte(m.patchMeta.PatchID)
		data := make([]byte, 8+len(idBytes))
		data[0] = byte(m.patchMeta.Priority)
		data[1] = byte(m.patchMeta.Priority >> 8)
		data[2] = byte(m.patchMeta.Priority >> 16)
		data[3] = byte(m.patchMeta.Priority >> 24)
		idLen := uint32(len(idBytes))
		data[4] = byte(idLen)
		data[5] = byte(idLen >> 8)
		data[6] = byte(idLen >> 16)
		data[7] = byte(idLen >> 24)
		copy(data[8:], idBytes)

		body, err := encodeFile("(patch_metadata)", data, sectorSize, uint64(pos), fileWriteOptions{CompressMask: m.defaultMask, SingleUnit: true})
		if err != nil {
			return fmt.Errorf("encode patch metadata: %w", err)
		}
		if err := writeBody("(patch_metadata)", body); err != nil {
			return err
		}
		attrRecords = append(attrRecords, attrRecord{data: data})
		hasPatchMeta = true
	}

	fileCount := len(blockTable) + 1 // +1 for the (attributes) entry itself
	attrWriter := newAttributesWriter(fileCount, attributesFlagCRC32|attributesFlagFileTime|attributesFlagMD5|attributesFlagPatchBit)
	now := fileTimeNow()
	for i, rec := range attrRecords {
		attrWriter.setEntry(i, rec.data, now, rec.isPatch)
	}
	attrWriter.setEntry(fileCount-1, nil, now, false)
	attrBytes, err := attrWriter.build()
	if err != nil {
		return fmt.Errorf("build attributes: %w", err)
	}
	if len(attrBytes) > 0 {
		body, err := encodeFile("(attributes)", attrBytes, sectorSize, uint64(pos), fileWriteOptions{CompressMask: m.defaultMask, SingleUnit: true})
		if err != nil {
			return fmt.Errorf("encode attributes: %w", err)
		}
		if err := writeBody("(attributes)", body); err != nil {
			return err
		}
	}

	hashSize := m.hashSize
	minSize := nextPowerOfTwo(uint32(len(blockTable))*2 + 4)
	if hashSize < minSize {
		hashSize = minSize
	}

	hashTable, err := buildHashTable(entries, listBuf.Len() > 0, hasPatchMeta, len(attrBytes) > 0, hashSize)
	if err != nil {
		return err
	}

	hashPos := pos
	if err := writeHashTable(t, hashTable); err != nil {
		return fmt.Errorf("%w: writing hash table: %v", ErrIO, err)
	}
	pos += int64(len(hashTable)) * 16

	blockPos := pos
	if err := writeBlockTable(t, blockTable); err != nil {
		return fmt.Errorf("%w: writing block table: %v", ErrIO, err)
	}
	pos += int64(len(blockTable)) * 16

	needsHi := false
	for _, b := range blockTable {
		if b.FilePosHi != 0 {
			needsHi = true
			break
		}
	}
	var hiPos int64
	if m.version >= FormatV2 && needsHi {
		hiPos = pos
		hi := make([]uint16, len(blockTable))
		for i, b := range blockTable {
			hi[i] = b.FilePosHi
		}
		if err := writeHiBlockTable(t, hi); err != nil {
			return fmt.Errorf("%w: writing hi-block table: %v", ErrIO, err)
		}
		pos += int64(len(hi)) * 2
	}

	var hetPos, betPos int64
	var hetSize, betSize uint64
	if m.version >= FormatV3 {
		hetPos = pos
		hetBytes := encodeHetTable(blockNames)
		if _, err := t.Write(hetBytes); err != nil {
			return fmt.Errorf("%w: writing HET table: %v", ErrIO, err)
		}
		pos += int64(len(hetBytes))
		hetSize = uint64(len(hetBytes))

		betPos = pos
		betBytes := encodeBetTable(blockNames, blockTable)
		if _, err := t.Write(betBytes); err != nil {
			return fmt.Errorf("%w: writing BET table: %v", ErrIO, err)
		}
		pos += int64(len(betBytes))
		betSize = uint64(len(betBytes))
	}

	header := &archiveHeader{}
	header.Magic = mpqMagic
	header.HeaderSize = headerSize
	header.FormatVersion = rawFormatVersion(m.version)
	header.BlockSize = blockSizeShiftForSectorSize(sectorSize)
	header.HashTableSize = uint32(len(hashTable))
	header.BlockTableSize = uint32(len(blockTable))
	header.setHashTableOffset64(uint64(hashPos))
	header.setBlockTableOffset64(uint64(blockPos))
	archiveSize := uint64(pos)
	header.ArchiveSize = uint32(archiveSize)
	if m.version >= FormatV3 {
		header.ArchiveSize64 = archiveSize
		header.HetTablePos = uint64(hetPos)
		header.BetTablePos = uint64(betPos)
	}
	if m.version >= FormatV4 {
		// Tables are written plain, so the "compressed" sizes are the
		// on-disk sizes; the header MD5s stay zero (absent).
		header.HashTableCompressedSize = uint64(len(hashTable)) * 16
		header.BlockTableCompressedSize = uint64(len(blockTable)) * 16
		if needsHi {
			header.HiBlockTableCompressedSize = uint64(len(blockTable)) * 2
		}
		header.HetTableCompressedSize = hetSize
		header.BetTableCompressedSize = betSize
		header.RawChunkSize = 0x4000
	}
	if needsHi {
		header.HiBlockTablePos = uint64(hiPos)
	}

	if _, err := t.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("%w: seeking to header: %v", ErrIO, err)
	}
	if err := writeArchiveHeader(t, header, m.version); err != nil {
		return fmt.Errorf("%w: writing header: %v", ErrIO, err)
	}

	if err := t.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("%w: replacing %s: %v", ErrIO, m.path, err)
	}

	if m.base != nil {
		_ = m.base.Close()
	}
	return nil
}

// buildHashTable assigns every resolved entry a slot, doubling the table and
// retrying from scratch if a pathological run of collisions saturates the
// initial sizing estimate.
func buildHashTable(entries []finalEntry, hasListfile, hasPatchMeta, hasAttributes bool, size uint32) ([]hashTableEntry, error) {
	names := make([]string, 0, len(entries)+3)
	for _, fe := range entries {
		names = append(names, fe.mpqPath)
	}
	if hasListfile {
		names = append(names, "(listfile)")
	}
	if hasPatchMeta {
		names = append(names, "(patch_metadata)")
	}
	if hasAttributes {
		names = append(names, "(attributes)")
	}

	for attempt := 0; attempt < 8; attempt++ {
		table := make([]hashTableEntry, size)
		for i := range table {
			table[i] = hashTableEntry{Name1: hashEntryEmpty, Name2: hashEntryEmpty, Locale: 0xFFFF, Platform: 0xFFFF, BlockIndex: hashEntryEmpty}
		}

		ok := true
		for blockIndex, name := range names {
			slot := insertHashEntrySlot(table, name)
			if slot < 0 {
				ok = false
				break
			}
			_, n1, n2 := hashTableSlot(name, size)
			table[slot] = hashTableEntry{Name1: n1, Name2: n2, Locale: localeNeutral, Platform: 0, BlockIndex: uint32(blockIndex)}
		}

		if ok {
			return table, nil
		}
		size *= 2
	}
	return nil, fmt.Errorf("%w: hash table saturated after repeated doubling", ErrTableCorruption)
}

// Close releases the base archive's file handle, if any, without writing
// anything; call Flush first to persist staged changes.
func (m *MutableArchive) Close() error {
	if m.base != nil {
		return m.base.Close()
	}
	return nil
}

// nextPowerOfTwo returns the smallest power of two >= n.
func nextPowerOfTwo(n uint32) uint32 {
	if n == 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	return n + 1
}

// fileTimeNow returns the current time as a Windows FILETIME (100ns ticks
// since 1601-01-01), matching the (attributes) file's on-disk convention.
func fileTimeNow() uint64 {
	const epochDelta = 116444736000000000
	return uint64(time.Now().UnixNano()/100) + epochDelta
}
