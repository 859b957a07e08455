// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// chainEntry is one archive in a patch chain, ordered by the priority it was
// added with (ties broken by insertion order, later wins).
type chainEntry struct {
	archive  *Archive
	priority int
	seq      int
}

// PatchChain represents a prioritized overlay of MPQ archives. Lookups visit
// archives in descending priority; the highest-priority hit wins, and a
// delete marker in a higher-priority archive suppresses every lower copy.
type PatchChain struct {
	entries  []chainEntry
	nextSeq  int
	metadata map[string]*PatchMetadata // metadata per archive path
}

// NewPatchChain returns an empty chain; populate it with AddArchive.
func NewPatchChain() *PatchChain {
	return &PatchChain{metadata: make(map[string]*PatchMetadata)}
}

// AddArchive opens path and inserts it into the chain at the given priority.
func (p *PatchChain) AddArchive(path string, priority int, opts ...OpenOption) error {
	return p.addArchive(path, priority, false, opts...)
}

func (p *PatchChain) addArchive(path string, priority int, preferMetaPriority bool, opts ...OpenOption) error {
	archive, err := Open(path, opts...)
	if err != nil {
		return fmt.Errorf("open archive %s: %w", path, err)
	}
	if meta, err := archive.readPatchMetadata(); err == nil && meta != nil {
		p.metadata[path] = meta
		if preferMetaPriority {
			priority = int(meta.Priority)
		}
	}
	p.entries = append(p.entries, chainEntry{archive: archive, priority: priority, seq: p.nextSeq})
	p.nextSeq++
	p.sortEntries()
	return nil
}

// sortEntries keeps entries in ascending priority so resolution can walk the
// slice backwards, highest priority first.
func (p *PatchChain) sortEntries() {
	sort.SliceStable(p.entries, func(i, j int) bool {
		if p.entries[i].priority != p.entries[j].priority {
			return p.entries[i].priority < p.entries[j].priority
		}
		return p.entries[i].seq < p.entries[j].seq
	})
}

// OpenPatchChain opens multiple MPQ archives in order of increasing
// priority: the last archive in the list has the highest priority, except
// where an archive's own (patch_metadata) records the priority it was built
// with, which takes precedence over list position.
func OpenPatchChain(paths []string, opts ...OpenOption) (*PatchChain, error) {
	chain := NewPatchChain()
	for i, path := range paths {
		if err := chain.addArchive(path, i, true, opts...); err != nil {
			_ = chain.Close()
			return nil, err
		}
	}
	return chain, nil
}

// Close closes every archive in the chain, aggregating every failure rather
// than stopping at the first so no leaked handle goes unreported.
func (p *PatchChain) Close() error {
	var result *multierror.Error
	for _, e := range p.entries {
		if err := e.archive.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// HasFile returns true if any archive contains the specified file,
// respecting deletion markers in higher-priority archives.
func (p *PatchChain) HasFile(mpqPath string) bool {
	mpqPath = strings.ReplaceAll(mpqPath, "/", "\\")
	for i := len(p.entries) - 1; i >= 0; i-- {
		block, _, err := p.entries[i].archive.findFile(mpqPath)
		if err == nil {
			return block.Flags&fileDeleteMarker == 0
		}
	}
	return false
}

// ExtractFile extracts the highest-priority, non-deleted version of a file.
func (p *PatchChain) ExtractFile(mpqPath, destPath string) error {
	mpqPath = strings.ReplaceAll(mpqPath, "/", "\\")
	for i := len(p.entries) - 1; i >= 0; i-- {
		archive := p.entries[i].archive
		block, _, err := archive.findFile(mpqPath)
		if err == nil {
			if block.Flags&fileDeleteMarker != 0 {
				return fmt.Errorf("%w: %s is marked for deletion in a higher-priority patch", ErrFileNotFound, mpqPath)
			}
			return archive.ExtractFile(mpqPath, destPath)
		}
	}
	return fmt.Errorf("%w: %s not found in patch chain", ErrFileNotFound, mpqPath)
}

// ReadFile returns the highest-priority, non-deleted version of a file.
func (p *PatchChain) ReadFile(mpqPath string) ([]byte, error) {
	mpqPath = strings.ReplaceAll(mpqPath, "/", "\\")
	for i := len(p.entries) - 1; i >= 0; i-- {
		archive := p.entries[i].archive
		block, _, err := archive.findFile(mpqPath)
		if err == nil {
			if block.Flags&fileDeleteMarker != 0 {
				return nil, fmt.Errorf("%w: %s is marked for deletion in a higher-priority patch", ErrFileNotFound, mpqPath)
			}
			return archive.ReadFile(mpqPath)
		}
	}
	return nil, fmt.Errorf("%w: %s not found in patch chain", ErrFileNotFound, mpqPath)
}

// FindFileArchive returns the path of the highest-priority archive
// resolving mpqPath, or "" if none does.
func (p *PatchChain) FindFileArchive(mpqPath string) string {
	mpqPath = strings.ReplaceAll(mpqPath, "/", "\\")
	for i := len(p.entries) - 1; i >= 0; i-- {
		archive := p.entries[i].archive
		if block, _, err := archive.findFile(mpqPath); err == nil && block.Flags&fileDeleteMarker == 0 {
			return archive.path
		}
	}
	return ""
}

// ListFiles returns the union of listfiles across the chain.
func (p *PatchChain) ListFiles() []string {
	seen := make(map[string]struct{})
	var result []string
	for _, e := range p.entries {
		for _, file := range e.archive.ListFiles() {
			key := strings.ToLower(filepath.Clean(strings.ReplaceAll(file, "/", "\\")))
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			result = append(result, file)
		}
	}
	return result
}

// GetPatchMetadata returns the patch metadata for a specific archive path in
// the chain, or nil if it carried none.
func (p *PatchChain) GetPatchMetadata(archivePath string) *PatchMetadata {
	return p.metadata[archivePath]
}

// GetArchiveCount returns the number of archives in the chain.
func (p *PatchChain) GetArchiveCount() int {
	return len(p.entries)
}

// HasPatchFile checks if a file is marked as a patch file in any archive.
func (p *PatchChain) HasPatchFile(mpqPath string) bool {
	mpqPath = strings.ReplaceAll(mpqPath, "/", "\\")
	for i := len(p.entries) - 1; i >= 0; i-- {
		if p.entries[i].archive.IsPatchFile(mpqPath) {
			return true
		}
	}
	return false
}
