// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHetTableEncodeDecodeLookup(t *testing.T) {
	names := make([]string, 50)
	for i := range names {
		names[i] = fmt.Sprintf("units\\human\\%02d.mdx", i)
	}

	blob := encodeHetTable(names)
	het, err := readHetTable(bytes.NewReader(blob), 0, int64(len(blob)), 0)
	require.NoError(t, err)

	assert.Equal(t, uint32(len(names)), het.header.MaxFileCount)
	for i, name := range names {
		_, candidates := het.findFileWithCollisionInfo(name)
		require.NotEmpty(t, candidates, "name %s", name)
		assert.Contains(t, candidates, uint32(i), "name %s", name)
	}

	_, candidates := het.findFileWithCollisionInfo("units\\orc\\absent.mdx")
	for _, c := range candidates {
		assert.NotEqual(t, uint32(0xFFFFFFFF), c)
	}
}

func TestBetTableEncodeDecodeRecords(t *testing.T) {
	names := []string{"a.txt", "dir\\b.dat", "dir\\sub\\c.bin"}
	blocks := []blockTableEntry{
		{FilePos: 0x200, CompressedSize: 100, FileSize: 150, Flags: fileExists | fileCompress},
		{FilePos: 0x400, CompressedSize: 4096, FileSize: 4096, Flags: fileExists},
		{FilePos: 0x1400, FilePosHi: 1, CompressedSize: 7, FileSize: 9, Flags: fileExists | fileCompress | fileEncrypted},
	}

	blob := encodeBetTable(names, blocks)
	bet, err := readBetTable(bytes.NewReader(blob), 0, int64(len(blob)), 0)
	require.NoError(t, err)
	require.Equal(t, uint32(len(blocks)), bet.header.FileCount)

	for i, want := range blocks {
		pos, size, cmp, flagIdx, ok := bet.fileRecord(i)
		require.True(t, ok, "record %d", i)
		assert.Equal(t, want.getFilePos64(), pos, "record %d", i)
		assert.Equal(t, uint64(want.FileSize), size, "record %d", i)
		assert.Equal(t, uint64(want.CompressedSize), cmp, "record %d", i)
		assert.Equal(t, want.Flags, bet.flags[flagIdx], "record %d", i)

		assert.True(t, bet.confirms(i, names[i]), "record %d", i)
		assert.False(t, bet.confirms(i, "some\\other\\name.txt"), "record %d", i)
	}

	_, _, _, _, ok := bet.fileRecord(len(blocks))
	assert.False(t, ok)
}

func TestHetBetAgreeWithClassicLookup(t *testing.T) {
	names := make([]string, 40)
	blocks := make([]blockTableEntry, 40)
	for i := range names {
		names[i] = fmt.Sprintf("f\\%03d.dat", i)
		blocks[i] = blockTableEntry{FilePos: uint32(0x100 * (i + 1)), CompressedSize: uint32(i), FileSize: uint32(i), Flags: fileExists}
	}

	hetBlob := encodeHetTable(names)
	het, err := readHetTable(bytes.NewReader(hetBlob), 0, int64(len(hetBlob)), 0)
	require.NoError(t, err)
	betBlob := encodeBetTable(names, blocks)
	bet, err := readBetTable(bytes.NewReader(betBlob), 0, int64(len(betBlob)), 0)
	require.NoError(t, err)

	entries := make([]finalEntry, len(names))
	for i, n := range names {
		entries[i] = finalEntry{mpqPath: n, entry: &pendingEntry{}}
	}
	hashTable, err := buildHashTable(entries, false, false, false, 128)
	require.NoError(t, err)

	for _, name := range names {
		idx := findHashEntry(hashTable, name, localeNeutral, 0)
		require.GreaterOrEqual(t, idx, 0, name)
		classicBlock := hashTable[idx].BlockIndex

		_, candidates := het.findFileWithCollisionInfo(name)
		resolved := -1
		for _, c := range candidates {
			if bet.confirms(int(c), name) {
				resolved = int(c)
				break
			}
		}
		require.GreaterOrEqual(t, resolved, 0, name)
		assert.Equal(t, classicBlock, uint32(resolved), name)
	}
}

func TestReadHetTableRejectsBadSignature(t *testing.T) {
	blob := encodeHetTable([]string{"a"})
	blob[0] ^= 0xFF
	_, err := readHetTable(bytes.NewReader(blob), 0, int64(len(blob)), 0)
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

func TestFindHashEntryLocalePreference(t *testing.T) {
	table := make([]hashTableEntry, 16)
	for i := range table {
		table[i] = hashTableEntry{BlockIndex: hashEntryEmpty}
	}
	name := "locale\\test.txt"
	index, n1, n2 := hashTableSlot(name, 16)

	table[index] = hashTableEntry{Name1: n1, Name2: n2, Locale: 0x409, Platform: 0, BlockIndex: 1}
	table[(index+1)%16] = hashTableEntry{Name1: n1, Name2: n2, Locale: localeNeutral, Platform: 0, BlockIndex: 2}

	// Exact locale match wins; otherwise the neutral entry is the answer.
	got := findHashEntry(table, name, 0x409, 0)
	require.GreaterOrEqual(t, got, 0)
	assert.Equal(t, uint32(1), table[got].BlockIndex)

	got = findHashEntry(table, name, 0x40A, 0)
	require.GreaterOrEqual(t, got, 0)
	assert.Equal(t, uint32(2), table[got].BlockIndex)
}

func TestInsertHashEntrySlotReusesDeleted(t *testing.T) {
	table := make([]hashTableEntry, 16)
	for i := range table {
		table[i] = hashTableEntry{BlockIndex: hashEntryEmpty}
	}
	name := "reuse\\me.txt"
	index, _, _ := hashTableSlot(name, 16)
	table[index] = hashTableEntry{BlockIndex: hashEntryDeleted}

	slot := insertHashEntrySlot(table, name)
	assert.Equal(t, int(index), slot)
}
