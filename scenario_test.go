// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The tests in this file mirror the end-to-end archive lifecycles the format
// is used for in practice: a V1 archive with one asset, a V2 archive with a
// handful of text files, a V3 archive large enough to exercise HET/BET, and
// a patch chain layered over a base archive.

func TestV1SingleAssetArchive(t *testing.T) {
	dir := t.TempDir()
	mpqPath := filepath.Join(dir, "v1.mpq")

	content := make([]byte, 50000)
	archive := NewArchive(mpqPath, FormatV1, 10)
	require.NoError(t, archive.AddFileData("Interface/Icons/icon_0000.blp", content))
	require.NoError(t, archive.Flush())

	read, err := Open(mpqPath)
	require.NoError(t, err)
	defer read.Close()

	info := read.GetInfo()
	assert.Equal(t, FormatV1, info.FormatVersion)
	assert.Equal(t, uint32(4096), info.SectorSize)
	assert.False(t, info.HasHet)
	assert.False(t, info.HasBet)
	assert.Equal(t, SignatureNone, info.SignatureStatus)

	require.Len(t, read.ListFiles(), 1)
	got, err := read.ReadFile("Interface\\Icons\\icon_0000.blp")
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestV2ArchiveFileCountIncludesSpecialFiles(t *testing.T) {
	dir := t.TempDir()
	mpqPath := filepath.Join(dir, "v2.mpq")

	archive := NewArchive(mpqPath, FormatV2, 10)
	require.NoError(t, archive.AddFileData("a.txt", []byte("hello\n")))
	require.NoError(t, archive.AddFileData("b.txt", []byte("world\n")))
	require.NoError(t, archive.Flush())

	read, err := Open(mpqPath)
	require.NoError(t, err)
	defer read.Close()

	// Two payload files plus the internal (listfile) and (attributes).
	info := read.GetInfo()
	assert.Equal(t, uint32(4), info.FileCount)
	assert.NotZero(t, info.UncompressedSize)
	assert.NotZero(t, info.ArchiveSize)

	a, err := read.ReadFile("a.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello\n"), a)
	b, err := read.ReadFile("b.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("world\n"), b)
}

func buildV3Archive(t *testing.T, mpqPath string, fileCount int) {
	t.Helper()
	archive := NewArchive(mpqPath, FormatV3, fileCount)
	for i := 0; i < fileCount; i++ {
		data := bytes.Repeat([]byte{0xAB}, i)
		require.NoError(t, archive.AddFileData(fmt.Sprintf("f/%03d.dat", i), data))
	}
	require.NoError(t, archive.Flush())
}

func TestV3ArchiveCarriesHetBet(t *testing.T) {
	dir := t.TempDir()
	mpqPath := filepath.Join(dir, "v3.mpq")
	buildV3Archive(t, mpqPath, 300)

	read, err := Open(mpqPath)
	require.NoError(t, err)
	defer read.Close()

	info := read.GetInfo()
	assert.Equal(t, FormatV3, info.FormatVersion)
	assert.True(t, info.HasHet)
	assert.True(t, info.HasBet)

	for i := 0; i < 300; i++ {
		name := fmt.Sprintf("f\\%03d.dat", i)
		got, err := read.ReadFile(name)
		require.NoError(t, err, name)
		assert.Equal(t, bytes.Repeat([]byte{0xAB}, i), got, name)
	}
}

func TestV3HetBetLookupAgreesWithClassic(t *testing.T) {
	dir := t.TempDir()
	mpqPath := filepath.Join(dir, "v3agree.mpq")
	buildV3Archive(t, mpqPath, 64)

	read, err := Open(mpqPath)
	require.NoError(t, err)
	defer read.Close()
	require.NotNil(t, read.het)
	require.NotNil(t, read.bet)

	for i := 0; i < 64; i++ {
		name := fmt.Sprintf("f\\%03d.dat", i)
		hetBlock, hetIdx, err := read.findFile(name)
		require.NoError(t, err, name)
		classicBlock, classicIdx, err := read.classicFind(name)
		require.NoError(t, err, name)

		assert.Equal(t, classicIdx, hetIdx, name)
		assert.Equal(t, classicBlock.getFilePos64(), hetBlock.getFilePos64(), name)
		assert.Equal(t, classicBlock.FileSize, hetBlock.FileSize, name)
	}
}

func TestV3MutateRemoveAddPreservesRest(t *testing.T) {
	dir := t.TempDir()
	mpqPath := filepath.Join(dir, "v3mut.mpq")
	buildV3Archive(t, mpqPath, 120)

	mod, err := OpenForModify(mpqPath)
	require.NoError(t, err)
	require.NoError(t, mod.RemoveFile("f/100.dat"))
	require.NoError(t, mod.AddFileData("f/new.dat", bytes.Repeat([]byte{'X'}, 42)))
	require.NoError(t, mod.Flush())

	read, err := Open(mpqPath)
	require.NoError(t, err)
	defer read.Close()

	assert.False(t, read.HasFile("f\\100.dat"))
	got, err := read.ReadFile("f\\new.dat")
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{'X'}, 42), got)

	info := read.GetInfo()
	assert.True(t, info.HasHet)
	assert.True(t, info.HasBet)

	for i := 0; i < 120; i++ {
		if i == 100 {
			continue
		}
		name := fmt.Sprintf("f\\%03d.dat", i)
		got, err := read.ReadFile(name)
		require.NoError(t, err, name)
		assert.Equal(t, bytes.Repeat([]byte{0xAB}, i), got, name)
	}
}

func TestV4ArchiveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	mpqPath := filepath.Join(dir, "v4.mpq")

	archive := NewArchive(mpqPath, FormatV4, 20)
	for i := 0; i < 20; i++ {
		require.NoError(t, archive.AddFileData(fmt.Sprintf("v4/%02d.bin", i), bytes.Repeat([]byte{byte(i)}, 100*i+1)))
	}
	require.NoError(t, archive.Flush())

	read, err := Open(mpqPath)
	require.NoError(t, err)
	defer read.Close()

	info := read.GetInfo()
	assert.Equal(t, FormatV4, info.FormatVersion)
	assert.True(t, info.HasHet)
	assert.True(t, info.HasBet)

	for i := 0; i < 20; i++ {
		name := fmt.Sprintf("v4\\%02d.bin", i)
		got, err := read.ReadFile(name)
		require.NoError(t, err, name)
		assert.Equal(t, bytes.Repeat([]byte{byte(i)}, 100*i+1), got, name)
	}
}

func TestPatchChainExplicitPriorities(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.mpq")
	patchPath := filepath.Join(dir, "patch.mpq")

	base := NewArchive(basePath, FormatV1, 10)
	require.NoError(t, base.AddFileData("dbc/item.dbc", []byte("A")))
	require.NoError(t, base.Flush())

	patch := NewArchive(patchPath, FormatV1, 10)
	require.NoError(t, patch.AddFileData("dbc/item.dbc", []byte("B")))
	require.NoError(t, patch.Flush())

	chain := NewPatchChain()
	// Deliberately added in the "wrong" order; priority decides, not
	// insertion sequence.
	require.NoError(t, chain.AddArchive(patchPath, 10000))
	require.NoError(t, chain.AddArchive(basePath, 0))
	defer chain.Close()

	got, err := chain.ReadFile("dbc/item.dbc")
	require.NoError(t, err)
	assert.Equal(t, []byte("B"), got)
	assert.Equal(t, patchPath, chain.FindFileArchive("dbc/item.dbc"))
}

func TestPatchChainMetadataPriorityOverridesListOrder(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.mpq")
	patchPath := filepath.Join(dir, "patch.mpq")

	base := NewArchive(basePath, FormatV1, 10)
	base.SetPatchMetadata(5000, "base-high")
	require.NoError(t, base.AddFileData("dbc/item.dbc", []byte("A")))
	require.NoError(t, base.Flush())

	patch := NewArchive(patchPath, FormatV1, 10)
	patch.SetPatchMetadata(100, "patch-low")
	require.NoError(t, patch.AddFileData("dbc/item.dbc", []byte("B")))
	require.NoError(t, patch.Flush())

	// List order says patch wins, but the archives' own recorded priorities
	// say base does.
	chain, err := OpenPatchChain([]string{basePath, patchPath})
	require.NoError(t, err)
	defer chain.Close()

	got, err := chain.ReadFile("dbc/item.dbc")
	require.NoError(t, err)
	assert.Equal(t, []byte("A"), got)
}
