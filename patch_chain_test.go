// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatchChainHigherPriorityWins(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.mpq")
	patchPath := filepath.Join(dir, "patch.mpq")

	base := NewArchive(basePath, FormatV1, 10)
	require.NoError(t, base.AddFileData("Data\\File.txt", []byte("base version")))
	require.NoError(t, base.AddFileData("Data\\Untouched.txt", []byte("only in base")))
	require.NoError(t, base.Flush())

	patch := NewArchive(patchPath, FormatV1, 10)
	require.NoError(t, patch.AddFileData("Data\\File.txt", []byte("patched version"), WithPatchFile()))
	require.NoError(t, patch.Flush())

	chain, err := OpenPatchChain([]string{basePath, patchPath})
	require.NoError(t, err)
	defer chain.Close()

	got, err := chain.ReadFile("Data\\File.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("patched version"), got)

	got, err = chain.ReadFile("Data\\Untouched.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("only in base"), got)
}

func TestPatchChainDeleteMarkerSuppressesBaseFile(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.mpq")
	patchPath := filepath.Join(dir, "patch.mpq")

	base := NewArchive(basePath, FormatV1, 10)
	require.NoError(t, base.AddFileData("Data\\Removed.txt", []byte("present in base")))
	require.NoError(t, base.Flush())

	patch := NewArchive(patchPath, FormatV1, 10)
	patch.AddDeleteMarker("Data\\Removed.txt")
	require.NoError(t, patch.Flush())

	chain, err := OpenPatchChain([]string{basePath, patchPath})
	require.NoError(t, err)
	defer chain.Close()

	assert.False(t, chain.HasFile("Data\\Removed.txt"))

	_, err = chain.ReadFile("Data\\Removed.txt")
	assert.Error(t, err)
}

func TestPatchChainFindFileArchive(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.mpq")
	patchPath := filepath.Join(dir, "patch.mpq")

	base := NewArchive(basePath, FormatV1, 10)
	require.NoError(t, base.AddFileData("Data\\Shared.txt", []byte("v1")))
	require.NoError(t, base.Flush())

	patch := NewArchive(patchPath, FormatV1, 10)
	require.NoError(t, patch.AddFileData("Data\\Shared.txt", []byte("v2"), WithPatchFile()))
	require.NoError(t, patch.Flush())

	chain, err := OpenPatchChain([]string{basePath, patchPath})
	require.NoError(t, err)
	defer chain.Close()

	assert.Equal(t, patchPath, chain.FindFileArchive("Data\\Shared.txt"))
	assert.Equal(t, 2, chain.GetArchiveCount())
	assert.True(t, chain.HasPatchFile("Data\\Shared.txt"))
}
