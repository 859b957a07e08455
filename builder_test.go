// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeUnitStoresVerbatimWhenNotSmaller(t *testing.T) {
	// Short, already-high-entropy data rarely compresses smaller than itself
	// plus the one-byte codec mask, so encodeUnit should fall back to
	// verbatim storage.
	data := []byte{0x01}
	out, err := encodeUnit(data, codecZlib)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestEncodeUnitCompressesRepetitiveData(t *testing.T) {
	data := make([]byte, 4096)
	for i := range data {
		data[i] = 'A'
	}
	out, err := encodeUnit(data, codecZlib)
	require.NoError(t, err)
	assert.Less(t, len(out), len(data))
	assert.Equal(t, byte(codecZlib), out[0])
}

func TestEncodeUnitNoCompressIsVerbatim(t *testing.T) {
	data := []byte("some plain content")
	out, err := encodeUnit(data, 0)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestBaseNameForKeyStripsPath(t *testing.T) {
	assert.Equal(t, "File.txt", baseNameForKey(`Data\Sub\File.txt`))
	assert.Equal(t, "File.txt", baseNameForKey("Data/Sub/File.txt"))
	assert.Equal(t, "File.txt", baseNameForKey("File.txt"))
}

func TestEncodeFileSingleUnitRoundTripsThroughDecodeSector(t *testing.T) {
	data := []byte("small payload that fits in one unit")
	encoded, err := encodeFile("Data\\Small.txt", data, 4096, 0, fileWriteOptions{CompressMask: codecZlib, SingleUnit: true})
	require.NoError(t, err)

	block := &blockTableEntry{FileSize: encoded.fileSize, CompressedSize: encoded.compressedSize, Flags: encoded.flags}
	got, err := decodeSector(encoded.data, int(encoded.fileSize), block, nil)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestFileCRC32AndMD5(t *testing.T) {
	data := []byte("checksum me")
	assert.Equal(t, fileCRC32(data), fileCRC32(append([]byte(nil), data...)))
	assert.NotEqual(t, fileMD5(data), fileMD5([]byte("checksum me!")))
}
