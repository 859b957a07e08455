// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func repetitivePayload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte("abcabcabd"[i%9])
	}
	return data
}

func TestZlibRoundTrip(t *testing.T) {
	data := repetitivePayload(10000)
	compressed, err := zlibCompress(data)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(data))

	got, err := zlibDecompress(compressed, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestBZip2RoundTrip(t *testing.T) {
	data := repetitivePayload(10000)
	compressed, err := bzip2Compress(data)
	require.NoError(t, err)

	got, err := bzip2Decompress(compressed, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestLZMARoundTrip(t *testing.T) {
	data := repetitivePayload(10000)
	compressed, err := lzmaCompress(data)
	require.NoError(t, err)

	got, err := lzmaDecompress(compressed, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestSparseRoundTrip(t *testing.T) {
	data := make([]byte, 4000)
	copy(data[1000:], []byte("island of nonzero bytes"))
	data[3999] = 0x7F

	compressed, err := sparseCompress(data)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(data))

	got, err := sparseDecompress(compressed, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestPKWareRoundTrip(t *testing.T) {
	data := []byte("literal bytes only, the degenerate but valid DCL stream")
	compressed, err := pkwareCompress(data)
	require.NoError(t, err)

	got, err := pkwareDecompress(compressed, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestPKWareDecodesHandAssembledMatchStream(t *testing.T) {
	// One raw literal, then a length-3 match at distance 1, then the end
	// code: the canonical codes for length symbol 0 and distance symbol 0
	// are both the two-bit value 00, sent complemented as two 1-bits.
	bw := &pkwareBitWriter{}
	bw.writeBits(0, 1) // literal flag
	bw.writeBits(uint32('A'), 8)
	bw.writeBits(1, 1)   // match flag
	bw.writeBits(0x3, 2) // length symbol 0: copy length 3
	bw.writeBits(0x3, 2) // distance symbol 0
	bw.writeBits(0x0, 4) // low distance bits: distance 1
	bw.writeBits(1, 1)   // match flag
	bw.writeBits(0, 7)   // length symbol 15, complemented all-ones
	bw.writeBits(0xFF, 8) // extra bits: 264 + 255 = end of stream
	bw.flush()

	payload := append([]byte{pkwareLiteralsUncoded, 4}, bw.out...)
	got, err := pkwareDecompress(payload, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("AAAA"), got)
}

func TestPKWareCodedLiteralShortestCodeIsSpace(t *testing.T) {
	// The literal alphabet's unique four-bit code belongs to 0x20, the most
	// common byte in the text this mode was tuned for.
	bw := &pkwareBitWriter{}
	bw.writeBits(0, 1)   // literal flag
	bw.writeBits(0xF, 4) // complemented canonical 0000
	bw.writeBits(1, 1)
	bw.writeBits(0, 7)
	bw.writeBits(0xFF, 8)
	bw.flush()

	payload := append([]byte{pkwareLiteralsCoded, 5}, bw.out...)
	got, err := pkwareDecompress(payload, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte(" "), got)
}

func TestPKWareHuffmanEncodeDecodeAgree(t *testing.T) {
	for _, h := range []*pkwareHuffman{pkwareLitCode, pkwareLenCode, pkwareDistCode} {
		for sym := 0; sym < len(h.symbol); sym += 7 {
			bw := &pkwareBitWriter{}
			pkwareEncodeSymbol(bw, h, sym)
			bw.writeBits(0, 7) // keep the bit reader fed past the code
			bw.flush()

			got, err := h.decode(newPkwareBitReader(bw.out))
			require.NoError(t, err)
			assert.Equal(t, sym, got)
		}
	}
}

func TestPKWareRejectsBadHeader(t *testing.T) {
	_, err := pkwareDecompress([]byte{2, 4, 0}, 4)
	assert.Error(t, err)
	_, err = pkwareDecompress([]byte{0, 7, 0}, 4)
	assert.Error(t, err)
	_, err = pkwareDecompress([]byte{0}, 4)
	assert.Error(t, err)
}

func TestADPCMConstantSignalRoundTripsExactly(t *testing.T) {
	// A constant signal quantizes to all-zero deltas, so even a lossy
	// predictor reproduces it exactly.
	sample := uint16(1000)
	mono := make([]byte, 2000)
	for i := 0; i < len(mono); i += 2 {
		mono[i] = byte(sample)
		mono[i+1] = byte(sample >> 8)
	}
	compressed, err := adpcmCompress(mono, false)
	require.NoError(t, err)
	got, err := adpcmDecompress(compressed, len(mono), false)
	require.NoError(t, err)
	assert.Equal(t, mono, got)
}

func TestADPCMStereoConstantSignal(t *testing.T) {
	frames := 500
	stereo := make([]byte, 0, frames*4)
	left := int16(1000)
	right := int16(-2000)
	for i := 0; i < frames; i++ {
		stereo = append(stereo, byte(left), byte(uint16(left)>>8))
		stereo = append(stereo, byte(right), byte(uint16(right)>>8))
	}
	compressed, err := adpcmCompress(stereo, true)
	require.NoError(t, err)
	got, err := adpcmDecompress(compressed, len(stereo), true)
	require.NoError(t, err)
	assert.Equal(t, stereo, got)
}

func TestCompressDataSingleCodecMatchesDispatch(t *testing.T) {
	data := repetitivePayload(8192)
	for _, mask := range []byte{codecZlib, codecBZip2, codecSparse, codecImplode, codecLZMA} {
		payload, effective, err := compressData(data, mask)
		require.NoError(t, err, "mask 0x%02X", mask)
		assert.Equal(t, mask, effective)

		full := append([]byte{effective}, payload...)
		got, err := decompressData(full, len(data), nil)
		require.NoError(t, err, "mask 0x%02X", mask)
		assert.Equal(t, data, got, "mask 0x%02X", mask)
	}
}

func TestCompressDataAdpcmPlusZlibChain(t *testing.T) {
	left, right := uint16(500), uint16(0xFC18) // +500 / -1000
	pcm := make([]byte, 0, 4096)
	for i := 0; i < 1024; i++ {
		pcm = append(pcm, byte(left), byte(left>>8), byte(right), byte(right>>8))
	}
	payload, effective, err := compressData(pcm, codecADPCMStereo|codecZlib)
	require.NoError(t, err)
	assert.Equal(t, byte(codecADPCMStereo|codecZlib), effective)

	full := append([]byte{effective}, payload...)
	got, err := decompressData(full, len(pcm), nil)
	require.NoError(t, err)
	assert.Equal(t, pcm, got)
}

func TestDecompressBothAdpcmBitsMeansStereo(t *testing.T) {
	// WoW 4.3.4 quirk: mono and stereo bits both set decodes as stereo.
	pcm := make([]byte, 0, 800)
	for i := 0; i < 200; i++ {
		pcm = append(pcm, byte(250), 0, byte(250), 0)
	}
	compressed, err := adpcmCompress(pcm, true)
	require.NoError(t, err)

	full := append([]byte{codecADPCMMono | codecADPCMStereo}, compressed...)
	got, err := decompressData(full, len(pcm), nil)
	require.NoError(t, err)
	assert.Equal(t, pcm, got)
}

func TestHuffmanCompressionUnsupported(t *testing.T) {
	_, _, err := compressData([]byte("x"), codecHuffman)
	assert.ErrorIs(t, err, ErrUnsupportedCodec)
}

func TestDecompressRejectsUnknownMaskBits(t *testing.T) {
	_, err := decompressData([]byte{0x04, 0xAA, 0xBB}, 16, nil)
	assert.ErrorIs(t, err, ErrDecompressionFailure)
}

func TestMonitorOutputSizeCap(t *testing.T) {
	data := repetitivePayload(64 * 1024)
	compressed, err := zlibCompress(data)
	require.NoError(t, err)
	full := append([]byte{codecZlib}, compressed...)

	monitor := newDecompressionMonitor(DecompressionLimits{MaxOutputSize: 128})
	_, err = decompressData(full, len(data), monitor)
	assert.ErrorIs(t, err, ErrCompressionBomb)
}

func TestMonitorCumulativeSessionCap(t *testing.T) {
	data := repetitivePayload(4096)
	compressed, err := zlibCompress(data)
	require.NoError(t, err)
	full := append([]byte{codecZlib}, compressed...)

	monitor := newDecompressionMonitor(DecompressionLimits{MaxCumulativeOutput: 10000})
	_, err = decompressData(full, len(data), monitor)
	require.NoError(t, err)
	_, err = decompressData(full, len(data), monitor)
	require.NoError(t, err)
	_, err = decompressData(full, len(data), monitor)
	assert.ErrorIs(t, err, ErrCompressionBomb)
}

func TestMonitorCancellation(t *testing.T) {
	data := repetitivePayload(4096)
	compressed, err := zlibCompress(data)
	require.NoError(t, err)
	full := append([]byte{codecZlib}, compressed...)

	monitor := newDecompressionMonitor(DefaultDecompressionLimits())
	monitor.Cancel()
	_, err = decompressData(full, len(data), monitor)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestMonitorTimeout(t *testing.T) {
	data := repetitivePayload(4096)
	compressed, err := zlibCompress(data)
	require.NoError(t, err)
	full := append([]byte{codecZlib}, compressed...)

	monitor := newDecompressionMonitor(DecompressionLimits{Timeout: time.Nanosecond})
	time.Sleep(time.Millisecond)
	_, err = decompressData(full, len(data), monitor)
	assert.ErrorIs(t, err, ErrCompressionBomb)
}

func TestDecodeSectorVerbatimWhenSizesMatch(t *testing.T) {
	raw := []byte("stored verbatim even though the compress flag is set")
	block := &blockTableEntry{Flags: fileExists | fileCompress, FileSize: uint32(len(raw))}
	got, err := decodeSector(raw, len(raw), block, nil)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(raw, got))
}
