// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Compression mask bits, prefixed as a single byte to a multi-codec payload.
// 0x12 is not a bit combination; it is LZMA's own standalone presence value
// (an MPQ quirk noted in the format's documentation) and bypasses the
// bit-dispatch chain entirely.
const (
	codecHuffman      = 0x01
	codecZlib         = 0x02
	codecImplode      = 0x08
	codecBZip2        = 0x10
	codecLZMA         = 0x12
	codecSparse       = 0x20
	codecADPCMMono    = 0x40
	codecADPCMStereo  = 0x80

	codecMaskAll = codecHuffman | codecZlib | codecImplode | codecBZip2 |
		codecSparse | codecADPCMMono | codecADPCMStereo
)

// DecompressionLimits bounds a single decompression against compression-bomb
// inputs: absolute output size, output:input ratio, cumulative output across
// a monitor's lifetime (typically one per open Archive), and wall-clock time
// per codec stage.
type DecompressionLimits struct {
	MaxOutputSize       int64
	MaxRatio            float64
	MaxCumulativeOutput int64
	Timeout             time.Duration
}

// DefaultDecompressionLimits returns generous but finite bounds suitable for
// ordinary game archives.
func DefaultDecompressionLimits() DecompressionLimits {
	return DecompressionLimits{
		MaxOutputSize:       256 << 20,        // 256 MiB per decompressed unit
		MaxRatio:            1000,             // 1000x expansion
		MaxCumulativeOutput: 4 << 30,          // 4 GiB per archive session
		Timeout:             30 * time.Second,
	}
}

// decompressionMonitor tracks cumulative output across repeated decompress
// calls sharing one Archive, times each codec stage against the timeout from
// that stage's own start, and exposes a cooperative cancel flag codecs can
// poll between chain stages.
type decompressionMonitor struct {
	limits     DecompressionLimits
	cumulative int64
	cancelled  int32
}

func newDecompressionMonitor(limits DecompressionLimits) *decompressionMonitor {
	return &decompressionMonitor{limits: limits}
}

// Cancel requests that any decompression using this monitor abort at its
// next checkpoint.
func (m *decompressionMonitor) Cancel() {
	atomic.StoreInt32(&m.cancelled, 1)
}

func (m *decompressionMonitor) isCancelled() bool {
	return atomic.LoadInt32(&m.cancelled) != 0
}

// checkpoint is polled before and after each stage of a decompression
// chain. started is when the stage began. inputSize is the stage's input
// size; outputSize is the size the stage is expected to produce (before it
// runs) or did produce (after it ran, done == true). Ratio checks use
// outputSize/inputSize, and only a finished stage's output counts toward
// the cumulative total.
func (m *decompressionMonitor) checkpoint(started time.Time, inputSize, outputSize int, done bool) error {
	if m == nil {
		return nil
	}
	if m.isCancelled() {
		return ErrCancelled
	}
	if m.limits.Timeout > 0 && time.Since(started) > m.limits.Timeout {
		return fmt.Errorf("%w: decompression exceeded %s timeout", ErrCompressionBomb, m.limits.Timeout)
	}
	if m.limits.MaxOutputSize > 0 && int64(outputSize) > m.limits.MaxOutputSize {
		return fmt.Errorf("%w: output size %d exceeds cap %d", ErrCompressionBomb, outputSize, m.limits.MaxOutputSize)
	}
	if m.limits.MaxRatio > 0 && inputSize > 0 {
		ratio := float64(outputSize) / float64(inputSize)
		if ratio > m.limits.MaxRatio {
			return fmt.Errorf("%w: expansion ratio %.1fx exceeds cap %.1fx", ErrCompressionBomb, ratio, m.limits.MaxRatio)
		}
	}
	if !done {
		return nil
	}
	cumulative := atomic.AddInt64(&m.cumulative, int64(outputSize))
	if m.limits.MaxCumulativeOutput > 0 && cumulative > m.limits.MaxCumulativeOutput {
		return fmt.Errorf("%w: cumulative decompressed output %d exceeds session cap %d", ErrCompressionBomb, cumulative, m.limits.MaxCumulativeOutput)
	}
	return nil
}

// bufferSizeHint sizes an intermediate buffer conservatively: stage sizes
// aren't self-describing, so use the larger of the final expected size and
// twice the current size.
func bufferSizeHint(expected, current int) int {
	h := current * 2
	if expected > h {
		h = expected
	}
	return h
}

// toleranceOK reports whether got is within 10% of want, the slack allowed
// between a decompressed payload and the block table's declared size.
func toleranceOK(got, want int) bool {
	if want == 0 {
		return got == 0
	}
	diff := got - want
	if diff < 0 {
		diff = -diff
	}
	return float64(diff)/float64(want) <= 0.10
}

// decompressCodec runs exactly one named codec, with no mask byte and no
// bomb monitor: used for small internal structures (HET/BET tables) whose
// single-codec framing is described directly by a neighboring byte, not by
// file content an attacker fully controls.
func decompressCodec(codec byte, data []byte, expectedSize int) ([]byte, error) {
	switch codec {
	case codecHuffman:
		return huffmanDecompress(data, expectedSize)
	case codecZlib:
		return zlibDecompress(data, expectedSize)
	case codecBZip2:
		return bzip2Decompress(data, expectedSize)
	case codecLZMA:
		return lzmaDecompress(data, expectedSize)
	case codecSparse:
		return sparseDecompress(data, expectedSize)
	case codecImplode:
		return pkwareDecompress(data, expectedSize)
	case codecADPCMMono:
		return adpcmDecompress(data, expectedSize, false)
	case codecADPCMStereo:
		return adpcmDecompress(data, expectedSize, true)
	default:
		return nil, fmt.Errorf("%w: codec byte 0x%02X", ErrUnsupportedCodec, codec)
	}
}

// decompressData is the multi-codec dispatcher for *compress*-flagged
// sectors: a mask byte prefixes the payload. monitor may be nil, in which
// case a fresh default-limits monitor covers just this call.
func decompressData(data []byte, expectedSize int, monitor *decompressionMonitor) ([]byte, error) {
	if len(data) == 0 {
		if expectedSize == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: empty compressed payload", ErrDecompressionFailure)
	}
	if monitor == nil {
		monitor = newDecompressionMonitor(DefaultDecompressionLimits())
	}

	mask := data[0]
	payload := data[1:]

	if mask == codecLZMA {
		return runStage(monitor, payload, expectedSize, lzmaDecompress)
	}
	if mask&^codecMaskAll != 0 {
		return nil, fmt.Errorf("%w: unknown compression mask bits 0x%02X", ErrDecompressionFailure, mask)
	}

	// Fast path: exactly one codec bit set dispatches straight to it.
	if c, ok := singleBitCodec(mask); ok {
		out, err := runStage(monitor, payload, expectedSize, func(d []byte, n int) ([]byte, error) {
			return decompressCodec(c, d, n)
		})
		if err != nil {
			return nil, err
		}
		if !toleranceOK(len(out), expectedSize) {
			return nil, fmt.Errorf("%w: size %d outside tolerance of expected %d", ErrDecompressionFailure, len(out), expectedSize)
		}
		return out, nil
	}

	cur := payload
	var err error

	if mask&codecHuffman != 0 {
		if cur, err = runStage(monitor, cur, bufferSizeHint(expectedSize, len(cur)), huffmanDecompress); err != nil {
			return nil, err
		}
	}

	switch {
	case mask&codecZlib != 0:
		if cur, err = runStage(monitor, cur, bufferSizeHint(expectedSize, len(cur)), zlibDecompress); err != nil {
			return nil, err
		}
	case mask&codecBZip2 != 0:
		if cur, err = runStage(monitor, cur, bufferSizeHint(expectedSize, len(cur)), bzip2Decompress); err != nil {
			return nil, err
		}
	case mask&codecSparse != 0:
		if cur, err = runStage(monitor, cur, bufferSizeHint(expectedSize, len(cur)), sparseDecompress); err != nil {
			return nil, err
		}
	}

	// PKWare runs after the primary stream codec; when 0x08 is the only
	// stream bit present it simply is the primary.
	if mask&codecImplode != 0 {
		if cur, err = runStage(monitor, cur, bufferSizeHint(expectedSize, len(cur)), pkwareDecompress); err != nil {
			return nil, err
		}
	}

	stereo := mask&codecADPCMStereo != 0
	if mask&codecADPCMMono != 0 || stereo {
		// Both bits set is an observed WoW 4.3.4 quirk; treat as stereo.
		if cur, err = runStage(monitor, cur, expectedSize, func(d []byte, n int) ([]byte, error) {
			return adpcmDecompress(d, n, stereo)
		}); err != nil {
			return nil, err
		}
	}

	if !toleranceOK(len(cur), expectedSize) {
		return nil, fmt.Errorf("%w: size %d outside tolerance of expected %d", ErrDecompressionFailure, len(cur), expectedSize)
	}
	return cur, nil
}

// singleBitCodec reports whether mask has exactly one recognized codec bit
// set, returning that bit.
func singleBitCodec(mask byte) (byte, bool) {
	switch mask {
	case codecHuffman, codecZlib, codecImplode, codecBZip2, codecSparse, codecADPCMMono, codecADPCMStereo:
		return mask, true
	default:
		return 0, false
	}
}

// compressData is the forward direction of decompressData: it applies the
// codecs named by mask in encode order (ADPCM first, outermost entropy codec
// last) and returns the payload plus the effective mask byte to prefix. The
// effective mask can differ from the requested one when mask names more than
// one primary stream codec (only the highest-precedence one is applied, the
// same precedence decompressData resolves with).
func compressData(data []byte, mask byte) ([]byte, byte, error) {
	if mask == codecLZMA {
		out, err := lzmaCompress(data)
		if err != nil {
			return nil, 0, err
		}
		return out, codecLZMA, nil
	}
	if mask&^codecMaskAll != 0 {
		return nil, 0, fmt.Errorf("%w: unknown compression mask bits 0x%02X", ErrUnsupportedCodec, mask)
	}
	if mask&codecHuffman != 0 {
		// Decompression-only codec.
		return nil, 0, fmt.Errorf("%w: huffman compression", ErrUnsupportedCodec)
	}

	cur := data
	var effective byte
	var err error

	if mask&(codecADPCMMono|codecADPCMStereo) != 0 {
		stereo := mask&codecADPCMStereo != 0
		if cur, err = adpcmCompress(cur, stereo); err != nil {
			return nil, 0, err
		}
		if stereo {
			effective |= codecADPCMStereo
		} else {
			effective |= codecADPCMMono
		}
	}

	primary := byte(0)
	switch {
	case mask&codecZlib != 0:
		primary = codecZlib
	case mask&codecBZip2 != 0:
		primary = codecBZip2
	case mask&codecSparse != 0:
		primary = codecSparse
	}

	if mask&codecImplode != 0 && primary != 0 {
		if cur, err = pkwareCompress(cur); err != nil {
			return nil, 0, err
		}
		effective |= codecImplode
	}

	switch primary {
	case codecZlib:
		cur, err = zlibCompress(cur)
	case codecBZip2:
		cur, err = bzip2Compress(cur)
	case codecSparse:
		cur, err = sparseCompress(cur)
	default:
		if mask&codecImplode != 0 {
			cur, err = pkwareCompress(cur)
			primary = codecImplode
		}
	}
	if err != nil {
		return nil, 0, err
	}
	effective |= primary

	if effective == 0 {
		return nil, 0, fmt.Errorf("%w: empty compression mask", ErrUnsupportedCodec)
	}
	return cur, effective, nil
}

// runStage executes one decompression stage under the monitor, checkpointing
// before and after.
func runStage(monitor *decompressionMonitor, data []byte, expected int, fn func([]byte, int) ([]byte, error)) ([]byte, error) {
	started := time.Now()
	if err := monitor.checkpoint(started, len(data), expected, false); err != nil {
		return nil, err
	}
	out, err := fn(data, expected)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompressionFailure, err)
	}
	if err := monitor.checkpoint(started, len(data), len(out), true); err != nil {
		return nil, err
	}
	return out, nil
}
