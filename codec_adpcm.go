// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import "fmt"

// MPQ's ADPCM is the classic IMA-style differential PCM predictor: a
// per-channel running sample value and step-table index, updated per
// nibble. Stereo interleaves two independent predictor states sample by
// sample. The step table and index-adjustment table are IMA ADPCM's
// standard published constants.
var adpcmStepTable = [89]int{
	7, 8, 9, 10, 11, 12, 13, 14, 16, 17,
	19, 21, 23, 25, 28, 31, 34, 37, 41, 45,
	50, 55, 60, 66, 73, 80, 88, 97, 107, 118,
	130, 143, 157, 173, 190, 209, 230, 253, 279, 307,
	337, 371, 408, 449, 494, 544, 598, 658, 724, 796,
	876, 963, 1060, 1166, 1282, 1411, 1552, 1707, 1878, 2066,
	2272, 2499, 2749, 3024, 3327, 3660, 4026, 4428, 4871, 5358,
	5894, 6484, 7132, 7845, 8630, 9493, 10442, 11487, 12635, 13899,
	15289, 16818, 18500, 20350, 22385, 24623, 27086, 29794, 32767,
}

var adpcmIndexTable = [16]int{
	-1, -1, -1, -1, 2, 4, 6, 8,
	-1, -1, -1, -1, 2, 4, 6, 8,
}

type adpcmChannel struct {
	predicted int
	index     int
}

func (c *adpcmChannel) decodeNibble(nibble byte) int16 {
	step := adpcmStepTable[c.index]
	diff := step >> 3
	if nibble&1 != 0 {
		diff += step >> 2
	}
	if nibble&2 != 0 {
		diff += step >> 1
	}
	if nibble&4 != 0 {
		diff += step
	}
	if nibble&8 != 0 {
		diff = -diff
	}

	c.predicted += diff
	if c.predicted > 32767 {
		c.predicted = 32767
	} else if c.predicted < -32768 {
		c.predicted = -32768
	}

	c.index += adpcmIndexTable[nibble]
	if c.index < 0 {
		c.index = 0
	} else if c.index > len(adpcmStepTable)-1 {
		c.index = len(adpcmStepTable) - 1
	}

	return int16(c.predicted)
}

// adpcmDecompress decodes an MPQ ADPCM stream: a 1-byte initial step-table
// index per channel followed by a 16-bit initial sample per channel, then
// nibble-packed deltas.
func adpcmDecompress(data []byte, expectedSize int, stereo bool) ([]byte, error) {
	channels := 1
	if stereo {
		channels = 2
	}
	headerSize := channels * 3
	if len(data) < headerSize {
		return nil, fmt.Errorf("adpcm: payload too short for %d-channel header", channels)
	}

	chans := make([]adpcmChannel, channels)
	off := 0
	for c := 0; c < channels; c++ {
		chans[c].index = int(data[off])
		sample := int16(uint16(data[off+1]) | uint16(data[off+2])<<8)
		chans[c].predicted = int(sample)
		off += 3
	}

	out := make([]byte, 0, bufferSizeHint(expectedSize, len(data)))
	for c := 0; c < channels; c++ {
		out = append(out, byte(chans[c].predicted), byte(chans[c].predicted>>8))
	}

	ch := 0
	for off < len(data) {
		b := data[off]
		off++
		for _, nibble := range [2]byte{b & 0x0F, b >> 4} {
			sample := chans[ch].decodeNibble(nibble)
			out = append(out, byte(sample), byte(sample>>8))
			ch = (ch + 1) % channels
			if expectedSize > 0 && len(out) >= expectedSize {
				return out, nil
			}
		}
	}

	return out, nil
}

// encodeNibble quantizes the difference between target and the channel's
// current prediction, then replays decodeNibble so encoder and decoder
// predictor state stay in lockstep. ADPCM is lossy: the decoded sample
// approximates target within the current step size.
func (c *adpcmChannel) encodeNibble(target int16) byte {
	step := adpcmStepTable[c.index]
	diff := int(target) - c.predicted

	var nibble byte
	if diff < 0 {
		nibble = 8
		diff = -diff
	}
	if diff >= step {
		nibble |= 4
		diff -= step
	}
	if diff >= step>>1 {
		nibble |= 2
		diff -= step >> 1
	}
	if diff >= step>>2 {
		nibble |= 1
	}

	c.decodeNibble(nibble)
	return nibble
}

// adpcmCompress encodes interleaved little-endian 16-bit PCM into the stream
// adpcmDecompress reads: per-channel {step index, initial sample} headers,
// then one nibble per remaining sample, two nibbles per byte low-first.
func adpcmCompress(data []byte, stereo bool) ([]byte, error) {
	channels := 1
	if stereo {
		channels = 2
	}
	if len(data)%(2*channels) != 0 {
		return nil, fmt.Errorf("adpcm: input is not whole %d-channel 16-bit frames", channels)
	}
	frameCount := len(data) / (2 * channels)
	if frameCount == 0 {
		return nil, fmt.Errorf("adpcm: input too short for %d-channel header", channels)
	}

	sampleAt := func(i int) int16 {
		return int16(uint16(data[i*2]) | uint16(data[i*2+1])<<8)
	}

	chans := make([]adpcmChannel, channels)
	out := make([]byte, 0, len(data)/4+channels*3)
	for c := 0; c < channels; c++ {
		first := sampleAt(c)
		chans[c].index = 0
		chans[c].predicted = int(first)
		out = append(out, 0, byte(first), byte(uint16(first)>>8))
	}

	var pending byte
	havePending := false
	ch := 0
	totalSamples := frameCount * channels
	for i := channels; i < totalSamples; i++ {
		nibble := chans[ch].encodeNibble(sampleAt(i))
		ch = (ch + 1) % channels
		if !havePending {
			pending = nibble
			havePending = true
		} else {
			out = append(out, pending|nibble<<4)
			havePending = false
		}
	}
	if havePending {
		out = append(out, pending)
	}
	return out, nil
}
