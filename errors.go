// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import "errors"

// Sentinel errors forming the package's error taxonomy. Every fallible
// operation wraps one of these with fmt.Errorf("...: %w", ...) so callers
// can discriminate with errors.Is instead of parsing messages.
var (
	// ErrInvalidFormat means the input isn't a recognizable MPQ archive,
	// or a structure within it violates the format's fixed contract.
	ErrInvalidFormat = errors.New("mpq: invalid format")

	// ErrUnsupportedVersion means the header declares a format_version this
	// package doesn't parse.
	ErrUnsupportedVersion = errors.New("mpq: unsupported format version")

	// ErrChecksumFailure means a CRC32 check (per-sector, or against the
	// (attributes) file) failed.
	ErrChecksumFailure = errors.New("mpq: checksum failure")

	// ErrFileNotFound means no hash/HET/BET entry resolves the requested name,
	// or it resolves to a delete marker.
	ErrFileNotFound = errors.New("mpq: file not found")

	// ErrDecompressionFailure means a codec failed to produce valid output.
	ErrDecompressionFailure = errors.New("mpq: decompression failure")

	// ErrEncryptionFailure means a cipher operation could not proceed (e.g.
	// a key could not be derived, or decrypted structure failed validation).
	ErrEncryptionFailure = errors.New("mpq: encryption failure")

	// ErrCompressionBomb means a decompression monitor bound was exceeded:
	// absolute size, ratio, cumulative session output, or wall-clock time.
	ErrCompressionBomb = errors.New("mpq: decompression exceeded safety bounds")

	// ErrTableCorruption means a hash/block/HET/BET table failed an internal
	// consistency check (bad sentinel, out-of-range index, bad bit-width).
	ErrTableCorruption = errors.New("mpq: table corruption")

	// ErrIO wraps an underlying I/O failure (short read, seek past EOF) that
	// isn't itself a format problem.
	ErrIO = errors.New("mpq: io error")

	// ErrUnsupportedCodec means a functionally recognized but intentionally
	// unimplemented direction of a codec was requested (see the Huffman
	// compression open question).
	ErrUnsupportedCodec = errors.New("mpq: codec direction not supported")

	// ErrCancelled means a decompression was aborted via its monitor's
	// cooperative cancel flag.
	ErrCancelled = errors.New("mpq: operation cancelled")
)
