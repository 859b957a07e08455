// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

/*
Package mpq provides pure Go support for reading and writing MPQ (Mo'PaQ) archives.

MPQ is an archive format created by Blizzard Entertainment, used in games like
Diablo, StarCraft, and World of Warcraft. This package supports MPQ format
versions 1 through 4, from the original Diablo/StarCraft layout through the
HET/BET-table, 64-bit-size archives introduced with Cataclysm.

# Features

  - Pure Go implementation - no CGO
  - Read and write MPQ archives, including in-place modification of an
    existing archive via [OpenForModify]
  - Classic hash/block tables (V1-V4) and extended HET/BET tables (V3+),
    with fallback from HET/BET to the classic tables when either is absent
  - Zlib, BZip2, LZMA, PKWare DCL (implode), sparse/RLE, and IMA ADPCM
    mono/stereo compression, including multi-codec sectors
  - MPQ's stream cipher for encrypted files and tables, including the
    fix-key adjustment used by some patch files
  - Patch archives and prioritized patch chains via [OpenPatchChain],
    including delete markers
  - Concurrent extraction from a single archive via [OpenParallel]
  - Decompression-bomb guards bounding per-sector and per-archive expansion

# Basic Usage

Creating an archive:

	archive := mpq.NewArchive("patch.mpq", mpq.FormatV2, 100)
	if err := archive.AddFile("local/file.txt", "Data\\file.txt"); err != nil {
		log.Fatal(err)
	}
	if err := archive.Flush(); err != nil {
		log.Fatal(err)
	}

Reading an archive:

	archive, err := mpq.Open("game.mpq")
	if err != nil {
		log.Fatal(err)
	}
	defer archive.Close()

	if archive.HasFile("Data\\file.txt") {
		if err := archive.ExtractFile("Data\\file.txt", "output/file.txt"); err != nil {
			log.Fatal(err)
		}
	}

Modifying an existing archive in place:

	archive, err := mpq.OpenForModify("game.mpq")
	if err != nil {
		log.Fatal(err)
	}
	if err := archive.RemoveFile("Data\\old.txt"); err != nil {
		log.Fatal(err)
	}
	if err := archive.AddFileData("Data\\new.txt", payload, mpq.WithSectorCRC()); err != nil {
		log.Fatal(err)
	}
	if err := archive.Flush(); err != nil {
		log.Fatal(err)
	}

# Format Versions

[NewArchive] and [OpenForModify] accept a [FormatVersion]: [FormatV1] for the
original layout understood by every client, [FormatV2] when archives may
exceed 4GB, and [FormatV3]/[FormatV4] for the HET/BET table and full-archive
MD5 layout introduced with Cataclysm. [Open] auto-detects the version of an
existing archive from its header.

# Path Conventions

MPQ archives use backslash (\) as the path separator. This package automatically
converts forward slashes to backslashes, so both formats work:

	archive.AddFile("src.txt", "Data\\SubDir\\file.txt")  // Native MPQ format
	archive.AddFile("src.txt", "Data/SubDir/file.txt")    // Also works

# Non-goals

This package does not implement or verify Blizzard's (1) and (2) weak/strong
digital signature schemes beyond reporting their presence; callers that need
signature verification must do so themselves. Write operations regenerate
every table from the resolved file list on Flush: the classic hash/block
tables always, plus fresh HET/BET tables for [FormatV3] and [FormatV4]
archives. Huffman compression is read-only (no current tooling emits it);
requesting it for a write fails with an unsupported-codec error.
*/
package mpq
