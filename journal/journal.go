/* SPDX-License-Identifier: Apache-2.0
 *
 * Copyright 2023 Damian Peckett <damian@peckett>.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package journal reads and writes the JBD2 superblock at the head of a
// per-slot journal system file (spec.md §4.6: "a byte-swappable header +
// feature sets + uuid + max-transaction/max-trans-data bounds"). Journal
// contents beyond the superblock -- descriptor/commit/revoke blocks, the
// actual replay log -- are out of scope; spec.md §4.6 and its Non-goals
// name this engine as read-only-by-dump territory, not something this
// library replays. Grounded on
// original_source/libocfs2/mkjournal.c's
// ocfs2_(swap|read|write)_journal_superblock and
// original_source/debugfs.ocfs2/dump.c's dump_jbd_superblock for field
// order.
package journal

import (
	"github.com/markfasheh/ocfs2/internal/blockio"
	"github.com/markfasheh/ocfs2/internal/ocerr"
)

// JBD2_MAGIC_NUMBER.
const magic = 0xc03b3998

// Block types a journal_header_t.h_blocktype can carry; this package only
// ever produces/expects SuperblockV2.
const (
	DescriptorBlock = 1
	CommitBlock     = 2
	SuperblockV1    = 3
	SuperblockV2    = 4
	RevokeBlock     = 5
)

// Feature bits, from the subset original_source/mkjournal.c actually sets
// or checks (JBD2_FEATURE_INCOMPAT_64BIT and JBD2_FEATURE_ROCOMPAT_ASYNC
// are the only ones OCFS2 journals carry).
const (
	IncompatFeature64Bit uint32 = 0x1
	IncompatFeatureBlock64 uint32 = 0x10
	ROCompatFeatureAsyncCommit uint32 = 0x1
)

// Header is the common journal_header_s leading every JBD2 block.
type Header struct {
	Magic     uint32
	BlockType uint32
	Sequence  uint32
}

// Superblock is journal_superblock_t's static portion: spec.md's "header +
// feature sets + uuid + max-transaction/max-trans-data bounds". The
// trailing per-user uuid table (s_users, only meaningful for a shared
// external journal OCFS2 never uses) is not modeled.
type Superblock struct {
	Header Header

	BlockSize       uint32
	MaxLen          uint32
	First           uint32
	Sequence        uint32
	Start           uint32
	Errno           int32
	FeatureCompat   uint32
	FeatureIncompat uint32
	FeatureROCompat uint32
	UUID            [16]byte
	NumUsers        uint32
	DynSuper        uint32
	MaxTransaction  uint32
	MaxTransData    uint32
}

const superblockSize = 4 + 4 + 4 + // header
	4 + 4 + 4 + 4 + 4 + 4 + 4 + 4 + 4 + // blocksize..feature_ro_compat
	16 + // uuid
	4 + 4 + 4 + 4 // nr_users..max_trans_data

func encode(sb Superblock, buf []byte) {
	be := blockio.BE
	be.PutUint32(buf[0:], sb.Header.Magic)
	be.PutUint32(buf[4:], sb.Header.BlockType)
	be.PutUint32(buf[8:], sb.Header.Sequence)

	be.PutUint32(buf[12:], sb.BlockSize)
	be.PutUint32(buf[16:], sb.MaxLen)
	be.PutUint32(buf[20:], sb.First)
	be.PutUint32(buf[24:], sb.Sequence)
	be.PutUint32(buf[28:], sb.Start)
	be.PutUint32(buf[32:], uint32(sb.Errno))
	be.PutUint32(buf[36:], sb.FeatureCompat)
	be.PutUint32(buf[40:], sb.FeatureIncompat)
	be.PutUint32(buf[44:], sb.FeatureROCompat)
	copy(buf[48:64], sb.UUID[:])
	be.PutUint32(buf[64:], sb.NumUsers)
	be.PutUint32(buf[68:], sb.DynSuper)
	be.PutUint32(buf[72:], sb.MaxTransaction)
	be.PutUint32(buf[76:], sb.MaxTransData)
}

func decode(buf []byte) Superblock {
	be := blockio.BE
	var sb Superblock
	sb.Header = Header{
		Magic:     be.Uint32(buf[0:]),
		BlockType: be.Uint32(buf[4:]),
		Sequence:  be.Uint32(buf[8:]),
	}
	sb.BlockSize = be.Uint32(buf[12:])
	sb.MaxLen = be.Uint32(buf[16:])
	sb.First = be.Uint32(buf[20:])
	sb.Sequence = be.Uint32(buf[24:])
	sb.Start = be.Uint32(buf[28:])
	sb.Errno = int32(be.Uint32(buf[32:]))
	sb.FeatureCompat = be.Uint32(buf[36:])
	sb.FeatureIncompat = be.Uint32(buf[40:])
	sb.FeatureROCompat = be.Uint32(buf[44:])
	copy(sb.UUID[:], buf[48:64])
	sb.NumUsers = be.Uint32(buf[64:])
	sb.DynSuper = be.Uint32(buf[68:])
	sb.MaxTransaction = be.Uint32(buf[72:])
	sb.MaxTransData = be.Uint32(buf[76:])
	return sb
}

// knownIncompat/knownROCompat mirror JBD2_KNOWN_(INCOMPAT|ROCOMPAT)_FEATURES:
// an unrecognized bit outside these masks is a hard read failure, matching
// original_source/mkjournal.c's ocfs2_read_journal_superblock.
const knownIncompat = IncompatFeature64Bit | IncompatFeatureBlock64
const knownROCompat = ROCompatFeatureAsyncCommit

// ReadSuperblock decodes and validates a journal superblock from a single
// block-sized buffer (block 0 of a journal system file).
func ReadSuperblock(buf []byte, blockNumber uint64) (Superblock, error) {
	if len(buf) < superblockSize {
		return Superblock{}, ocerr.Wrap(ocerr.ShortRead, blockNumber, nil)
	}
	sb := decode(buf)
	if sb.Header.Magic != magic {
		return Superblock{}, ocerr.Wrap(ocerr.BadMagic, blockNumber, nil)
	}
	if sb.Header.BlockType != SuperblockV1 && sb.Header.BlockType != SuperblockV2 {
		return Superblock{}, ocerr.Wrap(ocerr.BadSignature, blockNumber, nil)
	}
	if sb.FeatureIncompat&^knownIncompat != 0 {
		return Superblock{}, ocerr.Wrap(ocerr.UnsupportedFeature, blockNumber, nil)
	}
	if sb.FeatureROCompat&^knownROCompat != 0 {
		return Superblock{}, ocerr.Wrap(ocerr.ReadOnlyUnsupportedFeature, blockNumber, nil)
	}
	return sb, nil
}

// WriteSuperblock serializes sb into a block-sized buffer, zero-padding
// anything beyond the static superblock fields (the per-user uuid table
// this package doesn't model).
func WriteSuperblock(sb Superblock, buf []byte) error {
	if len(buf) < superblockSize {
		return ocerr.Wrap(ocerr.ShortWrite, 0, nil)
	}
	for i := range buf {
		buf[i] = 0
	}
	if sb.Header.Magic == 0 {
		sb.Header.Magic = magic
	}
	if sb.Header.BlockType == 0 {
		sb.Header.BlockType = SuperblockV2
	}
	encode(sb, buf)
	return nil
}
