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

// Package quota implements the quota engine (spec.md §4.10): a global
// per-type (user/group) file holding a fixed-depth radix tree of dqblk
// records keyed by id, plus free-entry and free-block chains, and a
// per-slot local quota file used to stage usage deltas before they are
// folded into the global file. Grounded on
// original_source/libocfs2/quota.c.
package quota

import "github.com/markfasheh/ocfs2/internal/blockio"

// Type distinguishes a user quota file from a group quota file; both use
// the identical on-disk layout keyed by a different id space.
type Type int

const (
	UserQuota Type = iota
	GroupQuota
)

const (
	globalHeaderOff = 0  // block 0: dqh_magic/dqh_version, then global_dqinfo
	globalInfoOff   = 8  // original_source/quota.c's OCFS2_GLOBAL_INFO_OFF
	treeRootBlock   = 1  // original_source/quota.c's QT_TREEOFF
)

// GlobalInfo is the decoded global_disk_dqinfo: grace periods, sync
// interval, and the free-block/free-entry chain heads threaded through
// the radix tree's leaf blocks.
type GlobalInfo struct {
	BGrace     uint32
	IGrace     uint32
	SyncMs     uint32
	Blocks     uint32
	FreeBlk    uint32
	FreeEntry  uint32
}

func decodeGlobalInfo(buf []byte) GlobalInfo {
	le := blockio.LE
	off := globalInfoOff
	return GlobalInfo{
		BGrace:    le.Uint32(buf[off:]),
		IGrace:    le.Uint32(buf[off+4:]),
		SyncMs:    le.Uint32(buf[off+8:]),
		Blocks:    le.Uint32(buf[off+12:]),
		FreeBlk:   le.Uint32(buf[off+16:]),
		FreeEntry: le.Uint32(buf[off+20:]),
	}
}

func encodeGlobalInfo(info GlobalInfo, buf []byte) {
	le := blockio.LE
	off := globalInfoOff
	le.PutUint32(buf[off:], info.BGrace)
	le.PutUint32(buf[off+4:], info.IGrace)
	le.PutUint32(buf[off+8:], info.SyncMs)
	le.PutUint32(buf[off+12:], info.Blocks)
	le.PutUint32(buf[off+16:], info.FreeBlk)
	le.PutUint32(buf[off+20:], info.FreeEntry)
}

// Dqblk is one global_disk_dqblk record: a single id's usage and limits.
type Dqblk struct {
	ID          uint32
	UseCount    uint32
	IHardlimit  uint64
	ISoftlimit  uint64
	CurInodes   uint64
	BHardlimit  uint64
	BSoftlimit  uint64
	CurSpace    uint64
	BTime       uint64
	ITime       uint64
}

const dqblkSize = 4 + 4 + 8*8 // id + use_count + eight uint64 fields

func (d Dqblk) unused() bool {
	return d == Dqblk{}
}

func decodeDqblk(buf []byte) Dqblk {
	le := blockio.LE
	return Dqblk{
		ID:         le.Uint32(buf[0:]),
		UseCount:   le.Uint32(buf[4:]),
		IHardlimit: le.Uint64(buf[8:]),
		ISoftlimit: le.Uint64(buf[16:]),
		CurInodes:  le.Uint64(buf[24:]),
		BHardlimit: le.Uint64(buf[32:]),
		BSoftlimit: le.Uint64(buf[40:]),
		CurSpace:   le.Uint64(buf[48:]),
		BTime:      le.Uint64(buf[56:]),
		ITime:      le.Uint64(buf[64:]),
	}
}

func encodeDqblk(d Dqblk, buf []byte) {
	le := blockio.LE
	le.PutUint32(buf[0:], d.ID)
	le.PutUint32(buf[4:], d.UseCount)
	le.PutUint64(buf[8:], d.IHardlimit)
	le.PutUint64(buf[16:], d.ISoftlimit)
	le.PutUint64(buf[24:], d.CurInodes)
	le.PutUint64(buf[32:], d.BHardlimit)
	le.PutUint64(buf[40:], d.BSoftlimit)
	le.PutUint64(buf[48:], d.CurSpace)
	le.PutUint64(buf[56:], d.BTime)
	le.PutUint64(buf[64:], d.ITime)
}

// leafHeaderSize is sizeof(qt_disk_dqdbheader): next-free/prev-free block
// indices plus a live-entry count.
const leafHeaderSize = 10

type leafHeader struct {
	NextFree uint32
	PrevFree uint32
	Entries  uint16
}

func decodeLeafHeader(buf []byte) leafHeader {
	le := blockio.LE
	return leafHeader{
		NextFree: le.Uint32(buf[0:]),
		PrevFree: le.Uint32(buf[4:]),
		Entries:  le.Uint16(buf[8:]),
	}
}

func encodeLeafHeader(h leafHeader, buf []byte) {
	le := blockio.LE
	le.PutUint32(buf[0:], h.NextFree)
	le.PutUint32(buf[4:], h.PrevFree)
	le.PutUint16(buf[8:], h.Entries)
}

// entriesPerBlock is ocfs2_global_dqstr_in_blk: how many Dqblk records
// fit in a leaf block after its header and trailer/check-field trailer.
func entriesPerBlock(blockSize int, reserved uint16) int {
	return (blockSize - leafHeaderSize - int(reserved)) / dqblkSize
}

// refsPerBlock is the radix tree's fan-out: a block's bytes (minus the
// trailing reserved check-field space) as an array of 4-byte child
// pointers, the same "B = (blocksize - reserved)/4" spec.md §4.10 names.
func refsPerBlock(blockSize int, reserved uint16) int {
	return (blockSize - int(reserved)) / 4
}

// treeDepth is ocfs2_qtree_depth: the number of radix levels needed so
// that refsPerBlock^depth covers the full 32-bit id space.
func treeDepth(blockSize int, reserved uint16) int {
	epb := uint64(refsPerBlock(blockSize, reserved))
	entries := epb
	depth := 1
	for entries < (uint64(1) << 32) {
		entries *= epb
		depth++
	}
	return depth
}

// treeIndex is ocfs2_qtree_index: the child slot for id at the given
// depth (0 == root), most-significant radix digit first.
func treeIndex(blockSize int, reserved uint16, id uint32, depth int) int {
	epb := uint32(refsPerBlock(blockSize, reserved))
	remaining := treeDepth(blockSize, reserved) - depth - 1
	for ; remaining > 0; remaining-- {
		id /= epb
	}
	return int(id % epb)
}
