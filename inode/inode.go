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

// Package inode implements typed read/write of the dinode block (spec.md
// §4.1, operation "Inode read" in §5.1) and the union-arm dispatch driven
// by i_flags/i_dyn_features, grounded on
// original_source/libocfs2/inode.c's ocfs2_swap_inode_from_cpu /
// ocfs2_swap_inode_second / ocfs2_validate_inode_block.
package inode

import (
	"github.com/markfasheh/ocfs2/extent"
	"github.com/markfasheh/ocfs2/internal/blockio"
)

const signature = "INODE01"

// Flags is i_flags: which union arm (id2) is populated.
type Flags uint32

const (
	FlagValid      Flags = 1 << 0
	FlagSuperBlock Flags = 1 << 1
	FlagLocalAlloc Flags = 1 << 2
	FlagChain      Flags = 1 << 4
	FlagDealloc    Flags = 1 << 6
	FlagSystem     Flags = 1 << 10
)

// DynFeatures is i_dyn_features: orthogonal runtime-toggleable flags that
// can apply regardless of i_flags (spec.md §4.1: "flag-selected second
// layer").
type DynFeatures uint16

const (
	DynInlineData  DynFeatures = 1 << 0
	DynInlineXattr DynFeatures = 1 << 1
	// DynIndexedDir marks a directory as carrying a dx_root (spec.md §4.9);
	// dx.Engine.Truncate clears it when the index is torn down.
	DynIndexedDir DynFeatures = 1 << 2
	// DynHasRefcount marks an inode as pointing at a refcount tree via
	// RefCountLoc (spec.md §4.8).
	DynHasRefcount DynFeatures = 1 << 3
)

// Inode is the decoded form of a dinode block. Only the generic header
// fields and the extent-list union arm (id2.i_list) are modeled in full;
// the superblock/local-alloc/chain/dealloc arms are decoded by their own
// packages (root ocfs2 package, alloc) from the same raw block.
type Inode struct {
	Blkno       uint64
	Generation  uint32
	SuballocSlot uint16
	SuballocBit  uint16
	Clusters    uint32
	Size        uint64
	Flags       Flags
	DynFeatures DynFeatures
	LastEbBlk   uint64
	Mode        uint16

	// DxRoot is i_dx_root: the dx_root block number, meaningful when
	// DynIndexedDir is set (spec.md §4.9).
	DxRoot uint64

	// RefCountLoc is i_refcount_loc: the refcount tree's root block number,
	// meaningful when DynHasRefcount is set (spec.md §4.8).
	RefCountLoc uint64

	// List is the embedded extent list (id2.i_list), meaningful when
	// neither InlineData nor one of the special union arms is set.
	List extent.List

	// InlineData holds id2.i_data.id_data when DynInlineData is set.
	InlineData []byte
}

const (
	headerSize     = 64
	checkOffset    = 16
	id2Offset      = 96
	inlineDataSize = 256
)

var checkLayout = blockio.CheckFieldLayout{Offset: checkOffset}

// Read decodes and validates block as a dinode, dispatching the id2 union
// arm by Flags/DynFeatures the way original_source/libocfs2/inode.c's
// ocfs2_swap_inode_second does (spec.md §5.1: "validates the inode
// signature; swaps the first layer of fixed fields, then the
// flag-selected second layer").
func Read(block []byte, blkno uint64) (*Inode, error) {
	if err := checkLayout.Validate(block, blkno); err != nil {
		return nil, err
	}
	if err := blockio.CheckSignature(block, signature, blkno); err != nil {
		return nil, err
	}

	le := blockio.LE
	in := &Inode{
		Blkno:        blkno,
		Generation:   le.Uint32(block[8:]),
		SuballocSlot: le.Uint16(block[12:]),
		SuballocBit:  le.Uint16(block[14:]),
		Clusters:     le.Uint32(block[28:]),
		Size:         le.Uint64(block[32:]),
		Flags:        Flags(le.Uint32(block[40:])),
		LastEbBlk:    le.Uint64(block[44:]),
		DynFeatures:  DynFeatures(le.Uint16(block[52:])),
		Mode:         le.Uint16(block[54:]),
		DxRoot:       le.Uint64(block[56:]),
		RefCountLoc:  le.Uint64(block[64:]),
	}

	if !in.hasSpecialArm() {
		if in.DynFeatures&DynInlineData != 0 {
			in.InlineData = append([]byte(nil), block[id2Offset:id2Offset+inlineDataSize]...)
		} else {
			in.List = decodeExtentList(block[id2Offset:])
		}
	}

	return in, nil
}

// hasSpecialArm reports whether id2 holds something other than an extent
// list or inline data (superblock/local-alloc/chain/dealloc), matching
// inode.c's if/else-if chain over i_flags.
func (in *Inode) hasSpecialArm() bool {
	return in.Flags&(FlagSuperBlock|FlagLocalAlloc|FlagChain|FlagDealloc) != 0
}

// Write re-encodes in into block and re-stamps its check field.
func Write(in *Inode, block []byte) {
	le := blockio.LE
	copy(block[0:8], signature)
	le.PutUint32(block[8:], in.Generation)
	le.PutUint16(block[12:], in.SuballocSlot)
	le.PutUint16(block[14:], in.SuballocBit)
	le.PutUint32(block[28:], in.Clusters)
	le.PutUint64(block[32:], in.Size)
	le.PutUint32(block[40:], uint32(in.Flags))
	le.PutUint64(block[44:], in.LastEbBlk)
	le.PutUint16(block[52:], uint16(in.DynFeatures))
	le.PutUint16(block[54:], in.Mode)
	le.PutUint64(block[56:], in.DxRoot)
	le.PutUint64(block[64:], in.RefCountLoc)

	if !in.hasSpecialArm() {
		if in.DynFeatures&DynInlineData != 0 {
			copy(block[id2Offset:id2Offset+inlineDataSize], in.InlineData)
		} else {
			encodeExtentList(in.List, block[id2Offset:])
		}
	}

	checkLayout.Stamp(block)
}

const extentListHeaderSize = 12
const extentRecordSize = 16
const maxRootRecords = (inlineDataSize - extentListHeaderSize) / extentRecordSize

func decodeExtentList(buf []byte) extent.List {
	le := blockio.LE
	list := extent.List{
		TreeDepth: le.Uint16(buf[0:]),
		Count:     le.Uint16(buf[6:]),
		Records:   make([]extent.Record, maxRootRecords),
	}
	n := le.Uint16(buf[6:])
	if int(n) > maxRootRecords {
		n = maxRootRecords
	}
	for i := 0; i < int(n); i++ {
		off := extentListHeaderSize + i*extentRecordSize
		list.Records[i] = extent.Record{
			Cpos:     le.Uint32(buf[off:]),
			Clusters: le.Uint32(buf[off+4:]),
			Blkno:    le.Uint64(buf[off+8:]),
		}
	}
	return list
}

func encodeExtentList(list extent.List, buf []byte) {
	le := blockio.LE
	le.PutUint16(buf[0:], list.TreeDepth)
	le.PutUint16(buf[6:], list.Count)
	for i := 0; i < int(list.Count) && i < maxRootRecords; i++ {
		off := extentListHeaderSize + i*extentRecordSize
		r := list.Records[i]
		le.PutUint32(buf[off:], r.Cpos)
		le.PutUint32(buf[off+4:], r.Clusters)
		le.PutUint64(buf[off+8:], r.Blkno)
	}
}

// Store adapts a live handle's channel + allocator into extent.Store for
// this inode's own extent tree, per spec.md §4.6: "each root kind's
// package supplies one backed by its own typed I/O and chain allocator".
type Store struct {
	Ch    *blockio.Channel
	Alloc interface {
		NewExtentBlock() (uint64, error)
		FreeBlockByAddress(block uint64) error
	}
}

const extentBlockSignature = "EXTCOON1"

func (s *Store) ReadExtentBlock(blkno uint64) (*extent.Block, error) {
	buf := make([]byte, s.Ch.GetBlockSize())
	if err := s.Ch.ReadBlocks(blkno, 1, buf); err != nil {
		return nil, err
	}
	if err := checkLayout.Validate(buf, blkno); err != nil {
		return nil, err
	}
	if err := blockio.CheckSignature(buf, extentBlockSignature, blkno); err != nil {
		return nil, err
	}

	le := blockio.LE
	b := &extent.Block{
		Blkno:         blkno,
		ParentBlkno:   le.Uint64(buf[headerSize:]),
		NextLeafBlkno: le.Uint64(buf[headerSize+8:]),
		List:          decodeExtentList(buf[headerSize+16:]),
	}
	return b, nil
}

func (s *Store) WriteExtentBlock(b *extent.Block) error {
	buf := make([]byte, s.Ch.GetBlockSize())
	copy(buf[0:8], extentBlockSignature)
	le := blockio.LE
	le.PutUint64(buf[headerSize:], b.ParentBlkno)
	le.PutUint64(buf[headerSize+8:], b.NextLeafBlkno)
	encodeExtentList(b.List, buf[headerSize+16:])
	checkLayout.Stamp(buf)

	return s.Ch.WriteBlocks(b.Blkno, 1, buf)
}

func (s *Store) AllocateExtentBlock() (uint64, error) {
	return s.Alloc.NewExtentBlock()
}

func (s *Store) FreeExtentBlock(blkno uint64) error {
	return s.Alloc.FreeBlockByAddress(blkno)
}
