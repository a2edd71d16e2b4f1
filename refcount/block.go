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

// Package refcount implements the refcount-tree engine (spec.md §4.8): a
// per-cluster-range share count layered on the generic extent-tree engine,
// grounded on original_source/libocfs2/refcount.c. A refcount record's
// payload (the share count) is carried in the shared extent.Record's Blkno
// field -- the one slot a data record owns that a refcount leaf has no
// other use for, the same way inode leaf records use it for a physical
// block address.
package refcount

import (
	"github.com/markfasheh/ocfs2/extent"
	"github.com/markfasheh/ocfs2/internal/blockio"
)

const blockSignature = "RFCNT01"

const (
	headerSize  = 32
	checkOffset = 8
	listOffset  = headerSize
)

var checkLayout = blockio.CheckFieldLayout{Offset: checkOffset}

const (
	listHeaderSize = 12
	recordSize     = 16
)

// maxRecordsFor is derived the same way inode.maxRootRecords is: a list's
// embedded records fill whatever space remains after its header, to the
// channel's block size. off is where the list itself begins -- listOffset
// for the root block, leafListOffset for a dedicated extent block, which
// reserves extra room ahead of the list for ParentBlkno/NextLeafBlkno
// (store.go).
func maxRecordsFor(blockSize, off int) int {
	return (blockSize - off - listHeaderSize) / recordSize
}

// Block is the decoded form of an on-disk refcount_block: the root of a
// refcount tree, keyed by the low 32 bits of a record's cpos (spec.md
// §4.8: "descend the extent tree using the low 32 bits of cpos"). RefCount
// is the tree-wide share count -- how many inodes currently point at this
// refcount tree as their rf_loc -- distinct from the per-record Count
// values the tree's own leaves carry.
type Block struct {
	Blkno     uint64
	RefCount  uint32
	LastEbBlk uint64
	List      extent.List
}

func decodeListAt(buf []byte, base int) extent.List {
	le := blockio.LE
	n := maxRecordsFor(len(buf), base)
	list := extent.List{
		TreeDepth: le.Uint16(buf[base:]),
		Count:     le.Uint16(buf[base+6:]),
		Records:   make([]extent.Record, n),
	}
	if int(list.Count) > n {
		list.Count = uint16(n)
	}
	for i := 0; i < n; i++ {
		off := base + listHeaderSize + i*recordSize
		list.Records[i] = extent.Record{
			Cpos:     le.Uint32(buf[off:]),
			Clusters: le.Uint32(buf[off+4:]),
			Blkno:    le.Uint64(buf[off+8:]),
		}
	}
	return list
}

func encodeListAt(list extent.List, buf []byte, base int) {
	le := blockio.LE
	le.PutUint16(buf[base:], list.TreeDepth)
	le.PutUint16(buf[base+6:], list.Count)
	n := maxRecordsFor(len(buf), base)
	for i := 0; i < n; i++ {
		off := base + listHeaderSize + i*recordSize
		var r extent.Record
		if i < int(list.Count) {
			r = list.Records[i]
		}
		le.PutUint32(buf[off:], r.Cpos)
		le.PutUint32(buf[off+4:], r.Clusters)
		le.PutUint64(buf[off+8:], r.Blkno)
	}
}

func decodeBlock(buf []byte, blkno uint64) extent.List { return decodeListAt(buf, listOffset) }

func encodeList(list extent.List, buf []byte) { encodeListAt(list, buf, listOffset) }

// ReadBlock reads and validates the refcount root block at blkno.
func ReadBlock(ch *blockio.Channel, blkno uint64) (*Block, error) {
	buf := make([]byte, ch.GetBlockSize())
	if err := ch.ReadBlocks(blkno, 1, buf); err != nil {
		return nil, err
	}
	if err := blockio.CheckSignature(buf, blockSignature, blkno); err != nil {
		return nil, err
	}
	if err := checkLayout.Validate(buf, blkno); err != nil {
		return nil, err
	}

	le := blockio.LE
	return &Block{
		Blkno:     blkno,
		RefCount:  le.Uint32(buf[20:]),
		LastEbBlk: le.Uint64(buf[24:]),
		List:      decodeBlock(buf, blkno),
	}, nil
}

// WriteBlock encodes and stamps b back to its own block number.
func WriteBlock(ch *blockio.Channel, b *Block) error {
	buf := make([]byte, ch.GetBlockSize())
	copy(buf[0:8], blockSignature)
	le := blockio.LE
	le.PutUint32(buf[20:], b.RefCount)
	le.PutUint64(buf[24:], b.LastEbBlk)
	encodeList(b.List, buf)
	checkLayout.Stamp(buf)
	return ch.WriteBlocks(b.Blkno, 1, buf)
}

// InitBlock resets b to an empty inline (depth-0) tree with capacity sized
// to blockSize.
func InitBlock(blkno uint64, blockSize int) *Block {
	return &Block{
		Blkno: blkno,
		List:  extent.List{Records: make([]extent.Record, maxRecordsFor(blockSize, listOffset))},
	}
}
