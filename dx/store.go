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

package dx

import (
	"github.com/markfasheh/ocfs2/extent"
	"github.com/markfasheh/ocfs2/internal/blockio"
)

const idxBlockSignature = "DXIDX01"

const idxHeaderSize = 32

var idxCheckLayout = blockio.CheckFieldLayout{Offset: 16}

// Store adapts a channel and chain allocator into extent.Store for a
// dx_root tree's own index blocks (spec.md §4.6), the dx-tree counterpart
// of refcount.Store/inode.Store. dx_leaf blocks -- the tree's data-bearing
// leaves -- are not extent.Blocks at all; Engine reads/writes them
// directly via ReadLeaf/WriteLeaf the same way dir reads directory data
// blocks straight from the channel.
type Store struct {
	Ch    *blockio.Channel
	Alloc interface {
		NewExtentBlock() (uint64, error)
		FreeBlockByAddress(block uint64) error
	}
}

func (s *Store) ReadExtentBlock(blkno uint64) (*extent.Block, error) {
	buf := make([]byte, s.Ch.GetBlockSize())
	if err := s.Ch.ReadBlocks(blkno, 1, buf); err != nil {
		return nil, err
	}
	if err := idxCheckLayout.Validate(buf, blkno); err != nil {
		return nil, err
	}
	if err := blockio.CheckSignature(buf, idxBlockSignature, blkno); err != nil {
		return nil, err
	}

	le := blockio.LE
	return &extent.Block{
		Blkno:         blkno,
		ParentBlkno:   le.Uint64(buf[idxHeaderSize:]),
		NextLeafBlkno: le.Uint64(buf[idxHeaderSize+8:]),
		List:          decodeIdxList(buf),
	}, nil
}

func (s *Store) WriteExtentBlock(b *extent.Block) error {
	buf := make([]byte, s.Ch.GetBlockSize())
	copy(buf[0:8], idxBlockSignature)
	le := blockio.LE
	le.PutUint64(buf[idxHeaderSize:], b.ParentBlkno)
	le.PutUint64(buf[idxHeaderSize+8:], b.NextLeafBlkno)
	encodeIdxList(b.List, buf)
	idxCheckLayout.Stamp(buf)

	return s.Ch.WriteBlocks(b.Blkno, 1, buf)
}

func (s *Store) AllocateExtentBlock() (uint64, error) {
	return s.Alloc.NewExtentBlock()
}

func (s *Store) FreeExtentBlock(blkno uint64) error {
	return s.Alloc.FreeBlockByAddress(blkno)
}

const idxListOffset = idxHeaderSize + 16

func maxIdxRecordsFor(blockSize int) int {
	return (blockSize - idxListOffset - listHeaderSize) / recordSize
}

func decodeIdxList(buf []byte) extent.List {
	le := blockio.LE
	n := maxIdxRecordsFor(len(buf))
	list := extent.List{
		TreeDepth: le.Uint16(buf[idxListOffset:]),
		Count:     le.Uint16(buf[idxListOffset+6:]),
		Records:   make([]extent.Record, n),
	}
	if int(list.Count) > n {
		list.Count = uint16(n)
	}
	for i := 0; i < n; i++ {
		off := idxListOffset + listHeaderSize + i*recordSize
		list.Records[i] = extent.Record{
			Cpos:     le.Uint32(buf[off:]),
			Clusters: le.Uint32(buf[off+4:]),
			Blkno:    le.Uint64(buf[off+8:]),
		}
	}
	return list
}

func encodeIdxList(list extent.List, buf []byte) {
	le := blockio.LE
	le.PutUint16(buf[idxListOffset:], list.TreeDepth)
	le.PutUint16(buf[idxListOffset+6:], list.Count)
	n := maxIdxRecordsFor(len(buf))
	for i := 0; i < n; i++ {
		off := idxListOffset + listHeaderSize + i*recordSize
		var r extent.Record
		if i < int(list.Count) {
			r = list.Records[i]
		}
		le.PutUint32(buf[off:], r.Cpos)
		le.PutUint32(buf[off+4:], r.Clusters)
		le.PutUint64(buf[off+8:], r.Blkno)
	}
}
