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

package refcount

import (
	"github.com/markfasheh/ocfs2/extent"
	"github.com/markfasheh/ocfs2/internal/blockio"
)

const leafBlockSignature = "RFEXT01"

const leafHeaderSize = 32

var leafCheckLayout = blockio.CheckFieldLayout{Offset: 16}

// leafListOffset is where a dedicated refcount extent block's embedded
// list begins: after both the fixed header (signature/check field) and
// this block kind's own ParentBlkno/NextLeafBlkno fields, which the root
// block (block.go's listOffset) has no need for.
const leafListOffset = leafHeaderSize + 16

// Store adapts a channel and chain allocator into extent.Store for a
// refcount tree's own index/leaf blocks (spec.md §4.6: "each root kind's
// package supplies one backed by its own typed I/O and chain allocator"),
// the refcount-tree counterpart of inode.Store.
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
	if err := leafCheckLayout.Validate(buf, blkno); err != nil {
		return nil, err
	}
	if err := blockio.CheckSignature(buf, leafBlockSignature, blkno); err != nil {
		return nil, err
	}

	le := blockio.LE
	return &extent.Block{
		Blkno:         blkno,
		ParentBlkno:   le.Uint64(buf[leafHeaderSize:]),
		NextLeafBlkno: le.Uint64(buf[leafHeaderSize+8:]),
		List:          decodeListAt(buf, leafListOffset),
	}, nil
}

func (s *Store) WriteExtentBlock(b *extent.Block) error {
	buf := make([]byte, s.Ch.GetBlockSize())
	copy(buf[0:8], leafBlockSignature)
	le := blockio.LE
	le.PutUint64(buf[leafHeaderSize:], b.ParentBlkno)
	le.PutUint64(buf[leafHeaderSize+8:], b.NextLeafBlkno)
	encodeListAt(b.List, buf, leafListOffset)
	leafCheckLayout.Stamp(buf)

	return s.Ch.WriteBlocks(b.Blkno, 1, buf)
}

func (s *Store) AllocateExtentBlock() (uint64, error) {
	return s.Alloc.NewExtentBlock()
}

func (s *Store) FreeExtentBlock(blkno uint64) error {
	return s.Alloc.FreeBlockByAddress(blkno)
}
