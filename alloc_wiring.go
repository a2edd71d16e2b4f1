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

package ocfs2

import (
	"errors"

	"github.com/markfasheh/ocfs2/alloc"
	"github.com/markfasheh/ocfs2/inode"
	"github.com/markfasheh/ocfs2/internal/bitmap"
	"github.com/markfasheh/ocfs2/internal/blockio"
)

// globalBitmapGroup records where one chain group's bits landed in the
// flattened volume-wide bitmap, so Flush can scatter changes back out to
// the individual group descriptor blocks they came from.
type globalBitmapGroup struct {
	blkno      uint64
	chainIndex int
	bitOffset  int
	bits       int
}

// diskGlobalBitmapStore implements alloc.GlobalBitmapStore by flattening
// the global_bitmap system inode's chain-of-groups into one contiguous
// in-memory bitmap (spec.md §4.5's global cluster bitmap), assembled once
// at Open and scattered back out group-by-group on Flush. Growing the
// chain itself (adding groups) is a format/resize operation this library
// does not perform (Non-goal), so unlike DiskGroupStore's per-block chain
// use, this adapter never calls AllocateGroupBlock.
type diskGlobalBitmapStore struct {
	ch       *blockio.Channel
	groups   *alloc.DiskGroupStore
	inodeBlk uint64
	chain    *alloc.ChainList
	total    uint32
	flat     []byte
	layout   []globalBitmapGroup
}

// noGrowthClusters never succeeds; it satisfies the group store's chain-
// growth dependency for allocators that must never need to extend a
// chain (the global bitmap itself -- growing it is a resize operation
// this library does not perform).
type noGrowthClusters struct{}

var errNoGlobalBitmapGrowth = errors.New("global bitmap chain growth is not supported (volume resize is out of scope)")

func (noGrowthClusters) NewClusters(uint32, uint32) (uint64, uint32, error) {
	return 0, 0, errNoGlobalBitmapGrowth
}

// loadGlobalBitmapStore reads the global_bitmap allocator inode at blkno
// and walks every chain's groups, assembling a flat bitmap of totalClusters
// bits in chain-then-group order.
func loadGlobalBitmapStore(ch *blockio.Channel, blkno uint64, totalClusters uint32) (*diskGlobalBitmapStore, error) {
	buf := make([]byte, ch.GetBlockSize())
	if err := ch.ReadBlocks(blkno, 1, buf); err != nil {
		return nil, err
	}
	_, chain, err := readAllocatorInode(buf, blkno)
	if err != nil {
		return nil, err
	}

	groups := alloc.NewDiskGroupStore(ch, noGrowthClusters{}, 1)
	s := &diskGlobalBitmapStore{
		ch:       ch,
		groups:   groups,
		inodeBlk: blkno,
		chain:    chain,
		total:    totalClusters,
		flat:     make([]byte, (totalClusters+7)/8),
	}

	flatBm := bitmap.New(s.flat)
	offset := 0
	for chainIdx := range chain.Chains {
		groupBlk := chain.Chains[chainIdx].HeadGroup
		for groupBlk != 0 {
			g, err := groups.ReadGroup(groupBlk)
			if err != nil {
				return nil, err
			}
			groupBm := bitmap.New(g.Bitmap)
			for i := 0; i < int(g.Bits) && offset+i < int(totalClusters); i++ {
				if groupBm.Test(i) {
					flatBm.Set(offset + i)
				}
			}
			s.layout = append(s.layout, globalBitmapGroup{
				blkno:      groupBlk,
				chainIndex: chainIdx,
				bitOffset:  offset,
				bits:       int(g.Bits),
			})
			offset += int(g.Bits)
			groupBlk = g.NextGroup
		}
	}

	return s, nil
}

func (s *diskGlobalBitmapStore) Bitmap() []byte      { return s.flat }
func (s *diskGlobalBitmapStore) TotalClusters() uint32 { return s.total }

// Flush scatters the flat bitmap back out to each group descriptor it was
// assembled from, recomputes each group's and chain's free-bit counts,
// and re-persists the global_bitmap inode's chain list (spec.md §5:
// "bitmap first, then descriptor").
func (s *diskGlobalBitmapStore) Flush(freeClusters uint32) error {
	flatBm := bitmap.New(s.flat)
	chainFree := make([]uint32, len(s.chain.Chains))

	for _, gl := range s.layout {
		g, err := s.groups.ReadGroup(gl.blkno)
		if err != nil {
			return err
		}
		groupBm := bitmap.New(g.Bitmap)
		free := uint16(0)
		for i := 0; i < gl.bits; i++ {
			if flatBm.Test(gl.bitOffset + i) {
				groupBm.Set(i)
			} else {
				groupBm.Clear(i)
				free++
			}
		}
		g.FreeBits = free
		if err := s.groups.WriteGroup(g); err != nil {
			return err
		}
		chainFree[gl.chainIndex] += uint32(free)
	}
	for i := range s.chain.Chains {
		s.chain.Chains[i].Free = chainFree[i]
	}

	buf := make([]byte, s.ch.GetBlockSize())
	if err := s.ch.ReadBlocks(s.inodeBlk, 1, buf); err != nil {
		return err
	}
	in, _, err := readAllocatorInode(buf, s.inodeBlk)
	if err != nil {
		return err
	}
	writeAllocatorChainList(s.chain, buf)
	inode.Write(in, buf)

	return s.ch.WriteBlocks(s.inodeBlk, 1, buf)
}
