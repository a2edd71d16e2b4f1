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
	"fmt"

	"github.com/markfasheh/ocfs2/extent"
	"github.com/markfasheh/ocfs2/inode"
	"github.com/markfasheh/ocfs2/internal/blockio"
	"github.com/markfasheh/ocfs2/internal/ocerr"
)

// quotaExtentAlloc is the sliver of a slot's chain allocator quotaFileStore
// needs to grow a quota file's own extent tree by one metadata block
// (mirrors inode.Store's Alloc field).
type quotaExtentAlloc interface {
	NewExtentBlock() (uint64, error)
	FreeBlockByAddress(block uint64) error
}

// clusterSource is the sliver of the global bitmap allocator a quota file
// needs to grow by one cluster (mirrors alloc.DiskGroupStore's own
// clusterSource seam).
type clusterSource interface {
	NewClusters(wantMin, wantMax uint32) (first uint64, count uint32, err error)
}

// quotaFileStore implements quota.BlockStore over a live aquota.user /
// aquota.group system inode, translating the quota engine's 0-based
// logical block index into a device block number through the inode's own
// extent tree (spec.md §4.10's global/local quota files are themselves
// ordinary dinodes, walked the same way any other file's data would be).
type quotaFileStore struct {
	ch        *blockio.Channel
	inodeBlk  uint64
	in        *inode.Inode
	tree      *extent.Tree
	clusters  clusterSource
	blockSize int
	bpc       int // blocks per cluster
}

// loadQuotaFileStore reads the quota system inode at blkno and wraps it as
// a quota.BlockStore, ready to back quota.LoadGlobal.
func loadQuotaFileStore(ch *blockio.Channel, blkno uint64, clusters clusterSource, extentAlloc quotaExtentAlloc, blockSize, clusterSize int) (*quotaFileStore, error) {
	buf := make([]byte, blockSize)
	if err := ch.ReadBlocks(blkno, 1, buf); err != nil {
		return nil, err
	}
	in, err := inode.Read(buf, blkno)
	if err != nil {
		return nil, err
	}

	bpc := 1
	if clusterSize > blockSize {
		bpc = clusterSize / blockSize
	}

	root := &inode.ExtentRoot{In: in}
	tree := extent.NewTree(&inode.Store{Ch: ch, Alloc: extentAlloc}, root)

	return &quotaFileStore{
		ch:        ch,
		inodeBlk:  blkno,
		in:        in,
		tree:      tree,
		clusters:  clusters,
		blockSize: blockSize,
		bpc:       bpc,
	}, nil
}

func (s *quotaFileStore) BlockSize() int { return s.blockSize }

func (s *quotaFileStore) BlockCount() uint32 {
	return uint32(s.in.Size / uint64(s.blockSize))
}

// deviceBlock resolves a logical quota-file block index to a device block
// number by locating the leaf record covering its cluster, then offsetting
// into that extent by both the cluster and the intra-cluster block.
func (s *quotaFileStore) deviceBlock(idx uint32) (uint64, error) {
	cpos := idx / uint32(s.bpc)
	within := idx % uint32(s.bpc)

	path, err := s.tree.FindPath(cpos)
	if err != nil {
		return 0, err
	}
	leaf := path.Leaf()
	for _, r := range leaf.List.Records[:leaf.List.Count] {
		if cpos >= r.Cpos && cpos < r.End() {
			return r.Blkno + uint64(cpos-r.Cpos)*uint64(s.bpc) + uint64(within), nil
		}
	}

	return 0, ocerr.Wrap(ocerr.CorruptedBlock, s.inodeBlk,
		fmt.Errorf("quota file block %d has no covering extent", idx))
}

func (s *quotaFileStore) ReadBlock(idx uint32, buf []byte) error {
	blk, err := s.deviceBlock(idx)
	if err != nil {
		return err
	}
	return s.ch.ReadBlocks(blk, 1, buf)
}

func (s *quotaFileStore) WriteBlock(idx uint32, buf []byte) error {
	blk, err := s.deviceBlock(idx)
	if err != nil {
		return err
	}
	return s.ch.WriteBlocks(blk, 1, buf)
}

// Extend grows the quota file by one block: when the new block falls on a
// cluster boundary a fresh cluster is pulled from clusters and inserted
// into the file's extent tree, otherwise the new block already lives
// inside the file's last (partially used) cluster and only the size
// bookkeeping changes.
func (s *quotaFileStore) Extend() (uint32, error) {
	idx := uint32(s.in.Size / uint64(s.blockSize))
	cpos := idx / uint32(s.bpc)
	within := idx % uint32(s.bpc)

	if within == 0 {
		first, _, err := s.clusters.NewClusters(1, 1)
		if err != nil {
			return 0, err
		}
		if err := s.tree.Insert(cpos, first*uint64(s.bpc), 1, 0); err != nil {
			return 0, err
		}
	}

	s.in.Size += uint64(s.blockSize)
	if err := s.persistInode(); err != nil {
		return 0, err
	}

	return idx, nil
}

func (s *quotaFileStore) persistInode() error {
	buf := make([]byte, s.blockSize)
	if err := s.ch.ReadBlocks(s.inodeBlk, 1, buf); err != nil {
		return err
	}
	inode.Write(s.in, buf)
	return s.ch.WriteBlocks(s.inodeBlk, 1, buf)
}
