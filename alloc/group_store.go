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

package alloc

import (
	"fmt"

	"github.com/markfasheh/ocfs2/internal/blockio"
	"github.com/markfasheh/ocfs2/internal/ocerr"
)

// Group descriptor typed-block layout (spec.md §3 "Group descriptor"): an
// 8-byte signature, the standard 12-byte CRC32+Hamming check field, then
// the fixed fields, then the bitmap filling the remainder of the block.
// Grounded on the same signature+checkLayout+LE shape inode.go and
// extent's Store codec already use for their own typed blocks.
const (
	groupSignature   = "GRPDESC1"
	groupCheckOffset = 16
	groupFieldsOffset = 32
)

var groupCheckLayout = blockio.CheckFieldLayout{Offset: groupCheckOffset}

// DiskGroupStore is the disk-backed GroupStore: it reads/writes group
// descriptor blocks through ch, and grows a chain by pulling one fresh
// cluster from clusters (the volume's global bitmap allocator) whenever
// ChainAllocator.extendAndAllocate needs a new group.
//
// A freshly allocated cluster backs exactly one new group: the group
// descriptor occupies the cluster's first block, and the remaining
// blocksPerCluster-1 blocks become the bits the group's own bitmap
// governs (spec.md §4.5's chain-of-groups allocator, applied here to
// metadata-block chains rather than the volume-wide cluster bitmap).
// Existing filesystems this library opens are assumed to have been
// formatted with ClustersPerGroup <= blocksPerCluster-1 for every chain
// list it walks; DESIGN.md records this as a documented simplification
// rather than deriving arbitrary multi-cluster group spans.
type DiskGroupStore struct {
	ch               *blockio.Channel
	clusters         clusterSource
	blocksPerCluster int
}

// clusterSource is the sliver of GlobalBitmapAllocator a DiskGroupStore
// needs to grow a chain; kept narrow so this file does not have to import
// the concrete allocator type.
type clusterSource interface {
	NewClusters(wantMin, wantMax uint32) (first uint64, count uint32, err error)
}

// NewDiskGroupStore builds a GroupStore backed by ch, growing chains via
// clusters.
func NewDiskGroupStore(ch *blockio.Channel, clusters clusterSource, blocksPerCluster int) *DiskGroupStore {
	return &DiskGroupStore{ch: ch, clusters: clusters, blocksPerCluster: blocksPerCluster}
}

func (s *DiskGroupStore) ReadGroup(blockNumber uint64) (*GroupDescriptor, error) {
	buf := make([]byte, s.ch.GetBlockSize())
	if err := s.ch.ReadBlocks(blockNumber, 1, buf); err != nil {
		return nil, err
	}
	if err := groupCheckLayout.Validate(buf, blockNumber); err != nil {
		return nil, err
	}
	if err := blockio.CheckSignature(buf, groupSignature, blockNumber); err != nil {
		return nil, err
	}

	le := blockio.LE
	off := groupFieldsOffset
	g := &GroupDescriptor{
		BlockNumber: blockNumber,
		First:       le.Uint64(buf[off:]),
		Bits:        le.Uint16(buf[off+8:]),
		FreeBits:    le.Uint16(buf[off+10:]),
		ChainIndex:  le.Uint16(buf[off+12:]),
		Generation:  le.Uint32(buf[off+16:]),
		ParentInode: le.Uint64(buf[off+24:]),
		NextGroup:   le.Uint64(buf[off+32:]),
	}
	bitmapOff := off + 40
	bitmapLen := (int(g.Bits) + 7) / 8
	if bitmapOff+bitmapLen > len(buf) {
		return nil, ocerr.Wrap(ocerr.CorruptedBlock, blockNumber,
			fmt.Errorf("group bitmap (%d bits) overruns block", g.Bits))
	}
	g.Bitmap = append([]byte(nil), buf[bitmapOff:bitmapOff+bitmapLen]...)

	return g, nil
}

func (s *DiskGroupStore) WriteGroup(g *GroupDescriptor) error {
	buf := make([]byte, s.ch.GetBlockSize())
	copy(buf[0:8], groupSignature)

	le := blockio.LE
	off := groupFieldsOffset
	le.PutUint64(buf[off:], g.First)
	le.PutUint16(buf[off+8:], g.Bits)
	le.PutUint16(buf[off+10:], g.FreeBits)
	le.PutUint16(buf[off+12:], g.ChainIndex)
	le.PutUint32(buf[off+16:], g.Generation)
	le.PutUint64(buf[off+24:], g.ParentInode)
	le.PutUint64(buf[off+32:], g.NextGroup)

	bitmapOff := off + 40
	bitmapLen := (int(g.Bits) + 7) / 8
	if bitmapOff+bitmapLen > len(buf) {
		return ocerr.Wrap(ocerr.CorruptedBlock, g.BlockNumber,
			fmt.Errorf("group bitmap (%d bits) overruns block", g.Bits))
	}
	copy(buf[bitmapOff:bitmapOff+bitmapLen], g.Bitmap)
	groupCheckLayout.Stamp(buf)

	return s.ch.WriteBlocks(g.BlockNumber, 1, buf)
}

// AllocateGroupBlock reserves one fresh cluster and returns its first
// block as the new group descriptor's own block (spec.md §4.5: "extends
// the chain by adding a new group" on exhaustion).
func (s *DiskGroupStore) AllocateGroupBlock() (uint64, error) {
	first, _, err := s.clusters.NewClusters(1, 1)
	if err != nil {
		return 0, err
	}
	return first * uint64(s.blocksPerCluster), nil
}
