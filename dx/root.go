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

const rootSignature = "DXROOT1"

const (
	rootHeaderSize = 56
	rootCheckOff   = 8
	rootListOffset = rootHeaderSize
)

var rootCheckLayout = blockio.CheckFieldLayout{Offset: rootCheckOff}

const (
	listHeaderSize = 12
	recordSize     = 16
)

func maxRootRecordsFor(blockSize int) int {
	return (blockSize - rootListOffset - listHeaderSize) / recordSize
}

// Root is the decoded form of an on-disk dx_root block: the head of a
// directory's hash index (spec.md §4.9). Its embedded extent list maps
// disjoint major-hash ranges to dx_leaf block numbers; unlike refcount's
// tree, Blkno here is always a genuine block pointer, so extent.Tree's
// generic Insert/Remove are used completely unmodified.
type Root struct {
	Blkno      uint64
	DirBlkno   uint64
	NumEntries uint32
	Seed       [4]uint32
	LastEbBlk  uint64
	List       extent.List
}

func decodeRootList(buf []byte) extent.List {
	le := blockio.LE
	n := maxRootRecordsFor(len(buf))
	list := extent.List{
		TreeDepth: le.Uint16(buf[rootListOffset:]),
		Count:     le.Uint16(buf[rootListOffset+6:]),
		Records:   make([]extent.Record, n),
	}
	if int(list.Count) > n {
		list.Count = uint16(n)
	}
	for i := 0; i < n; i++ {
		off := rootListOffset + listHeaderSize + i*recordSize
		list.Records[i] = extent.Record{
			Cpos:     le.Uint32(buf[off:]),
			Clusters: le.Uint32(buf[off+4:]),
			Blkno:    le.Uint64(buf[off+8:]),
		}
	}
	return list
}

func encodeRootList(list extent.List, buf []byte) {
	le := blockio.LE
	le.PutUint16(buf[rootListOffset:], list.TreeDepth)
	le.PutUint16(buf[rootListOffset+6:], list.Count)
	n := maxRootRecordsFor(len(buf))
	for i := 0; i < n; i++ {
		off := rootListOffset + listHeaderSize + i*recordSize
		var r extent.Record
		if i < int(list.Count) {
			r = list.Records[i]
		}
		le.PutUint32(buf[off:], r.Cpos)
		le.PutUint32(buf[off+4:], r.Clusters)
		le.PutUint64(buf[off+8:], r.Blkno)
	}
}

// ReadRoot reads and validates the dx_root block at blkno.
func ReadRoot(ch *blockio.Channel, blkno uint64) (*Root, error) {
	buf := make([]byte, ch.GetBlockSize())
	if err := ch.ReadBlocks(blkno, 1, buf); err != nil {
		return nil, err
	}
	if err := blockio.CheckSignature(buf, rootSignature, blkno); err != nil {
		return nil, err
	}
	if err := rootCheckLayout.Validate(buf, blkno); err != nil {
		return nil, err
	}

	le := blockio.LE
	r := &Root{
		Blkno:      blkno,
		DirBlkno:   le.Uint64(buf[20:]),
		NumEntries: le.Uint32(buf[28:]),
		LastEbBlk:  le.Uint64(buf[48:]),
		List:       decodeRootList(buf),
	}
	for i := 0; i < 4; i++ {
		r.Seed[i] = le.Uint32(buf[32+i*4:])
	}
	return r, nil
}

// WriteRoot encodes and stamps r back to its own block number.
func WriteRoot(ch *blockio.Channel, r *Root) error {
	buf := make([]byte, ch.GetBlockSize())
	copy(buf[0:8], rootSignature)
	le := blockio.LE
	le.PutUint64(buf[20:], r.DirBlkno)
	le.PutUint32(buf[28:], r.NumEntries)
	for i := 0; i < 4; i++ {
		le.PutUint32(buf[32+i*4:], r.Seed[i])
	}
	le.PutUint64(buf[48:], r.LastEbBlk)
	encodeRootList(r.List, buf)
	rootCheckLayout.Stamp(buf)
	return ch.WriteBlocks(r.Blkno, 1, buf)
}

// InitRoot builds a fresh, empty dx_root for dirBlkno sized to blockSize.
// seed is normally derived from the filesystem superblock's own
// s_dx_seed, shared by every indexed directory so names hash consistently
// across the volume.
func InitRoot(blkno, dirBlkno uint64, seed [4]uint32, blockSize int) *Root {
	return &Root{
		Blkno:    blkno,
		DirBlkno: dirBlkno,
		Seed:     seed,
		List:     extent.List{Records: make([]extent.Record, maxRootRecordsFor(blockSize))},
	}
}

// ExtentRoot adapts a *Root to extent.Root.
type ExtentRoot struct {
	Root *Root
}

func (r *ExtentRoot) GetLastLeaf() uint64      { return r.Root.LastEbBlk }
func (r *ExtentRoot) SetLastLeaf(blkno uint64) { r.Root.LastEbBlk = blkno }

func (r *ExtentRoot) ClusterCount() uint32 {
	var sum uint32
	for i := 0; i < int(r.Root.List.Count); i++ {
		sum += r.Root.List.Records[i].Clusters
	}
	return sum
}
func (r *ExtentRoot) SetClusterCount(n uint32) {}

func (r *ExtentRoot) RootList() *extent.List { return &r.Root.List }

// MaxLeafClusters is unbounded; a dx_leaf always holds exactly one hash
// range regardless of its width in hash-units.
func (r *ExtentRoot) MaxLeafClusters() uint32 { return 0 }

func (r *ExtentRoot) InsertCheck(rec extent.Record) error { return nil }
func (r *ExtentRoot) SanityCheck(list *extent.List) error { return nil }

// Contig never merges two dx_leaf-pointing records: each points at a
// distinct on-disk leaf, so adjacent hash ranges are never collapsed into
// one record the way data extents are.
func (r *ExtentRoot) Contig(left, right extent.Record) bool { return false }
