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

// Package xattr carries the one piece of the extended-attribute world that
// the extent-tree engine itself depends on (spec.md §4.6: "reused by ...
// xattr value roots"): a root for a single oversized attribute's value,
// stored out-of-line in its own cluster-keyed extent tree the same way an
// inode's data is. The xattr block's own layout -- inline entries, or a
// B+-tree of hash-keyed buckets for when there are too many entries to fit
// inline (spec.md §3) -- has no dedicated operation in spec.md §4 and is
// not implemented here; only the value-root vtable spec.md's extent engine
// needs a consumer for exists.
package xattr

import "github.com/markfasheh/ocfs2/extent"

// ValueRoot is the decoded root of one xattr entry's out-of-line value
// tree: xe_value_size bytes addressed by cluster position, the same shape
// as an inode's id2.i_list but scoped to a single attribute value rather
// than a whole file.
type ValueRoot struct {
	LastEbBlk uint64
	Clusters  uint32
	List      extent.List
}

// ExtentRoot adapts a ValueRoot to extent.Root (spec.md §9's "small
// trait/interface instantiated per root kind"), mirroring
// inode.ExtentRoot's shape for the one root kind the xattr package
// contributes.
type ExtentRoot struct {
	Root *ValueRoot
}

func (r *ExtentRoot) GetLastLeaf() uint64      { return r.Root.LastEbBlk }
func (r *ExtentRoot) SetLastLeaf(blkno uint64) { r.Root.LastEbBlk = blkno }

func (r *ExtentRoot) ClusterCount() uint32     { return r.Root.Clusters }
func (r *ExtentRoot) SetClusterCount(n uint32) { r.Root.Clusters = n }

func (r *ExtentRoot) RootList() *extent.List { return &r.Root.List }

// MaxLeafClusters is unbounded; a value tree grows however large the
// attribute's value requires.
func (r *ExtentRoot) MaxLeafClusters() uint32 { return 0 }

func (r *ExtentRoot) InsertCheck(rec extent.Record) error { return nil }

func (r *ExtentRoot) SanityCheck(list *extent.List) error { return nil }

// Contig merges adjacent value ranges the same way inode data extents do;
// a value's bytes are plain contiguous storage, not a keyed structure like
// refcount/dx records.
func (r *ExtentRoot) Contig(left, right extent.Record) bool {
	return extent.DefaultContig(left, right)
}
