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

import "github.com/markfasheh/ocfs2/extent"

// ExtentRoot adapts a *Block to extent.Root (spec.md §9's "small
// trait/interface instantiated per root kind"), the refcount-tree
// counterpart of inode.ExtentRoot.
type ExtentRoot struct {
	Blk *Block
}

func (r *ExtentRoot) GetLastLeaf() uint64      { return r.Blk.LastEbBlk }
func (r *ExtentRoot) SetLastLeaf(blkno uint64) { r.Blk.LastEbBlk = blkno }

func (r *ExtentRoot) ClusterCount() uint32 {
	var sum uint32
	for i := 0; i < int(r.Blk.List.Count); i++ {
		sum += r.Blk.List.Records[i].Clusters
	}
	return sum
}

// SetClusterCount is a no-op: a refcount root has no separate cluster-count
// field on disk (unlike an inode's i_clusters); ClusterCount is always
// recomputed from the record list.
func (r *ExtentRoot) SetClusterCount(n uint32) {}

func (r *ExtentRoot) RootList() *extent.List { return &r.Blk.List }

// MaxLeafClusters is unbounded; a refcount record's Clusters field is
// still only ever clipped by the 32-bit low-cpos window during split
// (spec.md §4.8).
func (r *ExtentRoot) MaxLeafClusters() uint32 { return 0 }

// InsertCheck accepts every record; it does not test rec for overlap with
// existing records. Engine inserts only into holes it has found in the
// leaf, after shrinking or splitting any existing coverage.
func (r *ExtentRoot) InsertCheck(rec extent.Record) error {
	return nil
}

func (r *ExtentRoot) SanityCheck(list *extent.List) error {
	return nil
}

// Contig requires identical share counts in addition to the default cpos
// adjacency test: two neighboring ranges with different Count values must
// never be merged into one record (spec.md §4.8's per-step "merge" only
// ever follows a bump/decrement that leaves both sides equal).
func (r *ExtentRoot) Contig(left, right extent.Record) bool {
	if left.Blkno != right.Blkno {
		return false
	}
	return left.End() == right.Cpos && left.Flags == right.Flags
}
