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

package inode

import (
	"fmt"

	"github.com/markfasheh/ocfs2/extent"
	"github.com/markfasheh/ocfs2/internal/ocerr"
)

// ExtentRoot adapts an *Inode to extent.Root, letting extent.Tree operate
// directly on the inode's embedded extent list (id2.i_list) and its
// i_last_eb_blk/i_clusters bookkeeping fields (spec.md §9's "small
// trait/interface instantiated per root kind").
type ExtentRoot struct {
	In *Inode
}

func (r *ExtentRoot) GetLastLeaf() uint64      { return r.In.LastEbBlk }
func (r *ExtentRoot) SetLastLeaf(blkno uint64) { r.In.LastEbBlk = blkno }

func (r *ExtentRoot) ClusterCount() uint32     { return r.In.Clusters }
func (r *ExtentRoot) SetClusterCount(n uint32) { r.In.Clusters = n }

func (r *ExtentRoot) RootList() *extent.List { return &r.In.List }

// MaxLeafClusters is unbounded for a plain file/directory inode.
func (r *ExtentRoot) MaxLeafClusters() uint32 { return 0 }

// InsertCheck rejects inserting into an inode that is currently carrying
// inline data; callers must promote to an extent tree first (spec.md
// §5.3's directory inline-data promotion is the one caller that does this
// today; regular file writes would need the same promotion path).
func (r *ExtentRoot) InsertCheck(rec extent.Record) error {
	if r.In.DynFeatures&DynInlineData != 0 {
		return ocerr.Wrap(ocerr.InvalidArgument, r.In.Blkno, fmt.Errorf("extent insert into inline-data inode"))
	}
	return nil
}

func (r *ExtentRoot) SanityCheck(list *extent.List) error {
	return nil
}

func (r *ExtentRoot) Contig(left, right extent.Record) bool {
	return extent.DefaultContig(left, right)
}
