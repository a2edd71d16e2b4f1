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

package extent

import (
	"fmt"

	"github.com/markfasheh/ocfs2/internal/ocerr"
)

// Block is the in-memory form of an on-disk extent block: its own list of
// records, the validated-on-read/re-stamped-on-write back-pointer to its
// parent's containing block (spec.md §3's h_up_hdr_node_ptr, §9's "Cyclic
// pointers" redesign note), and -- for depth-0 (leaf) blocks -- the
// h_next_leaf_blk sibling link.
type Block struct {
	Blkno         uint64
	ParentBlkno   uint64
	NextLeafBlkno uint64
	List          List
}

// Store is what the Tree engine needs to persist extent blocks; each root
// kind's package (inode, refcount, dx, xattr) supplies one backed by its
// own typed I/O and chain allocator.
type Store interface {
	ReadExtentBlock(blkno uint64) (*Block, error)
	WriteExtentBlock(b *Block) error

	// AllocateExtentBlock reserves a fresh block to host a new extent
	// block (spec.md §4.6: "allocate a new extent block" during split).
	AllocateExtentBlock() (uint64, error)
	// FreeExtentBlock releases a block emptied by a remove/merge
	// (spec.md §4.6: "free their block back to the allocator").
	FreeExtentBlock(blkno uint64) error
}

func corruptTree(blkno uint64, format string, args ...interface{}) error {
	return ocerr.Wrap(ocerr.CorruptedExtentTree, blkno, fmt.Errorf(format, args...))
}
