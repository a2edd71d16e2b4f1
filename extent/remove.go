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

// Remove implements spec.md §4.6's remove_extent: locate the leaf record(s)
// covering [cpos, cpos+length), truncate or delete them, coalesce an
// emptied leaf back into the allocator and its sibling chain, and collapse
// tree depth when a level reduces to a single child.
func (t *Tree) Remove(cpos uint32, length uint32) error {
	end := cpos + length

	path, err := t.FindPath(cpos)
	if err != nil {
		return err
	}
	leaf := path.Leaf()
	list := leaf.List

	removed, err := removeRangeFromList(list, cpos, end)
	if err != nil {
		return err
	}
	t.root.SetClusterCount(t.root.ClusterCount() - removed)

	if list.Count == 0 && leaf.Blkno != 0 {
		if err := t.collapseEmptyLeaf(path); err != nil {
			return err
		}
		return nil
	}

	return t.persistPath(path)
}

// removeRangeFromList deletes or truncates every record overlapping
// [cpos, end) in list, returning the number of clusters actually removed.
func removeRangeFromList(list *List, cpos, end uint32) (uint32, error) {
	recs := list.Records[:list.Count]
	var removed uint32
	out := make([]Record, 0, len(recs))

	for _, r := range recs {
		rEnd := r.End()
		switch {
		case rEnd <= cpos || r.Cpos >= end:
			// Entirely outside the removed range: keep unchanged.
			out = append(out, r)
		case r.Cpos >= cpos && rEnd <= end:
			// Entirely covered: drop it.
			removed += r.Clusters
		case r.Cpos < cpos && rEnd > end:
			// Removed range is a strict interior hole: split into two.
			left := r
			left.Clusters = cpos - r.Cpos
			right := r
			right.Cpos = end
			right.Clusters = rEnd - end
			if right.Blkno != 0 {
				right.Blkno += uint64(end - r.Cpos)
			}
			removed += length32(cpos, end)
			out = append(out, left, right)
		case r.Cpos < cpos:
			// Truncate the tail of r.
			removed += rEnd - cpos
			r.Clusters = cpos - r.Cpos
			out = append(out, r)
		default:
			// Truncate the head of r.
			removed += end - r.Cpos
			if r.Blkno != 0 {
				r.Blkno += uint64(end - r.Cpos)
			}
			r.Clusters = rEnd - end
			r.Cpos = end
			out = append(out, r)
		}
	}

	if len(out) > len(list.Records) {
		return 0, ocerr.Wrap(ocerr.NoSpaceInTree, 0, fmt.Errorf("removal split exceeds leaf capacity"))
	}

	list.Count = uint16(len(out))
	list.Records = list.Records[:cap(list.Records)]
	copy(list.Records, out)
	for i := len(out); i < len(list.Records); i++ {
		list.Records[i] = Record{}
	}

	return removed, nil
}

func length32(a, b uint32) uint32 { return b - a }

// collapseEmptyLeaf frees a leaf block emptied by Remove, unlinks it from
// its left sibling's next-leaf chain, removes its index record from the
// parent, and collapses ancestor levels whose child count has dropped to
// zero (spec.md §4.6: "coalesce emptied leaves" / "collapse depth").
func (t *Tree) collapseEmptyLeaf(path *Path) error {
	leaf := path.Leaf()
	leafBlkno := leaf.Blkno

	block, err := t.store.ReadExtentBlock(leafBlkno)
	if err != nil {
		return err
	}

	if err := t.unlinkSibling(leafBlkno, block.NextLeafBlkno); err != nil {
		return err
	}
	if err := t.store.FreeExtentBlock(leafBlkno); err != nil {
		return err
	}

	for i := len(path.Frames) - 2; i >= 0; i-- {
		parent := path.Frames[i]
		removeRecordByBlkno(parent.List, leafBlkno)

		if parent.Blkno == 0 {
			// Reached the root's own embedded list: collapseDepth handles
			// both the "now has exactly one child" and "now fully empty"
			// cases, then the owner persists the root itself.
			return t.collapseDepth()
		}

		if parent.List.Count > 0 {
			return t.store.WriteExtentBlock(&Block{
				Blkno:       parent.Blkno,
				ParentBlkno: parentBlknoAt(path, i),
				List:        *parent.List,
			})
		}

		// Parent itself is now empty: free it too and continue collapsing
		// upward.
		leafBlkno = parent.Blkno
		if err := t.store.FreeExtentBlock(leafBlkno); err != nil {
			return err
		}
	}

	return t.collapseDepth()
}

// parentBlknoAt returns the block number of the frame above path.Frames[i],
// or 0 if frame i is the root frame.
func parentBlknoAt(path *Path, i int) uint64 {
	if p := path.Parent(i); p != nil {
		return p.Blkno
	}
	return 0
}

// unlinkSibling repairs the leaf sibling chain around leafBlkno, which is
// about to be freed: finds the leaf whose NextLeafBlkno points at
// leafBlkno and retargets it at nextBlkno (leafBlkno's own next), so the
// chain skips straight over the freed block (spec.md §4.6: "unlink them
// from the sibling chain"). Path does not retain a left-sibling reference,
// so this walks the chain from the leftmost leaf (firstPath) forward --
// exactly the same traversal ForEachLeafRecord uses to read the chain, run
// here to find and patch one link. If leafBlkno is itself the leftmost
// leaf there is no predecessor to fix: the parent index entry pointing at
// it is removed by the caller, and whichever leaf becomes leftmost next is
// found fresh via firstPath on the next traversal.
func (t *Tree) unlinkSibling(leafBlkno uint64, nextBlkno uint64) error {
	path, err := t.firstPath()
	if err != nil {
		return err
	}
	cur := path.Leaf().Blkno
	if cur == 0 || cur == leafBlkno {
		return nil
	}

	for {
		block, err := t.store.ReadExtentBlock(cur)
		if err != nil {
			return err
		}
		if block.NextLeafBlkno == leafBlkno {
			block.NextLeafBlkno = nextBlkno
			return t.store.WriteExtentBlock(block)
		}
		if block.NextLeafBlkno == 0 {
			return corruptTree(leafBlkno, "leaf sibling chain never reaches the leaf being removed")
		}
		cur = block.NextLeafBlkno
	}
}

func removeRecordByBlkno(list *List, blkno uint64) {
	recs := list.Records[:list.Count]
	idx := -1
	for i, r := range recs {
		if r.Blkno == blkno {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	copy(recs[idx:], recs[idx+1:])
	list.Count--
	list.Records = list.Records[:cap(list.Records)]
	list.Records[list.Count] = Record{}
}

// collapseDepth reduces the root's tree depth by one level whenever the
// root's own embedded list holds exactly one index record (spec.md §4.6:
// "collapse root depth when a level reduces to one child"), repeating
// until either depth reaches zero or the root again has more than one
// child. It resets the root to a zero-record leaf list if the tree has
// become fully empty.
func (t *Tree) collapseDepth() error {
	rootList := t.root.RootList()

	for rootList.TreeDepth > 0 && rootList.Count <= 1 {
		if rootList.Count == 0 {
			rootList.TreeDepth = 0
			return nil
		}

		onlyChildBlkno := rootList.Records[0].Blkno
		child, err := t.store.ReadExtentBlock(onlyChildBlkno)
		if err != nil {
			return err
		}

		rootList.TreeDepth = child.List.TreeDepth
		rootList.Count = child.List.Count
		for i := range rootList.Records {
			if i < len(child.List.Records) {
				rootList.Records[i] = child.List.Records[i]
			} else {
				rootList.Records[i] = Record{}
			}
		}

		if err := t.store.FreeExtentBlock(onlyChildBlkno); err != nil {
			return err
		}
	}

	return nil
}

// ChangeFlag implements spec.md §4.6's mark_extent_unwritten-style
// operation: split the record(s) covering [cpos, cpos+length) as needed,
// then apply set/clear to the flags of the resulting central piece(s).
func (t *Tree) ChangeFlag(cpos uint32, length uint32, blkno uint64, set, clear Flags) error {
	end := cpos + length

	path, err := t.FindPath(cpos)
	if err != nil {
		return err
	}
	leaf := path.Leaf()
	list := leaf.List

	if err := changeFlagInList(list, cpos, end, blkno, set, clear); err != nil {
		return err
	}

	return t.persistPath(path)
}

func changeFlagInList(list *List, cpos, end uint32, blkno uint64, set, clear Flags) error {
	recs := list.Records[:list.Count]
	out := make([]Record, 0, len(recs)+2)

	for _, r := range recs {
		rEnd := r.End()
		if rEnd <= cpos || r.Cpos >= end || r.Blkno == 0 {
			out = append(out, r)
			continue
		}
		if blkno != 0 && !(r.Blkno <= blkno && blkno < r.Blkno+uint64(r.Clusters)) {
			out = append(out, r)
			continue
		}

		lo := max32(r.Cpos, cpos)
		hi := min32(rEnd, end)

		if lo > r.Cpos {
			left := r
			left.Clusters = lo - r.Cpos
			out = append(out, left)
		}

		mid := r
		mid.Cpos = lo
		mid.Clusters = hi - lo
		if mid.Blkno != 0 {
			mid.Blkno += uint64(lo - r.Cpos)
		}
		mid.Flags = (mid.Flags | set) &^ clear
		out = append(out, mid)

		if hi < rEnd {
			right := r
			right.Cpos = hi
			right.Clusters = rEnd - hi
			if right.Blkno != 0 {
				right.Blkno += uint64(hi - r.Cpos)
			}
			out = append(out, right)
		}
	}

	if len(out) > len(list.Records) {
		return ocerr.Wrap(ocerr.NoSpaceInTree, 0, fmt.Errorf("flag-change split exceeds leaf capacity"))
	}

	list.Count = uint16(len(out))
	list.Records = list.Records[:cap(list.Records)]
	copy(list.Records, out)
	for i := len(out); i < len(list.Records); i++ {
		list.Records[i] = Record{}
	}
	return nil
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
