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
	"sort"

	"github.com/markfasheh/ocfs2/internal/ocerr"
)

// Tree is the generic B+-tree engine over a single Root, per spec.md §4.6.
type Tree struct {
	store Store
	root  Root
}

// NewTree builds a Tree engine over root, persisted through store.
func NewTree(store Store, root Root) *Tree {
	return &Tree{store: store, root: root}
}

// FindPath returns an in-memory stack of (block_number, list) pairs from
// root to the leaf that would contain cpos (spec.md §4.6). The path is
// read-only; Insert/Remove/ChangeFlag take a cpos and rebuild it.
func (t *Tree) FindPath(cpos uint32) (*Path, error) {
	rootList := t.root.RootList()
	path := &Path{Frames: []PathFrame{{Blkno: 0, List: rootList}}}

	list := rootList
	parentBlkno := uint64(0)
	for list.TreeDepth > 0 {
		if len(path.Frames) >= MaxTreeDepth {
			return nil, corruptTree(parentBlkno, "extent tree exceeds max depth %d", MaxTreeDepth)
		}

		rec, ok := findCoveringChild(list, cpos)
		if !ok {
			return nil, corruptTree(parentBlkno, "no child record covers cpos %d at depth %d", cpos, list.TreeDepth)
		}

		child, err := t.store.ReadExtentBlock(rec.Blkno)
		if err != nil {
			return nil, err
		}
		if child.ParentBlkno != 0 && child.ParentBlkno != parentBlkno && len(path.Frames) > 1 {
			return nil, corruptTree(child.Blkno, "up-pointer %d does not match parent %d", child.ParentBlkno, parentBlkno)
		}

		path.Frames = append(path.Frames, PathFrame{Blkno: child.Blkno, List: &child.List})
		parentBlkno = child.Blkno
		list = &child.List
	}

	return path, nil
}

// findCoveringChild returns the last record in list with Cpos <= cpos
// (the standard B+-tree "largest key <= target" descent rule).
func findCoveringChild(list *List, cpos uint32) (Record, bool) {
	recs := list.Records[:list.Count]
	idx := sort.Search(len(recs), func(i int) bool { return recs[i].Cpos > cpos })
	if idx == 0 {
		return Record{}, false
	}
	return recs[idx-1], true
}

// Insert implements spec.md §4.6's insert_extent: find the target leaf,
// attempt append/left-merge/right-merge, split on no space, merge
// adjacent records afterwards.
func (t *Tree) Insert(cpos uint32, blkno uint64, clusters uint32, flags Flags) error {
	rec := Record{Cpos: cpos, Blkno: blkno, Clusters: clusters, Flags: flags}
	if err := t.root.InsertCheck(rec); err != nil {
		return err
	}

	path, err := t.FindPath(cpos)
	if err != nil {
		return err
	}
	leaf := path.Leaf()

	if err := insertIntoList(leaf.List, rec, t.root); err == nil {
		t.root.SetClusterCount(t.root.ClusterCount() + clusters)
		return t.persistPath(path)
	}

	// No room: split bottom-up.
	if err := t.splitAndInsert(path, rec); err != nil {
		return err
	}
	t.root.SetClusterCount(t.root.ClusterCount() + clusters)
	return nil
}

// insertIntoList inserts rec into list in sorted cpos order, merging with
// an adjacent contiguous neighbor per root.Contig/DefaultContig, without
// allocating a new block. It returns NoSpaceInTree if list has no free
// capacity and rec cannot be absorbed by merging.
func insertIntoList(list *List, rec Record, root Root) error {
	recs := list.Records[:list.Count]

	idx := sort.Search(len(recs), func(i int) bool { return recs[i].Cpos > rec.Cpos })

	// Left-merge: does the record immediately before idx end exactly at
	// rec.Cpos and is otherwise contiguous?
	if idx > 0 && contig(root, recs[idx-1], rec) {
		recs[idx-1].Clusters += rec.Clusters
		list.Records = recs
		return mergeRight(list, idx-1, root)
	}

	// Right-merge: does rec end exactly where the record at idx begins?
	if idx < len(recs) && contig(root, rec, recs[idx]) {
		recs[idx].Cpos = rec.Cpos
		recs[idx].Blkno = rec.Blkno
		recs[idx].Clusters += rec.Clusters
		list.Records = recs
		return nil
	}

	if int(list.Count) >= len(list.Records) {
		return ocerr.Wrap(ocerr.NoSpaceInTree, 0, fmt.Errorf("leaf list is full"))
	}

	// Plain insert at idx, shifting the tail right.
	list.Records = list.Records[:list.Count+1]
	copy(list.Records[idx+1:], list.Records[idx:list.Count])
	list.Records[idx] = rec
	list.Count++
	return nil
}

// mergeRight merges list.Records[i] with list.Records[i+1] if they are now
// contiguous (used after extending Records[i] during a left-merge, per
// spec.md §4.6 "Merging adjacent records after insertion is mandatory").
func mergeRight(list *List, i int, root Root) error {
	recs := list.Records[:list.Count]
	if i+1 >= len(recs) || !contig(root, recs[i], recs[i+1]) {
		return nil
	}
	recs[i].Clusters += recs[i+1].Clusters
	copy(recs[i+1:], recs[i+2:])
	list.Count--
	list.Records = list.Records[:list.Count]
	return nil
}

func contig(root Root, left, right Record) bool {
	if root != nil {
		return root.Contig(left, right)
	}
	return DefaultContig(left, right)
}

// splitAndInsert performs spec.md §4.6's bottom-up split: allocate a new
// extent block, move the upper half of records, update the parent with a
// new record for the new leaf, rebalance ancestors, and grow tree depth if
// the root's own list overflows.
func (t *Tree) splitAndInsert(path *Path, rec Record) error {
	frameIdx := len(path.Frames) - 1

	for frameIdx >= 0 {
		frame := &path.Frames[frameIdx]
		list := frame.List

		// Try once more directly; a parent rebalance may have freed space.
		if err := insertIntoList(list, rec, t.root); err == nil {
			return t.persistFrom(path, frameIdx)
		}

		if frameIdx == 0 {
			// The root's own embedded list is full: grow depth by one.
			return t.growDepth(path, rec)
		}

		newBlkno, midRec, err := t.splitLeafInto(list, frame.Blkno)
		if err != nil {
			return err
		}

		// Insert rec into whichever half now covers its cpos.
		target := list
		if rec.Cpos >= midRec.Cpos {
			newBlock, err := t.store.ReadExtentBlock(newBlkno)
			if err != nil {
				return err
			}
			target = &newBlock.List
			if err := insertIntoList(target, rec, t.root); err != nil {
				return err
			}
			if err := t.store.WriteExtentBlock(newBlock); err != nil {
				return err
			}
		} else {
			if err := insertIntoList(target, rec, t.root); err != nil {
				return err
			}
		}

		// Propagate the new child record up to the parent frame; loop to
		// retry insertion there (it may itself be full).
		rec = midRec
		frameIdx--
	}

	return corruptTree(0, "split loop fell through without converging")
}

// splitLeafInto allocates a new extent block, moves the upper half of
// list's records into it, and returns (newBlockNumber, indexRecordForNew).
// oldBlkno is 0 when list is the root's own embedded list.
func (t *Tree) splitLeafInto(list *List, oldBlkno uint64) (uint64, Record, error) {
	recs := list.Records[:list.Count]
	if len(recs) < 2 {
		return 0, Record{}, corruptTree(oldBlkno, "cannot split a list with fewer than 2 records")
	}

	mid := len(recs) / 2
	upper := append([]Record(nil), recs[mid:]...)

	newBlkno, err := t.store.AllocateExtentBlock()
	if err != nil {
		return 0, Record{}, err
	}

	newList := List{TreeDepth: list.TreeDepth, Count: uint16(len(upper)), Records: make([]Record, len(list.Records))}
	copy(newList.Records, upper)

	newBlock := &Block{Blkno: newBlkno, List: newList}
	if newList.TreeDepth == 0 {
		newBlock.NextLeafBlkno = t.siblingOf(oldBlkno)
		if oldBlkno != 0 {
			// Thread the old leaf's next-leaf pointer at the new leaf so
			// the sibling chain stays walkable immediately after the
			// split, before persistFrom ever touches oldBlkno's List.
			if err := t.linkSibling(oldBlkno, newBlkno); err != nil {
				return 0, Record{}, err
			}
		}
	}
	if err := t.store.WriteExtentBlock(newBlock); err != nil {
		return 0, Record{}, err
	}

	list.Count = uint16(mid)
	list.Records = list.Records[:cap(list.Records)]
	for i := mid; i < len(recs); i++ {
		list.Records[i] = Record{}
	}

	indexRec := Record{
		Cpos:     upper[0].Cpos,
		Clusters: sumClusters(upper),
		Blkno:    newBlkno,
	}
	return newBlkno, indexRec, nil
}

func sumClusters(recs []Record) uint32 {
	var n uint32
	for _, r := range recs {
		n += r.Clusters
	}
	return n
}

// siblingOf returns the next-leaf link a freshly split-off leaf inherits
// from the leaf it was split from, read from that leaf's extent block. It
// returns 0 when oldBlkno is 0 (the root-embedded case has no prior
// sibling) or when the block cannot be read.
func (t *Tree) siblingOf(oldBlkno uint64) uint64 {
	if oldBlkno == 0 {
		return 0
	}
	old, err := t.store.ReadExtentBlock(oldBlkno)
	if err != nil {
		return 0
	}
	return old.NextLeafBlkno
}

// linkSibling retargets oldBlkno's NextLeafBlkno at newBlkno, persisting
// the change immediately rather than waiting on persistFrom (which only
// ever preserves whatever sibling link is already on disk for the frame
// it's writing -- it never threads a freshly split-off leaf in). Called
// right after splitLeafInto allocates newBlkno, so oldBlkno's on-disk List
// is still the pre-split copy; that's fine, since persistFrom rewrites the
// List content afterward and this call's only job is the sibling pointer.
func (t *Tree) linkSibling(oldBlkno, newBlkno uint64) error {
	old, err := t.store.ReadExtentBlock(oldBlkno)
	if err != nil {
		return err
	}
	old.NextLeafBlkno = newBlkno
	return t.store.WriteExtentBlock(old)
}

// growDepth appends a new tree level: allocate a block for a copy of the
// old root content, leave the root with one record pointing at it, and
// depth incremented. Returns NoSpaceInTree if depth is already at
// MaxTreeDepth.
func (t *Tree) growDepth(path *Path, rec Record) error {
	rootList := t.root.RootList()
	if int(rootList.TreeDepth)+1 > MaxTreeDepth {
		return ocerr.Wrap(ocerr.NoSpaceInTree, 0, fmt.Errorf("tree already at max depth %d", MaxTreeDepth))
	}

	newBlkno, err := t.store.AllocateExtentBlock()
	if err != nil {
		return err
	}

	copied := List{
		TreeDepth: rootList.TreeDepth,
		Count:     rootList.Count,
		Records:   append([]Record(nil), rootList.Records...),
	}
	newBlock := &Block{Blkno: newBlkno, List: copied}
	if err := t.store.WriteExtentBlock(newBlock); err != nil {
		return err
	}

	indexRec := Record{Cpos: 0, Clusters: t.root.ClusterCount(), Blkno: newBlkno}
	if len(copied.Records[:copied.Count]) > 0 {
		indexRec.Cpos = copied.Records[0].Cpos
	}

	rootList.TreeDepth++
	rootList.Count = 1
	for i := range rootList.Records {
		rootList.Records[i] = Record{}
	}
	rootList.Records[0] = indexRec

	// Retry mechanics only (no cluster-count accounting: the caller that
	// owns the original Insert call does that once, after this returns).
	retryPath, err := t.FindPath(rec.Cpos)
	if err != nil {
		return err
	}
	return t.splitAndInsert(retryPath, rec)
}

// firstPath descends via the leftmost child at each level, giving the
// starting point for a linear leaf walk (spec.md §4.7's directory-iterate,
// §4.9's directory-index leaf scans).
func (t *Tree) firstPath() (*Path, error) {
	rootList := t.root.RootList()
	path := &Path{Frames: []PathFrame{{Blkno: 0, List: rootList}}}

	list := rootList
	for list.TreeDepth > 0 {
		if len(path.Frames) >= MaxTreeDepth {
			return nil, corruptTree(0, "extent tree exceeds max depth %d", MaxTreeDepth)
		}
		if list.Count == 0 {
			return nil, corruptTree(0, "index list at depth %d has no records", list.TreeDepth)
		}
		child, err := t.store.ReadExtentBlock(list.Records[0].Blkno)
		if err != nil {
			return nil, err
		}
		path.Frames = append(path.Frames, PathFrame{Blkno: child.Blkno, List: &child.List})
		list = &child.List
	}
	return path, nil
}

// ForEachLeafRecord visits every leaf record left-to-right across the
// whole tree, following h_next_leaf_blk sibling links from the leftmost
// leaf. fn returning false stops the walk early without error.
func (t *Tree) ForEachLeafRecord(fn func(Record) (bool, error)) error {
	path, err := t.firstPath()
	if err != nil {
		return err
	}
	leaf := path.Leaf()
	blkno := leaf.Blkno
	list := leaf.List

	for {
		for i := 0; i < int(list.Count); i++ {
			cont, err := fn(list.Records[i])
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}

		if blkno == 0 {
			return nil // root-embedded list only; no sibling chain
		}
		block, err := t.store.ReadExtentBlock(blkno)
		if err != nil {
			return err
		}
		if block.NextLeafBlkno == 0 {
			return nil
		}
		nextBlock, err := t.store.ReadExtentBlock(block.NextLeafBlkno)
		if err != nil {
			return err
		}
		blkno = block.NextLeafBlkno
		list = &nextBlock.List
	}
}

// persistPath writes every frame in path back to storage (root frame is
// persisted by the caller owning the Root, e.g. inode.WriteInode).
func (t *Tree) persistPath(path *Path) error {
	return t.persistFrom(path, 0)
}

func (t *Tree) persistFrom(path *Path, fromIdx int) error {
	for i := fromIdx; i < len(path.Frames); i++ {
		frame := path.Frames[i]
		if frame.Blkno == 0 {
			continue // root's own embedded list; owner persists it
		}
		block := &Block{Blkno: frame.Blkno, ParentBlkno: parentBlknoAt(path, i), List: *frame.List}
		if i == len(path.Frames)-1 {
			// Only the leaf frame carries a sibling link, and Path doesn't
			// retain it in memory; preserve whatever is already on disk
			// since a plain record mutation never touches the chain.
			existing, err := t.store.ReadExtentBlock(frame.Blkno)
			if err != nil {
				return err
			}
			block.NextLeafBlkno = existing.NextLeafBlkno
		}
		if err := t.store.WriteExtentBlock(block); err != nil {
			return err
		}
	}
	return nil
}

// WriteLeaf writes a single already-mutated extent block's list straight
// through the tree's store, for callers (refcount.Engine) that mutate a
// leaf list in place outside of Insert/Remove/ChangeFlag and need to flush
// just that one frame. blkno == 0 (the root's own embedded list) is the
// caller's to persist; WriteLeaf only handles a dedicated extent block.
func (t *Tree) WriteLeaf(blkno uint64, list List) error {
	existing, err := t.store.ReadExtentBlock(blkno)
	if err != nil {
		return err
	}
	existing.List = list
	return t.store.WriteExtentBlock(existing)
}
