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

package dir

import (
	"fmt"

	"github.com/markfasheh/ocfs2/extent"
	"github.com/markfasheh/ocfs2/inode"
	"github.com/markfasheh/ocfs2/internal/blockio"
	"github.com/markfasheh/ocfs2/internal/ocerr"
)

// IterResult controls Iterate's continuation after each entry callback
// (spec.md §4.7: "changed", "abort", "error" — error is reported through
// the callback's error return instead of a result value).
type IterResult int

const (
	IterContinue IterResult = iota
	IterChanged
	IterAbort
)

// EntryCallback is invoked once per directory entry, live or free, during
// Iterate. offset is the entry's byte offset within its block.
type EntryCallback func(parentBlkno uint64, offset int, entry *Entry) (IterResult, error)

// Layout bundles what Iterate and PromoteInline need to walk or grow a
// directory's data: its channel, the extent tree over the owning inode,
// the device block and cluster sizes, and whether the trailer feature is
// on for this filesystem.
type Layout struct {
	Ch          *blockio.Channel
	Tree        *extent.Tree
	BlockSize   int
	ClusterSize int
	HasTrailer  bool
}

func (l Layout) blocksPerCluster() int {
	if l.ClusterSize <= l.BlockSize {
		return 1
	}
	return l.ClusterSize / l.BlockSize
}

// entrySpace is the portion of a directory data block usable for
// entries: the whole block, minus the trailer reservation when enabled.
func (l Layout) entrySpace() int {
	if l.HasTrailer {
		return TrailerOffset(l.BlockSize)
	}
	return l.BlockSize
}

// EntrySpace is entrySpace exported for callers outside the package (the
// dx engine needs it to re-read a directory data block by hand when
// confirming a hash-indexed candidate).
func (l Layout) EntrySpace() int { return l.entrySpace() }

// blockVisitor is invoked once per directory data block, in logical
// order; it returns whether buf was mutated (triggering a trailer
// re-stamp and write-back) and whether the walk should stop.
type blockVisitor func(blkno uint64, buf []byte) (changed bool, stop bool, err error)

// forEachDataBlock walks every directory data block in logical order via
// the extent tree (spec.md §4.7: "walks blocks in logical order via the
// inode's extent list"), handing each to visit and persisting it back
// when visit reports a change.
func (l Layout) forEachDataBlock(visit blockVisitor) error {
	bpc := l.blocksPerCluster()
	stopped := false

	return l.Tree.ForEachLeafRecord(func(rec extent.Record) (bool, error) {
		for c := uint32(0); c < rec.Clusters && !stopped; c++ {
			base := rec.Blkno + uint64(c)*uint64(bpc)
			for b := 0; b < bpc; b++ {
				blkno := base + uint64(b)
				buf := make([]byte, l.BlockSize)
				if err := l.Ch.ReadBlocks(blkno, 1, buf); err != nil {
					return false, err
				}

				changed, stop, err := visit(blkno, buf)
				if err != nil {
					return false, err
				}

				if changed {
					if l.HasTrailer {
						t, terr := ReadTrailer(buf, l.BlockSize, blkno)
						if terr != nil {
							return false, terr
						}
						WriteTrailer(buf, l.BlockSize, RefreshFreeRecLen(buf, l.BlockSize, t))
					}
					if err := l.Ch.WriteBlocks(blkno, 1, buf); err != nil {
						return false, err
					}
				}
				if stop {
					stopped = true
					break
				}
			}
		}
		return !stopped, nil
	})
}

// Iterate walks every directory data block in logical order, treating the
// tail trailer (if present) as non-entry space, and invokes cb once per
// entry. Callback return values control continuation: IterChanged
// re-writes the block, IterAbort stops the walk cleanly (spec.md §4.7).
func Iterate(l Layout, cb EntryCallback) error {
	entrySpace := l.entrySpace()

	return l.forEachDataBlock(func(blkno uint64, buf []byte) (bool, bool, error) {
		aborted := false
		changed, err := visitBlock(buf, entrySpace, blkno, cb, &aborted)
		return changed, aborted, err
	})
}

func visitBlock(buf []byte, entrySpace int, blkno uint64, cb EntryCallback, aborted *bool) (bool, error) {
	changed := false
	offset := 0
	for offset < entrySpace {
		e := decodeEntry(buf[offset:])
		if e.RecLen < minRecLen || offset+int(e.RecLen) > entrySpace {
			return false, ocerr.Wrap(ocerr.CorruptedDirectory, blkno,
				fmt.Errorf("entry at offset %d has invalid rec_len %d", offset, e.RecLen))
		}

		res, err := cb(blkno, offset, &e)
		if err != nil {
			return changed, err
		}
		switch res {
		case IterChanged:
			encodeEntry(e, buf[offset:offset+int(e.RecLen)])
			changed = true
		case IterAbort:
			*aborted = true
		}
		if *aborted {
			break
		}
		offset += int(e.RecLen)
	}
	return changed, nil
}

// ClusterAllocator is what PromoteInline needs to obtain the single
// cluster a freshly-promoted directory starts with.
type ClusterAllocator interface {
	NewClusters(wantMin, wantMax uint32) (first uint64, count uint32, err error)
}

// PromoteInline implements spec.md §4.7's inline-data promotion: invoked
// when an insert into an inline-data directory's entry area would
// overflow (InsertEntry finds no hole of sufficient size). It allocates
// one cluster, copies the inline bytes into its first block (the
// remainder of that block, and any further blocks in the cluster,
// become one large free record each), clears the inline-data dyn
// feature, and inserts the covering extent at logical cluster 0.
func PromoteInline(in *inode.Inode, l Layout, allocator ClusterAllocator) error {
	first, _, err := allocator.NewClusters(1, 1)
	if err != nil {
		return err
	}
	bpc := l.blocksPerCluster()
	firstBlkno := first * uint64(bpc)

	head := make([]byte, l.BlockSize)
	copy(head, in.InlineData)
	entrySpace := l.entrySpace()
	if len(in.InlineData) < entrySpace {
		encodeEntry(Entry{RecLen: uint16(entrySpace - len(in.InlineData))}, head[len(in.InlineData):entrySpace])
	}
	if l.HasTrailer {
		free := uint32(largestFreeRecLen(head, entrySpace))
		WriteTrailer(head, l.BlockSize, Trailer{ParentDinode: in.Blkno, FreeRecLen: free})
	}
	if err := l.Ch.WriteBlocks(firstBlkno, 1, head); err != nil {
		return err
	}

	for b := 1; b < bpc; b++ {
		blk := make([]byte, l.BlockSize)
		InitBlock(blk, entrySpace)
		if l.HasTrailer {
			WriteTrailer(blk, l.BlockSize, Trailer{ParentDinode: in.Blkno, FreeRecLen: uint32(entrySpace)})
		}
		if err := l.Ch.WriteBlocks(firstBlkno+uint64(b), 1, blk); err != nil {
			return err
		}
	}

	in.DynFeatures &^= inode.DynInlineData
	in.InlineData = nil

	return l.Tree.Insert(0, firstBlkno, 1, 0)
}

// Insert adds one (name -> ino) entry to in's directory data, promoting
// from inline storage or extending the extent tree by one cluster when
// every existing block is full. This is the plain (non-indexed)
// directory insert path; dx's Engine.Insert also calls it to place the
// dirent, then records the entry's hash in a dx_leaf.
func Insert(in *inode.Inode, l Layout, allocator ClusterAllocator, ino uint64, fileType FileType, name string) error {
	if len(name) > maxNameLen {
		return ocerr.Wrap(ocerr.InvalidArgument, in.Blkno, fmt.Errorf("name %q exceeds %d bytes", name, maxNameLen))
	}

	if in.DynFeatures&inode.DynInlineData != 0 {
		entrySpace := len(in.InlineData)
		if InsertEntry(in.InlineData, entrySpace, ino, fileType, name) {
			return nil
		}
		if err := PromoteInline(in, l, allocator); err != nil {
			return err
		}
	}

	inserted := false
	entrySpace := l.entrySpace()
	walkErr := l.forEachDataBlock(func(blkno uint64, buf []byte) (bool, bool, error) {
		if !InsertEntry(buf, entrySpace, ino, fileType, name) {
			return false, false, nil
		}
		inserted = true
		return true, true, nil
	})
	if walkErr != nil {
		return walkErr
	}
	if inserted {
		return nil
	}

	return appendBlock(in, l, allocator, ino, fileType, name)
}

// appendBlock extends the directory by one new cluster and inserts the
// entry into its first block.
func appendBlock(in *inode.Inode, l Layout, allocator ClusterAllocator, ino uint64, fileType FileType, name string) error {
	first, _, err := allocator.NewClusters(1, 1)
	if err != nil {
		return err
	}
	bpc := l.blocksPerCluster()
	firstBlkno := first * uint64(bpc)
	entrySpace := l.entrySpace()

	for b := 0; b < bpc; b++ {
		buf := make([]byte, l.BlockSize)
		InitBlock(buf, entrySpace)
		if b == 0 {
			InsertEntry(buf, entrySpace, ino, fileType, name)
		}
		if l.HasTrailer {
			free := uint32(largestFreeRecLen(buf, entrySpace))
			WriteTrailer(buf, l.BlockSize, Trailer{ParentDinode: in.Blkno, FreeRecLen: free})
		}
		if err := l.Ch.WriteBlocks(firstBlkno+uint64(b), 1, buf); err != nil {
			return err
		}
	}

	return l.Tree.Insert(logicalClusterEnd(in), firstBlkno, 1, 0)
}

// logicalClusterEnd is the next free logical cluster position at the
// tail of in's directory data, i.e. its current mapped cluster count.
func logicalClusterEnd(in *inode.Inode) uint32 {
	return in.Clusters
}

// Remove deletes the live entry named name from in's directory data,
// whether inline or extent-backed, leaving its rec_len as a reclaimable
// hole. This is a linear scan; dx's Engine.Remove drops the hash entry
// from its dx_leaf and then calls it to remove the dirent itself.
func Remove(in *inode.Inode, l Layout, name string) (bool, error) {
	if in.DynFeatures&inode.DynInlineData != 0 {
		return RemoveEntry(in.InlineData, len(in.InlineData), name), nil
	}

	removed := false
	err := Iterate(l, func(parentBlkno uint64, offset int, entry *Entry) (IterResult, error) {
		if removed || entry.Inode == 0 || entry.Name != name {
			return IterContinue, nil
		}
		entry.Inode = 0
		entry.FileType = FileTypeUnknown
		entry.Name = ""
		removed = true
		return IterChanged, nil
	})
	return removed, err
}

// Find looks up name across in's directory data, whether inline or
// extent-backed.
func Find(in *inode.Inode, l Layout, name string) (Entry, bool, error) {
	if in.DynFeatures&inode.DynInlineData != 0 {
		e, ok := Lookup(in.InlineData, len(in.InlineData), name)
		return e, ok, nil
	}

	var found Entry
	ok := false
	err := Iterate(l, func(parentBlkno uint64, offset int, entry *Entry) (IterResult, error) {
		if entry.Inode != 0 && entry.Name == name {
			found = *entry
			ok = true
			return IterAbort, nil
		}
		return IterContinue, nil
	})
	return found, ok, err
}
