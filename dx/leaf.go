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
	"fmt"
	"sort"

	"github.com/markfasheh/ocfs2/internal/blockio"
	"github.com/markfasheh/ocfs2/internal/ocerr"
)

const leafSignature = "DXLEAF1"

const (
	leafHeaderSize  = 24
	leafCheckOffset = 8
	leafEntrySize   = 16
	leafListOffset  = leafHeaderSize
)

var dxLeafCheckLayout = blockio.CheckFieldLayout{Offset: leafCheckOffset}

// Entry is one dx_entry: the (major, minor) hash of a name, paired with
// the directory data block the actual dirent lives in (spec.md §4.9). A
// dx_leaf's entries are kept sorted by (MajorHash, MinorHash) so a lookup
// can binary search instead of scanning.
type Entry struct {
	MajorHash   uint32
	MinorHash   uint32
	DirentBlkno uint64
}

// Leaf is the decoded form of a dx_leaf block.
type Leaf struct {
	Blkno   uint64
	Entries []Entry
}

func maxLeafEntriesFor(blockSize int) int {
	return (blockSize - leafListOffset) / leafEntrySize
}

// ReadLeaf reads and validates the dx_leaf block at blkno.
func ReadLeaf(ch *blockio.Channel, blkno uint64) (*Leaf, error) {
	buf := make([]byte, ch.GetBlockSize())
	if err := ch.ReadBlocks(blkno, 1, buf); err != nil {
		return nil, err
	}
	if err := blockio.CheckSignature(buf, leafSignature, blkno); err != nil {
		return nil, err
	}
	if err := dxLeafCheckLayout.Validate(buf, blkno); err != nil {
		return nil, err
	}

	le := blockio.LE
	count := int(le.Uint16(buf[20:]))
	max := maxLeafEntriesFor(len(buf))
	if count > max {
		return nil, ocerr.Wrap(ocerr.CorruptedDirectory, blkno,
			fmt.Errorf("dx_leaf entry count %d exceeds capacity %d", count, max))
	}

	l := &Leaf{Blkno: blkno, Entries: make([]Entry, count)}
	for i := 0; i < count; i++ {
		off := leafListOffset + i*leafEntrySize
		l.Entries[i] = Entry{
			MajorHash:   le.Uint32(buf[off:]),
			MinorHash:   le.Uint32(buf[off+4:]),
			DirentBlkno: le.Uint64(buf[off+8:]),
		}
	}
	return l, nil
}

// WriteLeaf encodes and stamps l back to its own block number. Entries
// must already be sorted by (MajorHash, MinorHash); WriteLeaf does not
// re-sort them.
func WriteLeaf(ch *blockio.Channel, l *Leaf) error {
	buf := make([]byte, ch.GetBlockSize())
	if len(l.Entries) > maxLeafEntriesFor(len(buf)) {
		return ocerr.Wrap(ocerr.NoSpaceInTree, l.Blkno,
			fmt.Errorf("dx_leaf has %d entries, capacity is %d", len(l.Entries), maxLeafEntriesFor(len(buf))))
	}

	copy(buf[0:8], leafSignature)
	le := blockio.LE
	le.PutUint16(buf[20:], uint16(len(l.Entries)))
	for i, e := range l.Entries {
		off := leafListOffset + i*leafEntrySize
		le.PutUint32(buf[off:], e.MajorHash)
		le.PutUint32(buf[off+4:], e.MinorHash)
		le.PutUint64(buf[off+8:], e.DirentBlkno)
	}
	dxLeafCheckLayout.Stamp(buf)
	return ch.WriteBlocks(l.Blkno, 1, buf)
}

// InitLeaf builds a fresh, empty dx_leaf for blkno.
func InitLeaf(blkno uint64) *Leaf {
	return &Leaf{Blkno: blkno}
}

// Full reports whether l has no room for one more entry in a block of the
// given size.
func (l *Leaf) Full(blockSize int) bool {
	return len(l.Entries) >= maxLeafEntriesFor(blockSize)
}

// InsertSorted inserts e into l's entry list, keeping it sorted by
// (MajorHash, MinorHash). Callers (Engine.Insert) check Full first; space
// is not checked here.
func (l *Leaf) InsertSorted(e Entry) {
	i := sort.Search(len(l.Entries), func(i int) bool {
		return lessEntry(e, l.Entries[i])
	})
	l.Entries = append(l.Entries, Entry{})
	copy(l.Entries[i+1:], l.Entries[i:])
	l.Entries[i] = e
}

// RemoveEntry deletes the first entry matching (major, minor, dirent),
// returning whether one was found.
func (l *Leaf) RemoveEntry(major, minor uint32, dirent uint64) bool {
	for i, e := range l.Entries {
		if e.MajorHash == major && e.MinorHash == minor && e.DirentBlkno == dirent {
			l.Entries = append(l.Entries[:i], l.Entries[i+1:]...)
			return true
		}
	}
	return false
}

// Find returns every entry whose hash matches (major, minor); a lookup
// still has to read each candidate dirent block to confirm the name,
// since hash collisions are possible (spec.md §4.9).
func (l *Leaf) Find(major, minor uint32) []Entry {
	lo := sort.Search(len(l.Entries), func(i int) bool {
		return l.Entries[i].MajorHash > major ||
			(l.Entries[i].MajorHash == major && l.Entries[i].MinorHash >= minor)
	})
	var out []Entry
	for i := lo; i < len(l.Entries) && l.Entries[i].MajorHash == major && l.Entries[i].MinorHash == minor; i++ {
		out = append(out, l.Entries[i])
	}
	return out
}

func lessEntry(a, b Entry) bool {
	if a.MajorHash != b.MajorHash {
		return a.MajorHash < b.MajorHash
	}
	return a.MinorHash < b.MinorHash
}
