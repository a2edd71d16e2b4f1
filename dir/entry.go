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

// Package dir implements directory entry encode/decode, block iteration,
// and inline-data promotion (spec.md §4.7), grounded on
// original_source/libocfs2/dirblock.c's ocfs2_swap_dir_entries_direction
// and ocfs2_check_dir_entry.
package dir

import "github.com/markfasheh/ocfs2/internal/blockio"

// FileType is the d_file_type byte cached in each entry so callers can
// avoid an inode read just to tell a file from a directory.
type FileType uint8

const (
	FileTypeUnknown FileType = iota
	FileTypeRegular
	FileTypeDirectory
	FileTypeSymlink
)

// entryHeaderSize is inode(8) + rec_len(2) + name_len(1) + file_type(1).
const (
	entryHeaderSize = 12
	minRecLen       = entryHeaderSize
	maxNameLen      = 255
)

// Entry is a decoded directory entry. A free (deleted, or never-used)
// slot has Inode == 0 and carries only RecLen, the span it reserves.
type Entry struct {
	Inode    uint64
	RecLen   uint16
	FileType FileType
	Name     string
}

func align4(n int) int { return (n + 3) &^ 3 }

// recLenForName is the minimum rec_len an entry with this name needs.
func recLenForName(nameLen int) uint16 {
	return uint16(align4(entryHeaderSize + nameLen))
}

func decodeEntry(buf []byte) Entry {
	le := blockio.LE
	e := Entry{
		Inode:    le.Uint64(buf[0:]),
		RecLen:   le.Uint16(buf[8:]),
		FileType: FileType(buf[11]),
	}
	nameLen := int(buf[10])
	if nameLen > 0 && entryHeaderSize+nameLen <= len(buf) {
		e.Name = string(buf[entryHeaderSize : entryHeaderSize+nameLen])
	}
	return e
}

func encodeEntry(e Entry, buf []byte) {
	le := blockio.LE
	for i := range buf[:min(int(e.RecLen), len(buf))] {
		buf[i] = 0
	}
	le.PutUint64(buf[0:], e.Inode)
	le.PutUint16(buf[8:], e.RecLen)
	buf[10] = byte(len(e.Name))
	buf[11] = byte(e.FileType)
	copy(buf[entryHeaderSize:], e.Name)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// entryHoleSize is the free space a live-or-deleted entry is wasting:
// for a deleted entry (Inode == 0) that is its whole RecLen; for a live
// entry it is whatever padding sits between the name's minimum footprint
// and the entry's actual rec_len (the same packing ext2/ext4-style
// directories use).
func entryHoleSize(e Entry) uint16 {
	if e.Inode == 0 {
		return e.RecLen
	}
	used := recLenForName(len(e.Name))
	if e.RecLen > used {
		return e.RecLen - used
	}
	return 0
}

// largestFreeRecLen scans an entry list and returns the size of its
// largest reclaimable hole, the value cached in a directory block
// trailer's FreeRecLen (spec.md §4.7).
func largestFreeRecLen(buf []byte, entrySpace int) uint16 {
	var largest uint16
	offset := 0
	for offset < entrySpace {
		e := decodeEntry(buf[offset:])
		if e.RecLen < minRecLen {
			break
		}
		if h := entryHoleSize(e); h > largest {
			largest = h
		}
		offset += int(e.RecLen)
	}
	return largest
}

// InsertEntry finds a record in buf (entries occupying [0, entrySpace))
// with enough hole space for name, splits it, and writes the new live
// entry. It returns false if no record has room.
func InsertEntry(buf []byte, entrySpace int, ino uint64, fileType FileType, name string) bool {
	need := recLenForName(len(name))
	offset := 0
	for offset < entrySpace {
		e := decodeEntry(buf[offset:])
		if e.RecLen < minRecLen || offset+int(e.RecLen) > entrySpace {
			return false
		}

		if entryHoleSize(e) >= need {
			if e.Inode == 0 {
				leftover := e.RecLen - need
				encodeEntry(Entry{Inode: ino, RecLen: need, FileType: fileType, Name: name}, buf[offset:])
				if leftover > 0 {
					encodeEntry(Entry{RecLen: leftover}, buf[offset+int(need):])
				}
			} else {
				used := recLenForName(len(e.Name))
				tail := e.RecLen - used
				e.RecLen = used
				encodeEntry(e, buf[offset:])
				encodeEntry(Entry{Inode: ino, RecLen: tail, FileType: fileType, Name: name}, buf[offset+int(used):])
			}
			return true
		}
		offset += int(e.RecLen)
	}
	return false
}

// RemoveEntry marks the live entry named name as free (inode zeroed;
// rec_len kept so the hole is reclaimable by a later InsertEntry). It
// returns false if no live entry with that name exists in [0, entrySpace).
func RemoveEntry(buf []byte, entrySpace int, name string) bool {
	offset := 0
	for offset < entrySpace {
		e := decodeEntry(buf[offset:])
		if e.RecLen < minRecLen || offset+int(e.RecLen) > entrySpace {
			return false
		}
		if e.Inode != 0 && e.Name == name {
			encodeEntry(Entry{RecLen: e.RecLen}, buf[offset:])
			return true
		}
		offset += int(e.RecLen)
	}
	return false
}

// Lookup returns the live entry named name in [0, entrySpace), if any.
func Lookup(buf []byte, entrySpace int, name string) (Entry, bool) {
	offset := 0
	for offset < entrySpace {
		e := decodeEntry(buf[offset:])
		if e.RecLen < minRecLen || offset+int(e.RecLen) > entrySpace {
			return Entry{}, false
		}
		if e.Inode != 0 && e.Name == name {
			return e, true
		}
		offset += int(e.RecLen)
	}
	return Entry{}, false
}

// InitBlock resets buf[:entrySpace] to a single free entry spanning the
// whole space, as a freshly allocated directory block (or a freshly
// promoted inline area) starts out.
func InitBlock(buf []byte, entrySpace int) {
	encodeEntry(Entry{RecLen: uint16(entrySpace)}, buf[:entrySpace])
}
