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

// Package extent implements the generic extent-tree engine spec.md §4.6
// describes: a bounded-depth B+-tree keyed by logical cluster position,
// reused by inodes, refcount trees, directory indices, and xattr value
// roots through the Root interface below.
//
// Grounded on spec.md §9's redesign note ("the intended systems-language
// expression is a small trait/interface ... instantiated per root kind")
// and on the ext4 extent-tree interface shape in
// other_examples/27c1fa21_diskfs-go-diskfs__filesystem-ext4-extent.go.go
// (extentBlockFinder), adapted from ext4's file-block tree to OCFS2's
// cpos-keyed cluster tree with up-pointer validation and a bounded depth.
package extent

// MaxTreeDepth bounds extent-tree depth per spec.md §9 ("Unbounded
// recursion ... the spec bounds tree depth at 5").
const MaxTreeDepth = 5

// Flags on a data extent record.
type Flags uint8

const (
	FlagUnwritten Flags = 1 << iota
	FlagRefcounted
)

// Record is a single entry in an extent list. At depth 0 it is a data
// extent (Cpos, Clusters, Blkno, Flags); at depth > 0 it is an index
// record pointing at a child extent block (Cpos, Clusters is the leaf
// cluster count under it, Blkno is the child's block number).
type Record struct {
	Cpos     uint32
	Clusters uint32
	Blkno    uint64
	Flags    Flags
}

// Present reports whether r maps any clusters. It does not look at tree
// depth; it only distinguishes a live record from the zero-cluster sentinel spec.md §4.6 describes ("a depth-0 list whose
// last record has zero clusters is treated as 'not present'").
func (r Record) Present() bool { return r.Clusters != 0 }

// End returns the logical cluster position one past r's range.
func (r Record) End() uint32 { return r.Cpos + r.Clusters }

// List is an in-memory view of an on-disk extent_list: a tree depth and
// the occupied prefix of Records (l_next_free_rec). Records is always
// allocated to the list's full on-disk capacity (l_count); len(Records)
// is that capacity, and only Records[:Count] is meaningful.
type List struct {
	TreeDepth uint16
	Count     uint16 // occupied record count (l_next_free_rec)
	Records   []Record
}

// Root is the operations-vtable spec.md §4.6 and §9 describe, implemented
// once per root kind: inode.ExtentRoot, refcount.ExtentRoot, dx.ExtentRoot,
// xattr.ExtentRoot.
type Root interface {
	// GetLastLeaf/SetLastLeaf cache the block number of the rightmost leaf,
	// used to speed up append-mostly insertion.
	GetLastLeaf() uint64
	SetLastLeaf(blkno uint64)

	// ClusterCount/SetClusterCount track the root's total mapped cluster
	// count, checked against the sum of leaf record lengths (spec.md §8
	// property 5).
	ClusterCount() uint32
	SetClusterCount(n uint32)

	// RootList yields the address of the embedded extent_list living
	// inside the root's own block (the inode, refcount block, dx root, or
	// xattr value header).
	RootList() *List

	// MaxLeafClusters caps the cluster span of a single leaf record; zero
	// means unlimited.
	MaxLeafClusters() uint32

	// InsertCheck/SanityCheck validate a pending insertion / a freshly
	// loaded list against root-kind-specific constraints (e.g. inode
	// roots reject any insert while the inode carries inline data).
	InsertCheck(rec Record) error
	SanityCheck(list *List) error

	// Contig tests whether two adjacent records should be merged. The
	// default (DefaultContig) tests cpos adjacency, identical blkno
	// adjacency, and identical flags; root kinds with extra invariants
	// (e.g. refcount value equality) override it.
	Contig(left, right Record) bool
}

// DefaultContig implements spec.md §4.6's default contiguity predicate:
// "tests cpos adjacency, identical blkno adjacency, and identical flags".
func DefaultContig(left, right Record) bool {
	if left.End() != right.Cpos {
		return false
	}
	if left.Flags != right.Flags {
		return false
	}
	if left.Blkno != 0 && right.Blkno != 0 && left.Blkno+uint64(left.Clusters) != right.Blkno {
		return false
	}
	return true
}
