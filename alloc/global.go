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

package alloc

import (
	"fmt"

	"github.com/markfasheh/ocfs2/internal/bitmap"
	"github.com/markfasheh/ocfs2/internal/ocerr"
)

// GlobalBitmapStore is what GlobalBitmapAllocator needs from the owning
// allocator inode: its descriptor bitmap, plus persistence.
type GlobalBitmapStore interface {
	// Bitmap returns the live bitmap buffer (total_clusters bits) backing
	// the global allocator inode.
	Bitmap() []byte
	TotalClusters() uint32
	// Flush persists the bitmap and free-cluster counters back to the
	// descriptor inode, in that order (spec.md §5: "bitmap first, then
	// descriptor").
	Flush(freeClusters uint32) error
}

// GlobalBitmapAllocator implements spec.md §4.5's global cluster bitmap:
// NewClusters/FreeClusters over a single flat bitmap, grounded on the
// teacher's allocateCluster append-at-end-of-file pattern (cluster.go),
// generalized here to search for a clear run instead of always appending.
type GlobalBitmapAllocator struct {
	store GlobalBitmapStore
	free  uint32
}

// NewGlobalBitmapAllocator wraps store, with the currently known free
// count (read once from the descriptor inode at open).
func NewGlobalBitmapAllocator(store GlobalBitmapStore, free uint32) *GlobalBitmapAllocator {
	return &GlobalBitmapAllocator{store: store, free: free}
}

// NewClusters locates a clear run of wantMax clusters; if unavailable, the
// largest run >= wantMin. It atomically sets the bits, updates the free
// count, and returns (firstCluster, count).
func (a *GlobalBitmapAllocator) NewClusters(wantMin, wantMax uint32) (first uint64, count uint32, err error) {
	if wantMin == 0 || wantMax < wantMin {
		return 0, 0, ocerr.Wrap(ocerr.InvalidArgument, 0, fmt.Errorf("invalid cluster request min=%d max=%d", wantMin, wantMax))
	}

	bm := bitmap.New(a.store.Bitmap())

	at := bm.FindNConsecutiveClear(0, int(wantMax))
	n := wantMax
	if at < 0 {
		var length int
		at, length = bm.FindLargestConsecutiveClear(0, int(wantMax))
		if at < 0 || uint32(length) < wantMin {
			return 0, 0, ocerr.Wrap(ocerr.NoSpaceOnDevice, 0,
				fmt.Errorf("no run of >= %d clusters available", wantMin))
		}
		n = uint32(length)
	}

	bm.SetRange(at, int(n))
	a.free -= n

	if err := a.store.Flush(a.free); err != nil {
		// Reconcile on failure: the bitmap write and the counter write are
		// not atomic across a crash (spec.md §5); restore the in-memory
		// bitmap so a caller that retries does not double-allocate.
		bm.ClearRange(at, int(n))
		a.free += n
		return 0, 0, err
	}

	return uint64(at), n, nil
}

// FreeClusters clears count bits starting at firstCluster.
func (a *GlobalBitmapAllocator) FreeClusters(firstCluster uint64, count uint32) error {
	bm := bitmap.New(a.store.Bitmap())

	bm.ClearRange(int(firstCluster), int(count))
	a.free += count

	if err := a.store.Flush(a.free); err != nil {
		bm.SetRange(int(firstCluster), int(count))
		a.free -= count
		return err
	}
	return nil
}

// Free returns the allocator's currently known free-cluster count.
func (a *GlobalBitmapAllocator) Free() uint32 { return a.free }
