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

package ocfs2

import (
	"fmt"

	"github.com/markfasheh/ocfs2/alloc"
	"github.com/markfasheh/ocfs2/dir"
	"github.com/markfasheh/ocfs2/extent"
	"github.com/markfasheh/ocfs2/inode"
	"github.com/markfasheh/ocfs2/internal/bitmap"
	"github.com/markfasheh/ocfs2/quota"
)

// System file names, matching the well-known ocfs2_system_inodes naming
// convention (original_source/libocfs2/quota.c's
// ocfs2_sprintf_system_inode_name shows the per-slot "name:%04d" pattern;
// the bare names below are this library's unslotted system files).
const (
	globalBitmapName   = "global_bitmap"
	inodeAllocPattern  = "inode_alloc:%04d"
	extentAllocPattern = "extent_alloc:%04d"
	localAllocPattern  = "local_alloc:%04d"
	truncateLogPattern = "truncate_log:%04d"
	userQuotaName      = "aquota.user"
	groupQuotaName     = "aquota.group"
)

// systemDirLayout opens the system directory's own inode and extent tree,
// ready for dir.Find lookups by name.
func (h *Handle) systemDirLayout() (*inode.Inode, dir.Layout, error) {
	buf := make([]byte, h.ch.GetBlockSize())
	if err := h.ch.ReadBlocks(h.sb.SystemDirBlkno, 1, buf); err != nil {
		return nil, dir.Layout{}, err
	}
	sysIn, err := inode.Read(buf, h.sb.SystemDirBlkno)
	if err != nil {
		return nil, dir.Layout{}, err
	}

	tree := extent.NewTree(&inode.Store{Ch: h.ch}, &inode.ExtentRoot{In: sysIn})

	// HasTrailer is always false here: the directory-trailer incompat
	// feature bit is not in IncompatSupportedMask, so any volume carrying
	// it would already have failed Open in checkInvariants before this
	// code runs.
	layout := dir.Layout{
		Ch:          h.ch,
		Tree:        tree,
		BlockSize:   h.ch.GetBlockSize(),
		ClusterSize: h.sb.clusterSize(),
		HasTrailer:  false,
	}
	return sysIn, layout, nil
}

// readChainAllocator loads the chain-list union arm off the dinode at
// blkno and wraps it in a ChainAllocator backed by a DiskGroupStore that
// grows through h.globalAlloc.
func (h *Handle) readChainAllocator(blkno uint64) (*alloc.ChainAllocator, error) {
	buf := make([]byte, h.ch.GetBlockSize())
	if err := h.ch.ReadBlocks(blkno, 1, buf); err != nil {
		return nil, err
	}
	_, list, err := readAllocatorInode(buf, blkno)
	if err != nil {
		return nil, err
	}

	bpc := 1
	if cs := h.sb.clusterSize(); cs > h.ch.GetBlockSize() {
		bpc = cs / h.ch.GetBlockSize()
	}
	groups := alloc.NewDiskGroupStore(h.ch, h.globalAlloc, bpc)
	return alloc.NewChainAllocator(groups, list), nil
}

// loadSystemAllocators lists the system directory and populates
// h.globalAlloc, h.slotAllocCache, h.slotExtentAllocCache, and (best
// effort) h.quotaEngines, per spec.md §4.12: Open "lists the system
// directory, caches per-slot allocator inode numbers, [and] loads quota
// descriptors". Invoked once from Open after h.ch/h.sb are set.
func (h *Handle) loadSystemAllocators() error {
	sysIn, layout, err := h.systemDirLayout()
	if err != nil {
		return err
	}

	lookup := func(name string) (uint64, bool, error) {
		e, ok, err := dir.Find(sysIn, layout, name)
		if err != nil {
			return 0, false, err
		}
		return e.Inode, ok, nil
	}

	gbBlkno, ok, err := lookup(globalBitmapName)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("system directory has no %q entry", globalBitmapName)
	}
	gbStore, err := loadGlobalBitmapStore(h.ch, gbBlkno, h.sb.Clusters)
	if err != nil {
		return err
	}
	bm := bitmap.New(gbStore.Bitmap())
	free := h.sb.Clusters - uint32(bm.CountSet(0, int(h.sb.Clusters)))
	h.globalAlloc = alloc.NewGlobalBitmapAllocator(gbStore, free)

	h.slotAllocCache = make(map[int]*alloc.ChainAllocator)
	h.slotExtentAllocCache = make(map[int]*alloc.ChainAllocator)
	for slot := 0; slot < int(h.sb.MaxSlots); slot++ {
		if blkno, ok, err := lookup(fmt.Sprintf(inodeAllocPattern, slot)); err != nil {
			return err
		} else if ok {
			ca, err := h.readChainAllocator(blkno)
			if err != nil {
				return err
			}
			h.slotAllocCache[slot] = ca
		}

		if blkno, ok, err := lookup(fmt.Sprintf(extentAllocPattern, slot)); err != nil {
			return err
		} else if ok {
			ca, err := h.readChainAllocator(blkno)
			if err != nil {
				return err
			}
			h.slotExtentAllocCache[slot] = ca
		}
	}

	h.loadQuotaEngines(layout, sysIn)

	return nil
}

// loadQuotaEngines best-effort loads the global user/group quota files:
// quota is a per-volume optional feature (spec.md §4.10 Non-goals do not
// exclude reading quota state, but a volume formatted without quota
// simply has neither system file, which is not an Open failure).
func (h *Handle) loadQuotaEngines(layout dir.Layout, sysIn *inode.Inode) {
	h.quotaEngines = make(map[quota.Type]*quota.Engine)

	load := func(name string, typ quota.Type) {
		e, ok, err := dir.Find(sysIn, layout, name)
		if err != nil || !ok {
			return
		}
		extAlloc := h.slotExtentAllocCache[0]
		store, err := loadQuotaFileStore(h.ch, e.Inode, h.globalAlloc, extAlloc, h.ch.GetBlockSize(), h.sb.clusterSize())
		if err != nil {
			return
		}
		eng, err := quota.LoadGlobal(store, typ, h.sb.QuotaReservedSpace)
		if err != nil {
			return
		}
		h.quotaEngines[typ] = eng
	}

	load(userQuotaName, quota.UserQuota)
	load(groupQuotaName, quota.GroupQuota)
}

// Quota returns the loaded global quota engine for typ, if the volume
// carries that quota file.
func (h *Handle) Quota(typ quota.Type) (*quota.Engine, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.quotaEngines[typ]
	return e, ok
}

// UUIDString returns the volume UUID, pre-formatted at Open.
func (h *Handle) UUIDString() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.uuidString
}
