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
	"io"

	"github.com/markfasheh/ocfs2/alloc"
	"github.com/markfasheh/ocfs2/dir"
	"github.com/markfasheh/ocfs2/dx"
	"github.com/markfasheh/ocfs2/extent"
	"github.com/markfasheh/ocfs2/image"
	"github.com/markfasheh/ocfs2/inode"
	"github.com/markfasheh/ocfs2/internal/bitmap"
	"github.com/markfasheh/ocfs2/internal/blockio"
)

// channelReaderAt adapts a Channel's block-indexed reads to the
// io.ReaderAt image.WritePacked/WriteRaw copy from; both only ever read
// one full block at its native, block-aligned byte offset.
type channelReaderAt struct{ ch *blockio.Channel }

func (c channelReaderAt) ReadAt(p []byte, off int64) (int, error) {
	bs := int64(c.ch.GetBlockSize())
	if off%bs != 0 {
		return 0, fmt.Errorf("image pack: unaligned read at offset %d", off)
	}
	if err := c.ch.ReadBlocks(uint64(off/bs), len(p)/int(bs), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// featureCompatBackupSB is OCFS2_FEATURE_COMPAT_BACKUP_SB: when set, the
// volume carries backup superblocks at the fixed offsets
// backupSuperblockOffsets computes.
const featureCompatBackupSB = 0x0001

// modeTypeMask/modeDir isolate S_IFDIR out of a dinode's raw i_mode, the
// same test original_source/o2image/o2image.c's traverse_inode makes via
// S_ISDIR.
const (
	modeTypeMask = 0o170000
	modeDir      = 0o040000
)

// ProgressFunc reports image-scan progress (spec.md §5: "long operations
// ... expose per-step callbacks so a caller can drive progress
// reporting"). scanned/total are both in native filesystem blocks; total
// is the volume's full block count, not the number ultimately marked.
type ProgressFunc func(scanned, total uint64)

// backupSuperblockOffsets returns the fixed GiB-boundary block numbers a
// backup superblock may occupy (spec.md §6: "up to six fixed byte offsets
// (1 GiB, 4 GiB, 16 GiB, …)"), limited to those that fit within the
// volume.
func backupSuperblockOffsets(blockSize int, fsBlockCount uint64) []uint64 {
	gib := [...]uint64{1, 4, 16, 64, 256, 1024}
	volBytes := fsBlockCount * uint64(blockSize)

	var out []uint64
	for _, g := range gib {
		off := g << 30
		if off >= volBytes {
			break
		}
		out = append(out, off/uint64(blockSize))
	}
	return out
}

// packScanner holds the mutable state a single Pack/PackRaw scan thread
// through the recursive mark* helpers below.
type packScanner struct {
	h        *Handle
	bm       *image.Bitmap
	seen     map[uint64]bool
	progress ProgressFunc
	marked   uint64
	total    uint64
}

func (s *packScanner) mark(block uint64) {
	if block == 0 {
		return
	}
	s.bm.Set(block)
	s.marked++
	if s.progress != nil {
		s.progress(s.marked, s.total)
	}
}

// scanMetadata walks every category of reachable metadata spec.md §4.11
// names and returns the resulting bitmap plus the backup-superblock block
// list WritePacked/WriteRaw's caller needs for the image header.
//
// Grounded on original_source/o2image/o2image.c's
// o2image_initialize/scan_raw_disk/traverse_inode: that original drives
// the whole scan from one global-inode-allocator system file this build
// does not cache a single handle for; this walks the same ground by
// iterating each slot's own inode_alloc (recursing into every live
// dinode found) and extent_alloc (marking every block, no recursion)
// chain instead, which between them cover every dinode and raw extent
// block the original's single global enumeration would reach.
func (h *Handle) scanMetadata(progress ProgressFunc) (*image.Bitmap, []uint64, uint64, error) {
	bpc := 1
	if cs := h.sb.clusterSize(); cs > h.ch.GetBlockSize() {
		bpc = cs / h.ch.GetBlockSize()
	}
	fsBlockCount := uint64(h.sb.Clusters) * uint64(bpc)

	s := &packScanner{h: h, bm: image.NewBitmap(fsBlockCount), seen: make(map[uint64]bool), progress: progress, total: fsBlockCount}

	var supers []uint64
	if h.sb.FeatureCompat&featureCompatBackupSB != 0 {
		supers = backupSuperblockOffsets(h.ch.GetBlockSize(), fsBlockCount)
		for _, blk := range supers {
			s.mark(blk)
		}
	}

	for blk := uint64(0); blk <= h.sb.FirstClusterGrp; blk++ {
		s.mark(blk)
	}

	// The primary superblock, root directory, and system directory are
	// volume anchors reachable from the superblock alone; on a real
	// volume they fall inside the reserved [0, FirstClusterGrp] prefix
	// already marked above, but a scan must not depend on that holding.
	s.mark(superblockBlockNumber)
	if err := s.scanDinode(h.sb.RootBlkno); err != nil {
		return nil, nil, 0, err
	}
	if err := s.scanDinode(h.sb.SystemDirBlkno); err != nil {
		return nil, nil, 0, err
	}

	sysIn, layout, err := h.systemDirLayout()
	if err != nil {
		return nil, nil, 0, err
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
		return nil, nil, 0, err
	}
	if ok {
		// The global bitmap inode's own block is captured, but its chain
		// groups are not descended here: their bits govern clusters of
		// arbitrary (non-metadata) file data, not metadata blocks, unlike
		// every other chain-alloc inode below.
		if err := s.scanChain(gbBlkno, chainMarkGroupsOnly); err != nil {
			return nil, nil, 0, err
		}
	}

	for slot := 0; slot < int(h.sb.MaxSlots); slot++ {
		if blkno, ok, err := lookup(fmt.Sprintf(inodeAllocPattern, slot)); err != nil {
			return nil, nil, 0, err
		} else if ok {
			if err := s.scanChain(blkno, chainRecurseBits); err != nil {
				return nil, nil, 0, err
			}
		}

		if blkno, ok, err := lookup(fmt.Sprintf(extentAllocPattern, slot)); err != nil {
			return nil, nil, 0, err
		} else if ok {
			if err := s.scanChain(blkno, chainMarkBits); err != nil {
				return nil, nil, 0, err
			}
		}

		// Local allocator and truncate log inodes: their own block is
		// metadata worth keeping, but their reserved-space bitmaps name no
		// further blocks worth descending into (original_source's
		// mark_localalloc_bits/mark_dealloc_bits are themselves no-ops).
		if blkno, ok, err := lookup(fmt.Sprintf(localAllocPattern, slot)); err != nil {
			return nil, nil, 0, err
		} else if ok {
			if err := s.scanDinode(blkno); err != nil {
				return nil, nil, 0, err
			}
		}
		if blkno, ok, err := lookup(fmt.Sprintf(truncateLogPattern, slot)); err != nil {
			return nil, nil, 0, err
		} else if ok {
			if err := s.scanDinode(blkno); err != nil {
				return nil, nil, 0, err
			}
		}
	}

	return s.bm, supers, fsBlockCount, nil
}

type chainScanMode int

const (
	// chainMarkGroupsOnly marks each chain's group descriptor blocks and
	// nothing else (the global bitmap: its bits govern clusters, not
	// metadata blocks).
	chainMarkGroupsOnly chainScanMode = iota
	// chainMarkBits marks every block a chain's groups govern, without
	// interpreting any of them as a dinode (extent_alloc: bits are raw
	// extent-block-sized metadata blocks).
	chainMarkBits
	// chainRecurseBits marks every block a chain's groups govern and, for
	// every bit recorded as allocated, recurses into that block as a
	// dinode (inode_alloc: bits are dinode-sized metadata blocks).
	chainRecurseBits
)

// scanChain walks blkno's chain list (a FlagChain dinode: global_bitmap,
// or a slot's inode_alloc/extent_alloc), per mode.
func (s *packScanner) scanChain(blkno uint64, mode chainScanMode) error {
	s.mark(blkno)

	buf := make([]byte, s.h.ch.GetBlockSize())
	if err := s.h.ch.ReadBlocks(blkno, 1, buf); err != nil {
		return err
	}
	_, list, err := readAllocatorInode(buf, blkno)
	if err != nil {
		return err
	}

	groups := alloc.NewDiskGroupStore(s.h.ch, nil, 1)
	for _, chain := range list.Chains {
		g := chain.HeadGroup
		for g != 0 {
			s.mark(g)
			grp, err := groups.ReadGroup(g)
			if err != nil {
				return err
			}

			if mode != chainMarkGroupsOnly {
				gb := bitmap.New(grp.Bitmap)
				for i := 0; i < int(grp.Bits); i++ {
					blk := grp.BlockAt(i)
					s.mark(blk)
					if mode == chainRecurseBits && gb.Test(i) {
						if err := s.scanDinode(blk); err != nil {
							return err
						}
					}
				}
			}

			g = grp.NextGroup
		}
	}
	return nil
}

// scanDinode marks blkno and, for a directory, a system file, or an
// inode carrying inline xattrs, descends into its extent tree (and dx
// root, for an indexed directory). A plain file's own block is marked
// and nothing further is read, per spec.md §4.11's "but not for plain
// files". Grounded 1:1 on original_source/o2image/o2image.c's
// traverse_inode.
func (s *packScanner) scanDinode(blkno uint64) error {
	s.mark(blkno)
	if s.seen[blkno] {
		return nil
	}
	s.seen[blkno] = true

	buf := make([]byte, s.h.ch.GetBlockSize())
	if err := s.h.ch.ReadBlocks(blkno, 1, buf); err != nil {
		return err
	}
	in, err := inode.Read(buf, blkno)
	if err != nil {
		return err
	}

	// Chain/local-alloc/dealloc inodes reached this way (a quota or
	// system chain allocator nested oddly under another allocator) carry
	// no id2.i_list to descend into; their own content is handled by the
	// dedicated scanChain path or is a deliberate no-op (local alloc,
	// truncate log) above.
	if in.Flags&(inode.FlagChain|inode.FlagLocalAlloc|inode.FlagDealloc|inode.FlagSuperBlock) != 0 {
		return nil
	}

	isDir := in.Mode&modeTypeMask == modeDir
	isSystem := in.Flags&inode.FlagSystem != 0
	hasXattr := in.DynFeatures&inode.DynInlineXattr != 0
	if !isDir && !isSystem && !hasXattr {
		return nil
	}

	if isDir && in.DynFeatures&inode.DynIndexedDir != 0 && in.DxRoot != 0 {
		if err := s.markDxRoot(in.DxRoot); err != nil {
			// Best-effort: original_source only hard-fails here when the
			// superblock's own indexed-dir feature bit is set, and wants to
			// recover as much of a corrupted index as it can otherwise.
			s.h.log.Warnf("image pack: dx root %d unreadable: %v", in.DxRoot, err)
		}
	}

	if in.DynFeatures&inode.DynInlineData != 0 {
		return nil
	}

	bpc := 1
	if cs := s.h.sb.clusterSize(); cs > s.h.ch.GetBlockSize() {
		bpc = cs / s.h.ch.GetBlockSize()
	}
	return s.markExtentList(&in.List, bpc)
}

// markExtentList marks every block a generic extent list reaches: each
// record's own block (an interior extent block's pointer, or a leaf's
// first data block), descending into interior extent blocks and marking
// every block of a leaf's clusters. Grounded on
// original_source/o2image/o2image.c's traverse_extents.
func (s *packScanner) markExtentList(list *extent.List, bpc int) error {
	store := &inode.Store{Ch: s.h.ch}
	for i := 0; i < int(list.Count); i++ {
		r := list.Records[i]
		s.mark(r.Blkno)
		if list.TreeDepth > 0 {
			child, err := store.ReadExtentBlock(r.Blkno)
			if err != nil {
				return err
			}
			if err := s.markExtentList(&child.List, bpc); err != nil {
				return err
			}
			continue
		}
		for j := uint32(0); j < r.Clusters*uint32(bpc); j++ {
			s.mark(r.Blkno + uint64(j))
		}
	}
	return nil
}

// markDxRoot marks a directory's dx_root block and, recursively, its own
// index tree's interior blocks; a dx_leaf record's block is a single
// fixed-size leaf (not a cluster range), unlike a generic extent list's
// leaf records, so depth-0 records here are marked once rather than
// expanded by cluster count.
func (s *packScanner) markDxRoot(blkno uint64) error {
	s.mark(blkno)
	root, err := dx.ReadRoot(s.h.ch, blkno)
	if err != nil {
		return err
	}
	return s.markDxList(&root.List)
}

func (s *packScanner) markDxList(list *extent.List) error {
	store := &dx.Store{Ch: s.h.ch}
	for i := 0; i < int(list.Count); i++ {
		r := list.Records[i]
		s.mark(r.Blkno)
		if list.TreeDepth == 0 {
			continue // a dx_leaf block, not a further extent block
		}
		child, err := store.ReadExtentBlock(r.Blkno)
		if err != nil {
			return err
		}
		if err := s.markDxList(&child.List); err != nil {
			return err
		}
	}
	return nil
}

// Pack scans every reachable metadata block (spec.md §4.11) and emits a
// packed image to dst: a header block, every marked block in ascending
// native order, then the captured bitmap's own blocks.
func (h *Handle) Pack(dst io.Writer, timestamp uint32, progress ProgressFunc) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	bm, supers, fsBlockCount, err := h.scanMetadata(progress)
	if err != nil {
		return err
	}
	return image.WritePacked(dst, channelReaderAt{h.ch}, h.ch.GetBlockSize(), fsBlockCount, bm, supers, timestamp)
}

// PackRaw scans every reachable metadata block and writes a sparse raw
// image to dst: each marked block at its own native byte offset,
// everything else left a hole.
func (h *Handle) PackRaw(dst io.WriterAt, progress ProgressFunc) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	bm, _, fsBlockCount, err := h.scanMetadata(progress)
	if err != nil {
		return err
	}
	return image.WriteRaw(dst, channelReaderAt{h.ch}, h.ch.GetBlockSize(), fsBlockCount, bm)
}

// OpenImage mounts a previously packed image (spec.md §4.11's "Unpack
// (install/read)"): src is wrapped in an image.File, which implements the
// same io.ReaderAt/io.WriterAt shape a live backend does, so the regular
// Open probing path mounts it unchanged. Per spec.md §4.11, the
// superblock actually validated is the last entry in the header's own
// backup-superblock list rather than assuming native block 2 was
// captured.
func OpenImage(src io.ReaderAt, closer io.Closer, opts ...Option) (*Handle, error) {
	f, err := image.Open(src, closer)
	if err != nil {
		return nil, err
	}
	if len(f.Header.Superblocks) > 0 {
		if err := verifyBackupSuperblock(f); err != nil {
			f.Close()
			return nil, err
		}
	}
	return Open(f, true, opts...)
}

func verifyBackupSuperblock(f *image.File) error {
	last := f.Header.Superblocks[len(f.Header.Superblocks)-1]
	buf := make([]byte, int(f.Header.FSBlockSize))
	off := int64(last) * int64(f.Header.FSBlockSize)
	if _, err := f.ReadAt(buf, off); err != nil {
		return err
	}
	if err := sbCheckLayout.Validate(buf, last); err != nil {
		return err
	}
	_, err := decodeSuperblock(buf, last)
	return err
}
