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
	"bytes"
	"fmt"
	"testing"

	"github.com/markfasheh/ocfs2/alloc"
	"github.com/markfasheh/ocfs2/dir"
	"github.com/markfasheh/ocfs2/image"
	"github.com/markfasheh/ocfs2/inode"
	"github.com/markfasheh/ocfs2/internal/blockio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildPackTestVolume extends buildTestVolume's shape with one allocated
// bit in inode_alloc's group backing a plain-file dinode, so a Pack scan
// has something concrete to mark-but-not-descend-into.
func buildPackTestVolume(t *testing.T) (*memBackend, *Handle) {
	t.Helper()

	backend := buildTestVolume(t)

	ch, err := blockio.NewChannel(backend, blockio.ReadWrite, 512)
	require.NoError(t, err)

	// buildTestVolume's superblock names block 3 as the root directory but
	// never writes it; a scan walks every inode the superblock names
	// directly, so give it a minimal empty root here.
	const entrySpace = 256
	rootDirBuf := make([]byte, entrySpace)
	dir.InitBlock(rootDirBuf, entrySpace)
	rootIn := &inode.Inode{Blkno: 3, Flags: inode.FlagValid, Mode: 0o040755, DynFeatures: inode.DynInlineData, InlineData: rootDirBuf}
	rootBuf := make([]byte, 512)
	inode.Write(rootIn, rootBuf)
	require.NoError(t, ch.WriteBlocks(3, 1, rootBuf))

	// Mark inode_alloc's first group bit (block 200, the file dinode's
	// block) allocated, and write a plain-file dinode there.
	groups := alloc.NewDiskGroupStore(ch, nil, 8)
	grp, err := groups.ReadGroup(8)
	require.NoError(t, err)
	grp.Bitmap[0] |= 1
	grp.FreeBits--
	require.NoError(t, groups.WriteGroup(grp))

	fileIn := &inode.Inode{
		Blkno:       200,
		Flags:       inode.FlagValid,
		Mode:        0o100644,
		DynFeatures: inode.DynInlineData,
		InlineData:  bytes.Repeat([]byte{0x42}, 256),
	}
	buf := make([]byte, 512)
	inode.Write(fileIn, buf)
	require.NoError(t, ch.WriteBlocks(200, 1, buf))

	require.NoError(t, ch.Close())

	h, err := Open(backend, true)
	require.NoError(t, err)
	return backend, h
}

// TestScanMetadataCoversSystemAndUserBlocks exercises Review Comment 1's
// required scan: the system directory, its global_bitmap/inode_alloc/
// extent_alloc chains and their groups, and a live user file's own block
// must all be marked; a plain file must not be descended into further.
func TestScanMetadataCoversSystemAndUserBlocks(t *testing.T) {
	_, h := buildPackTestVolume(t)
	defer h.Close()

	bm, _, fsBlockCount, err := h.scanMetadata(nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(128), fsBlockCount)

	for _, blk := range []uint64{2, 3, 4, 5, 6, 7, 8, 9, 10, 200} {
		assert.True(t, bm.Test(blk), "expected block %d marked", blk)
	}
}

// TestScanMetadataGlobalBitmapChainNotDescended confirms the global
// bitmap inode's own chain groups are marked, but bit 0 of its group is
// never interpreted as a dinode (spec.md §4.11: "without descending its
// chains").
func TestScanMetadataGlobalBitmapChainNotDescended(t *testing.T) {
	_, h := buildPackTestVolume(t)
	defer h.Close()

	bm, _, _, err := h.scanMetadata(nil)
	require.NoError(t, err)

	// The global bitmap inode's own block and its group descriptor block
	// are captured, but block 100 -- the first block bit 0 of that group
	// governs -- is cluster-bitmap content, not metadata, and must not be
	// marked.
	assert.True(t, bm.Test(5), "global_bitmap inode block")
	assert.True(t, bm.Test(6), "global_bitmap's group descriptor block")
	assert.False(t, bm.Test(100), "global_bitmap's governed clusters must not be marked")
}

// TestPackProducesReadableImage round-trips a packed image through
// OpenImage, checking the result mounts and exposes the same system
// directory contents the source volume did.
func TestPackProducesReadableImage(t *testing.T) {
	_, h := buildPackTestVolume(t)

	var out bytes.Buffer
	require.NoError(t, h.Pack(&out, 1234, nil))
	require.NoError(t, h.Close())

	f, err := image.Open(bytes.NewReader(out.Bytes()), nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(1234), f.Header.Timestamp)

	ch, err := blockio.NewChannel(f, blockio.ReadOnly, 512)
	require.NoError(t, err)
	defer ch.Close()

	buf := make([]byte, 512)
	require.NoError(t, ch.ReadBlocks(4, 1, buf))
	sysIn, err := inode.Read(buf, 4)
	require.NoError(t, err)

	tree := dir.Layout{Ch: ch, BlockSize: 512, ClusterSize: 4096}
	e, ok, err := dir.Find(sysIn, tree, fmt.Sprintf(inodeAllocPattern, 0))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(7), e.Inode)
}

// TestBackupSuperblockOffsetsBounded ensures the fixed GiB candidate
// offsets are trimmed to what actually fits inside a small volume.
func TestBackupSuperblockOffsetsBounded(t *testing.T) {
	offs := backupSuperblockOffsets(512, 16)
	assert.Empty(t, offs, "a 16-block volume is far smaller than 1 GiB")

	offs = backupSuperblockOffsets(4096, 2<<30) // 8 TiB volume
	assert.Equal(t, []uint64{1 << 30 / 4096, 4 << 30 / 4096, 16 << 30 / 4096, 64 << 30 / 4096, 256 << 30 / 4096, 1 << 40 / 4096}, offs)
}
