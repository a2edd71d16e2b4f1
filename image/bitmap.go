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

package image

import "math/bits"

// bitmapBlockSize is OCFS2_IMAGE_BITMAP_BLOCKSIZE: the bitmap is itself
// stored as an array of fixed 4096-byte blocks regardless of the imaged
// filesystem's own block size.
const bitmapBlockSize = 4096

// bitsPerBitmapBlock is OCFS2_IMAGE_BITS_IN_BLOCK.
const bitsPerBitmapBlock = bitmapBlockSize * 8

// Bitmap marks which of a volume's fsBlockCount blocks were captured into
// an image, one bit per filesystem block. It also keeps, per bitmap block,
// a running count of bits set in every earlier bitmap block
// (original_source's arr_set_bit_cnt) so a set bit's position can be
// translated directly into its rank among set bits -- the index the
// image's packed block stream actually uses. Grounded on
// original_source/libocfs2/image.c's ocfs2_image_alloc_bitmap /
// ocfs2_image_mark_bitmap / ocfs2_image_get_blockno.
type Bitmap struct {
	fsBlockCount uint64
	blocks       [][]byte // each bitmapBlockSize bytes
	setBefore    []uint64 // setBefore[i]: bits set in blocks[0..i), recomputed lazily
	dirty        bool
}

// NewBitmap allocates an all-clear bitmap covering fsBlockCount blocks.
func NewBitmap(fsBlockCount uint64) *Bitmap {
	nBlocks := (fsBlockCount + bitsPerBitmapBlock - 1) / bitsPerBitmapBlock
	if nBlocks == 0 {
		nBlocks = 1
	}
	blocks := make([][]byte, nBlocks)
	for i := range blocks {
		blocks[i] = make([]byte, bitmapBlockSize)
	}
	return &Bitmap{fsBlockCount: fsBlockCount, blocks: blocks}
}

// LoadBitmap reconstructs a Bitmap from its on-disk blocks (the tail of a
// packed image), as ocfs2_image_load_bitmap does when opening one for
// reading.
func LoadBitmap(fsBlockCount uint64, blocks [][]byte) *Bitmap {
	b := &Bitmap{fsBlockCount: fsBlockCount, blocks: blocks}
	b.reindex()
	return b
}

func (b *Bitmap) reindex() {
	b.setBefore = make([]uint64, len(b.blocks))
	var cum uint64
	for i, blk := range b.blocks {
		b.setBefore[i] = cum
		cum += popcount(blk)
	}
	b.dirty = false
}

func popcount(blk []byte) uint64 {
	var n uint64
	for _, by := range blk {
		n += uint64(bits.OnesCount8(by))
	}
	return n
}

// Set marks block as captured (ocfs2_image_mark_bitmap).
func (b *Bitmap) Set(block uint64) {
	blkIdx := block / bitsPerBitmapBlock
	bitIdx := block % bitsPerBitmapBlock
	b.blocks[blkIdx][bitIdx/8] |= 1 << (bitIdx % 8)
	b.dirty = true
}

// Test reports whether block was captured (ocfs2_image_test_bit).
func (b *Bitmap) Test(block uint64) bool {
	blkIdx := block / bitsPerBitmapBlock
	bitIdx := block % bitsPerBitmapBlock
	if int(blkIdx) >= len(b.blocks) {
		return false
	}
	return b.blocks[blkIdx][bitIdx/8]&(1<<(bitIdx%8)) != 0
}

// Translate returns the 0-based rank of block among all set bits at or
// before it, i.e. the position block occupies in the packed block stream
// (ocfs2_image_get_blockno). ok is false if block was never captured.
func (b *Bitmap) Translate(block uint64) (rank uint64, ok bool) {
	if b.dirty {
		b.reindex()
	}
	if !b.Test(block) {
		return 0, false
	}
	blkIdx := block / bitsPerBitmapBlock
	bitIdx := block % bitsPerBitmapBlock

	rank = b.setBefore[blkIdx]
	blk := b.blocks[blkIdx]
	fullBytes := bitIdx / 8
	rank += popcount(blk[:fullBytes])
	rank += uint64(bits.OnesCount8(blk[fullBytes] & ((1 << (bitIdx % 8)) - 1)))
	return rank, true
}

// Blocks returns the bitmap's own serialized blocks, in order, for
// appending to a packed image.
func (b *Bitmap) Blocks() [][]byte { return b.blocks }
