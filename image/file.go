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

import (
	"io"

	"github.com/markfasheh/ocfs2/internal/ocerr"
)

// File opens a packed image and presents it as a blockio.Backend: reads
// against any native block number are translated through the captured
// bitmap into the packed block stream, exactly as if the image were the
// live volume it was taken from. Grounded on
// original_source/libocfs2/image.c's ocfs2_image_get_blockno /
// ocfs2_image_test_bit, invoked from an opened-for-read-only context in
// original_source/o2image/o2image.c (packed images are never opened for
// write).
type File struct {
	src       io.ReaderAt
	closer    io.Closer
	Header    Header
	blockSize int64
	bitmap    *Bitmap
}

// Open reads and validates a packed image's header and bitmap from src,
// returning a File ready to be wrapped in a blockio.Channel. closer (may be
// nil) is invoked by Close.
func Open(src io.ReaderAt, closer io.Closer) (*File, error) {
	// The header struct itself is far smaller than any legal block size,
	// so a fixed-size probe read is enough to decode it regardless of the
	// image's own FSBlockSize.
	probe := make([]byte, 512)
	if _, err := src.ReadAt(probe, 0); err != nil {
		return nil, ocerr.Wrap(ocerr.IoError, 0, err)
	}
	hdr, err := decodeHeader(probe)
	if err != nil {
		return nil, err
	}
	if hdr.FSBlockSize == 0 {
		return nil, ocerr.Wrap(ocerr.CorruptedBlock, 0, nil)
	}

	nBitmapBlocks := (hdr.FSBlockCount + bitsPerBitmapBlock - 1) / bitsPerBitmapBlock
	if nBitmapBlocks == 0 {
		nBitmapBlocks = 1
	}
	bitmapOff := int64(hdr.FSBlockSize) + int64(hdr.ImgBlockCount)*int64(hdr.FSBlockSize)
	bitmapBlocks := make([][]byte, nBitmapBlocks)
	for i := range bitmapBlocks {
		blk := make([]byte, bitmapBlockSize)
		if _, err := src.ReadAt(blk, bitmapOff+int64(i)*bitmapBlockSize); err != nil {
			return nil, ocerr.Wrap(ocerr.IoError, 0, err)
		}
		bitmapBlocks[i] = blk
	}

	return &File{
		src:       src,
		closer:    closer,
		Header:    hdr,
		blockSize: int64(hdr.FSBlockSize),
		bitmap:    LoadBitmap(hdr.FSBlockCount, bitmapBlocks),
	}, nil
}

// ReadAt implements blockio.Backend, translating a native-volume byte
// range into its position in the packed block stream. The range must lie
// within a single marked block; a missing (never-captured) block reports
// ocerr.IoError, per spec.md §4.11's "missing blocks return IoError".
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	block := uint64(off / f.blockSize)
	rank, ok := f.bitmap.Translate(block)
	if !ok {
		return 0, ocerr.Wrap(ocerr.IoError, block, nil)
	}
	within := off % f.blockSize
	packedOff := f.blockSize + int64(rank)*f.blockSize + within
	return f.src.ReadAt(p, packedOff)
}

// WriteAt always fails: packed images are a read-only snapshot format.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	return 0, ocerr.Wrap(ocerr.ReadOnlyFilesystem, uint64(off/f.blockSize), nil)
}

func (f *File) Close() error {
	if f.closer != nil {
		return f.closer.Close()
	}
	return nil
}
