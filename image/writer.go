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

import "io"

// WritePacked serializes marked's captured blocks into the packed image
// layout: a header block, every marked block in ascending native block
// order, then the bitmap's own blocks. Grounded on
// original_source/o2image/o2image.c's write_image_file.
func WritePacked(dst io.Writer, src io.ReaderAt, blockSize int, fsBlockCount uint64, marked *Bitmap, superblocks []uint64, timestamp uint32) error {
	var imgBlockCount uint64
	for blk := uint64(0); blk < fsBlockCount; blk++ {
		if marked.Test(blk) {
			imgBlockCount++
		}
	}

	header := Header{
		Timestamp:       timestamp,
		Version:         headerVersion,
		FSBlockCount:    fsBlockCount,
		FSBlockSize:     uint64(blockSize),
		ImgBlockCount:   imgBlockCount,
		BitmapBlockSize: bitmapBlockSize,
		Superblocks:     superblocks,
	}
	hdrBuf := make([]byte, blockSize)
	encodeHeader(header, hdrBuf)
	if _, err := dst.Write(hdrBuf); err != nil {
		return err
	}

	buf := make([]byte, blockSize)
	for blk := uint64(0); blk < fsBlockCount; blk++ {
		if !marked.Test(blk) {
			continue
		}
		if _, err := src.ReadAt(buf, int64(blk)*int64(blockSize)); err != nil {
			return err
		}
		if _, err := dst.Write(buf); err != nil {
			return err
		}
	}

	for _, bmBlk := range marked.Blocks() {
		if _, err := dst.Write(bmBlk); err != nil {
			return err
		}
	}
	return nil
}

// WriteRaw writes every marked block to dst at its own native byte offset,
// leaving everything else as a sparse hole. Grounded on
// original_source/o2image/o2image.c's write_raw_image_file / raw_write.
func WriteRaw(dst io.WriterAt, src io.ReaderAt, blockSize int, fsBlockCount uint64, marked *Bitmap) error {
	buf := make([]byte, blockSize)
	for blk := uint64(0); blk < fsBlockCount; blk++ {
		if !marked.Test(blk) {
			continue
		}
		off := int64(blk) * int64(blockSize)
		if _, err := src.ReadAt(buf, off); err != nil {
			return err
		}
		if _, err := dst.WriteAt(buf, off); err != nil {
			return err
		}
	}
	return nil
}
