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

// Install restores a packed image's captured blocks onto dst at each
// block's original native offset -- the inverse of WritePacked, used by
// a restore ("install") rather than a mount. Grounded on
// original_source/o2image/o2image.c's write_raw_image_file, called there
// against an ofs already opened against the image file.
func Install(dst io.WriterAt, src io.ReaderAt, closer io.Closer) error {
	f, err := Open(src, closer)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, int(f.blockSize))
	for blk := uint64(0); blk < f.Header.FSBlockCount; blk++ {
		if !f.bitmap.Test(blk) {
			continue
		}
		off := blk * uint64(f.blockSize)
		if _, err := f.ReadAt(buf, int64(off)); err != nil {
			return err
		}
		if _, err := dst.WriteAt(buf, int64(off)); err != nil {
			return err
		}
	}
	return nil
}
