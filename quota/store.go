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

package quota

// BlockStore addresses a quota file by its own 0-based block index
// (original_source/quota.c's read_blk/write_blk operate the same way,
// through ocfs2_file_read/write at blk*blocksize) rather than by
// filesystem block number, so a quota engine never needs to know how its
// file's blocks map onto the volume -- that translation belongs to
// whatever extends the backing inode's extent tree (spec.md §4.7),
// mirrored here as a narrow seam rather than re-deriving a general
// byte-offset file reader this module has no other caller for.
type BlockStore interface {
	BlockSize() int
	BlockCount() uint32

	ReadBlock(idx uint32, buf []byte) error
	WriteBlock(idx uint32, buf []byte) error

	// Extend grows the file by one block, returning its new index.
	Extend() (uint32, error)
}
