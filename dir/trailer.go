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

package dir

import "github.com/markfasheh/ocfs2/internal/blockio"

// TrailerSize is the fixed tail reservation a directory data block
// carries when the trailer feature is on (spec.md §4.7).
const TrailerSize = 64

const trailerSignature = "DIRTRL1"

// TrailerOffset is the byte offset of the trailer within a block of the
// given size.
func TrailerOffset(blockSize int) int { return blockSize - TrailerSize }

func trailerCheckLayout(blockSize int) blockio.CheckFieldLayout {
	return blockio.CheckFieldLayout{Offset: TrailerOffset(blockSize) + 8}
}

// Trailer is the per-block directory trailer spec.md §4.7 describes: a
// block checksum (db_check, covering the whole block, not just the
// trailer bytes), the owning inode, the cached length of the block's
// largest free record, and a link through db_free_next chaining
// directory blocks that still have spare room.
type Trailer struct {
	ParentDinode uint64
	FreeRecLen   uint32
	FreeNext     uint64
}

// ReadTrailer validates and decodes the trailer at the tail of buf, a
// full block-sized buffer.
func ReadTrailer(buf []byte, blockSize int, blkno uint64) (Trailer, error) {
	off := TrailerOffset(blockSize)
	tb := buf[off:]

	if err := blockio.CheckSignature(tb, trailerSignature, blkno); err != nil {
		return Trailer{}, err
	}
	if err := trailerCheckLayout(blockSize).Validate(buf, blkno); err != nil {
		return Trailer{}, err
	}

	le := blockio.LE
	return Trailer{
		ParentDinode: le.Uint64(tb[20:]),
		FreeRecLen:   le.Uint32(tb[28:]),
		FreeNext:     le.Uint64(tb[32:]),
	}, nil
}

// WriteTrailer encodes t into the tail of buf and re-stamps the whole
// block's check field, per spec.md §4.7: "re-stamped on any write".
func WriteTrailer(buf []byte, blockSize int, t Trailer) {
	off := TrailerOffset(blockSize)
	tb := buf[off:]

	copy(tb[0:8], trailerSignature)
	le := blockio.LE
	le.PutUint64(tb[20:], t.ParentDinode)
	le.PutUint32(tb[28:], t.FreeRecLen)
	le.PutUint64(tb[32:], t.FreeNext)

	trailerCheckLayout(blockSize).Stamp(buf)
}

// RefreshFreeRecLen recomputes and re-stamps FreeRecLen from buf's
// current entry list, called after any entry insert/remove in a
// trailer-bearing block.
func RefreshFreeRecLen(buf []byte, blockSize int, t Trailer) Trailer {
	t.FreeRecLen = uint32(largestFreeRecLen(buf, TrailerOffset(blockSize)))
	return t
}
