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

// Package image implements the o2image pack/unpack format (spec.md
// §4.11): a header identifying a packed or raw metadata snapshot, a
// bitmap marking which filesystem blocks were captured, and a File
// reader that lets the typed I/O layer address a packed image exactly
// like a live volume. Grounded on
// original_source/libocfs2/image.c and include/ocfs2/image.h, and on
// o2image/o2image.c for the writer-side scan order.
package image

import (
	"github.com/markfasheh/ocfs2/internal/blockio"
	"github.com/markfasheh/ocfs2/internal/ocerr"
)

const (
	headerMagic   = 0x72a3d45f
	headerDesc    = "OCFS2 IMAGE"
	// headerVersion is the version written; maxHeaderVersion is the
	// highest accepted on read. Both are 1, the only image header version
	// this module's original defines (OCFS2_IMAGE_VERSION = 1).
	headerVersion  = 1
	maxHeaderVersion = 1

	// maxBackupSuperblocks is OCFS2_MAX_BACKUP_SUPERBLOCKS.
	maxBackupSuperblocks = 6
)

// Header is the packed/raw image's leading block: original_source's
// struct ocfs2_image_hdr.
type Header struct {
	Timestamp     uint32
	Version       uint64
	FSBlockCount  uint64
	FSBlockSize   uint64
	ImgBlockCount uint64
	BitmapBlockSize uint64
	Superblocks   []uint64 // backup superblock native block numbers, already translated to image-relative indices on write
}

func encodeHeader(h Header, buf []byte) {
	le := blockio.LE
	le.PutUint32(buf[0:], headerMagic)
	le.PutUint32(buf[4:], h.Timestamp)
	copy(buf[8:24], headerDesc)
	le.PutUint64(buf[24:], h.Version)
	le.PutUint64(buf[32:], h.FSBlockCount)
	le.PutUint64(buf[40:], h.FSBlockSize)
	le.PutUint64(buf[48:], h.ImgBlockCount)
	le.PutUint64(buf[56:], h.BitmapBlockSize)
	le.PutUint64(buf[64:], uint64(len(h.Superblocks)))
	off := 72
	for _, blk := range h.Superblocks {
		le.PutUint64(buf[off:], blk)
		off += 8
	}
}

func decodeHeader(buf []byte) (Header, error) {
	le := blockio.LE
	if le.Uint32(buf[0:]) != headerMagic {
		return Header{}, ocerr.Wrap(ocerr.BadMagic, 0, nil)
	}
	if string(buf[8:19]) != headerDesc {
		return Header{}, ocerr.Wrap(ocerr.BadMagic, 0, nil)
	}
	h := Header{
		Timestamp:       le.Uint32(buf[4:]),
		Version:         le.Uint64(buf[24:]),
		FSBlockCount:    le.Uint64(buf[32:]),
		FSBlockSize:     le.Uint64(buf[40:]),
		ImgBlockCount:   le.Uint64(buf[48:]),
		BitmapBlockSize: le.Uint64(buf[56:]),
	}
	if h.Version > maxHeaderVersion {
		return Header{}, ocerr.Wrap(ocerr.UnsupportedFeature, 0, nil)
	}
	n := le.Uint64(buf[64:])
	if n > maxBackupSuperblocks {
		return Header{}, ocerr.Wrap(ocerr.CorruptedBlock, 0, nil)
	}
	off := 72
	for i := uint64(0); i < n; i++ {
		h.Superblocks = append(h.Superblocks, le.Uint64(buf[off:]))
		off += 8
	}
	return h, nil
}
