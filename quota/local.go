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

import "github.com/markfasheh/ocfs2/internal/blockio"

const localSignature = "OCFSQLOC"

// localInitBlocks is OCFS2_LOCAL_QF_INIT_BLOCKS: a per-slot local quota
// file always starts as exactly a header block and one chunk descriptor
// block (spec.md §4.10's "Local quota").
const localInitBlocks = 2

const localInfoOff = 8 // OCFS2_LOCAL_INFO_OFF: dqi_flags/dqi_chunks/dqi_blocks follow the header

// OLQF_CLEAN: no outstanding usage deltas not yet folded into the global file.
const localFlagClean = 1

// LocalInfo is the local_disk_dqinfo carried in the header block.
type LocalInfo struct {
	Flags  uint32
	Chunks uint32
	Blocks uint32
}

func encodeLocalInfo(info LocalInfo, buf []byte) {
	le := blockio.LE
	le.PutUint32(buf[localInfoOff:], info.Flags)
	le.PutUint32(buf[localInfoOff+4:], info.Chunks)
	le.PutUint32(buf[localInfoOff+8:], info.Blocks)
}

func decodeLocalInfo(buf []byte) LocalInfo {
	le := blockio.LE
	return LocalInfo{
		Flags:  le.Uint32(buf[localInfoOff:]),
		Chunks: le.Uint32(buf[localInfoOff+4:]),
		Blocks: le.Uint32(buf[localInfoOff+8:]),
	}
}

// chunkHeaderSize is sizeof(local_disk_chunk): just the free-entry count;
// the bitmap (one bit per dqblk slot the chunk can hold) is laid out
// immediately after it, per spec.md's "chunk bitmap is laid out
// immediately after the descriptor".
const chunkHeaderSize = 4

// InitLocal formats a fresh per-slot local quota file: a header block
// (magic/version + LocalInfo) and one chunk descriptor block, grounded on
// original_source/quota.c's ocfs2_init_local_quota_file. All chunk slots
// start free (the bitmap is all-zero: no usage deltas recorded yet).
func InitLocal(store BlockStore, typ Type) error {
	for store.BlockCount() < localInitBlocks {
		if _, err := store.Extend(); err != nil {
			return err
		}
	}

	header := make([]byte, store.BlockSize())
	copy(header[0:8], localSignature)
	encodeLocalInfo(LocalInfo{
		Chunks: 1,
		Blocks: localInitBlocks,
		Flags:  localFlagClean,
	}, header)
	trailerCheckLayout(store.BlockSize()).Stamp(header)
	if err := store.WriteBlock(0, header); err != nil {
		return err
	}

	// Chunk header (dqc_free) is zero: no blocks allocated for it yet, so
	// there is nothing in its bitmap to mark free -- matches the
	// original's "chunk header is all-zero and needs no initialization".
	chunk := make([]byte, store.BlockSize())
	trailerCheckLayout(store.BlockSize()).Stamp(chunk)
	return store.WriteBlock(1, chunk)
}

// ReadLocalInfo reads back a local quota file's header for inspection.
func ReadLocalInfo(store BlockStore) (LocalInfo, error) {
	buf := make([]byte, store.BlockSize())
	if err := store.ReadBlock(0, buf); err != nil {
		return LocalInfo{}, err
	}
	if err := trailerCheckLayout(store.BlockSize()).Validate(buf, 0); err != nil {
		return LocalInfo{}, err
	}
	if err := blockio.CheckSignature(buf, localSignature, 0); err != nil {
		return LocalInfo{}, err
	}
	return decodeLocalInfo(buf), nil
}
