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

	"github.com/markfasheh/ocfs2/internal/blockio"
	"github.com/markfasheh/ocfs2/internal/logging"
	"github.com/markfasheh/ocfs2/internal/ocerr"
)

// candidateBlockSizes are probed in ascending order per spec.md §4.12:
// "auto-detects block size by probing the superblock from [512, 4096]".
var candidateBlockSizes = []int{512, 1024, 2048, 4096}

// Open mounts backend as an OCFS2 volume: probes block size, reads and
// validates the superblock, lists the system directory to wire the global
// cluster bitmap allocator and each slot's inode_alloc/extent_alloc chain
// allocators, best-effort loads the global quota files, and pre-formats
// the volume UUID (spec.md §4.12). Grounded on the teacher's Open(path,
// readOnly) in qcow2.go, generalized from a fixed ClusterBits header read
// to probing across the supported block-size range and composing the
// typed I/O layer instead of a single cluster map.
func Open(backend blockio.Backend, readOnly bool, opts ...Option) (*Handle, error) {
	h := &Handle{
		log:      logging.Discard,
		readOnly: readOnly,
	}
	for _, opt := range opts {
		opt(h)
	}

	mode := blockio.ReadWrite
	if readOnly {
		mode = blockio.ReadOnly
	}

	sb, blockSize, err := probeSuperblock(backend, mode)
	if err != nil {
		return nil, err
	}

	chOpts := []blockio.Option{blockio.WithLogger(h.log)}
	if h.directIO {
		chOpts = append(chOpts, blockio.WithDirectIO())
	}
	ch, err := blockio.NewChannel(backend, mode, blockSize, chOpts...)
	if err != nil {
		return nil, err
	}

	h.ch = ch
	h.sb = sb
	h.uuidString = sb.UUIDString()

	if err := h.loadSystemAllocators(); err != nil {
		ch.Close()
		return nil, err
	}

	h.log.Debugf("opened volume: block_size=%d cluster_size=%d clusters=%d uuid=%s", blockSize, sb.clusterSize(), sb.Clusters, h.uuidString)

	return h, nil
}

// probeSuperblock tries each candidate block size in turn, reading the
// fixed superblock block index (2) at that size and attempting to decode
// it; the first size whose superblock decodes and validates wins.
func probeSuperblock(backend blockio.Backend, mode blockio.Mode) (*Superblock, int, error) {
	var lastErr error

	for _, blockSize := range candidateBlockSizes {
		ch, err := blockio.NewChannel(backend, mode, blockSize)
		if err != nil {
			lastErr = err
			continue
		}

		buf := make([]byte, blockSize)
		if err := ch.ReadBlocksNocache(superblockBlockNumber, 1, buf); err != nil {
			lastErr = err
			continue
		}
		if err := sbCheckLayout.Validate(buf, superblockBlockNumber); err != nil {
			lastErr = err
			continue
		}

		sb, err := decodeSuperblock(buf, superblockBlockNumber)
		if err != nil {
			lastErr = err
			continue
		}
		if sb.blockSize() != blockSize {
			// The superblock's own recorded block size disagrees with the
			// size we guessed at; not a match (spec.md §4.12 probing).
			lastErr = ocerr.Err(ocerr.BadBlockNumber)
			continue
		}

		return sb, blockSize, nil
	}

	return nil, 0, fmt.Errorf("no valid superblock found in [512,4096]: %w", lastErr)
}

// Close flushes any dirty caches and releases the underlying channel
// (spec.md §4.12: "Close flushes any dirty caches").
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.ch.Close()
}

// BlockSize returns the volume's block size in bytes.
func (h *Handle) BlockSize() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ch.GetBlockSize()
}

// ClusterSize returns the volume's cluster size in bytes.
func (h *Handle) ClusterSize() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sb.clusterSize()
}

// ReadOnly reports whether the handle was opened read-only.
func (h *Handle) ReadOnly() bool {
	return h.readOnly
}
