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
	"sync"

	"github.com/markfasheh/ocfs2/alloc"
	"github.com/markfasheh/ocfs2/internal/blockio"
	"github.com/markfasheh/ocfs2/internal/logging"
	"github.com/markfasheh/ocfs2/quota"
)

// Handle is a mount-less session over an OCFS2 volume: it owns the
// superblock, the block channel, and per-slot allocator caches, and is the
// sole entry point typed operations are issued against (spec.md §4.12,
// C12). Grounded on the teacher's Image struct in qcow2.go (mutex-guarded
// handle wrapping an *os.File plus a decoded header and a table cache),
// generalized from a single cluster-mapping pair to composing C1-C11.
type Handle struct {
	mu  sync.RWMutex
	ch  *blockio.Channel
	sb  *Superblock
	log logging.Logger

	readOnly bool
	directIO bool

	globalAlloc *alloc.GlobalBitmapAllocator

	// slotAllocCache holds each slot's inode_alloc chain allocator (what a
	// per-slot operation needs to allocate a new dinode block); populated
	// once at Open by walking the system directory.
	slotAllocCache map[int]*alloc.ChainAllocator

	// slotExtentAllocCache holds each slot's extent_alloc chain allocator
	// (what a per-slot operation needs to allocate a new extent/refcount/
	// dx metadata block via inode.Store's Alloc seam), populated the same
	// way as slotAllocCache.
	slotExtentAllocCache map[int]*alloc.ChainAllocator

	// uuidString caches Superblock.UUIDString(), computed once at Open
	// rather than re-formatted on every call (spec.md §4.12: "pre-reads
	// the uuid string").
	uuidString string

	// quotaEngines holds the global quota files actually present on the
	// volume, keyed by quota.Type; a volume without quota system inodes
	// for a given type simply has no entry (spec.md §4.10 quota is
	// optional per-volume).
	quotaEngines map[quota.Type]*quota.Engine
}

// Option configures a Handle at Open time, mirroring the functional-options
// shape already used for blockio.Channel (internal/blockio/channel.go).
type Option func(*Handle)

// WithLogger installs a structured logger (default: logging.Discard).
func WithLogger(l logging.Logger) Option {
	return func(h *Handle) { h.log = l }
}

// WithDirectIO requests O_DIRECT-aligned buffers from the backend channel.
// It is tracked on Handle rather than forwarded straight into
// blockio.Channel, since it must survive the two-phase open: probe block
// size first without direct I/O, then reopen the channel once the real
// block size is known.
func WithDirectIO() Option {
	return func(h *Handle) { h.directIO = true }
}
