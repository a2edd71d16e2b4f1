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

// defaultHashSize is DEFAULT_QUOTA_HASH_SIZE: a Hash starts at this many
// buckets and only grows from there.
const defaultHashSize = 8192

// maxHashSize is MAX_QUOTA_HASH_SIZE: caps memory use for pathological
// numbers of distinct ids touched in one pass.
const maxHashSize = 1 << 21

// Hash caches dquots loaded from an Engine's global file, keyed by id, so
// repeated usage-delta applications against the same id don't each pay for
// a fresh radix-tree descent. Grounded on
// original_source/libocfs2/quota.c's ocfs2_quota_hash machinery
// (quota_hash/ocfs2_insert_quota_hash/ocfs2_find_quota_hash).
type Hash struct {
	engine  *Engine
	buckets [][]*Dqblk
	used    int
}

// NewHash creates an empty cache over engine's global file.
func NewHash(engine *Engine) *Hash {
	return &Hash{engine: engine, buckets: make([][]*Dqblk, defaultHashSize)}
}

func bucketFor(id uint32, numBuckets int) int {
	return int((uint64(id) * 5) & uint64(numBuckets-1))
}

func (h *Hash) find(id uint32) *Dqblk {
	for _, d := range h.buckets[bucketFor(id, len(h.buckets))] {
		if d.ID == id {
			return d
		}
	}
	return nil
}

// grow doubles bucket count once used entries exceed it, same threshold
// as ocfs2_insert_quota_hash ("used_entries > alloc_entries && alloc*2 <
// MAX"), rehashing every cached entry into the new table.
func (h *Hash) grow() {
	if h.used <= len(h.buckets) || len(h.buckets)*2 > maxHashSize {
		return
	}
	grown := make([][]*Dqblk, len(h.buckets)*2)
	for _, bucket := range h.buckets {
		for _, d := range bucket {
			idx := bucketFor(d.ID, len(grown))
			grown[idx] = append(grown[idx], d)
		}
	}
	h.buckets = grown
}

func (h *Hash) insert(d *Dqblk) {
	h.grow()
	idx := bucketFor(d.ID, len(h.buckets))
	h.buckets[idx] = append(h.buckets[idx], d)
	h.used++
}

// findCreate returns id's cached entry, loading it from the global file
// (or starting a fresh zero record if none exists there) on first touch.
func (h *Hash) findCreate(id uint32) (*Dqblk, error) {
	if d := h.find(id); d != nil {
		return d, nil
	}
	rec, found, err := h.engine.Find(id)
	if err != nil {
		return nil, err
	}
	if !found {
		rec = Dqblk{ID: id}
	}
	d := new(Dqblk)
	*d = rec
	h.insert(d)
	return d, nil
}

// ApplyDelta folds a usage change for id into its cached record, loading
// it from disk first if this is the first touch this pass -- spec.md
// §4.10's "apply usage delta (uid, gid, Δbytes, Δinodes)" entry point.
func (h *Hash) ApplyDelta(id uint32, deltaBytes, deltaInodes int64) error {
	d, err := h.findCreate(id)
	if err != nil {
		return err
	}
	d.CurSpace = uint64(int64(d.CurSpace) + deltaBytes)
	d.CurInodes = uint64(int64(d.CurInodes) + deltaInodes)
	return nil
}

// Flush writes every cached dquot back to the global file, per
// ocfs2_finish_quota_change folding accumulated hash entries back to disk
// before the hash is discarded.
func (h *Hash) Flush() error {
	for _, bucket := range h.buckets {
		for _, d := range bucket {
			if err := h.engine.Insert(*d); err != nil {
				return err
			}
		}
	}
	return nil
}
