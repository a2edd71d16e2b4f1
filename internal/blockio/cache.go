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

package blockio

import (
	"github.com/goburrow/cache"
)

// DefaultMaxCachedBlocks bounds the decoded-block cache the same way the
// teacher bounds its table cache (qcow2.go: maxCachedTables = 1000, "up to
// 64MB of tables in memory").
const DefaultMaxCachedBlocks = 1000

// BlockCache fronts repeated decodes of the same metadata block (extent
// blocks, refcount blocks, dx leaves) with a goburrow/cache LoadingCache,
// grounded on the teacher's i.tableCache in qcow2.go. Load errors are not
// cached; a failed decode is retried on the next Get.
type BlockCache struct {
	inner cache.LoadingCache
}

// NewBlockCache builds a cache that calls load(blockNumber) on miss.
// load must return a stable value type (a pointer to the decoded record);
// mutating a cached value in place is the caller's responsibility to
// invalidate via Invalidate.
func NewBlockCache(load func(key cache.Key) (cache.Value, error), maxSize int) *BlockCache {
	if maxSize <= 0 {
		maxSize = DefaultMaxCachedBlocks
	}
	return &BlockCache{
		inner: cache.NewLoadingCache(load, cache.WithMaximumSize(maxSize)),
	}
}

func (b *BlockCache) Get(blockNumber uint64) (interface{}, error) {
	return b.inner.Get(blockNumber)
}

func (b *BlockCache) Invalidate(blockNumber uint64) {
	b.inner.Invalidate(blockNumber)
}

func (b *BlockCache) InvalidateAll() {
	b.inner.InvalidateAll()
}
