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

import "encoding/binary"

// Every on-disk kind has exactly one swap pair, per spec.md §4.1. Go's
// encoding/binary already does the byte-order normalization a C cast would
// need a manual swap for, so "swap to/from native" here means "decode
// from/encode to little-endian wire bytes" -- the disk-record codecs in
// each per-kind package call these, not a hand-rolled byte-flip.
var LE = binary.LittleEndian

// BE is used only for the JBD2 journal superblock, which spec.md §6 calls
// out as big-endian while every other on-disk kind is little-endian.
var BE = binary.BigEndian

// RecordSwapFunc swaps (decodes or encodes in place) a single fixed-size
// record within a containing block buffer.
type RecordSwapFunc func(rec []byte)

// SwapRecordArray walks a packed array of recordSize-byte records starting
// at offset within block, calling fn on each of the first count records.
// It stops -- without error -- the moment a record would read past the end
// of block (spec.md §9 "swap barrier during corrupt arrays": "a documented
// 'swap barrier' predicate ... aborts the per-record loop without error").
// It reports how many records it actually swapped; the typed reader above
// this layer turns swapped < count into a CorruptedBlock error, preserving
// the barrier's silent truncation while still surfacing the condition to
// callers (spec.md §9).
func SwapRecordArray(block []byte, offset, recordSize, count int, fn RecordSwapFunc) (swapped int) {
	for i := 0; i < count; i++ {
		start := offset + i*recordSize
		end := start + recordSize
		if start < 0 || end > len(block) {
			break
		}
		fn(block[start:end])
		swapped++
	}
	return swapped
}
