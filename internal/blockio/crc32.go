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

import "hash/crc32"

// table is the reflected 802.3 polynomial table, the same one
// hash/crc32.IEEE uses and the one the teacher's benchmark tool reaches for
// directly (cmd/qcow2-benchmark/main.go imports hash/crc32 for its
// write/read compare step). spec.md §4.1 calls this "CRC32-LE (802.3
// table)" -- that is crc32.IEEE under the reflected/little-endian
// convention, so there is no reason to hand-roll a second table.
var table = crc32.MakeTable(crc32.IEEE)

// CRC32 computes the block checksum as spec.md §4.1 describes: seeded with
// ^0, applied to buf (the caller must have already zeroed the check field
// before calling).
func CRC32(buf []byte) uint32 {
	return crc32.Checksum(buf, table)
}
