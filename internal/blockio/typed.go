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
	"fmt"

	"github.com/markfasheh/ocfs2/internal/ocerr"
)

// CheckFieldLayout describes where a block's 12-byte integrity check field
// (spec.md §6: "8-byte ASCII signature and a 12-byte check field") sits
// within the block: 4 bytes CRC32-LE, then a 4-byte Hamming parity word;
// the remaining 4 bytes are written as zero.
type CheckFieldLayout struct {
	Offset int // byte offset of the check field within the block
}

const checkFieldSize = 12

// ZeroCheckField zeros the 12-byte check field before computing a fresh
// CRC/ECC pair, per spec.md §4.1 ("Validation: zero the bc_check field,
// compute CRC...").
func (l CheckFieldLayout) ZeroCheckField(block []byte) {
	for i := 0; i < checkFieldSize; i++ {
		block[l.Offset+i] = 0
	}
}

// Stamp computes and writes the CRC32 + Hamming ECC pair into block's
// check field: zero the field, compute the Hamming parity and the CRC over
// the block with the field still zeroed (as Validate recomputes them), then
// store both.
func (l CheckFieldLayout) Stamp(block []byte) {
	l.ZeroCheckField(block)

	parity := HammingEncode(block, len(block)*8)
	crc := CRC32(block)

	LE.PutUint32(block[l.Offset+4:l.Offset+8], parity)
	LE.PutUint32(block[l.Offset:l.Offset+4], crc)
}

// Validate checks block's CRC; on mismatch it computes the Hamming
// syndrome and, if it identifies a single repairable bit, flips it and
// re-checks the CRC. It returns CorruptedBlock if the block is still
// inconsistent afterwards (spec.md §4.1, §7, §8 property 4).
func (l CheckFieldLayout) Validate(block []byte, blockNumber uint64) error {
	storedCRC := LE.Uint32(block[l.Offset : l.Offset+4])
	storedParity := LE.Uint32(block[l.Offset+4 : l.Offset+8])

	check := make([]byte, len(block))
	copy(check, block)
	l.ZeroCheckField(check)

	if CRC32(check) == storedCRC {
		return nil
	}

	freshParity := HammingEncode(check, len(check)*8)
	syndrome := freshParity ^ storedParity
	if !HammingFix(check, len(check)*8, syndrome) {
		return ocerr.Wrap(ocerr.CorruptedBlock, blockNumber,
			fmt.Errorf("crc mismatch and ecc syndrome %#x is not a single-bit error", syndrome))
	}

	// Re-zero the check field (HammingFix may have "fixed" a bit inside a
	// region we already zeroed) and verify the repair actually closes the
	// CRC gap.
	l.ZeroCheckField(check)
	if CRC32(check) != storedCRC {
		return ocerr.Wrap(ocerr.CorruptedBlock, blockNumber,
			fmt.Errorf("crc mismatch persists after single-bit ecc repair"))
	}

	copy(block, check)
	LE.PutUint32(block[l.Offset:l.Offset+4], storedCRC)
	LE.PutUint32(block[l.Offset+4:l.Offset+8], storedParity)
	return nil
}

// CheckSignature verifies block begins with the expected 8-byte ASCII
// signature, returning BadSignature otherwise.
func CheckSignature(block []byte, signature string, blockNumber uint64) error {
	if len(block) < len(signature) || string(block[:len(signature)]) != signature {
		return ocerr.Wrap(ocerr.BadSignature, blockNumber,
			fmt.Errorf("expected signature %q, got %q", signature, block[:min(len(signature), len(block))]))
	}
	return nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
