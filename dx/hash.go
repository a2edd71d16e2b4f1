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

// Package dx implements the hash-indexed directory engine (spec.md §4.9):
// a dx_root extent tree keyed by major hash, mapping hash ranges to
// dx_leaf blocks that in turn point back at the plain directory entries
// dir.Insert already knows how to place. Grounded on
// original_source/libocfs2/dir_indexed.c's TEA_transform/str2hashbuf/
// ocfs2_dx_dir_name_hash and ocfs2_dx_dir_insert.
//
// Hashing code adapted from ext3, same as the original.
package dx

const teaDelta = 0x9E3779B9

// teaTransform mixes the first two words of buf (the running hash state)
// with the four words in in, following dir_indexed.c's TEA_transform.
// buf[2] and buf[3] are loaded once from the dx root's seed and never
// otherwise touched by the transform -- preserved here exactly as the C
// does, odd as it looks.
func teaTransform(buf *[4]uint32, in [4]uint32) {
	var sum uint32
	b0, b1 := buf[0], buf[1]
	a, b, c, d := in[0], in[1], in[2], in[3]

	for n := 0; n < 16; n++ {
		sum += teaDelta
		b0 += ((b1 << 4) + a) ^ (b1 + sum) ^ ((b1 >> 5) + b)
		b1 += ((b0 << 4) + c) ^ (b0 + sum) ^ ((b0 >> 5) + d)
	}

	buf[0] += b0
	buf[1] += b1
}

// str2hashbuf packs up to num words (4 bytes each) of name[offset:] into a
// word buffer, following dir_indexed.c's str2hashbuf byte-for-byte: pad is
// the (always < 256, since names are capped at 255 bytes) length value
// replicated across all four byte lanes of a word, used both to seed each
// 4-byte group and to fill any words left over once the name is exhausted.
//
// length must equal len(name) - offset; callers maintain that invariant so
// every name[offset+i] access below is in range.
func str2hashbuf(name string, offset, length, num int) [4]uint32 {
	var out [4]uint32
	idx := 0

	pad := uint32(length & 0xff)
	pad |= pad << 8
	pad |= pad << 16

	val := pad
	n := length
	if n > num*4 {
		n = num * 4
	}

	for i := 0; i < n; i++ {
		if i%4 == 0 {
			val = pad
		}
		val = uint32(name[offset+i]) + (val << 8)
		if i%4 == 3 {
			out[idx] = val
			idx++
			val = pad
			num--
		}
	}

	num--
	if num >= 0 {
		out[idx] = val
		idx++
	}
	for {
		num--
		if num < 0 {
			break
		}
		out[idx] = pad
		idx++
	}

	return out
}

// NameHash computes the (major, minor) hash pair dir_indexed.c's
// ocfs2_dx_dir_name_hash uses to place an entry in a dx tree. seed is the
// dx root's s_dx_seed. "." and ".." always hash to (0, 0) so they sort
// first and never need a real dx_leaf lookup.
func NameHash(name string, seed [4]uint32) (major, minor uint32) {
	if name == "." || name == ".." {
		return 0, 0
	}

	buf := seed

	offset := 0
	length := len(name)
	for length > 0 {
		in := str2hashbuf(name, offset, length, 4)
		teaTransform(&buf, in)
		length -= 16
		offset += 16
	}

	return buf[0], buf[1]
}
