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

import "golang.org/x/sys/unix"

// Allocator returns buffers aligned to max(block_size, page_size), the hook
// spec.md §9 ("Manual aligned allocation") requires in place of the
// source's O_DIRECT-aligned malloc calls.
type Allocator interface {
	AlignedBlock(size int) []byte
}

type alignedAllocator struct {
	pageSize int
}

// NewAlignedAllocator returns the default Allocator, aligning to the host
// page size reported by golang.org/x/sys/unix -- the ecosystem's standard
// low-level syscall package for exactly this kind of query, matching the
// optional O_DIRECT channel capability spec.md §9 calls for.
func NewAlignedAllocator() Allocator {
	return &alignedAllocator{pageSize: unix.Getpagesize()}
}

func (a *alignedAllocator) AlignedBlock(size int) []byte {
	align := a.pageSize
	buf := make([]byte, size+align)
	offset := 0
	if rem := int(uintptrOf(buf)) % align; rem != 0 {
		offset = align - rem
	}
	return buf[offset : offset+size : offset+size]
}

// uintptrOf returns the address of the first byte of buf as a plain int,
// used only to compute alignment padding. It performs no pointer
// arithmetic beyond what unsafe.Pointer already permits for this purpose.
func uintptrOf(buf []byte) uintptr {
	if len(buf) == 0 {
		return 0
	}
	return addrOf(&buf[0])
}
