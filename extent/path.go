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

package extent

// PathFrame is one (block_number, buffer, list_view) entry in a Path, from
// root to leaf, per spec.md §4.6. The root frame's Blkno is 0 (the list
// lives inside the owning root's own block, not a dedicated extent block).
type PathFrame struct {
	Blkno uint64
	List  *List
}

// Path is the in-memory stack spec.md §4.6/§9 describe in place of the
// source's h_up_hdr_node_ptr back-pointers: "the engine reconstructs the
// parent by holding a path (stack of borrowed views) during any mutation;
// the on-disk back-pointer is validated on read and re-stamped on write."
// Path is read-only; mutation APIs take a cpos and rebuild a path
// internally (spec.md §4.6).
type Path struct {
	Frames []PathFrame
}

// Leaf returns the bottom (depth-0) frame.
func (p *Path) Leaf() *PathFrame {
	if len(p.Frames) == 0 {
		return nil
	}
	return &p.Frames[len(p.Frames)-1]
}

// Root returns the top frame (the root's own embedded list).
func (p *Path) Root() *PathFrame {
	if len(p.Frames) == 0 {
		return nil
	}
	return &p.Frames[0]
}

// Depth returns the path's length (root-to-leaf inclusive).
func (p *Path) Depth() int { return len(p.Frames) }

// Parent returns the frame above frames[i], or nil if i is the root frame.
func (p *Path) Parent(i int) *PathFrame {
	if i <= 0 || i >= len(p.Frames) {
		return nil
	}
	return &p.Frames[i-1]
}
