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

// Package ocerr defines the core's typed error kind and the Error it is
// always carried in, shared by every internal and public package so error
// identity survives package boundaries without an import cycle back to the
// root ocfs2 package.
package ocerr

import "fmt"

// Kind identifies the category of a recoverable failure (spec.md §7). These
// are values, not distinct types, so callers compare with == or errors.Is
// against the sentinel Error values below.
type Kind int

const (
	_ Kind = iota
	BadBlockNumber
	BadSignature
	BadMagic
	CorruptedBlock
	CorruptedExtentTree
	CorruptedDirectory
	CorruptedQuotaFile
	UnsupportedFeature
	ReadOnlyUnsupportedFeature
	InvalidArgument
	NoSpaceInTree
	NoSpaceOnDevice
	JournalTooSmall
	ShortRead
	ShortWrite
	IoError
	ReadOnlyFilesystem
	InodeNotValid
	DirentNotFound
	EmptyLeafDuringSplit
)

func (k Kind) String() string {
	switch k {
	case BadBlockNumber:
		return "bad block number"
	case BadSignature:
		return "bad signature"
	case BadMagic:
		return "bad magic"
	case CorruptedBlock:
		return "corrupted block"
	case CorruptedExtentTree:
		return "corrupted extent tree"
	case CorruptedDirectory:
		return "corrupted directory"
	case CorruptedQuotaFile:
		return "corrupted quota file"
	case UnsupportedFeature:
		return "unsupported feature"
	case ReadOnlyUnsupportedFeature:
		return "unsupported feature (read-only tolerated)"
	case InvalidArgument:
		return "invalid argument"
	case NoSpaceInTree:
		return "no space in tree"
	case NoSpaceOnDevice:
		return "no space on device"
	case JournalTooSmall:
		return "journal too small"
	case ShortRead:
		return "short read"
	case ShortWrite:
		return "short write"
	case IoError:
		return "I/O error"
	case ReadOnlyFilesystem:
		return "read-only filesystem"
	case InodeNotValid:
		return "inode not valid"
	case DirentNotFound:
		return "directory entry not found"
	case EmptyLeafDuringSplit:
		return "empty leaf during split"
	default:
		return "unknown error"
	}
}

// Error carries the containing Kind plus the responsible block number, per
// spec.md §7: "every error carries the containing kind plus the responsible
// block number". Block is 0 when the failure is not tied to one block
// (e.g. InvalidArgument).
type Error struct {
	Kind  Kind
	Block uint64
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Block != 0 {
			return fmt.Sprintf("ocfs2: %s at block %d: %v", e.Kind, e.Block, e.Err)
		}
		return fmt.Sprintf("ocfs2: %s: %v", e.Kind, e.Err)
	}
	if e.Block != 0 {
		return fmt.Sprintf("ocfs2: %s at block %d", e.Kind, e.Block)
	}
	return fmt.Sprintf("ocfs2: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ocfs2.Err(SomeKind)) match any *Error of that Kind,
// regardless of block number or wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Block != 0 && t.Block != e.Block {
		return false
	}
	return t.Kind == e.Kind
}

// Err constructs a bare *Error of the given kind, useful as an errors.Is
// target: errors.Is(err, ocfs2.Err(ocfs2.CorruptedBlock)).
func Err(kind Kind) *Error {
	return &Error{Kind: kind}
}

// Wrap constructs an *Error tying kind to block, wrapping cause if present.
func Wrap(kind Kind, block uint64, cause error) *Error {
	return &Error{Kind: kind, Block: block, Err: cause}
}
