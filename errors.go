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

import "github.com/markfasheh/ocfs2/internal/ocerr"

// Kind identifies the category of a recoverable failure (spec.md §7).
type Kind = ocerr.Kind

// Error carries the containing Kind plus the responsible block number.
type Error = ocerr.Error

const (
	BadBlockNumber             = ocerr.BadBlockNumber
	BadSignature               = ocerr.BadSignature
	BadMagic                   = ocerr.BadMagic
	CorruptedBlock             = ocerr.CorruptedBlock
	CorruptedExtentTree        = ocerr.CorruptedExtentTree
	CorruptedDirectory         = ocerr.CorruptedDirectory
	CorruptedQuotaFile         = ocerr.CorruptedQuotaFile
	UnsupportedFeature         = ocerr.UnsupportedFeature
	ReadOnlyUnsupportedFeature = ocerr.ReadOnlyUnsupportedFeature
	InvalidArgument            = ocerr.InvalidArgument
	NoSpaceInTree              = ocerr.NoSpaceInTree
	NoSpaceOnDevice            = ocerr.NoSpaceOnDevice
	JournalTooSmall            = ocerr.JournalTooSmall
	ShortRead                  = ocerr.ShortRead
	ShortWrite                 = ocerr.ShortWrite
	IoError                    = ocerr.IoError
	ReadOnlyFilesystem         = ocerr.ReadOnlyFilesystem
	InodeNotValid              = ocerr.InodeNotValid
	DirentNotFound             = ocerr.DirentNotFound
	EmptyLeafDuringSplit       = ocerr.EmptyLeafDuringSplit
)

// Err constructs a bare *Error of the given kind, for use as an errors.Is
// target: errors.Is(err, ocfs2.Err(ocfs2.CorruptedBlock)).
func Err(kind Kind) *Error {
	return ocerr.Err(kind)
}
