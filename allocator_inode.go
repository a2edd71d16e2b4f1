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

import (
	"fmt"

	"github.com/markfasheh/ocfs2/alloc"
	"github.com/markfasheh/ocfs2/inode"
	"github.com/markfasheh/ocfs2/internal/blockio"
	"github.com/markfasheh/ocfs2/internal/ocerr"
)

// The chain-list union arm (id2.i_chain) of a FlagChain dinode, read
// straight off the raw block the same way decodeSuperblock reads the
// superblock's own union arm -- inode.Read validates and decodes the
// generic header but deliberately skips id2 for any of the special-arm
// flags (spec.md §4.1's "flag-selected second layer"), so the chain list
// itself is parsed here.
const (
	chainID2Offset    = 96 // matches inode.go's id2Offset: same physical dinode
	chainUnionSize    = 256
	chainBitsPerClOff = 0
	chainPerGroupOff  = 2
	chainCountOff     = 4
	chainRecordsOff   = 8
	chainRecordSize   = 16
	maxChainRecords   = (chainUnionSize - chainRecordsOff) / chainRecordSize
)

// readAllocatorInode decodes block as a FlagChain dinode: the generic
// dinode header (via inode.Read, for Clusters/Flags/validation) plus the
// chain list packed into its id2 union arm (spec.md §3 "Chain list").
func readAllocatorInode(block []byte, blkno uint64) (*inode.Inode, *alloc.ChainList, error) {
	in, err := inode.Read(block, blkno)
	if err != nil {
		return nil, nil, err
	}
	if in.Flags&inode.FlagChain == 0 {
		return nil, nil, ocerr.Wrap(ocerr.InvalidArgument, blkno,
			fmt.Errorf("inode %d is not a chain allocator (flags %#x)", blkno, in.Flags))
	}

	le := blockio.LE
	arm := block[chainID2Offset:]
	n := le.Uint16(arm[chainCountOff:])
	if int(n) > maxChainRecords {
		n = maxChainRecords
	}

	list := &alloc.ChainList{
		BitsPerCluster:   le.Uint16(arm[chainBitsPerClOff:]),
		ClustersPerGroup: le.Uint16(arm[chainPerGroupOff:]),
		Chains:           make([]alloc.ChainRecord, n),
	}
	for i := 0; i < int(n); i++ {
		off := chainRecordsOff + i*chainRecordSize
		list.Chains[i] = alloc.ChainRecord{
			Total:     le.Uint32(arm[off:]),
			Free:      le.Uint32(arm[off+4:]),
			HeadGroup: le.Uint64(arm[off+8:]),
		}
	}

	return in, list, nil
}

// writeAllocatorChainList re-encodes list into block's id2 union arm,
// leaving the generic header and check field to the caller (mirrors
// inode.Write's own division of labor for the extent-list arm).
func writeAllocatorChainList(list *alloc.ChainList, block []byte) {
	le := blockio.LE
	arm := block[chainID2Offset:]
	le.PutUint16(arm[chainBitsPerClOff:], list.BitsPerCluster)
	le.PutUint16(arm[chainPerGroupOff:], list.ClustersPerGroup)
	le.PutUint16(arm[chainCountOff:], uint16(len(list.Chains)))
	for i, c := range list.Chains {
		if i >= maxChainRecords {
			break
		}
		off := chainRecordsOff + i*chainRecordSize
		le.PutUint32(arm[off:], c.Total)
		le.PutUint32(arm[off+4:], c.Free)
		le.PutUint64(arm[off+8:], c.HeadGroup)
	}
}
