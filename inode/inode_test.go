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

package inode_test

import (
	"testing"

	"github.com/markfasheh/ocfs2/extent"
	"github.com/markfasheh/ocfs2/inode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInodeReadWriteRoundTrip(t *testing.T) {
	block := make([]byte, 4096)
	in := &inode.Inode{
		Blkno:        5,
		Generation:   7,
		SuballocSlot: 1,
		SuballocBit:  2,
		Clusters:     3,
		Size:         1 << 20,
		Flags:        inode.FlagValid,
		Mode:         0o100644,
		List: extent.List{
			Count: 1,
			Records: []extent.Record{
				{Cpos: 0, Clusters: 3, Blkno: 1000},
			},
		},
	}

	inode.Write(in, block)

	got, err := inode.Read(block, 5)
	require.NoError(t, err)
	assert.Equal(t, in.Generation, got.Generation)
	assert.Equal(t, in.Clusters, got.Clusters)
	assert.Equal(t, in.Size, got.Size)
	assert.Equal(t, in.Flags, got.Flags)
	assert.Equal(t, uint16(1), got.List.Count)
	assert.Equal(t, uint32(0), got.List.Records[0].Cpos)
	assert.Equal(t, uint64(1000), got.List.Records[0].Blkno)
}

func TestInodeReadRejectsBadSignature(t *testing.T) {
	block := make([]byte, 4096)
	_, err := inode.Read(block, 5)
	require.Error(t, err)
}

func TestInodeExtentRootRoundTripsThroughTree(t *testing.T) {
	in := &inode.Inode{
		List: extent.List{Records: make([]extent.Record, 4)},
	}
	root := &inode.ExtentRoot{In: in}
	assert.Equal(t, uint32(0), root.ClusterCount())

	root.SetClusterCount(10)
	assert.Equal(t, uint32(10), in.Clusters)

	root.SetLastLeaf(42)
	assert.Equal(t, uint64(42), in.LastEbBlk)
}
