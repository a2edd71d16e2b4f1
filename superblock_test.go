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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSuperblockEncodeDecodeRoundTrip(t *testing.T) {
	block := make([]byte, 4096)
	want := &Superblock{
		BlockSizeBits:   12,
		ClusterSizeBits: 18,
		MaxSlots:        4,
		Clusters:        1000,
		RootBlkno:       10,
		SystemDirBlkno:  11,
		FirstClusterGrp: 20,
		FeatureCompat:   1,

		QuotaReservedSpace: 16,
	}
	want.UUID[0] = 0xAB

	encodeSuperblock(want, block)
	sbCheckLayout.Stamp(block)

	require.NoError(t, sbCheckLayout.Validate(block, superblockBlockNumber))

	got, err := decodeSuperblock(block, superblockBlockNumber)
	require.NoError(t, err)
	assert.Equal(t, want.BlockSizeBits, got.BlockSizeBits)
	assert.Equal(t, want.ClusterSizeBits, got.ClusterSizeBits)
	assert.Equal(t, want.MaxSlots, got.MaxSlots)
	assert.Equal(t, want.Clusters, got.Clusters)
	assert.Equal(t, want.RootBlkno, got.RootBlkno)
	assert.Equal(t, want.SystemDirBlkno, got.SystemDirBlkno)
	assert.Equal(t, want.FirstClusterGrp, got.FirstClusterGrp)
	assert.Equal(t, want.FeatureCompat, got.FeatureCompat)
	assert.Equal(t, want.UUID, got.UUID)
	assert.Equal(t, want.QuotaReservedSpace, got.QuotaReservedSpace)
	assert.Equal(t, 4096, got.blockSize())
	assert.Equal(t, 1<<18, got.clusterSize())
}

func TestSuperblockRejectsBadClusterBits(t *testing.T) {
	block := make([]byte, 4096)
	sb := &Superblock{BlockSizeBits: 12, ClusterSizeBits: 30, RootBlkno: 1, SystemDirBlkno: 2}
	encodeSuperblock(sb, block)
	sbCheckLayout.Stamp(block)

	_, err := decodeSuperblock(block, superblockBlockNumber)
	require.Error(t, err)
}
