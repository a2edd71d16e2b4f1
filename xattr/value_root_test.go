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

package xattr_test

import (
	"testing"

	"github.com/markfasheh/ocfs2/extent"
	"github.com/markfasheh/ocfs2/xattr"
	"github.com/stretchr/testify/require"
)

func TestValueRootAdaptsToExtentRoot(t *testing.T) {
	root := &xattr.ValueRoot{
		List: extent.List{Records: make([]extent.Record, 4)},
	}
	r := &xattr.ExtentRoot{Root: root}

	var _ extent.Root = r

	r.SetLastLeaf(42)
	require.Equal(t, uint64(42), r.GetLastLeaf())
	require.Equal(t, uint64(42), root.LastEbBlk)

	r.SetClusterCount(7)
	require.Equal(t, uint32(7), r.ClusterCount())
	require.Equal(t, uint32(7), root.Clusters)

	require.Same(t, &root.List, r.RootList())
	require.Equal(t, uint32(0), r.MaxLeafClusters())
	require.NoError(t, r.InsertCheck(extent.Record{}))
	require.NoError(t, r.SanityCheck(r.RootList()))

	left := extent.Record{Cpos: 0, Clusters: 2, Blkno: 100}
	adjacent := extent.Record{Cpos: 2, Clusters: 3, Blkno: 102}
	distant := extent.Record{Cpos: 10, Clusters: 3, Blkno: 200}
	require.True(t, r.Contig(left, adjacent))
	require.False(t, r.Contig(left, distant))
}
