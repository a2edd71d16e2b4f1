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

package quota_test

import (
	"testing"

	"github.com/markfasheh/ocfs2/quota"
	"github.com/stretchr/testify/require"
)

func TestInitLocalFormatsHeaderAndChunk(t *testing.T) {
	store := newMemStore(testBlockSize)
	require.NoError(t, quota.InitLocal(store, quota.UserQuota))
	require.Equal(t, uint32(2), store.BlockCount())

	info, err := quota.ReadLocalInfo(store)
	require.NoError(t, err)
	require.Equal(t, uint32(1), info.Chunks)
	require.Equal(t, uint32(2), info.Blocks)
}

func TestInitLocalIdempotentOnAlreadyExtendedFile(t *testing.T) {
	store := newMemStore(testBlockSize)
	_, err := store.Extend()
	require.NoError(t, err)
	_, err = store.Extend()
	require.NoError(t, err)

	require.NoError(t, quota.InitLocal(store, quota.GroupQuota))
	require.Equal(t, uint32(2), store.BlockCount())
}
