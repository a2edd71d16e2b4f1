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

const testBlockSize = 128
const testReservedSpace = 16

type memStore struct {
	blockSize int
	blocks    [][]byte
}

func newMemStore(blockSize int) *memStore {
	return &memStore{blockSize: blockSize}
}

func (m *memStore) BlockSize() int     { return m.blockSize }
func (m *memStore) BlockCount() uint32 { return uint32(len(m.blocks)) }

func (m *memStore) ReadBlock(idx uint32, buf []byte) error {
	copy(buf, m.blocks[idx])
	return nil
}

func (m *memStore) WriteBlock(idx uint32, buf []byte) error {
	copy(m.blocks[idx], buf)
	return nil
}

func (m *memStore) Extend() (uint32, error) {
	m.blocks = append(m.blocks, make([]byte, m.blockSize))
	return uint32(len(m.blocks) - 1), nil
}

func newTestEngine(t *testing.T) *quota.Engine {
	t.Helper()
	store := newMemStore(testBlockSize)
	e, err := quota.InitGlobal(store, quota.UserQuota, testReservedSpace, quota.GlobalInfo{
		BGrace: 604800,
		IGrace: 604800,
		SyncMs: 10000,
	})
	require.NoError(t, err)
	return e
}

func testDqblk(id uint32) quota.Dqblk {
	return quota.Dqblk{
		ID:         id,
		BHardlimit: uint64(id) * 1024,
		CurSpace:   uint64(id) * 512,
	}
}

func TestGlobalInitAndLoadRoundTrip(t *testing.T) {
	store := newMemStore(testBlockSize)
	_, err := quota.InitGlobal(store, quota.UserQuota, testReservedSpace, quota.GlobalInfo{
		BGrace: 604800,
		IGrace: 604800,
	})
	require.NoError(t, err)

	e, err := quota.LoadGlobal(store, quota.UserQuota, testReservedSpace)
	require.NoError(t, err)
	require.Equal(t, uint32(604800), e.Info().BGrace)
	require.Equal(t, uint32(2), e.Info().Blocks)
}

func TestInsertThenFind(t *testing.T) {
	e := newTestEngine(t)

	d := testDqblk(42)
	require.NoError(t, e.Insert(d))

	got, found, err := e.Find(42)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, d, got)

	_, found, err = e.Find(7)
	require.NoError(t, err)
	require.False(t, found)
}

func TestInsertOverwritesExistingID(t *testing.T) {
	e := newTestEngine(t)

	require.NoError(t, e.Insert(testDqblk(1)))
	updated := testDqblk(1)
	updated.CurSpace = 999999
	require.NoError(t, e.Insert(updated))

	got, found, err := e.Find(1)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(999999), got.CurSpace)
}

func TestInsertManyForcesNewTreeNodes(t *testing.T) {
	e := newTestEngine(t)

	ids := []uint32{1, 2, 3, 100, 1000, 50000, 1 << 20, 1 << 30}
	for _, id := range ids {
		require.NoError(t, e.Insert(testDqblk(id)))
	}
	for _, id := range ids {
		got, found, err := e.Find(id)
		require.NoError(t, err)
		require.True(t, found, "id %d", id)
		require.Equal(t, id, got.ID)
	}
}

func TestDeleteRemovesEntry(t *testing.T) {
	e := newTestEngine(t)

	require.NoError(t, e.Insert(testDqblk(5)))
	require.NoError(t, e.Insert(testDqblk(6)))

	require.NoError(t, e.Delete(5))

	_, found, err := e.Find(5)
	require.NoError(t, err)
	require.False(t, found)

	got, found, err := e.Find(6)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint32(6), got.ID)
}

func TestDeleteThenReinsertReusesFreeChain(t *testing.T) {
	e := newTestEngine(t)

	require.NoError(t, e.Insert(testDqblk(10)))
	blocksAfterFirst := e.Info().Blocks

	require.NoError(t, e.Delete(10))
	require.NoError(t, e.Insert(testDqblk(11)))

	// Reusing freed tree/leaf blocks should mean the file didn't need to
	// grow again for the second insert.
	require.Equal(t, blocksAfterFirst, e.Info().Blocks)

	got, found, err := e.Find(11)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint32(11), got.ID)
}

func TestDeleteManyThenFindNone(t *testing.T) {
	e := newTestEngine(t)

	ids := []uint32{1, 2, 3, 4, 5, 6, 7, 8}
	for _, id := range ids {
		require.NoError(t, e.Insert(testDqblk(id)))
	}
	for _, id := range ids {
		require.NoError(t, e.Delete(id))
	}
	for _, id := range ids {
		_, found, err := e.Find(id)
		require.NoError(t, err)
		require.False(t, found, "id %d should be gone", id)
	}
}
