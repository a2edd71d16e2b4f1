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

package journal_test

import (
	"errors"
	"testing"

	"github.com/markfasheh/ocfs2/internal/ocerr"
	"github.com/markfasheh/ocfs2/journal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSuperblock() journal.Superblock {
	sb := journal.Superblock{
		Header: journal.Header{
			BlockType: journal.SuperblockV2,
			Sequence:  1,
		},
		BlockSize:       4096,
		MaxLen:          8192,
		First:           1,
		Sequence:        1,
		Start:           0,
		FeatureIncompat: journal.IncompatFeature64Bit,
		MaxTransaction:  1024,
		MaxTransData:    512,
	}
	copy(sb.UUID[:], []byte("0123456789ABCDEF"))
	return sb
}

func TestSuperblockRoundTrip(t *testing.T) {
	buf := make([]byte, 512)
	sb := testSuperblock()
	require.NoError(t, journal.WriteSuperblock(sb, buf))

	got, err := journal.ReadSuperblock(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(journal.SuperblockV2), got.Header.BlockType)
	assert.Equal(t, sb.BlockSize, got.BlockSize)
	assert.Equal(t, sb.MaxLen, got.MaxLen)
	assert.Equal(t, sb.MaxTransaction, got.MaxTransaction)
	assert.Equal(t, sb.MaxTransData, got.MaxTransData)
	assert.Equal(t, sb.UUID, got.UUID)
	assert.Equal(t, sb.FeatureIncompat, got.FeatureIncompat)
}

func TestReadSuperblockRejectsBadMagic(t *testing.T) {
	buf := make([]byte, 512)
	sb := testSuperblock()
	require.NoError(t, journal.WriteSuperblock(sb, buf))
	buf[0] ^= 0xff

	_, err := journal.ReadSuperblock(buf, 7)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ocerr.Err(ocerr.BadMagic)))
}

func TestReadSuperblockRejectsUnknownIncompatFeature(t *testing.T) {
	buf := make([]byte, 512)
	sb := testSuperblock()
	sb.FeatureIncompat = 0x8000
	require.NoError(t, journal.WriteSuperblock(sb, buf))

	_, err := journal.ReadSuperblock(buf, 0)
	require.Error(t, err)
}

func TestReadSuperblockRejectsShortBuffer(t *testing.T) {
	_, err := journal.ReadSuperblock(make([]byte, 10), 0)
	require.Error(t, err)
}

func TestWriteSuperblockDefaultsMagicAndBlockType(t *testing.T) {
	buf := make([]byte, 512)
	require.NoError(t, journal.WriteSuperblock(journal.Superblock{}, buf))

	got, err := journal.ReadSuperblock(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(journal.SuperblockV2), got.Header.BlockType)
}
