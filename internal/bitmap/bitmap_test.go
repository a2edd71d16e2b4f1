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

package bitmap_test

import (
	"testing"

	"github.com/markfasheh/ocfs2/internal/bitmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetClearTest(t *testing.T) {
	buf := make([]byte, 8)
	bm := bitmap.New(buf)

	bm.Set(3)
	bm.Set(10)
	assert.True(t, bm.Test(3))
	assert.True(t, bm.Test(10))
	assert.False(t, bm.Test(4))

	bm.Clear(3)
	assert.False(t, bm.Test(3))
}

func TestCountSet(t *testing.T) {
	buf := make([]byte, 4)
	bm := bitmap.New(buf)
	bm.SetRange(2, 10)

	assert.Equal(t, 10, bm.CountSet(0, bm.Len()))
	assert.Equal(t, 5, bm.CountSet(2, 5))
}

func TestFindNConsecutiveClear(t *testing.T) {
	buf := make([]byte, 4)
	bm := bitmap.New(buf)
	bm.SetRange(0, 5)
	bm.SetRange(10, 2)

	at := bm.FindNConsecutiveClear(0, 4)
	require.NotEqual(t, -1, at)
	assert.Equal(t, 5, at)

	at = bm.FindNConsecutiveClear(0, 6)
	assert.Equal(t, 12, at)
}

func TestFindLargestConsecutiveClear(t *testing.T) {
	buf := make([]byte, 4)
	bm := bitmap.New(buf)
	bm.SetRange(0, 5)
	bm.SetRange(28, 4)

	at, length := bm.FindLargestConsecutiveClear(0, 100)
	assert.Equal(t, 5, at)
	assert.Equal(t, 23, length)
}
