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

package image_test

import (
	"bytes"
	"testing"

	"github.com/markfasheh/ocfs2/image"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBlockSize = 512

// memBackend is a tiny in-memory io.ReaderAt standing in for a volume.
type memBackend struct {
	buf []byte
}

func newMemBackend(nBlocks int) *memBackend {
	buf := make([]byte, nBlocks*testBlockSize)
	for i := range buf {
		buf[i] = byte(i)
	}
	return &memBackend{buf: buf}
}

func (m *memBackend) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, m.buf[off:])
	return n, nil
}

func TestBitmapSetTestTranslate(t *testing.T) {
	bm := image.NewBitmap(20000)
	bm.Set(0)
	bm.Set(5)
	bm.Set(9000)
	bm.Set(19999)

	assert.True(t, bm.Test(0))
	assert.True(t, bm.Test(5))
	assert.False(t, bm.Test(6))
	assert.True(t, bm.Test(9000))
	assert.True(t, bm.Test(19999))

	r0, ok := bm.Translate(0)
	require.True(t, ok)
	assert.Equal(t, uint64(0), r0)

	r1, ok := bm.Translate(5)
	require.True(t, ok)
	assert.Equal(t, uint64(1), r1)

	r2, ok := bm.Translate(9000)
	require.True(t, ok)
	assert.Equal(t, uint64(2), r2)

	r3, ok := bm.Translate(19999)
	require.True(t, ok)
	assert.Equal(t, uint64(3), r3)

	_, ok = bm.Translate(6)
	assert.False(t, ok)
}

func TestBitmapLoadRoundTrip(t *testing.T) {
	bm := image.NewBitmap(100000)
	for _, b := range []uint64{1, 2, 40000, 99999} {
		bm.Set(b)
	}
	loaded := image.LoadBitmap(100000, bm.Blocks())
	for _, b := range []uint64{1, 2, 40000, 99999} {
		want, _ := bm.Translate(b)
		got, ok := loaded.Translate(b)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
}

func TestPackedWriteAndReadRoundTrip(t *testing.T) {
	const nBlocks = 64
	backend := newMemBackend(nBlocks)

	bm := image.NewBitmap(nBlocks)
	marked := []uint64{0, 1, 2, 10, 63}
	for _, b := range marked {
		bm.Set(b)
	}

	var out bytes.Buffer
	require.NoError(t, image.WritePacked(&out, backend, testBlockSize, nBlocks, bm, []uint64{0}, 1234))

	imgBytes := out.Bytes()
	f, err := image.Open(bytes.NewReader(imgBytes), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1234), uint64(f.Header.Timestamp))
	assert.Equal(t, uint64(nBlocks), f.Header.FSBlockCount)
	assert.Equal(t, uint64(len(marked)), f.Header.ImgBlockCount)

	for _, b := range marked {
		got := make([]byte, testBlockSize)
		_, err := f.ReadAt(got, int64(b)*testBlockSize)
		require.NoError(t, err)

		want := make([]byte, testBlockSize)
		_, _ = backend.ReadAt(want, int64(b)*testBlockSize)
		assert.Equal(t, want, got)
	}

	// An unmarked block reports IoError rather than silently returning
	// zeroes or another block's data.
	_, err = f.ReadAt(make([]byte, testBlockSize), 3*testBlockSize)
	assert.Error(t, err)
}

func TestFileIsReadOnly(t *testing.T) {
	const nBlocks = 4
	backend := newMemBackend(nBlocks)
	bm := image.NewBitmap(nBlocks)
	bm.Set(0)

	var out bytes.Buffer
	require.NoError(t, image.WritePacked(&out, backend, testBlockSize, nBlocks, bm, nil, 0))

	f, err := image.Open(bytes.NewReader(out.Bytes()), nil)
	require.NoError(t, err)

	_, err = f.WriteAt(make([]byte, testBlockSize), 0)
	assert.Error(t, err)
}

func TestWriteRawMarksOnlyCapturedBlocks(t *testing.T) {
	const nBlocks = 8
	backend := newMemBackend(nBlocks)
	bm := image.NewBitmap(nBlocks)
	bm.Set(2)
	bm.Set(5)

	raw := make([]byte, nBlocks*testBlockSize)
	dst := &sliceWriterAt{buf: raw}
	require.NoError(t, image.WriteRaw(dst, backend, testBlockSize, nBlocks, bm))

	want := make([]byte, testBlockSize)
	_, _ = backend.ReadAt(want, 2*testBlockSize)
	assert.Equal(t, want, raw[2*testBlockSize:3*testBlockSize])

	zero := make([]byte, testBlockSize)
	assert.Equal(t, zero, raw[0:testBlockSize])
	assert.Equal(t, zero, raw[3*testBlockSize:4*testBlockSize])
}

type sliceWriterAt struct{ buf []byte }

func (s *sliceWriterAt) WriteAt(p []byte, off int64) (int, error) {
	n := copy(s.buf[off:], p)
	return n, nil
}
