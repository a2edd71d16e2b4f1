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

package main

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/markfasheh/ocfs2/internal/blockio"
	"github.com/silverisntgold/randshiro"
)

const blockSize = 4096    // 4KB block size.
const totalBlocks = 10000 // Total number of blocks to write/read.
const queueDepth = 20     // Concurrent users or operations.

type operation struct {
	isWrite bool
	*block
}

type block struct {
	blkno uint64
	crc   uint32
}

func main() {
	rng := randshiro.New128pp()
	randReader := &randshiroReader{rng: rng}

	tempDir, err := os.MkdirTemp("", "ocfs2-bench")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(tempDir)

	f, err := os.Create(filepath.Join(tempDir, "test.img"))
	if err != nil {
		log.Fatal(err)
	}
	if err := f.Truncate(1 << 30); err != nil {
		log.Fatal(err)
	}

	ch, err := blockio.NewChannel(f, blockio.ReadWrite, blockSize)
	if err != nil {
		log.Fatal(err)
	}
	defer ch.Close()

	totalVolumeBlocks := uint64((1 << 30) / blockSize)

	var blocks []block
	for i := 0; i < totalBlocks; i++ {
		for {
			blkno := rng.Uint64() % totalVolumeBlocks
			newBlock := block{blkno: blkno}

			if err := checkBlockOverlap(newBlock, blocks); err != nil {
				continue
			}

			blocks = append(blocks, newBlock)
			break
		}
	}

	var writeOperations []operation
	for i := range blocks {
		writeOperations = append(writeOperations, operation{
			isWrite: true,
			block:   &blocks[i],
		})
	}

	var readOperations []operation
	for i := range blocks {
		readOperations = append(readOperations, operation{
			isWrite: false,
			block:   &blocks[i],
		})
	}

	var wg sync.WaitGroup
	jobCh := make(chan operation)

	for i := 0; i < queueDepth; i++ {
		go worker(&wg, jobCh, randReader, ch)
	}

	// Start benchmark.
	start := time.Now()

	for _, op := range writeOperations {
		wg.Add(1)
		jobCh <- op
	}

	// Wait for all write operations to complete.
	wg.Wait()

	for _, op := range readOperations {
		wg.Add(1)
		jobCh <- op
	}

	close(jobCh)

	// wait for all read operations to complete.
	wg.Wait()

	// Stop benchmark.
	elapsed := time.Since(start)

	iops := float64(len(writeOperations)+len(readOperations)) / elapsed.Seconds()
	throughput := iops * float64(blockSize) / (1024 * 1024) // MB/s

	log.Printf("IOPS: %.2f, Throughput: %.2f MB/s\n", iops, throughput)
}

func worker(jobCompleted *sync.WaitGroup, jobCh <-chan operation, randReader io.Reader, ch *blockio.Channel) {
	for op := range jobCh {
		data := make([]byte, blockSize)
		if op.isWrite {
			if _, err := randReader.Read(data); err != nil {
				log.Fatal(err)
			}

			if err := ch.WriteBlocks(op.blkno, 1, data); err != nil {
				log.Fatal(err)
			}

			op.crc = crc32.ChecksumIEEE(data)
		} else {
			if err := ch.ReadBlocksNocache(op.blkno, 1, data); err != nil {
				log.Fatal(err)
			}

			// Compare written and read CRCs (to check for data corruption).
			if crc := crc32.ChecksumIEEE(data); crc != op.crc {
				log.Fatalf("CRC mismatch: %x != %x\n", crc, op.crc)
			}
		}
		jobCompleted.Done()
	}
}

type randshiroReader struct {
	rng *randshiro.Gen
}

func (r *randshiroReader) Read(p []byte) (int, error) {
	n := 0
	for len(p[n:]) >= 8 {
		binary.LittleEndian.PutUint64(p[n:], r.rng.Uint64())
		n += 8
	}
	if n < len(p) {
		remainingBytes := r.rng.Uint64()
		for i := n; i < len(p); i++ {
			p[i] = byte(remainingBytes)
			remainingBytes >>= 8
		}
		n = len(p)
	}
	return n, nil
}

func checkBlockOverlap(newBlock block, blocks []block) error {
	for _, b := range blocks {
		if newBlock.blkno == b.blkno {
			return fmt.Errorf("block overlap detected")
		}
	}
	return nil
}
