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
	"errors"
	"fmt"

	"github.com/markfasheh/ocfs2/internal/blockio"
	"github.com/markfasheh/ocfs2/internal/ocerr"
)

var (
	errShortSuperblock    = errors.New("block too short to hold a superblock")
	errBadBlockSizeBits   = errors.New("block-size-bits outside the supported 512-4096 range")
	errBadClusterSizeBits = errors.New("cluster-size-bits outside the supported range")
	errMissingSystemBlocks = errors.New("root or system directory block number is zero")
)

// Superblock is the decoded form of the on-disk superblock (spec.md §4.1):
// block-size-bits, cluster-size-bits, max slots, feature bit sets, uuid,
// cluster-stack identity, root and system-directory block numbers.
//
// Grounded on original_source/libocfs2/openfs.c's field reads
// (s_blocksize_bits, s_clustersize_bits, s_root_blkno, s_system_dir_blkno,
// s_max_slots, s_first_cluster_group) and on the superblock signature check
// in the same file (OCFS2_SUPER_BLOCK_SIGNATURE).
type Superblock struct {
	BlockSizeBits    uint8
	ClusterSizeBits  uint8
	MaxSlots         uint16
	Clusters         uint32
	RootBlkno        uint64
	SystemDirBlkno   uint64
	FirstClusterGrp  uint64
	FeatureCompat    uint32
	FeatureIncompat  uint32
	FeatureROCompat  uint32
	UUID             [16]byte
	ClusterStackName [16]byte
	DxSeed           [3]uint32

	// QuotaReservedSpace is the trailer size every quota file block
	// reserves at its tail for the block's check field (spec.md §9's
	// quota Open Question: "derived from the parsed superblock field,
	// never hard-coded"). quota.Engine subtracts this from the block
	// size to get the usable dqblk/reference-array area.
	QuotaReservedSpace uint16
}

const superblockSignature = "OCFS2SUPER"

// superblockBlockNumber is the fixed block index of the primary superblock
// (spec.md §7: "Superblock block number: 2").
const superblockBlockNumber = 2

// sbCheckLayout places the superblock's CRC32+Hamming check field right
// after the generic dinode header, before the superblock union arm begins
// at sbOffset (spec.md §2/§7: "every typed block carries the same 12-byte
// check field").
var sbCheckLayout = blockio.CheckFieldLayout{Offset: 16}

// Feature flags this library supports; anything else in Feature{Compat,
// Incompat,ROCompat} on open fails with UnsupportedFeature (spec.md §4.1).
const (
	IncompatSupportedMask = 0 // filled in as individual feature bits are implemented
	ROCompatSupportedMask = 0
)

// decodeSuperblock interprets the dinode-shaped block already validated by
// Stamp/Validate (checksum + ECC) at the typed I/O layer; it does not
// itself touch the check fields.
func decodeSuperblock(block []byte, blkno uint64) (*Superblock, error) {
	if err := blockio.CheckSignature(block, superblockSignature, blkno); err != nil {
		return nil, err
	}

	const sbOffset = 48 // signature + generic dinode fields precede the union arm
	if len(block) < sbOffset+200 {
		return nil, ocerr.Wrap(ocerr.CorruptedBlock, blkno, errShortSuperblock)
	}

	le := blockio.LE
	sb := &Superblock{
		MaxSlots:        le.Uint16(block[sbOffset+0:]),
		ClusterSizeBits: block[sbOffset+2],
		BlockSizeBits:   block[sbOffset+3],
		Clusters:        le.Uint32(block[sbOffset+4:]),
		RootBlkno:       le.Uint64(block[sbOffset+8:]),
		SystemDirBlkno:  le.Uint64(block[sbOffset+16:]),
		FirstClusterGrp: le.Uint64(block[sbOffset+24:]),
		FeatureCompat:   le.Uint32(block[sbOffset+32:]),
		FeatureIncompat: le.Uint32(block[sbOffset+36:]),
		FeatureROCompat: le.Uint32(block[sbOffset+40:]),
	}
	copy(sb.UUID[:], block[sbOffset+44:sbOffset+60])
	copy(sb.ClusterStackName[:], block[sbOffset+60:sbOffset+76])
	sb.DxSeed[0] = le.Uint32(block[sbOffset+76:])
	sb.DxSeed[1] = le.Uint32(block[sbOffset+80:])
	sb.DxSeed[2] = le.Uint32(block[sbOffset+84:])
	sb.QuotaReservedSpace = le.Uint16(block[sbOffset+88:])

	if err := sb.checkInvariants(blkno); err != nil {
		return nil, err
	}
	return sb, nil
}

// checkInvariants enforces spec.md §4.1: block-size-bits in range for
// 512-4096, cluster-size-bits 12-20, required block numbers present, max
// slots bounded, and no unsupported feature bits set.
func (sb *Superblock) checkInvariants(blkno uint64) error {
	if sb.BlockSizeBits < 9 || sb.BlockSizeBits > 12 {
		return ocerr.Wrap(ocerr.CorruptedBlock, blkno, errBadBlockSizeBits)
	}
	if sb.ClusterSizeBits < 12 || sb.ClusterSizeBits > 20 {
		return ocerr.Wrap(ocerr.CorruptedBlock, blkno, errBadClusterSizeBits)
	}
	if sb.RootBlkno == 0 || sb.SystemDirBlkno == 0 {
		return ocerr.Wrap(ocerr.CorruptedBlock, blkno, errMissingSystemBlocks)
	}
	if sb.FeatureIncompat&^IncompatSupportedMask != 0 {
		return ocerr.Err(ocerr.UnsupportedFeature)
	}
	if sb.FeatureROCompat&^ROCompatSupportedMask != 0 {
		return ocerr.Err(ocerr.ReadOnlyUnsupportedFeature)
	}
	return nil
}

func (sb *Superblock) blockSize() int   { return 1 << sb.BlockSizeBits }
func (sb *Superblock) clusterSize() int { return 1 << sb.ClusterSizeBits }

// UUIDString renders the volume UUID in the standard 8-4-4-4-12 hex form.
func (sb *Superblock) UUIDString() string {
	u := sb.UUID
	return fmt.Sprintf("%x-%x-%x-%x-%x", u[0:4], u[4:6], u[6:8], u[8:10], u[10:16])
}

// encodeSuperblock serializes sb back into block's dinode union arm; the
// caller (Handle.flushSuperblock) stamps the checksum/ECC check fields
// afterward via blockio.Stamp.
func encodeSuperblock(sb *Superblock, block []byte) {
	copy(block[0:10], superblockSignature)

	const sbOffset = 48
	le := blockio.LE
	le.PutUint16(block[sbOffset+0:], sb.MaxSlots)
	block[sbOffset+2] = sb.ClusterSizeBits
	block[sbOffset+3] = sb.BlockSizeBits
	le.PutUint32(block[sbOffset+4:], sb.Clusters)
	le.PutUint64(block[sbOffset+8:], sb.RootBlkno)
	le.PutUint64(block[sbOffset+16:], sb.SystemDirBlkno)
	le.PutUint64(block[sbOffset+24:], sb.FirstClusterGrp)
	le.PutUint32(block[sbOffset+32:], sb.FeatureCompat)
	le.PutUint32(block[sbOffset+36:], sb.FeatureIncompat)
	le.PutUint32(block[sbOffset+40:], sb.FeatureROCompat)
	copy(block[sbOffset+44:sbOffset+60], sb.UUID[:])
	copy(block[sbOffset+60:sbOffset+76], sb.ClusterStackName[:])
	le.PutUint32(block[sbOffset+76:], sb.DxSeed[0])
	le.PutUint32(block[sbOffset+80:], sb.DxSeed[1])
	le.PutUint32(block[sbOffset+84:], sb.DxSeed[2])
	le.PutUint16(block[sbOffset+88:], sb.QuotaReservedSpace)
}
