// merkle.go - Merkle tree over issued ticketbooks.
// Copyright (C) 2026  Nym Technologies SA.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package ticketstore

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/fxamacker/cbor/v2"
	"github.com/gofrs/uuid"
)

func encodeMerkleIndex(index uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, index)
	return b
}

func merkleLeafHash(expirationDate string, depositID uuid.UUID, blindedPartialCredential []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(expirationDate))
	h.Write(depositID.Bytes())
	h.Write(blindedPartialCredential)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// ComputeMerkleRoot folds a sequence of leaves into a single root hash
// via pairwise sha256 combination, promoting an unpaired final leaf
// unchanged to the next level (standard odd-node duplication-free
// Merkle folding).
func ComputeMerkleRoot(leaves [][32]byte) [32]byte {
	level := leaves
	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			h := sha256.New()
			h.Write(level[i][:])
			h.Write(level[i+1][:])
			var combined [32]byte
			copy(combined[:], h.Sum(nil))
			next = append(next, combined)
		}
		level = next
	}
	return level[0]
}

type issueRecordWire struct {
	DepositID                []byte
	ExpirationDate           string
	BlindedPartialCredential []byte
	MerkleLeaf               []byte
	MerkleIndex              uint64
}

func encodeIssueRecord(r IssueRecord) ([]byte, error) {
	wire := issueRecordWire{
		DepositID:                r.DepositID.Bytes(),
		ExpirationDate:           r.ExpirationDate,
		BlindedPartialCredential: r.BlindedPartialCredential,
		MerkleLeaf:               r.MerkleLeaf[:],
		MerkleIndex:              r.MerkleIndex,
	}
	return cbor.Marshal(wire)
}

func decodeIssueRecord(b []byte) (IssueRecord, error) {
	var wire issueRecordWire
	if err := cbor.Unmarshal(b, &wire); err != nil {
		return IssueRecord{}, err
	}
	depositID, err := uuid.FromBytes(wire.DepositID)
	if err != nil {
		return IssueRecord{}, err
	}
	var leaf [32]byte
	copy(leaf[:], wire.MerkleLeaf)
	return IssueRecord{
		DepositID:                depositID,
		ExpirationDate:           wire.ExpirationDate,
		BlindedPartialCredential: wire.BlindedPartialCredential,
		MerkleLeaf:               leaf,
		MerkleIndex:              wire.MerkleIndex,
	}, nil
}
