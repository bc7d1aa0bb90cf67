// ticketstore.go - Persistent ticket spend store.
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

// Package ticketstore is the persistent half of the double-spend
// guard: an exact record of every spent ticket serial number, the
// per-date Bloom bitmap snapshot that shadows bloomfilter.DailyFilter,
// and the ticketbook issuance ledger authorities consult by deposit
// id. Backed by bbolt, following the same bucket-per-concern,
// Update/View transaction shape as the teacher's userdb/boltuserdb.
package ticketstore

import (
	"errors"
	"fmt"

	"github.com/gofrs/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	ErrAlreadySpent = errors.New("ticketstore: serial number already spent for this date")
	ErrNotFound     = errors.New("ticketstore: no record for that key")
	ErrMerkleEmpty  = errors.New("ticketstore: merkle tree has no leaves")
)

var (
	spentTicketsBucket  = []byte("spent_tickets")
	bloomBitmapsBucket  = []byte("bloom_bitmaps")
	issuanceByDepositID = []byte("issuance_by_deposit_id")
	merkleLeavesByDate  = []byte("merkle_leaves_by_date")
)

// Store is a bbolt-backed ticketstore handle.
type Store struct {
	db *bolt.DB
}

// Open creates (or loads) a ticketstore at path, ensuring every bucket
// this package writes to exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("ticketstore: opening database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{spentTicketsBucket, bloomBitmapsBucket, issuanceByDepositID, merkleLeavesByDate} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ticketstore: ensuring buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Sync(); err != nil {
		return err
	}
	return s.db.Close()
}

func spentKey(spendingDate string, serialNumber [32]byte) []byte {
	return append([]byte(spendingDate+"|"), serialNumber[:]...)
}

// IsSpent performs the exact double-spend lookup: step 5 of
// verify_and_credit, reached only after a Bloom-filter positive.
func (s *Store) IsSpent(spendingDate string, serialNumber [32]byte) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(spentTicketsBucket)
		found = bkt.Get(spentKey(spendingDate, serialNumber)) != nil
		return nil
	})
	return found, err
}

// RecordSpent performs step 7's ticket-store insertion and the Bloom
// bitmap write within a single bbolt transaction, so a crash between
// the two is impossible: either both land or neither does. It returns
// ErrAlreadySpent if another transaction already recorded the same
// (serial_number, date) pair, which the caller must treat as a
// double-spend rejection, not a storage error.
func (s *Store) RecordSpent(spendingDate string, serialNumber [32]byte, bloomBitmap []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		spentBkt := tx.Bucket(spentTicketsBucket)
		key := spentKey(spendingDate, serialNumber)
		if spentBkt.Get(key) != nil {
			return ErrAlreadySpent
		}
		if err := spentBkt.Put(key, []byte{1}); err != nil {
			return err
		}

		bloomBkt := tx.Bucket(bloomBitmapsBucket)
		return bloomBkt.Put([]byte(spendingDate), bloomBitmap)
	})
}

// LoadBloomBitmap returns the persisted bitmap for date, if any.
func (s *Store) LoadBloomBitmap(date string) ([]byte, bool, error) {
	var bitmap []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bloomBitmapsBucket).Get([]byte(date))
		if raw == nil {
			return nil
		}
		bitmap = append([]byte(nil), raw...)
		return nil
	})
	return bitmap, bitmap != nil, err
}

// IssueRecord is one ticketbook issuance: the authority-side output of
// accepting a deposit, committed to a per-expiration-date Merkle tree.
type IssueRecord struct {
	DepositID               uuid.UUID
	ExpirationDate          string
	BlindedPartialCredential []byte
	MerkleLeaf              [32]byte
	MerkleIndex             uint64
}

func depositKey(id uuid.UUID) []byte { return id.Bytes() }

// IssueTicketbook appends a new leaf to expirationDate's Merkle tree
// and records the resulting IssueRecord keyed by deposit id, both
// within a single transaction. Issuance is append-only: an existing
// deposit id is rejected rather than silently overwritten.
func (s *Store) IssueTicketbook(expirationDate string, depositID uuid.UUID, blindedPartialCredential []byte) (IssueRecord, error) {
	var record IssueRecord
	err := s.db.Update(func(tx *bolt.Tx) error {
		issuanceBkt := tx.Bucket(issuanceByDepositID)
		if issuanceBkt.Get(depositKey(depositID)) != nil {
			return fmt.Errorf("ticketstore: deposit id %s already issued", depositID)
		}

		leaf := merkleLeafHash(expirationDate, depositID, blindedPartialCredential)

		merkleBkt := tx.Bucket(merkleLeavesByDate)
		dateBkt, err := merkleBkt.CreateBucketIfNotExists([]byte(expirationDate))
		if err != nil {
			return err
		}
		index := uint64(dateBkt.Stats().KeyN)
		if err := dateBkt.Put(encodeMerkleIndex(index), leaf[:]); err != nil {
			return err
		}

		record = IssueRecord{
			DepositID:                depositID,
			ExpirationDate:           expirationDate,
			BlindedPartialCredential: blindedPartialCredential,
			MerkleLeaf:               leaf,
			MerkleIndex:              index,
		}
		encoded, err := encodeIssueRecord(record)
		if err != nil {
			return err
		}
		return issuanceBkt.Put(depositKey(depositID), encoded)
	})
	return record, err
}

// LookupByDepositID returns at most one issuance record for the given
// deposit id.
func (s *Store) LookupByDepositID(depositID uuid.UUID) (IssueRecord, error) {
	var record IssueRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(issuanceByDepositID).Get(depositKey(depositID))
		if raw == nil {
			return ErrNotFound
		}
		decoded, err := decodeIssueRecord(raw)
		if err != nil {
			return err
		}
		record = decoded
		return nil
	})
	return record, err
}

// MerkleRoot recomputes the root of expirationDate's leaf sequence,
// for authorities to publish alongside their verification key.
func (s *Store) MerkleRoot(expirationDate string) ([32]byte, error) {
	var root [32]byte
	err := s.db.View(func(tx *bolt.Tx) error {
		merkleBkt := tx.Bucket(merkleLeavesByDate)
		dateBkt := merkleBkt.Bucket([]byte(expirationDate))
		if dateBkt == nil {
			return ErrMerkleEmpty
		}
		var leaves [][32]byte
		cursor := dateBkt.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var leaf [32]byte
			copy(leaf[:], v)
			leaves = append(leaves, leaf)
		}
		if len(leaves) == 0 {
			return ErrMerkleEmpty
		}
		root = ComputeMerkleRoot(leaves)
		return nil
	})
	return root, err
}
