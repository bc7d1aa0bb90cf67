// ticketwire.go - Wire encoding for ecash ticket redemptions.
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

package gateway

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/nymtech/nym-sub008/ledger"
)

// credentialSpendingDataWire is the stable binary encoding spec.md §6
// requires for CredentialSpendingData: it must round-trip exactly and
// expose the serial number, the ticketbook's expiration-date
// attribute, and the spending-date attribute. This is the plaintext
// carried inside EcashCredential.EncCredential once decrypted.
type credentialSpendingDataWire struct {
	Proof          []byte
	SerialNumber   []byte
	ExpirationDate string
	SpendingDate   string
	CoinIndex      int64
	Value          int64
}

// EncodeCredentialSpendingData serializes a ticket redemption for the
// wire.
func EncodeCredentialSpendingData(t ledger.CredentialSpendingData) ([]byte, error) {
	wire := credentialSpendingDataWire{
		Proof:          t.Proof,
		SerialNumber:   t.SerialNumber[:],
		ExpirationDate: t.ExpirationDate,
		SpendingDate:   t.SpendingDate,
		CoinIndex:      int64(t.CoinIndex),
		Value:          t.Value,
	}
	return cbor.Marshal(wire)
}

// DecodeCredentialSpendingData reverses EncodeCredentialSpendingData,
// rejecting malformed bytes per spec.md §4.E step 1.
func DecodeCredentialSpendingData(b []byte) (ledger.CredentialSpendingData, error) {
	var wire credentialSpendingDataWire
	if err := cbor.Unmarshal(b, &wire); err != nil {
		return ledger.CredentialSpendingData{}, fmt.Errorf("%w: %v", ledger.ErrMalformedTicket, err)
	}
	if len(wire.SerialNumber) != 32 {
		return ledger.CredentialSpendingData{}, fmt.Errorf("%w: serial number has length %d, want 32", ledger.ErrMalformedTicket, len(wire.SerialNumber))
	}
	var serial [32]byte
	copy(serial[:], wire.SerialNumber)
	return ledger.CredentialSpendingData{
		Proof:          wire.Proof,
		SerialNumber:   serial,
		ExpirationDate: wire.ExpirationDate,
		SpendingDate:   wire.SpendingDate,
		CoinIndex:      int(wire.CoinIndex),
		Value:          wire.Value,
	}, nil
}
