// ticketbook_test.go - Tests for ticketbook verification.
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

package ecash

import (
	"crypto/rand"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func issueTestTicketbook(t *testing.T, expirationDays, coinIndices int) Ticketbook {
	t.Helper()
	msk, mvk, err := masterKeyGen(rand.Reader)
	require.NoError(t, err)

	tb := Ticketbook{MasterVK: mvk}
	for i := 0; i < expirationDays; i++ {
		msg := []byte(fmt.Sprintf("expiration-date:%d", i))
		tb.ExpirationSigs = append(tb.ExpirationSigs, signBLS(msk, msg, "nym-ticketbook-expiration"))
	}
	for i := 0; i < coinIndices; i++ {
		msg := []byte(fmt.Sprintf("coin-index:%d", i))
		tb.CoinIndexSigs = append(tb.CoinIndexSigs, signBLS(msk, msg, "nym-ticketbook-coin-index"))
	}
	return tb
}

func TestTicketbookVerifyAcceptsGenuineSignatures(t *testing.T) {
	tb := issueTestTicketbook(t, 3, 10)
	require.NoError(t, tb.Verify())
}

func TestTicketbookVerifyRejectsForeignSignature(t *testing.T) {
	tb := issueTestTicketbook(t, 3, 10)

	otherMsk, _, err := masterKeyGen(rand.Reader)
	require.NoError(t, err)
	tb.CoinIndexSigs[5] = signBLS(otherMsk, []byte(fmt.Sprintf("coin-index:%d", 5)), "nym-ticketbook-coin-index")

	require.ErrorIs(t, tb.Verify(), ErrCryptoInvalid)
}

func TestVerifySpendAcceptsValidCoinIndex(t *testing.T) {
	tb := issueTestTicketbook(t, 1, 5)

	var serial [32]byte
	serial[0] = 7
	ticket, err := tb.VerifySpend(2, serial)
	require.NoError(t, err)
	require.Equal(t, 2, ticket.CoinIndex)
	require.Equal(t, serial, ticket.SerialNumber)
}

func TestVerifySpendRejectsOutOfRangeCoinIndex(t *testing.T) {
	tb := issueTestTicketbook(t, 1, 5)
	var serial [32]byte
	_, err := tb.VerifySpend(5, serial)
	require.Error(t, err)
}

func TestVerifySpendRejectsTamperedSignature(t *testing.T) {
	tb := issueTestTicketbook(t, 1, 5)
	otherMsk, _, err := masterKeyGen(rand.Reader)
	require.NoError(t, err)
	tb.CoinIndexSigs[3] = signBLS(otherMsk, []byte(fmt.Sprintf("coin-index:%d", 3)), "nym-ticketbook-coin-index")

	var serial [32]byte
	_, err = tb.VerifySpend(3, serial)
	require.ErrorIs(t, err, ErrCryptoInvalid)
}
