// ledger_test.go - Tests for the client bandwidth ledger.
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

package ledger

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/nymtech/nym-sub008/bloomfilter"
	"github.com/nymtech/nym-sub008/ecash"
	"github.com/nymtech/nym-sub008/ticketstore"
)

func testLogger() *log.Logger {
	return log.NewWithOptions(os.Stderr, log.Options{Prefix: "ledger-test"})
}

// fakeVerifier lets tests drive VerifySpend's outcome directly,
// without needing a genuine ticketbook for every ledger scenario.
type fakeVerifier struct {
	accept bool
}

func (f fakeVerifier) VerifySpend(coinIndex int, serialNumber [32]byte) (ecash.VerifiedTicket, error) {
	if !f.accept {
		return ecash.VerifiedTicket{}, ecash.ErrCryptoInvalid
	}
	return ecash.VerifiedTicket{CoinIndex: coinIndex, SerialNumber: serialNumber}, nil
}

func testParams() bloomfilter.Params {
	return bloomfilter.DefaultParams(1, 2, 3, 4, 4096, 3)
}

func newTestPipeline(t *testing.T, verifier Verifier, fixedNow time.Time) (*Pipeline, *ticketstore.Store) {
	t.Helper()
	store, err := ticketstore.Open(filepath.Join(t.TempDir(), "tickets.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	filters := bloomfilter.NewRegistry(testParams())
	metrics := NewMetrics(prometheus.NewRegistry())
	mylog := testLogger()

	pipeline := NewPipeline(filters, store, verifier, metrics, mylog, func() time.Time { return fixedNow })
	return pipeline, store
}

func sampleTicket(serial byte, date string) CredentialSpendingData {
	var sn [32]byte
	sn[0] = serial
	return CredentialSpendingData{
		SerialNumber:   sn,
		ExpirationDate: "2026-08-15",
		SpendingDate:   date,
		CoinIndex:      0,
		Value:          1024,
	}
}

func TestClientBandwidthDebitAndCredit(t *testing.T) {
	b := NewClientBandwidth()
	b.Credit(100)
	require.EqualValues(t, 100, b.Available())

	newAvail, err := b.TryDebit(40)
	require.NoError(t, err)
	require.EqualValues(t, 60, newAvail)
	require.EqualValues(t, 60, b.Available())
}

func TestClientBandwidthDebitRejectsBelowZero(t *testing.T) {
	b := NewClientBandwidth()
	b.Credit(10)

	_, err := b.TryDebit(20)
	require.Error(t, err)

	var oob *OutOfBandwidthError
	require.ErrorAs(t, err, &oob)
	require.EqualValues(t, 20, oob.Required)
	require.EqualValues(t, 10, oob.Available)
	require.ErrorIs(t, err, ErrOutOfBandwidth)

	require.EqualValues(t, 10, b.Available(), "a rejected debit must not change the balance")
}

func TestVerifyAndCreditSuccessCreditsBalance(t *testing.T) {
	today := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	pipeline, _ := newTestPipeline(t, fakeVerifier{accept: true}, today)

	balance := NewClientBandwidth()
	ticket := sampleTicket(1, "2026-07-30")

	newAvail, err := pipeline.VerifyAndCredit(ticket, balance)
	require.NoError(t, err)
	require.EqualValues(t, 1024, newAvail)
	require.EqualValues(t, 1024, balance.Available())
}

func TestVerifyAndCreditRejectsOutsideValidityWindow(t *testing.T) {
	today := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	pipeline, _ := newTestPipeline(t, fakeVerifier{accept: true}, today)

	balance := NewClientBandwidth()
	ticket := sampleTicket(1, "2026-07-29") // not today

	_, err := pipeline.VerifyAndCredit(ticket, balance)
	require.ErrorIs(t, err, ErrOutsideValidity)
	require.Zero(t, balance.Available())
}

func TestVerifyAndCreditRejectsMalformedTicket(t *testing.T) {
	today := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	pipeline, _ := newTestPipeline(t, fakeVerifier{accept: true}, today)

	balance := NewClientBandwidth()
	ticket := sampleTicket(1, "")

	_, err := pipeline.VerifyAndCredit(ticket, balance)
	require.ErrorIs(t, err, ErrMalformedTicket)
}

func TestVerifyAndCreditRejectsCryptoInvalid(t *testing.T) {
	today := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	pipeline, _ := newTestPipeline(t, fakeVerifier{accept: false}, today)

	balance := NewClientBandwidth()
	ticket := sampleTicket(1, "2026-07-30")

	_, err := pipeline.VerifyAndCredit(ticket, balance)
	require.ErrorIs(t, err, ErrCryptoInvalid)
	require.Zero(t, balance.Available())
}

func TestVerifyAndCreditRejectsSecondSpendOfSameSerial(t *testing.T) {
	today := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	pipeline, _ := newTestPipeline(t, fakeVerifier{accept: true}, today)

	balance := NewClientBandwidth()
	ticket := sampleTicket(7, "2026-07-30")

	_, err := pipeline.VerifyAndCredit(ticket, balance)
	require.NoError(t, err)

	_, err = pipeline.VerifyAndCredit(ticket, balance)
	require.ErrorIs(t, err, ErrDoubleSpent)
	require.EqualValues(t, 1024, balance.Available(), "the second, rejected spend must not credit again")
}

func TestVerifyAndCreditDoubleSpendDetectedViaPersistedStoreAcrossFilterRestart(t *testing.T) {
	today := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	store, err := ticketstore.Open(filepath.Join(t.TempDir(), "tickets.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	metrics := NewMetrics(prometheus.NewRegistry())
	mylog := testLogger()
	nowFn := func() time.Time { return today }

	ticket := sampleTicket(5, "2026-07-30")

	// First pipeline instance spends the ticket and persists it.
	filtersA := bloomfilter.NewRegistry(testParams())
	pipelineA := NewPipeline(filtersA, store, fakeVerifier{accept: true}, metrics, mylog, nowFn)
	_, err = pipelineA.VerifyAndCredit(ticket, NewClientBandwidth())
	require.NoError(t, err)

	// A second pipeline with a brand new, empty in-memory Bloom filter
	// must still catch the double-spend via the exact ticketstore
	// lookup once the filter (wrongly, since it's fresh) reports a
	// Bloom negative... so pre-seed it from the persisted bitmap, the
	// way a restarted gateway would.
	filtersB := bloomfilter.NewRegistry(testParams())
	bitmap, ok, err := store.LoadBloomBitmap("2026-07-30")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, filtersB.ForDate("2026-07-30").LoadBitmap(bitmap))

	pipelineB := NewPipeline(filtersB, store, fakeVerifier{accept: true}, metrics, mylog, nowFn)
	_, err = pipelineB.VerifyAndCredit(ticket, NewClientBandwidth())
	require.ErrorIs(t, err, ErrDoubleSpent)
}

func TestVerifyAndCreditDistinctSerialsBothCredit(t *testing.T) {
	today := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	pipeline, _ := newTestPipeline(t, fakeVerifier{accept: true}, today)

	balance := NewClientBandwidth()

	_, err := pipeline.VerifyAndCredit(sampleTicket(1, "2026-07-30"), balance)
	require.NoError(t, err)
	_, err = pipeline.VerifyAndCredit(sampleTicket(2, "2026-07-30"), balance)
	require.NoError(t, err)

	require.EqualValues(t, 2048, balance.Available())
}
