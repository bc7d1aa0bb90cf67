// ledger.go - Client bandwidth ledger and ticket verification pipeline.
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

// Package ledger implements the client-bandwidth half of Module E: a
// per-client atomic balance, and the verify_and_credit pipeline that
// ties together ticket parsing, the Bloom double-spend guard, the
// persistent ticket store, and cryptographic verification into a
// single operation.
package ledger

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nymtech/nym-sub008/bloomfilter"
	"github.com/nymtech/nym-sub008/ecash"
	"github.com/nymtech/nym-sub008/ticketstore"
)

var (
	ErrMalformedTicket  = errors.New("ledger: malformed ticket")
	ErrOutsideValidity  = errors.New("ledger: ticket spending date is not today")
	ErrDoubleSpent      = errors.New("ledger: serial number already spent for this date")
	ErrCryptoInvalid    = errors.New("ledger: ticket failed cryptographic verification")
	ErrOutOfBandwidth   = errors.New("ledger: debit would breach available bandwidth")
)

// OutOfBandwidthError carries the structured payload §4.D's contract
// promises a client on a failed debit: how much was needed and how
// much remained.
type OutOfBandwidthError struct {
	Required  int64
	Available int64
}

func (e *OutOfBandwidthError) Error() string {
	return fmt.Sprintf("ledger: out of bandwidth: required %d, available %d", e.Required, e.Available)
}

func (e *OutOfBandwidthError) Unwrap() error { return ErrOutOfBandwidth }

// CredentialSpendingData is the wire shape of a single ticket
// redemption, parsed from EcashCredential's decrypted plaintext.
type CredentialSpendingData struct {
	Proof          []byte
	SerialNumber   [32]byte
	ExpirationDate string
	SpendingDate   string
	CoinIndex      int
	Value          int64
}

// ClientBandwidth is one client's available-bandwidth counter, debited
// on every forwarded Sphinx packet and credited on every successfully
// verified ticket. It is exclusively owned by the client's gateway
// session task (per spec §5's concurrency model), so plain atomics
// suffice: there is never more than one concurrent mutator, but
// readers (metrics, diagnostics) may still observe it concurrently.
type ClientBandwidth struct {
	available atomic.Int64
}

// NewClientBandwidth starts a client at zero available bandwidth.
func NewClientBandwidth() *ClientBandwidth { return &ClientBandwidth{} }

// Available returns the current balance.
func (b *ClientBandwidth) Available() int64 { return b.available.Load() }

// TryDebit attempts to subtract amount from the balance, refusing (and
// leaving the balance untouched) if that would take it below zero.
func (b *ClientBandwidth) TryDebit(amount int64) (newAvailable int64, err error) {
	for {
		current := b.available.Load()
		if current-amount < 0 {
			return current, &OutOfBandwidthError{Required: amount, Available: current}
		}
		if b.available.CompareAndSwap(current, current-amount) {
			return current - amount, nil
		}
	}
}

// Credit adds amount to the balance, returning the new total.
func (b *ClientBandwidth) Credit(amount int64) int64 {
	return b.available.Add(amount)
}

// Metrics are the gateway-wide Prometheus collectors ledger
// operations report to, mirroring the teacher's own use of
// client_golang for server-side gauges and counters.
type Metrics struct {
	TicketsVerified  prometheus.Counter
	TicketsRejected  *prometheus.CounterVec
	AvailableBalance prometheus.Gauge
}

// NewMetrics registers and returns the ledger's Prometheus collectors
// against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicketsVerified: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nym_ledger_tickets_verified_total",
			Help: "Total number of tickets successfully verified and credited.",
		}),
		TicketsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nym_ledger_tickets_rejected_total",
			Help: "Total number of tickets rejected, labeled by reason.",
		}, []string{"reason"}),
		AvailableBalance: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nym_ledger_available_bandwidth_bytes",
			Help: "Most recently observed available bandwidth for a client session.",
		}),
	}
	reg.MustRegister(m.TicketsVerified, m.TicketsRejected, m.AvailableBalance)
	return m
}

// Verifier performs step 6 of verify_and_credit against a ticketbook's
// published cryptographic material for a given DKG epoch.
type Verifier interface {
	VerifySpend(coinIndex int, serialNumber [32]byte) (ecash.VerifiedTicket, error)
}

// Pipeline implements verify_and_credit end to end, wiring together
// the Bloom double-spend guard, the persistent ticket store, and a
// ticketbook Verifier.
type Pipeline struct {
	filters  *bloomfilter.Registry
	store    *ticketstore.Store
	verifier Verifier
	log      *log.Logger
	metrics  *Metrics
	now      func() time.Time
}

// NewPipeline constructs a verify_and_credit pipeline. now is injected
// so tests can pin "today" instead of depending on wall-clock time.
func NewPipeline(filters *bloomfilter.Registry, store *ticketstore.Store, verifier Verifier, metrics *Metrics, mylog *log.Logger, now func() time.Time) *Pipeline {
	return &Pipeline{filters: filters, store: store, verifier: verifier, log: mylog.WithPrefix("ledger"), metrics: metrics, now: now}
}

func (p *Pipeline) today() string {
	return p.now().UTC().Format("2006-01-02")
}

// VerifyAndCredit runs the eight-step pipeline from spec §4.E against
// a single ticket, crediting bandwidth on the client's balance only
// after every check passes and the persistence layer has durably
// recorded the spend.
func (p *Pipeline) VerifyAndCredit(ticket CredentialSpendingData, balance *ClientBandwidth) (newAvailable int64, err error) {
	defer func() {
		if err != nil {
			p.metrics.TicketsRejected.WithLabelValues(rejectReason(err)).Inc()
		}
	}()

	// Step 1 is the caller's responsibility: CredentialSpendingData
	// arrives already parsed. A zero spending date is the one
	// malformed-input signal this layer can still detect on its own.
	if ticket.SpendingDate == "" {
		return 0, ErrMalformedTicket
	}

	// Step 2: validity window.
	if ticket.SpendingDate != p.today() {
		return 0, ErrOutsideValidity
	}

	// Step 3: serial_number_bytes is already ticket.SerialNumber.

	// Step 4/5: Bloom check, exact lookup only on a positive.
	filter := p.filters.ForDate(ticket.SpendingDate)
	if filter.MayContain(ticket.SerialNumber[:]) {
		spent, err := p.store.IsSpent(ticket.SpendingDate, ticket.SerialNumber)
		if err != nil {
			return 0, fmt.Errorf("ledger: checking exact double-spend store: %w", err)
		}
		if spent {
			p.log.Warnf("rejected double-spent ticket: date=%s serial=%x", ticket.SpendingDate, ticket.SerialNumber)
			return 0, ErrDoubleSpent
		}
	}

	// Step 6: cryptographic verification.
	if _, err := p.verifier.VerifySpend(ticket.CoinIndex, ticket.SerialNumber); err != nil {
		p.log.Warnf("ticket failed cryptographic verification: %v", err)
		return 0, ErrCryptoInvalid
	}

	// Step 7: atomic persistence unit. The Bloom bit is set in memory
	// first and the bitmap snapshot it produces is written alongside the
	// ticket-store row in one bbolt transaction, so a durably recorded
	// spend is always present in the persisted bitmap. If the transaction
	// fails the in-memory bits stay set; they can only cause Bloom false
	// positives, which the exact ticket-store lookup resolves.
	filter.Insert(ticket.SerialNumber[:])
	if err := p.store.RecordSpent(ticket.SpendingDate, ticket.SerialNumber, filter.Bitmap()); err != nil {
		if errors.Is(err, ticketstore.ErrAlreadySpent) {
			p.log.Warnf("rejected double-spent ticket on commit race: date=%s serial=%x", ticket.SpendingDate, ticket.SerialNumber)
			return 0, ErrDoubleSpent
		}
		return 0, fmt.Errorf("ledger: recording spent ticket: %w", err)
	}

	newAvailable = balance.Credit(ticket.Value)

	p.metrics.TicketsVerified.Inc()
	p.metrics.AvailableBalance.Set(float64(newAvailable))

	// Step 8: return new available bandwidth.
	return newAvailable, nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrMalformedTicket):
		return "malformed"
	case errors.Is(err, ErrOutsideValidity):
		return "outside_validity"
	case errors.Is(err, ErrDoubleSpent):
		return "double_spent"
	case errors.Is(err, ErrCryptoInvalid):
		return "crypto_invalid"
	default:
		return "other"
	}
}
