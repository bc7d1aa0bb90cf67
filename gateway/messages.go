// messages.go - Gateway control-message wire format.
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

// Package gateway implements Module D: the per-client session state
// machine that sits between an authenticated socket and the mixnet,
// gating every forwarded packet against the client's bandwidth ledger
// and handling ticket redemption in line. Grounded on
// server/cborplugin/client.go's cbor-tagged command shape and
// client2/connection.go's cooperative single-goroutine connection
// loop, neither of which survives as wire-compatible code here since
// both the plugin protocol and the PKI client wire format are out of
// scope (spec.md §1 Non-goals).
package gateway

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// controlTagSet assigns each wire message its own CBOR tag, the same
// discipline server/cborplugin/client.go uses for Request/Response, so
// a decoder can dispatch on tag without a length-prefixed type byte.
var controlTagSet = cbor.NewTagSet()

func init() {
	register(Authenticate{}, 1500)
	register(ForwardSphinx{}, 1501)
	register(EcashCredential{}, 1502)
	register(ClaimFreeTestnetBandwidth{}, 1503)
	register(Bandwidth{}, 1504)
	register(Send{}, 1505)
	register(TypedError{}, 1506)
	register(ErrorMessage{}, 1507)
}

func register(v interface{}, tag uint64) {
	controlTagSet.Add(
		cbor.TagOptions{EncTag: cbor.EncTagRequired, DecTag: cbor.DecTagRequired},
		reflect.TypeOf(v), tag)
}

var (
	encMode, _ = cbor.EncOptions{}.EncModeWithTags(controlTagSet)
	decMode, _ = cbor.DecOptions{}.DecModeWithTags(controlTagSet)
)

// ControlMessage is any of the text-frame control messages a gateway
// session exchanges with its client, per spec.md §6.
type ControlMessage interface {
	isControlMessage()
}

// Authenticate is the message that moves a session out of Fresh into
// Authenticated. The full PKI handshake and wire-level key agreement
// that precedes it are out of scope (spec.md §1 Non-goals); this
// carries just enough for the session state machine named in §4.D to
// have a genuine transition to exercise, in place of a real credential
// exchange.
type Authenticate struct {
	ClientAddress string
}

func (Authenticate) isControlMessage() {}

// ForwardSphinx carries one opaque Sphinx packet the client wants
// forwarded into the mixnet. Its byte cost against the client's
// bandwidth ledger is len(MixPacket).
type ForwardSphinx struct {
	MixPacket []byte
}

func (ForwardSphinx) isControlMessage() {}

// EcashCredential carries an encrypted ticket redemption. Iv is the
// nonce used to decrypt EncCredential under the session's shared key.
type EcashCredential struct {
	EncCredential []byte
	Iv            []byte
}

func (EcashCredential) isControlMessage() {}

// ClaimFreeTestnetBandwidth requests the configured testnet bandwidth
// grant; it carries no payload of its own.
type ClaimFreeTestnetBandwidth struct{}

func (ClaimFreeTestnetBandwidth) isControlMessage() {}

// Bandwidth reports a client's total available bandwidth, sent after a
// successful ticket redemption or testnet claim.
type Bandwidth struct {
	AvailableTotal int64
}

func (Bandwidth) isControlMessage() {}

// Send acknowledges a forwarded binary frame with the bandwidth
// remaining after the debit.
type Send struct {
	RemainingBandwidth int64
}

func (Send) isControlMessage() {}

// TypedError is a structured error a client can act on programmatically,
// e.g. Kind "out_of_bandwidth" with Payload holding an encoded
// OutOfBandwidthPayload.
type TypedError struct {
	Kind    string
	Payload []byte
}

func (TypedError) isControlMessage() {}

// OutOfBandwidthPayload is TypedError's payload when Kind is
// "out_of_bandwidth", matching ledger.OutOfBandwidthError's shape.
type OutOfBandwidthPayload struct {
	Required  int64
	Available int64
}

// ErrorMessage is a free-text, non-actionable error report.
type ErrorMessage struct {
	Message string
}

func (ErrorMessage) isControlMessage() {}

// EncodeControlMessage serializes msg for the wire.
func EncodeControlMessage(msg ControlMessage) ([]byte, error) {
	return encMode.Marshal(msg)
}

// DecodeControlMessage reverses EncodeControlMessage. The registered
// tag set lets decMode recover the original concrete type straight
// into the interface{} target, so no manual tag-to-type switch is
// needed on the decode side. The returned value is always one of the
// pointer types (*ForwardSphinx, *EcashCredential, ...): a decoded
// non-pointer value is converted to a pointer to a copy of it before
// the type check, so callers should type-switch on pointers.
func DecodeControlMessage(b []byte) (ControlMessage, error) {
	var v interface{}
	if err := decMode.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("gateway: decoding control message: %w", err)
	}
	if rv := reflect.ValueOf(v); rv.IsValid() && rv.Kind() != reflect.Ptr {
		ptr := reflect.New(rv.Type())
		ptr.Elem().Set(rv)
		v = ptr.Interface()
	}
	msg, ok := v.(ControlMessage)
	if !ok {
		return nil, fmt.Errorf("gateway: decoded value %T is not a known control message", v)
	}
	return msg, nil
}
