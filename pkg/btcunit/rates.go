// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package btcunit provides a set of types for dealing with bitcoin fee rate
// units.
package btcunit

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
)

const (
	// kilo is a generic multiplier for kilo units.
	kilo = 1000
)

var (
	// ZeroSatPerVByte is a fee rate of 0 sat/vb.
	ZeroSatPerVByte = NewSatPerVByte(0)

	// ZeroSatPerKVByte is a fee rate of 0 sat/kvb.
	ZeroSatPerKVByte = NewSatPerKVByte(0)
)

// SatPerKVByte represents a fee rate in satoshis per kilo-virtual-byte. This
// is the unit used throughout the wallet for fee estimation, matching the
// granularity of the relay fee policies it is compared against.
type SatPerKVByte struct {
	rate btcutil.Amount
}

// NewSatPerKVByte creates a new fee rate in sat/kvb.
func NewSatPerKVByte(rate btcutil.Amount) SatPerKVByte {
	return SatPerKVByte{rate: rate}
}

// Val returns the fee rate as a plain amount of satoshis per kvb.
func (s SatPerKVByte) Val() btcutil.Amount {
	return s.rate
}

// FeeForVSize calculates the fee for a transaction of the given virtual size.
// The result is truncated to a whole satoshi.
func (s SatPerKVByte) FeeForVSize(vsize int64) btcutil.Amount {
	return s.rate * btcutil.Amount(vsize) / kilo
}

// String returns a human-readable string of the fee rate.
func (s SatPerKVByte) String() string {
	return fmt.Sprintf("%d sat/kvb", int64(s.rate))
}

// Equal returns true if the fee rate is equal to the other fee rate.
func (s SatPerKVByte) Equal(other SatPerKVByte) bool {
	return s.rate == other.rate
}

// GreaterThan returns true if the fee rate is greater than the other fee rate.
func (s SatPerKVByte) GreaterThan(other SatPerKVByte) bool {
	return s.rate > other.rate
}

// LessThan returns true if the fee rate is less than the other fee rate.
func (s SatPerKVByte) LessThan(other SatPerKVByte) bool {
	return s.rate < other.rate
}

// GreaterThanOrEqual returns true if the fee rate is greater than or equal to
// the other fee rate.
func (s SatPerKVByte) GreaterThanOrEqual(other SatPerKVByte) bool {
	return s.rate >= other.rate
}

// LessThanOrEqual returns true if the fee rate is less than or equal to the
// other fee rate.
func (s SatPerKVByte) LessThanOrEqual(other SatPerKVByte) bool {
	return s.rate <= other.rate
}

// SatPerVByte represents a fee rate in satoshis per virtual byte.
type SatPerVByte struct {
	rate btcutil.Amount
}

// NewSatPerVByte creates a new fee rate in sat/vb.
func NewSatPerVByte(rate btcutil.Amount) SatPerVByte {
	return SatPerVByte{rate: rate}
}

// ToSatPerKVByte converts the fee rate to sat/kvb.
func (s SatPerVByte) ToSatPerKVByte() SatPerKVByte {
	return SatPerKVByte{rate: s.rate * kilo}
}

// Val returns the fee rate as a plain amount of satoshis per vb.
func (s SatPerVByte) Val() btcutil.Amount {
	return s.rate
}

// String returns a human-readable string of the fee rate.
func (s SatPerVByte) String() string {
	return fmt.Sprintf("%d sat/vb", int64(s.rate))
}
