// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package btcunit

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/require"
)

// TestSatPerKVByteFeeForVSize checks the fee calculation truncates to whole
// satoshis.
func TestSatPerKVByteFeeForVSize(t *testing.T) {
	t.Parallel()

	rate := NewSatPerKVByte(1000)

	require.Equal(t, btcutil.Amount(250), rate.FeeForVSize(250))

	// 1 sat/kvb over 999 vbytes truncates to zero.
	low := NewSatPerKVByte(1)
	require.Equal(t, btcutil.Amount(0), low.FeeForVSize(999))
	require.Equal(t, btcutil.Amount(1), low.FeeForVSize(1000))
}

// TestSatPerVByteConversion checks the vb to kvb conversion.
func TestSatPerVByteConversion(t *testing.T) {
	t.Parallel()

	rate := NewSatPerVByte(2).ToSatPerKVByte()
	require.True(t, rate.Equal(NewSatPerKVByte(2000)))
	require.Equal(t, btcutil.Amount(2000), rate.Val())
}

// TestSatPerKVByteComparisons checks the comparison helpers.
func TestSatPerKVByteComparisons(t *testing.T) {
	t.Parallel()

	low := NewSatPerKVByte(100)
	high := NewSatPerKVByte(200)

	require.True(t, low.LessThan(high))
	require.True(t, low.LessThanOrEqual(low))
	require.True(t, high.GreaterThan(low))
	require.True(t, high.GreaterThanOrEqual(high))
	require.False(t, low.Equal(high))

	require.True(t, ZeroSatPerKVByte.LessThan(low))
	require.Equal(t, "100 sat/kvb", low.String())
}
