// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/changewallet/pkg/btcunit"
	"github.com/stretchr/testify/require"
)

// TestConfigValidation asserts every missing or insane config field is
// caught with its sentinel error.
func TestConfigValidation(t *testing.T) {
	t.Parallel()

	newValidConfig := func() *Config {
		return newTestConfig(t, &mockUtxoSource{})
	}

	testCases := []struct {
		name        string
		mutate      func(cfg *Config)
		expectedErr error
	}{
		{
			name:        "missing chain params",
			mutate:      func(cfg *Config) { cfg.ChainParams = nil },
			expectedErr: ErrMissingChainParams,
		},
		{
			name:        "missing db",
			mutate:      func(cfg *Config) { cfg.DB = nil },
			expectedErr: ErrMissingDB,
		},
		{
			name:        "missing utxo source",
			mutate:      func(cfg *Config) { cfg.UtxoSource = nil },
			expectedErr: ErrMissingUtxoSource,
		},
		{
			name:        "missing hd seed",
			mutate:      func(cfg *Config) { cfg.HDSeed = nil },
			expectedErr: ErrMissingHDSeed,
		},
		{
			name: "missing fee rate",
			mutate: func(cfg *Config) {
				cfg.FeeRate = btcunit.ZeroSatPerKVByte
			},
			expectedErr: ErrMissingFeeRate,
		},
		{
			name: "fee rate too large",
			mutate: func(cfg *Config) {
				cfg.FeeRate = btcunit.NewSatPerKVByte(
					2_000_000,
				)
			},
			expectedErr: ErrFeeRateTooLarge,
		},
	}

	for _, tc := range testCases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := newValidConfig()
			tc.mutate(cfg)

			_, err := New(cfg)
			require.ErrorIs(t, err, tc.expectedErr)
		})
	}
}

// TestNewWallet asserts a valid config produces a working wallet.
func TestNewWallet(t *testing.T) {
	t.Parallel()

	w := newTestWallet(t, newTestConfig(t, &mockUtxoSource{}))
	require.NotNil(t, w)
	require.EqualValues(t, 0, w.keychain.nextUnusedIndex())
}

// TestAddressInfoUnknown asserts foreign addresses are reported as not
// owned rather than as an error.
func TestAddressInfoUnknown(t *testing.T) {
	t.Parallel()

	w := newTestWallet(t, newTestConfig(t, &mockUtxoSource{}))

	foreign, err := btcutil.NewAddressWitnessPubKeyHash(
		make([]byte, 20), &chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)

	info, err := w.AddressInfo(foreign)
	require.NoError(t, err)
	require.Equal(t, AddressInfo{}, info)
}
