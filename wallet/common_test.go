// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb" // Register bdb driver.
	"github.com/btcsuite/btcwallet/wtxmgr"
	"github.com/btcsuite/changewallet/pkg/btcunit"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	// defaultTestTimeout is the timeout used when opening test databases.
	defaultTestTimeout = 10 * time.Second

	// testFeeRate is the fee rate used by test wallets, 10 sat/vb.
	testFeeRate = 10_000
)

// testHDSeed is a fixed seed so derived addresses are stable across runs.
var testHDSeed = bytes.Repeat([]byte{0x2a}, 32)

// setupTestDB creates a new bbolt-backed wallet database in a temp directory
// that is torn down with the test.
func setupTestDB(t *testing.T) walletdb.DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "wallet.db")
	db, err := walletdb.Create(
		"bdb", dbPath, true, defaultTestTimeout, false,
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	return db
}

// mockUtxoSource is a mock implementation of the UtxoSource interface.
type mockUtxoSource struct {
	mock.Mock
}

// Compile time check that mockUtxoSource implements UtxoSource.
var _ UtxoSource = (*mockUtxoSource)(nil)

// SpendableOutputs returns the mocked spendable outputs.
func (m *mockUtxoSource) SpendableOutputs() ([]wtxmgr.Credit, error) {
	args := m.Called()

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]wtxmgr.Credit), args.Error(1)
}

// newTestConfig returns a config with sane test defaults, pointing at a fresh
// database and the given utxo source.
func newTestConfig(t *testing.T, source UtxoSource) *Config {
	t.Helper()

	return &Config{
		ChainParams: &chaincfg.RegressionNetParams,
		DB:          setupTestDB(t),
		UtxoSource:  source,
		HDSeed:      testHDSeed,
		FeeRate:     btcunit.NewSatPerKVByte(testFeeRate),
	}
}

// newTestWallet creates a wallet from the config, failing the test on error.
func newTestWallet(t *testing.T, cfg *Config) *Wallet {
	t.Helper()

	w, err := New(cfg)
	require.NoError(t, err)

	return w
}

// p2wpkhScript returns a syntactically valid P2WPKH output script whose
// pubkey hash is the tag byte repeated. Distinct tags yield distinct
// addresses.
func p2wpkhScript(tag byte) []byte {
	script := make([]byte, 2+20)
	script[0] = txscript.OP_0
	script[1] = txscript.OP_DATA_20
	for i := 2; i < len(script); i++ {
		script[i] = tag
	}

	return script
}

// makeCredit fabricates a spendable output with a unique outpoint.
func makeCredit(value btcutil.Amount, pkScript []byte,
	seq uint32) wtxmgr.Credit {

	var hash chainhash.Hash
	binary.BigEndian.PutUint32(hash[:4], seq+1)

	return wtxmgr.Credit{
		OutPoint: wire.OutPoint{Hash: hash, Index: seq},
		Amount:   value,
		PkScript: pkScript,
	}
}

// changePosition returns a pointer to the given change position, for use in
// send requests.
func changePosition(pos int) *int {
	return &pos
}

// payment returns an output paying the given amount to the script tagged
// with the given byte.
func payment(amount btcutil.Amount, tag byte) *wire.TxOut {
	return wire.NewTxOut(int64(amount), p2wpkhScript(tag))
}

// assertBalanced asserts the fundamental accounting invariant of a finalized
// transaction: the summed input value equals the summed output value plus
// the reported fee, exactly.
func assertBalanced(t *testing.T, result *SendResult,
	credits []wtxmgr.Credit) {

	t.Helper()

	byOutPoint := make(map[wire.OutPoint]btcutil.Amount, len(credits))
	for _, credit := range credits {
		byOutPoint[credit.OutPoint] = credit.Amount
	}

	var inputTotal btcutil.Amount
	for _, txIn := range result.Tx.TxIn {
		value, ok := byOutPoint[txIn.PreviousOutPoint]
		require.True(t, ok, "input %v not among spendable outputs",
			txIn.PreviousOutPoint)
		inputTotal += value
	}

	var outputTotal btcutil.Amount
	for _, txOut := range result.Tx.TxOut {
		outputTotal += btcutil.Amount(txOut.Value)
	}

	require.Equal(t, inputTotal, outputTotal+result.Fee)
}

// assertChangeAt asserts the transaction carries the committed change
// address's script at the given output index.
func assertChangeAt(t *testing.T, w *Wallet, result *SendResult, pos int) {
	t.Helper()

	require.Equal(t, pos, result.ChangeIndex)
	require.NotNil(t, result.ChangeAddress)

	changeScript, err := txscript.PayToAddrScript(result.ChangeAddress)
	require.NoError(t, err)
	require.Equal(t, changeScript, result.Tx.TxOut[pos].PkScript)

	info, err := w.AddressInfo(result.ChangeAddress)
	require.NoError(t, err)
	require.True(t, info.IsMine)
	require.True(t, info.IsChange)
}
