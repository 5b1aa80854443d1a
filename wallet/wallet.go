// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wallet implements the change-output determination core of a
// bitcoin wallet: allocation of hierarchical-deterministic key indexes for
// the internal (change) chain, the reservation lifecycle of freshly derived
// change addresses, and the two-candidate transaction build that decides
// whether, where, and under which key index a change output is created.
package wallet

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/btcwallet/wtxmgr"
	"github.com/btcsuite/changewallet/pkg/btcunit"
)

var (
	// ErrMissingChainParams is returned when a wallet is created without
	// chain parameters.
	ErrMissingChainParams = errors.New("missing chain params")

	// ErrMissingDB is returned when a wallet is created without a
	// database.
	ErrMissingDB = errors.New("missing wallet database")

	// ErrMissingUtxoSource is returned when a wallet is created without a
	// UTXO source.
	ErrMissingUtxoSource = errors.New("missing utxo source")

	// ErrMissingHDSeed is returned when a wallet is created without an HD
	// seed.
	ErrMissingHDSeed = errors.New("missing hd seed")

	// ErrMissingFeeRate is returned when a wallet is created without a
	// fee rate.
	ErrMissingFeeRate = errors.New("missing fee rate")

	// ErrFeeRateTooLarge is returned when a wallet is created with a fee
	// rate that is larger than the max allowed fee rate. The default max
	// fee rate is 1000 sat/vb.
	ErrFeeRateTooLarge = errors.New("fee rate too large")
)

var (
	// DefaultMaxFeeRate is the maximum fee rate in sat/kvb that the
	// wallet will consider sane. This is currently set to 1000 sat/vb
	// (1,000,000 sat/kvb).
	//
	//nolint:mnd // 1M sat/kvb default max fee.
	DefaultMaxFeeRate = btcunit.NewSatPerKVByte(1_000_000)
)

// UtxoSource provides the wallet with a read-only snapshot of its currently
// spendable outputs. It is consumed once at the start of each send request;
// the snapshot is treated as immutable for the duration of that request.
type UtxoSource interface {
	// SpendableOutputs returns the set of outputs the wallet may spend.
	SpendableOutputs() ([]wtxmgr.Credit, error)
}

// Config bundles the parameters required to create a Wallet.
type Config struct {
	// ChainParams identifies the chain the wallet operates on.
	ChainParams *chaincfg.Params

	// DB is the database the wallet persists its internal-chain index
	// counter and committed change addresses in.
	DB walletdb.DB

	// UtxoSource provides spendable outputs for coin selection.
	UtxoSource UtxoSource

	// HDSeed is the seed the wallet's key chains are derived from.
	HDSeed []byte

	// FeeRate is the fee rate applied to created transactions, expressed
	// in satoshis per kilo-virtual-byte. This field is required.
	FeeRate btcunit.SatPerKVByte

	// DiscardFee is the threshold below which leftover value is folded
	// into the transaction fee instead of creating a change output.
	DiscardFee btcutil.Amount

	// AvoidPartialSpends, when set, makes the avoid-partial-spends
	// candidate authoritative for every send: whenever any output of an
	// address is spent, all spendable outputs of that address are spent
	// with it.
	AvoidPartialSpends bool

	// MaxAPSFee bounds the additional fee the wallet will pay to use the
	// avoid-partial-spends candidate when AvoidPartialSpends is not set.
	// A value of zero disables the secondary candidate entirely.
	MaxAPSFee btcutil.Amount

	// Rand is the randomness source used to pick a change output
	// position when the caller does not specify one. If nil, a
	// time-seeded source is used.
	Rand *rand.Rand
}

// validate performs a series of checks on the config to ensure it is
// well-formed.
func (cfg *Config) validate() error {
	switch {
	case cfg.ChainParams == nil:
		return ErrMissingChainParams

	case cfg.DB == nil:
		return ErrMissingDB

	case cfg.UtxoSource == nil:
		return ErrMissingUtxoSource

	case len(cfg.HDSeed) == 0:
		return ErrMissingHDSeed
	}

	if cfg.FeeRate.LessThanOrEqual(btcunit.ZeroSatPerKVByte) {
		return ErrMissingFeeRate
	}

	// Ensure the fee rate is not "insane". This prevents users from
	// accidentally paying exorbitant fees.
	if cfg.FeeRate.GreaterThan(DefaultMaxFeeRate) {
		return fmt.Errorf("%w: fee rate of %s is too high, max sane "+
			"fee rate is %s", ErrFeeRateTooLarge, cfg.FeeRate,
			DefaultMaxFeeRate)
	}

	return nil
}

// Wallet is the change-output determination core. It owns the internal-chain
// key index counter and change address reservations, and exposes the send
// surface that builds final transactions.
type Wallet struct {
	cfg Config

	chainParams *chaincfg.Params

	// keychain owns the internal-chain index allocator and the change
	// address reservation lifecycle.
	keychain *changeKeychain

	// rng picks change output positions when the caller leaves the
	// position unspecified. Guarded by its own mutex since send requests
	// may run concurrently.
	rng *lockedRand
}

// New creates a Wallet from the given config, deriving the internal key
// chain and loading any previously persisted index state from the database.
func New(cfg *Config) (*Wallet, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	keychain, err := newChangeKeychain(
		cfg.DB, cfg.ChainParams, cfg.HDSeed,
	)
	if err != nil {
		return nil, err
	}

	r := cfg.Rand
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	w := &Wallet{
		cfg:         *cfg,
		chainParams: cfg.ChainParams,
		keychain:    keychain,
		rng:         &lockedRand{r: r},
	}

	log.Infof("Opened wallet with change index counter at %d",
		keychain.nextUnusedIndex())

	return w, nil
}

// Lock locks the wallet's key chain. While locked, no new change addresses
// can be derived and any send that requires one fails.
func (w *Wallet) Lock() {
	w.keychain.setLocked(true)

	log.Info("Wallet locked")
}

// Unlock unlocks the wallet's key chain.
func (w *Wallet) Unlock() {
	w.keychain.setLocked(false)

	log.Info("Wallet unlocked")
}

// AddressInfo describes what the wallet knows about an address. It is the
// observable surface used to verify change index allocation: committed
// change addresses report IsChange=true and an HDKeyPath whose final
// component is the derivation index.
type AddressInfo struct {
	// IsMine reports whether the address is controlled by this wallet.
	IsMine bool

	// IsChange reports whether the address was committed as a change
	// address of a finalized transaction.
	IsChange bool

	// HDKeyPath is the BIP-32 derivation path of the address, empty for
	// foreign addresses.
	HDKeyPath string

	// DerivationIndex is the final component of HDKeyPath.
	DerivationIndex uint32
}

// AddressInfo returns what the wallet knows about the given address. Unknown
// addresses are reported as not owned rather than as an error, mirroring the
// introspection surface of a full node wallet.
func (w *Wallet) AddressInfo(addr btcutil.Address) (AddressInfo, error) {
	return w.keychain.addressInfo(addr), nil
}

// lockedRand wraps a rand.Rand with a mutex so concurrent send requests can
// share one injectable randomness source.
type lockedRand struct {
	mtx sync.Mutex
	r   *rand.Rand
}

// intn returns a random int in [0, n).
func (l *lockedRand) intn(n int) int {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	return l.r.Intn(n)
}
