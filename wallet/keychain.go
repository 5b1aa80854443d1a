// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcwallet/walletdb"
)

var (
	// ErrWalletLocked is returned when a change address is requested
	// while the wallet's key chain is locked.
	ErrWalletLocked = errors.New("wallet is locked")

	// ErrAllocatorExhausted is returned when the internal chain has no
	// derivation indexes left to hand out.
	ErrAllocatorExhausted = errors.New("change key chain exhausted")

	// ErrNoReservation is returned when a commit or release refers to an
	// address that holds no open reservation.
	ErrNoReservation = errors.New("no open reservation for address")

	// ErrIndexNotAllocated is returned when a burn refers to an index the
	// allocator never handed out.
	ErrIndexNotAllocated = errors.New("index was never allocated")
)

var (
	// changeChainBucketKey is the top-level bucket holding the wallet's
	// internal-chain state.
	changeChainBucketKey = []byte("changechain")

	// nextIndexKey stores the next unused derivation index of the
	// internal chain as a big-endian uint32.
	nextIndexKey = []byte("nextindex")

	// committedAddrsBucketKey is the nested bucket mapping committed
	// change addresses to their derivation index.
	committedAddrsBucketKey = []byte("addresses")
)

// internalBranch is the key chain branch change addresses are derived from,
// per BIP44 (0 is the external branch, 1 the internal one).
const internalBranch = 1

// KeyIndexAllocator hands out derivation indexes for the wallet's internal
// key chain. Indexes are strictly increasing and are never handed out twice,
// even under concurrent callers.
type KeyIndexAllocator interface {
	// Allocate returns the next unused index and atomically advances the
	// counter.
	Allocate() (uint32, error)

	// Burn marks an index as permanently consumed without producing a
	// usable address. It is bookkeeping only: the counter is never
	// rewound or reused.
	Burn(index uint32) error
}

// ChangeAddress is a freshly derived internal-chain address. Its existence
// implies an open reservation until it is committed to a finalized
// transaction or released.
type ChangeAddress struct {
	// Index is the derivation index the address was derived under.
	Index uint32

	// Address is the derived address.
	Address btcutil.Address

	// PkScript is the output script paying to Address.
	PkScript []byte
}

// String returns a short description of the change address for logging.
func (c *ChangeAddress) String() string {
	return fmt.Sprintf("%s (index %d)", c.Address, c.Index)
}

// ChangeAddressProvider produces change addresses on demand and tracks their
// reservation lifecycle. Every Reserve call permanently advances the index
// counter, whether or not the reservation is later committed; this prevents
// address reuse across abandoned transaction attempts.
type ChangeAddressProvider interface {
	// Reserve derives the next change address and records a reservation
	// for it.
	Reserve() (*ChangeAddress, error)

	// Commit makes the reservation permanent. The address becomes
	// discoverable through address introspection as a change address.
	Commit(addr *ChangeAddress) error

	// Release burns the reservation's index and drops the reservation.
	// The address is never handed out again and never reported as a
	// committed change address.
	Release(addr *ChangeAddress) error
}

// changeKeychain owns the internal-chain index counter and the reservation
// book. The counter is the only piece of state shared across concurrent send
// requests; a single critical section covers its read, advance, and
// persistence.
type changeKeychain struct {
	mtx sync.Mutex

	db          walletdb.DB
	chainParams *chaincfg.Params

	// branchKey is the extended key of the internal (change) branch:
	// m/84'/coin'/0'/1.
	branchKey *hdkeychain.ExtendedKey

	// nextIndex is the next unused derivation index.
	nextIndex uint32

	// locked mirrors the wallet lock state; derivation fails while set.
	locked bool

	// reserved tracks open reservations by derivation index.
	reserved map[uint32]*ChangeAddress

	// burned tracks indexes consumed without a committed address.
	burned map[uint32]struct{}

	// committed maps committed change addresses to their index.
	committed map[string]uint32
}

// Compile time checks to ensure changeKeychain implements the interfaces.
var _ KeyIndexAllocator = (*changeKeychain)(nil)
var _ ChangeAddressProvider = (*changeKeychain)(nil)

// newChangeKeychain derives the internal branch key from the seed, creates
// the database buckets if needed, and loads any persisted counter and
// committed address records.
func newChangeKeychain(db walletdb.DB, chainParams *chaincfg.Params,
	seed []byte) (*changeKeychain, error) {

	branchKey, err := deriveInternalBranch(seed, chainParams)
	if err != nil {
		return nil, fmt.Errorf("unable to derive internal branch: %w",
			err)
	}

	k := &changeKeychain{
		db:          db,
		chainParams: chainParams,
		branchKey:   branchKey,
		reserved:    make(map[uint32]*ChangeAddress),
		burned:      make(map[uint32]struct{}),
		committed:   make(map[string]uint32),
	}

	err = walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		bucket, err := tx.CreateTopLevelBucket(changeChainBucketKey)
		if err != nil {
			return err
		}

		addrs, err := bucket.CreateBucketIfNotExists(
			committedAddrsBucketKey,
		)
		if err != nil {
			return err
		}

		if v := bucket.Get(nextIndexKey); len(v) == 4 {
			k.nextIndex = binary.BigEndian.Uint32(v)
		}

		return addrs.ForEach(func(addr, v []byte) error {
			if len(v) != 4 {
				return nil
			}
			k.committed[string(addr)] =
				binary.BigEndian.Uint32(v)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return k, nil
}

// deriveInternalBranch derives the extended key of the internal change
// branch, m/84'/coin'/0'/1, from the wallet seed.
func deriveInternalBranch(seed []byte, chainParams *chaincfg.Params) (
	*hdkeychain.ExtendedKey, error) {

	master, err := hdkeychain.NewMaster(seed, chainParams)
	if err != nil {
		return nil, err
	}

	path := []uint32{
		hdkeychain.HardenedKeyStart + 84,
		hdkeychain.HardenedKeyStart + chainParams.HDCoinType,
		hdkeychain.HardenedKeyStart + 0,
		internalBranch,
	}

	key := master
	for _, childIndex := range path {
		key, err = key.Derive(childIndex)
		if err != nil {
			return nil, err
		}
	}

	return key, nil
}

// setLocked toggles the lock state of the key chain.
func (k *changeKeychain) setLocked(locked bool) {
	k.mtx.Lock()
	defer k.mtx.Unlock()

	k.locked = locked
}

// nextUnusedIndex returns the current value of the index counter.
func (k *changeKeychain) nextUnusedIndex() uint32 {
	k.mtx.Lock()
	defer k.mtx.Unlock()

	return k.nextIndex
}

// Allocate returns the next unused derivation index and atomically advances
// the counter.
func (k *changeKeychain) Allocate() (uint32, error) {
	k.mtx.Lock()
	defer k.mtx.Unlock()

	return k.allocate()
}

// allocate advances the counter and persists the new value in one step.
//
// NOTE: The caller must hold the keychain mutex.
func (k *changeKeychain) allocate() (uint32, error) {
	if k.locked {
		return 0, ErrWalletLocked
	}

	// Indexes at or beyond the hardened key start belong to hardened
	// derivation and are not usable for the internal branch.
	if k.nextIndex >= hdkeychain.HardenedKeyStart {
		return 0, ErrAllocatorExhausted
	}

	index := k.nextIndex

	// Persist the advanced counter before exposing the index. The
	// in-memory counter only moves once the database update succeeded,
	// so a failed update never burns an index.
	err := walletdb.Update(k.db, func(tx walletdb.ReadWriteTx) error {
		bucket := tx.ReadWriteBucket(changeChainBucketKey)

		var v [4]byte
		binary.BigEndian.PutUint32(v[:], index+1)

		return bucket.Put(nextIndexKey, v[:])
	})
	if err != nil {
		return 0, err
	}

	k.nextIndex = index + 1

	return index, nil
}

// Burn marks an index as permanently consumed. The counter is not touched:
// correctness of the allocator depends solely on never reversing it.
func (k *changeKeychain) Burn(index uint32) error {
	k.mtx.Lock()
	defer k.mtx.Unlock()

	return k.burn(index)
}

// burn records the index as consumed without an address.
//
// NOTE: The caller must hold the keychain mutex.
func (k *changeKeychain) burn(index uint32) error {
	if index >= k.nextIndex {
		return fmt.Errorf("%w: %d", ErrIndexNotAllocated, index)
	}

	k.burned[index] = struct{}{}

	return nil
}

// Reserve derives the next change address and records a reservation for it.
// Indexes that fail derivation are burned and skipped, so a successful
// reservation may sit past a gap in the chain.
func (k *changeKeychain) Reserve() (*ChangeAddress, error) {
	k.mtx.Lock()
	defer k.mtx.Unlock()

	for {
		index, err := k.allocate()
		if err != nil {
			return nil, err
		}

		childKey, err := k.branchKey.Derive(index)
		if errors.Is(err, hdkeychain.ErrInvalidChild) {
			// Roughly 1 in 2^127 indexes is invalid per BIP32.
			// The index is already consumed, so record it and
			// move on to the next one.
			k.burned[index] = struct{}{}

			log.Debugf("Skipping invalid child index %d", index)

			continue
		}
		if err != nil {
			return nil, err
		}

		addr, pkScript, err := p2wkhAddress(childKey, k.chainParams)
		if err != nil {
			return nil, err
		}

		changeAddr := &ChangeAddress{
			Index:    index,
			Address:  addr,
			PkScript: pkScript,
		}
		k.reserved[index] = changeAddr

		log.Debugf("Reserved change address %v", changeAddr)

		return changeAddr, nil
	}
}

// Commit makes a reservation permanent and persists the committed address
// record.
func (k *changeKeychain) Commit(addr *ChangeAddress) error {
	k.mtx.Lock()
	defer k.mtx.Unlock()

	if _, ok := k.reserved[addr.Index]; !ok {
		return fmt.Errorf("%w: %v", ErrNoReservation, addr)
	}

	addrKey := addr.Address.EncodeAddress()

	err := walletdb.Update(k.db, func(tx walletdb.ReadWriteTx) error {
		bucket := tx.ReadWriteBucket(changeChainBucketKey)
		addrs := bucket.NestedReadWriteBucket(committedAddrsBucketKey)

		var v [4]byte
		binary.BigEndian.PutUint32(v[:], addr.Index)

		return addrs.Put([]byte(addrKey), v[:])
	})
	if err != nil {
		return err
	}

	delete(k.reserved, addr.Index)
	k.committed[addrKey] = addr.Index

	log.Debugf("Committed change address %v", addr)

	return nil
}

// Release burns the reservation's index and drops the reservation.
func (k *changeKeychain) Release(addr *ChangeAddress) error {
	k.mtx.Lock()
	defer k.mtx.Unlock()

	if _, ok := k.reserved[addr.Index]; !ok {
		return fmt.Errorf("%w: %v", ErrNoReservation, addr)
	}

	delete(k.reserved, addr.Index)

	log.Debugf("Released change address %v", addr)

	return k.burn(addr.Index)
}

// addressInfo reports what the keychain knows about an address. Reserved but
// uncommitted addresses are owned by the wallet but not yet reported as
// change.
func (k *changeKeychain) addressInfo(addr btcutil.Address) AddressInfo {
	k.mtx.Lock()
	defer k.mtx.Unlock()

	addrKey := addr.EncodeAddress()

	if index, ok := k.committed[addrKey]; ok {
		return AddressInfo{
			IsMine:          true,
			IsChange:        true,
			HDKeyPath:       k.hdKeyPath(index),
			DerivationIndex: index,
		}
	}

	for _, reservedAddr := range k.reserved {
		if reservedAddr.Address.EncodeAddress() == addrKey {
			return AddressInfo{
				IsMine:          true,
				HDKeyPath:       k.hdKeyPath(reservedAddr.Index),
				DerivationIndex: reservedAddr.Index,
			}
		}
	}

	return AddressInfo{}
}

// hdKeyPath renders the BIP-32 path of an internal-chain index.
func (k *changeKeychain) hdKeyPath(index uint32) string {
	return fmt.Sprintf("m/84'/%d'/0'/%d/%d", k.chainParams.HDCoinType,
		internalBranch, index)
}

// p2wkhAddress derives the P2WKH address and output script of an extended
// key.
func p2wkhAddress(key *hdkeychain.ExtendedKey, chainParams *chaincfg.Params) (
	btcutil.Address, []byte, error) {

	pubKey, err := key.ECPubKey()
	if err != nil {
		return nil, nil, err
	}

	pubKeyHash := btcutil.Hash160(pubKey.SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		pubKeyHash, chainParams,
	)
	if err != nil {
		return nil, nil, err
	}

	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, nil, err
	}

	return addr, pkScript, nil
}
