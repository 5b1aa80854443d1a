// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"encoding/hex"
	"math/rand"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/btcsuite/btcwallet/wtxmgr"
)

// Coin represents a spendable UTXO which is available for coin selection.
type Coin struct {
	wire.TxOut
	wire.OutPoint
}

// CoinGroup is an ordered set of coins that is selected atomically: when any
// coin of a group is added to a transaction, all of them are. Strategies
// that place one coin per group select coin-by-coin; the avoid-partial-spends
// strategy groups all coins of one address together.
type CoinGroup []Coin

// total returns the summed value of the group's coins.
func (g CoinGroup) total() btcutil.Amount {
	var total btcutil.Amount
	for _, coin := range g {
		total += btcutil.Amount(coin.Value)
	}

	return total
}

// CoinSelectionStrategy is an interface that represents a coin selection
// strategy. A coin selection strategy is responsible for ordering, grouping
// or filtering a list of coins before they are passed to the candidate
// builder.
type CoinSelectionStrategy interface {
	// ArrangeCoins takes a list of coins and arranges them into an
	// ordered sequence of selection groups according to the strategy and
	// fee rate. The builder consumes groups in order, whole groups at a
	// time, until the funding target is covered.
	ArrangeCoins(eligible []Coin, feeSatPerKb btcutil.Amount) (
		[]CoinGroup, error)
}

var (
	// CoinSelectionLargest always picks the largest available utxo to
	// add to the transaction next.
	CoinSelectionLargest CoinSelectionStrategy = &LargestFirstCoinSelector{}

	// CoinSelectionRandom randomly selects the next utxo to add to the
	// transaction. This strategy prevents the creation of ever smaller
	// utxos over time.
	CoinSelectionRandom CoinSelectionStrategy = &RandomCoinSelector{}
)

// creditsToCoins wraps wtxmgr credits in the Coin type the selection
// strategies operate on.
func creditsToCoins(credits []wtxmgr.Credit) []Coin {
	coins := make([]Coin, len(credits))
	for i := range credits {
		coins[i] = Coin{
			TxOut: wire.TxOut{
				Value:    int64(credits[i].Amount),
				PkScript: credits[i].PkScript,
			},
			OutPoint: credits[i].OutPoint,
		}
	}

	return coins
}

// sortByAmount is a sortable type for sorting coins by their amount.
type sortByAmount []Coin

func (s sortByAmount) Len() int { return len(s) }
func (s sortByAmount) Less(i, j int) bool {
	return s[i].Value < s[j].Value
}
func (s sortByAmount) Swap(i, j int) { s[i], s[j] = s[j], s[i] }

// singletonGroups wraps each coin in its own selection group.
func singletonGroups(coins []Coin) []CoinGroup {
	groups := make([]CoinGroup, len(coins))
	for i, coin := range coins {
		groups[i] = CoinGroup{coin}
	}

	return groups
}

// LargestFirstCoinSelector is an implementation of the CoinSelectionStrategy
// that always selects the largest coins first.
type LargestFirstCoinSelector struct{}

// ArrangeCoins takes a list of coins and arranges them according to the
// specified coin selection strategy and fee rate.
func (*LargestFirstCoinSelector) ArrangeCoins(eligible []Coin,
	_ btcutil.Amount) ([]CoinGroup, error) {

	sort.Sort(sort.Reverse(sortByAmount(eligible)))

	return singletonGroups(eligible), nil
}

// RandomCoinSelector is an implementation of the CoinSelectionStrategy that
// selects coins at random. This prevents the creation of ever smaller UTXOs
// over time that may never become economical to spend.
type RandomCoinSelector struct{}

// ArrangeCoins takes a list of coins and arranges them according to the
// specified coin selection strategy and fee rate.
func (*RandomCoinSelector) ArrangeCoins(eligible []Coin,
	feeSatPerKb btcutil.Amount) ([]CoinGroup, error) {

	// Skip inputs that do not raise the total transaction output value
	// at the requested fee rate.
	positivelyYielding := make([]Coin, 0, len(eligible))
	for _, output := range eligible {
		if !inputYieldsPositively(&output.TxOut, feeSatPerKb) {
			continue
		}

		positivelyYielding = append(positivelyYielding, output)
	}

	rand.Shuffle(len(positivelyYielding), func(i, j int) {
		positivelyYielding[i], positivelyYielding[j] =
			positivelyYielding[j], positivelyYielding[i]
	})

	return singletonGroups(positivelyYielding), nil
}

// AvoidPartialSpendsSelector is an implementation of the
// CoinSelectionStrategy that spends all-or-none of the coins belonging to
// one address: whenever any utxo of an address is selected, every other
// spendable utxo of that address is included in the same input set. This
// clumps the wallet's holdings per address, reducing address-correlation
// leakage at the cost of precision, and makes a change output far more
// likely than coin-by-coin selection.
type AvoidPartialSpendsSelector struct {
	// ChainParams is used to extract the grouping address from each
	// coin's output script.
	ChainParams *chaincfg.Params
}

// ArrangeCoins groups the eligible coins by the address of their output
// script and emits one selection group per address. Groups are ordered by
// total value descending so the fewest whole-address groups cover the
// funding target; ties are broken by address string ascending, and coins
// within a group are ordered by value descending. Coins whose script yields
// no address each form their own group, keyed by the hex of the script.
func (s *AvoidPartialSpendsSelector) ArrangeCoins(eligible []Coin,
	_ btcutil.Amount) ([]CoinGroup, error) {

	byAddress := make(map[string]CoinGroup)
	for _, coin := range eligible {
		key := s.groupKey(coin.TxOut.PkScript)
		byAddress[key] = append(byAddress[key], coin)
	}

	keys := make([]string, 0, len(byAddress))
	for key := range byAddress {
		sort.Sort(sort.Reverse(sortByAmount(byAddress[key])))
		keys = append(keys, key)
	}

	sort.Slice(keys, func(i, j int) bool {
		totalI := byAddress[keys[i]].total()
		totalJ := byAddress[keys[j]].total()
		if totalI != totalJ {
			return totalI > totalJ
		}

		return keys[i] < keys[j]
	})

	groups := make([]CoinGroup, 0, len(keys))
	for _, key := range keys {
		groups = append(groups, byAddress[key])
	}

	return groups, nil
}

// groupKey returns the grouping key of an output script: the encoded
// address when the script has exactly one, otherwise the script itself.
func (s *AvoidPartialSpendsSelector) groupKey(pkScript []byte) string {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(
		pkScript, s.ChainParams,
	)
	if err != nil || len(addrs) != 1 {
		return hex.EncodeToString(pkScript)
	}

	return addrs[0].EncodeAddress()
}

// inputYieldsPositively returns a boolean indicating whether this input
// yields positively if added to a transaction. This determination is based
// on the best-case added virtual size. For edge cases this function can
// return true while the input is yielding slightly negative as part of the
// final transaction.
func inputYieldsPositively(credit *wire.TxOut,
	feeRatePerKb btcutil.Amount) bool {

	inputSize := txsizes.GetMinInputVirtualSize(credit.PkScript)
	inputFee := feeRatePerKb * btcutil.Amount(inputSize) / 1000

	return inputFee < btcutil.Amount(credit.Value)
}
