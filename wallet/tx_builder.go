// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrInsufficientFunds is returned when no input selection covers the
	// requested outputs plus fees. It is fatal to the current send
	// request and never retried internally.
	ErrInsufficientFunds = errors.New("insufficient funds available to " +
		"construct transaction")

	// ErrDuplicatedUtxo is returned when a selection strategy arranges
	// the same utxo into more than one group.
	ErrDuplicatedUtxo = errors.New("duplicated utxo")
)

// InsufficientFundsError describes the failure to cover a funding target,
// carrying the amounts involved so callers can construct a transaction that
// satisfies the fee requirements.
type InsufficientFundsError struct {
	// TargetAmount is the summed value of the requested outputs.
	TargetAmount btcutil.Amount

	// TxFee is the minimum fee of a transaction at the current input
	// set.
	TxFee btcutil.Amount

	// AvailableAmount is the total value the selection could provide.
	AvailableAmount btcutil.Amount
}

// Error returns a human-readable description of the failure.
func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("%v: amount: %v, minimum fee: %v, available "+
		"amount: %v", ErrInsufficientFunds, e.TargetAmount, e.TxFee,
		e.AvailableAmount)
}

// Unwrap makes the error match ErrInsufficientFunds under errors.Is.
func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// InputSourceError marks the error as an input selection failure, in the
// manner of the txauthor package.
func (e *InsufficientFundsError) InputSourceError() {}

// FeePolicy bundles the fee parameters consulted while building a candidate
// transaction.
type FeePolicy struct {
	// FeeRatePerKb is the fee rate of the transaction in sat/kvb.
	FeeRatePerKb btcutil.Amount

	// RelayFeePerKb is the relay fee policy used for dust decisions.
	RelayFeePerKb btcutil.Amount

	// DiscardFee is the threshold below which leftover value is folded
	// into the fee instead of creating a change output.
	DiscardFee btcutil.Amount
}

// Candidate is a fully-formed transaction draft together with the change
// address reservation it holds open, if any. Candidates are immutable
// values: the coordinator chooses among them and commits or releases their
// reservations, it never mutates a shared draft in place.
type Candidate struct {
	// Tx is the unsigned transaction draft. Its ChangeIndex is negative
	// when no change output was created.
	Tx *txauthor.AuthoredTx

	// Fee is the exact fee of the draft: the summed input value minus
	// the summed output value.
	Fee btcutil.Amount

	// Reservation is the open change address reservation backing the
	// draft's change output, nil when the draft has none.
	Reservation *ChangeAddress
}

// hasChange reports whether the candidate carries a change output.
func (c *Candidate) hasChange() bool {
	return c.Tx.ChangeIndex >= 0
}

// txCandidateBuilder builds one candidate transaction from a target output
// set, an arranged sequence of coin groups, and a fee policy. It requests a
// change address from the provider only once selection concludes that a
// change output is warranted, so discarded-excess builds open no
// reservation at all.
type txCandidateBuilder struct {
	provider ChangeAddressProvider
	policy   FeePolicy
	rng      *lockedRand
}

// build selects whole coin groups in order until the outputs plus fees are
// covered, then decides whether the leftover value warrants a change output.
// changePos is the output index to place a change output at; a negative
// value means a position is drawn at random among all valid positions.
func (b *txCandidateBuilder) build(outputs []*wire.TxOut, groups []CoinGroup,
	changePos int) (*Candidate, error) {

	if err := checkDistinctOutpoints(groups); err != nil {
		return nil, err
	}

	state := buildState{
		feeRatePerKb:     b.policy.FeeRatePerKb,
		relayFeePerKb:    b.policy.RelayFeePerKb,
		discardFee:       b.policy.DiscardFee,
		targetAmount:     txauthor.SumOutputValues(outputs),
		changeScriptSize: txsizes.P2WPKHPkScriptSize,
		outputs:          outputs,
	}

	for _, group := range groups {
		if state.enoughInput() {
			break
		}

		state.add(group)
	}

	if !state.enoughInput() {
		return nil, &InsufficientFundsError{
			TargetAmount:    state.targetAmount,
			TxFee:           state.fee(false),
			AvailableAmount: state.inputTotal,
		}
	}

	return b.assemble(&state, changePos)
}

// assemble turns a funded build state into a candidate, creating the change
// output when the leftover value survives the dust and discard thresholds.
func (b *txCandidateBuilder) assemble(state *buildState, changePos int) (
	*Candidate, error) {

	var (
		reservation *ChangeAddress
		fee         btcutil.Amount
		changeIndex = -1
		txOuts      = state.outputs
	)

	changeValue := state.changeValue()
	if state.changeWorthKeeping() {
		var err error
		reservation, err = b.provider.Reserve()
		if err != nil {
			return nil, err
		}

		if changePos < 0 {
			changePos = b.rng.intn(len(state.outputs) + 1)
		}

		changeOut := &wire.TxOut{
			Value:    int64(changeValue),
			PkScript: reservation.PkScript,
		}
		txOuts = insertOutput(state.outputs, changeOut, changePos)
		changeIndex = changePos
		fee = state.fee(true)
	} else {
		// The leftover is folded into the fee, either because it is
		// dust or because it sits below the discard threshold.
		fee = state.inputTotal - state.targetAmount
	}

	numInputs := len(state.inputs)
	txIns := make([]*wire.TxIn, 0, numInputs)
	inputValues := make([]btcutil.Amount, 0, numInputs)
	prevScripts := make([][]byte, 0, numInputs)

	for i := range state.inputs {
		input := &state.inputs[i]
		txIns = append(txIns, wire.NewTxIn(&input.OutPoint, nil, nil))
		inputValues = append(
			inputValues, btcutil.Amount(input.TxOut.Value),
		)
		prevScripts = append(prevScripts, input.TxOut.PkScript)
	}

	unsignedTx := &wire.MsgTx{
		Version: wire.TxVersion,
		TxIn:    txIns,
		TxOut:   txOuts,
	}

	return &Candidate{
		Tx: &txauthor.AuthoredTx{
			Tx:              unsignedTx,
			PrevScripts:     prevScripts,
			PrevInputValues: inputValues,
			TotalInput:      state.inputTotal,
			ChangeIndex:     changeIndex,
		},
		Fee:         fee,
		Reservation: reservation,
	}, nil
}

// checkDistinctOutpoints ensures no utxo appears in more than one group.
func checkDistinctOutpoints(groups []CoinGroup) error {
	var outpoints []wire.OutPoint
	for _, group := range groups {
		for _, coin := range group {
			outpoints = append(outpoints, coin.OutPoint)
		}
	}

	dedupUtxos := fn.NewSet(outpoints...)
	if len(dedupUtxos) != len(outpoints) {
		return ErrDuplicatedUtxo
	}

	return nil
}

// insertOutput returns a new output slice with the extra output inserted at
// the given position. The input slice is not modified.
func insertOutput(outputs []*wire.TxOut, extra *wire.TxOut,
	pos int) []*wire.TxOut {

	result := make([]*wire.TxOut, 0, len(outputs)+1)
	result = append(result, outputs[:pos]...)
	result = append(result, extra)
	result = append(result, outputs[pos:]...)

	return result
}

// buildState holds the current state of a candidate build: the selected
// inputs so far and the fee implied by them.
type buildState struct {
	// feeRatePerKb is the fee rate used for fee calculation.
	feeRatePerKb btcutil.Amount

	// relayFeePerKb is the relay fee policy used for dust decisions.
	relayFeePerKb btcutil.Amount

	// discardFee is the threshold below which leftover value is folded
	// into the fee instead of creating a change output.
	discardFee btcutil.Amount

	// targetAmount is the amount the transaction must fund, not
	// including change.
	targetAmount btcutil.Amount

	// changeScriptSize is the size of the script a change output of
	// this build would carry.
	changeScriptSize int

	// inputs is the set of selected inputs.
	inputs []Coin

	// inputTotal is the total value of all selected inputs.
	inputTotal btcutil.Amount

	// outputs are the outputs of the transaction, not including change.
	outputs []*wire.TxOut
}

// add adds a whole coin group to the selected input set.
func (s *buildState) add(group CoinGroup) {
	s.inputs = append(s.inputs, group...)
	s.inputTotal += group.total()
}

// virtualSize is the worst case virtual size of the transaction with the
// current set of inputs, with or without a change output.
func (s *buildState) virtualSize(withChange bool) int {
	// Count the types of inputs, which we'll use to estimate the vsize
	// of the transaction.
	var nested, p2wpkh, p2tr, p2pkh int
	for i := range s.inputs {
		pkScript := s.inputs[i].TxOut.PkScript
		switch {
		// If this is a p2sh output, we assume this is a nested P2WKH.
		case txscript.IsPayToScriptHash(pkScript):
			nested++
		case txscript.IsPayToWitnessPubKeyHash(pkScript):
			p2wpkh++
		case txscript.IsPayToTaproot(pkScript):
			p2tr++
		default:
			p2pkh++
		}
	}

	changeScriptSize := 0
	if withChange {
		changeScriptSize = s.changeScriptSize
	}

	return txsizes.EstimateVirtualSize(
		p2pkh, p2tr, p2wpkh, nested, s.outputs, changeScriptSize,
	)
}

// fee is the fee implied by the current input set at the build's fee rate.
func (s *buildState) fee(withChange bool) btcutil.Amount {
	return txrules.FeeForSerializeSize(
		s.feeRatePerKb, s.virtualSize(withChange),
	)
}

// changeValue is the value a change output of this build would carry: the
// leftover after funding the outputs and the fee of a change-bearing
// transaction. It may be zero or negative while the build is underfunded.
func (s *buildState) changeValue() btcutil.Amount {
	return s.inputTotal - s.targetAmount - s.fee(true)
}

// changeTxOut renders the prospective change output for dust evaluation. A
// placeholder script of the right size and version stands in for the real
// one, which is only derived once the build commits to creating change.
func (s *buildState) changeTxOut() *wire.TxOut {
	placeholder := make([]byte, s.changeScriptSize)
	placeholder[0] = txscript.OP_0
	placeholder[1] = byte(s.changeScriptSize - 2)

	return &wire.TxOut{
		Value:    int64(s.changeValue()),
		PkScript: placeholder,
	}
}

// aboveDust reports whether the prospective change output clears the dust
// limit.
func (s *buildState) aboveDust() bool {
	if s.changeValue() <= 0 {
		return false
	}

	return !txrules.IsDustOutput(s.changeTxOut(), s.relayFeePerKb)
}

// changeWorthKeeping reports whether the leftover value of the build should
// materialize as a change output: it must clear the dust limit and sit at or
// above the discard threshold.
func (s *buildState) changeWorthKeeping() bool {
	if !s.aboveDust() {
		return false
	}

	return s.changeValue() >= s.discardFee
}

// enoughInput returns true if we've accumulated enough inputs to pay the
// fees and fund the requested outputs, with or without a change output.
func (s *buildState) enoughInput() bool {
	// If we have a change output above dust, then we certainly have
	// enough input for the transaction.
	if s.aboveDust() {
		return true
	}

	// We do not have enough input for a change output. Check if we have
	// enough to pay the fees of a transaction without one.
	if len(s.outputs) == 0 {
		return false
	}

	return s.inputTotal >= s.targetAmount+s.fee(false)
}
