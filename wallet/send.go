// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/davecgh/go-spew/spew"
)

var (
	// ErrNoOutputs is returned when a send request names no outputs.
	ErrNoOutputs = errors.New("transaction has no outputs")

	// ErrInvalidChangePosition is returned when the requested change
	// output position is outside the valid range for the request's
	// outputs.
	ErrInvalidChangePosition = errors.New("invalid change position")
)

// SendRequest describes a transaction to build: the outputs to pay, where a
// change output may be placed, and optionally which coin selection strategy
// arranges the primary candidate's inputs.
type SendRequest struct {
	// Outputs is the non-empty list of outputs the transaction pays.
	Outputs []*wire.TxOut

	// ChangePosition is the output index a change output is inserted at.
	// Valid positions run from 0 to len(Outputs) inclusive, and the
	// position is honored no matter which candidate wins. If nil, a
	// position is drawn at random among all valid ones.
	ChangePosition *int

	// Strategy arranges the inputs of the primary candidate. If nil,
	// CoinSelectionLargest is used.
	Strategy CoinSelectionStrategy
}

// validate performs a series of sanity checks on the request.
func (req *SendRequest) validate(relayFeePerKb btcutil.Amount) error {
	if len(req.Outputs) == 0 {
		return ErrNoOutputs
	}

	for _, output := range req.Outputs {
		if err := txrules.CheckOutput(output, relayFeePerKb); err != nil {
			return err
		}
	}

	if pos := req.ChangePosition; pos != nil &&
		(*pos < 0 || *pos > len(req.Outputs)) {

		return fmt.Errorf("%w: %d not in [0, %d]",
			ErrInvalidChangePosition, *pos, len(req.Outputs))
	}

	return nil
}

// changePos resolves the requested change position into the builder's
// convention, where a negative value means a random draw.
func (req *SendRequest) changePos() int {
	if req.ChangePosition == nil {
		return -1
	}

	return *req.ChangePosition
}

// SendResult is the outcome of a successful send: the finalized unsigned
// transaction and the facts about its change output, if any.
type SendResult struct {
	// TxID is the hash of the finalized unsigned transaction. Signing
	// witness inputs does not change it.
	TxID chainhash.Hash

	// Tx is the finalized unsigned transaction.
	Tx *wire.MsgTx

	// Fee is the exact fee of the transaction.
	Fee btcutil.Amount

	// ChangeIndex is the output index of the change output, or -1 when
	// the transaction has none.
	ChangeIndex int

	// ChangeAddress is the committed change address, nil when the
	// transaction has no change output.
	ChangeAddress btcutil.Address
}

// SendOutputs builds a transaction paying the requested outputs from the
// wallet's spendable outputs.
//
// Two candidate transactions may be built: a primary one using the request's
// coin selection strategy, and an avoid-partial-spends one that spends
// all-or-none of the coins of each address. The avoid-partial-spends
// candidate is authoritative when the wallet is configured with
// AvoidPartialSpends; otherwise it wins only if its fee exceeds the primary
// candidate's by no more than MaxAPSFee. Exactly one candidate's change
// address reservation is committed; every other reservation opened along the
// way is released, permanently retiring its key index.
func (w *Wallet) SendOutputs(_ context.Context, req *SendRequest) (
	*SendResult, error) {

	relayFeePerKb := txrules.DefaultRelayFeePerKb
	if err := req.validate(relayFeePerKb); err != nil {
		return nil, err
	}

	credits, err := w.cfg.UtxoSource.SpendableOutputs()
	if err != nil {
		return nil, fmt.Errorf("unable to fetch spendable outputs: %w",
			err)
	}
	coins := creditsToCoins(credits)

	builder := &txCandidateBuilder{
		provider: w.keychain,
		policy: FeePolicy{
			FeeRatePerKb:  w.cfg.FeeRate.Val(),
			RelayFeePerKb: relayFeePerKb,
			DiscardFee:    w.cfg.DiscardFee,
		},
		rng: w.rng,
	}

	strategy := req.Strategy
	if strategy == nil {
		strategy = CoinSelectionLargest
	}

	primary, err := w.buildCandidate(
		builder, strategy, coins, req.Outputs, req.changePos(),
	)
	if err != nil {
		return nil, err
	}

	winner, err := w.resolveWinner(builder, primary, coins, req)
	if err != nil {
		w.releaseCandidate(primary)
		return nil, err
	}

	// The caller's change position must hold on whichever candidate won.
	if pos := req.ChangePosition; pos != nil && winner.hasChange() &&
		winner.Tx.ChangeIndex != *pos {

		w.releaseCandidate(winner)
		return nil, fmt.Errorf("%w: change landed at %d, requested %d",
			ErrInvalidChangePosition, winner.Tx.ChangeIndex, *pos)
	}

	return w.finalize(winner)
}

// buildCandidate arranges the coins with the given strategy and builds one
// candidate transaction from them.
func (w *Wallet) buildCandidate(builder *txCandidateBuilder,
	strategy CoinSelectionStrategy, coins []Coin, outputs []*wire.TxOut,
	changePos int) (*Candidate, error) {

	groups, err := strategy.ArrangeCoins(
		coins, builder.policy.FeeRatePerKb,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to arrange coins: %w", err)
	}

	candidate, err := builder.build(outputs, groups, changePos)
	if err != nil {
		return nil, err
	}

	log.Debugf("Built candidate tx: %v", newLogClosure(func() string {
		return spew.Sdump(candidate.Tx.Tx)
	}))

	return candidate, nil
}

// resolveWinner builds the avoid-partial-spends candidate when the wallet
// config calls for one and decides which candidate the send finalizes. The
// losing candidate's reservation is released before returning.
func (w *Wallet) resolveWinner(builder *txCandidateBuilder,
	primary *Candidate, coins []Coin, req *SendRequest) (*Candidate,
	error) {

	if !w.cfg.AvoidPartialSpends && w.cfg.MaxAPSFee == 0 {
		return primary, nil
	}

	apsStrategy := &AvoidPartialSpendsSelector{
		ChainParams: w.chainParams,
	}
	aps, err := w.buildCandidate(
		builder, apsStrategy, coins, req.Outputs, req.changePos(),
	)
	if err != nil {
		// A mandatory grouped spend that cannot be funded fails the
		// whole send. An opportunistic one falls back to the primary
		// candidate.
		if w.cfg.AvoidPartialSpends {
			return nil, err
		}

		log.Debugf("Avoid-partial-spends candidate not viable, "+
			"using primary candidate: %v", err)
		return primary, nil
	}

	useAPS := w.cfg.AvoidPartialSpends ||
		aps.Fee <= primary.Fee+w.cfg.MaxAPSFee

	if !useAPS {
		log.Debugf("Avoid-partial-spends fee %v exceeds primary fee "+
			"%v by more than %v, using primary candidate",
			aps.Fee, primary.Fee, w.cfg.MaxAPSFee)

		w.releaseCandidate(aps)
		return primary, nil
	}

	log.Debugf("Using avoid-partial-spends candidate with fee %v "+
		"(primary fee %v)", aps.Fee, primary.Fee)

	w.releaseCandidate(primary)
	return aps, nil
}

// finalize commits the winning candidate's change address reservation and
// renders the send result.
func (w *Wallet) finalize(winner *Candidate) (*SendResult, error) {
	result := &SendResult{
		TxID:        winner.Tx.Tx.TxHash(),
		Tx:          winner.Tx.Tx,
		Fee:         winner.Fee,
		ChangeIndex: winner.Tx.ChangeIndex,
	}

	if winner.hasChange() {
		if err := w.keychain.Commit(winner.Reservation); err != nil {
			w.releaseCandidate(winner)
			return nil, fmt.Errorf("unable to commit change "+
				"address: %w", err)
		}
		result.ChangeAddress = winner.Reservation.Address

		log.Infof("Finalized tx with change %v at output %d, fee %v",
			winner.Reservation, winner.Tx.ChangeIndex, winner.Fee)
	} else {
		log.Infof("Finalized tx without change output, fee %v",
			winner.Fee)
	}

	return result, nil
}

// releaseCandidate releases the candidate's change address reservation, if it
// holds one. The released key index is retired, never reissued.
func (w *Wallet) releaseCandidate(c *Candidate) {
	if c == nil || c.Reservation == nil {
		return
	}

	if err := w.keychain.Release(c.Reservation); err != nil {
		log.Errorf("Unable to release change address %v: %v",
			c.Reservation, err)
	}
}
