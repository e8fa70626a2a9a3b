// Package txbuilder derives the three transaction classes of a contract
// from an offer/accept pair: the funding transaction, one contract
// execution transaction per outcome, and the refund transaction. Every
// derivation is deterministic so both parties independently produce
// byte-identical transactions; signatures exchanged over them commit to
// exact output values.
package txbuilder

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/dlcsuite/dlcd/contract"
	"github.com/dlcsuite/dlcd/dlcwire"
	"github.com/dlcsuite/dlcd/input"
)

const (
	// DefaultCSVDelay is the relative timelock of the penalty branch in
	// contract execution outputs, in blocks.
	DefaultCSVDelay = 144

	// settlementSequence is the sequence used by settlement and refund
	// inputs. It keeps absolute locktimes enforceable while leaving the
	// relative timelock disabled.
	settlementSequence = wire.MaxTxInSequenceNum - 1

	// txVersion is the version of all contract transactions. Version 2
	// is required for OP_CHECKSEQUENCEVERIFY semantics in the penalty
	// branch.
	txVersion = 2
)

var (
	// ErrOutputBelowDust is returned when fee deduction pushes a
	// transaction output below the dust threshold.
	ErrOutputBelowDust = errors.New("output below dust after fees")

	// ErrNegativeChange is returned when a party's funding inputs do
	// not cover its collateral plus change.
	ErrNegativeChange = errors.New("funding inputs below collateral")
)

// ContractTransactions holds every transaction derived from a negotiated
// contract, along with the data needed to sign and watch them.
type ContractTransactions struct {
	// FundingTx is the unsigned funding transaction.
	FundingTx *wire.MsgTx

	// FundOutputIndex is the index of the 2-of-2 funding output within
	// FundingTx.
	FundOutputIndex int

	// FundingWitnessScript is the multisig redeem script of the funding
	// output.
	FundingWitnessScript []byte

	// CETs are the unsigned contract execution transactions, one per
	// outcome, index-aligned with the contract's outcome set.
	CETs []*wire.MsgTx

	// RefundTx is the unsigned refund transaction.
	RefundTx *wire.MsgTx

	// ContractID is the permanent contract id: the funding txid XOR'd
	// with the offer's temporary contract id.
	ContractID dlcwire.ContractID
}

// FundingOutPoint returns the outpoint of the 2-of-2 funding output.
func (c *ContractTransactions) FundingOutPoint() wire.OutPoint {
	return wire.OutPoint{
		Hash:  c.FundingTx.TxHash(),
		Index: uint32(c.FundOutputIndex),
	}
}

// FundingOutput returns the 2-of-2 funding output.
func (c *ContractTransactions) FundingOutput() *wire.TxOut {
	return c.FundingTx.TxOut[c.FundOutputIndex]
}

// serialOutput pairs an output with the serial id that orders it within
// its transaction.
type serialOutput struct {
	serialID uint64
	txOut    *wire.TxOut
}

// orderOutputs sorts the outputs into ascending serial id order and
// returns the bare output list. Equal serial ids fall back to canonical
// value-then-script comparison so both parties still derive the same
// ordering.
func orderOutputs(outputs []serialOutput) []*wire.TxOut {
	sort.Slice(outputs, func(i, j int) bool {
		oi, oj := outputs[i], outputs[j]
		if oi.serialID != oj.serialID {
			return oi.serialID < oj.serialID
		}
		if oi.txOut.Value != oj.txOut.Value {
			return oi.txOut.Value < oj.txOut.Value
		}
		return bytes.Compare(oi.txOut.PkScript, oj.txOut.PkScript) < 0
	})

	txOuts := make([]*wire.TxOut, len(outputs))
	for i, out := range outputs {
		txOuts[i] = out.txOut
	}
	return txOuts
}

// deductFee subtracts the fee evenly across the outputs, with the
// remainder falling on the last output. The convention is protocol-fixed:
// both parties must deduct identically or exchanged signatures will not
// match. Any output pushed below the dust threshold fails the build.
func deductFee(outputs []*wire.TxOut, fee btcutil.Amount) error {
	if len(outputs) == 0 {
		return errors.New("no outputs to deduct fee from")
	}

	share := fee / btcutil.Amount(len(outputs))
	remainder := fee % btcutil.Amount(len(outputs))

	dust := contract.DustLimit()
	for i, txOut := range outputs {
		txOut.Value -= int64(share)
		if i == len(outputs)-1 {
			txOut.Value -= int64(remainder)
		}

		if txOut.Value < int64(dust) {
			return fmt.Errorf("%w: output %d left with %v",
				ErrOutputBelowDust, i,
				btcutil.Amount(txOut.Value))
		}
	}

	return nil
}

// BuildContractTransactions derives the funding transaction, all CETs and
// the refund transaction from a validated offer/accept pair and the
// contract's expanded outcome set.
func BuildContractTransactions(offer *dlcwire.DLCOffer,
	accept *dlcwire.DLCAccept,
	outcomes []contract.Outcome) (*ContractTransactions, error) {

	fundingTx, fundIdx, witnessScript, err := buildFundingTx(
		offer, accept,
	)
	if err != nil {
		return nil, err
	}

	fundingOutPoint := wire.OutPoint{
		Hash:  fundingTx.TxHash(),
		Index: uint32(fundIdx),
	}
	fundingValue := btcutil.Amount(fundingTx.TxOut[fundIdx].Value)

	cets := make([]*wire.MsgTx, len(outcomes))
	for i, outcome := range outcomes {
		cet, err := buildCET(
			offer, accept, &outcome, fundingOutPoint,
			fundingValue,
		)
		if err != nil {
			return nil, fmt.Errorf("cet %d: %w", i, err)
		}
		cets[i] = cet
	}

	refundTx, err := buildRefundTx(
		offer, accept, fundingOutPoint, fundingValue,
	)
	if err != nil {
		return nil, fmt.Errorf("refund: %w", err)
	}

	tempID, err := offer.TempContractID()
	if err != nil {
		return nil, err
	}

	return &ContractTransactions{
		FundingTx:            fundingTx,
		FundOutputIndex:      fundIdx,
		FundingWitnessScript: witnessScript,
		CETs:                 cets,
		RefundTx:             refundTx,
		ContractID: dlcwire.NewContractID(
			fundingTx.TxHash(), tempID,
		),
	}, nil
}

// buildFundingTx assembles the funding transaction: both parties' inputs
// in serial id order, the 2-of-2 funding output carrying the total
// collateral, and each party's change, with the funding fee deducted
// across the outputs.
func buildFundingTx(offer *dlcwire.DLCOffer,
	accept *dlcwire.DLCAccept) (*wire.MsgTx, int, []byte, error) {

	tx := wire.NewMsgTx(txVersion)

	// Merge and order both parties' inputs by serial id.
	fundingInputs := make([]dlcwire.FundingInput, 0,
		len(offer.FundingInputs)+len(accept.FundingInputs))
	fundingInputs = append(fundingInputs, offer.FundingInputs...)
	fundingInputs = append(fundingInputs, accept.FundingInputs...)
	sort.Slice(fundingInputs, func(i, j int) bool {
		fi, fj := fundingInputs[i], fundingInputs[j]
		if fi.InputSerialID != fj.InputSerialID {
			return fi.InputSerialID < fj.InputSerialID
		}
		cmp := bytes.Compare(
			fi.OutPoint.Hash[:], fj.OutPoint.Hash[:],
		)
		if cmp != 0 {
			return cmp < 0
		}
		return fi.OutPoint.Index < fj.OutPoint.Index
	})

	var weightEstimate input.TxWeightEstimator
	for _, fundingInput := range fundingInputs {
		tx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: fundingInput.OutPoint,
			Sequence:         fundingInput.Sequence,
		})
		weightEstimate.AddP2WKHInput()
	}

	// The funding output commits the total collateral to the 2-of-2.
	totalCollateral := offer.ContractInfo.TotalCollateral
	witnessScript, fundingOut, err := input.GenFundingPkScript(
		offer.FundingPubKey.SerializeCompressed(),
		accept.FundingPubKey.SerializeCompressed(),
		int64(totalCollateral),
	)
	if err != nil {
		return nil, 0, nil, err
	}
	weightEstimate.AddP2WSHOutput()

	offerChange := offer.FundingAmount() - offer.Collateral
	acceptChange := accept.FundingAmount() - accept.Collateral
	if offerChange < 0 || acceptChange < 0 {
		return nil, 0, nil, ErrNegativeChange
	}
	weightEstimate.AddP2WKHOutput()
	weightEstimate.AddP2WKHOutput()

	outputs := []serialOutput{
		{
			serialID: offer.FundOutputSerialID,
			txOut:    fundingOut,
		},
		{
			serialID: offer.ChangeSerialID,
			txOut: wire.NewTxOut(
				int64(offerChange), offer.ChangeScript,
			),
		},
		{
			serialID: accept.ChangeSerialID,
			txOut: wire.NewTxOut(
				int64(acceptChange), accept.ChangeScript,
			),
		},
	}

	txOuts := orderOutputs(outputs)
	fee := offer.FeeRate.FeeForWeightRoundUp(
		int64(weightEstimate.Weight()),
	)
	if err := deductFee(txOuts, fee); err != nil {
		return nil, 0, nil, err
	}

	fundIdx := -1
	for i, txOut := range txOuts {
		tx.AddTxOut(txOut)
		if txOut == fundingOut {
			fundIdx = i
		}
	}

	return tx, fundIdx, witnessScript, nil
}

// buildCET assembles the contract execution transaction of one outcome.
// The larger payout goes to a contract execution output claimable by its
// owner with the oracle attestation, or sweepable by the counterparty
// after the CSV delay. The smaller payout pays its owner directly.
func buildCET(offer *dlcwire.DLCOffer, accept *dlcwire.DLCAccept,
	outcome *contract.Outcome, fundingOutPoint wire.OutPoint,
	fundingValue btcutil.Amount) (*wire.MsgTx, error) {

	tx := wire.NewMsgTx(txVersion)
	tx.LockTime = offer.CETLocktime
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: fundingOutPoint,
		Sequence:         settlementSequence,
	})

	var weightEstimate input.TxWeightEstimator
	weightEstimate.AddWitnessInput(input.MultiSigWitnessSize)

	// The party with the larger payout is the claiming side of the
	// execution output. Ties break toward the offerer.
	winnerKey, loserKey := offer.PayoutPubKey, accept.PayoutPubKey
	winnerSerial, loserSerial := offer.PayoutSerialID,
		accept.PayoutSerialID
	winnerAmt, loserAmt := outcome.OffererPayout, outcome.AccepterPayout
	if outcome.AccepterPayout > outcome.OffererPayout {
		winnerKey, loserKey = loserKey, winnerKey
		winnerSerial, loserSerial = loserSerial, winnerSerial
		winnerAmt, loserAmt = loserAmt, winnerAmt
	}

	var outputs []serialOutput
	if winnerAmt > 0 {
		execScript, err := input.ContractExecutionScript(
			winnerKey, loserKey, outcome.AdaptorPoint,
			DefaultCSVDelay,
		)
		if err != nil {
			return nil, err
		}
		execPkScript, err := input.WitnessScriptHash(execScript)
		if err != nil {
			return nil, err
		}

		weightEstimate.AddP2WSHOutput()
		outputs = append(outputs, serialOutput{
			serialID: winnerSerial,
			txOut: wire.NewTxOut(
				int64(winnerAmt), execPkScript,
			),
		})
	}
	if loserAmt > 0 {
		payoutScript, err := input.WitnessPubKeyHash(
			loserKey.SerializeCompressed(),
		)
		if err != nil {
			return nil, err
		}

		weightEstimate.AddP2WKHOutput()
		outputs = append(outputs, serialOutput{
			serialID: loserSerial,
			txOut: wire.NewTxOut(
				int64(loserAmt), payoutScript,
			),
		})
	}

	// The funding output already absorbed the funding fee, so the CET
	// spreads the difference between the funding value and the total
	// collateral, plus its own fee, across its outputs.
	txOuts := orderOutputs(outputs)
	fee := offer.FeeRate.FeeForWeightRoundUp(
		int64(weightEstimate.Weight()),
	)
	deficit := offer.ContractInfo.TotalCollateral - fundingValue
	if err := deductFee(txOuts, fee+deficit); err != nil {
		return nil, err
	}

	for _, txOut := range txOuts {
		tx.AddTxOut(txOut)
	}

	return tx, nil
}

// buildRefundTx assembles the refund transaction: the funding output
// split back at the original collateral ratio, locked until the absolute
// refund locktime.
func buildRefundTx(offer *dlcwire.DLCOffer, accept *dlcwire.DLCAccept,
	fundingOutPoint wire.OutPoint,
	fundingValue btcutil.Amount) (*wire.MsgTx, error) {

	tx := wire.NewMsgTx(txVersion)
	tx.LockTime = offer.RefundLocktime
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: fundingOutPoint,
		Sequence:         settlementSequence,
	})

	var weightEstimate input.TxWeightEstimator
	weightEstimate.AddWitnessInput(input.MultiSigWitnessSize)
	weightEstimate.AddP2WKHOutput()
	weightEstimate.AddP2WKHOutput()

	offerScript, err := input.WitnessPubKeyHash(
		offer.PayoutPubKey.SerializeCompressed(),
	)
	if err != nil {
		return nil, err
	}
	acceptScript, err := input.WitnessPubKeyHash(
		accept.PayoutPubKey.SerializeCompressed(),
	)
	if err != nil {
		return nil, err
	}

	outputs := []serialOutput{
		{
			serialID: offer.PayoutSerialID,
			txOut: wire.NewTxOut(
				int64(offer.Collateral), offerScript,
			),
		},
		{
			serialID: accept.PayoutSerialID,
			txOut: wire.NewTxOut(
				int64(accept.Collateral), acceptScript,
			),
		},
	}

	txOuts := orderOutputs(outputs)
	fee := offer.FeeRate.FeeForWeightRoundUp(
		int64(weightEstimate.Weight()),
	)
	deficit := offer.ContractInfo.TotalCollateral - fundingValue
	if err := deductFee(txOuts, fee+deficit); err != nil {
		return nil, err
	}

	for _, txOut := range txOuts {
		tx.AddTxOut(txOut)
	}

	return tx, nil
}
