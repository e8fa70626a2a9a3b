package txbuilder

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/dlcsuite/dlcd/adaptor"
	"github.com/dlcsuite/dlcd/contract"
	"github.com/dlcsuite/dlcd/dlcwire"
	"github.com/dlcsuite/dlcd/input"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrInvalidCETSignature is returned when a counterparty adaptor
	// signature over a contract execution transaction fails
	// verification.
	ErrInvalidCETSignature = errors.New("invalid cet adaptor signature")

	// ErrInvalidRefundSignature is returned when a counterparty refund
	// signature fails verification.
	ErrInvalidRefundSignature = errors.New("invalid refund signature")
)

// verifyParallelism bounds the number of concurrent adaptor signature
// verifications; the outcome set can run to hundreds of thousands of
// entries for numeric contracts.
const verifyParallelism = 8

// PartySigner produces and validates the signatures one party contributes
// to a contract: adaptor signatures over each CET, a plain signature over
// the refund transaction, and witnesses for its own funding inputs.
type PartySigner struct {
	signer input.Signer

	fundingKey *btcec.PublicKey
}

// NewPartySigner creates a PartySigner signing with the given funding key
// through the backing signer.
func NewPartySigner(signer input.Signer,
	fundingKey *btcec.PublicKey) *PartySigner {

	return &PartySigner{
		signer:     signer,
		fundingKey: fundingKey,
	}
}

// fundingSignDesc returns the descriptor for signing tx's spend of the
// funding output at input 0.
func (p *PartySigner) fundingSignDesc(txns *ContractTransactions,
	tx *wire.MsgTx) *input.SignDescriptor {

	fundingOut := txns.FundingOutput()
	prevFetcher := txscript.NewCannedPrevOutputFetcher(
		fundingOut.PkScript, fundingOut.Value,
	)

	return &input.SignDescriptor{
		PubKey:        p.fundingKey,
		WitnessScript: txns.FundingWitnessScript,
		Output:        fundingOut,
		HashType:      txscript.SigHashAll,
		SigHashes:     txscript.NewTxSigHashes(tx, prevFetcher),
		InputIndex:    0,
	}
}

// CreateCETSignatures produces this party's adaptor signature for every
// CET, each encrypted under the corresponding outcome's adaptor point.
// The returned slice is index-aligned with the outcome set.
func (p *PartySigner) CreateCETSignatures(txns *ContractTransactions,
	outcomes []contract.Outcome) ([]*adaptor.Signature, error) {

	if len(txns.CETs) != len(outcomes) {
		return nil, fmt.Errorf("have %d cets for %d outcomes",
			len(txns.CETs), len(outcomes))
	}

	sigs := make([]*adaptor.Signature, len(txns.CETs))
	for i, cet := range txns.CETs {
		sig, err := p.signer.SignOutputAdaptorRaw(
			cet, p.fundingSignDesc(txns, cet),
			outcomes[i].AdaptorPoint,
		)
		if err != nil {
			return nil, fmt.Errorf("cet %d: %w", i, err)
		}
		sigs[i] = sig
	}

	return sigs, nil
}

// VerifyCETSignatures checks the counterparty's adaptor signature for
// every CET against its funding key and the outcome's adaptor point.
// Verification runs concurrently as adaptor verification is the dominant
// cost of accepting a large numeric contract.
func VerifyCETSignatures(txns *ContractTransactions,
	outcomes []contract.Outcome, sigs []*adaptor.Signature,
	remoteFundingKey *btcec.PublicKey) error {

	if len(sigs) != len(txns.CETs) {
		return fmt.Errorf("%w: have %d signatures for %d cets",
			ErrInvalidCETSignature, len(sigs), len(txns.CETs))
	}

	fundingOut := txns.FundingOutput()

	var eg errgroup.Group
	eg.SetLimit(verifyParallelism)
	for i := range txns.CETs {
		i := i

		eg.Go(func() error {
			sigHash, err := spendSigHash(
				txns.CETs[i], txns.FundingWitnessScript,
				fundingOut,
			)
			if err != nil {
				return err
			}

			if !sigs[i].Verify(
				remoteFundingKey, outcomes[i].AdaptorPoint,
				sigHash,
			) {
				return fmt.Errorf("%w: cet %d",
					ErrInvalidCETSignature, i)
			}
			return nil
		})
	}

	return eg.Wait()
}

// CreateRefundSignature produces this party's signature over the refund
// transaction, DER-encoded with the sighash flag appended.
func (p *PartySigner) CreateRefundSignature(
	txns *ContractTransactions) (dlcwire.Sig, error) {

	sig, err := p.signer.SignOutputRaw(
		txns.RefundTx, p.fundingSignDesc(txns, txns.RefundTx),
	)
	if err != nil {
		return nil, err
	}

	return append(sig.Serialize(), byte(txscript.SigHashAll)), nil
}

// VerifyRefundSignature checks the counterparty's refund signature
// against its funding key.
func VerifyRefundSignature(txns *ContractTransactions, sig dlcwire.Sig,
	remoteFundingKey *btcec.PublicKey) error {

	if len(sig) == 0 {
		return ErrInvalidRefundSignature
	}

	// The flag byte is stripped before DER parsing.
	parsedSig, err := ecdsa.ParseDERSignature(sig[:len(sig)-1])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRefundSignature, err)
	}

	sigHash, err := spendSigHash(
		txns.RefundTx, txns.FundingWitnessScript,
		txns.FundingOutput(),
	)
	if err != nil {
		return err
	}

	if !parsedSig.Verify(sigHash[:], remoteFundingKey) {
		return ErrInvalidRefundSignature
	}

	return nil
}

// CreateFundingWitnesses produces witnesses for this party's own funding
// inputs, index-aligned with its funding input list.
func (p *PartySigner) CreateFundingWitnesses(txns *ContractTransactions,
	fundingInputs []dlcwire.FundingInput) ([]wire.TxWitness, error) {

	// Inputs were merged and reordered by serial id during the build,
	// so locate each of ours by outpoint.
	inputIndex := make(map[wire.OutPoint]int)
	for i, txIn := range txns.FundingTx.TxIn {
		inputIndex[txIn.PreviousOutPoint] = i
	}

	prevFetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i := range fundingInputs {
		prevFetcher.AddPrevOut(
			fundingInputs[i].OutPoint, &fundingInputs[i].Output,
		)
	}
	sigHashes := txscript.NewTxSigHashes(txns.FundingTx, prevFetcher)

	witnesses := make([]wire.TxWitness, len(fundingInputs))
	for i := range fundingInputs {
		idx, ok := inputIndex[fundingInputs[i].OutPoint]
		if !ok {
			return nil, fmt.Errorf("funding input %v not found "+
				"in funding tx", fundingInputs[i].OutPoint)
		}

		script, err := p.signer.ComputeInputScript(
			txns.FundingTx, &input.SignDescriptor{
				Output:     &fundingInputs[i].Output,
				HashType:   txscript.SigHashAll,
				SigHashes:  sigHashes,
				InputIndex: idx,
			},
		)
		if err != nil {
			return nil, fmt.Errorf("funding input %d: %w", i, err)
		}
		witnesses[i] = script.Witness
	}

	return witnesses, nil
}

// CompleteFundingTx attaches both parties' funding witnesses to a copy of
// the funding transaction, returning it ready for broadcast. Witness
// slices are index-aligned with each party's funding input list.
func CompleteFundingTx(txns *ContractTransactions,
	offerInputs, acceptInputs []dlcwire.FundingInput,
	offerWitnesses, acceptWitnesses []wire.TxWitness) (*wire.MsgTx,
	error) {

	if len(offerWitnesses) != len(offerInputs) ||
		len(acceptWitnesses) != len(acceptInputs) {

		return nil, errors.New("witness count mismatch")
	}

	witnessByOutPoint := make(map[wire.OutPoint]wire.TxWitness)
	for i := range offerInputs {
		witnessByOutPoint[offerInputs[i].OutPoint] = offerWitnesses[i]
	}
	for i := range acceptInputs {
		witnessByOutPoint[acceptInputs[i].OutPoint] =
			acceptWitnesses[i]
	}

	fundingTx := txns.FundingTx.Copy()
	for _, txIn := range fundingTx.TxIn {
		witness, ok := witnessByOutPoint[txIn.PreviousOutPoint]
		if !ok {
			return nil, fmt.Errorf("no witness for input %v",
				txIn.PreviousOutPoint)
		}
		txIn.Witness = witness
	}

	return fundingTx, nil
}

// CompleteCET finalizes the CET of the attested outcome: the
// counterparty's adaptor signature is decrypted with the oracle secret,
// our own signature is produced, and the 2-of-2 witness is attached to a
// copy of the CET.
func (p *PartySigner) CompleteCET(txns *ContractTransactions, cetIndex int,
	remoteFundingKey *btcec.PublicKey, remoteSig *adaptor.Signature,
	secret *btcec.ModNScalar) (*wire.MsgTx, error) {

	if cetIndex < 0 || cetIndex >= len(txns.CETs) {
		return nil, fmt.Errorf("cet index %d out of range", cetIndex)
	}
	cet := txns.CETs[cetIndex].Copy()

	remoteECDSA, err := remoteSig.Decrypt(secret)
	if err != nil {
		return nil, fmt.Errorf("decrypting remote signature: %w", err)
	}
	remoteDER := append(
		remoteECDSA.Serialize(), byte(txscript.SigHashAll),
	)

	ourSig, err := p.signer.SignOutputRaw(
		cet, p.fundingSignDesc(txns, cet),
	)
	if err != nil {
		return nil, err
	}
	ourDER := append(ourSig.Serialize(), byte(txscript.SigHashAll))

	cet.TxIn[0].Witness = input.SpendMultiSig(
		txns.FundingWitnessScript,
		p.fundingKey.SerializeCompressed(), ourDER,
		remoteFundingKey.SerializeCompressed(), remoteDER,
	)

	return cet, nil
}

// CompleteRefund finalizes the refund transaction with the counterparty's
// stored refund signature and our own.
func (p *PartySigner) CompleteRefund(txns *ContractTransactions,
	remoteFundingKey *btcec.PublicKey,
	remoteSig dlcwire.Sig) (*wire.MsgTx, error) {

	refundTx := txns.RefundTx.Copy()

	ourSig, err := p.signer.SignOutputRaw(
		refundTx, p.fundingSignDesc(txns, refundTx),
	)
	if err != nil {
		return nil, err
	}
	ourDER := append(ourSig.Serialize(), byte(txscript.SigHashAll))

	refundTx.TxIn[0].Witness = input.SpendMultiSig(
		txns.FundingWitnessScript,
		p.fundingKey.SerializeCompressed(), ourDER,
		remoteFundingKey.SerializeCompressed(), remoteSig,
	)

	return refundTx, nil
}

// spendSigHash computes the segwit sighash of a spend of the funding
// output at input 0.
func spendSigHash(tx *wire.MsgTx, witnessScript []byte,
	fundingOut *wire.TxOut) ([32]byte, error) {

	var sigHash [32]byte

	prevFetcher := txscript.NewCannedPrevOutputFetcher(
		fundingOut.PkScript, fundingOut.Value,
	)
	sigHashes := txscript.NewTxSigHashes(tx, prevFetcher)

	hash, err := txscript.CalcWitnessSigHash(
		witnessScript, sigHashes, txscript.SigHashAll, tx, 0,
		fundingOut.Value,
	)
	if err != nil {
		return sigHash, err
	}

	copy(sigHash[:], hash)
	return sigHash, nil
}
