package txbuilder

import (
	"testing"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/dlcsuite/dlcd/adaptor"
	"github.com/dlcsuite/dlcd/dlcwire"
	"github.com/stretchr/testify/require"
)

func TestCETSignatureExchange(t *testing.T) {
	t.Parallel()

	tc := newEnumContract(t)
	txns, err := BuildContractTransactions(
		tc.offer, tc.accept, tc.outcomes,
	)
	require.NoError(t, err)

	offerSigs, err := tc.offerer.signer.CreateCETSignatures(
		txns, tc.outcomes,
	)
	require.NoError(t, err)
	acceptSigs, err := tc.accepter.signer.CreateCETSignatures(
		txns, tc.outcomes,
	)
	require.NoError(t, err)

	// Each side verifies the other's adaptor signatures.
	require.NoError(t, VerifyCETSignatures(
		txns, tc.outcomes, acceptSigs,
		tc.accepter.fundingPriv.PubKey(),
	))
	require.NoError(t, VerifyCETSignatures(
		txns, tc.outcomes, offerSigs,
		tc.offerer.fundingPriv.PubKey(),
	))

	// A signature made under the wrong funding key fails.
	err = VerifyCETSignatures(
		txns, tc.outcomes, acceptSigs,
		tc.offerer.fundingPriv.PubKey(),
	)
	require.ErrorIs(t, err, ErrInvalidCETSignature)

	// A signature swapped between outcomes is encrypted to the wrong
	// adaptor point and fails.
	swapped := []*adaptor.Signature{acceptSigs[1], acceptSigs[0]}
	err = VerifyCETSignatures(
		txns, tc.outcomes, swapped,
		tc.accepter.fundingPriv.PubKey(),
	)
	require.ErrorIs(t, err, ErrInvalidCETSignature)

	// A short signature list is rejected outright.
	err = VerifyCETSignatures(
		txns, tc.outcomes, acceptSigs[:1],
		tc.accepter.fundingPriv.PubKey(),
	)
	require.ErrorIs(t, err, ErrInvalidCETSignature)
}

func TestRefundSignatureExchange(t *testing.T) {
	t.Parallel()

	tc := newEnumContract(t)
	txns, err := BuildContractTransactions(
		tc.offer, tc.accept, tc.outcomes,
	)
	require.NoError(t, err)

	refundSig, err := tc.accepter.signer.CreateRefundSignature(txns)
	require.NoError(t, err)

	require.NoError(t, VerifyRefundSignature(
		txns, refundSig, tc.accepter.fundingPriv.PubKey(),
	))

	err = VerifyRefundSignature(
		txns, refundSig, tc.offerer.fundingPriv.PubKey(),
	)
	require.ErrorIs(t, err, ErrInvalidRefundSignature)

	err = VerifyRefundSignature(
		txns, nil, tc.accepter.fundingPriv.PubKey(),
	)
	require.ErrorIs(t, err, ErrInvalidRefundSignature)
}

func TestCompleteFundingTx(t *testing.T) {
	t.Parallel()

	tc := newEnumContract(t)
	txns, err := BuildContractTransactions(
		tc.offer, tc.accept, tc.outcomes,
	)
	require.NoError(t, err)

	offerWitnesses, err := tc.offerer.signer.CreateFundingWitnesses(
		txns, tc.offer.FundingInputs,
	)
	require.NoError(t, err)
	acceptWitnesses, err := tc.accepter.signer.CreateFundingWitnesses(
		txns, tc.accept.FundingInputs,
	)
	require.NoError(t, err)

	fundingTx, err := CompleteFundingTx(
		txns, tc.offer.FundingInputs, tc.accept.FundingInputs,
		offerWitnesses, acceptWitnesses,
	)
	require.NoError(t, err)

	// The unsigned derivation must be unchanged by witness attachment.
	require.Equal(t, txns.FundingTx.TxHash(), fundingTx.TxHash())

	// Both funded inputs validate against the outputs they spend. The
	// lower serial id input is the offerer's.
	verifyFundingInput(t, fundingTx, 0, &tc.offerer.fundingInput.Output,
		&tc.accepter.fundingInput)
	verifyFundingInput(t, fundingTx, 1, &tc.accepter.fundingInput.Output,
		&tc.offerer.fundingInput)
}

// verifyFundingInput validates one input of the completed funding tx,
// with the other party's input registered so the sighash covers both
// prevouts.
func verifyFundingInput(t *testing.T, fundingTx *wire.MsgTx, idx int,
	prevOut *wire.TxOut, otherInput *dlcwire.FundingInput) {

	t.Helper()

	prevFetcher := txscript.NewMultiPrevOutFetcher(nil)
	prevFetcher.AddPrevOut(
		fundingTx.TxIn[idx].PreviousOutPoint, prevOut,
	)
	prevFetcher.AddPrevOut(otherInput.OutPoint, &otherInput.Output)
	sigHashes := txscript.NewTxSigHashes(fundingTx, prevFetcher)

	vm, err := txscript.NewEngine(
		prevOut.PkScript, fundingTx, idx,
		txscript.StandardVerifyFlags, nil, sigHashes, prevOut.Value,
		prevFetcher,
	)
	require.NoError(t, err)
	require.NoError(t, vm.Execute())
}

func TestCompleteCET(t *testing.T) {
	t.Parallel()

	tc := newEnumContract(t)
	txns, err := BuildContractTransactions(
		tc.offer, tc.accept, tc.outcomes,
	)
	require.NoError(t, err)

	acceptSigs, err := tc.accepter.signer.CreateCETSignatures(
		txns, tc.outcomes,
	)
	require.NoError(t, err)

	// The oracle attests "win": the offerer takes everything.
	attestation, err := tc.oracle.Attest("win")
	require.NoError(t, err)
	secret, err := attestation.SecretScalar(1)
	require.NoError(t, err)

	winIdx := -1
	for i, outcome := range tc.outcomes {
		if outcome.Label == "win" {
			winIdx = i
		}
	}
	require.NotEqual(t, -1, winIdx)

	cet, err := tc.offerer.signer.CompleteCET(
		txns, winIdx, tc.accepter.fundingPriv.PubKey(),
		acceptSigs[winIdx], secret,
	)
	require.NoError(t, err)

	// The completed CET is a valid spend of the funding output.
	verifyInputSpend(t, cet, 0, txns.FundingOutput())

	// Witness attachment leaves the txid untouched.
	require.Equal(t, txns.CETs[winIdx].TxHash(), cet.TxHash())

	// The wrong secret produces an unbroadcastable transaction.
	loseAttestation, err := tc.oracle.Attest("lose")
	require.NoError(t, err)
	wrongSecret, err := loseAttestation.SecretScalar(1)
	require.NoError(t, err)

	badCET, err := tc.offerer.signer.CompleteCET(
		txns, winIdx, tc.accepter.fundingPriv.PubKey(),
		acceptSigs[winIdx], wrongSecret,
	)
	require.NoError(t, err)

	fundingOut := txns.FundingOutput()
	prevFetcher := txscript.NewCannedPrevOutputFetcher(
		fundingOut.PkScript, fundingOut.Value,
	)
	vm, err := txscript.NewEngine(
		fundingOut.PkScript, badCET, 0,
		txscript.StandardVerifyFlags, nil,
		txscript.NewTxSigHashes(badCET, prevFetcher),
		fundingOut.Value, prevFetcher,
	)
	require.NoError(t, err)
	require.Error(t, vm.Execute())
}

// TestSecretRecoveryFromBroadcastCET exercises the punishment-free
// recovery path: once the counterparty broadcasts a completed CET, the
// adaptor signature we hold for that outcome reveals the oracle secret
// from the published witness.
func TestSecretRecoveryFromBroadcastCET(t *testing.T) {
	t.Parallel()

	tc := newEnumContract(t)
	txns, err := BuildContractTransactions(
		tc.offer, tc.accept, tc.outcomes,
	)
	require.NoError(t, err)

	acceptSigs, err := tc.accepter.signer.CreateCETSignatures(
		txns, tc.outcomes,
	)
	require.NoError(t, err)

	attestation, err := tc.oracle.Attest("win")
	require.NoError(t, err)
	secret, err := attestation.SecretScalar(1)
	require.NoError(t, err)

	cet, err := tc.offerer.signer.CompleteCET(
		txns, 0, tc.accepter.fundingPriv.PubKey(), acceptSigs[0],
		secret,
	)
	require.NoError(t, err)

	// The accepter scans the broadcast witness: one of the two
	// signatures completes the adaptor signature it handed out, and
	// dividing the two recovers the oracle's secret.
	witness := cet.TxIn[0].Witness
	require.Len(t, witness, 4)

	var recovered bool
	for _, witSig := range witness[1:3] {
		require.NotEmpty(t, witSig)
		der := witSig[:len(witSig)-1]

		got, err := acceptSigs[0].RecoverSecret(
			tc.outcomes[0].AdaptorPoint, der,
		)
		if err != nil {
			continue
		}
		require.True(t, got.Equals(secret))
		recovered = true
	}
	require.True(t, recovered)
}

func TestCompleteRefund(t *testing.T) {
	t.Parallel()

	tc := newEnumContract(t)
	txns, err := BuildContractTransactions(
		tc.offer, tc.accept, tc.outcomes,
	)
	require.NoError(t, err)

	// The offerer holds the accepter's refund signature from the
	// accept message and completes after the timeout.
	acceptRefundSig, err := tc.accepter.signer.CreateRefundSignature(
		txns,
	)
	require.NoError(t, err)

	refundTx, err := tc.offerer.signer.CompleteRefund(
		txns, tc.accepter.fundingPriv.PubKey(), acceptRefundSig,
	)
	require.NoError(t, err)

	require.Equal(t, txns.RefundTx.TxHash(), refundTx.TxHash())
	verifyInputSpend(t, refundTx, 0, txns.FundingOutput())
}
