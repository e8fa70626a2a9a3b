package input

import (
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// testKey derives a deterministic private key from a seed string.
func testKey(seed string) *btcec.PrivateKey {
	keyBytes := sha256.Sum256([]byte(seed))
	privKey, _ := btcec.PrivKeyFromBytes(keyBytes[:])
	return privKey
}

// spendTx builds a transaction spending the given output into a throwaway
// P2WPKH output.
func spendTx(t *testing.T, prevOut *wire.TxOut, sequence uint32) *wire.MsgTx {
	t.Helper()

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: 0},
		Sequence:         sequence,
	})

	payScript, err := WitnessPubKeyHash(
		testKey("dest").PubKey().SerializeCompressed(),
	)
	require.NoError(t, err)
	tx.AddTxOut(wire.NewTxOut(prevOut.Value-300, payScript))

	return tx
}

// assertEngine runs the spending transaction against the previous output
// under standard flags.
func assertEngine(t *testing.T, tx *wire.MsgTx, prevOut *wire.TxOut,
	valid bool) {

	t.Helper()

	prevFetcher := txscript.NewCannedPrevOutputFetcher(
		prevOut.PkScript, prevOut.Value,
	)
	sigHashes := txscript.NewTxSigHashes(tx, prevFetcher)

	vm, err := txscript.NewEngine(
		prevOut.PkScript, tx, 0, txscript.StandardVerifyFlags, nil,
		sigHashes, prevOut.Value, prevFetcher,
	)
	require.NoError(t, err)

	err = vm.Execute()
	if valid {
		require.NoError(t, err)
	} else {
		require.Error(t, err)
	}
}

// rawSig signs the sole input of tx with the given key and appends the
// sighash flag.
func rawSig(t *testing.T, tx *wire.MsgTx, privKey *btcec.PrivateKey,
	witnessScript []byte, prevOut *wire.TxOut) []byte {

	t.Helper()

	signer := &MockSigner{Privkeys: []*btcec.PrivateKey{privKey}}
	prevFetcher := txscript.NewCannedPrevOutputFetcher(
		prevOut.PkScript, prevOut.Value,
	)

	sig, err := signer.SignOutputRaw(tx, &SignDescriptor{
		PubKey:        privKey.PubKey(),
		WitnessScript: witnessScript,
		Output:        prevOut,
		HashType:      txscript.SigHashAll,
		SigHashes:     txscript.NewTxSigHashes(tx, prevFetcher),
		InputIndex:    0,
	})
	require.NoError(t, err)

	return append(sig.Serialize(), byte(txscript.SigHashAll))
}

// TestFundingScriptSpend asserts that the 2-of-2 funding output can be
// spent with both parties' signatures regardless of key argument order.
func TestFundingScriptSpend(t *testing.T) {
	t.Parallel()

	aliceKey := testKey("alice")
	bobKey := testKey("bob")
	alicePub := aliceKey.PubKey().SerializeCompressed()
	bobPub := bobKey.PubKey().SerializeCompressed()

	witnessScript, fundingOut, err := GenFundingPkScript(
		alicePub, bobPub, 1_000_000,
	)
	require.NoError(t, err)

	// Both argument orders must derive the same script.
	flippedScript, flippedOut, err := GenFundingPkScript(
		bobPub, alicePub, 1_000_000,
	)
	require.NoError(t, err)
	require.Equal(t, witnessScript, flippedScript)
	require.Equal(t, fundingOut.PkScript, flippedOut.PkScript)

	tx := spendTx(t, fundingOut, wire.MaxTxInSequenceNum)
	aliceSig := rawSig(t, tx, aliceKey, witnessScript, fundingOut)
	bobSig := rawSig(t, tx, bobKey, witnessScript, fundingOut)

	tx.TxIn[0].Witness = SpendMultiSig(
		witnessScript, alicePub, aliceSig, bobPub, bobSig,
	)
	assertEngine(t, tx, fundingOut, true)

	// A single signature used twice must not satisfy the script.
	tx.TxIn[0].Witness = SpendMultiSig(
		witnessScript, alicePub, aliceSig, bobPub, aliceSig,
	)
	assertEngine(t, tx, fundingOut, false)
}

// TestContractExecutionScriptClaim asserts that the claim branch of a
// contract execution output requires the sum of the claim secret and the
// adaptor secret.
func TestContractExecutionScriptClaim(t *testing.T) {
	t.Parallel()

	claimKey := testKey("claim")
	sweepKey := testKey("sweep")
	adaptorSecret := testKey("oracle-secret")

	const csvDelay = 144

	witnessScript, err := ContractExecutionScript(
		claimKey.PubKey(), sweepKey.PubKey(),
		adaptorSecret.PubKey(), csvDelay,
	)
	require.NoError(t, err)
	require.Len(t, witnessScript, ContractExecutionScriptSize)

	pkScript, err := WitnessScriptHash(witnessScript)
	require.NoError(t, err)
	prevOut := wire.NewTxOut(500_000, pkScript)

	// The combined private key is the scalar sum of the claim key and
	// the adaptor secret.
	combined := claimKey.Key
	combined.Add(&adaptorSecret.Key)
	combinedBytes := combined.Bytes()
	combinedKey, _ := btcec.PrivKeyFromBytes(combinedBytes[:])

	tx := spendTx(t, prevOut, wire.MaxTxInSequenceNum)
	claimSig := rawSig(t, tx, combinedKey, witnessScript, prevOut)
	tx.TxIn[0].Witness = ContractClaimWitness(claimSig, witnessScript)
	assertEngine(t, tx, prevOut, true)

	// The claim key alone must not unlock the branch.
	shortSig := rawSig(t, tx, claimKey, witnessScript, prevOut)
	tx.TxIn[0].Witness = ContractClaimWitness(shortSig, witnessScript)
	assertEngine(t, tx, prevOut, false)
}

// TestContractExecutionScriptPenalty asserts that the timeout branch is
// only spendable once the CSV delay has matured.
func TestContractExecutionScriptPenalty(t *testing.T) {
	t.Parallel()

	claimKey := testKey("claim")
	sweepKey := testKey("sweep")
	adaptorSecret := testKey("oracle-secret")

	const csvDelay = 144

	witnessScript, err := ContractExecutionScript(
		claimKey.PubKey(), sweepKey.PubKey(),
		adaptorSecret.PubKey(), csvDelay,
	)
	require.NoError(t, err)

	pkScript, err := WitnessScriptHash(witnessScript)
	require.NoError(t, err)
	prevOut := wire.NewTxOut(500_000, pkScript)

	// Mature sequence: spend succeeds.
	tx := spendTx(t, prevOut, csvDelay)
	sweepSig := rawSig(t, tx, sweepKey, witnessScript, prevOut)
	tx.TxIn[0].Witness = ContractPenaltyWitness(sweepSig, witnessScript)
	assertEngine(t, tx, prevOut, true)

	// Premature sequence: CSV rejects the spend.
	tx = spendTx(t, prevOut, csvDelay-1)
	sweepSig = rawSig(t, tx, sweepKey, witnessScript, prevOut)
	tx.TxIn[0].Witness = ContractPenaltyWitness(sweepSig, witnessScript)
	assertEngine(t, tx, prevOut, false)
}

// TestTxWeightEstimator compares estimator results against the weight of
// an assembled transaction carrying maximum size witnesses.
func TestTxWeightEstimator(t *testing.T) {
	t.Parallel()

	maxDERSig := make([]byte, 73)
	pubKey := testKey("weight").PubKey().SerializeCompressed()

	testCases := []struct {
		name         string
		p2wkhInputs  int
		msigInputs   int
		p2wkhOutputs int
		p2wshOutputs int
	}{
		{name: "empty"},
		{name: "single p2wkh input", p2wkhInputs: 1},
		{name: "multisig input", msigInputs: 1},
		{
			name:         "funding shape",
			p2wkhInputs:  2,
			p2wkhOutputs: 2,
			p2wshOutputs: 1,
		},
		{
			name:         "settlement shape",
			msigInputs:   1,
			p2wkhOutputs: 1,
			p2wshOutputs: 1,
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			var estimator TxWeightEstimator
			tx := wire.NewMsgTx(2)

			for i := 0; i < testCase.p2wkhInputs; i++ {
				estimator.AddP2WKHInput()
				tx.AddTxIn(&wire.TxIn{
					Witness: wire.TxWitness{
						maxDERSig, pubKey,
					},
				})
			}
			for i := 0; i < testCase.msigInputs; i++ {
				estimator.AddWitnessInput(MultiSigWitnessSize)
				msigScript := make([]byte, MultiSigSize)
				tx.AddTxIn(&wire.TxIn{
					Witness: wire.TxWitness{
						nil, maxDERSig, maxDERSig,
						msigScript,
					},
				})
			}
			for i := 0; i < testCase.p2wkhOutputs; i++ {
				estimator.AddP2WKHOutput()
				script := make([]byte, P2WPKHSize)
				tx.AddTxOut(wire.NewTxOut(0, script))
			}
			for i := 0; i < testCase.p2wshOutputs; i++ {
				estimator.AddP2WSHOutput()
				script := make([]byte, P2WSHSize)
				tx.AddTxOut(wire.NewTxOut(0, script))
			}

			expected := blockchain.GetTransactionWeight(
				btcutil.NewTx(tx),
			)
			require.Equal(t, int(expected), estimator.Weight())
		})
	}
}
