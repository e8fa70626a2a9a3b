// Package input builds and spends the on-chain scripts of a contract: the
// 2-of-2 multisig funding output, the contract execution outputs with their
// claim and timeout branches, and the plain P2WPKH payout outputs. It also
// carries the weight accounting used to estimate fees for those spends.
package input

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// ErrPointAtInfinity is returned when combining public keys yields the
// point at infinity, which has no serialization usable in a script.
var ErrPointAtInfinity = errors.New("combined key is the point at infinity")

// WitnessScriptHash generates a pay-to-witness-script-hash public key
// script paying to a version 0 witness program paying to the passed redeem
// script.
func WitnessScriptHash(witnessScript []byte) ([]byte, error) {
	bldr := txscript.NewScriptBuilder(
		txscript.WithScriptAllocSize(P2WSHSize),
	)

	bldr.AddOp(txscript.OP_0)
	scriptHash := sha256.Sum256(witnessScript)
	bldr.AddData(scriptHash[:])
	return bldr.Script()
}

// WitnessPubKeyHash generates a pay-to-witness-pubkey-hash public key
// script paying to the passed serialized public key.
func WitnessPubKeyHash(pubKey []byte) ([]byte, error) {
	bldr := txscript.NewScriptBuilder(
		txscript.WithScriptAllocSize(P2WPKHSize),
	)

	bldr.AddOp(txscript.OP_0)
	bldr.AddData(btcutil.Hash160(pubKey))
	return bldr.Script()
}

// GenMultiSigScript generates the non-p2sh'd multisig script for 2 of 2
// pubkeys.
func GenMultiSigScript(aPub, bPub []byte) ([]byte, error) {
	if len(aPub) != 33 || len(bPub) != 33 {
		return nil, fmt.Errorf("pubkey size error: compressed " +
			"pubkeys only")
	}

	bldr := txscript.NewScriptBuilder(
		txscript.WithScriptAllocSize(MultiSigSize),
	)
	bldr.AddOp(txscript.OP_2)
	bldr.AddData(aPub)
	bldr.AddData(bPub)
	bldr.AddOp(txscript.OP_2)
	bldr.AddOp(txscript.OP_CHECKMULTISIG)
	return bldr.Script()
}

// GenFundingPkScript creates a redeem script, and its matching p2wsh
// output for the funding transaction. The pubkeys are sorted into
// lexicographic order before insertion so both parties derive the same
// script regardless of argument order.
func GenFundingPkScript(aPub, bPub []byte, amt int64) ([]byte, *wire.TxOut,
	error) {

	if len(aPub) != 33 || len(bPub) != 33 {
		return nil, nil, fmt.Errorf("pubkey size error: compressed " +
			"pubkeys only")
	}

	if amt <= 0 {
		return nil, nil, fmt.Errorf("funding amount must be positive")
	}

	if bytes.Compare(aPub, bPub) > 0 {
		aPub, bPub = bPub, aPub
	}

	witnessScript, err := GenMultiSigScript(aPub, bPub)
	if err != nil {
		return nil, nil, err
	}

	pkScript, err := WitnessScriptHash(witnessScript)
	if err != nil {
		return nil, nil, err
	}

	return witnessScript, wire.NewTxOut(amt, pkScript), nil
}

// SpendMultiSig generates the witness stack required to redeem the 2-of-2
// p2wsh multisig output. Both signatures must carry their sighash flag.
func SpendMultiSig(witnessScript, pubA, sigA, pubB, sigB []byte) [][]byte {
	witness := make([][]byte, 4)

	// When spending a p2wsh multi-sig script, rather than an OP_0, we
	// place an empty byte array within the witness stack due to the
	// extra pop within OP_CHECKMULTISIG.
	witness[0] = nil

	// Arrange the signatures to match the lexicographic key ordering
	// used in the witness script.
	if bytes.Compare(pubA, pubB) > 0 {
		witness[1] = sigB
		witness[2] = sigA
	} else {
		witness[1] = sigA
		witness[2] = sigB
	}

	witness[3] = witnessScript

	return witness
}

// CombinePubKeys returns the EC sum of two public keys.
func CombinePubKeys(a, b *btcec.PublicKey) (*btcec.PublicKey, error) {
	var aJ, bJ, sum btcec.JacobianPoint
	a.AsJacobian(&aJ)
	b.AsJacobian(&bJ)

	btcec.AddNonConst(&aJ, &bJ, &sum)
	if sum.Z.IsZero() {
		return nil, ErrPointAtInfinity
	}

	sum.ToAffine()
	return btcec.NewPublicKey(&sum.X, &sum.Y), nil
}

// ContractExecutionScript generates the witness script of a contract
// execution output. The claiming party spends through the if branch with a
// key that requires knowledge of both its claim secret and the oracle's
// attestation secret. If the transaction was published without a matching
// attestation, the counterparty sweeps through the else branch once
// csvDelay blocks have passed:
//
//	OP_IF
//	    <claimKey + adaptorPoint>
//	OP_ELSE
//	    <csvDelay>
//	    OP_CHECKSEQUENCEVERIFY
//	    OP_DROP
//	    <sweepKey>
//	OP_ENDIF
//	OP_CHECKSIG
func ContractExecutionScript(claimKey, sweepKey,
	adaptorPoint *btcec.PublicKey, csvDelay uint32) ([]byte, error) {

	combinedKey, err := CombinePubKeys(claimKey, adaptorPoint)
	if err != nil {
		return nil, err
	}

	builder := txscript.NewScriptBuilder(
		txscript.WithScriptAllocSize(ContractExecutionScriptSize),
	)
	builder.AddOp(txscript.OP_IF)
	builder.AddData(combinedKey.SerializeCompressed())
	builder.AddOp(txscript.OP_ELSE)
	builder.AddInt64(int64(csvDelay))
	builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(sweepKey.SerializeCompressed())
	builder.AddOp(txscript.OP_ENDIF)
	builder.AddOp(txscript.OP_CHECKSIG)

	return builder.Script()
}

// ContractClaimWitness generates the witness taking the claim branch of a
// contract execution output. The signature must be made with the combined
// claim key and carry its sighash flag.
func ContractClaimWitness(claimSig, witnessScript []byte) wire.TxWitness {
	witness := make(wire.TxWitness, 3)
	witness[0] = claimSig
	witness[1] = []byte{1}
	witness[2] = witnessScript

	return witness
}

// ContractPenaltyWitness generates the witness taking the timeout branch
// of a contract execution output after its CSV delay has matured.
func ContractPenaltyWitness(sweepSig, witnessScript []byte) wire.TxWitness {
	witness := make(wire.TxWitness, 3)
	witness[0] = sweepSig
	witness[1] = nil
	witness[2] = witnessScript

	return witness
}
