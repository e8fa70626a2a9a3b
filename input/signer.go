package input

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/dlcsuite/dlcd/adaptor"
)

// Signature is an interface for objects that can populate signatures
// during witness construction.
type Signature interface {
	// Serialize returns a DER-encoded ECDSA signature.
	Serialize() []byte

	// Verify returns true if the signature is valid for the passed
	// message and public key.
	Verify(msg []byte, pubKey *btcec.PublicKey) bool
}

// SignDescriptor houses the necessary information required to successfully
// sign a given segwit output.
type SignDescriptor struct {
	// PubKey is the public key of the wallet key that should sign. The
	// signer locates the matching private key by it.
	PubKey *btcec.PublicKey

	// WitnessScript is the full script required to properly redeem the
	// output.
	WitnessScript []byte

	// Output is the target output being spent, providing the value
	// committed to by the segwit sighash.
	Output *wire.TxOut

	// HashType selects the sighash flag to use when generating the
	// signature.
	HashType txscript.SigHashType

	// SigHashes caches the midstate hashes of the transaction being
	// signed.
	SigHashes *txscript.TxSigHashes

	// InputIndex is the index of the input being signed.
	InputIndex int
}

// Script represents any script inputs required to redeem a previous
// output. This struct is used rather than just a witness, or scriptSig in
// order to accommodate nested p2sh which utilizes both types of input
// scripts.
type Script struct {
	// Witness is the full witness stack required to unlock this output.
	Witness wire.TxWitness

	// SigScript will only be populated if this is a nested p2sh output.
	SigScript []byte
}

// Signer represents an abstract object capable of signing contract inputs
// with wallet-held keys.
type Signer interface {
	// SignOutputRaw generates a signature for the passed transaction
	// according to the data within the sign descriptor. The returned
	// signature lacks its corresponding sighash flag.
	SignOutputRaw(tx *wire.MsgTx,
		signDesc *SignDescriptor) (Signature, error)

	// SignOutputAdaptorRaw generates an adaptor signature for the
	// passed transaction, encrypted to the given adaptor point. The
	// counterparty can verify it against the sign descriptor's key, and
	// complete it into a valid signature only with the discrete log of
	// the adaptor point.
	SignOutputAdaptorRaw(tx *wire.MsgTx, signDesc *SignDescriptor,
		adaptorPoint *btcec.PublicKey) (*adaptor.Signature, error)

	// ComputeInputScript generates a complete input script for the
	// passed transaction input, valid for spending the keyed output
	// directly. Only native P2WPKH outputs are supported.
	ComputeInputScript(tx *wire.MsgTx,
		signDesc *SignDescriptor) (*Script, error)
}
