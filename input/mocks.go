package input

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/dlcsuite/dlcd/adaptor"
)

// MockSigner is a simple implementation of the Signer interface backed by
// a fixed in-memory key set. Used within unit tests and the funding test
// harness.
type MockSigner struct {
	Privkeys []*btcec.PrivateKey
}

// A compile time check to ensure MockSigner implements the Signer
// interface.
var _ Signer = (*MockSigner)(nil)

// SignOutputRaw generates a signature for the passed transaction according
// to the data within the sign descriptor.
func (m *MockSigner) SignOutputRaw(tx *wire.MsgTx,
	signDesc *SignDescriptor) (Signature, error) {

	privKey := m.findKey(signDesc.PubKey)
	if privKey == nil {
		return nil, fmt.Errorf("mock signer does not control key %x",
			signDesc.PubKey.SerializeCompressed())
	}

	sigHash, err := txscript.CalcWitnessSigHash(
		signDesc.WitnessScript, signDesc.SigHashes,
		signDesc.HashType, tx, signDesc.InputIndex,
		signDesc.Output.Value,
	)
	if err != nil {
		return nil, err
	}

	return ecdsa.Sign(privKey, sigHash), nil
}

// SignOutputAdaptorRaw generates an adaptor signature for the passed
// transaction, encrypted to the given adaptor point.
func (m *MockSigner) SignOutputAdaptorRaw(tx *wire.MsgTx,
	signDesc *SignDescriptor,
	adaptorPoint *btcec.PublicKey) (*adaptor.Signature, error) {

	privKey := m.findKey(signDesc.PubKey)
	if privKey == nil {
		return nil, fmt.Errorf("mock signer does not control key %x",
			signDesc.PubKey.SerializeCompressed())
	}

	sigHash, err := txscript.CalcWitnessSigHash(
		signDesc.WitnessScript, signDesc.SigHashes,
		signDesc.HashType, tx, signDesc.InputIndex,
		signDesc.Output.Value,
	)
	if err != nil {
		return nil, err
	}

	var msg [32]byte
	copy(msg[:], sigHash)

	return adaptor.Sign(privKey, adaptorPoint, msg)
}

// ComputeInputScript generates the witness spending a native P2WPKH
// output held by one of the signer's keys.
func (m *MockSigner) ComputeInputScript(tx *wire.MsgTx,
	signDesc *SignDescriptor) (*Script, error) {

	privKey := m.findKeyByScript(signDesc.Output.PkScript)
	if privKey == nil {
		return nil, fmt.Errorf("mock signer does not control output "+
			"script %x", signDesc.Output.PkScript)
	}

	witness, err := txscript.WitnessSignature(
		tx, signDesc.SigHashes, signDesc.InputIndex,
		signDesc.Output.Value, signDesc.Output.PkScript,
		signDesc.HashType, privKey, true,
	)
	if err != nil {
		return nil, err
	}

	return &Script{Witness: witness}, nil
}

// findKeyByScript returns the private key whose P2WPKH script matches the
// passed output script, or nil when the signer does not control it.
func (m *MockSigner) findKeyByScript(pkScript []byte) *btcec.PrivateKey {
	for _, privKey := range m.Privkeys {
		keyScript, err := WitnessPubKeyHash(
			privKey.PubKey().SerializeCompressed(),
		)
		if err != nil {
			continue
		}
		if bytes.Equal(keyScript, pkScript) {
			return privKey
		}
	}
	return nil
}

// findKey returns the private key matching the passed public key, or nil
// when the signer does not control it.
func (m *MockSigner) findKey(pubKey *btcec.PublicKey) *btcec.PrivateKey {
	for _, privKey := range m.Privkeys {
		if privKey.PubKey().IsEqual(pubKey) {
			return privKey
		}
	}
	return nil
}
