package input

import (
	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/wire"
)

const (
	// witnessScaleFactor determines the level of "discount" witness data
	// receives compared to "base" data within a transaction.
	witnessScaleFactor = blockchain.WitnessScaleFactor

	// BaseTxSize is the size of a transaction without inputs and outputs:
	//	- Version: 4 bytes
	//	- LockTime: 4 bytes
	BaseTxSize = 4 + 4

	// WitnessHeaderSize is the size of the segwit marker and flag bytes.
	WitnessHeaderSize = 1 + 1

	// InputSize is the size of a transaction input with an empty
	// signature script:
	//	- PreviousOutPoint:
	//		- Hash: 32 bytes
	//		- Index: 4 bytes
	//	- OP_DATA: 1 byte (ScriptSigLength)
	//	- Sequence: 4 bytes
	InputSize = 32 + 4 + 1 + 4

	// P2WPKHSize is the size of a pay-to-witness-key-hash script:
	//	- OP_0: 1 byte
	//	- OP_DATA: 1 byte (PublicKeyHASH160 length)
	//	- PublicKeyHASH160: 20 bytes
	P2WPKHSize = 1 + 1 + 20

	// P2WSHSize is the size of a pay-to-witness-script-hash script:
	//	- OP_0: 1 byte
	//	- OP_DATA: 1 byte (WitnessScriptSHA256 length)
	//	- WitnessScriptSHA256: 32 bytes
	P2WSHSize = 1 + 1 + 32

	// P2WKHOutputSize is the size of an output paying to a P2WPKH script:
	//	- Value: 8 bytes
	//	- VarInt: 1 byte (PkScript length)
	//	- PkScript (P2WPKH)
	P2WKHOutputSize = 8 + 1 + P2WPKHSize

	// P2WSHOutputSize is the size of an output paying to a P2WSH script:
	//	- Value: 8 bytes
	//	- VarInt: 1 byte (PkScript length)
	//	- PkScript (P2WSH)
	P2WSHOutputSize = 8 + 1 + P2WSHSize

	// P2WKHWitnessSize is the size of a witness spending a P2WPKH output:
	//	- NumberOfWitnessElements: 1 byte
	//	- SigLength: 1 byte
	//	- Sig: 73 bytes
	//	- PubKeyLength: 1 byte
	//	- PubKey: 33 bytes
	P2WKHWitnessSize = 1 + 1 + 73 + 1 + 33

	// MultiSigSize is the size of a 2-of-2 CHECKMULTISIG script:
	//	- OP_2: 1 byte
	//	- OP_DATA: 1 byte (pubKeyAlice length)
	//	- pubKeyAlice: 33 bytes
	//	- OP_DATA: 1 byte (pubKeyBob length)
	//	- pubKeyBob: 33 bytes
	//	- OP_2: 1 byte
	//	- OP_CHECKMULTISIG: 1 byte
	MultiSigSize = 1 + 1 + 33 + 1 + 33 + 1 + 1

	// MultiSigWitnessSize is the size of a witness spending a 2-of-2
	// multisig output:
	//	- NumberOfWitnessElements: 1 byte
	//	- NilLength: 1 byte
	//	- SigAliceLength: 1 byte
	//	- SigAlice: 73 bytes
	//	- SigBobLength: 1 byte
	//	- SigBob: 73 bytes
	//	- WitnessScriptLength: 1 byte
	//	- WitnessScript (MultiSig)
	MultiSigWitnessSize = 1 + 1 + 1 + 73 + 1 + 73 + 1 + MultiSigSize

	// ContractExecutionScriptSize is the size of a contract execution
	// output script:
	//	- OP_IF: 1 byte
	//	- OP_DATA: 1 byte (combined claim key length)
	//	- combined claim key: 33 bytes
	//	- OP_ELSE: 1 byte
	//	- OP_DATA: 1 byte (CSV delay length)
	//	- CSV delay: 2 bytes
	//	- OP_CHECKSEQUENCEVERIFY: 1 byte
	//	- OP_DROP: 1 byte
	//	- OP_DATA: 1 byte (sweep key length)
	//	- sweep key: 33 bytes
	//	- OP_ENDIF: 1 byte
	//	- OP_CHECKSIG: 1 byte
	ContractExecutionScriptSize = 1 + 1 + 33 + 1 + 1 + 2 + 1 + 1 + 1 +
		33 + 1 + 1

	// ContractClaimWitnessSize is the size of a witness taking the claim
	// branch of a contract execution output:
	//	- NumberOfWitnessElements: 1 byte
	//	- SigLength: 1 byte
	//	- Sig: 73 bytes
	//	- OneLength: 1 byte
	//	- One: 1 byte
	//	- WitnessScriptLength: 1 byte
	//	- WitnessScript (ContractExecution)
	ContractClaimWitnessSize = 1 + 1 + 73 + 1 + 1 + 1 +
		ContractExecutionScriptSize

	// ContractPenaltyWitnessSize is the size of a witness taking the
	// timeout branch of a contract execution output:
	//	- NumberOfWitnessElements: 1 byte
	//	- SigLength: 1 byte
	//	- Sig: 73 bytes
	//	- NilLength: 1 byte
	//	- WitnessScriptLength: 1 byte
	//	- WitnessScript (ContractExecution)
	ContractPenaltyWitnessSize = 1 + 1 + 73 + 1 + 1 +
		ContractExecutionScriptSize
)

// TxWeightEstimator is able to calculate weight estimates for transactions
// based on the input and output types. For purposes of estimation, all
// signatures are assumed to be of the maximum possible size, 73 bytes.
type TxWeightEstimator struct {
	hasWitness       bool
	inputCount       uint32
	outputCount      uint32
	inputSize        int
	inputWitnessSize int
	outputSize       int
}

// AddP2WKHInput updates the weight estimate to account for an additional
// input spending a native P2WPKH output.
func (twe *TxWeightEstimator) AddP2WKHInput() *TxWeightEstimator {
	return twe.AddWitnessInput(P2WKHWitnessSize)
}

// AddWitnessInput updates the weight estimate to account for an additional
// input spending a native pay-to-witness output. This accepts the total
// size of the witness as a parameter.
func (twe *TxWeightEstimator) AddWitnessInput(
	witnessSize int) *TxWeightEstimator {

	twe.inputSize += InputSize
	twe.inputWitnessSize += witnessSize
	twe.inputCount++
	twe.hasWitness = true

	return twe
}

// AddP2WKHOutput updates the weight estimate to account for an additional
// native P2WKH output.
func (twe *TxWeightEstimator) AddP2WKHOutput() *TxWeightEstimator {
	twe.outputSize += P2WKHOutputSize
	twe.outputCount++

	return twe
}

// AddP2WSHOutput updates the weight estimate to account for an additional
// native P2WSH output.
func (twe *TxWeightEstimator) AddP2WSHOutput() *TxWeightEstimator {
	twe.outputSize += P2WSHOutputSize
	twe.outputCount++

	return twe
}

// Weight gets the estimated weight of the transaction.
func (twe *TxWeightEstimator) Weight() int {
	txSizeStripped := BaseTxSize +
		wire.VarIntSerializeSize(uint64(twe.inputCount)) +
		twe.inputSize +
		wire.VarIntSerializeSize(uint64(twe.outputCount)) +
		twe.outputSize

	weight := txSizeStripped * witnessScaleFactor
	if twe.hasWitness {
		weight += WitnessHeaderSize + twe.inputWitnessSize
	}

	return weight
}

// VSize gets the estimated virtual size of the transaction, in vbytes.
func (twe *TxWeightEstimator) VSize() int {
	// A tx's vsize is 1/4 of the total weight, rounded up.
	return (twe.Weight() + witnessScaleFactor - 1) / witnessScaleFactor
}
