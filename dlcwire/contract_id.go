package dlcwire

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ContractIDSize is the length in bytes of a contract id.
const ContractIDSize = 32

// TempContractID identifies a contract during negotiation, before its
// funding transaction exists. It is the hash of the serialized offer, so
// both parties compute it without further communication.
type TempContractID [ContractIDSize]byte

// String returns the hex encoded representation of the temporary contract
// id.
func (t TempContractID) String() string {
	return hex.EncodeToString(t[:])
}

// NewTempContractID hashes a serialized offer message into its temporary
// contract id.
func NewTempContractID(serializedOffer []byte) TempContractID {
	return sha256.Sum256(serializedOffer)
}

// ContractID is a series of 32 bytes that uniquely identifies a contract
// once its funding transaction is known: the funding txid XOR'd with the
// temporary contract id. Both parties derive it independently as soon as
// the funding transaction is built.
type ContractID [ContractIDSize]byte

// String returns the hex encoded representation of the contract id.
func (c ContractID) String() string {
	return hex.EncodeToString(c[:])
}

// NewContractID derives the permanent contract id from the funding txid
// and the offer's temporary contract id.
func NewContractID(fundingTxid chainhash.Hash,
	tempID TempContractID) ContractID {

	var cid ContractID
	for i := range cid {
		cid[i] = fundingTxid[i] ^ tempID[i]
	}
	return cid
}

// TempID recovers the temporary contract id given the funding txid the
// contract id was derived from.
func (c ContractID) TempID(fundingTxid chainhash.Hash) TempContractID {
	var tempID TempContractID
	for i := range tempID {
		tempID[i] = c[i] ^ fundingTxid[i]
	}
	return tempID
}
