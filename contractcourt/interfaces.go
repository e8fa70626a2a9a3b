// Package contractcourt watches the chain on behalf of active contracts
// and resolves them once the funding output is spent. For each contract a
// chainWatcher observes funding confirmation and the eventual settlement
// spend, and a ContractArbitrator folds those chain events together with
// protocol events into the persisted contract state machine.
package contractcourt

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// TxConfirmation carries the block details of a confirmed transaction.
type TxConfirmation struct {
	// BlockHash is the hash of the confirming block.
	BlockHash *chainhash.Hash

	// BlockHeight is the height of the confirming block.
	BlockHeight uint32

	// TxIndex is the transaction's index within the confirming block.
	TxIndex uint32
}

// ConfirmationEvent is the stream of confirmation notifications for one
// registered transaction.
type ConfirmationEvent struct {
	// Confirmed fires once the transaction reaches the requested number
	// of confirmations.
	Confirmed chan *TxConfirmation

	// Cancel tears down the registration.
	Cancel func()
}

// SpendDetail carries the details of a spend of a watched outpoint.
type SpendDetail struct {
	// SpentOutPoint is the watched outpoint.
	SpentOutPoint *wire.OutPoint

	// SpenderTxHash is the txid of the spending transaction.
	SpenderTxHash *chainhash.Hash

	// SpendingTx is the full spending transaction.
	SpendingTx *wire.MsgTx

	// SpendingHeight is the height the spend confirmed at.
	SpendingHeight uint32
}

// SpendEvent is the stream of spend notifications for one registered
// outpoint.
type SpendEvent struct {
	// Spend fires when the watched outpoint is spent.
	Spend chan *SpendDetail

	// Cancel tears down the registration.
	Cancel func()
}

// ChainNotifier is the narrow chain interface the contract court depends
// on. A backing implementation is expected to deliver notifications for
// historical events as well, so registrations made after the fact on
// restart still fire.
type ChainNotifier interface {
	// RegisterConfirmationsNtfn registers for a notification once the
	// given transaction reaches numConfs confirmations.
	RegisterConfirmationsNtfn(txid *chainhash.Hash, pkScript []byte,
		numConfs, heightHint uint32) (*ConfirmationEvent, error)

	// RegisterSpendNtfn registers for a notification once the given
	// outpoint is spent.
	RegisterSpendNtfn(outpoint *wire.OutPoint, pkScript []byte,
		heightHint uint32) (*SpendEvent, error)
}
