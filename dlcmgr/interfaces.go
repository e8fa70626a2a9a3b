// Package dlcmgr exposes the contract lifecycle as a single Manager: it
// drives the offer/accept/sign negotiation, hands funded contracts to
// the contract court, and executes settlement once an attestation or the
// refund timeout arrives. All state transitions of one contract are
// serialized through a per-contract mutex, so a chain notification and a
// protocol message can never race on the same record.
package dlcmgr

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/dlcsuite/dlcd/chainfee"
	"github.com/dlcsuite/dlcd/dlcwire"
)

// Wallet is the narrow wallet interface the manager funds contracts
// with.
type Wallet interface {
	// SelectFundingInputs returns confirmed wallet UTXOs covering at
	// least the given amount plus fees at the given rate. The returned
	// inputs carry fresh random serial ids.
	SelectFundingInputs(amt btcutil.Amount,
		feeRate chainfee.SatPerKWeight) ([]dlcwire.FundingInput,
		error)

	// NewChangeScript returns a fresh change output script.
	NewChangeScript() ([]byte, error)

	// NewFundingKey returns a fresh key for the 2-of-2 funding output.
	// The backing signer must be able to sign for it.
	NewFundingKey() (*btcec.PublicKey, error)

	// NewPayoutKey returns a fresh key settlement outputs pay us to.
	NewPayoutKey() (*btcec.PublicKey, error)
}

// Broadcaster publishes transactions to the network.
type Broadcaster interface {
	// Broadcast publishes the transaction. The label is free-form and
	// used by wallet backends to tag the transaction.
	Broadcast(tx *wire.MsgTx, label string) error
}

// ChainIO answers best-chain queries.
type ChainIO interface {
	// BestHeight returns the current best block height.
	BestHeight() (uint32, error)
}
