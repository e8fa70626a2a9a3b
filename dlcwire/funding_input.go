package dlcwire

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

// FundingInput describes one UTXO a party contributes to the funding
// transaction. Only native P2WPKH inputs are accepted, so the input's
// witness size is known in advance for fee purposes.
type FundingInput struct {
	// InputSerialID orders this input among the inputs of both parties
	// inside the funding transaction. Serial ids must be unique across
	// the whole contract.
	InputSerialID uint64

	// OutPoint is the UTXO being spent.
	OutPoint wire.OutPoint

	// Output is the UTXO's value and pkScript, needed to produce the
	// segwit sighash when signing.
	Output wire.TxOut

	// Sequence is the sequence number to use for the input.
	Sequence uint32
}

// Value returns the amount locked in the input.
func (f *FundingInput) Value() btcutil.Amount {
	return btcutil.Amount(f.Output.Value)
}
