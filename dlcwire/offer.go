package dlcwire

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/dlcsuite/dlcd/chainfee"
	"github.com/dlcsuite/dlcd/contract"
	"github.com/lightningnetwork/lnd/tlv"
)

var (
	// ErrBadCollateral is returned when the parties' collateral amounts
	// do not sum to the contract's total collateral.
	ErrBadCollateral = errors.New("collateral amounts do not sum to " +
		"total collateral")

	// ErrBadTimeouts is returned when the refund locktime does not clear
	// the contract maturity.
	ErrBadTimeouts = errors.New("refund locktime does not clear " +
		"contract maturity")

	// ErrInsufficientFunding is returned when a party's funding inputs
	// cannot cover its collateral plus fees.
	ErrInsufficientFunding = errors.New("funding inputs below collateral")

	// ErrDuplicateSerialID is returned when two wire components share a
	// serial id.
	ErrDuplicateSerialID = errors.New("duplicate serial id")
)

// DLCOffer proposes a contract. It carries the complete contract terms,
// the offering party's collateral, keys, funding inputs and requested fee
// rate. Its serialized form hashes into the temporary contract id.
type DLCOffer struct {
	// ChainHash is the genesis hash of the chain the contract settles
	// on.
	ChainHash chainhash.Hash

	// ContractInfo is the complete contract terms: collateral, payout
	// descriptor and oracle set.
	ContractInfo *contract.Info

	// Collateral is the portion of the total collateral contributed by
	// the offering party.
	Collateral btcutil.Amount

	// FundingPubKey is the offering party's key in the 2-of-2 funding
	// output.
	FundingPubKey *btcec.PublicKey

	// PayoutPubKey is the key settlement outputs pay the offering
	// party to, and the offering party's claim key in contract
	// execution outputs.
	PayoutPubKey *btcec.PublicKey

	// PayoutSerialID orders the offering party's payout output inside
	// settlement transactions.
	PayoutSerialID uint64

	// FundingInputs are the UTXOs the offering party funds with.
	FundingInputs []FundingInput

	// ChangeScript receives the offering party's change from funding.
	ChangeScript PkScript

	// ChangeSerialID orders the change output in the funding
	// transaction.
	ChangeSerialID uint64

	// FundOutputSerialID orders the 2-of-2 funding output in the
	// funding transaction.
	FundOutputSerialID uint64

	// FeeRate is the fee rate both parties pay their share of, in
	// sat/kw.
	FeeRate chainfee.SatPerKWeight

	// CETLocktime is the earliest locktime of settlement transactions.
	CETLocktime uint32

	// RefundLocktime is the absolute locktime of the refund
	// transaction.
	RefundLocktime uint32
}

// A compile time check to ensure DLCOffer implements the Message
// interface.
var _ Message = (*DLCOffer)(nil)

// DLCOffer tlv record types. Fixed on the wire, never reorder.
const (
	typeOfferChainHash          tlv.Type = 0
	typeOfferContractInfo       tlv.Type = 2
	typeOfferCollateral         tlv.Type = 4
	typeOfferFundingPubKey      tlv.Type = 6
	typeOfferPayoutPubKey       tlv.Type = 8
	typeOfferPayoutSerialID     tlv.Type = 10
	typeOfferFundingInputs      tlv.Type = 12
	typeOfferChangeScript       tlv.Type = 14
	typeOfferChangeSerialID     tlv.Type = 16
	typeOfferFundOutputSerialID tlv.Type = 18
	typeOfferFeeRate            tlv.Type = 20
	typeOfferCETLocktime        tlv.Type = 22
	typeOfferRefundLocktime     tlv.Type = 24
)

// MsgType returns the wire type of a DLCOffer.
//
// This is part of the Message interface.
func (o *DLCOffer) MsgType() MessageType {
	return MsgDLCOffer
}

// Encode serializes the target DLCOffer into the passed buffer as a tlv
// stream.
//
// This is part of the Message interface.
func (o *DLCOffer) Encode(buf *bytes.Buffer, pver uint32) error {
	if o.ContractInfo == nil {
		return errors.New("offer missing contract info")
	}
	if o.FundingPubKey == nil || o.PayoutPubKey == nil {
		return errors.New("offer missing party keys")
	}

	chainHash := [32]byte(o.ChainHash)
	collateral := uint64(o.Collateral)
	changeScript := []byte(o.ChangeScript)
	feeRate := uint64(o.FeeRate)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeOfferChainHash, &chainHash),
		tlv.MakeDynamicRecord(
			typeOfferContractInfo, &o.ContractInfo,
			func() uint64 {
				return contractInfoSize(o.ContractInfo)
			},
			contractInfoEncoder, contractInfoDecoder,
		),
		tlv.MakePrimitiveRecord(typeOfferCollateral, &collateral),
		tlv.MakePrimitiveRecord(
			typeOfferFundingPubKey, &o.FundingPubKey,
		),
		tlv.MakePrimitiveRecord(
			typeOfferPayoutPubKey, &o.PayoutPubKey,
		),
		tlv.MakePrimitiveRecord(
			typeOfferPayoutSerialID, &o.PayoutSerialID,
		),
		tlv.MakeDynamicRecord(
			typeOfferFundingInputs, &o.FundingInputs,
			func() uint64 {
				return fundingInputListSize(o.FundingInputs)
			},
			fundingInputListEncoder, fundingInputListDecoder,
		),
		tlv.MakePrimitiveRecord(typeOfferChangeScript, &changeScript),
		tlv.MakePrimitiveRecord(
			typeOfferChangeSerialID, &o.ChangeSerialID,
		),
		tlv.MakePrimitiveRecord(
			typeOfferFundOutputSerialID, &o.FundOutputSerialID,
		),
		tlv.MakePrimitiveRecord(typeOfferFeeRate, &feeRate),
		tlv.MakePrimitiveRecord(
			typeOfferCETLocktime, &o.CETLocktime,
		),
		tlv.MakePrimitiveRecord(
			typeOfferRefundLocktime, &o.RefundLocktime,
		),
	)
	if err != nil {
		return err
	}
	return stream.Encode(buf)
}

// Decode deserializes a DLCOffer from the tlv stream on the passed
// io.Reader.
//
// This is part of the Message interface.
func (o *DLCOffer) Decode(r io.Reader, pver uint32) error {
	var (
		chainHash    [32]byte
		collateral   uint64
		changeScript []byte
		feeRate      uint64
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeOfferChainHash, &chainHash),
		tlv.MakeDynamicRecord(
			typeOfferContractInfo, &o.ContractInfo, nil,
			contractInfoEncoder, contractInfoDecoder,
		),
		tlv.MakePrimitiveRecord(typeOfferCollateral, &collateral),
		tlv.MakePrimitiveRecord(
			typeOfferFundingPubKey, &o.FundingPubKey,
		),
		tlv.MakePrimitiveRecord(
			typeOfferPayoutPubKey, &o.PayoutPubKey,
		),
		tlv.MakePrimitiveRecord(
			typeOfferPayoutSerialID, &o.PayoutSerialID,
		),
		tlv.MakeDynamicRecord(
			typeOfferFundingInputs, &o.FundingInputs, nil,
			fundingInputListEncoder, fundingInputListDecoder,
		),
		tlv.MakePrimitiveRecord(typeOfferChangeScript, &changeScript),
		tlv.MakePrimitiveRecord(
			typeOfferChangeSerialID, &o.ChangeSerialID,
		),
		tlv.MakePrimitiveRecord(
			typeOfferFundOutputSerialID, &o.FundOutputSerialID,
		),
		tlv.MakePrimitiveRecord(typeOfferFeeRate, &feeRate),
		tlv.MakePrimitiveRecord(
			typeOfferCETLocktime, &o.CETLocktime,
		),
		tlv.MakePrimitiveRecord(
			typeOfferRefundLocktime, &o.RefundLocktime,
		),
	)
	if err != nil {
		return err
	}
	if err := stream.Decode(r); err != nil {
		return err
	}

	o.ChainHash = chainhash.Hash(chainHash)
	o.Collateral = btcutil.Amount(collateral)
	o.ChangeScript = PkScript(changeScript)
	o.FeeRate = chainfee.SatPerKWeight(feeRate)

	return nil
}

// TempContractID computes the temporary contract id identifying this offer
// during negotiation: the hash of the serialized offer.
func (o *DLCOffer) TempContractID() (TempContractID, error) {
	var buf bytes.Buffer
	if err := o.Encode(&buf, 0); err != nil {
		return TempContractID{}, err
	}
	return NewTempContractID(buf.Bytes()), nil
}

// Validate checks the offer's internal invariants. Funding sufficiency
// against fees is checked separately when building the transactions.
func (o *DLCOffer) Validate() error {
	if o.ContractInfo == nil {
		return errors.New("offer missing contract info")
	}
	if err := o.ContractInfo.Validate(); err != nil {
		return err
	}

	if o.Collateral <= 0 ||
		o.Collateral > o.ContractInfo.TotalCollateral {

		return fmt.Errorf("%w: offer collateral %v of %v",
			ErrBadCollateral, o.Collateral,
			o.ContractInfo.TotalCollateral)
	}

	maturity := o.ContractInfo.Oracles.EventMaturity()
	if o.CETLocktime > maturity {
		return fmt.Errorf("%w: cet locktime %d after maturity %d",
			ErrBadTimeouts, o.CETLocktime, maturity)
	}
	if o.RefundLocktime <= maturity {
		return fmt.Errorf("%w: refund locktime %d, maturity %d",
			ErrBadTimeouts, o.RefundLocktime, maturity)
	}

	if len(o.FundingInputs) == 0 {
		return fmt.Errorf("%w: no funding inputs",
			ErrInsufficientFunding)
	}
	if o.FundingAmount() < o.Collateral {
		return fmt.Errorf("%w: %v funded, %v collateral",
			ErrInsufficientFunding, o.FundingAmount(),
			o.Collateral)
	}

	if o.FeeRate < chainfee.FeePerKwFloor {
		return fmt.Errorf("fee rate %v below floor %v", o.FeeRate,
			chainfee.FeePerKwFloor)
	}

	serialIDs := map[uint64]struct{}{
		o.PayoutSerialID:     {},
		o.ChangeSerialID:     {},
		o.FundOutputSerialID: {},
	}
	if len(serialIDs) != 3 {
		return ErrDuplicateSerialID
	}
	for _, fundingInput := range o.FundingInputs {
		id := fundingInput.InputSerialID
		if _, ok := serialIDs[id]; ok {
			return fmt.Errorf("%w: %d", ErrDuplicateSerialID, id)
		}
		serialIDs[id] = struct{}{}
	}

	return nil
}

// FundingAmount returns the total value of the offering party's funding
// inputs.
func (o *DLCOffer) FundingAmount() btcutil.Amount {
	var total btcutil.Amount
	for _, fundingInput := range o.FundingInputs {
		total += fundingInput.Value()
	}
	return total
}
