package dlcwire

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/dlcsuite/dlcd/adaptor"
	"github.com/lightningnetwork/lnd/tlv"
)

// ErrSignatureCountMismatch is returned when the number of adaptor
// signatures in a message does not match the contract's outcome count.
var ErrSignatureCountMismatch = errors.New("adaptor signature count " +
	"mismatch")

// DLCAccept accepts a DLCOffer. It carries the accepting party's funding
// side of the contract and its adaptor signatures over every settlement
// transaction plus a plain signature over the refund transaction.
type DLCAccept struct {
	// TempContractID echoes the hash of the offer being accepted.
	TempContractID TempContractID

	// Collateral is the portion of the total collateral contributed by
	// the accepting party.
	Collateral btcutil.Amount

	// FundingPubKey is the accepting party's key in the 2-of-2 funding
	// output.
	FundingPubKey *btcec.PublicKey

	// PayoutPubKey is the key settlement outputs pay the accepting
	// party to, and the accepting party's claim key in contract
	// execution outputs.
	PayoutPubKey *btcec.PublicKey

	// PayoutSerialID orders the accepting party's payout output inside
	// settlement transactions.
	PayoutSerialID uint64

	// FundingInputs are the UTXOs the accepting party funds with.
	FundingInputs []FundingInput

	// ChangeScript receives the accepting party's change from funding.
	ChangeScript PkScript

	// ChangeSerialID orders the change output in the funding
	// transaction.
	ChangeSerialID uint64

	// CETSignatures are adaptor signatures over each settlement
	// transaction, in outcome order, encrypted to that outcome's
	// adaptor point.
	CETSignatures []*adaptor.Signature

	// RefundSignature is a plain signature over the refund transaction.
	RefundSignature Sig
}

// A compile time check to ensure DLCAccept implements the Message
// interface.
var _ Message = (*DLCAccept)(nil)

// DLCAccept tlv record types. Fixed on the wire, never reorder.
const (
	typeAcceptTempContractID  tlv.Type = 0
	typeAcceptCollateral      tlv.Type = 2
	typeAcceptFundingPubKey   tlv.Type = 4
	typeAcceptPayoutPubKey    tlv.Type = 6
	typeAcceptPayoutSerialID  tlv.Type = 8
	typeAcceptFundingInputs   tlv.Type = 10
	typeAcceptChangeScript    tlv.Type = 12
	typeAcceptChangeSerialID  tlv.Type = 14
	typeAcceptCETSignatures   tlv.Type = 16
	typeAcceptRefundSignature tlv.Type = 18
)

// MsgType returns the wire type of a DLCAccept.
//
// This is part of the Message interface.
func (a *DLCAccept) MsgType() MessageType {
	return MsgDLCAccept
}

// Encode serializes the target DLCAccept into the passed buffer as a tlv
// stream.
//
// This is part of the Message interface.
func (a *DLCAccept) Encode(buf *bytes.Buffer, pver uint32) error {
	if a.FundingPubKey == nil || a.PayoutPubKey == nil {
		return errors.New("accept missing party keys")
	}

	tempID := [32]byte(a.TempContractID)
	collateral := uint64(a.Collateral)
	changeScript := []byte(a.ChangeScript)
	refundSig := []byte(a.RefundSignature)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeAcceptTempContractID, &tempID),
		tlv.MakePrimitiveRecord(typeAcceptCollateral, &collateral),
		tlv.MakePrimitiveRecord(
			typeAcceptFundingPubKey, &a.FundingPubKey,
		),
		tlv.MakePrimitiveRecord(
			typeAcceptPayoutPubKey, &a.PayoutPubKey,
		),
		tlv.MakePrimitiveRecord(
			typeAcceptPayoutSerialID, &a.PayoutSerialID,
		),
		tlv.MakeDynamicRecord(
			typeAcceptFundingInputs, &a.FundingInputs,
			func() uint64 {
				return fundingInputListSize(a.FundingInputs)
			},
			fundingInputListEncoder, fundingInputListDecoder,
		),
		tlv.MakePrimitiveRecord(typeAcceptChangeScript, &changeScript),
		tlv.MakePrimitiveRecord(
			typeAcceptChangeSerialID, &a.ChangeSerialID,
		),
		tlv.MakeDynamicRecord(
			typeAcceptCETSignatures, &a.CETSignatures,
			func() uint64 {
				return adaptorSigListSize(a.CETSignatures)
			},
			adaptorSigListEncoder, adaptorSigListDecoder,
		),
		tlv.MakePrimitiveRecord(
			typeAcceptRefundSignature, &refundSig,
		),
	)
	if err != nil {
		return err
	}
	return stream.Encode(buf)
}

// Decode deserializes a DLCAccept from the tlv stream on the passed
// io.Reader.
//
// This is part of the Message interface.
func (a *DLCAccept) Decode(r io.Reader, pver uint32) error {
	var (
		tempID       [32]byte
		collateral   uint64
		changeScript []byte
		refundSig    []byte
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeAcceptTempContractID, &tempID),
		tlv.MakePrimitiveRecord(typeAcceptCollateral, &collateral),
		tlv.MakePrimitiveRecord(
			typeAcceptFundingPubKey, &a.FundingPubKey,
		),
		tlv.MakePrimitiveRecord(
			typeAcceptPayoutPubKey, &a.PayoutPubKey,
		),
		tlv.MakePrimitiveRecord(
			typeAcceptPayoutSerialID, &a.PayoutSerialID,
		),
		tlv.MakeDynamicRecord(
			typeAcceptFundingInputs, &a.FundingInputs, nil,
			fundingInputListEncoder, fundingInputListDecoder,
		),
		tlv.MakePrimitiveRecord(typeAcceptChangeScript, &changeScript),
		tlv.MakePrimitiveRecord(
			typeAcceptChangeSerialID, &a.ChangeSerialID,
		),
		tlv.MakeDynamicRecord(
			typeAcceptCETSignatures, &a.CETSignatures, nil,
			adaptorSigListEncoder, adaptorSigListDecoder,
		),
		tlv.MakePrimitiveRecord(
			typeAcceptRefundSignature, &refundSig,
		),
	)
	if err != nil {
		return err
	}
	if err := stream.Decode(r); err != nil {
		return err
	}

	a.TempContractID = TempContractID(tempID)
	a.Collateral = btcutil.Amount(collateral)
	a.ChangeScript = PkScript(changeScript)
	a.RefundSignature = Sig(refundSig)

	return nil
}

// Validate checks the accept message against the offer it responds to.
func (a *DLCAccept) Validate(offer *DLCOffer, numOutcomes int) error {
	expectedID, err := offer.TempContractID()
	if err != nil {
		return err
	}
	if a.TempContractID != expectedID {
		return fmt.Errorf("accept references contract %v, offer is "+
			"%v", a.TempContractID, expectedID)
	}

	total := offer.ContractInfo.TotalCollateral
	if offer.Collateral+a.Collateral != total {
		return fmt.Errorf("%w: %v + %v != %v", ErrBadCollateral,
			offer.Collateral, a.Collateral, total)
	}

	if len(a.FundingInputs) == 0 {
		return fmt.Errorf("%w: no funding inputs",
			ErrInsufficientFunding)
	}
	if a.FundingAmount() < a.Collateral {
		return fmt.Errorf("%w: %v funded, %v collateral",
			ErrInsufficientFunding, a.FundingAmount(),
			a.Collateral)
	}

	if len(a.CETSignatures) != numOutcomes {
		return fmt.Errorf("%w: %d signatures for %d outcomes",
			ErrSignatureCountMismatch, len(a.CETSignatures),
			numOutcomes)
	}
	if len(a.RefundSignature) == 0 {
		return errors.New("accept missing refund signature")
	}

	// Serial ids must not collide across either side of the contract.
	serialIDs := map[uint64]struct{}{
		offer.PayoutSerialID:     {},
		offer.ChangeSerialID:     {},
		offer.FundOutputSerialID: {},
	}
	for _, fundingInput := range offer.FundingInputs {
		serialIDs[fundingInput.InputSerialID] = struct{}{}
	}
	for _, id := range []uint64{a.PayoutSerialID, a.ChangeSerialID} {
		if _, ok := serialIDs[id]; ok {
			return fmt.Errorf("%w: %d", ErrDuplicateSerialID, id)
		}
		serialIDs[id] = struct{}{}
	}
	for _, fundingInput := range a.FundingInputs {
		id := fundingInput.InputSerialID
		if _, ok := serialIDs[id]; ok {
			return fmt.Errorf("%w: %d", ErrDuplicateSerialID, id)
		}
		serialIDs[id] = struct{}{}
	}

	return nil
}

// FundingAmount returns the total value of the accepting party's funding
// inputs.
func (a *DLCAccept) FundingAmount() btcutil.Amount {
	var total btcutil.Amount
	for _, fundingInput := range a.FundingInputs {
		total += fundingInput.Value()
	}
	return total
}
