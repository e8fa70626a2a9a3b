package dlcwire

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/wire"
	"github.com/dlcsuite/dlcd/adaptor"
	"github.com/lightningnetwork/lnd/tlv"
)

// DLCSign completes contract negotiation. It carries the offering party's
// adaptor signatures over every settlement transaction, its refund
// signature, and fully signed witnesses for its funding inputs. Upon
// validating it, the accepting party can broadcast the funding
// transaction.
type DLCSign struct {
	// ContractID identifies the contract by its funding outpoint. Both
	// parties can derive it once the funding transaction is built.
	ContractID ContractID

	// CETSignatures are the offering party's adaptor signatures over
	// each settlement transaction, in outcome order.
	CETSignatures []*adaptor.Signature

	// RefundSignature is the offering party's signature over the refund
	// transaction.
	RefundSignature Sig

	// FundingWitnesses are complete witnesses for the offering party's
	// funding inputs, in the same order as the offer's funding inputs.
	FundingWitnesses []wire.TxWitness
}

// A compile time check to ensure DLCSign implements the Message interface.
var _ Message = (*DLCSign)(nil)

// DLCSign tlv record types. Fixed on the wire, never reorder.
const (
	typeSignContractID       tlv.Type = 0
	typeSignCETSignatures    tlv.Type = 2
	typeSignRefundSignature  tlv.Type = 4
	typeSignFundingWitnesses tlv.Type = 6
)

// MsgType returns the wire type of a DLCSign.
//
// This is part of the Message interface.
func (s *DLCSign) MsgType() MessageType {
	return MsgDLCSign
}

// Encode serializes the target DLCSign into the passed buffer as a tlv
// stream.
//
// This is part of the Message interface.
func (s *DLCSign) Encode(buf *bytes.Buffer, pver uint32) error {
	contractID := [32]byte(s.ContractID)
	refundSig := []byte(s.RefundSignature)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeSignContractID, &contractID),
		tlv.MakeDynamicRecord(
			typeSignCETSignatures, &s.CETSignatures,
			func() uint64 {
				return adaptorSigListSize(s.CETSignatures)
			},
			adaptorSigListEncoder, adaptorSigListDecoder,
		),
		tlv.MakePrimitiveRecord(typeSignRefundSignature, &refundSig),
		tlv.MakeDynamicRecord(
			typeSignFundingWitnesses, &s.FundingWitnesses,
			func() uint64 {
				return witnessListSize(s.FundingWitnesses)
			},
			witnessListEncoder, witnessListDecoder,
		),
	)
	if err != nil {
		return err
	}
	return stream.Encode(buf)
}

// Decode deserializes a DLCSign from the tlv stream on the passed
// io.Reader.
//
// This is part of the Message interface.
func (s *DLCSign) Decode(r io.Reader, pver uint32) error {
	var (
		contractID [32]byte
		refundSig  []byte
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeSignContractID, &contractID),
		tlv.MakeDynamicRecord(
			typeSignCETSignatures, &s.CETSignatures, nil,
			adaptorSigListEncoder, adaptorSigListDecoder,
		),
		tlv.MakePrimitiveRecord(typeSignRefundSignature, &refundSig),
		tlv.MakeDynamicRecord(
			typeSignFundingWitnesses, &s.FundingWitnesses, nil,
			witnessListEncoder, witnessListDecoder,
		),
	)
	if err != nil {
		return err
	}
	if err := stream.Decode(r); err != nil {
		return err
	}

	s.ContractID = ContractID(contractID)
	s.RefundSignature = Sig(refundSig)

	return nil
}

// Validate checks the sign message against the offer it completes.
func (s *DLCSign) Validate(offer *DLCOffer, numOutcomes int) error {
	if len(s.CETSignatures) != numOutcomes {
		return fmt.Errorf("%w: %d signatures for %d outcomes",
			ErrSignatureCountMismatch, len(s.CETSignatures),
			numOutcomes)
	}
	if len(s.RefundSignature) == 0 {
		return errors.New("sign missing refund signature")
	}
	if len(s.FundingWitnesses) != len(offer.FundingInputs) {
		return fmt.Errorf("%d witnesses for %d funding inputs",
			len(s.FundingWitnesses), len(offer.FundingInputs))
	}
	return nil
}
