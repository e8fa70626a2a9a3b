package dlcwire

import (
	"bytes"
	"io"

	"github.com/lightningnetwork/lnd/tlv"
)

// DLCReject declines an offer. Carrying it on the wire lets the offering
// party release its reserved funding inputs immediately instead of waiting
// for a timeout.
type DLCReject struct {
	// TempContractID echoes the hash of the offer being rejected.
	TempContractID TempContractID

	// Reason optionally explains the rejection. Free form, may be
	// empty.
	Reason VarBytes
}

// A compile time check to ensure DLCReject implements the Message
// interface.
var _ Message = (*DLCReject)(nil)

// DLCReject tlv record types. Fixed on the wire, never reorder.
const (
	typeRejectTempContractID tlv.Type = 0
	typeRejectReason         tlv.Type = 2
)

// MsgType returns the wire type of a DLCReject.
//
// This is part of the Message interface.
func (d *DLCReject) MsgType() MessageType {
	return MsgDLCReject
}

// Encode serializes the target DLCReject into the passed buffer as a tlv
// stream.
//
// This is part of the Message interface.
func (d *DLCReject) Encode(buf *bytes.Buffer, pver uint32) error {
	tempID := [32]byte(d.TempContractID)
	reason := []byte(d.Reason)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeRejectTempContractID, &tempID),
		tlv.MakePrimitiveRecord(typeRejectReason, &reason),
	)
	if err != nil {
		return err
	}
	return stream.Encode(buf)
}

// Decode deserializes a DLCReject from the tlv stream on the passed
// io.Reader.
//
// This is part of the Message interface.
func (d *DLCReject) Decode(r io.Reader, pver uint32) error {
	var (
		tempID [32]byte
		reason []byte
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeRejectTempContractID, &tempID),
		tlv.MakePrimitiveRecord(typeRejectReason, &reason),
	)
	if err != nil {
		return err
	}
	if err := stream.Decode(r); err != nil {
		return err
	}

	d.TempContractID = TempContractID(tempID)
	d.Reason = VarBytes(reason)

	return nil
}
