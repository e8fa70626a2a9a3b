// Package dlcwire implements the wire protocol messages exchanged by the
// two parties of a contract during negotiation: the offer, the accept with
// its adaptor signatures, the final sign message and the reject. Each
// message body is a tlv stream preceded by a 2 byte big endian type;
// compound record values use a fixed big endian element encoding.
package dlcwire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// MessageType is the unique 2 byte big-endian integer that precedes each
// message on the wire.
type MessageType uint16

const (
	// MsgDLCOffer proposes a contract with full terms and the offering
	// party's funding inputs.
	MsgDLCOffer MessageType = 42778

	// MsgDLCAccept accepts an offer, contributing the accepting party's
	// funding inputs and adaptor signatures.
	MsgDLCAccept MessageType = 42780

	// MsgDLCSign completes negotiation with the offering party's
	// adaptor signatures and funding witnesses.
	MsgDLCSign MessageType = 42782

	// MsgDLCReject declines an offer.
	MsgDLCReject MessageType = 42784
)

// String returns a human readable description of the message type.
func (t MessageType) String() string {
	switch t {
	case MsgDLCOffer:
		return "DLCOffer"
	case MsgDLCAccept:
		return "DLCAccept"
	case MsgDLCSign:
		return "DLCSign"
	case MsgDLCReject:
		return "DLCReject"
	default:
		return fmt.Sprintf("<unknown(%d)>", uint16(t))
	}
}

// ErrorUnknownMsgType is returned when decoding an unrecognized message
// type.
type ErrorUnknownMsgType MessageType

// Error returns a human readable version of the unknown type error.
func (e ErrorUnknownMsgType) Error() string {
	return fmt.Sprintf("unknown message type: %d", uint16(e))
}

// Serializable is an interface which defines a lightning wire serializable
// object.
type Serializable interface {
	// Decode reads the bytes stream and converts it to the object.
	Decode(io.Reader, uint32) error

	// Encode converts object to the bytes stream and write it into the
	// write buffer.
	Encode(*bytes.Buffer, uint32) error
}

// Message is an interface that defines a contract wire protocol message.
// The interface is general in order to allow implementing types full
// control over the representation of its data.
type Message interface {
	Serializable
	MsgType() MessageType
}

// makeEmptyMessage creates a new empty message of the proper concrete type
// based on the passed message type.
func makeEmptyMessage(msgType MessageType) (Message, error) {
	var msg Message

	switch msgType {
	case MsgDLCOffer:
		msg = &DLCOffer{}
	case MsgDLCAccept:
		msg = &DLCAccept{}
	case MsgDLCSign:
		msg = &DLCSign{}
	case MsgDLCReject:
		msg = &DLCReject{}
	default:
		return nil, ErrorUnknownMsgType(msgType)
	}

	return msg, nil
}

// WriteMessage writes a contract wire message to the passed buffer. Partial
// writes are cleaned up so a failed encode leaves the buffer untouched.
func WriteMessage(buf *bytes.Buffer, msg Message, pver uint32) (int, error) {
	// Record the size of the bytes already written in buffer.
	oldByteSize := buf.Len()

	// cleanBrokenBytes is a helper closure that helps reset the buffer
	// to its original state. It truncates all the bytes written in the
	// current scope.
	cleanBrokenBytes := func(b *bytes.Buffer) int {
		b.Truncate(oldByteSize)
		return 0
	}

	// Write the message type.
	var mType [2]byte
	binary.BigEndian.PutUint16(mType[:], uint16(msg.MsgType()))
	msgTypeBytes, err := buf.Write(mType[:])
	if err != nil {
		return cleanBrokenBytes(buf), err
	}

	// Use the write buffer to encode our message.
	if err := msg.Encode(buf, pver); err != nil {
		return cleanBrokenBytes(buf), err
	}

	// Enforce the maximum overall message payload.
	lenp := buf.Len() - oldByteSize - msgTypeBytes
	if lenp > MaxMsgBody {
		return cleanBrokenBytes(buf), fmt.Errorf("message payload is "+
			"too large - encoded %d bytes, but maximum message "+
			"payload is %d bytes", lenp, MaxMsgBody)
	}

	return buf.Len() - oldByteSize, nil
}

// ReadMessage reads, validates, and parses the next contract message from
// r for the provided protocol version.
func ReadMessage(r io.Reader, pver uint32) (Message, error) {
	// First, we'll read out the first two bytes of the message so we can
	// create the proper empty message.
	var mType [2]byte
	if _, err := io.ReadFull(r, mType[:]); err != nil {
		return nil, err
	}

	msgType := MessageType(binary.BigEndian.Uint16(mType[:]))

	// Now that we know the target message type, we can create the proper
	// empty message type and decode the message into it.
	msg, err := makeEmptyMessage(msgType)
	if err != nil {
		return nil, err
	}
	if err := msg.Decode(r, pver); err != nil {
		return nil, err
	}

	return msg, nil
}
