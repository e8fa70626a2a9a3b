package dlcwire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/dlcsuite/dlcd/adaptor"
	"github.com/dlcsuite/dlcd/chainfee"
	"github.com/dlcsuite/dlcd/contract"
	"github.com/lightningnetwork/lnd/tlv"
)

const (
	// MaxSliceLength is the maximum allowed length for any opaque byte
	// slices in the wire protocol.
	MaxSliceLength = 65535

	// MaxMsgBody is the largest payload any message is allowed to
	// provide. This is two less than the MaxSliceLength as each message
	// has a 2 byte type that precedes the message body.
	MaxMsgBody = 65533
)

// PkScript is a simple type definition which represents a raw serialized
// public key script.
type PkScript []byte

// Sig is a DER-encoded ECDSA signature without a sighash flag.
type Sig []byte

// VarBytes is an opaque length-prefixed byte slice.
type VarBytes []byte

// WriteElement is a one-stop shop to write the big endian representation
// of any element which is to be serialized for the wire protocol. The
// passed io.Writer should be backed by an appropriately sized byte slice,
// or be able to dynamically expand to accommodate additional data.
func WriteElement(w *bytes.Buffer, element interface{}) error {
	switch e := element.(type) {
	case uint8:
		var b [1]byte
		b[0] = e
		if _, err := w.Write(b[:]); err != nil {
			return err
		}

	case uint16:
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], e)
		if _, err := w.Write(b[:]); err != nil {
			return err
		}

	case uint32:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], e)
		if _, err := w.Write(b[:]); err != nil {
			return err
		}

	case uint64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], e)
		if _, err := w.Write(b[:]); err != nil {
			return err
		}

	case btcutil.Amount:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(e))
		if _, err := w.Write(b[:]); err != nil {
			return err
		}

	case chainfee.SatPerKWeight:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(e))
		if _, err := w.Write(b[:]); err != nil {
			return err
		}

	case *btcec.PublicKey:
		if e == nil {
			return fmt.Errorf("cannot write nil pubkey")
		}

		var b [33]byte
		serializedPubkey := e.SerializeCompressed()
		copy(b[:], serializedPubkey)
		if _, err := w.Write(b[:]); err != nil {
			return err
		}

	case TempContractID:
		if _, err := w.Write(e[:]); err != nil {
			return err
		}

	case ContractID:
		if _, err := w.Write(e[:]); err != nil {
			return err
		}

	case chainhash.Hash:
		if _, err := w.Write(e[:]); err != nil {
			return err
		}

	case PkScript:
		if len(e) > MaxSliceLength {
			return fmt.Errorf("pkscript too long: %d", len(e))
		}
		if err := WriteElement(w, uint16(len(e))); err != nil {
			return err
		}
		if _, err := w.Write(e); err != nil {
			return err
		}

	case Sig:
		if len(e) > MaxSliceLength {
			return fmt.Errorf("signature too long: %d", len(e))
		}
		if err := WriteElement(w, uint16(len(e))); err != nil {
			return err
		}
		if _, err := w.Write(e); err != nil {
			return err
		}

	case VarBytes:
		if len(e) > MaxSliceLength {
			return fmt.Errorf("byte slice too long: %d", len(e))
		}
		if err := WriteElement(w, uint16(len(e))); err != nil {
			return err
		}
		if _, err := w.Write(e); err != nil {
			return err
		}

	case wire.OutPoint:
		var h [32]byte
		copy(h[:], e.Hash[:])
		if _, err := w.Write(h[:]); err != nil {
			return err
		}
		if err := WriteElement(w, e.Index); err != nil {
			return err
		}

	case wire.TxOut:
		if err := WriteElement(w, uint64(e.Value)); err != nil {
			return err
		}
		if err := WriteElement(w, PkScript(e.PkScript)); err != nil {
			return err
		}

	case *adaptor.Signature:
		if e == nil {
			return fmt.Errorf("cannot write nil adaptor signature")
		}
		if _, err := w.Write(e.Serialize()); err != nil {
			return err
		}

	case []*adaptor.Signature:
		if err := WriteElement(w, uint16(len(e))); err != nil {
			return err
		}
		for _, sig := range e {
			if err := WriteElement(w, sig); err != nil {
				return err
			}
		}

	case *contract.Info:
		if e == nil {
			return fmt.Errorf("cannot write nil contract info")
		}
		if err := e.Encode(w); err != nil {
			return err
		}

	case FundingInput:
		if err := WriteElements(w,
			e.InputSerialID, e.OutPoint, e.Output,
			uint32(e.Sequence),
		); err != nil {
			return err
		}

	case []FundingInput:
		if err := WriteElement(w, uint16(len(e))); err != nil {
			return err
		}
		for _, fundingInput := range e {
			if err := WriteElement(w, fundingInput); err != nil {
				return err
			}
		}

	case wire.TxWitness:
		if err := WriteElement(w, uint16(len(e))); err != nil {
			return err
		}
		for _, item := range e {
			if len(item) > MaxSliceLength {
				return fmt.Errorf("witness item too long: %d",
					len(item))
			}
			if err := WriteElement(w, uint16(len(item))); err != nil {
				return err
			}
			if _, err := w.Write(item); err != nil {
				return err
			}
		}

	case []wire.TxWitness:
		if err := WriteElement(w, uint16(len(e))); err != nil {
			return err
		}
		for _, witness := range e {
			if err := WriteElement(w, witness); err != nil {
				return err
			}
		}

	default:
		return fmt.Errorf("unknown type in WriteElement: %T", e)
	}

	return nil
}

// WriteElements is writes each element in the elements slice to the passed
// buffer using WriteElement.
func WriteElements(w *bytes.Buffer, elements ...interface{}) error {
	for _, element := range elements {
		err := WriteElement(w, element)
		if err != nil {
			return err
		}
	}
	return nil
}

// ReadElement is a one-stop utility function to deserialize any data
// structure encoded using the serialization format of the wire protocol.
func ReadElement(r io.Reader, element interface{}) error {
	switch e := element.(type) {
	case *uint8:
		var b [1]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = b[0]

	case *uint16:
		var b [2]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = binary.BigEndian.Uint16(b[:])

	case *uint32:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = binary.BigEndian.Uint32(b[:])

	case *uint64:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = binary.BigEndian.Uint64(b[:])

	case *btcutil.Amount:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = btcutil.Amount(binary.BigEndian.Uint64(b[:]))

	case *chainfee.SatPerKWeight:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = chainfee.SatPerKWeight(binary.BigEndian.Uint64(b[:]))

	case **btcec.PublicKey:
		var b [33]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		pubKey, err := btcec.ParsePubKey(b[:])
		if err != nil {
			return err
		}
		*e = pubKey

	case *TempContractID:
		if _, err := io.ReadFull(r, e[:]); err != nil {
			return err
		}

	case *ContractID:
		if _, err := io.ReadFull(r, e[:]); err != nil {
			return err
		}

	case *chainhash.Hash:
		if _, err := io.ReadFull(r, e[:]); err != nil {
			return err
		}

	case *PkScript:
		var length uint16
		if err := ReadElement(r, &length); err != nil {
			return err
		}
		script := make([]byte, length)
		if _, err := io.ReadFull(r, script); err != nil {
			return err
		}
		*e = script

	case *Sig:
		var length uint16
		if err := ReadElement(r, &length); err != nil {
			return err
		}
		sig := make([]byte, length)
		if _, err := io.ReadFull(r, sig); err != nil {
			return err
		}
		*e = sig

	case *VarBytes:
		var length uint16
		if err := ReadElement(r, &length); err != nil {
			return err
		}
		b := make([]byte, length)
		if _, err := io.ReadFull(r, b); err != nil {
			return err
		}
		*e = b

	case *wire.OutPoint:
		var h [32]byte
		if _, err := io.ReadFull(r, h[:]); err != nil {
			return err
		}
		hash, err := chainhash.NewHash(h[:])
		if err != nil {
			return err
		}

		var index uint32
		if err := ReadElement(r, &index); err != nil {
			return err
		}

		*e = wire.OutPoint{Hash: *hash, Index: index}

	case *wire.TxOut:
		var value uint64
		if err := ReadElement(r, &value); err != nil {
			return err
		}
		var pkScript PkScript
		if err := ReadElement(r, &pkScript); err != nil {
			return err
		}
		*e = wire.TxOut{Value: int64(value), PkScript: pkScript}

	case **adaptor.Signature:
		var b [adaptor.SignatureSize]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		sig, err := adaptor.ParseSignature(b[:])
		if err != nil {
			return err
		}
		*e = sig

	case *[]*adaptor.Signature:
		var count uint16
		if err := ReadElement(r, &count); err != nil {
			return err
		}
		sigs := make([]*adaptor.Signature, count)
		for i := range sigs {
			if err := ReadElement(r, &sigs[i]); err != nil {
				return err
			}
		}
		*e = sigs

	case **contract.Info:
		info, err := contract.DecodeInfo(r)
		if err != nil {
			return err
		}
		*e = info

	case *FundingInput:
		var sequence uint32
		err := ReadElements(r,
			&e.InputSerialID, &e.OutPoint, &e.Output, &sequence,
		)
		if err != nil {
			return err
		}
		e.Sequence = sequence

	case *[]FundingInput:
		var count uint16
		if err := ReadElement(r, &count); err != nil {
			return err
		}
		inputs := make([]FundingInput, count)
		for i := range inputs {
			if err := ReadElement(r, &inputs[i]); err != nil {
				return err
			}
		}
		*e = inputs

	case *wire.TxWitness:
		var count uint16
		if err := ReadElement(r, &count); err != nil {
			return err
		}
		witness := make(wire.TxWitness, count)
		for i := range witness {
			var length uint16
			if err := ReadElement(r, &length); err != nil {
				return err
			}
			item := make([]byte, length)
			if _, err := io.ReadFull(r, item); err != nil {
				return err
			}
			witness[i] = item
		}
		*e = witness

	case *[]wire.TxWitness:
		var count uint16
		if err := ReadElement(r, &count); err != nil {
			return err
		}
		witnesses := make([]wire.TxWitness, count)
		for i := range witnesses {
			if err := ReadElement(r, &witnesses[i]); err != nil {
				return err
			}
		}
		*e = witnesses

	default:
		return fmt.Errorf("unknown type in ReadElement: %T", e)
	}

	return nil
}

// ReadElements deserializes a variable number of elements into the passed
// io.Reader, with each element being deserialized according to the
// ReadElement function.
func ReadElements(r io.Reader, elements ...interface{}) error {
	for _, element := range elements {
		err := ReadElement(r, element)
		if err != nil {
			return err
		}
	}
	return nil
}

// The adapters below expose the element encoding of the compound message
// fields as tlv record encoders, so message bodies can be serialized as
// tlv streams while the element codec remains the single source of truth
// for the inner layouts.

// contractInfoEncoder writes the contract terms as a tlv record value.
func contractInfoEncoder(w io.Writer, val interface{}, buf *[8]byte) error {
	if info, ok := val.(**contract.Info); ok {
		return (*info).Encode(w)
	}
	return tlv.NewTypeForEncodingErr(val, "*contract.Info")
}

// contractInfoDecoder reads the contract terms from a tlv record value.
func contractInfoDecoder(r io.Reader, val interface{}, buf *[8]byte,
	l uint64) error {

	if infoPtr, ok := val.(**contract.Info); ok {
		info, err := contract.DecodeInfo(io.LimitReader(r, int64(l)))
		if err != nil {
			return err
		}
		*infoPtr = info
		return nil
	}
	return tlv.NewTypeForDecodingErr(val, "*contract.Info", l, l)
}

// contractInfoSize returns the encoded length of the contract terms.
func contractInfoSize(info *contract.Info) uint64 {
	var b bytes.Buffer
	if err := info.Encode(&b); err != nil {
		return 0
	}
	return uint64(b.Len())
}

// fundingInputListEncoder writes a funding input list as a tlv record
// value.
func fundingInputListEncoder(w io.Writer, val interface{},
	buf *[8]byte) error {

	if inputs, ok := val.(*[]FundingInput); ok {
		var b bytes.Buffer
		if err := WriteElement(&b, *inputs); err != nil {
			return err
		}
		_, err := w.Write(b.Bytes())
		return err
	}
	return tlv.NewTypeForEncodingErr(val, "[]FundingInput")
}

// fundingInputListDecoder reads a funding input list from a tlv record
// value.
func fundingInputListDecoder(r io.Reader, val interface{}, buf *[8]byte,
	l uint64) error {

	if inputs, ok := val.(*[]FundingInput); ok {
		return ReadElement(io.LimitReader(r, int64(l)), inputs)
	}
	return tlv.NewTypeForDecodingErr(val, "[]FundingInput", l, l)
}

// fundingInputListSize returns the encoded length of a funding input
// list: a 2 byte count, then per input the serial id, outpoint, value,
// length-prefixed pkScript and sequence.
func fundingInputListSize(inputs []FundingInput) uint64 {
	size := uint64(2)
	for _, fundingInput := range inputs {
		size += 8 + 36 + 8 + 2 +
			uint64(len(fundingInput.Output.PkScript)) + 4
	}
	return size
}

// adaptorSigListEncoder writes an adaptor signature list as a tlv record
// value.
func adaptorSigListEncoder(w io.Writer, val interface{},
	buf *[8]byte) error {

	if sigs, ok := val.(*[]*adaptor.Signature); ok {
		var b bytes.Buffer
		if err := WriteElement(&b, *sigs); err != nil {
			return err
		}
		_, err := w.Write(b.Bytes())
		return err
	}
	return tlv.NewTypeForEncodingErr(val, "[]*adaptor.Signature")
}

// adaptorSigListDecoder reads an adaptor signature list from a tlv record
// value.
func adaptorSigListDecoder(r io.Reader, val interface{}, buf *[8]byte,
	l uint64) error {

	if sigs, ok := val.(*[]*adaptor.Signature); ok {
		return ReadElement(io.LimitReader(r, int64(l)), sigs)
	}
	return tlv.NewTypeForDecodingErr(val, "[]*adaptor.Signature", l, l)
}

// adaptorSigListSize returns the encoded length of an adaptor signature
// list: a 2 byte count plus the fixed size signatures.
func adaptorSigListSize(sigs []*adaptor.Signature) uint64 {
	return 2 + uint64(len(sigs))*adaptor.SignatureSize
}

// witnessListEncoder writes a witness list as a tlv record value.
func witnessListEncoder(w io.Writer, val interface{}, buf *[8]byte) error {
	if witnesses, ok := val.(*[]wire.TxWitness); ok {
		var b bytes.Buffer
		if err := WriteElement(&b, *witnesses); err != nil {
			return err
		}
		_, err := w.Write(b.Bytes())
		return err
	}
	return tlv.NewTypeForEncodingErr(val, "[]wire.TxWitness")
}

// witnessListDecoder reads a witness list from a tlv record value.
func witnessListDecoder(r io.Reader, val interface{}, buf *[8]byte,
	l uint64) error {

	if witnesses, ok := val.(*[]wire.TxWitness); ok {
		return ReadElement(io.LimitReader(r, int64(l)), witnesses)
	}
	return tlv.NewTypeForDecodingErr(val, "[]wire.TxWitness", l, l)
}

// witnessListSize returns the encoded length of a witness list: a 2 byte
// witness count, then per witness a 2 byte item count and length-prefixed
// items.
func witnessListSize(witnesses []wire.TxWitness) uint64 {
	size := uint64(2)
	for _, witness := range witnesses {
		size += 2
		for _, item := range witness {
			size += 2 + uint64(len(item))
		}
	}
	return size
}
