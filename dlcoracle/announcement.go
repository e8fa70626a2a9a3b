// Package dlcoracle models oracle announcements and attestations and derives
// the signature points that serve as adaptor encryption keys for contract
// execution transactions.
package dlcoracle

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/lightningnetwork/lnd/tlv"
)

var (
	// ErrNonceCountMismatch is returned when an announcement does not
	// carry the number of nonces its event descriptor requires.
	ErrNonceCountMismatch = errors.New("announcement nonce count mismatch")

	// ErrUnknownEventKind is returned when decoding an announcement whose
	// event descriptor kind byte is not recognized.
	ErrUnknownEventKind = errors.New("unknown event descriptor kind")
)

// Announcement TLV types. These are fixed on the wire and must not be
// reordered.
const (
	typeOraclePubKey  tlv.Type = 0
	typeNonces        tlv.Type = 2
	typeEventMaturity tlv.Type = 4
	typeEventID       tlv.Type = 6
	typeEventKind     tlv.Type = 8
	typeEnumOutcomes  tlv.Type = 10
	typeDigitBase     tlv.Type = 12
	typeNumDigits     tlv.Type = 14
)

// EventKind discriminates the supported event descriptor encodings.
type EventKind uint8

const (
	// EnumEventKind is an event with a small fixed set of outcome labels,
	// attested with a single signature.
	EnumEventKind EventKind = 0

	// DigitEventKind is a numeric event attested digit by digit, one
	// signature per digit of the base-decomposed outcome value.
	DigitEventKind EventKind = 1
)

// EventDescriptor describes the outcome space an oracle has committed to.
type EventDescriptor interface {
	// Kind returns the wire discriminant of the descriptor.
	Kind() EventKind

	// NumNonces returns the number of nonce points the oracle must commit
	// to for this event.
	NumNonces() int
}

// EnumEvent is an event whose outcome is one of an enumerated list of
// labels.
type EnumEvent struct {
	// Outcomes is the ordered list of possible outcome labels.
	Outcomes []string
}

// Kind returns the wire discriminant of the descriptor.
func (e *EnumEvent) Kind() EventKind { return EnumEventKind }

// NumNonces returns 1: enumerated events are attested with one signature.
func (e *EnumEvent) NumNonces() int { return 1 }

// DigitEvent is a numeric event attested as a sequence of digits in the
// given base.
type DigitEvent struct {
	// Base is the radix of the decomposition. Only base 2 is used by the
	// current payout curve machinery, but the encoding carries the field.
	Base uint16

	// NumDigits is the number of digits, so the representable outcome
	// range is [0, Base^NumDigits).
	NumDigits uint16
}

// Kind returns the wire discriminant of the descriptor.
func (d *DigitEvent) Kind() EventKind { return DigitEventKind }

// NumNonces returns one nonce per digit.
func (d *DigitEvent) NumNonces() int { return int(d.NumDigits) }

// MaxValue returns the largest representable outcome value.
func (d *DigitEvent) MaxValue() uint64 {
	max := uint64(1)
	for i := uint16(0); i < d.NumDigits; i++ {
		max *= uint64(d.Base)
	}
	return max - 1
}

// Announcement is an oracle's pre-commitment to attest a single event: its
// attestation public key, the ordered nonce points the attestation
// signatures will use, and the event being attested.
type Announcement struct {
	// PubKey is the oracle's x-only attestation key.
	PubKey *btcec.PublicKey

	// Nonces are the committed R points, in attestation order. For
	// enumerated events there is exactly one, for digit events one per
	// digit, most significant digit first.
	Nonces []*btcec.PublicKey

	// EventMaturity is the block height at which the outcome is expected
	// to be attested.
	EventMaturity uint32

	// EventID names the event.
	EventID string

	// Event describes the outcome space.
	Event EventDescriptor
}

// Validate checks internal consistency of the announcement.
func (a *Announcement) Validate() error {
	if a.PubKey == nil {
		return errors.New("announcement missing oracle pubkey")
	}
	if a.Event == nil {
		return errors.New("announcement missing event descriptor")
	}
	if len(a.Nonces) != a.Event.NumNonces() {
		return fmt.Errorf("%w: have %d, event needs %d",
			ErrNonceCountMismatch, len(a.Nonces),
			a.Event.NumNonces())
	}
	if enum, ok := a.Event.(*EnumEvent); ok {
		if len(enum.Outcomes) < 2 {
			return errors.New("enum event needs at least 2 outcomes")
		}
	}
	if digit, ok := a.Event.(*DigitEvent); ok {
		if digit.Base < 2 {
			return errors.New("digit event base must be >= 2")
		}
		if digit.NumDigits == 0 || digit.NumDigits > 48 {
			return fmt.Errorf("unsupported digit count %d",
				digit.NumDigits)
		}
	}
	return nil
}

// Encode serializes the announcement as a TLV stream.
func (a *Announcement) Encode(w io.Writer) error {
	pubKey := [32]byte(schnorr.SerializePubKey(a.PubKey))

	nonces := a.Nonces
	eventID := []byte(a.EventID)
	kind := uint8(a.Event.Kind())

	records := []tlv.Record{
		tlv.MakePrimitiveRecord(typeOraclePubKey, &pubKey),
		tlv.MakeDynamicRecord(
			typeNonces, &nonces, func() uint64 {
				return uint64(len(nonces) * 32)
			},
			nonceListEncoder, nonceListDecoder,
		),
		tlv.MakePrimitiveRecord(typeEventMaturity, &a.EventMaturity),
		tlv.MakePrimitiveRecord(typeEventID, &eventID),
		tlv.MakePrimitiveRecord(typeEventKind, &kind),
	}

	switch event := a.Event.(type) {
	case *EnumEvent:
		labels, err := packOutcomeLabels(event.Outcomes)
		if err != nil {
			return err
		}
		records = append(records,
			tlv.MakePrimitiveRecord(typeEnumOutcomes, &labels),
		)

	case *DigitEvent:
		records = append(records,
			tlv.MakePrimitiveRecord(typeDigitBase, &event.Base),
			tlv.MakePrimitiveRecord(typeNumDigits, &event.NumDigits),
		)

	default:
		return ErrUnknownEventKind
	}

	stream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}
	return stream.Encode(w)
}

// Decode deserializes an announcement from the TLV stream on r.
func (a *Announcement) Decode(r io.Reader) error {
	var (
		pubKey    [32]byte
		nonces    []*btcec.PublicKey
		eventID   []byte
		kind      uint8
		labels    []byte
		base      uint16
		numDigits uint16
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeOraclePubKey, &pubKey),
		tlv.MakeDynamicRecord(
			typeNonces, &nonces, nil,
			nonceListEncoder, nonceListDecoder,
		),
		tlv.MakePrimitiveRecord(typeEventMaturity, &a.EventMaturity),
		tlv.MakePrimitiveRecord(typeEventID, &eventID),
		tlv.MakePrimitiveRecord(typeEventKind, &kind),
		tlv.MakePrimitiveRecord(typeEnumOutcomes, &labels),
		tlv.MakePrimitiveRecord(typeDigitBase, &base),
		tlv.MakePrimitiveRecord(typeNumDigits, &numDigits),
	)
	if err != nil {
		return err
	}

	parsed, err := stream.DecodeWithParsedTypes(r)
	if err != nil {
		return err
	}

	a.PubKey, err = schnorr.ParsePubKey(pubKey[:])
	if err != nil {
		return fmt.Errorf("invalid oracle pubkey: %w", err)
	}
	a.Nonces = nonces
	a.EventID = string(eventID)

	switch EventKind(kind) {
	case EnumEventKind:
		outcomes, err := unpackOutcomeLabels(labels)
		if err != nil {
			return err
		}
		a.Event = &EnumEvent{Outcomes: outcomes}

	case DigitEventKind:
		if _, ok := parsed[typeDigitBase]; !ok {
			return errors.New("digit event missing base")
		}
		a.Event = &DigitEvent{Base: base, NumDigits: numDigits}

	default:
		return fmt.Errorf("%w: %d", ErrUnknownEventKind, kind)
	}

	return a.Validate()
}

// Serialize returns the announcement's canonical byte encoding.
func (a *Announcement) Serialize() ([]byte, error) {
	var b bytes.Buffer
	if err := a.Encode(&b); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// nonceListEncoder writes x-only nonce points back to back.
func nonceListEncoder(w io.Writer, val interface{}, buf *[8]byte) error {
	nonces, ok := val.(*[]*btcec.PublicKey)
	if !ok {
		return tlv.NewTypeForEncodingErr(val, "[]*btcec.PublicKey")
	}
	for _, nonce := range *nonces {
		if _, err := w.Write(schnorr.SerializePubKey(nonce)); err != nil {
			return err
		}
	}
	return nil
}

// nonceListDecoder reads l/32 x-only nonce points.
func nonceListDecoder(r io.Reader, val interface{}, buf *[8]byte,
	l uint64) error {

	nonces, ok := val.(*[]*btcec.PublicKey)
	if !ok {
		return tlv.NewTypeForDecodingErr(val, "[]*btcec.PublicKey", l, l)
	}
	if l%32 != 0 {
		return errors.New("nonce list length not a multiple of 32")
	}

	out := make([]*btcec.PublicKey, 0, l/32)
	var nonceBytes [32]byte
	for read := uint64(0); read < l; read += 32 {
		if _, err := io.ReadFull(r, nonceBytes[:]); err != nil {
			return err
		}
		nonce, err := schnorr.ParsePubKey(nonceBytes[:])
		if err != nil {
			return fmt.Errorf("invalid nonce point: %w", err)
		}
		out = append(out, nonce)
	}
	*nonces = out

	return nil
}

// packOutcomeLabels joins labels with a length prefix per label so they
// survive round trips with arbitrary content. Labels are capped at 255
// bytes so the single byte prefix cannot truncate.
func packOutcomeLabels(outcomes []string) ([]byte, error) {
	var b bytes.Buffer
	for _, outcome := range outcomes {
		if len(outcome) > 255 {
			return nil, fmt.Errorf("outcome label too long: %d "+
				"bytes", len(outcome))
		}
		b.WriteByte(byte(len(outcome)))
		b.WriteString(outcome)
	}
	return b.Bytes(), nil
}

// unpackOutcomeLabels reverses packOutcomeLabels.
func unpackOutcomeLabels(b []byte) ([]string, error) {
	var outcomes []string
	for len(b) > 0 {
		n := int(b[0])
		if len(b) < 1+n {
			return nil, errors.New("truncated outcome label")
		}
		outcomes = append(outcomes, string(b[1:1+n]))
		b = b[1+n:]
	}
	if len(outcomes) == 0 {
		return nil, errors.New("enum event has no outcomes")
	}
	return outcomes, nil
}
