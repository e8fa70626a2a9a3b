// Package contract models DLC contract terms: the outcome space, the payout
// at every outcome, and the oracles whose attestations settle the contract.
// Its central operation expands contract terms into the exact outcome set
// both parties must derive identically, one entry per contract execution
// transaction.
package contract

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcutil"
)

var (
	// ErrInvalidCurve is returned when a numeric descriptor's payout
	// curve does not span the outcome domain or is not monotone in its
	// endpoints.
	ErrInvalidCurve = errors.New("invalid payout curve")

	// ErrPayoutExceedsCollateral is returned when any payout is negative
	// or larger than the contract's total collateral.
	ErrPayoutExceedsCollateral = errors.New("payout exceeds collateral")

	// ErrUnknownDescriptor is returned when decoding a descriptor with an
	// unknown kind byte.
	ErrUnknownDescriptor = errors.New("unknown descriptor kind")
)

// Descriptor kind bytes on the wire.
const (
	enumDescriptorKind    byte = 0
	numericDescriptorKind byte = 1
)

// Descriptor defines the payout of the offering party at every outcome of
// the oracle event. The accepting party's payout is always the remaining
// collateral.
type Descriptor interface {
	// Validate checks the descriptor's internal invariants against the
	// contract's total collateral.
	Validate(totalCollateral btcutil.Amount) error

	// Encode writes the descriptor's wire form.
	Encode(w io.Writer) error
}

// EnumOutcome maps one outcome label to the offerer's payout.
type EnumOutcome struct {
	// Outcome is the label the oracle will attest.
	Outcome string

	// Payout is the offering party's payout when this outcome occurs.
	Payout btcutil.Amount
}

// EnumDescriptor enumerates every outcome explicitly.
type EnumDescriptor struct {
	// Outcomes is the ordered outcome list. Order is part of the wire
	// encoding and therefore of the contract id.
	Outcomes []EnumOutcome
}

// Validate checks the descriptor's internal invariants.
func (e *EnumDescriptor) Validate(totalCollateral btcutil.Amount) error {
	if len(e.Outcomes) < 2 {
		return errors.New("enum descriptor needs at least 2 outcomes")
	}

	seen := make(map[string]struct{}, len(e.Outcomes))
	for _, outcome := range e.Outcomes {
		if outcome.Outcome == "" {
			return errors.New("empty outcome label")
		}
		if _, ok := seen[outcome.Outcome]; ok {
			return fmt.Errorf("duplicate outcome %q", outcome.Outcome)
		}
		seen[outcome.Outcome] = struct{}{}

		if outcome.Payout < 0 || outcome.Payout > totalCollateral {
			return fmt.Errorf("%w: outcome %q pays %v of %v",
				ErrPayoutExceedsCollateral, outcome.Outcome,
				outcome.Payout, totalCollateral)
		}
	}

	return nil
}

// Encode writes the descriptor's wire form.
func (e *EnumDescriptor) Encode(w io.Writer) error {
	if err := writeByte(w, enumDescriptorKind); err != nil {
		return err
	}
	if err := writeUint16(w, uint16(len(e.Outcomes))); err != nil {
		return err
	}
	for _, outcome := range e.Outcomes {
		if err := writeString(w, outcome.Outcome); err != nil {
			return err
		}
		if err := writeUint64(w, uint64(outcome.Payout)); err != nil {
			return err
		}
	}
	return nil
}

// CurvePoint is an explicit endpoint of the payout curve.
type CurvePoint struct {
	// Outcome is the numeric outcome value of the endpoint.
	Outcome uint64

	// Payout is the offering party's payout at that value.
	Payout btcutil.Amount
}

// RoundingInterval floors computed payouts to a multiple of RoundingMod for
// outcomes at or above BeginOutcome, until the next interval takes over.
type RoundingInterval struct {
	BeginOutcome uint64
	RoundingMod  uint64
}

// NumericDescriptor defines the offerer's payout as a piecewise linear
// curve over a digit-decomposed numeric outcome space.
type NumericDescriptor struct {
	// NumDigits is the number of digits of the outcome decomposition.
	// Together with the oracle event's base it bounds the domain.
	NumDigits uint16

	// Points are the curve endpoints, sorted by strictly increasing
	// outcome value. Payout between consecutive endpoints is linear with
	// floor rounding.
	Points []CurvePoint

	// RoundingIntervals floors payouts between endpoints, reducing the
	// number of distinct CETs. May be empty for exact payouts.
	RoundingIntervals []RoundingInterval
}

// Validate checks curve invariants: full domain coverage, ordered
// endpoints, bounded payouts and well-formed rounding intervals.
func (n *NumericDescriptor) Validate(totalCollateral btcutil.Amount) error {
	if n.NumDigits == 0 {
		return fmt.Errorf("%w: zero digits", ErrInvalidCurve)
	}
	if len(n.Points) < 2 {
		return fmt.Errorf("%w: need at least 2 endpoints",
			ErrInvalidCurve)
	}

	if n.Points[0].Outcome != 0 {
		return fmt.Errorf("%w: first endpoint at %d, not 0",
			ErrInvalidCurve, n.Points[0].Outcome)
	}

	for i, point := range n.Points {
		if i > 0 && point.Outcome <= n.Points[i-1].Outcome {
			return fmt.Errorf("%w: endpoints not strictly "+
				"increasing at index %d", ErrInvalidCurve, i)
		}
		if point.Payout < 0 || point.Payout > totalCollateral {
			return fmt.Errorf("%w: endpoint %d pays %v of %v",
				ErrPayoutExceedsCollateral, i, point.Payout,
				totalCollateral)
		}
	}

	for i, interval := range n.RoundingIntervals {
		if interval.RoundingMod == 0 {
			return fmt.Errorf("%w: zero rounding mod at index %d",
				ErrInvalidCurve, i)
		}
		if i == 0 && interval.BeginOutcome != 0 {
			return fmt.Errorf("%w: first rounding interval must "+
				"begin at 0", ErrInvalidCurve)
		}
		if i > 0 &&
			interval.BeginOutcome <=
				n.RoundingIntervals[i-1].BeginOutcome {

			return fmt.Errorf("%w: rounding intervals not sorted",
				ErrInvalidCurve)
		}
	}

	return nil
}

// maxOutcome returns the largest outcome value of the curve domain.
func (n *NumericDescriptor) maxOutcome() uint64 {
	return n.Points[len(n.Points)-1].Outcome
}

// PayoutAt evaluates the curve at the given outcome value: linear
// interpolation between the surrounding endpoints with floor division,
// floored to the active rounding interval and clamped to the collateral.
func (n *NumericDescriptor) PayoutAt(value uint64,
	totalCollateral btcutil.Amount) (btcutil.Amount, error) {

	if value > n.maxOutcome() {
		return 0, fmt.Errorf("%w: value %d beyond curve end %d",
			ErrInvalidCurve, value, n.maxOutcome())
	}

	// Locate the segment [left, right] containing value.
	var left, right CurvePoint
	for i := 1; i < len(n.Points); i++ {
		if value <= n.Points[i].Outcome {
			left, right = n.Points[i-1], n.Points[i]
			break
		}
	}

	// Linear interpolation with explicit floor semantics so negative
	// slopes round identically on both sides of the contract.
	run := int64(right.Outcome - left.Outcome)
	rise := int64(right.Payout - left.Payout)
	payout := int64(left.Payout) + floorDiv(
		int64(value-left.Outcome)*rise, run,
	)

	// Floor to the active rounding interval.
	if mod := n.roundingModAt(value); mod > 1 {
		payout -= floorMod(payout, int64(mod))
	}

	// Clamp to the valid payout range.
	if payout < 0 {
		payout = 0
	}
	if payout > int64(totalCollateral) {
		payout = int64(totalCollateral)
	}

	return btcutil.Amount(payout), nil
}

// roundingModAt returns the rounding modulus applicable to the given
// outcome value, or 1 when none applies.
func (n *NumericDescriptor) roundingModAt(value uint64) uint64 {
	mod := uint64(1)
	for _, interval := range n.RoundingIntervals {
		if interval.BeginOutcome > value {
			break
		}
		mod = interval.RoundingMod
	}
	return mod
}

// Encode writes the descriptor's wire form.
func (n *NumericDescriptor) Encode(w io.Writer) error {
	if err := writeByte(w, numericDescriptorKind); err != nil {
		return err
	}
	if err := writeUint16(w, n.NumDigits); err != nil {
		return err
	}
	if err := writeUint16(w, uint16(len(n.Points))); err != nil {
		return err
	}
	for _, point := range n.Points {
		if err := writeUint64(w, point.Outcome); err != nil {
			return err
		}
		if err := writeUint64(w, uint64(point.Payout)); err != nil {
			return err
		}
	}
	if err := writeUint16(w, uint16(len(n.RoundingIntervals))); err != nil {
		return err
	}
	for _, interval := range n.RoundingIntervals {
		if err := writeUint64(w, interval.BeginOutcome); err != nil {
			return err
		}
		if err := writeUint64(w, interval.RoundingMod); err != nil {
			return err
		}
	}
	return nil
}

// DecodeDescriptor reads a descriptor of either kind from r.
func DecodeDescriptor(r io.Reader) (Descriptor, error) {
	kind, err := readByte(r)
	if err != nil {
		return nil, err
	}

	switch kind {
	case enumDescriptorKind:
		count, err := readUint16(r)
		if err != nil {
			return nil, err
		}
		desc := &EnumDescriptor{
			Outcomes: make([]EnumOutcome, count),
		}
		for i := range desc.Outcomes {
			label, err := readString(r)
			if err != nil {
				return nil, err
			}
			payout, err := readUint64(r)
			if err != nil {
				return nil, err
			}
			desc.Outcomes[i] = EnumOutcome{
				Outcome: label,
				Payout:  btcutil.Amount(payout),
			}
		}
		return desc, nil

	case numericDescriptorKind:
		desc := &NumericDescriptor{}
		if desc.NumDigits, err = readUint16(r); err != nil {
			return nil, err
		}
		numPoints, err := readUint16(r)
		if err != nil {
			return nil, err
		}
		desc.Points = make([]CurvePoint, numPoints)
		for i := range desc.Points {
			if desc.Points[i].Outcome, err = readUint64(r); err != nil {
				return nil, err
			}
			payout, err := readUint64(r)
			if err != nil {
				return nil, err
			}
			desc.Points[i].Payout = btcutil.Amount(payout)
		}
		numIntervals, err := readUint16(r)
		if err != nil {
			return nil, err
		}
		if numIntervals > 0 {
			desc.RoundingIntervals = make(
				[]RoundingInterval, numIntervals,
			)
		}
		for i := range desc.RoundingIntervals {
			interval := &desc.RoundingIntervals[i]
			if interval.BeginOutcome, err = readUint64(r); err != nil {
				return nil, err
			}
			if interval.RoundingMod, err = readUint64(r); err != nil {
				return nil, err
			}
		}
		return desc, nil

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownDescriptor, kind)
	}
}

// floorDiv divides rounding toward negative infinity.
func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

// floorMod returns the non-negative remainder of floor division.
func floorMod(a, b int64) int64 {
	m := a % b
	if m != 0 && (m < 0) != (b < 0) {
		m += b
	}
	return m
}

// Binary helpers shared by the contract wire encodings. All integers are
// big endian.

func writeByte(w io.Writer, b byte) error {
	_, err := w.Write([]byte{b})
	return err
}

func readByte(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func writeUint16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readUint16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func writeUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func writeUint64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func writeString(w io.Writer, s string) error {
	if len(s) > 255 {
		return errors.New("string too long")
	}
	if err := writeByte(w, byte(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	n, err := readByte(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
