package contract

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/dlcsuite/dlcd/dlcoracle"
)

var (
	// ErrOracleMismatch is returned when the announcements of a
	// multi-oracle contract describe incompatible events.
	ErrOracleMismatch = errors.New("oracle announcements mismatch")

	// ErrBadThreshold is returned when the attestation threshold does
	// not fit the announced oracle set.
	ErrBadThreshold = errors.New("invalid oracle threshold")

	// ErrToleranceUnsupported is returned for multi-oracle numeric
	// contracts that request a non-zero attestation disagreement
	// tolerance. Only exact agreement is supported.
	ErrToleranceUnsupported = errors.New(
		"non-zero oracle tolerance not supported",
	)
)

// OracleInfo names the oracles that settle a contract and how many of them
// must attest. A single-oracle contract is the threshold 1-of-1 case.
type OracleInfo struct {
	// Announcements are the event announcements of every eligible
	// oracle, in contract order.
	Announcements []*dlcoracle.Announcement

	// Threshold is the number of oracles that must attest to the same
	// outcome for a CET to become claimable.
	Threshold int

	// ToleranceExp requests acceptance of numerically close but unequal
	// attestations, as a power of the event base. Must be zero.
	ToleranceExp int
}

// SingleOracle builds the 1-of-1 OracleInfo for one announcement.
func SingleOracle(ann *dlcoracle.Announcement) *OracleInfo {
	return &OracleInfo{
		Announcements: []*dlcoracle.Announcement{ann},
		Threshold:     1,
	}
}

// Validate checks the oracle set: every announcement well formed, all
// announcements describing the same event shape, and a sane threshold.
func (o *OracleInfo) Validate() error {
	if len(o.Announcements) == 0 {
		return fmt.Errorf("%w: no announcements", ErrBadThreshold)
	}
	if o.Threshold < 1 || o.Threshold > len(o.Announcements) {
		return fmt.Errorf("%w: %d of %d", ErrBadThreshold,
			o.Threshold, len(o.Announcements))
	}
	if o.ToleranceExp != 0 {
		return ErrToleranceUnsupported
	}

	first := o.Announcements[0]
	for i, ann := range o.Announcements {
		if err := ann.Validate(); err != nil {
			return fmt.Errorf("announcement %d: %w", i, err)
		}

		if ann.Event.Kind() != first.Event.Kind() {
			return fmt.Errorf("%w: event kinds differ",
				ErrOracleMismatch)
		}
		if ann.Event.NumNonces() != first.Event.NumNonces() {
			return fmt.Errorf("%w: nonce counts differ",
				ErrOracleMismatch)
		}

		switch event := ann.Event.(type) {
		case *dlcoracle.DigitEvent:
			firstEvent := first.Event.(*dlcoracle.DigitEvent)
			if event.Base != firstEvent.Base {
				return fmt.Errorf("%w: digit bases differ",
					ErrOracleMismatch)
			}

		case *dlcoracle.EnumEvent:
			firstEvent := first.Event.(*dlcoracle.EnumEvent)
			if len(event.Outcomes) != len(firstEvent.Outcomes) {
				return fmt.Errorf("%w: outcome sets differ",
					ErrOracleMismatch)
			}
			for j, label := range event.Outcomes {
				if label != firstEvent.Outcomes[j] {
					return fmt.Errorf("%w: outcome sets "+
						"differ", ErrOracleMismatch)
				}
			}
		}
	}

	return nil
}

// EventMaturity returns the latest event maturity height across the oracle
// set. The refund timeout must clear it.
func (o *OracleInfo) EventMaturity() uint32 {
	var maturity uint32
	for _, ann := range o.Announcements {
		if ann.EventMaturity > maturity {
			maturity = ann.EventMaturity
		}
	}
	return maturity
}

// Combinations enumerates every threshold-sized oracle index subset, in
// lexicographic order. Both parties derive the same CET list from it.
func (o *OracleInfo) Combinations() [][]int {
	return combinations(len(o.Announcements), o.Threshold)
}

// combinations returns all k-subsets of {0..n-1} in lexicographic order.
func combinations(n, k int) [][]int {
	var (
		result [][]int
		cur    = make([]int, 0, k)
	)
	var recurse func(start int)
	recurse = func(start int) {
		if len(cur) == k {
			subset := make([]int, k)
			copy(subset, cur)
			result = append(result, subset)
			return
		}
		for i := start; i <= n-(k-len(cur)); i++ {
			cur = append(cur, i)
			recurse(i + 1)
			cur = cur[:len(cur)-1]
		}
	}
	recurse(0)
	return result
}

// Encode writes the oracle set's wire form. Each announcement is length
// prefixed so the TLV streams inside stay framed.
func (o *OracleInfo) Encode(w io.Writer) error {
	if err := writeUint16(w, uint16(o.Threshold)); err != nil {
		return err
	}
	if err := writeUint16(w, uint16(len(o.Announcements))); err != nil {
		return err
	}
	for _, ann := range o.Announcements {
		var buf bytes.Buffer
		if err := ann.Encode(&buf); err != nil {
			return err
		}
		if err := writeUint32(w, uint32(buf.Len())); err != nil {
			return err
		}
		if _, err := w.Write(buf.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// DecodeOracleInfo reads an oracle set from r.
func DecodeOracleInfo(r io.Reader) (*OracleInfo, error) {
	threshold, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	numOracles, err := readUint16(r)
	if err != nil {
		return nil, err
	}

	info := &OracleInfo{
		Threshold:     int(threshold),
		Announcements: make([]*dlcoracle.Announcement, numOracles),
	}
	for i := range info.Announcements {
		annLen, err := readUint32(r)
		if err != nil {
			return nil, err
		}

		ann := &dlcoracle.Announcement{}
		err = ann.Decode(io.LimitReader(r, int64(annLen)))
		if err != nil {
			return nil, err
		}
		info.Announcements[i] = ann
	}

	return info, nil
}
