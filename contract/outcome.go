package contract

import (
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/mempool"
	"github.com/btcsuite/btcd/wire"
	"github.com/dlcsuite/dlcd/dlcoracle"
	"github.com/dlcsuite/dlcd/input"
)

var (
	// ErrDomainMismatch is returned when the descriptor's outcome domain
	// does not match the announced oracle event.
	ErrDomainMismatch = errors.New(
		"descriptor does not match oracle event",
	)

	// ErrOutcomeSpaceTooLarge bounds the numeric outcome enumeration.
	ErrOutcomeSpaceTooLarge = errors.New("outcome space too large")
)

// maxNumericOutcomes caps base^numDigits for numeric contracts so the
// payout walk stays tractable.
const maxNumericOutcomes = 1 << 20

// DustLimit returns the dust threshold for the P2WPKH payout outputs of
// settlement transactions at the default relay fee. Payouts below it are
// shifted entirely to the counterparty.
func DustLimit() btcutil.Amount {
	// The contents of the script don't matter, only its size class.
	pkscript, _ := input.WitnessPubKeyHash([]byte{})
	txout := &wire.TxOut{PkScript: pkscript}
	return btcutil.Amount(mempool.GetDustThreshold(txout))
}

// Outcome is one settlement branch of a contract: the oracle attestations
// that unlock it, the adaptor point those attestations reveal the discrete
// log of, and the resulting payout split. Each outcome maps to exactly one
// contract execution transaction.
type Outcome struct {
	// Label is the attested outcome label of an enumerated contract.
	// Empty for numeric contracts.
	Label string

	// Digits is the attested digit prefix of a numeric contract. Nil
	// for enumerated contracts.
	Digits []string

	// Start and End bound the numeric outcome values covered by Digits,
	// inclusive. Zero for enumerated contracts.
	Start, End uint64

	// OracleIndices names the oracle subset whose attestations unlock
	// this outcome, as indices into the contract's announcement list.
	OracleIndices []int

	// OffererPayout and AccepterPayout split the total collateral.
	OffererPayout  btcutil.Amount
	AccepterPayout btcutil.Amount

	// AdaptorPoint is the aggregate signature point of the subset's
	// attestations for this outcome.
	AdaptorPoint *btcec.PublicKey
}

// Info bundles the full contract terms: collateral, payout descriptor and
// oracle set. Both parties hold an identical Info and must derive an
// identical outcome set from it.
type Info struct {
	// TotalCollateral is the sum of both parties' collateral and the
	// amount split by every outcome.
	TotalCollateral btcutil.Amount

	// Descriptor defines the offerer's payout per outcome.
	Descriptor Descriptor

	// Oracles is the attesting oracle set.
	Oracles *OracleInfo
}

// Validate checks the contract terms, including the cross invariants
// between the descriptor's outcome domain and the announced event.
func (i *Info) Validate() error {
	if i.TotalCollateral <= 0 {
		return errors.New("non-positive total collateral")
	}
	if err := i.Descriptor.Validate(i.TotalCollateral); err != nil {
		return err
	}
	if err := i.Oracles.Validate(); err != nil {
		return err
	}

	event := i.Oracles.Announcements[0].Event
	switch desc := i.Descriptor.(type) {
	case *EnumDescriptor:
		enumEvent, ok := event.(*dlcoracle.EnumEvent)
		if !ok {
			return fmt.Errorf("%w: enum descriptor with %v event",
				ErrDomainMismatch, event.Kind())
		}
		if len(desc.Outcomes) != len(enumEvent.Outcomes) {
			return fmt.Errorf("%w: %d payouts for %d outcomes",
				ErrDomainMismatch, len(desc.Outcomes),
				len(enumEvent.Outcomes))
		}
		announced := make(map[string]struct{}, len(enumEvent.Outcomes))
		for _, label := range enumEvent.Outcomes {
			announced[label] = struct{}{}
		}
		for _, outcome := range desc.Outcomes {
			if _, ok := announced[outcome.Outcome]; !ok {
				return fmt.Errorf("%w: payout for unannounced "+
					"outcome %q", ErrDomainMismatch,
					outcome.Outcome)
			}
		}

	case *NumericDescriptor:
		digitEvent, ok := event.(*dlcoracle.DigitEvent)
		if !ok {
			return fmt.Errorf("%w: numeric descriptor with %v "+
				"event", ErrDomainMismatch, event.Kind())
		}
		if desc.NumDigits != digitEvent.NumDigits {
			return fmt.Errorf("%w: %d digits vs %d announced",
				ErrDomainMismatch, desc.NumDigits,
				digitEvent.NumDigits)
		}
		if desc.maxOutcome() != digitEvent.MaxValue() {
			return fmt.Errorf("%w: curve ends at %d, domain at %d",
				ErrDomainMismatch, desc.maxOutcome(),
				digitEvent.MaxValue())
		}
		if digitEvent.MaxValue() >= maxNumericOutcomes {
			return fmt.Errorf("%w: %d outcomes",
				ErrOutcomeSpaceTooLarge,
				digitEvent.MaxValue()+1)
		}

	default:
		return ErrUnknownDescriptor
	}

	return nil
}

// OutcomeSet expands the contract terms into the ordered outcome list.
// Outcomes are ordered by descriptor order (enum) or ascending outcome
// value (numeric), then by oracle subset, so both parties produce
// byte-identical CET lists.
func (i *Info) OutcomeSet() ([]Outcome, error) {
	if err := i.Validate(); err != nil {
		return nil, err
	}

	switch desc := i.Descriptor.(type) {
	case *EnumDescriptor:
		return i.enumOutcomes(desc)
	case *NumericDescriptor:
		return i.numericOutcomes(desc)
	default:
		return nil, ErrUnknownDescriptor
	}
}

// enumOutcomes emits one outcome per (label, oracle subset) pair.
func (i *Info) enumOutcomes(desc *EnumDescriptor) ([]Outcome, error) {
	subsets := i.Oracles.Combinations()
	dust := DustLimit()

	outcomes := make([]Outcome, 0, len(desc.Outcomes)*len(subsets))
	for _, enumOutcome := range desc.Outcomes {
		offerer, accepter := i.splitPayout(enumOutcome.Payout, dust)

		for _, subset := range subsets {
			points := make([]*btcec.PublicKey, len(subset))
			for j, oracleIdx := range subset {
				point, err := dlcoracle.OutcomeSigPoint(
					i.Oracles.Announcements[oracleIdx],
					enumOutcome.Outcome,
				)
				if err != nil {
					return nil, err
				}
				points[j] = point
			}
			adaptorPoint, err := dlcoracle.AggregatePoints(
				points...,
			)
			if err != nil {
				return nil, err
			}

			outcomes = append(outcomes, Outcome{
				Label:          enumOutcome.Outcome,
				OracleIndices:  subset,
				OffererPayout:  offerer,
				AccepterPayout: accepter,
				AdaptorPoint:   adaptorPoint,
			})
		}
	}

	return outcomes, nil
}

// payoutRange is a maximal run of outcome values sharing one payout.
type payoutRange struct {
	start, end uint64
	payout     btcutil.Amount
}

// numericOutcomes evaluates the payout curve over the whole domain, merges
// equal-payout runs, covers each run with minimal digit prefixes and emits
// one outcome per (prefix, oracle subset) pair.
func (i *Info) numericOutcomes(desc *NumericDescriptor) ([]Outcome, error) {
	event := i.Oracles.Announcements[0].Event.(*dlcoracle.DigitEvent)
	dust := DustLimit()

	var ranges []payoutRange
	for value := uint64(0); ; value++ {
		payout, err := desc.PayoutAt(value, i.TotalCollateral)
		if err != nil {
			return nil, err
		}
		payout, _ = i.splitPayout(payout, dust)

		if n := len(ranges); n > 0 && ranges[n-1].payout == payout {
			ranges[n-1].end = value
		} else {
			ranges = append(ranges, payoutRange{
				start:  value,
				end:    value,
				payout: payout,
			})
		}

		if value == event.MaxValue() {
			break
		}
	}

	subsets := i.Oracles.Combinations()

	var outcomes []Outcome
	for _, run := range ranges {
		prefixes := coveringPrefixes(
			run.start, run.end, uint64(event.Base),
			int(event.NumDigits),
		)

		for _, prefix := range prefixes {
			for _, subset := range subsets {
				var points []*btcec.PublicKey
				for _, oracleIdx := range subset {
					digitPoints, err := dlcoracle.DigitSigPoints(
						i.Oracles.Announcements[oracleIdx],
						prefix.digits,
					)
					if err != nil {
						return nil, err
					}
					points = append(points, digitPoints...)
				}
				adaptorPoint, err := dlcoracle.AggregatePoints(
					points...,
				)
				if err != nil {
					return nil, err
				}

				outcomes = append(outcomes, Outcome{
					Digits:         prefix.digits,
					Start:          prefix.start,
					End:            prefix.end,
					OracleIndices:  subset,
					OffererPayout:  run.payout,
					AccepterPayout: i.TotalCollateral - run.payout,
					AdaptorPoint:   adaptorPoint,
				})
			}
		}
	}

	return outcomes, nil
}

// splitPayout clamps the offerer's payout against the dust limit and
// returns both sides of the split. A sub-dust share collapses to zero so
// no settlement transaction carries an unspendable output.
func (i *Info) splitPayout(offerer,
	dust btcutil.Amount) (btcutil.Amount, btcutil.Amount) {

	if offerer < dust {
		offerer = 0
	} else if i.TotalCollateral-offerer < dust {
		offerer = i.TotalCollateral
	}

	return offerer, i.TotalCollateral - offerer
}

// prefixRange is a digit prefix and the outcome value interval it covers.
type prefixRange struct {
	digits     []string
	start, end uint64
}

// coveringPrefixes greedily covers [start, end] with the minimal set of
// aligned digit prefixes, left to right. A prefix always keeps at least
// one digit so every outcome requires at least one attestation.
func coveringPrefixes(start, end, base uint64,
	numDigits int) []prefixRange {

	var result []prefixRange
	for value := start; ; {
		// Grow the chunk while it stays aligned and inside the range.
		chunk := uint64(1)
		trailing := 0
		for trailing < numDigits-1 {
			next := chunk * base
			if value%next != 0 || value+next-1 > end {
				break
			}
			chunk = next
			trailing++
		}

		result = append(result, prefixRange{
			digits: dlcoracle.DecomposeValue(
				value/chunk, uint16(base),
				uint16(numDigits-trailing),
			),
			start: value,
			end:   value + chunk - 1,
		})

		if value+chunk-1 >= end {
			break
		}
		value += chunk
	}

	return result
}

// Encode writes the contract terms' wire form.
func (i *Info) Encode(w io.Writer) error {
	if err := writeUint64(w, uint64(i.TotalCollateral)); err != nil {
		return err
	}
	if err := i.Descriptor.Encode(w); err != nil {
		return err
	}
	return i.Oracles.Encode(w)
}

// DecodeInfo reads contract terms from r.
func DecodeInfo(r io.Reader) (*Info, error) {
	collateral, err := readUint64(r)
	if err != nil {
		return nil, err
	}

	desc, err := DecodeDescriptor(r)
	if err != nil {
		return nil, err
	}

	oracles, err := DecodeOracleInfo(r)
	if err != nil {
		return nil, err
	}

	return &Info{
		TotalCollateral: btcutil.Amount(collateral),
		Descriptor:      desc,
		Oracles:         oracles,
	}, nil
}
