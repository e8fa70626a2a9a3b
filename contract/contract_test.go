package contract

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/dlcsuite/dlcd/dlcoracle"
	"github.com/stretchr/testify/require"
)

// testOracle builds a mock oracle committed to the given event.
func testOracle(t *testing.T, seed []byte, eventID string, maturity uint32,
	event dlcoracle.EventDescriptor) *dlcoracle.MockOracle {

	t.Helper()

	oracle, err := dlcoracle.NewMockOracle(seed, eventID, maturity, event)
	require.NoError(t, err)

	return oracle
}

// testEnumInfo builds a two outcome coin flip contract with one oracle.
func testEnumInfo(t *testing.T) (*Info, *dlcoracle.MockOracle) {
	t.Helper()

	oracle := testOracle(
		t, []byte("enum-oracle"), "coin-flip", 1000,
		&dlcoracle.EnumEvent{Outcomes: []string{"heads", "tails"}},
	)

	info := &Info{
		TotalCollateral: 200_000_000,
		Descriptor: &EnumDescriptor{
			Outcomes: []EnumOutcome{
				{Outcome: "heads", Payout: 200_000_000},
				{Outcome: "tails", Payout: 0},
			},
		},
		Oracles: SingleOracle(oracle.Announcement()),
	}
	require.NoError(t, info.Validate())

	return info, oracle
}

// testNumericInfo builds a base 2, numDigits digit linear contract with
// one oracle.
func testNumericInfo(t *testing.T, numDigits uint16,
	desc *NumericDescriptor) (*Info, *dlcoracle.MockOracle) {

	t.Helper()

	oracle := testOracle(
		t, []byte("digit-oracle"), "btc-price", 1000,
		&dlcoracle.DigitEvent{Base: 2, NumDigits: numDigits},
	)

	info := &Info{
		TotalCollateral: 100_000_000,
		Descriptor:      desc,
		Oracles:         SingleOracle(oracle.Announcement()),
	}
	require.NoError(t, info.Validate())

	return info, oracle
}

func TestEnumDescriptorValidate(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		desc EnumDescriptor
		err  string
	}{
		{
			name: "single outcome",
			desc: EnumDescriptor{Outcomes: []EnumOutcome{
				{Outcome: "only", Payout: 1},
			}},
			err: "at least 2 outcomes",
		},
		{
			name: "duplicate label",
			desc: EnumDescriptor{Outcomes: []EnumOutcome{
				{Outcome: "a", Payout: 1},
				{Outcome: "a", Payout: 2},
			}},
			err: "duplicate outcome",
		},
		{
			name: "payout above collateral",
			desc: EnumDescriptor{Outcomes: []EnumOutcome{
				{Outcome: "a", Payout: 2000},
				{Outcome: "b", Payout: 0},
			}},
			err: ErrPayoutExceedsCollateral.Error(),
		},
		{
			name: "valid",
			desc: EnumDescriptor{Outcomes: []EnumOutcome{
				{Outcome: "a", Payout: 1000},
				{Outcome: "b", Payout: 0},
			}},
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			err := testCase.desc.Validate(1000)
			if testCase.err == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, testCase.err)
		})
	}
}

func TestNumericPayoutAt(t *testing.T) {
	t.Parallel()

	// A descending line from 1000 at outcome 0 to 0 at outcome 15,
	// exercising floor division on a negative slope.
	desc := &NumericDescriptor{
		NumDigits: 4,
		Points: []CurvePoint{
			{Outcome: 0, Payout: 1000},
			{Outcome: 15, Payout: 0},
		},
	}
	require.NoError(t, desc.Validate(1000))

	testCases := []struct {
		value  uint64
		payout btcutil.Amount
	}{
		{value: 0, payout: 1000},
		{value: 15, payout: 0},
		// 1000 - 1000/15 = 933.33, floored to 933.
		{value: 1, payout: 933},
		// 1000 - 7*1000/15 = 533.33, floored to 533.
		{value: 7, payout: 533},
		// 1000 - 14*1000/15 = 66.67, floored to 66.
		{value: 14, payout: 66},
	}

	for _, testCase := range testCases {
		payout, err := desc.PayoutAt(testCase.value, 1000)
		require.NoError(t, err)
		require.Equal(t, testCase.payout, payout,
			"value %d", testCase.value)
	}

	// Out of domain values are rejected.
	_, err := desc.PayoutAt(16, 1000)
	require.ErrorIs(t, err, ErrInvalidCurve)
}

func TestNumericRounding(t *testing.T) {
	t.Parallel()

	desc := &NumericDescriptor{
		NumDigits: 4,
		Points: []CurvePoint{
			{Outcome: 0, Payout: 0},
			{Outcome: 15, Payout: 1500},
		},
		RoundingIntervals: []RoundingInterval{
			{BeginOutcome: 0, RoundingMod: 1},
			{BeginOutcome: 8, RoundingMod: 500},
		},
	}
	require.NoError(t, desc.Validate(1500))

	// Below the second interval payouts are exact.
	payout, err := desc.PayoutAt(5, 1500)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(500), payout)

	// From outcome 8 on, payouts floor to multiples of 500.
	payout, err = desc.PayoutAt(9, 1500)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(500), payout)

	payout, err = desc.PayoutAt(11, 1500)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(1000), payout)
}

func TestCoveringPrefixes(t *testing.T) {
	t.Parallel()

	// Base 2, 4 digits. [4, 11] decomposes into 01xx (4-7) and 10xx
	// (8-11).
	prefixes := coveringPrefixes(4, 11, 2, 4)
	require.Len(t, prefixes, 2)
	require.Equal(t, []string{"0", "1"}, prefixes[0].digits)
	require.Equal(t, uint64(4), prefixes[0].start)
	require.Equal(t, uint64(7), prefixes[0].end)
	require.Equal(t, []string{"1", "0"}, prefixes[1].digits)
	require.Equal(t, uint64(8), prefixes[1].start)
	require.Equal(t, uint64(11), prefixes[1].end)

	// An unaligned range needs a leaf prefix at the edge.
	prefixes = coveringPrefixes(3, 5, 2, 4)
	require.Len(t, prefixes, 2)
	require.Equal(t, []string{"0", "0", "1", "1"}, prefixes[0].digits)
	require.Equal(t, uint64(3), prefixes[0].end)
	require.Equal(t, []string{"0", "1", "0"}, prefixes[1].digits)
	require.Equal(t, uint64(4), prefixes[1].start)
	require.Equal(t, uint64(5), prefixes[1].end)

	// The full domain still keeps one digit per prefix.
	prefixes = coveringPrefixes(0, 15, 2, 4)
	require.Len(t, prefixes, 2)
	require.Equal(t, []string{"0"}, prefixes[0].digits)
	require.Equal(t, []string{"1"}, prefixes[1].digits)
}

// TestEnumOutcomeSet asserts that each enum outcome's adaptor point equals
// the secret that the oracle's attestation reveals.
func TestEnumOutcomeSet(t *testing.T) {
	t.Parallel()

	info, oracle := testEnumInfo(t)

	outcomes, err := info.OutcomeSet()
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	for _, outcome := range outcomes {
		require.Equal(t, info.TotalCollateral,
			outcome.OffererPayout+outcome.AccepterPayout)

		attestation, err := oracle.Attest(outcome.Label)
		require.NoError(t, err)

		secret, err := attestation.SecretScalar(1)
		require.NoError(t, err)

		var point btcec.JacobianPoint
		btcec.ScalarBaseMultNonConst(secret, &point)
		point.ToAffine()
		expected := btcec.NewPublicKey(&point.X, &point.Y)

		require.True(t,
			expected.IsEqual(outcome.AdaptorPoint),
			"outcome %q adaptor point mismatch", outcome.Label)
	}
}

// TestNumericOutcomeSet asserts domain coverage, payout conservation and
// adaptor point correctness for a numeric contract.
func TestNumericOutcomeSet(t *testing.T) {
	t.Parallel()

	desc := &NumericDescriptor{
		NumDigits: 4,
		Points: []CurvePoint{
			{Outcome: 0, Payout: 0},
			{Outcome: 15, Payout: 100_000_000},
		},
		RoundingIntervals: []RoundingInterval{
			{BeginOutcome: 0, RoundingMod: 25_000_000},
		},
	}
	info, oracle := testNumericInfo(t, 4, desc)

	outcomes, err := info.OutcomeSet()
	require.NoError(t, err)
	require.NotEmpty(t, outcomes)

	// The prefix ranges must tile the domain exactly.
	next := uint64(0)
	for _, outcome := range outcomes {
		require.Equal(t, next, outcome.Start)
		require.Equal(t, info.TotalCollateral,
			outcome.OffererPayout+outcome.AccepterPayout)
		next = outcome.End + 1
	}
	require.Equal(t, uint64(16), next)

	// Settling any value inside a range reveals that range's adaptor
	// secret.
	target := outcomes[len(outcomes)/2]
	attestation, err := oracle.AttestDigits(target.Start)
	require.NoError(t, err)

	secret, err := attestation.SecretScalar(len(target.Digits))
	require.NoError(t, err)

	var point btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(secret, &point)
	point.ToAffine()
	expected := btcec.NewPublicKey(&point.X, &point.Y)
	require.True(t, expected.IsEqual(target.AdaptorPoint))
}

// TestOutcomeSetDeterminism asserts both parties derive identical outcome
// lists from equal contract terms.
func TestOutcomeSetDeterminism(t *testing.T) {
	t.Parallel()

	info, _ := testEnumInfo(t)

	first, err := info.OutcomeSet()
	require.NoError(t, err)
	second, err := info.OutcomeSet()
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for i := range first {
		require.Equal(t, first[i].Label, second[i].Label)
		require.Equal(t,
			first[i].AdaptorPoint.SerializeCompressed(),
			second[i].AdaptorPoint.SerializeCompressed())
	}
}

// TestMultiOracleOutcomeSet asserts the 2-of-3 expansion emits one outcome
// per (label, subset) pair with summed adaptor points.
func TestMultiOracleOutcomeSet(t *testing.T) {
	t.Parallel()

	event := &dlcoracle.EnumEvent{Outcomes: []string{"yes", "no"}}
	oracles := make([]*dlcoracle.MockOracle, 3)
	anns := make([]*dlcoracle.Announcement, 3)
	for i := range oracles {
		oracles[i] = testOracle(
			t, []byte{byte(i)}, "vote", 1000, event,
		)
		anns[i] = oracles[i].Announcement()
	}

	info := &Info{
		TotalCollateral: 1_000_000,
		Descriptor: &EnumDescriptor{
			Outcomes: []EnumOutcome{
				{Outcome: "yes", Payout: 1_000_000},
				{Outcome: "no", Payout: 0},
			},
		},
		Oracles: &OracleInfo{
			Announcements: anns,
			Threshold:     2,
		},
	}

	outcomes, err := info.OutcomeSet()
	require.NoError(t, err)

	// 2 outcomes x C(3,2) subsets.
	require.Len(t, outcomes, 6)
	require.Equal(t, []int{0, 1}, outcomes[0].OracleIndices)
	require.Equal(t, []int{0, 2}, outcomes[1].OracleIndices)
	require.Equal(t, []int{1, 2}, outcomes[2].OracleIndices)

	// The subset's summed attestation secrets must match the adaptor
	// point.
	attA, err := oracles[0].Attest("yes")
	require.NoError(t, err)
	attB, err := oracles[1].Attest("yes")
	require.NoError(t, err)

	secretA, err := attA.SecretScalar(1)
	require.NoError(t, err)
	secretB, err := attB.SecretScalar(1)
	require.NoError(t, err)
	secretA.Add(secretB)

	var point btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(secretA, &point)
	point.ToAffine()
	expected := btcec.NewPublicKey(&point.X, &point.Y)
	require.True(t, expected.IsEqual(outcomes[0].AdaptorPoint))
}

func TestInfoEncodeDecode(t *testing.T) {
	t.Parallel()

	t.Run("enum", func(t *testing.T) {
		t.Parallel()

		info, _ := testEnumInfo(t)

		var buf bytes.Buffer
		require.NoError(t, info.Encode(&buf))

		decoded, err := DecodeInfo(&buf)
		require.NoError(t, err)
		require.NoError(t, decoded.Validate())
		require.Equal(t, info.TotalCollateral,
			decoded.TotalCollateral)
		require.Equal(t, info.Descriptor, decoded.Descriptor)

		// Decoded terms must expand to the same outcome set.
		want, err := info.OutcomeSet()
		require.NoError(t, err)
		got, err := decoded.OutcomeSet()
		require.NoError(t, err)
		require.Equal(t, len(want), len(got))
		for i := range want {
			require.Equal(t,
				want[i].AdaptorPoint.SerializeCompressed(),
				got[i].AdaptorPoint.SerializeCompressed())
		}
	})

	t.Run("numeric", func(t *testing.T) {
		t.Parallel()

		desc := &NumericDescriptor{
			NumDigits: 4,
			Points: []CurvePoint{
				{Outcome: 0, Payout: 100_000_000},
				{Outcome: 7, Payout: 50_000_000},
				{Outcome: 15, Payout: 0},
			},
			RoundingIntervals: []RoundingInterval{
				{BeginOutcome: 0, RoundingMod: 10_000_000},
			},
		}
		info, _ := testNumericInfo(t, 4, desc)

		var buf bytes.Buffer
		require.NoError(t, info.Encode(&buf))

		decoded, err := DecodeInfo(&buf)
		require.NoError(t, err)
		require.Equal(t, info.Descriptor, decoded.Descriptor)
		require.Equal(t, info.Oracles.Threshold,
			decoded.Oracles.Threshold)
	})
}

func TestOracleInfoValidate(t *testing.T) {
	t.Parallel()

	event := &dlcoracle.EnumEvent{Outcomes: []string{"a", "b"}}
	ann := testOracle(
		t, []byte("v"), "event", 100, event,
	).Announcement()

	testCases := []struct {
		name string
		info OracleInfo
		err  error
	}{
		{
			name: "no announcements",
			info: OracleInfo{Threshold: 1},
			err:  ErrBadThreshold,
		},
		{
			name: "threshold above count",
			info: OracleInfo{
				Announcements: []*dlcoracle.Announcement{ann},
				Threshold:     2,
			},
			err: ErrBadThreshold,
		},
		{
			name: "tolerance unsupported",
			info: OracleInfo{
				Announcements: []*dlcoracle.Announcement{ann},
				Threshold:     1,
				ToleranceExp:  2,
			},
			err: ErrToleranceUnsupported,
		},
		{
			name: "mismatched events",
			info: OracleInfo{
				Announcements: []*dlcoracle.Announcement{
					ann,
					testOracle(
						t, []byte("w"), "event", 100,
						&dlcoracle.EnumEvent{
							Outcomes: []string{
								"a", "c",
							},
						},
					).Announcement(),
				},
				Threshold: 1,
			},
			err: ErrOracleMismatch,
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			err := testCase.info.Validate()
			require.ErrorIs(t, err, testCase.err)
		})
	}
}
