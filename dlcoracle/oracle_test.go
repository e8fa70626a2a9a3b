package dlcoracle

import (
	"bytes"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
)

// pointForScalar returns scalar*G.
func pointForScalar(t *testing.T, scalar *btcec.ModNScalar) *btcec.PublicKey {
	t.Helper()

	var j btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(scalar, &j)
	require.False(t, j.Z.IsZero())
	j.ToAffine()

	return btcec.NewPublicKey(&j.X, &j.Y)
}

// TestAnnouncementEncodeDecode round-trips both event descriptor kinds
// through the TLV encoding.
func TestAnnouncementEncodeDecode(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		event EventDescriptor
	}{
		{
			name: "enum",
			event: &EnumEvent{
				Outcomes: []string{"team-a-wins", "team-b-wins"},
			},
		},
		{
			name:  "digits",
			event: &DigitEvent{Base: 2, NumDigits: 10},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			oracle, err := NewMockOracle(
				[]byte(tc.name), "event-1", 1000, tc.event,
			)
			require.NoError(t, err)

			ann := oracle.Announcement()

			var buf bytes.Buffer
			require.NoError(t, ann.Encode(&buf))

			var decoded Announcement
			require.NoError(t, decoded.Decode(&buf))

			require.Equal(t, ann.EventID, decoded.EventID)
			require.Equal(t, ann.EventMaturity, decoded.EventMaturity)
			require.Equal(t, ann.Event, decoded.Event)
			require.Equal(
				t, ann.PubKey.SerializeCompressed(),
				decoded.PubKey.SerializeCompressed(),
			)
			require.Equal(t, len(ann.Nonces), len(decoded.Nonces))
			for i := range ann.Nonces {
				require.Equal(
					t,
					ann.Nonces[i].SerializeCompressed(),
					decoded.Nonces[i].SerializeCompressed(),
				)
			}
		})
	}
}

// TestAnnouncementOverlongOutcomeLabel ensures labels longer than the
// single byte length prefix can express are rejected at encode time
// instead of silently truncating the prefix and shifting every label that
// follows.
func TestAnnouncementOverlongOutcomeLabel(t *testing.T) {
	t.Parallel()

	longLabel := strings.Repeat("x", 256)
	oracle, err := NewMockOracle(
		[]byte("long oracle"), "event-long", 1000,
		&EnumEvent{Outcomes: []string{longLabel, "short"}},
	)
	require.NoError(t, err)

	var buf bytes.Buffer
	err = oracle.Announcement().Encode(&buf)
	require.Error(t, err)
	require.Contains(t, err.Error(), "outcome label too long")

	// The longest expressible label still round-trips.
	maxLabel := strings.Repeat("y", 255)
	oracle, err = NewMockOracle(
		[]byte("max oracle"), "event-max", 1000,
		&EnumEvent{Outcomes: []string{maxLabel, "short"}},
	)
	require.NoError(t, err)

	buf.Reset()
	require.NoError(t, oracle.Announcement().Encode(&buf))

	var decoded Announcement
	require.NoError(t, decoded.Decode(&buf))
	enum, ok := decoded.Event.(*EnumEvent)
	require.True(t, ok)
	require.Equal(t, []string{maxLabel, "short"}, enum.Outcomes)
}

// TestSigPointMatchesAttestation is the core oracle property: the committed
// sig point for an outcome equals the public point of the scalar the oracle
// later reveals by attesting that outcome.
func TestSigPointMatchesAttestation(t *testing.T) {
	t.Parallel()

	oracle, err := NewMockOracle(
		[]byte("enum oracle"), "match-42", 1000,
		&EnumEvent{Outcomes: []string{"heads", "tails"}},
	)
	require.NoError(t, err)

	ann := oracle.Announcement()

	att, err := oracle.Attest("heads")
	require.NoError(t, err)
	require.NoError(t, att.Verify(ann))

	sigPoint, err := OutcomeSigPoint(ann, "heads")
	require.NoError(t, err)

	secret, err := att.SecretScalar(1)
	require.NoError(t, err)

	require.Equal(
		t, sigPoint.SerializeCompressed(),
		pointForScalar(t, secret).SerializeCompressed(),
	)

	// The other outcome's sig point must not match.
	otherPoint, err := OutcomeSigPoint(ann, "tails")
	require.NoError(t, err)
	require.NotEqual(
		t, otherPoint.SerializeCompressed(),
		pointForScalar(t, secret).SerializeCompressed(),
	)
}

// TestDigitSigPointAggregation checks the numeric variant: the aggregate of
// the per-digit sig points equals the point of the summed attestation
// scalars.
func TestDigitSigPointAggregation(t *testing.T) {
	t.Parallel()

	oracle, err := NewMockOracle(
		[]byte("digit oracle"), "price-1000", 2000,
		&DigitEvent{Base: 2, NumDigits: 4},
	)
	require.NoError(t, err)

	ann := oracle.Announcement()

	// Attest the value 0b1010 = 10.
	att, err := oracle.AttestDigits(10)
	require.NoError(t, err)
	require.NoError(t, att.Verify(ann))

	value, err := att.DigitsValue(2)
	require.NoError(t, err)
	require.Equal(t, uint64(10), value)

	digits := DecomposeValue(10, 2, 4)
	require.Equal(t, []string{"1", "0", "1", "0"}, digits)

	points, err := DigitSigPoints(ann, digits)
	require.NoError(t, err)

	aggregate, err := AggregatePoints(points...)
	require.NoError(t, err)

	secret, err := att.SecretScalar(4)
	require.NoError(t, err)

	require.Equal(
		t, aggregate.SerializeCompressed(),
		pointForScalar(t, secret).SerializeCompressed(),
	)
}

// TestAttestationRejectsForeignNonce ensures signatures made with a nonce
// other than the committed one are rejected even if they verify as plain
// BIP-340 signatures.
func TestAttestationRejectsForeignNonce(t *testing.T) {
	t.Parallel()

	oracle, err := NewMockOracle(
		[]byte("oracle a"), "event-x", 1000,
		&EnumEvent{Outcomes: []string{"yes", "no"}},
	)
	require.NoError(t, err)

	// A second oracle shares no nonce commitments with the first.
	other, err := NewMockOracle(
		[]byte("oracle b"), "event-x", 1000,
		&EnumEvent{Outcomes: []string{"yes", "no"}},
	)
	require.NoError(t, err)

	att, err := other.Attest("yes")
	require.NoError(t, err)

	err = att.Verify(oracle.Announcement())
	require.Error(t, err)
}
