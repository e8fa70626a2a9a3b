package dlcoracle

import (
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// attestationTag is the tagged hash prefix applied to outcome strings before
// the oracle signs them. Both the oracle and contract parties must use the
// same tag or derived sig points will not match attestation signatures.
var attestationTag = []byte("DLC/oracle/attestation/v0")

// ErrPointAtInfinity is returned when point aggregation or sig point
// derivation degenerates to the point at infinity.
var ErrPointAtInfinity = errors.New("derived point is at infinity")

// AttestationMsgHash returns the message digest the oracle signs for the
// given outcome string.
func AttestationMsgHash(outcome string) [32]byte {
	return [32]byte(*chainhash.TaggedHash(attestationTag, []byte(outcome)))
}

// SigPoint computes the public point of the oracle's future BIP-340
// signature over msgHash using the committed nonce: S = R + e*P where
// e = H(tag, R.x || P.x || m). The discrete log of S is the attestation's s
// value, which makes S usable as an adaptor encryption key.
func SigPoint(oraclePub, nonce *btcec.PublicKey,
	msgHash [32]byte) (*btcec.PublicKey, error) {

	e := bip340Challenge(oraclePub, nonce, msgHash)

	var pJ, eP, rJ, sJ btcec.JacobianPoint
	oraclePub.AsJacobian(&pJ)
	btcec.ScalarMultNonConst(&e, &pJ, &eP)
	nonce.AsJacobian(&rJ)
	btcec.AddNonConst(&rJ, &eP, &sJ)
	if sJ.Z.IsZero() {
		return nil, ErrPointAtInfinity
	}
	sJ.ToAffine()

	return btcec.NewPublicKey(&sJ.X, &sJ.Y), nil
}

// OutcomeSigPoint computes the sig point for a single-nonce (enumerated)
// outcome.
func OutcomeSigPoint(a *Announcement, outcome string) (*btcec.PublicKey,
	error) {

	if len(a.Nonces) != 1 {
		return nil, ErrNonceCountMismatch
	}
	return SigPoint(a.PubKey, a.Nonces[0], AttestationMsgHash(outcome))
}

// DigitSigPoints computes the per-digit sig points for the given digit
// string values using the announcement's ordered nonces. digits[i] is the
// outcome string for nonce i ("0", "1", ... up to base-1).
func DigitSigPoints(a *Announcement, digits []string) ([]*btcec.PublicKey,
	error) {

	if len(digits) > len(a.Nonces) {
		return nil, ErrNonceCountMismatch
	}

	points := make([]*btcec.PublicKey, len(digits))
	for i, digit := range digits {
		point, err := SigPoint(
			a.PubKey, a.Nonces[i], AttestationMsgHash(digit),
		)
		if err != nil {
			return nil, err
		}
		points[i] = point
	}

	return points, nil
}

// AggregatePoints sums the given points. A contract outcome attested across
// several digits (or several oracles) uses the sum of the individual sig
// points as its adaptor key, since the corresponding secret is the sum of
// the individual attestation scalars.
func AggregatePoints(points ...*btcec.PublicKey) (*btcec.PublicKey, error) {
	if len(points) == 0 {
		return nil, errors.New("no points to aggregate")
	}

	var sum btcec.JacobianPoint
	points[0].AsJacobian(&sum)
	for _, point := range points[1:] {
		var pJ btcec.JacobianPoint
		point.AsJacobian(&pJ)
		btcec.AddNonConst(&sum, &pJ, &sum)
	}
	if sum.Z.IsZero() {
		return nil, ErrPointAtInfinity
	}
	sum.ToAffine()

	return btcec.NewPublicKey(&sum.X, &sum.Y), nil
}

// bip340Challenge derives the BIP-340 challenge scalar for the given key,
// nonce and message.
func bip340Challenge(oraclePub, nonce *btcec.PublicKey,
	msgHash [32]byte) btcec.ModNScalar {

	h := chainhash.TaggedHash(
		chainhash.TagBIP0340Challenge,
		schnorr.SerializePubKey(nonce),
		schnorr.SerializePubKey(oraclePub),
		msgHash[:],
	)

	var e btcec.ModNScalar
	e.SetBytes((*[32]byte)(h))

	return e
}
