package dlcoracle

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// MockOracle is a deterministic in-process oracle used by tests across the
// repository. It derives its attestation key and nonces from a seed, so the
// same seed always produces the same announcement and attestations.
type MockOracle struct {
	priv   *btcec.PrivateKey
	nonces []*btcec.PrivateKey
	ann    *Announcement
}

// NewMockOracle creates an oracle committed to the given event.
func NewMockOracle(seed []byte, eventID string, maturity uint32,
	event EventDescriptor) (*MockOracle, error) {

	keyBytes := sha256.Sum256(append([]byte("oracle-key"), seed...))
	priv, _ := btcec.PrivKeyFromBytes(keyBytes[:])

	numNonces := event.NumNonces()
	noncePrivs := make([]*btcec.PrivateKey, numNonces)
	noncePubs := make([]*btcec.PublicKey, numNonces)
	for i := 0; i < numNonces; i++ {
		var idx [8]byte
		binary.BigEndian.PutUint64(idx[:], uint64(i))
		nonceBytes := sha256.Sum256(
			append(append([]byte("oracle-nonce"), seed...), idx[:]...),
		)
		noncePrivs[i], _ = btcec.PrivKeyFromBytes(nonceBytes[:])

		// Announcements carry x-only points, so re-parse through the
		// schnorr serialization to get the even-Y form.
		pub, err := schnorr.ParsePubKey(
			schnorr.SerializePubKey(noncePrivs[i].PubKey()),
		)
		if err != nil {
			return nil, err
		}
		noncePubs[i] = pub
	}

	oraclePub, err := schnorr.ParsePubKey(
		schnorr.SerializePubKey(priv.PubKey()),
	)
	if err != nil {
		return nil, err
	}

	ann := &Announcement{
		PubKey:        oraclePub,
		Nonces:        noncePubs,
		EventMaturity: maturity,
		EventID:       eventID,
		Event:         event,
	}
	if err := ann.Validate(); err != nil {
		return nil, err
	}

	return &MockOracle{priv: priv, nonces: noncePrivs, ann: ann}, nil
}

// Announcement returns the oracle's announcement.
func (o *MockOracle) Announcement() *Announcement {
	return o.ann
}

// Attest signs the given outcome strings with the committed nonces, in
// order, producing a verifiable attestation.
func (o *MockOracle) Attest(outcomes ...string) (*Attestation, error) {
	if len(outcomes) > len(o.nonces) {
		return nil, errors.New("more outcomes than committed nonces")
	}

	sigs := make([]*schnorr.Signature, len(outcomes))
	for i, outcome := range outcomes {
		msg := AttestationMsgHash(outcome)
		sig, err := signWithNonce(o.priv, o.nonces[i], msg)
		if err != nil {
			return nil, err
		}
		sigs[i] = sig
	}

	return &Attestation{
		EventID:    o.ann.EventID,
		Outcomes:   outcomes,
		Signatures: sigs,
	}, nil
}

// AttestDigits attests the base decomposition of value for a digit event.
func (o *MockOracle) AttestDigits(value uint64) (*Attestation, error) {
	event, ok := o.ann.Event.(*DigitEvent)
	if !ok {
		return nil, errors.New("oracle is not committed to a digit event")
	}
	return o.Attest(DecomposeValue(value, event.Base, event.NumDigits)...)
}

// signWithNonce produces a BIP-340 signature with a caller-chosen nonce.
// The library signer derives its own nonce, which would not match the
// announcement's commitment.
func signWithNonce(priv, noncePriv *btcec.PrivateKey,
	msg [32]byte) (*schnorr.Signature, error) {

	// BIP-340 treats keys as x-only with even Y, so negate the scalars
	// whose public points have odd Y.
	x := priv.Key
	if priv.PubKey().SerializeCompressed()[0] == 0x03 {
		x.Negate()
	}

	k := noncePriv.Key
	noncePub := noncePriv.PubKey()
	if noncePub.SerializeCompressed()[0] == 0x03 {
		k.Negate()
	}

	e := bip340Challenge(priv.PubKey(), noncePub, msg)

	// s = k + e*x.
	var s btcec.ModNScalar
	s.Mul2(&e, &x).Add(&k)
	if s.IsZero() {
		return nil, errors.New("degenerate attestation scalar")
	}

	var rX btcec.FieldVal
	if overflow := rX.SetByteSlice(schnorr.SerializePubKey(noncePub)); overflow {
		return nil, errors.New("nonce x overflows field")
	}

	return schnorr.NewSignature(&rX, &s), nil
}

// DecomposeValue returns the base decomposition of value as digit strings,
// most significant digit first, padded to numDigits.
func DecomposeValue(value uint64, base, numDigits uint16) []string {
	digits := make([]string, numDigits)
	for i := int(numDigits) - 1; i >= 0; i-- {
		digit := value % uint64(base)
		value /= uint64(base)
		digits[i] = digitString(digit)
	}
	return digits
}

// digitString formats a single digit value.
func digitString(d uint64) string {
	const tab = "0123456789"
	if d < 10 {
		return tab[d : d+1]
	}
	// Bases above 10 fall back to decimal digit strings.
	var buf [8]byte
	n := len(buf)
	for d > 0 {
		n--
		buf[n] = tab[d%10]
		d /= 10
	}
	return string(buf[n:])
}
