package dlcoracle

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

var (
	// ErrBadAttestation is returned when an attestation's signatures do
	// not verify against its announcement.
	ErrBadAttestation = errors.New("attestation does not verify")

	// ErrNonceReuse is returned when an attestation signature does not
	// use the nonce committed to in the announcement.
	ErrNonceReuse = errors.New("attestation uses non-committed nonce")
)

// Attestation is the oracle's published outcome: one BIP-340 signature per
// committed nonce over the realized outcome string(s).
type Attestation struct {
	// EventID names the attested event.
	EventID string

	// Outcomes holds the signed outcome strings. A single label for
	// enumerated events, or one digit string per nonce for digit events,
	// most significant digit first.
	Outcomes []string

	// Signatures are the BIP-340 signatures, aligned with Outcomes.
	Signatures []*schnorr.Signature
}

// Verify checks every attestation signature against the announcement's key
// and committed nonces.
func (at *Attestation) Verify(ann *Announcement) error {
	if at.EventID != ann.EventID {
		return fmt.Errorf("%w: event id %q != announced %q",
			ErrBadAttestation, at.EventID, ann.EventID)
	}
	if len(at.Outcomes) != len(at.Signatures) {
		return fmt.Errorf("%w: %d outcomes, %d signatures",
			ErrBadAttestation, len(at.Outcomes), len(at.Signatures))
	}
	if len(at.Signatures) == 0 ||
		len(at.Signatures) > len(ann.Nonces) {

		return fmt.Errorf("%w: %d signatures for %d nonces",
			ErrBadAttestation, len(at.Signatures), len(ann.Nonces))
	}

	for i, sig := range at.Signatures {
		sigBytes := sig.Serialize()

		// The signature must be made with the announced nonce,
		// otherwise its s value is unrelated to the committed sig
		// points.
		nonceBytes := schnorr.SerializePubKey(ann.Nonces[i])
		if !bytes.Equal(sigBytes[:32], nonceBytes) {
			return fmt.Errorf("%w: signature %d", ErrNonceReuse, i)
		}

		msg := AttestationMsgHash(at.Outcomes[i])
		if !sig.Verify(msg[:], ann.PubKey) {
			return fmt.Errorf("%w: signature %d invalid",
				ErrBadAttestation, i)
		}
	}

	return nil
}

// SecretScalar sums the s values of the first numSigs attestation
// signatures. The result is the discrete log of the aggregate of the
// corresponding sig points, i.e. the adaptor decryption secret for an
// outcome covered by those signatures.
func (at *Attestation) SecretScalar(numSigs int) (*btcec.ModNScalar, error) {
	if numSigs <= 0 || numSigs > len(at.Signatures) {
		return nil, fmt.Errorf("%w: need %d signatures, have %d",
			ErrBadAttestation, numSigs, len(at.Signatures))
	}

	sum := new(btcec.ModNScalar)
	for _, sig := range at.Signatures[:numSigs] {
		sigBytes := sig.Serialize()

		var s btcec.ModNScalar
		if overflow := s.SetByteSlice(sigBytes[32:]); overflow {
			return nil, fmt.Errorf("%w: s overflows",
				ErrBadAttestation)
		}
		sum.Add(&s)
	}
	if sum.IsZero() {
		return nil, fmt.Errorf("%w: zero aggregate secret",
			ErrBadAttestation)
	}

	return sum, nil
}

// DigitsValue reconstructs the numeric outcome value from the attested
// digit strings in the given base.
func (at *Attestation) DigitsValue(base uint16) (uint64, error) {
	var value uint64
	for _, digitStr := range at.Outcomes {
		digit, err := strconv.ParseUint(digitStr, 10, 16)
		if err != nil {
			return 0, fmt.Errorf("bad digit %q: %w", digitStr, err)
		}
		if digit >= uint64(base) {
			return 0, fmt.Errorf("digit %d out of range for base %d",
				digit, base)
		}
		value = value*uint64(base) + digit
	}
	return value, nil
}
