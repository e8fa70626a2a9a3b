// Package adaptor implements ECDSA adaptor signatures: signatures encrypted
// under an elliptic curve point such that completing the signature requires
// knowledge of the discrete log of that point, and such that a completed
// signature reveals the discrete log to anyone holding the adaptor form.
//
// The scheme follows the "one-time verifiably encrypted signature"
// construction: the signer draws a nonce k, publishes R = k*Y (where Y is
// the encryption key), Ra = k*G, the encrypted scalar s' = k^-1(m + r*x)
// with r taken from R, and a discrete log equality proof binding Ra and R to
// the same k. Decrypting with y (Y = y*G) yields the valid ECDSA signature
// (r, s'/y), and the pair (s', s) leaks y.
package adaptor

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

const (
	// SignatureSize is the size of the fixed-length adaptor signature
	// encoding: two compressed points followed by three 32-byte scalars.
	SignatureSize = 33 + 33 + 32 + 32 + 32
)

var (
	// ErrMalformedSignature is returned when parsing an adaptor signature
	// that is the wrong length, or whose points or scalars do not decode.
	ErrMalformedSignature = errors.New("malformed adaptor signature")

	// ErrSecretMismatch is returned when a completed signature does not
	// correspond to the adaptor signature it is being combined with, so no
	// encryption secret can be recovered.
	ErrSecretMismatch = errors.New("completed sig does not match adaptor sig")

	// ErrZeroScalar is returned when signing produces or is given a zero
	// scalar, which would make the signature forgeable.
	ErrZeroScalar = errors.New("scalar value is zero")
)

// dleqTag is the tagged hash prefix used to derive DLEQ proof challenges.
// It is domain separated from every other tagged hash in the protocol.
var dleqTag = []byte("DLC/ecdsa-adaptor/dleq")

// Signature is an ECDSA adaptor signature along with the proof of discrete
// log equality that makes it verifiable before decryption.
type Signature struct {
	// R is k*Y, the nonce point scaled by the encryption key. The final
	// signature's r value is the x coordinate of this point mod N.
	R *secp256k1.PublicKey

	// Ra is k*G. Verifiers check the ECDSA equation against Ra, and the
	// DLEQ proof ties Ra to R so that decryption with y is guaranteed to
	// produce a signature valid for R.
	Ra *secp256k1.PublicKey

	// SPrime is the encrypted s value: k^-1(m + r*x) mod N.
	SPrime secp256k1.ModNScalar

	// E and Z form the Chaum-Pedersen DLEQ proof that log_G(Ra) ==
	// log_Y(R).
	E, Z secp256k1.ModNScalar
}

// Sign creates an adaptor signature over msg with the given private key,
// encrypted under encKey. The nonce is derived deterministically via RFC6979
// with the encryption key mixed into the extra data, so repeated calls with
// identical inputs produce identical signatures.
func Sign(privKey *secp256k1.PrivateKey, encKey *secp256k1.PublicKey,
	msg [32]byte) (*Signature, error) {

	x := &privKey.Key
	if x.IsZero() {
		return nil, ErrZeroScalar
	}

	var m secp256k1.ModNScalar
	m.SetBytes(&msg)

	privBytes := privKey.Serialize()
	extra := sha256.Sum256(encKey.SerializeCompressed())

	var encJ secp256k1.JacobianPoint
	encKey.AsJacobian(&encJ)

	for iter := uint32(0); ; iter++ {
		k := secp256k1.NonceRFC6979(privBytes, msg[:], extra[:], nil, iter)
		if k.IsZero() {
			continue
		}

		// R = k*Y, with r its x coordinate reduced mod N.
		var rJ secp256k1.JacobianPoint
		secp256k1.ScalarMultNonConst(k, &encJ, &rJ)
		if rJ.Z.IsZero() {
			continue
		}
		rJ.ToAffine()

		var r secp256k1.ModNScalar
		r.SetBytes(rJ.X.Bytes())
		if r.IsZero() {
			continue
		}

		// Ra = k*G.
		var raJ secp256k1.JacobianPoint
		secp256k1.ScalarBaseMultNonConst(k, &raJ)
		raJ.ToAffine()

		// s' = k^-1(m + r*x).
		kInv := new(secp256k1.ModNScalar).InverseValNonConst(k)

		var sPrime secp256k1.ModNScalar
		sPrime.Mul2(&r, x).Add(&m).Mul(kInv)
		if sPrime.IsZero() {
			continue
		}

		sig := &Signature{
			R:      pubKeyFromJacobian(&rJ),
			Ra:     pubKeyFromJacobian(&raJ),
			SPrime: sPrime,
		}
		sig.dleqProve(k, encKey)

		return sig, nil
	}
}

// Verify checks that the adaptor signature is a valid encryption of an ECDSA
// signature over msg by pubKey under encKey. It returns false for any
// failure and never panics on malformed input.
func (s *Signature) Verify(pubKey, encKey *secp256k1.PublicKey,
	msg [32]byte) bool {

	if s.R == nil || s.Ra == nil {
		return false
	}
	if s.SPrime.IsZero() {
		return false
	}

	// r must be the x coordinate of R reduced mod N.
	var rJ secp256k1.JacobianPoint
	s.R.AsJacobian(&rJ)

	var r secp256k1.ModNScalar
	r.SetBytes(rJ.X.Bytes())
	if r.IsZero() {
		return false
	}

	// The ECDSA equation against the base-G image of the nonce:
	// Ra == (m/s')*G + (r/s')*P.
	var m secp256k1.ModNScalar
	m.SetBytes(&msg)

	sInv := new(secp256k1.ModNScalar).InverseValNonConst(&s.SPrime)

	var u1, u2 secp256k1.ModNScalar
	u1.Mul2(&m, sInv)
	u2.Mul2(&r, sInv)

	var pJ, res1, res2, expected secp256k1.JacobianPoint
	pubKey.AsJacobian(&pJ)
	secp256k1.ScalarBaseMultNonConst(&u1, &res1)
	secp256k1.ScalarMultNonConst(&u2, &pJ, &res2)
	secp256k1.AddNonConst(&res1, &res2, &expected)
	if expected.Z.IsZero() {
		return false
	}
	expected.ToAffine()

	var raJ secp256k1.JacobianPoint
	s.Ra.AsJacobian(&raJ)
	if !expected.X.Equals(&raJ.X) || !expected.Y.Equals(&raJ.Y) {
		return false
	}

	// Finally the DLEQ proof, guaranteeing R = k*Y for the same k.
	return s.dleqVerify(encKey)
}

// Decrypt completes the adaptor signature with the encryption secret,
// producing a canonical (low-S) ECDSA signature.
func (s *Signature) Decrypt(secret *secp256k1.ModNScalar) (*ecdsa.Signature,
	error) {

	if secret.IsZero() {
		return nil, ErrZeroScalar
	}

	var rJ secp256k1.JacobianPoint
	s.R.AsJacobian(&rJ)

	var r secp256k1.ModNScalar
	r.SetBytes(rJ.X.Bytes())
	if r.IsZero() {
		return nil, ErrMalformedSignature
	}

	// s = s'/y, normalized to the low-S form required for relay.
	yInv := new(secp256k1.ModNScalar).InverseValNonConst(secret)

	var sigS secp256k1.ModNScalar
	sigS.Mul2(&s.SPrime, yInv)
	if sigS.IsZero() {
		return nil, ErrZeroScalar
	}
	if sigS.IsOverHalfOrder() {
		sigS.Negate()
	}

	return ecdsa.NewSignature(&r, &sigS), nil
}

// RecoverSecret extracts the encryption secret from the adaptor signature
// and its completed counterpart, validating the result against encKey. The
// completed signature is given in DER form, as found in a transaction
// witness with the sighash flag already stripped.
func (s *Signature) RecoverSecret(encKey *secp256k1.PublicKey,
	completedDER []byte) (*secp256k1.ModNScalar, error) {

	sigR, sigS, err := parseDERScalars(completedDER)
	if err != nil {
		return nil, err
	}

	// The completed signature must share our r value, otherwise it was
	// made for a different nonce point and no secret relates the two.
	var rJ secp256k1.JacobianPoint
	s.R.AsJacobian(&rJ)

	var r secp256k1.ModNScalar
	r.SetBytes(rJ.X.Bytes())
	if !r.Equals(sigR) {
		return nil, ErrSecretMismatch
	}

	// y = s'/s. The completed signature may have been negated for low-S
	// form, so also try the negation before giving up.
	sInv := new(secp256k1.ModNScalar).InverseValNonConst(sigS)

	y := new(secp256k1.ModNScalar)
	y.Mul2(&s.SPrime, sInv)

	if pointMatchesScalar(encKey, y) {
		return y, nil
	}
	y.Negate()
	if pointMatchesScalar(encKey, y) {
		return y, nil
	}

	return nil, ErrSecretMismatch
}

// Serialize returns the fixed-length encoding: Ra || R || s' || e || z.
func (s *Signature) Serialize() []byte {
	var b [SignatureSize]byte
	copy(b[0:33], s.Ra.SerializeCompressed())
	copy(b[33:66], s.R.SerializeCompressed())

	sp := s.SPrime.Bytes()
	copy(b[66:98], sp[:])
	e := s.E.Bytes()
	copy(b[98:130], e[:])
	z := s.Z.Bytes()
	copy(b[130:162], z[:])

	return b[:]
}

// ParseSignature decodes an adaptor signature from its fixed-length
// encoding, rejecting off-curve points and overflowing scalars.
func ParseSignature(b []byte) (*Signature, error) {
	if len(b) != SignatureSize {
		return nil, fmt.Errorf("%w: %d bytes, want %d",
			ErrMalformedSignature, len(b), SignatureSize)
	}

	ra, err := secp256k1.ParsePubKey(b[0:33])
	if err != nil {
		return nil, fmt.Errorf("%w: bad Ra point: %v",
			ErrMalformedSignature, err)
	}
	r, err := secp256k1.ParsePubKey(b[33:66])
	if err != nil {
		return nil, fmt.Errorf("%w: bad R point: %v",
			ErrMalformedSignature, err)
	}

	sig := &Signature{R: r, Ra: ra}
	if overflow := sig.SPrime.SetByteSlice(b[66:98]); overflow {
		return nil, fmt.Errorf("%w: s' overflows", ErrMalformedSignature)
	}
	if sig.SPrime.IsZero() {
		return nil, fmt.Errorf("%w: s' is zero", ErrMalformedSignature)
	}
	if overflow := sig.E.SetByteSlice(b[98:130]); overflow {
		return nil, fmt.Errorf("%w: e overflows", ErrMalformedSignature)
	}
	if overflow := sig.Z.SetByteSlice(b[130:162]); overflow {
		return nil, fmt.Errorf("%w: z overflows", ErrMalformedSignature)
	}

	return sig, nil
}

// pubKeyFromJacobian converts an affine Jacobian point to a PublicKey.
func pubKeyFromJacobian(j *secp256k1.JacobianPoint) *secp256k1.PublicKey {
	var x, y secp256k1.FieldVal
	x.Set(&j.X)
	y.Set(&j.Y)
	return secp256k1.NewPublicKey(&x, &y)
}

// pointMatchesScalar reports whether pub == scalar*G.
func pointMatchesScalar(pub *secp256k1.PublicKey,
	scalar *secp256k1.ModNScalar) bool {

	var j secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(scalar, &j)
	if j.Z.IsZero() {
		return false
	}
	j.ToAffine()

	var pJ secp256k1.JacobianPoint
	pub.AsJacobian(&pJ)

	return j.X.Equals(&pJ.X) && j.Y.Equals(&pJ.Y)
}

// parseDERScalars decodes a DER encoded ECDSA signature into its r and s
// scalars. The ecosystem parser only exposes an opaque Signature, so the
// minimal strict decoding is done here.
func parseDERScalars(sig []byte) (*secp256k1.ModNScalar, *secp256k1.ModNScalar,
	error) {

	// 0x30 <total-len> 0x02 <r-len> <r> 0x02 <s-len> <s>
	if len(sig) < 8 || sig[0] != 0x30 {
		return nil, nil, ErrMalformedSignature
	}
	if int(sig[1]) != len(sig)-2 {
		return nil, nil, ErrMalformedSignature
	}

	if sig[2] != 0x02 {
		return nil, nil, ErrMalformedSignature
	}
	rLen := int(sig[3])
	if rLen <= 0 || 4+rLen+2 > len(sig) {
		return nil, nil, ErrMalformedSignature
	}
	rBytes := sig[4 : 4+rLen]

	sOff := 4 + rLen
	if sig[sOff] != 0x02 {
		return nil, nil, ErrMalformedSignature
	}
	sLen := int(sig[sOff+1])
	if sLen <= 0 || sOff+2+sLen != len(sig) {
		return nil, nil, ErrMalformedSignature
	}
	sBytes := sig[sOff+2 : sOff+2+sLen]

	r, err := derIntToScalar(rBytes)
	if err != nil {
		return nil, nil, err
	}
	s, err := derIntToScalar(sBytes)
	if err != nil {
		return nil, nil, err
	}

	return r, s, nil
}

// derIntToScalar converts a DER integer, possibly carrying a leading zero
// pad byte, into a non-zero scalar mod N.
func derIntToScalar(b []byte) (*secp256k1.ModNScalar, error) {
	// Strip the sign pad byte if present.
	if len(b) > 1 && b[0] == 0x00 {
		b = b[1:]
	}
	if len(b) == 0 || len(b) > 32 {
		return nil, ErrMalformedSignature
	}

	var buf [32]byte
	copy(buf[32-len(b):], b)

	s := new(secp256k1.ModNScalar)
	if overflow := s.SetBytes(&buf); overflow != 0 {
		return nil, ErrMalformedSignature
	}
	if s.IsZero() {
		return nil, ErrMalformedSignature
	}

	return s, nil
}

// dleqChallenge computes the DLEQ challenge scalar from the proof
// transcript.
func dleqChallenge(ra, r, encKey *secp256k1.PublicKey, a1J,
	a2J *secp256k1.JacobianPoint) secp256k1.ModNScalar {

	h := chainhash.TaggedHash(
		dleqTag,
		ra.SerializeCompressed(),
		r.SerializeCompressed(),
		encKey.SerializeCompressed(),
		pubKeyFromJacobian(a1J).SerializeCompressed(),
		pubKeyFromJacobian(a2J).SerializeCompressed(),
	)

	var e secp256k1.ModNScalar
	e.SetBytes((*[32]byte)(h))

	return e
}
