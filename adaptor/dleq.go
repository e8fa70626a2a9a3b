package adaptor

import (
	"crypto/sha256"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// dleqProve fills in the E and Z fields of the signature with a
// Chaum-Pedersen proof that log_G(Ra) == log_Y(R) == k. The proof nonce is
// derived deterministically from k and the transcript.
func (s *Signature) dleqProve(k *secp256k1.ModNScalar,
	encKey *secp256k1.PublicKey) {

	var encJ secp256k1.JacobianPoint
	encKey.AsJacobian(&encJ)

	kBytes := k.Bytes()
	transcript := sha256.Sum256(concat(
		s.Ra.SerializeCompressed(),
		s.R.SerializeCompressed(),
		encKey.SerializeCompressed(),
	))

	for iter := uint32(0); ; iter++ {
		a := secp256k1.NonceRFC6979(
			kBytes[:], transcript[:], dleqTag, nil, iter,
		)
		if a.IsZero() {
			continue
		}

		// A1 = a*G, A2 = a*Y.
		var a1J, a2J secp256k1.JacobianPoint
		secp256k1.ScalarBaseMultNonConst(a, &a1J)
		secp256k1.ScalarMultNonConst(a, &encJ, &a2J)
		if a1J.Z.IsZero() || a2J.Z.IsZero() {
			continue
		}
		a1J.ToAffine()
		a2J.ToAffine()

		e := dleqChallenge(s.Ra, s.R, encKey, &a1J, &a2J)

		// z = a + e*k.
		var z secp256k1.ModNScalar
		z.Mul2(&e, k).Add(a)

		s.E = e
		s.Z = z

		return
	}
}

// dleqVerify checks the proof carried by the signature against the
// encryption key, reconstructing the prover's commitments as
// A1 = z*G - e*Ra and A2 = z*Y - e*R and re-deriving the challenge.
func (s *Signature) dleqVerify(encKey *secp256k1.PublicKey) bool {
	var encJ, raJ, rJ secp256k1.JacobianPoint
	encKey.AsJacobian(&encJ)
	s.Ra.AsJacobian(&raJ)
	s.R.AsJacobian(&rJ)

	var eNeg secp256k1.ModNScalar
	eNeg.NegateVal(&s.E)

	// A1 = z*G + (-e)*Ra.
	var zG, eRa, a1J secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&s.Z, &zG)
	secp256k1.ScalarMultNonConst(&eNeg, &raJ, &eRa)
	secp256k1.AddNonConst(&zG, &eRa, &a1J)
	if a1J.Z.IsZero() {
		return false
	}
	a1J.ToAffine()

	// A2 = z*Y + (-e)*R.
	var zY, eR, a2J secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(&s.Z, &encJ, &zY)
	secp256k1.ScalarMultNonConst(&eNeg, &rJ, &eR)
	secp256k1.AddNonConst(&zY, &eR, &a2J)
	if a2J.Z.IsZero() {
		return false
	}
	a2J.ToAffine()

	e := dleqChallenge(s.Ra, s.R, encKey, &a1J, &a2J)

	return e.Equals(&s.E)
}

// concat joins byte slices for single-shot hashing.
func concat(chunks ...[]byte) []byte {
	var out []byte
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}
