package contractcourt

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"github.com/dlcsuite/dlcd/adaptor"
	"github.com/dlcsuite/dlcd/contract"
	"github.com/dlcsuite/dlcd/dlcoracle"
)

// ErrNoMatchingOutcome is returned when neither the oracle attestations
// nor a broadcast settlement transaction can be mapped to any entry of
// the contract's outcome set. Funds are on chain at that point, so the
// error is fatal for automated resolution and must be surfaced rather
// than retried.
var ErrNoMatchingOutcome = errors.New("no matching outcome")

// OutcomeFromAttestations maps a set of oracle attestations to the
// outcome they unlock, returning its index within the outcome set and
// the aggregated adaptor secret that completes the outcome's settlement
// transaction. Attestations are keyed by the oracle's index in the
// contract's announcement list and are verified before use.
func OutcomeFromAttestations(info *contract.Info,
	outcomes []contract.Outcome,
	attestations map[int]*dlcoracle.Attestation) (int, *btcec.ModNScalar,
	error) {

	announcements := info.Oracles.Announcements
	for idx, attestation := range attestations {
		if idx < 0 || idx >= len(announcements) {
			return 0, nil, fmt.Errorf("attestation for unknown "+
				"oracle index %d", idx)
		}
		if err := attestation.Verify(announcements[idx]); err != nil {
			return 0, nil, fmt.Errorf("oracle %d: %w", idx, err)
		}
	}

	for i, outcome := range outcomes {
		if !outcomeAttested(&outcome, attestations) {
			continue
		}

		secret, err := outcomeSecret(&outcome, attestations)
		if err != nil {
			return 0, nil, err
		}

		// The aggregated secret must open this outcome's adaptor
		// point, otherwise the oracle equivocated between its
		// announcement and attestation.
		if !scalarMatchesPoint(secret, outcome.AdaptorPoint) {
			return 0, nil, fmt.Errorf("outcome %d: attestation "+
				"secret does not match adaptor point", i)
		}

		return i, secret, nil
	}

	return 0, nil, ErrNoMatchingOutcome
}

// outcomeAttested reports whether the given attestations cover this
// outcome: every oracle in the outcome's subset attested, and each
// attested value matches the outcome's label or digit prefix.
func outcomeAttested(outcome *contract.Outcome,
	attestations map[int]*dlcoracle.Attestation) bool {

	for _, idx := range outcome.OracleIndices {
		attestation, ok := attestations[idx]
		if !ok {
			return false
		}

		if outcome.Label != "" {
			if len(attestation.Outcomes) < 1 ||
				attestation.Outcomes[0] != outcome.Label {

				return false
			}
			continue
		}

		if len(attestation.Outcomes) < len(outcome.Digits) {
			return false
		}
		for j, digit := range outcome.Digits {
			if attestation.Outcomes[j] != digit {
				return false
			}
		}
	}

	return true
}

// outcomeSecret aggregates the attestation scalars of the outcome's
// oracle subset into the adaptor secret.
func outcomeSecret(outcome *contract.Outcome,
	attestations map[int]*dlcoracle.Attestation) (*btcec.ModNScalar,
	error) {

	numSigs := 1
	if len(outcome.Digits) > 0 {
		numSigs = len(outcome.Digits)
	}

	sum := new(btcec.ModNScalar)
	for _, idx := range outcome.OracleIndices {
		secret, err := attestations[idx].SecretScalar(numSigs)
		if err != nil {
			return nil, err
		}
		sum.Add(secret)
	}
	if sum.IsZero() {
		return nil, errors.New("zero aggregate adaptor secret")
	}

	return sum, nil
}

// ExtractOutcomeFromCET determines which outcome a counterparty-broadcast
// settlement transaction executed, without an attestation in hand. The
// broadcast witness embeds the decryption of one of the adaptor
// signatures the local party handed out, so testing each held signature
// against the witness signatures recovers both the outcome index and the
// oracle secret. The scan is linear over the outcome set with an early
// exit on the first match.
func ExtractOutcomeFromCET(cet *wire.MsgTx,
	localAdaptorSigs []*adaptor.Signature,
	outcomes []contract.Outcome) (int, *btcec.ModNScalar, error) {

	if len(localAdaptorSigs) != len(outcomes) {
		return 0, nil, fmt.Errorf("have %d adaptor signatures for "+
			"%d outcomes", len(localAdaptorSigs), len(outcomes))
	}
	if len(cet.TxIn) == 0 {
		return 0, nil, errors.New("settlement tx has no inputs")
	}

	candidates := witnessSignatures(cet.TxIn[0].Witness)
	if len(candidates) == 0 {
		return 0, nil, fmt.Errorf("%w: witness carries no "+
			"signatures", ErrNoMatchingOutcome)
	}

	for i := range outcomes {
		for _, der := range candidates {
			secret, err := localAdaptorSigs[i].RecoverSecret(
				outcomes[i].AdaptorPoint, der,
			)
			if err != nil {
				continue
			}

			return i, secret, nil
		}
	}

	return 0, nil, ErrNoMatchingOutcome
}

// witnessSignatures collects the plausible DER signatures of a witness
// stack, with the sighash flag stripped.
func witnessSignatures(witness wire.TxWitness) [][]byte {
	var sigs [][]byte
	for _, item := range witness {
		// DER signatures are sequences between 9 and 72 bytes,
		// followed by the one byte sighash flag.
		if len(item) < 10 || len(item) > 73 || item[0] != 0x30 {
			continue
		}
		sigs = append(sigs, item[:len(item)-1])
	}
	return sigs
}

// scalarMatchesPoint reports whether secret*G equals the given point.
func scalarMatchesPoint(secret *btcec.ModNScalar,
	point *btcec.PublicKey) bool {

	var sJ btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(secret, &sJ)
	if sJ.Z.IsZero() {
		return false
	}
	sJ.ToAffine()

	var pJ btcec.JacobianPoint
	point.AsJacobian(&pJ)
	pJ.ToAffine()

	return sJ.X.Equals(&pJ.X) && sJ.Y.Equals(&pJ.Y)
}
