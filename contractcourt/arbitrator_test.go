package contractcourt

import (
	"crypto/sha256"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/dlcsuite/dlcd/adaptor"
	"github.com/dlcsuite/dlcd/chainfee"
	"github.com/dlcsuite/dlcd/contract"
	"github.com/dlcsuite/dlcd/contractdb"
	"github.com/dlcsuite/dlcd/dlcoracle"
	"github.com/dlcsuite/dlcd/dlcwire"
	"github.com/dlcsuite/dlcd/txbuilder"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/stretchr/testify/require"
)

// mockNotifier delivers scripted confirmation and spend events.
type mockNotifier struct {
	confChan  chan *TxConfirmation
	spendChan chan *SpendDetail
}

func newMockNotifier() *mockNotifier {
	return &mockNotifier{
		confChan:  make(chan *TxConfirmation, 1),
		spendChan: make(chan *SpendDetail, 1),
	}
}

func (m *mockNotifier) RegisterConfirmationsNtfn(txid *chainhash.Hash,
	pkScript []byte, numConfs,
	heightHint uint32) (*ConfirmationEvent, error) {

	return &ConfirmationEvent{
		Confirmed: m.confChan,
		Cancel:    func() {},
	}, nil
}

func (m *mockNotifier) RegisterSpendNtfn(outpoint *wire.OutPoint,
	pkScript []byte, heightHint uint32) (*SpendEvent, error) {

	return &SpendEvent{
		Spend:  m.spendChan,
		Cancel: func() {},
	}, nil
}

// arbTestHarness is a funded two outcome contract with a persisted
// record in StateBroadcast, ready for chain events.
type arbTestHarness struct {
	db       *contractdb.DB
	notifier *mockNotifier
	arb      *ContractArbitrator

	tempID   dlcwire.TempContractID
	txns     *txbuilder.ContractTransactions
	outcomes []contract.Outcome

	// localSigs are the adaptor signatures our side handed out.
	localSigs []*adaptor.Signature

	oracle *dlcoracle.MockOracle

	resolutions chan contractdb.State
}

func newArbTestHarness(t *testing.T) *arbTestHarness {
	t.Helper()

	backend, cleanup, err := kvdb.GetTestBackend(
		t.TempDir(), "contractcourt",
	)
	require.NoError(t, err)
	t.Cleanup(cleanup)

	db, err := contractdb.Open(backend)
	require.NoError(t, err)

	oracle, err := dlcoracle.NewMockOracle(
		[]byte("arb oracle"), "coin-flip", 800,
		&dlcoracle.EnumEvent{Outcomes: []string{"heads", "tails"}},
	)
	require.NoError(t, err)

	const collateral = btcutil.Amount(1_000_000)
	info := &contract.Info{
		TotalCollateral: 2 * collateral,
		Descriptor: &contract.EnumDescriptor{
			Outcomes: []contract.EnumOutcome{
				{Outcome: "heads", Payout: 2 * collateral},
				{Outcome: "tails", Payout: 0},
			},
		},
		Oracles: contract.SingleOracle(oracle.Announcement()),
	}

	inputScript := []byte{0x00, 0x14}
	inputScript = append(
		inputScript,
		btcutil.Hash160(
			testKey(t, "arb/in").PubKey().SerializeCompressed(),
		)...,
	)
	newFundingInput := func(seed string,
		serialID uint64) dlcwire.FundingInput {

		return dlcwire.FundingInput{
			InputSerialID: serialID,
			OutPoint: wire.OutPoint{
				Hash: chainhash.Hash(
					sha256.Sum256([]byte(seed)),
				),
			},
			Output: wire.TxOut{
				Value:    int64(collateral * 2),
				PkScript: inputScript,
			},
			Sequence: wire.MaxTxInSequenceNum - 1,
		}
	}

	offer := &dlcwire.DLCOffer{
		ChainHash:     *chaincfg.RegressionNetParams.GenesisHash,
		ContractInfo:  info,
		Collateral:    collateral,
		FundingPubKey: testKey(t, "arb/offer/funding").PubKey(),
		PayoutPubKey:  testKey(t, "arb/offer/payout").PubKey(),
		PayoutSerialID: 100,
		FundingInputs: []dlcwire.FundingInput{
			newFundingInput("arb/offer/input", 10),
		},
		ChangeScript:       inputScript,
		ChangeSerialID:     200,
		FundOutputSerialID: 1,
		FeeRate:            chainfee.SatPerKWeight(2500),
		CETLocktime:        790,
		RefundLocktime:     10_000,
	}
	tempID, err := offer.TempContractID()
	require.NoError(t, err)

	accept := &dlcwire.DLCAccept{
		TempContractID: tempID,
		Collateral:     collateral,
		FundingPubKey:  testKey(t, "arb/accept/funding").PubKey(),
		PayoutPubKey:   testKey(t, "arb/accept/payout").PubKey(),
		PayoutSerialID: 300,
		FundingInputs: []dlcwire.FundingInput{
			newFundingInput("arb/accept/input", 20),
		},
		ChangeScript:   inputScript,
		ChangeSerialID: 400,
	}

	outcomes, err := info.OutcomeSet()
	require.NoError(t, err)

	txns, err := txbuilder.BuildContractTransactions(
		offer, accept, outcomes,
	)
	require.NoError(t, err)

	// Our handed-out adaptor signatures, one per CET.
	signingKey := testKey(t, "arb/offer/funding")
	localSigs := make([]*adaptor.Signature, len(outcomes))
	for i := range outcomes {
		msg := sha256.Sum256([]byte(outcomes[i].Label))
		localSigs[i], err = adaptor.Sign(
			signingKey, outcomes[i].AdaptorPoint, msg,
		)
		require.NoError(t, err)
	}

	// Persist the record up to the funding broadcast.
	require.NoError(t, db.CreateContract(&contractdb.Contract{
		State:           contractdb.StateOffered,
		Initiator:       true,
		Offer:           offer,
		AttestedOutcome: -1,
	}))
	steps := []func(c *contractdb.Contract) error{
		func(c *contractdb.Contract) error {
			c.State = contractdb.StateAccepted
			c.Accept = accept
			return nil
		},
		func(c *contractdb.Contract) error {
			c.State = contractdb.StateSigned
			c.ContractID = txns.ContractID
			c.FundingTxid = txns.FundingTx.TxHash()
			return nil
		},
		func(c *contractdb.Contract) error {
			c.State = contractdb.StateBroadcast
			c.BroadcastHeight = 900
			return nil
		},
	}
	for _, step := range steps {
		require.NoError(t, db.UpdateContract(tempID, step))
	}

	h := &arbTestHarness{
		db:          db,
		notifier:    newMockNotifier(),
		tempID:      tempID,
		txns:        txns,
		outcomes:    outcomes,
		localSigs:   localSigs,
		oracle:      oracle,
		resolutions: make(chan contractdb.State, 1),
	}

	h.arb = NewContractArbitrator(ArbitratorConfig{
		TempID:           tempID,
		DB:               db,
		Notifier:         h.notifier,
		Txns:             txns,
		Outcomes:         outcomes,
		LocalAdaptorSigs: localSigs,
		NumConfs:         1,
		HeightHint:       900,
		OnResolution: func(state contractdb.State,
			event *SettlementEvent) {

			h.resolutions <- state
		},
	})

	require.NoError(t, h.arb.Start())
	t.Cleanup(func() {
		require.NoError(t, h.arb.Stop())
	})

	return h
}

// confirmFunding delivers the funding confirmation and waits for the
// state transition.
func (h *arbTestHarness) confirmFunding(t *testing.T) {
	t.Helper()

	blockHash := chainhash.Hash(sha256.Sum256([]byte("block")))
	h.notifier.confChan <- &TxConfirmation{
		BlockHash:   &blockHash,
		BlockHeight: 903,
	}

	require.Eventually(t, func() bool {
		c, err := h.db.FetchContract(h.tempID)
		require.NoError(t, err)
		return c.State == contractdb.StateConfirmed
	}, 5*time.Second, 10*time.Millisecond)
}

// settleWithCET delivers a spend of the funding output by the CET of the
// given outcome, its witness carrying the decrypted adaptor signature.
func (h *arbTestHarness) settleWithCET(t *testing.T, outcomeIdx int) {
	t.Helper()

	attestation, err := h.oracle.Attest(h.outcomes[outcomeIdx].Label)
	require.NoError(t, err)
	secret, err := attestation.SecretScalar(1)
	require.NoError(t, err)

	completed, err := h.localSigs[outcomeIdx].Decrypt(secret)
	require.NoError(t, err)

	cet := h.txns.CETs[outcomeIdx].Copy()
	cet.TxIn[0].Witness = wire.TxWitness{
		nil,
		append(completed.Serialize(), byte(txscript.SigHashAll)),
		h.txns.FundingWitnessScript,
	}

	// Witness data does not change the txid, so the watcher still
	// recognizes the spend.
	spenderHash := cet.TxHash()
	outpoint := h.txns.FundingOutPoint()
	h.notifier.spendChan <- &SpendDetail{
		SpentOutPoint:  &outpoint,
		SpenderTxHash:  &spenderHash,
		SpendingTx:     cet,
		SpendingHeight: 910,
	}
}

func TestArbitratorLocalClaim(t *testing.T) {
	t.Parallel()

	h := newArbTestHarness(t)
	h.confirmFunding(t)

	// We broadcast the heads CET ourselves.
	h.arb.NoteLocalBroadcast(h.txns.CETs[0].TxHash())
	h.settleWithCET(t, 0)

	select {
	case state := <-h.resolutions:
		require.Equal(t, contractdb.StateClaimed, state)
	case <-time.After(5 * time.Second):
		t.Fatal("no resolution delivered")
	}

	c, err := h.db.FetchContract(h.tempID)
	require.NoError(t, err)
	require.Equal(t, contractdb.StateClaimed, c.State)
	require.Equal(t, h.txns.CETs[0].TxHash(), c.ResolutionTxid)
	require.EqualValues(t, 0, c.AttestedOutcome)
}

func TestArbitratorRemoteClaim(t *testing.T) {
	t.Parallel()

	h := newArbTestHarness(t)
	h.confirmFunding(t)

	// The counterparty broadcasts the tails CET; the outcome must be
	// extracted from the published witness.
	h.settleWithCET(t, 1)

	select {
	case state := <-h.resolutions:
		require.Equal(t, contractdb.StateRemoteClaimed, state)
	case <-time.After(5 * time.Second):
		t.Fatal("no resolution delivered")
	}

	c, err := h.db.FetchContract(h.tempID)
	require.NoError(t, err)
	require.Equal(t, contractdb.StateRemoteClaimed, c.State)
	require.EqualValues(t, 1, c.AttestedOutcome)

	// Resolution purged the stored counterparty signatures.
	require.Empty(t, c.RemoteCETSignatures)
}

func TestArbitratorRefund(t *testing.T) {
	t.Parallel()

	h := newArbTestHarness(t)
	h.confirmFunding(t)

	refundTx := h.txns.RefundTx.Copy()
	spenderHash := refundTx.TxHash()
	outpoint := h.txns.FundingOutPoint()
	h.notifier.spendChan <- &SpendDetail{
		SpentOutPoint:  &outpoint,
		SpenderTxHash:  &spenderHash,
		SpendingTx:     refundTx,
		SpendingHeight: 10_001,
	}

	select {
	case state := <-h.resolutions:
		require.Equal(t, contractdb.StateRefunded, state)
	case <-time.After(5 * time.Second):
		t.Fatal("no resolution delivered")
	}

	c, err := h.db.FetchContract(h.tempID)
	require.NoError(t, err)
	require.Equal(t, contractdb.StateRefunded, c.State)
	require.Equal(t, spenderHash, c.ResolutionTxid)
	require.EqualValues(t, -1, c.AttestedOutcome)
}
