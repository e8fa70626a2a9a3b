package dlcmgr

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/dlcsuite/dlcd/adaptor"
	"github.com/dlcsuite/dlcd/chainfee"
	"github.com/dlcsuite/dlcd/contract"
	"github.com/dlcsuite/dlcd/contractcourt"
	"github.com/dlcsuite/dlcd/contractdb"
	"github.com/dlcsuite/dlcd/dlcoracle"
	"github.com/dlcsuite/dlcd/dlcwire"
	"github.com/dlcsuite/dlcd/input"
	"github.com/dlcsuite/dlcd/multimutex"
	"github.com/dlcsuite/dlcd/txbuilder"
	"github.com/lightningnetwork/lnd/clock"
)

const (
	// defaultNumConfs is the funding confirmation depth used when the
	// config leaves it zero.
	defaultNumConfs = 3

	// defaultConfTarget is the confirmation target handed to the fee
	// estimator when an offer does not pin a fee rate.
	defaultConfTarget = 6

	// defaultBroadcastAttempts bounds how often a transaction broadcast
	// is retried before the error is surfaced to the caller.
	defaultBroadcastAttempts = 3

	// broadcastRetryDelay is the initial delay between broadcast
	// attempts. It doubles after every failure.
	broadcastRetryDelay = time.Second
)

var (
	// ErrManagerShuttingDown is returned when an operation is invoked
	// while the manager is stopping.
	ErrManagerShuttingDown = errors.New("dlc manager shutting down")

	// ErrUnexpectedState is returned when an operation finds the
	// contract in a state it cannot act on.
	ErrUnexpectedState = errors.New("contract in unexpected state")

	// ErrRefundNotMature is returned when a refund is requested before
	// the refund locktime is reached.
	ErrRefundNotMature = errors.New("refund locktime not yet reached")
)

// Config bundles the external subsystems the Manager drives contracts
// with. All fields are required unless noted otherwise.
type Config struct {
	// DB persists contract state across restarts.
	DB *contractdb.DB

	// Wallet funds contracts and derives fresh keys and scripts.
	Wallet Wallet

	// Signer signs with the keys the wallet hands out.
	Signer input.Signer

	// Notifier delivers funding confirmation and spend events.
	Notifier contractcourt.ChainNotifier

	// Broadcaster publishes funding and settlement transactions.
	Broadcaster Broadcaster

	// ChainIO answers best-height queries, gating refund execution.
	ChainIO ChainIO

	// FeeEstimator supplies a fee rate for offers that do not pin one.
	FeeEstimator chainfee.Estimator

	// ChainHash is the genesis hash of the chain contracts settle on.
	ChainHash chainhash.Hash

	// NumConfs is the confirmation depth required of the funding
	// transaction. Zero selects the default.
	NumConfs uint32

	// Clock paces broadcast retries. Mocked in tests.
	Clock clock.Clock
}

// OfferParams are the caller-supplied terms of a new offer.
type OfferParams struct {
	// Info is the complete contract terms.
	Info *contract.Info

	// Collateral is the offering party's share of the total collateral.
	Collateral btcutil.Amount

	// FeeRate pins the contract fee rate. Zero defers to the fee
	// estimator.
	FeeRate chainfee.SatPerKWeight

	// CETLocktime is the earliest locktime of settlement transactions.
	CETLocktime uint32

	// RefundLocktime is the absolute locktime of the refund
	// transaction.
	RefundLocktime uint32
}

// Manager drives the full lifecycle of every contract: negotiation,
// funding, chain watching and settlement. All operations touching one
// contract are serialized through a per-contract mutex.
type Manager struct {
	started int32 // To be used atomically.
	stopped int32 // To be used atomically.

	cfg Config

	// contractMtxs serializes operations per contract so a chain event
	// and a protocol message cannot race on the same record.
	contractMtxs *multimutex.ContractMutex

	// arbitrators tracks the running arbitrator of every non-terminal
	// funded contract.
	arbitrators map[dlcwire.TempContractID]*contractcourt.ContractArbitrator
	arbMtx      sync.Mutex

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewManager creates a Manager from the given config.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.DB == nil || cfg.Wallet == nil || cfg.Signer == nil ||
		cfg.Notifier == nil || cfg.Broadcaster == nil ||
		cfg.ChainIO == nil {

		return nil, errors.New("dlc manager config incomplete")
	}
	if cfg.NumConfs == 0 {
		cfg.NumConfs = defaultNumConfs
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &Manager{
		cfg:          cfg,
		contractMtxs: multimutex.NewContractMutex(),
		arbitrators: make(
			map[dlcwire.TempContractID]*contractcourt.ContractArbitrator,
		),
		quit: make(chan struct{}),
	}, nil
}

// Start reloads all persisted contracts and re-arms the chain watcher of
// every funded, unresolved contract. Adaptor signatures are regenerated
// deterministically from the stored offer/accept pair, so none need to be
// persisted for our own side.
func (m *Manager) Start() error {
	if !atomic.CompareAndSwapInt32(&m.started, 0, 1) {
		return nil
	}

	log.Infof("DLC manager starting")

	contracts, err := m.cfg.DB.FetchAllContracts()
	if err != nil {
		return err
	}

	for _, c := range contracts {
		if c.State.IsTerminal() {
			continue
		}

		// Contracts that never reached the funding stage have
		// nothing on-chain to watch.
		switch c.State {
		case contractdb.StateSigned, contractdb.StateBroadcast,
			contractdb.StateConfirmed:

		default:
			continue
		}

		tempID, err := c.TempID()
		if err != nil {
			return err
		}

		if err := m.resumeArbitrator(tempID, c); err != nil {
			return fmt.Errorf("resuming contract %x: %w",
				tempID[:], err)
		}
	}

	return nil
}

// Stop halts all chain watchers and waits for in-flight work to finish.
func (m *Manager) Stop() error {
	if !atomic.CompareAndSwapInt32(&m.stopped, 0, 1) {
		return nil
	}

	log.Infof("DLC manager shutting down")

	close(m.quit)

	m.arbMtx.Lock()
	arbitrators := make(
		[]*contractcourt.ContractArbitrator, 0, len(m.arbitrators),
	)
	for _, arb := range m.arbitrators {
		arbitrators = append(arbitrators, arb)
	}
	m.arbitrators = make(
		map[dlcwire.TempContractID]*contractcourt.ContractArbitrator,
	)
	m.arbMtx.Unlock()

	for _, arb := range arbitrators {
		if err := arb.Stop(); err != nil {
			log.Warnf("Unable to stop arbitrator: %v", err)
		}
	}

	m.wg.Wait()

	return nil
}

// CreateOffer assembles and persists a new offer funded by the wallet.
// The returned message is ready to send to the counterparty.
func (m *Manager) CreateOffer(params OfferParams) (*dlcwire.DLCOffer,
	error) {

	if params.Info == nil {
		return nil, errors.New("offer params missing contract info")
	}

	feeRate := params.FeeRate
	if feeRate == 0 {
		if m.cfg.FeeEstimator == nil {
			return nil, errors.New("no fee rate and no estimator")
		}

		var err error
		feeRate, err = m.cfg.FeeEstimator.EstimateFeePerKW(
			defaultConfTarget,
		)
		if err != nil {
			return nil, fmt.Errorf("estimating fee rate: %w", err)
		}
	}

	fundingKey, err := m.cfg.Wallet.NewFundingKey()
	if err != nil {
		return nil, err
	}
	payoutKey, err := m.cfg.Wallet.NewPayoutKey()
	if err != nil {
		return nil, err
	}
	changeScript, err := m.cfg.Wallet.NewChangeScript()
	if err != nil {
		return nil, err
	}

	fundingInputs, err := m.cfg.Wallet.SelectFundingInputs(
		params.Collateral, feeRate,
	)
	if err != nil {
		return nil, fmt.Errorf("selecting funding inputs: %w", err)
	}

	usedSerialIDs := make(map[uint64]struct{})
	for _, fundingInput := range fundingInputs {
		usedSerialIDs[fundingInput.InputSerialID] = struct{}{}
	}
	serialIDs, err := randomSerialIDs(usedSerialIDs, 3)
	if err != nil {
		return nil, err
	}

	offer := &dlcwire.DLCOffer{
		ChainHash:          m.cfg.ChainHash,
		ContractInfo:       params.Info,
		Collateral:         params.Collateral,
		FundingPubKey:      fundingKey,
		PayoutPubKey:       payoutKey,
		PayoutSerialID:     serialIDs[0],
		FundingInputs:      fundingInputs,
		ChangeScript:       changeScript,
		ChangeSerialID:     serialIDs[1],
		FundOutputSerialID: serialIDs[2],
		FeeRate:            feeRate,
		CETLocktime:        params.CETLocktime,
		RefundLocktime:     params.RefundLocktime,
	}
	if err := offer.Validate(); err != nil {
		return nil, err
	}

	tempID, err := offer.TempContractID()
	if err != nil {
		return nil, err
	}

	m.contractMtxs.Lock(tempID)
	defer m.contractMtxs.Unlock(tempID)

	err = m.cfg.DB.CreateContract(&contractdb.Contract{
		State:           contractdb.StateOffered,
		Initiator:       true,
		Offer:           offer,
		AttestedOutcome: -1,
	})
	if err != nil {
		return nil, err
	}

	log.Infof("Created offer %x: collateral=%v of %v, %d oracles, fee "+
		"rate %v", tempID[:], params.Collateral,
		params.Info.TotalCollateral,
		len(params.Info.Oracles.Announcements), feeRate)

	return offer, nil
}

// AcceptOffer validates a received offer, funds our side and signs every
// settlement path. The returned accept message carries our adaptor
// signatures and is ready to send back to the offering party.
func (m *Manager) AcceptOffer(offer *dlcwire.DLCOffer) (*dlcwire.DLCAccept,
	error) {

	if err := offer.Validate(); err != nil {
		return nil, fmt.Errorf("invalid offer: %w", err)
	}
	if offer.ChainHash != m.cfg.ChainHash {
		return nil, fmt.Errorf("offer for chain %v, ours is %v",
			offer.ChainHash, m.cfg.ChainHash)
	}

	outcomes, err := offer.ContractInfo.OutcomeSet()
	if err != nil {
		return nil, err
	}

	collateral := offer.ContractInfo.TotalCollateral - offer.Collateral
	if collateral <= 0 {
		return nil, fmt.Errorf("%w: nothing left to contribute",
			dlcwire.ErrBadCollateral)
	}

	fundingKey, err := m.cfg.Wallet.NewFundingKey()
	if err != nil {
		return nil, err
	}
	payoutKey, err := m.cfg.Wallet.NewPayoutKey()
	if err != nil {
		return nil, err
	}
	changeScript, err := m.cfg.Wallet.NewChangeScript()
	if err != nil {
		return nil, err
	}

	fundingInputs, err := m.cfg.Wallet.SelectFundingInputs(
		collateral, offer.FeeRate,
	)
	if err != nil {
		return nil, fmt.Errorf("selecting funding inputs: %w", err)
	}

	// Serial ids must be unique across both sides of the contract.
	usedSerialIDs := map[uint64]struct{}{
		offer.PayoutSerialID:     {},
		offer.ChangeSerialID:     {},
		offer.FundOutputSerialID: {},
	}
	for _, fundingInput := range offer.FundingInputs {
		usedSerialIDs[fundingInput.InputSerialID] = struct{}{}
	}
	for _, fundingInput := range fundingInputs {
		usedSerialIDs[fundingInput.InputSerialID] = struct{}{}
	}
	serialIDs, err := randomSerialIDs(usedSerialIDs, 2)
	if err != nil {
		return nil, err
	}

	tempID, err := offer.TempContractID()
	if err != nil {
		return nil, err
	}

	accept := &dlcwire.DLCAccept{
		TempContractID: tempID,
		Collateral:     collateral,
		FundingPubKey:  fundingKey,
		PayoutPubKey:   payoutKey,
		PayoutSerialID: serialIDs[0],
		FundingInputs:  fundingInputs,
		ChangeScript:   changeScript,
		ChangeSerialID: serialIDs[1],
	}

	txns, err := txbuilder.BuildContractTransactions(
		offer, accept, outcomes,
	)
	if err != nil {
		return nil, fmt.Errorf("building contract transactions: %w",
			err)
	}

	signer := txbuilder.NewPartySigner(m.cfg.Signer, fundingKey)
	accept.CETSignatures, err = signer.CreateCETSignatures(txns, outcomes)
	if err != nil {
		return nil, err
	}
	accept.RefundSignature, err = signer.CreateRefundSignature(txns)
	if err != nil {
		return nil, err
	}

	m.contractMtxs.Lock(tempID)
	defer m.contractMtxs.Unlock(tempID)

	// The permanent contract id is already derivable, so it is recorded
	// now: the final sign message references the contract by it.
	err = m.cfg.DB.CreateContract(&contractdb.Contract{
		State:           contractdb.StateOffered,
		Initiator:       false,
		Offer:           offer,
		AttestedOutcome: -1,
	})
	if err != nil {
		return nil, err
	}
	err = m.cfg.DB.UpdateContract(tempID, func(c *contractdb.Contract) error {
		c.State = contractdb.StateAccepted
		c.Accept = accept
		c.ContractID = txns.ContractID
		c.FundingTxid = txns.FundingTx.TxHash()
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Infof("Accepted offer %x as contract %x: collateral=%v, %d "+
		"outcomes", tempID[:], txns.ContractID[:], collateral,
		len(outcomes))

	return accept, nil
}

// SignOffer runs on the offering side once the counterparty's accept
// message arrives. It verifies every received signature against the
// derived transactions, signs our own side, and returns the sign message
// that lets the counterparty broadcast the funding transaction.
func (m *Manager) SignOffer(accept *dlcwire.DLCAccept) (*dlcwire.DLCSign,
	error) {

	tempID := accept.TempContractID

	m.contractMtxs.Lock(tempID)
	defer m.contractMtxs.Unlock(tempID)

	c, err := m.cfg.DB.FetchContract(tempID)
	if err != nil {
		return nil, err
	}
	if c.State != contractdb.StateOffered || !c.Initiator {
		return nil, fmt.Errorf("%w: %v, initiator=%v",
			ErrUnexpectedState, c.State, c.Initiator)
	}

	outcomes, err := c.Offer.ContractInfo.OutcomeSet()
	if err != nil {
		return nil, err
	}
	if err := accept.Validate(c.Offer, len(outcomes)); err != nil {
		return nil, fmt.Errorf("invalid accept: %w", err)
	}

	txns, err := txbuilder.BuildContractTransactions(
		c.Offer, accept, outcomes,
	)
	if err != nil {
		return nil, fmt.Errorf("building contract transactions: %w",
			err)
	}

	// Nothing is persisted until every counterparty signature checks
	// out, so a bad accept leaves the offer untouched.
	err = txbuilder.VerifyCETSignatures(
		txns, outcomes, accept.CETSignatures, accept.FundingPubKey,
	)
	if err != nil {
		return nil, err
	}
	err = txbuilder.VerifyRefundSignature(
		txns, accept.RefundSignature, accept.FundingPubKey,
	)
	if err != nil {
		return nil, err
	}

	signer := txbuilder.NewPartySigner(m.cfg.Signer, c.Offer.FundingPubKey)
	cetSigs, err := signer.CreateCETSignatures(txns, outcomes)
	if err != nil {
		return nil, err
	}
	refundSig, err := signer.CreateRefundSignature(txns)
	if err != nil {
		return nil, err
	}
	fundingWitnesses, err := signer.CreateFundingWitnesses(
		txns, c.Offer.FundingInputs,
	)
	if err != nil {
		return nil, err
	}

	err = m.cfg.DB.UpdateContract(tempID, func(c *contractdb.Contract) error {
		c.State = contractdb.StateAccepted
		c.Accept = accept
		c.RemoteCETSignatures = accept.CETSignatures
		c.RemoteRefundSignature = accept.RefundSignature
		return nil
	})
	if err != nil {
		return nil, err
	}
	err = m.cfg.DB.UpdateContract(tempID, func(c *contractdb.Contract) error {
		c.State = contractdb.StateSigned
		c.ContractID = txns.ContractID
		c.FundingTxid = txns.FundingTx.TxHash()
		return nil
	})
	if err != nil {
		return nil, err
	}

	// The counterparty broadcasts the funding transaction, so start
	// watching the chain for it now.
	if err := m.startArbitrator(tempID, txns, outcomes, cetSigs); err != nil {
		return nil, err
	}

	log.Infof("Signed contract %x (offer %x), watching for funding tx %v",
		txns.ContractID[:], tempID[:], txns.FundingTx.TxHash())

	return &dlcwire.DLCSign{
		ContractID:       txns.ContractID,
		CETSignatures:    cetSigs,
		RefundSignature:  refundSig,
		FundingWitnesses: fundingWitnesses,
	}, nil
}

// FinalizeOffer runs on the accepting side once the offering party's sign
// message arrives. It verifies the received signatures, completes the
// funding transaction with both parties' witnesses and broadcasts it. The
// broadcast funding transaction is returned.
func (m *Manager) FinalizeOffer(sign *dlcwire.DLCSign) (*wire.MsgTx, error) {
	// The sign message references the permanent id; resolve it to the
	// negotiation id the record is keyed by before taking the lock.
	lookup, err := m.cfg.DB.FetchContractByID(sign.ContractID)
	if err != nil {
		return nil, err
	}
	tempID, err := lookup.TempID()
	if err != nil {
		return nil, err
	}

	m.contractMtxs.Lock(tempID)
	defer m.contractMtxs.Unlock(tempID)

	c, err := m.cfg.DB.FetchContract(tempID)
	if err != nil {
		return nil, err
	}
	if c.State != contractdb.StateAccepted || c.Initiator {
		return nil, fmt.Errorf("%w: %v, initiator=%v",
			ErrUnexpectedState, c.State, c.Initiator)
	}

	outcomes, err := c.Offer.ContractInfo.OutcomeSet()
	if err != nil {
		return nil, err
	}
	if err := sign.Validate(c.Offer, len(outcomes)); err != nil {
		return nil, fmt.Errorf("invalid sign message: %w", err)
	}

	txns, err := txbuilder.BuildContractTransactions(
		c.Offer, c.Accept, outcomes,
	)
	if err != nil {
		return nil, fmt.Errorf("building contract transactions: %w",
			err)
	}
	if txns.ContractID != sign.ContractID {
		return nil, fmt.Errorf("sign references contract %x, derived "+
			"%x", sign.ContractID[:], txns.ContractID[:])
	}

	err = txbuilder.VerifyCETSignatures(
		txns, outcomes, sign.CETSignatures, c.Offer.FundingPubKey,
	)
	if err != nil {
		return nil, err
	}
	err = txbuilder.VerifyRefundSignature(
		txns, sign.RefundSignature, c.Offer.FundingPubKey,
	)
	if err != nil {
		return nil, err
	}

	signer := txbuilder.NewPartySigner(
		m.cfg.Signer, c.Accept.FundingPubKey,
	)
	ownWitnesses, err := signer.CreateFundingWitnesses(
		txns, c.Accept.FundingInputs,
	)
	if err != nil {
		return nil, err
	}

	fundingTx, err := txbuilder.CompleteFundingTx(
		txns, c.Offer.FundingInputs, c.Accept.FundingInputs,
		sign.FundingWitnesses, ownWitnesses,
	)
	if err != nil {
		return nil, err
	}

	err = m.cfg.DB.UpdateContract(tempID, func(c *contractdb.Contract) error {
		c.State = contractdb.StateSigned
		c.RemoteCETSignatures = sign.CETSignatures
		c.RemoteRefundSignature = sign.RefundSignature
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Our own adaptor signatures were handed out with the accept
	// message; regenerate them for the chain watcher, which needs them
	// to pick the outcome out of a counterparty broadcast.
	ownCETSigs, err := signer.CreateCETSignatures(txns, outcomes)
	if err != nil {
		return nil, err
	}
	if err := m.startArbitrator(tempID, txns, outcomes, ownCETSigs); err != nil {
		return nil, err
	}

	label := fmt.Sprintf("dlc funding %x", txns.ContractID[:])
	if err := m.broadcastWithRetry(fundingTx, label); err != nil {
		return nil, err
	}

	bestHeight, err := m.cfg.ChainIO.BestHeight()
	if err != nil {
		log.Warnf("Unable to query best height: %v", err)
	}
	err = m.cfg.DB.UpdateContract(tempID, func(c *contractdb.Contract) error {
		c.State = contractdb.StateBroadcast
		c.BroadcastHeight = bestHeight
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Infof("Broadcast funding tx %v for contract %x at height %d",
		fundingTx.TxHash(), txns.ContractID[:], bestHeight)

	return fundingTx, nil
}

// ExecuteContract settles a confirmed contract with oracle attestations:
// the matching outcome's settlement transaction is completed by
// decrypting the counterparty's adaptor signature with the attested
// secret, then broadcast. The settled state is recorded once the spend
// confirms.
func (m *Manager) ExecuteContract(contractID dlcwire.ContractID,
	attestations map[int]*dlcoracle.Attestation) (*wire.MsgTx, error) {

	c, tempID, err := m.fetchConfirmed(contractID)
	if err != nil {
		return nil, err
	}

	m.contractMtxs.Lock(tempID)
	defer m.contractMtxs.Unlock(tempID)

	c, err = m.cfg.DB.FetchContract(tempID)
	if err != nil {
		return nil, err
	}
	if c.State != contractdb.StateConfirmed {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedState, c.State)
	}

	outcomes, err := c.Offer.ContractInfo.OutcomeSet()
	if err != nil {
		return nil, err
	}
	txns, err := txbuilder.BuildContractTransactions(
		c.Offer, c.Accept, outcomes,
	)
	if err != nil {
		return nil, err
	}

	outcomeIdx, secret, err := contractcourt.OutcomeFromAttestations(
		c.Offer.ContractInfo, outcomes, attestations,
	)
	if err != nil {
		return nil, err
	}
	if outcomeIdx >= len(c.RemoteCETSignatures) {
		return nil, fmt.Errorf("no stored signature for outcome %d",
			outcomeIdx)
	}

	localKey, remoteKey := m.fundingKeys(c)
	signer := txbuilder.NewPartySigner(m.cfg.Signer, localKey)
	cet, err := signer.CompleteCET(
		txns, outcomeIdx, remoteKey,
		c.RemoteCETSignatures[outcomeIdx], secret,
	)
	if err != nil {
		return nil, err
	}

	// Flag the txid as ours before broadcasting so the chain watcher
	// classifies the spend as a local claim.
	m.noteLocalBroadcast(tempID, cet.TxHash())

	label := fmt.Sprintf("dlc settlement %x outcome %d", contractID[:],
		outcomeIdx)
	if err := m.broadcastWithRetry(cet, label); err != nil {
		return nil, err
	}

	log.Infof("Executing contract %x: outcome %d, settlement tx %v",
		contractID[:], outcomeIdx, cet.TxHash())

	return cet, nil
}

// ExecuteRefund reclaims collateral from a confirmed contract whose
// refund locktime has passed, broadcasting the refund transaction both
// parties signed during negotiation.
func (m *Manager) ExecuteRefund(contractID dlcwire.ContractID) (*wire.MsgTx,
	error) {

	c, tempID, err := m.fetchConfirmed(contractID)
	if err != nil {
		return nil, err
	}

	m.contractMtxs.Lock(tempID)
	defer m.contractMtxs.Unlock(tempID)

	c, err = m.cfg.DB.FetchContract(tempID)
	if err != nil {
		return nil, err
	}
	if c.State != contractdb.StateConfirmed {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedState, c.State)
	}

	bestHeight, err := m.cfg.ChainIO.BestHeight()
	if err != nil {
		return nil, err
	}
	if bestHeight < c.Offer.RefundLocktime {
		return nil, fmt.Errorf("%w: height %d, locktime %d",
			ErrRefundNotMature, bestHeight,
			c.Offer.RefundLocktime)
	}

	outcomes, err := c.Offer.ContractInfo.OutcomeSet()
	if err != nil {
		return nil, err
	}
	txns, err := txbuilder.BuildContractTransactions(
		c.Offer, c.Accept, outcomes,
	)
	if err != nil {
		return nil, err
	}

	localKey, remoteKey := m.fundingKeys(c)
	signer := txbuilder.NewPartySigner(m.cfg.Signer, localKey)
	refundTx, err := signer.CompleteRefund(
		txns, remoteKey, c.RemoteRefundSignature,
	)
	if err != nil {
		return nil, err
	}

	m.noteLocalBroadcast(tempID, refundTx.TxHash())

	label := fmt.Sprintf("dlc refund %x", contractID[:])
	if err := m.broadcastWithRetry(refundTx, label); err != nil {
		return nil, err
	}

	log.Infof("Refunding contract %x with tx %v at height %d",
		contractID[:], refundTx.TxHash(), bestHeight)

	return refundTx, nil
}

// RejectOffer declines an offer during negotiation. Any local record of
// it moves to the rejected state, and the returned message tells the
// counterparty to release its reserved inputs. Rejecting an offer we
// never persisted is legal: the accepting side rejects before storing
// anything.
func (m *Manager) RejectOffer(tempID dlcwire.TempContractID,
	reason []byte) (*dlcwire.DLCReject, error) {

	m.contractMtxs.Lock(tempID)
	defer m.contractMtxs.Unlock(tempID)

	err := m.cfg.DB.MarkResolved(
		tempID, contractdb.StateRejected, chainhash.Hash{}, -1,
	)
	switch {
	case errors.Is(err, contractdb.ErrContractNotFound):

	case err != nil:
		return nil, err

	default:
		log.Infof("Rejected offer %x", tempID[:])
	}

	return &dlcwire.DLCReject{
		TempContractID: tempID,
		Reason:         reason,
	}, nil
}

// HandleReject processes a counterparty's rejection of our offer, marking
// the local record rejected and releasing it from negotiation.
func (m *Manager) HandleReject(msg *dlcwire.DLCReject) error {
	tempID := msg.TempContractID

	m.contractMtxs.Lock(tempID)
	defer m.contractMtxs.Unlock(tempID)

	err := m.cfg.DB.MarkResolved(
		tempID, contractdb.StateRejected, chainhash.Hash{}, -1,
	)
	if err != nil {
		return err
	}

	log.Infof("Offer %x rejected by counterparty: %s", tempID[:],
		msg.Reason)

	return nil
}

// ContractStatus returns the stored record of a funded contract.
func (m *Manager) ContractStatus(
	contractID dlcwire.ContractID) (*contractdb.Contract, error) {

	return m.cfg.DB.FetchContractByID(contractID)
}

// ContractStatusByTempID returns the stored record of a contract by its
// negotiation id, which exists from the moment the offer is persisted.
func (m *Manager) ContractStatusByTempID(
	tempID dlcwire.TempContractID) (*contractdb.Contract, error) {

	return m.cfg.DB.FetchContract(tempID)
}

// ListContracts returns every stored contract record.
func (m *Manager) ListContracts() ([]*contractdb.Contract, error) {
	return m.cfg.DB.FetchAllContracts()
}

// fetchConfirmed resolves a permanent contract id to its record and
// negotiation id. The state is re-checked under the contract mutex by the
// caller.
func (m *Manager) fetchConfirmed(
	contractID dlcwire.ContractID) (*contractdb.Contract,
	dlcwire.TempContractID, error) {

	c, err := m.cfg.DB.FetchContractByID(contractID)
	if err != nil {
		return nil, dlcwire.TempContractID{}, err
	}
	tempID, err := c.TempID()
	if err != nil {
		return nil, dlcwire.TempContractID{}, err
	}
	return c, tempID, nil
}

// fundingKeys returns our and the counterparty's funding keys based on
// which side of the negotiation we were on.
func (m *Manager) fundingKeys(c *contractdb.Contract) (*btcec.PublicKey,
	*btcec.PublicKey) {

	if c.Initiator {
		return c.Offer.FundingPubKey, c.Accept.FundingPubKey
	}
	return c.Accept.FundingPubKey, c.Offer.FundingPubKey
}

// startArbitrator launches a chain watcher for a freshly signed contract
// and registers it with the manager.
func (m *Manager) startArbitrator(tempID dlcwire.TempContractID,
	txns *txbuilder.ContractTransactions, outcomes []contract.Outcome,
	localSigs []*adaptor.Signature) error {

	heightHint, err := m.cfg.ChainIO.BestHeight()
	if err != nil {
		log.Warnf("Unable to query best height: %v", err)
	}

	arb := contractcourt.NewContractArbitrator(contractcourt.ArbitratorConfig{
		TempID:           tempID,
		DB:               m.cfg.DB,
		Notifier:         m.cfg.Notifier,
		Txns:             txns,
		Outcomes:         outcomes,
		LocalAdaptorSigs: localSigs,
		NumConfs:         m.cfg.NumConfs,
		HeightHint:       heightHint,
		OnResolution: func(state contractdb.State,
			event *contractcourt.SettlementEvent) {

			m.handleResolution(tempID, state, event)
		},
	})

	if err := arb.Start(); err != nil {
		return fmt.Errorf("starting arbitrator: %w", err)
	}

	m.arbMtx.Lock()
	m.arbitrators[tempID] = arb
	m.arbMtx.Unlock()

	return nil
}

// resumeArbitrator re-arms the chain watcher of a funded contract after a
// restart, regenerating the transactions and our adaptor signatures from
// the stored offer/accept pair.
func (m *Manager) resumeArbitrator(tempID dlcwire.TempContractID,
	c *contractdb.Contract) error {

	if c.Accept == nil {
		return fmt.Errorf("contract %x in state %v without accept",
			tempID[:], c.State)
	}

	outcomes, err := c.Offer.ContractInfo.OutcomeSet()
	if err != nil {
		return err
	}
	txns, err := txbuilder.BuildContractTransactions(
		c.Offer, c.Accept, outcomes,
	)
	if err != nil {
		return err
	}

	// Adaptor signing is deterministic, so the signatures we handed out
	// during negotiation are reproduced exactly.
	localKey, _ := m.fundingKeys(c)
	signer := txbuilder.NewPartySigner(m.cfg.Signer, localKey)
	localSigs, err := signer.CreateCETSignatures(txns, outcomes)
	if err != nil {
		return err
	}

	log.Infof("Resuming contract %x in state %v", tempID[:], c.State)

	return m.startArbitrator(tempID, txns, outcomes, localSigs)
}

// noteLocalBroadcast flags a settlement txid as locally broadcast with
// the contract's arbitrator so the resulting spend is classified as our
// claim.
func (m *Manager) noteLocalBroadcast(tempID dlcwire.TempContractID,
	txid chainhash.Hash) {

	m.arbMtx.Lock()
	arb, ok := m.arbitrators[tempID]
	m.arbMtx.Unlock()

	if !ok {
		log.Warnf("No arbitrator for contract %x, spend of %v will "+
			"classify as remote", tempID[:], txid)
		return
	}

	arb.NoteLocalBroadcast(txid)
}

// handleResolution runs when a contract reaches a terminal state through
// a confirmed spend of its funding output. The arbitrator has already
// persisted the final state; the manager only retires it.
func (m *Manager) handleResolution(tempID dlcwire.TempContractID,
	state contractdb.State, event *contractcourt.SettlementEvent) {

	log.Infof("Contract %x resolved as %v by tx %v", tempID[:], state,
		event.SpenderTxHash)

	m.arbMtx.Lock()
	arb, ok := m.arbitrators[tempID]
	delete(m.arbitrators, tempID)
	m.arbMtx.Unlock()

	if !ok {
		return
	}

	// The callback runs on the arbitrator's event loop, which Stop
	// waits on, so the arbitrator is retired from a fresh goroutine.
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		if err := arb.Stop(); err != nil {
			log.Warnf("Unable to stop arbitrator for %x: %v",
				tempID[:], err)
		}
	}()
}

// broadcastWithRetry publishes a transaction, retrying with doubling
// delays. Rejections can be transient: the backend may not have caught up
// to the funding confirmation yet.
func (m *Manager) broadcastWithRetry(tx *wire.MsgTx, label string) error {
	var err error
	delay := broadcastRetryDelay

	for attempt := 1; attempt <= defaultBroadcastAttempts; attempt++ {
		err = m.cfg.Broadcaster.Broadcast(tx, label)
		if err == nil {
			return nil
		}

		log.Warnf("Broadcast attempt %d of %v failed: %v", attempt,
			tx.TxHash(), err)

		if attempt == defaultBroadcastAttempts {
			break
		}

		select {
		case <-m.cfg.Clock.TickAfter(delay):
			delay *= 2

		case <-m.quit:
			return ErrManagerShuttingDown
		}
	}

	return fmt.Errorf("broadcasting %v: %w", tx.TxHash(), err)
}

// randomSerialIDs draws n distinct non-zero serial ids avoiding the used
// set, recording each draw in it.
func randomSerialIDs(used map[uint64]struct{}, n int) ([]uint64, error) {
	ids := make([]uint64, 0, n)
	for len(ids) < n {
		var b [8]byte
		if _, err := rand.Read(b[:]); err != nil {
			return nil, err
		}

		id := binary.BigEndian.Uint64(b[:])
		if id == 0 {
			continue
		}
		if _, ok := used[id]; ok {
			continue
		}

		used[id] = struct{}{}
		ids = append(ids, id)
	}

	return ids, nil
}
