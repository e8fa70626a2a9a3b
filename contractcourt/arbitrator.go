package contractcourt

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/dlcsuite/dlcd/adaptor"
	"github.com/dlcsuite/dlcd/contract"
	"github.com/dlcsuite/dlcd/contractdb"
	"github.com/dlcsuite/dlcd/dlcwire"
	"github.com/dlcsuite/dlcd/txbuilder"
)

// ArbitratorConfig bundles the collaborators and contract material of one
// ContractArbitrator.
type ArbitratorConfig struct {
	// TempID keys the contract's database record.
	TempID dlcwire.TempContractID

	// DB persists every state transition before any side effect runs.
	DB *contractdb.DB

	// Notifier delivers chain events.
	Notifier ChainNotifier

	// Txns are the contract's derived transactions.
	Txns *txbuilder.ContractTransactions

	// Outcomes is the contract's outcome set.
	Outcomes []contract.Outcome

	// LocalAdaptorSigs are the adaptor signatures the local party
	// handed to the counterparty, in outcome order.
	LocalAdaptorSigs []*adaptor.Signature

	// NumConfs is the confirmation depth required of the funding
	// transaction.
	NumConfs uint32

	// HeightHint is the earliest height the funding transaction could
	// have confirmed at.
	HeightHint uint32

	// OnResolution, if set, is invoked after a terminal state has been
	// persisted.
	OnResolution func(state contractdb.State, event *SettlementEvent)
}

// ContractArbitrator is the single event loop of one funded contract.
// Chain events from the watcher and protocol-level notes from the
// manager funnel into it, and it alone advances the persisted state
// machine past broadcast. Terminal states absorb all further events.
type ContractArbitrator struct {
	started int32 // To be used atomically.
	stopped int32 // To be used atomically.

	cfg ArbitratorConfig

	watcher *chainWatcher

	// localBroadcasts is the set of settlement txids the local party
	// published, used to tell Claimed from RemoteClaimed.
	localBroadcasts map[chainhash.Hash]struct{}
	broadcastMtx    sync.Mutex

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewContractArbitrator creates an arbitrator and its chain watcher for
// a fully signed contract.
func NewContractArbitrator(cfg ArbitratorConfig) *ContractArbitrator {
	cetTxids := make(map[chainhash.Hash]int, len(cfg.Txns.CETs))
	for i, cet := range cfg.Txns.CETs {
		cetTxids[cet.TxHash()] = i
	}

	watcher := newChainWatcher(chainWatcherConfig{
		contractPoint:    cfg.Txns.FundingOutPoint(),
		fundingPkScript:  cfg.Txns.FundingOutput().PkScript,
		numConfs:         cfg.NumConfs,
		heightHint:       cfg.HeightHint,
		notifier:         cfg.Notifier,
		cetTxids:         cetTxids,
		refundTxid:       cfg.Txns.RefundTx.TxHash(),
		localAdaptorSigs: cfg.LocalAdaptorSigs,
		outcomes:         cfg.Outcomes,
	})

	return &ContractArbitrator{
		cfg:             cfg,
		watcher:         watcher,
		localBroadcasts: make(map[chainhash.Hash]struct{}),
		quit:            make(chan struct{}),
	}
}

// Start launches the chain watcher and the arbitrator's event loop.
func (a *ContractArbitrator) Start() error {
	if !atomic.CompareAndSwapInt32(&a.started, 0, 1) {
		return nil
	}

	log.Infof("Starting arbitrator for contract %x", a.cfg.TempID[:])

	sub := a.watcher.SubscribeChainEvents()
	if err := a.watcher.Start(); err != nil {
		sub.Cancel()
		return err
	}

	a.wg.Add(1)
	go a.eventLoop(sub)

	return nil
}

// Stop shuts down the event loop and the chain watcher.
func (a *ContractArbitrator) Stop() error {
	if !atomic.CompareAndSwapInt32(&a.stopped, 0, 1) {
		return nil
	}

	close(a.quit)
	a.wg.Wait()

	return a.watcher.Stop()
}

// NoteLocalBroadcast records that the local party published the given
// settlement transaction, so its confirmation is classified as a local
// claim rather than a remote one.
func (a *ContractArbitrator) NoteLocalBroadcast(txid chainhash.Hash) {
	a.broadcastMtx.Lock()
	defer a.broadcastMtx.Unlock()
	a.localBroadcasts[txid] = struct{}{}
}

// eventLoop is the single serialization point for this contract's chain
// events.
func (a *ContractArbitrator) eventLoop(sub *ChainEventSubscription) {
	defer a.wg.Done()
	defer sub.Cancel()

	for {
		select {
		case event := <-sub.FundingConfirmed:
			if err := a.markConfirmed(event); err != nil {
				log.Errorf("Contract %x: unable to mark "+
					"confirmed: %v", a.cfg.TempID[:], err)
			}

		case event := <-sub.Settlement:
			if err := a.markResolved(event); err != nil {
				log.Errorf("Contract %x: unable to mark "+
					"resolved: %v", a.cfg.TempID[:], err)
			}

			// The funding output can only be spent once, so the
			// contract is final either way.
			return

		case <-a.quit:
			return
		}
	}
}

// markConfirmed persists the Broadcast->Confirmed transition. A contract
// restored after its funding confirmation re-delivers the event, which
// the idempotent self transition absorbs.
func (a *ContractArbitrator) markConfirmed(
	event *FundingConfirmedEvent) error {

	// A contract still in Signed learns of the funding broadcast from
	// the confirmation itself: the counterparty published the funding
	// transaction.
	err := a.cfg.DB.UpdateContract(
		a.cfg.TempID, func(c *contractdb.Contract) error {
			if c.State == contractdb.StateSigned {
				c.State = contractdb.StateBroadcast
				c.BroadcastHeight = event.BlockHeight
			}
			return nil
		},
	)
	if err != nil {
		return err
	}

	return a.cfg.DB.UpdateContract(
		a.cfg.TempID, func(c *contractdb.Contract) error {
			if c.State.IsTerminal() {
				return nil
			}

			c.State = contractdb.StateConfirmed
			c.ConfirmedHeight = event.BlockHeight
			return nil
		},
	)
}

// markResolved persists the terminal transition matching the observed
// settlement, then hands the event to the resolution callback.
func (a *ContractArbitrator) markResolved(event *SettlementEvent) error {
	var finalState contractdb.State
	switch event.Type {
	case SettlementRefund:
		finalState = contractdb.StateRefunded

	case SettlementCET:
		a.broadcastMtx.Lock()
		_, local := a.localBroadcasts[event.SpenderTxHash]
		a.broadcastMtx.Unlock()

		if local {
			finalState = contractdb.StateClaimed
		} else {
			finalState = contractdb.StateRemoteClaimed
		}

	default:
		return errors.New("funding output spent by unknown tx")
	}

	outcomeIdx := int32(-1)
	if event.OutcomeIndex >= 0 {
		outcomeIdx = int32(event.OutcomeIndex)
	}

	err := a.cfg.DB.MarkResolved(
		a.cfg.TempID, finalState, event.SpenderTxHash, outcomeIdx,
	)
	if err != nil {
		return err
	}

	log.Infof("Contract %x resolved: %v via %v", a.cfg.TempID[:],
		finalState, event.SpenderTxHash)

	if a.cfg.OnResolution != nil {
		a.cfg.OnResolution(finalState, event)
	}

	return nil
}
