package contractcourt

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/dlcsuite/dlcd/adaptor"
	"github.com/dlcsuite/dlcd/contract"
)

// SettlementType classifies the transaction that spent the funding
// output.
type SettlementType uint8

const (
	// SettlementCET means a contract execution transaction settled the
	// contract.
	SettlementCET SettlementType = iota

	// SettlementRefund means the refund transaction settled the
	// contract after the refund timeout.
	SettlementRefund

	// SettlementUnknown means the spending transaction matches neither
	// a derived CET nor the refund transaction. With a 2-of-2 funding
	// output this indicates local data corruption.
	SettlementUnknown
)

// String returns a human readable settlement type.
func (s SettlementType) String() string {
	switch s {
	case SettlementCET:
		return "CET"
	case SettlementRefund:
		return "Refund"
	case SettlementUnknown:
		return "Unknown"
	default:
		return fmt.Sprintf("SettlementType(%d)", uint8(s))
	}
}

// FundingConfirmedEvent is dispatched once the funding transaction
// reaches its required confirmation depth.
type FundingConfirmedEvent struct {
	// BlockHeight is the confirmation height.
	BlockHeight uint32
}

// SettlementEvent is dispatched once a spend of the funding output
// confirms.
type SettlementEvent struct {
	// Type classifies the settlement.
	Type SettlementType

	// SpenderTxHash is the txid of the settling transaction.
	SpenderTxHash chainhash.Hash

	// SpendingTx is the settling transaction.
	SpendingTx *wire.MsgTx

	// SpendHeight is the height the settlement confirmed at.
	SpendHeight uint32

	// OutcomeIndex is the settled outcome's index within the outcome
	// set for CET settlements, or -1 when it could not be determined.
	OutcomeIndex int

	// Secret is the oracle secret recovered from the broadcast
	// witness, nil when OutcomeIndex is -1 or the settlement is a
	// refund.
	Secret *btcec.ModNScalar
}

// ChainEventSubscription is a client subscription to the chain events of
// one contract.
type ChainEventSubscription struct {
	// ContractPoint is the funding outpoint being watched.
	ContractPoint wire.OutPoint

	// FundingConfirmed fires once the funding transaction confirms.
	FundingConfirmed chan *FundingConfirmedEvent

	// Settlement fires once a spend of the funding output confirms.
	Settlement chan *SettlementEvent

	// Cancel cancels the subscription. Must be called once the client
	// no longer needs the event stream.
	Cancel func()
}

// chainWatcherConfig bundles everything a chainWatcher needs to follow
// one contract on chain.
type chainWatcherConfig struct {
	// contractPoint is the funding outpoint of the contract.
	contractPoint wire.OutPoint

	// fundingPkScript is the P2WSH script of the funding output.
	fundingPkScript []byte

	// numConfs is the confirmation depth required of the funding
	// transaction.
	numConfs uint32

	// heightHint is the earliest height the funding transaction could
	// have confirmed at.
	heightHint uint32

	// notifier delivers confirmation and spend notifications.
	notifier ChainNotifier

	// cetTxids maps each derived CET txid to its outcome index.
	cetTxids map[chainhash.Hash]int

	// refundTxid is the txid of the derived refund transaction.
	refundTxid chainhash.Hash

	// localAdaptorSigs are the adaptor signatures the local party
	// created and handed to the counterparty, in outcome order. Used
	// to recover the oracle secret from a counterparty broadcast.
	localAdaptorSigs []*adaptor.Signature

	// outcomes is the contract's outcome set.
	outcomes []contract.Outcome
}

// chainWatcher observes one contract's funding output: first its
// confirmation, then its eventual spend, classifying the spend and
// dispatching typed events to all subscribers.
type chainWatcher struct {
	started int32 // To be used atomically.
	stopped int32 // To be used atomically.

	quit chan struct{}
	wg   sync.WaitGroup

	cfg chainWatcherConfig

	// All the fields below are protected by this mutex.
	sync.Mutex

	// clientID is an ephemeral counter used to keep track of each
	// individual client subscription.
	clientID uint64

	// clientSubscriptions is the set of active client subscriptions.
	clientSubscriptions map[uint64]*ChainEventSubscription
}

// newChainWatcher returns a chainWatcher for the contract described by
// the config.
func newChainWatcher(cfg chainWatcherConfig) *chainWatcher {
	return &chainWatcher{
		cfg:                 cfg,
		quit:                make(chan struct{}),
		clientSubscriptions: make(map[uint64]*ChainEventSubscription),
	}
}

// Start launches the watcher goroutine.
func (c *chainWatcher) Start() error {
	if !atomic.CompareAndSwapInt32(&c.started, 0, 1) {
		return nil
	}

	log.Debugf("Starting chain watcher for ContractPoint(%v)",
		c.cfg.contractPoint)

	confNtfn, err := c.cfg.notifier.RegisterConfirmationsNtfn(
		&c.cfg.contractPoint.Hash, c.cfg.fundingPkScript,
		c.cfg.numConfs, c.cfg.heightHint,
	)
	if err != nil {
		return err
	}

	c.wg.Add(1)
	go c.contractObserver(confNtfn)

	return nil
}

// Stop signals the watcher goroutine to exit and waits for it.
func (c *chainWatcher) Stop() error {
	if !atomic.CompareAndSwapInt32(&c.stopped, 0, 1) {
		return nil
	}

	close(c.quit)
	c.wg.Wait()

	return nil
}

// SubscribeChainEvents returns an event subscription for the contract.
func (c *chainWatcher) SubscribeChainEvents() *ChainEventSubscription {
	c.Lock()
	defer c.Unlock()

	clientID := c.clientID
	c.clientID++

	sub := &ChainEventSubscription{
		ContractPoint:    c.cfg.contractPoint,
		FundingConfirmed: make(chan *FundingConfirmedEvent, 1),
		Settlement:       make(chan *SettlementEvent, 1),
		Cancel: func() {
			c.Lock()
			delete(c.clientSubscriptions, clientID)
			c.Unlock()
		},
	}
	c.clientSubscriptions[clientID] = sub

	return sub
}

// contractObserver waits for the funding confirmation, then for the
// spend of the funding output, dispatching events as they arrive.
func (c *chainWatcher) contractObserver(confNtfn *ConfirmationEvent) {
	defer c.wg.Done()
	defer confNtfn.Cancel()

	select {
	case conf, ok := <-confNtfn.Confirmed:
		if !ok {
			return
		}

		log.Infof("Funding tx for ContractPoint(%v) confirmed at "+
			"height %d", c.cfg.contractPoint, conf.BlockHeight)

		c.dispatchFundingConfirmed(conf.BlockHeight)

	case <-c.quit:
		return
	}

	spendNtfn, err := c.cfg.notifier.RegisterSpendNtfn(
		&c.cfg.contractPoint, c.cfg.fundingPkScript,
		c.cfg.heightHint,
	)
	if err != nil {
		log.Errorf("Unable to register for spend of "+
			"ContractPoint(%v): %v", c.cfg.contractPoint, err)
		return
	}
	defer spendNtfn.Cancel()

	select {
	case spend, ok := <-spendNtfn.Spend:
		if !ok {
			return
		}

		c.dispatchSettlement(spend)

	case <-c.quit:
	}
}

// dispatchFundingConfirmed fans the confirmation event out to all
// subscribers.
func (c *chainWatcher) dispatchFundingConfirmed(height uint32) {
	event := &FundingConfirmedEvent{BlockHeight: height}

	c.Lock()
	defer c.Unlock()
	for _, sub := range c.clientSubscriptions {
		select {
		case sub.FundingConfirmed <- event:
		case <-c.quit:
			return
		}
	}
}

// dispatchSettlement classifies the spend of the funding output and fans
// the settlement event out to all subscribers.
func (c *chainWatcher) dispatchSettlement(spend *SpendDetail) {
	event := &SettlementEvent{
		SpenderTxHash: *spend.SpenderTxHash,
		SpendingTx:    spend.SpendingTx,
		SpendHeight:   spend.SpendingHeight,
		OutcomeIndex:  -1,
	}

	switch {
	case *spend.SpenderTxHash == c.cfg.refundTxid:
		event.Type = SettlementRefund

	default:
		outcomeIdx, ok := c.cfg.cetTxids[*spend.SpenderTxHash]
		if !ok {
			log.Errorf("ContractPoint(%v) spent by unknown tx "+
				"%v: %v", c.cfg.contractPoint,
				spend.SpenderTxHash,
				newLogClosure(func() string {
					return spew.Sdump(spend.SpendingTx)
				}))
			event.Type = SettlementUnknown
			break
		}

		event.Type = SettlementCET
		event.OutcomeIndex = outcomeIdx

		// The broadcast witness embeds the completion of an adaptor
		// signature we handed out, so the oracle secret is
		// recoverable even though we never saw the attestation.
		idx, secret, err := ExtractOutcomeFromCET(
			spend.SpendingTx, c.cfg.localAdaptorSigs,
			c.cfg.outcomes,
		)
		switch {
		case err != nil:
			log.Warnf("ContractPoint(%v): unable to extract "+
				"outcome secret from settlement witness: %v",
				c.cfg.contractPoint, err)

		case idx != outcomeIdx:
			log.Errorf("ContractPoint(%v): witness secret "+
				"matches outcome %d but txid matches "+
				"outcome %d", c.cfg.contractPoint, idx,
				outcomeIdx)

		default:
			event.Secret = secret
		}
	}

	log.Infof("ContractPoint(%v) settled by %v (%v) at height %d",
		c.cfg.contractPoint, spend.SpenderTxHash, event.Type,
		spend.SpendingHeight)

	c.Lock()
	defer c.Unlock()
	for _, sub := range c.clientSubscriptions {
		select {
		case sub.Settlement <- event:
		case <-c.quit:
			return
		}
	}
}
