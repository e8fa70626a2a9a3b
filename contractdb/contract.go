package contractdb

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/dlcsuite/dlcd/adaptor"
	"github.com/dlcsuite/dlcd/dlcwire"
	"github.com/lightningnetwork/lnd/kvdb"
)

var (
	// contractStateKey holds the fixed-size state record of a contract.
	contractStateKey = []byte("contract-state")

	// contractOfferKey holds the serialized offer message.
	contractOfferKey = []byte("contract-offer")

	// contractAcceptKey holds the serialized accept message, with its
	// signature fields stripped.
	contractAcceptKey = []byte("contract-accept")

	// contractSigsKey holds the counterparty's CET adaptor signatures
	// and refund signature. Deleted when the contract resolves.
	contractSigsKey = []byte("contract-sigs")
)

// outcomeUnknown is the stored sentinel for a contract whose attested
// outcome has not been determined.
const outcomeUnknown = ^uint32(0)

// Contract is the full persisted record of one contract.
type Contract struct {
	// State is the contract's position in the negotiation and
	// resolution state machine.
	State State

	// Initiator is true when the local party made the offer.
	Initiator bool

	// Offer is the offer message that opened the negotiation.
	Offer *dlcwire.DLCOffer

	// Accept is the accept message, nil until StateAccepted. Its
	// signature fields are persisted under a separate key so
	// resolution can purge them, and are cleared here.
	Accept *dlcwire.DLCAccept

	// ContractID is the permanent contract id, zero until the funding
	// transaction is derived at signing time.
	ContractID dlcwire.ContractID

	// FundingTxid is the funding transaction id, zero until signing.
	FundingTxid chainhash.Hash

	// RemoteCETSignatures are the counterparty's adaptor signatures in
	// outcome order. Purged once the contract resolves.
	RemoteCETSignatures []*adaptor.Signature

	// RemoteRefundSignature is the counterparty's refund signature.
	// Purged once the contract resolves.
	RemoteRefundSignature dlcwire.Sig

	// BroadcastHeight is the best height when the funding transaction
	// was broadcast, zero before then.
	BroadcastHeight uint32

	// ConfirmedHeight is the height the funding transaction confirmed
	// at, zero before then.
	ConfirmedHeight uint32

	// AttestedOutcome is the index of the settled outcome within the
	// contract's outcome set, or -1 while unknown.
	AttestedOutcome int32

	// ResolutionTxid is the transaction that spent the funding output,
	// zero until the contract resolves.
	ResolutionTxid chainhash.Hash
}

// TempID returns the temporary contract id keying this record.
func (c *Contract) TempID() (dlcwire.TempContractID, error) {
	return c.Offer.TempContractID()
}

// serializeStateRecord packs the fixed-size portion of the record.
func serializeStateRecord(c *Contract) []byte {
	record := make([]byte, 0, 110)

	record = append(record, byte(c.State))

	var flags byte
	if c.Initiator {
		flags |= 1
	}
	record = append(record, flags)

	record = append(record, c.ContractID[:]...)
	record = append(record, c.FundingTxid[:]...)

	var scratch [12]byte
	byteOrder.PutUint32(scratch[0:4], c.BroadcastHeight)
	byteOrder.PutUint32(scratch[4:8], c.ConfirmedHeight)

	outcome := outcomeUnknown
	if c.AttestedOutcome >= 0 {
		outcome = uint32(c.AttestedOutcome)
	}
	byteOrder.PutUint32(scratch[8:12], outcome)
	record = append(record, scratch[:]...)

	return append(record, c.ResolutionTxid[:]...)
}

func deserializeStateRecord(c *Contract, record []byte) error {
	if len(record) != 110 {
		return fmt.Errorf("bad state record size %d", len(record))
	}

	c.State = State(record[0])
	c.Initiator = record[1]&1 != 0

	copy(c.ContractID[:], record[2:34])
	copy(c.FundingTxid[:], record[34:66])

	c.BroadcastHeight = byteOrder.Uint32(record[66:70])
	c.ConfirmedHeight = byteOrder.Uint32(record[70:74])

	outcome := byteOrder.Uint32(record[74:78])
	if outcome == outcomeUnknown {
		c.AttestedOutcome = -1
	} else {
		c.AttestedOutcome = int32(outcome)
	}

	copy(c.ResolutionTxid[:], record[78:110])

	return nil
}

// putContract writes the full record into the contract's sub-bucket.
func putContract(bucket kvdb.RwBucket, c *Contract) error {
	if err := bucket.Put(
		contractStateKey, serializeStateRecord(c),
	); err != nil {
		return err
	}

	var offerBuf bytes.Buffer
	if err := c.Offer.Encode(&offerBuf, 0); err != nil {
		return err
	}
	if err := bucket.Put(
		contractOfferKey, offerBuf.Bytes(),
	); err != nil {
		return err
	}

	if c.Accept != nil {
		// Strip the signature fields from the persisted message so
		// MarkResolved only has one key to purge.
		stripped := *c.Accept
		stripped.CETSignatures = nil
		stripped.RefundSignature = nil

		var acceptBuf bytes.Buffer
		if err := stripped.Encode(&acceptBuf, 0); err != nil {
			return err
		}
		if err := bucket.Put(
			contractAcceptKey, acceptBuf.Bytes(),
		); err != nil {
			return err
		}
	}

	if len(c.RemoteCETSignatures) == 0 &&
		len(c.RemoteRefundSignature) == 0 {

		return nil
	}

	var sigsBuf bytes.Buffer
	err := dlcwire.WriteElements(
		&sigsBuf, c.RemoteCETSignatures, c.RemoteRefundSignature,
	)
	if err != nil {
		return err
	}
	return bucket.Put(contractSigsKey, sigsBuf.Bytes())
}

// fetchContract reads the full record from the contract's sub-bucket.
func fetchContract(bucket kvdb.RBucket) (*Contract, error) {
	c := &Contract{}

	stateBytes := bucket.Get(contractStateKey)
	if stateBytes == nil {
		return nil, ErrContractNotFound
	}
	if err := deserializeStateRecord(c, stateBytes); err != nil {
		return nil, err
	}

	offerBytes := bucket.Get(contractOfferKey)
	if offerBytes == nil {
		return nil, fmt.Errorf("contract record missing offer")
	}
	c.Offer = &dlcwire.DLCOffer{}
	if err := c.Offer.Decode(
		bytes.NewReader(offerBytes), 0,
	); err != nil {
		return nil, err
	}

	if acceptBytes := bucket.Get(contractAcceptKey); acceptBytes != nil {
		c.Accept = &dlcwire.DLCAccept{}
		if err := c.Accept.Decode(
			bytes.NewReader(acceptBytes), 0,
		); err != nil {
			return nil, err
		}
	}

	if sigBytes := bucket.Get(contractSigsKey); sigBytes != nil {
		err := dlcwire.ReadElements(
			bytes.NewReader(sigBytes),
			&c.RemoteCETSignatures, &c.RemoteRefundSignature,
		)
		if err != nil {
			return nil, err
		}
	}

	return c, nil
}

// CreateContract stores a new contract record keyed by its temporary
// contract id. The record must be in a fresh negotiation state.
func (d *DB) CreateContract(c *Contract) error {
	tempID, err := c.TempID()
	if err != nil {
		return err
	}

	return kvdb.Update(d.backend, func(tx kvdb.RwTx) error {
		contracts := tx.ReadWriteBucket(contractBucket)

		if contracts.NestedReadBucket(tempID[:]) != nil {
			return ErrContractExists
		}

		bucket, err := contracts.CreateBucket(tempID[:])
		if err != nil {
			return err
		}

		return putContract(bucket, c)
	}, func() {})
}

// UpdateContract applies update to the stored contract in a single
// transaction. Any state change made by update is checked against the
// state machine, and a non-zero contract id set by update is recorded in
// the contract id index.
func (d *DB) UpdateContract(tempID dlcwire.TempContractID,
	update func(*Contract) error) error {

	return kvdb.Update(d.backend, func(tx kvdb.RwTx) error {
		contracts := tx.ReadWriteBucket(contractBucket)

		bucket := contracts.NestedReadWriteBucket(tempID[:])
		if bucket == nil {
			return ErrContractNotFound
		}

		c, err := fetchContract(bucket)
		if err != nil {
			return err
		}

		prevState := c.State
		prevContractID := c.ContractID

		if err := update(c); err != nil {
			return err
		}

		if !prevState.CanTransitionTo(c.State) {
			return fmt.Errorf("%w: %v -> %v",
				ErrIllegalTransition, prevState, c.State)
		}

		var zeroID dlcwire.ContractID
		if c.ContractID != prevContractID && c.ContractID != zeroID {
			index := tx.ReadWriteBucket(contractIndexBucket)
			err := index.Put(c.ContractID[:], tempID[:])
			if err != nil {
				return err
			}
		}

		return putContract(bucket, c)
	}, func() {})
}

// FetchContract returns the contract keyed by the temporary contract id.
func (d *DB) FetchContract(
	tempID dlcwire.TempContractID) (*Contract, error) {

	var c *Contract
	err := kvdb.View(d.backend, func(tx kvdb.RTx) error {
		contracts := tx.ReadBucket(contractBucket)
		if contracts == nil {
			return ErrContractNotFound
		}

		bucket := contracts.NestedReadBucket(tempID[:])
		if bucket == nil {
			return ErrContractNotFound
		}

		var err error
		c, err = fetchContract(bucket)
		return err
	}, func() {
		c = nil
	})

	return c, err
}

// FetchContractByID returns the contract keyed by its permanent contract
// id, available once the contract reached StateSigned.
func (d *DB) FetchContractByID(
	id dlcwire.ContractID) (*Contract, error) {

	var c *Contract
	err := kvdb.View(d.backend, func(tx kvdb.RTx) error {
		index := tx.ReadBucket(contractIndexBucket)
		if index == nil {
			return ErrContractNotFound
		}

		tempID := index.Get(id[:])
		if tempID == nil {
			return ErrContractNotFound
		}

		bucket := tx.ReadBucket(contractBucket).NestedReadBucket(
			tempID,
		)
		if bucket == nil {
			return ErrContractNotFound
		}

		var err error
		c, err = fetchContract(bucket)
		return err
	}, func() {
		c = nil
	})

	return c, err
}

// FetchAllContracts returns every stored contract. Used on restart to
// resume watching unresolved contracts.
func (d *DB) FetchAllContracts() ([]*Contract, error) {
	var contractList []*Contract
	err := kvdb.View(d.backend, func(tx kvdb.RTx) error {
		contracts := tx.ReadBucket(contractBucket)
		if contracts == nil {
			return nil
		}

		return contracts.ForEach(func(k, v []byte) error {
			// Values are nested buckets only.
			if v != nil {
				return nil
			}

			c, err := fetchContract(
				contracts.NestedReadBucket(k),
			)
			if err != nil {
				return err
			}

			contractList = append(contractList, c)
			return nil
		})
	}, func() {
		contractList = nil
	})

	return contractList, err
}

// MarkResolved moves the contract into a terminal state, records the
// resolving transaction and purges the counterparty's stored signatures,
// which have no further use once the funding output is spent.
func (d *DB) MarkResolved(tempID dlcwire.TempContractID, finalState State,
	resolutionTxid chainhash.Hash, attestedOutcome int32) error {

	if !finalState.IsTerminal() {
		return fmt.Errorf("%w: %v is not terminal",
			ErrIllegalTransition, finalState)
	}

	return kvdb.Update(d.backend, func(tx kvdb.RwTx) error {
		contracts := tx.ReadWriteBucket(contractBucket)

		bucket := contracts.NestedReadWriteBucket(tempID[:])
		if bucket == nil {
			return ErrContractNotFound
		}

		c, err := fetchContract(bucket)
		if err != nil {
			return err
		}

		if !c.State.CanTransitionTo(finalState) {
			return fmt.Errorf("%w: %v -> %v",
				ErrIllegalTransition, c.State, finalState)
		}

		c.State = finalState
		c.ResolutionTxid = resolutionTxid
		c.AttestedOutcome = attestedOutcome
		c.RemoteCETSignatures = nil
		c.RemoteRefundSignature = nil

		if err := bucket.Delete(contractSigsKey); err != nil {
			return err
		}

		return putContract(bucket, c)
	}, func() {})
}
