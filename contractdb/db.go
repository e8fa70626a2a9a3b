// Package contractdb persists contract negotiation and resolution state
// in a kvdb backed store. Every mutation runs in a single database
// transaction, so a contract record is never observable in a partially
// updated form.
package contractdb

import (
	"encoding/binary"
	"errors"

	"github.com/lightningnetwork/lnd/kvdb"
)

var (
	// contractBucket is the top level bucket holding one sub-bucket per
	// contract, keyed by temporary contract id.
	contractBucket = []byte("contract-bucket")

	// contractIndexBucket maps a permanent contract id to the
	// temporary contract id keying its record. Populated once the
	// funding transaction is known.
	contractIndexBucket = []byte("contract-id-index")

	// Big endian is the preferred byte order, due to cursor scans over
	// integer keys iterating in order.
	byteOrder = binary.BigEndian
)

var (
	// ErrContractNotFound is returned when no contract with the given
	// id exists in the store.
	ErrContractNotFound = errors.New("contract not found")

	// ErrContractExists is returned when creating a contract whose
	// temporary id is already present.
	ErrContractExists = errors.New("contract already exists")

	// ErrIllegalTransition is returned when an update attempts a state
	// transition the contract state machine does not allow.
	ErrIllegalTransition = errors.New("illegal state transition")
)

// DB is the primary store for contract state. It does not own the
// backend; callers close it.
type DB struct {
	backend kvdb.Backend
}

// Open initializes the contract store on the given backend, creating the
// top level buckets when absent.
func Open(backend kvdb.Backend) (*DB, error) {
	err := kvdb.Update(backend, func(tx kvdb.RwTx) error {
		if _, err := tx.CreateTopLevelBucket(contractBucket); err != nil {
			return err
		}

		_, err := tx.CreateTopLevelBucket(contractIndexBucket)
		return err
	}, func() {})
	if err != nil {
		return nil, err
	}

	return &DB{backend: backend}, nil
}

// Wipe deletes all contract state in a single transaction.
func (d *DB) Wipe() error {
	return kvdb.Update(d.backend, func(tx kvdb.RwTx) error {
		err := tx.DeleteTopLevelBucket(contractBucket)
		if err != nil && !errors.Is(err, kvdb.ErrBucketNotFound) {
			return err
		}

		err = tx.DeleteTopLevelBucket(contractIndexBucket)
		if err != nil && !errors.Is(err, kvdb.ErrBucketNotFound) {
			return err
		}

		return nil
	}, func() {})
}
