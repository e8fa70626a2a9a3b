package multimutex

import (
	"fmt"
	"sync"

	"github.com/dlcsuite/dlcd/dlcwire"
)

// cntMutex is a mutex with a reference count, tracking how many
// goroutines hold or wait for it.
type cntMutex struct {
	cnt int
	sync.Mutex
}

// ContractMutex keeps track of a set of mutexes keyed by temporary
// contract id. State transitions on different contracts proceed in
// parallel while transitions on the same contract are serialized.
type ContractMutex struct {
	// mutexes is a map of contract ids to a cntMutex. The cntMutex for
	// a given contract will hold the mutex to be used by all callers
	// requesting access for the contract, in addition to the count of
	// callers.
	mutexes map[dlcwire.TempContractID]*cntMutex

	// mapMtx is used to give synchronize concurrent access to the
	// mutexes map.
	mapMtx sync.Mutex
}

// NewContractMutex creates a new ContractMutex.
func NewContractMutex() *ContractMutex {
	return &ContractMutex{
		mutexes: make(map[dlcwire.TempContractID]*cntMutex),
	}
}

// Lock locks the mutex by the given contract id. If the mutex is already
// locked by this id, Lock blocks until the mutex is available.
func (c *ContractMutex) Lock(id dlcwire.TempContractID) {
	c.mapMtx.Lock()
	mtx, ok := c.mutexes[id]
	if ok {
		// If the mutex already existed in the map, we increment its
		// counter, to indicate that there now is one more goroutine
		// waiting for it.
		mtx.cnt++
	} else {
		// If it was not in the map, it means no other goroutine has
		// locked the mutex for this contract, and we can create a
		// new mutex with count 1 and add it to the map.
		mtx = &cntMutex{
			cnt: 1,
		}
		c.mutexes[id] = mtx
	}
	c.mapMtx.Unlock()

	// Acquire the mutex for this contract.
	mtx.Lock()
}

// Unlock unlocks the mutex by the given contract id. It is a run-time
// error if the mutex is not locked by the id on entry to Unlock.
func (c *ContractMutex) Unlock(id dlcwire.TempContractID) {
	// Since we are done with all the work for this update, we update
	// the map to reflect that.
	c.mapMtx.Lock()

	mtx, ok := c.mutexes[id]
	if !ok {
		// The mutex not existing in the map means an unlock for a
		// contract not currently locked was attempted.
		panic(fmt.Sprintf("double unlock for contract %x", id[:]))
	}

	// Decrement the counter. If the count goes to zero, it means this
	// caller was the last one to wait for the mutex, and we can delete
	// it from the map. We can do this safely since we are under the
	// mapMtx, meaning that all other goroutines waiting for the mutex
	// already have incremented it, or will create a new mutex when
	// they get the mapMtx.
	mtx.cnt--
	if mtx.cnt == 0 {
		delete(c.mutexes, id)
	}
	c.mapMtx.Unlock()

	// Unlock the mutex for this contract.
	mtx.Unlock()
}
