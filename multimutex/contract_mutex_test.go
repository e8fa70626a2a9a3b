package multimutex

import (
	"sync"
	"testing"

	"github.com/dlcsuite/dlcd/dlcwire"
	"github.com/stretchr/testify/require"
)

// TestContractMutexSerialization checks that goroutines contending for
// the same contract id are fully serialized, while distinct ids do not
// block each other.
func TestContractMutexSerialization(t *testing.T) {
	t.Parallel()

	mtx := NewContractMutex()

	idA := dlcwire.TempContractID{0x01}
	idB := dlcwire.TempContractID{0x02}

	const workers = 32
	var countA, countB int

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		i := i

		wg.Add(1)
		go func() {
			defer wg.Done()

			// Each counter is unsynchronized except by its
			// contract mutex; the race detector flags any
			// serialization failure.
			if i%2 == 0 {
				mtx.Lock(idA)
				countA++
				mtx.Unlock(idA)
			} else {
				mtx.Lock(idB)
				countB++
				mtx.Unlock(idB)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, workers/2, countA)
	require.Equal(t, workers/2, countB)
}

func TestContractMutexDoubleUnlock(t *testing.T) {
	t.Parallel()

	mtx := NewContractMutex()
	id := dlcwire.TempContractID{0x03}

	mtx.Lock(id)
	mtx.Unlock(id)

	require.Panics(t, func() {
		mtx.Unlock(id)
	})
}
