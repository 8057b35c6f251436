package ledger

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisSequencers(t *testing.T, count int) ([]*RedisSequencer, *SimulatedBackend, *miniredis.Miniredis, common.Address) {
	mr := miniredis.RunT(t)
	account := common.HexToAddress("0x00000000000000000000000000000000000000b1")
	backend := NewSimulatedBackend(testChainID, testRegistry, clockwork.NewFakeClock())

	seqs := make([]*RedisSequencer, count)
	for i := range seqs {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		seqs[i] = NewRedisSequencer(client, backend, account, testLogger(t))
	}
	return seqs, backend, mr, account
}

func TestRedisSequencerAcrossInstances(t *testing.T) {
	seqs, backend, _, account := setupRedisSequencers(t, 3)
	backend.SetPendingNonce(account, 10)

	const perInstance = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	var got []uint64
	for _, seq := range seqs {
		for i := 0; i < perInstance; i++ {
			wg.Add(1)
			go func(seq *RedisSequencer) {
				defer wg.Done()
				nonce, err := seq.Allocate(context.Background())
				if err != nil {
					t.Errorf("Allocate failed: %v", err)
					return
				}
				mu.Lock()
				got = append(got, nonce)
				mu.Unlock()
			}(seq)
		}
	}
	wg.Wait()

	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	require.Len(t, got, len(seqs)*perInstance)
	for i, nonce := range got {
		assert.Equal(t, uint64(10+i), nonce)
	}
}

func TestRedisSequencerSkipsAheadOfNetwork(t *testing.T) {
	seqs, backend, _, account := setupRedisSequencers(t, 1)
	seq := seqs[0]

	nonce, err := seq.Allocate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), nonce)

	// Another signer using the same identity moved the network ahead.
	backend.SetPendingNonce(account, 25)
	nonce, err = seq.Allocate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(25), nonce)

	nonce, err = seq.Allocate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(26), nonce)
}

func TestRedisSequencerLockHeld(t *testing.T) {
	seqs, _, mr, _ := setupRedisSequencers(t, 1)
	seq := seqs[0]
	seq.lockWait = 50 * time.Millisecond

	require.NoError(t, mr.Set(seq.lockKey(), "someone-else"))
	_, err := seq.Allocate(context.Background())
	assert.Error(t, err)

	// The foreign lock is left untouched.
	val, err := mr.Get(seq.lockKey())
	require.NoError(t, err)
	assert.Equal(t, "someone-else", val)

	mr.Del(seq.lockKey())
	_, err = seq.Allocate(context.Background())
	assert.NoError(t, err)
	assert.False(t, mr.Exists(seq.lockKey()), "lock should be released after allocation")
}
