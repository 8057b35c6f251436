package ledger

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Sequencer hands out the signing identity's transaction nonces.
type Sequencer interface {
	Allocate(ctx context.Context) (uint64, error)
}

// NonceSource reports the next pending nonce of an account, as seen by the network.
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceSequencer is the in-process sequencer: one mutex-protected counter per signing identity.
// The counter is lazily seeded from the network's pending nonce on the first allocation and
// lives until the process exits. Nonces allocated to writes that are never broadcast are skipped.
type NonceSequencer struct {
	source  NonceSource
	account common.Address
	logger  *zap.Logger

	lock        sync.Mutex
	initialized bool
	next        uint64
}

func NewNonceSequencer(source NonceSource, account common.Address, logger *zap.Logger) *NonceSequencer {
	return &NonceSequencer{
		source:  source,
		account: account,
		logger:  logger,
	}
}

// Allocate returns the next unused nonce.
// It only fails if the seeding query fails, in which case the next call retries the seeding.
func (s *NonceSequencer) Allocate(ctx context.Context) (uint64, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	// The network is queried under the lock, once, so no two callers seed the counter.
	if !s.initialized {
		pending, err := s.source.PendingNonceAt(ctx, s.account)
		if err != nil {
			s.logger.Warn("Failed to seed nonce sequencer",
				zap.String("account", s.account.Hex()),
				zap.Error(err))
			return 0, err
		}
		s.next = pending
		s.initialized = true
		s.logger.Info("Seeded nonce sequencer",
			zap.String("account", s.account.Hex()),
			zap.Uint64("nonce", pending))
	}

	nonce := s.next
	s.next++
	return nonce, nil
}
