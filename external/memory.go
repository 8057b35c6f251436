package external

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// Raw-leaf CIDv1, as IPFS computes for a single-block document.
var memoryPrefix = cid.Prefix{
	Version:  1,
	Codec:    cid.Raw,
	MhType:   mh.SHA2_256,
	MhLength: -1,
}

// MemoryStorage is an in-process content-addressed store, used for development and tests.
type MemoryStorage struct {
	lock    sync.RWMutex
	blobs   map[string][]byte
	pinned  map[string]bool
	baseURL string

	// Set to make every Upload fail.
	UploadErr error
}

func NewMemoryStorage(baseURL string) *MemoryStorage {
	return &MemoryStorage{
		blobs:   make(map[string][]byte),
		pinned:  make(map[string]bool),
		baseURL: baseURL,
	}
}

func (m *MemoryStorage) Upload(ctx context.Context, r io.Reader, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}

	m.lock.Lock()
	defer m.lock.Unlock()
	if m.UploadErr != nil {
		return "", m.UploadErr
	}
	c, err := memoryPrefix.Sum(data)
	if err != nil {
		return "", err
	}
	key := c.String()
	m.blobs[key] = data
	m.pinned[key] = true
	return key, nil
}

func (m *MemoryStorage) Unpin(ctx context.Context, cid string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if _, ok := m.blobs[cid]; !ok {
		return ErrContentNotFound
	}
	m.pinned[cid] = false
	return nil
}

func (m *MemoryStorage) URLFor(cid string) string {
	return fmt.Sprintf("%s/ipfs/%s", m.baseURL, cid)
}

func (m *MemoryStorage) Fetch(ctx context.Context, cid string) ([]byte, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	data, ok := m.blobs[cid]
	if !ok {
		return nil, ErrContentNotFound
	}
	return append([]byte(nil), data...), nil
}

// Pinned reports whether cid is stored and pinned.
func (m *MemoryStorage) Pinned(cid string) bool {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.pinned[cid]
}

// Len returns the number of stored documents, pinned or not.
func (m *MemoryStorage) Len() int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return len(m.blobs)
}

// Replace overwrites the bytes stored under cid, to simulate a corrupted store.
func (m *MemoryStorage) Replace(cid string, data []byte) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.blobs[cid] = data
}
