package external

import (
	"context"
	"errors"
	"io"

	"github.com/ipfs/go-cid"
)

var ErrContentNotFound = errors.New("content not found")

// Storage is a content-addressed document store.
type Storage interface {
	// Upload stores the content of r and returns its CID. name is informational.
	Upload(ctx context.Context, r io.Reader, name string) (string, error)
	// Unpin releases the content so the store may garbage-collect it.
	Unpin(ctx context.Context, cid string) error
	// URLFor returns a public retrieval URL for cid.
	URLFor(cid string) string
	// Fetch retrieves the exact bytes stored under cid.
	Fetch(ctx context.Context, cid string) ([]byte, error)
}

// ValidateCID checks that s is a well-formed CID and returns its canonical string form.
func ValidateCID(s string) (string, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return "", err
	}
	return c.String(), nil
}
