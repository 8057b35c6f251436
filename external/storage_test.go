package external

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemoryStorage(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage("http://gateway.local")
	doc := []byte("transcript")

	c1, err := store.Upload(ctx, bytes.NewReader(doc), "S1.pdf")
	require.NoError(t, err)
	c2, err := store.Upload(ctx, bytes.NewReader(doc), "S1-copy.pdf")
	require.NoError(t, err)
	assert.Equal(t, c1, c2, "same content yields the same cid")
	assert.Equal(t, 1, store.Len())

	parsed, err := cid.Decode(c1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), parsed.Version())
	assert.Equal(t, uint64(cid.Raw), parsed.Type())
	decoded, err := mh.Decode(parsed.Hash())
	require.NoError(t, err)
	assert.Equal(t, uint64(mh.SHA2_256), decoded.Code)

	fetched, err := store.Fetch(ctx, c1)
	require.NoError(t, err)
	assert.Equal(t, doc, fetched)
	assert.Equal(t, "http://gateway.local/ipfs/"+c1, store.URLFor(c1))

	assert.True(t, store.Pinned(c1))
	require.NoError(t, store.Unpin(ctx, c1))
	assert.False(t, store.Pinned(c1))
	assert.ErrorIs(t, store.Unpin(ctx, "missing"), ErrContentNotFound)

	_, err = store.Fetch(ctx, "missing")
	assert.ErrorIs(t, err, ErrContentNotFound)

	store.UploadErr = errors.New("node offline")
	_, err = store.Upload(ctx, bytes.NewReader(doc), "S2.pdf")
	assert.Error(t, err)
}

func TestValidateCID(t *testing.T) {
	store := NewMemoryStorage("")
	c, err := store.Upload(context.Background(), strings.NewReader("abc"), "abc")
	require.NoError(t, err)

	canonical, err := ValidateCID(c)
	require.NoError(t, err)
	assert.Equal(t, c, canonical)

	_, err = ValidateCID("not-a-cid")
	assert.Error(t, err)
}

// Fake IPFS node serving the RPC API and the gateway.
func newFakeIPFSNode(t *testing.T, content []byte, contentCID string) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v0/version", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"Version": "0.22.0", "Commit": ""})
	})
	mux.HandleFunc("/api/v0/add", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("pin") != "true" || r.URL.Query().Get("cid-version") != "1" {
			t.Errorf("Expected a pinned CIDv1 add, got query %q", r.URL.RawQuery)
		}
		if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
			t.Errorf("Expected a multipart body, got %q", r.Header.Get("Content-Type"))
		}
		body, err := io.ReadAll(r.Body)
		if err != nil || !bytes.Contains(body, content) {
			t.Errorf("Expected the document in the request body (%v)", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"Name": contentCID, "Hash": contentCID, "Size": "10"})
	})
	mux.HandleFunc("/api/v0/pin/rm", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("arg") != contentCID {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"Message": "not pinned", "Code": 0, "Type": "error"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string][]string{"Pins": {contentCID}})
	})
	mux.HandleFunc("/ipfs/"+contentCID, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(content)
	})
	return httptest.NewServer(mux)
}

func TestIPFSClient(t *testing.T) {
	ctx := context.Background()
	content := []byte("certification")
	c, err := memoryPrefix.Sum(content)
	require.NoError(t, err)

	node := newFakeIPFSNode(t, content, c.String())
	defer node.Close()

	client := NewIPFSClient(node.URL, node.URL, zap.NewNop())

	uploaded, err := client.Upload(ctx, bytes.NewReader(content), "cert.pdf")
	require.NoError(t, err)
	assert.Equal(t, c.String(), uploaded)

	assert.Equal(t, node.URL+"/ipfs/"+uploaded, client.URLFor(uploaded))

	fetched, err := client.Fetch(ctx, uploaded)
	require.NoError(t, err)
	assert.Equal(t, content, fetched)

	require.NoError(t, client.Unpin(ctx, uploaded))
	assert.Error(t, client.Unpin(ctx, "garbage"))

	// A different, well-formed cid the node does not know about.
	other, err := memoryPrefix.Sum([]byte("other"))
	require.NoError(t, err)
	assert.Error(t, client.Unpin(ctx, other.String()))
	_, err = client.Fetch(ctx, other.String())
	assert.Error(t, err)
}

func TestIPFSClientCancellation(t *testing.T) {
	// A node that never answers.
	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer node.Close()

	client := NewIPFSClient(node.URL, node.URL, zap.NewNop())
	c, err := memoryPrefix.Sum([]byte("certification"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = client.Upload(ctx, strings.NewReader("certification"), "cert.pdf")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)

	ctx, cancel = context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, client.Unpin(ctx, c.String()), context.DeadlineExceeded)
}
