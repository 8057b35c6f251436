package external

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/credential-registry/registry-api/util"
	files "github.com/ipfs/boxo/files"
	shell "github.com/ipfs/go-ipfs-api"
	"go.uber.org/zap"
)

const (
	defaultIPFSTimeout = 60 * time.Second

	// Credential documents are small; anything larger was not uploaded by us.
	maxDocumentSize = 20 * 1024 * 1024
)

// IPFSClient stores documents on an IPFS node through its HTTP RPC API,
// and retrieves them through a public gateway.
type IPFSClient struct {
	sh         *shell.Shell
	gatewayURL string
	logger     *zap.Logger
}

func NewIPFSClient(apiURL, gatewayURL string, logger *zap.Logger) *IPFSClient {
	sh := shell.NewShell(apiURL)
	sh.SetTimeout(defaultIPFSTimeout)
	return &IPFSClient{sh: sh, gatewayURL: gatewayURL, logger: logger}
}

// Upload adds and pins the content of r. Cancelling ctx aborts the request.
func (c *IPFSClient) Upload(ctx context.Context, r io.Reader, name string) (string, error) {
	dir := files.NewSliceDirectory([]files.DirEntry{files.FileEntry("", files.NewReaderFile(r))})
	body := files.NewMultiFileReader(dir, true, false)

	var out struct {
		Hash string
	}
	err := c.sh.Request("add").
		Option("pin", true).
		Option("cid-version", 1).
		Body(body).
		Exec(ctx, &out)
	if err != nil {
		return "", fmt.Errorf("ipfs add %s: %w", name, err)
	}
	cid, err := ValidateCID(out.Hash)
	if err != nil {
		return "", fmt.Errorf("ipfs returned an invalid cid %q: %w", out.Hash, err)
	}
	c.logger.Debug("Uploaded document to IPFS", zap.String("name", name), zap.String("cid", cid))
	return cid, nil
}

func (c *IPFSClient) Unpin(ctx context.Context, cid string) error {
	if _, err := ValidateCID(cid); err != nil {
		return err
	}
	return c.sh.Request("pin/rm", cid).
		Option("recursive", true).
		Exec(ctx, nil)
}

func (c *IPFSClient) URLFor(cid string) string {
	u, err := url.JoinPath(c.gatewayURL, "ipfs", cid)
	if err != nil {
		return ""
	}
	return u
}

// Fetch downloads the document through the gateway.
func (c *IPFSClient) Fetch(ctx context.Context, cid string) ([]byte, error) {
	if _, err := ValidateCID(cid); err != nil {
		return nil, err
	}
	u := c.URLFor(cid)
	if u == "" {
		return nil, fmt.Errorf("invalid gateway url %q", c.gatewayURL)
	}
	return util.HTTPLimitedGet(ctx, u, maxDocumentSize)
}
