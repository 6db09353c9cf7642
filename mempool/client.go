package mempool

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sethvargo/go-limiter"
	"github.com/sethvargo/go-limiter/memorystore"
)

// insecureTLSConfig disables certificate verification for instances
// configured with verify_ssl=false (§6). Only intended for trusted
// private mempool instances reachable over a local or VPN link.
func insecureTLSConfig() *tls.Config {
	return &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in per §6 verify_ssl
}

// Config assembles the REST base URL and tuning knobs for a Client,
// mirroring §6's mempool_* config keys.
type Config struct {
	// Host is the mempool/esplora instance hostname, no scheme.
	Host string
	// RESTPort is the port the REST API listens on. Zero means "use the
	// protocol default and omit the port from the base URL".
	RESTPort int
	// UseHTTPS selects the URL scheme.
	UseHTTPS bool
	// VerifySSL disables TLS certificate verification when false. This
	// should only ever be false against a trusted private instance.
	VerifySSL bool
	// Timeout bounds every request this client makes. Zero means the
	// §4.2 default of 10 seconds.
	Timeout time.Duration
	// RequestsPerSecond bounds outbound request rate via an in-memory
	// token bucket (§9: "layer an external rate-limiter"). Zero disables
	// limiting, the default for a private/local instance.
	RequestsPerSecond int
}

// Client is a typed wrapper over the subset of the mempool/esplora REST
// API this system consumes (§4.2): address stats, tip height, block
// contents, transaction details, and fee estimates.
type Client struct {
	baseURL string
	http    *http.Client
	limiter limiter.Store
}

// New constructs a Client from cfg. The underlying *http.Client uses a
// pooled Transport sized for the §5 concurrency caps (≈35 outstanding
// requests across all worker pools) so every caller shares one set of
// connections to the single remote mempool endpoint.
func New(cfg Config) (*Client, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	transport := &http.Transport{
		MaxIdleConns:        64,
		MaxIdleConnsPerHost: 64,
		IdleConnTimeout:     90 * time.Second,
	}
	if cfg.UseHTTPS && !cfg.VerifySSL {
		transport.TLSClientConfig = insecureTLSConfig()
	}

	c := &Client{
		baseURL: buildBaseURL(cfg),
		http:    &http.Client{Timeout: timeout, Transport: transport},
	}

	if cfg.RequestsPerSecond > 0 {
		store, err := memorystore.New(&memorystore.Config{
			Tokens:   uint64(cfg.RequestsPerSecond),
			Interval: time.Second,
		})
		if err != nil {
			return nil, errors.Wrap(err, "mempool: create rate limiter")
		}
		c.limiter = store
	}

	return c, nil
}

func buildBaseURL(cfg Config) string {
	scheme := "http"
	defaultPort := 80
	if cfg.UseHTTPS {
		scheme = "https"
		defaultPort = 443
	}
	if cfg.RESTPort == 0 || cfg.RESTPort == defaultPort {
		return fmt.Sprintf("%s://%s/api", scheme, cfg.Host)
	}
	return fmt.Sprintf("%s://%s:%d/api", scheme, cfg.Host, cfg.RESTPort)
}

// GetTipHeight returns the current chain tip height (GET /blocks/tip/height).
func (c *Client) GetTipHeight(ctx context.Context) (uint64, error) {
	var height uint64
	if err := c.getJSON(ctx, "/blocks/tip/height", &height); err != nil {
		return 0, err
	}
	return height, nil
}

// GetAddress returns funded/spent/tx-count statistics for an address
// (GET /address/{a}).
func (c *Client) GetAddress(ctx context.Context, address string) (*AddressInfo, error) {
	var info AddressInfo
	if err := c.getJSON(ctx, "/address/"+address, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetAddressTxs returns one page (up to 25) of an address's transaction
// history, newest first. Pass offset=0 for the first page; callers
// should keep paginating via GetAddressTxs(addr, offset+25) while the
// previous page returned exactly 25 entries (§4.2).
func (c *Client) GetAddressTxs(ctx context.Context, address string, offset int) ([]Tx, error) {
	path := "/address/" + address + "/txs"
	if offset > 0 {
		path += "/chain/" + strconv.Itoa(offset)
	}
	var txs []Tx
	if err := c.getJSON(ctx, path, &txs); err != nil {
		return nil, err
	}
	return txs, nil
}

// GetAllAddressTxs pages through an address's full transaction history.
func (c *Client) GetAllAddressTxs(ctx context.Context, address string) ([]Tx, error) {
	var all []Tx
	offset := 0
	for {
		page, err := c.GetAddressTxs(ctx, address, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < 25 {
			return all, nil
		}
		offset += 25
	}
}

// GetBlock returns a block's header fields, and its transactions if the
// provider includes them (GET /block/{hash}).
func (c *Client) GetBlock(ctx context.Context, hash string) (*Block, error) {
	var block Block
	if err := c.getJSON(ctx, "/block/"+hash, &block); err != nil {
		return nil, err
	}
	return &block, nil
}

// GetBlockHashAtHeight resolves a block height to its hash
// (GET /block-height/{height}), letting callers walk the chain by height
// without maintaining their own height→hash index.
func (c *Client) GetBlockHashAtHeight(ctx context.Context, height uint64) (string, error) {
	raw, err := c.getRaw(ctx, "/block-height/"+strconv.FormatUint(height, 10))
	if err != nil {
		return "", err
	}
	return strings.Trim(string(raw), "\"\n "), nil
}

// GetBlockTxids returns a block's transaction ids (GET /block/{hash}/txids),
// tolerating the three envelope variants named in §4.2: a bare array, or
// an object keyed "txids" or "transactions".
func (c *Client) GetBlockTxids(ctx context.Context, hash string) ([]string, error) {
	raw, err := c.getRaw(ctx, "/block/"+hash+"/txids")
	if err != nil {
		return nil, err
	}

	var bare []string
	if err := json.Unmarshal(raw, &bare); err == nil {
		return bare, nil
	}

	var envelope blockTxidsEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, &ProtocolError{Op: "get block txids", Err: err}
	}
	if envelope.Txids != nil {
		return envelope.Txids, nil
	}
	return envelope.Transactions, nil
}

// GetTx returns a transaction's full details (GET /tx/{txid}).
func (c *Client) GetTx(ctx context.Context, txid string) (*Tx, error) {
	var tx Tx
	if err := c.getJSON(ctx, "/tx/"+txid, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// GetRecommendedFees returns the provider's fee-rate estimates
// (GET /v1/fees/recommended).
func (c *Client) GetRecommendedFees(ctx context.Context) (*FeeEstimate, error) {
	var fees FeeEstimate
	if err := c.getJSON(ctx, "/v1/fees/recommended", &fees); err != nil {
		return nil, err
	}
	return &fees, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	raw, err := c.getRaw(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &ProtocolError{Op: path, Err: err}
	}
	return nil
}

func (c *Client) getRaw(ctx context.Context, path string) ([]byte, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, &NetworkError{Op: path, Err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: path, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: path, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode >= 500 {
			return nil, &NetworkError{Op: path, Err: errors.Errorf("server error: status %d: %s", resp.StatusCode, body)}
		}
		return nil, &ProtocolError{Op: path, Status: resp.StatusCode, Err: errors.New(string(body))}
	}

	return body, nil
}

// wait blocks until the rate limiter grants a token. It is a no-op when
// no RequestsPerSecond was configured.
func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	for {
		_, _, resetAt, ok, err := c.limiter.Take(ctx, "mempool-client")
		if err != nil {
			return errors.Wrap(err, "mempool: rate limiter")
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(time.Unix(0, int64(resetAt)))):
		}
	}
}
