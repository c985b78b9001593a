package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcjson"

	"github.com/bardlex/gomp-pool/internal/config"
	"github.com/bardlex/gomp-pool/pkg/errors"
)

const maxResponseSize = 32 << 20

// rpcClient is the HTTP transport shared by every coin. It never retries.
type rpcClient struct {
	coin     string
	url      string
	user     string
	password string
	timeout  time.Duration
	http     *http.Client
	nextID   atomic.Uint64
}

func newRPCClient(cfg config.DaemonConfig) *rpcClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &rpcClient{
		coin:     cfg.Coin,
		url:      cfg.URL(),
		user:     cfg.User,
		password: cfg.Password,
		timeout:  timeout,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Coin returns the coin served by this daemon
func (c *rpcClient) Coin() string {
	return c.coin
}

// call posts one request and decodes the result into out (which may be nil).
// Transport failures are DaemonUnreachable; daemon-reported errors are DaemonError.
func (c *rpcClient) call(ctx context.Context, method string, params []any, out any) error {
	if params == nil {
		params = []any{}
	}

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "1.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, method, "failed to encode request")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDaemonUnreachable, method, "failed to build request").
			WithContext("coin", c.coin)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.user, c.password)

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDaemonUnreachable, method, "daemon request failed").
			WithContext("coin", c.coin)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDaemonUnreachable, method, "failed to read daemon response").
			WithContext("coin", c.coin)
	}

	// bitcoind reports RPC errors with a 500 status and a JSON body
	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		if resp.StatusCode != http.StatusOK {
			return errors.New(errors.ErrorTypeDaemon, method,
				fmt.Sprintf("daemon returned HTTP %d", resp.StatusCode)).
				WithContext("coin", c.coin).
				WithContext("status", resp.StatusCode)
		}
		return errors.Wrap(err, errors.ErrorTypeDaemon, method, "malformed daemon response").
			WithContext("coin", c.coin)
	}

	if rpcResp.Error != nil {
		return errors.Wrap(rpcResp.Error, errors.ErrorTypeDaemon, method, rpcResp.Error.Message).
			WithContext("coin", c.coin).
			WithContext("code", int(rpcResp.Error.Code))
	}

	if out == nil || len(rpcResp.Result) == 0 || string(rpcResp.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDaemon, method, "unexpected result shape").
			WithContext("coin", c.coin)
	}
	return nil
}

// GetChainInfo calls getblockchaininfo
func (c *rpcClient) GetChainInfo(ctx context.Context) (*ChainInfo, error) {
	var info ChainInfo
	if err := c.call(ctx, "getblockchaininfo", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetMiningInfo calls getmininginfo
func (c *rpcClient) GetMiningInfo(ctx context.Context) (*MiningInfo, error) {
	var info MiningInfo
	if err := c.call(ctx, "getmininginfo", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// IsSynced reports whether the daemon has left initial block download.
// Any error counts as not synced.
func (c *rpcClient) IsSynced(ctx context.Context) bool {
	info, err := c.GetChainInfo(ctx)
	if err != nil {
		return false
	}
	return !info.InitialBlockDownload
}

func (c *rpcClient) getBlockTemplate(ctx context.Context, rules ...string) (*BlockTemplate, error) {
	req := &btcjson.TemplateRequest{
		Mode:         "template",
		Capabilities: []string{"coinbasetxn", "workid", "coinbase/append"},
		Rules:        rules,
	}

	var tmpl BlockTemplate
	if err := c.call(ctx, "getblocktemplate", []any{req}, &tmpl); err != nil {
		return nil, err
	}
	return &tmpl, nil
}

// SubmitBlock calls submitblock. An empty reason means the block was accepted.
func (c *rpcClient) SubmitBlock(ctx context.Context, blockHex string) (string, error) {
	var reason *string
	if err := c.call(ctx, "submitblock", []any{blockHex}, &reason); err != nil {
		return "", err
	}
	if reason == nil {
		return "", nil
	}
	return *reason, nil
}

// GetBalance returns the confirmed wallet balance
func (c *rpcClient) GetBalance(ctx context.Context) (float64, error) {
	var balance float64
	if err := c.call(ctx, "getbalance", []any{"*", 1}, &balance); err != nil {
		return 0, err
	}
	return balance, nil
}

// ValidateAddress calls validateaddress
func (c *rpcClient) ValidateAddress(ctx context.Context, address string) (*AddressValidation, error) {
	var v AddressValidation
	if err := c.call(ctx, "validateaddress", []any{address}, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// GetNewAddress asks the wallet for a fresh receive address
func (c *rpcClient) GetNewAddress(ctx context.Context) (string, error) {
	var address string
	if err := c.call(ctx, "getnewaddress", nil, &address); err != nil {
		return "", err
	}
	return address, nil
}

// SendToAddress sends amount coins and returns the transaction id
func (c *rpcClient) SendToAddress(ctx context.Context, address string, amount float64) (string, error) {
	var txid string
	if err := c.call(ctx, "sendtoaddress", []any{address, amount}, &txid); err != nil {
		return "", err
	}
	return txid, nil
}

// GetBlockHash returns the hash of the block at height
func (c *rpcClient) GetBlockHash(ctx context.Context, height int64) (string, error) {
	var hash string
	if err := c.call(ctx, "getblockhash", []any{height}, &hash); err != nil {
		return "", err
	}
	return hash, nil
}

// GetBlock returns a verbose block including decoded transactions
func (c *rpcClient) GetBlock(ctx context.Context, hash string) (*Block, error) {
	var block Block
	if err := c.call(ctx, "getblock", []any{hash, 2}, &block); err != nil {
		return nil, err
	}
	return &block, nil
}
