// Package daemon talks JSON-RPC to the coin daemons backing the pool.
//
// Every supported coin has its own Client implementation; the work manager,
// reward distributor and payout processor only depend on the Client interface.
// Clients never retry. A call that cannot reach the daemon fails with
// errors.ErrorTypeDaemonUnreachable, and a call the daemon rejects fails with
// errors.ErrorTypeDaemon carrying the daemon's own message.
package daemon

import (
	"context"
	"fmt"
	"strings"

	"github.com/bardlex/gomp-pool/internal/config"
)

// Client is the capability set the pool needs from a coin daemon
type Client interface {
	// Coin returns the lower-case coin name
	Coin() string

	GetChainInfo(ctx context.Context) (*ChainInfo, error)
	GetMiningInfo(ctx context.Context) (*MiningInfo, error)

	// IsSynced is false while the daemon is in initial block download or unreachable
	IsSynced(ctx context.Context) bool

	// GetBlockTemplate requests a template with the coin's consensus rules
	GetBlockTemplate(ctx context.Context) (*BlockTemplate, error)

	// SubmitBlock returns the rejection reason, or "" when the daemon accepted the block
	SubmitBlock(ctx context.Context, blockHex string) (string, error)

	GetBlockHash(ctx context.Context, height int64) (string, error)
	GetBlock(ctx context.Context, hash string) (*Block, error)

	GetBalance(ctx context.Context) (float64, error)
	ValidateAddress(ctx context.Context, address string) (*AddressValidation, error)
	GetNewAddress(ctx context.Context) (string, error)
	SendToAddress(ctx context.Context, address string, amount float64) (string, error)
}

// YentenClient talks to yentend
type YentenClient struct {
	*rpcClient
}

// NewYentenClient creates a Yenten client
func NewYentenClient(cfg config.DaemonConfig) *YentenClient {
	cfg.Coin = config.CoinYenten
	return &YentenClient{rpcClient: newRPCClient(cfg)}
}

// GetBlockTemplate requests a segwit template
func (c *YentenClient) GetBlockTemplate(ctx context.Context) (*BlockTemplate, error) {
	return c.getBlockTemplate(ctx, "segwit")
}

// KotoClient talks to kotod
type KotoClient struct {
	*rpcClient
}

// NewKotoClient creates a Koto client
func NewKotoClient(cfg config.DaemonConfig) *KotoClient {
	cfg.Coin = config.CoinKoto
	return &KotoClient{rpcClient: newRPCClient(cfg)}
}

// GetBlockTemplate requests a segwit template
func (c *KotoClient) GetBlockTemplate(ctx context.Context) (*BlockTemplate, error) {
	return c.getBlockTemplate(ctx, "segwit")
}

// RinCoinClient talks to rincoind, which refuses templates without the mweb rule
type RinCoinClient struct {
	*rpcClient
}

// NewRinCoinClient creates a RinCoin client
func NewRinCoinClient(cfg config.DaemonConfig) *RinCoinClient {
	cfg.Coin = config.CoinRinCoin
	return &RinCoinClient{rpcClient: newRPCClient(cfg)}
}

// GetBlockTemplate requests an mweb+segwit template
func (c *RinCoinClient) GetBlockTemplate(ctx context.Context) (*BlockTemplate, error) {
	return c.getBlockTemplate(ctx, "mweb", "segwit")
}

// UkkeyCoinClient talks to ukkeycoind. The chain is YesPoWer, so stratumd
// needs a matching entry in validation.Config.Hashers to grade its shares.
type UkkeyCoinClient struct {
	*rpcClient
}

// NewUkkeyCoinClient creates an UkkeyCoin client
func NewUkkeyCoinClient(cfg config.DaemonConfig) *UkkeyCoinClient {
	cfg.Coin = config.CoinUkkeyCoin
	return &UkkeyCoinClient{rpcClient: newRPCClient(cfg)}
}

// GetBlockTemplate requests a segwit template
func (c *UkkeyCoinClient) GetBlockTemplate(ctx context.Context) (*BlockTemplate, error) {
	return c.getBlockTemplate(ctx, "segwit")
}

// NewClient builds the client for coin
func NewClient(coin string, cfg config.DaemonConfig) (Client, error) {
	switch strings.ToLower(coin) {
	case config.CoinYenten:
		return NewYentenClient(cfg), nil
	case config.CoinKoto:
		return NewKotoClient(cfg), nil
	case config.CoinRinCoin:
		return NewRinCoinClient(cfg), nil
	case config.CoinUkkeyCoin:
		return NewUkkeyCoinClient(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported coin %q", coin)
	}
}

// NewClients builds one client per configured daemon
func NewClients(cfg *config.Config) (map[string]Client, error) {
	clients := make(map[string]Client, len(cfg.Daemons))
	for coin, dc := range cfg.Daemons {
		client, err := NewClient(coin, dc)
		if err != nil {
			return nil, err
		}
		clients[coin] = client
	}
	return clients, nil
}

var (
	_ Client = (*YentenClient)(nil)
	_ Client = (*KotoClient)(nil)
	_ Client = (*RinCoinClient)(nil)
	_ Client = (*UkkeyCoinClient)(nil)
)
