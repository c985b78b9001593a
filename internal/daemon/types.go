package daemon

import (
	"encoding/json"

	"github.com/btcsuite/btcd/btcjson"
)

// rpcRequest is a JSON-RPC 1.0 request as understood by bitcoind-derived daemons
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// rpcResponse carries either a result or an error, never both
type rpcResponse struct {
	ID     uint64            `json:"id"`
	Result json.RawMessage   `json:"result"`
	Error  *btcjson.RPCError `json:"error"`
}

// BlockTemplate is the getblocktemplate result
type BlockTemplate = btcjson.GetBlockTemplateResult

// MiningInfo is the subset of getmininginfo the pool reads
type MiningInfo struct {
	Blocks        int64   `json:"blocks"`
	Difficulty    float64 `json:"difficulty"`
	NetworkHashPS float64 `json:"networkhashps"`
	PooledTx      int64   `json:"pooledtx"`
	Chain         string  `json:"chain"`
}

// ChainInfo is the subset of getblockchaininfo the pool reads
type ChainInfo struct {
	Chain                string  `json:"chain"`
	Blocks               int64   `json:"blocks"`
	Headers              int64   `json:"headers"`
	BestBlockHash        string  `json:"bestblockhash"`
	Difficulty           float64 `json:"difficulty"`
	MedianTime           int64   `json:"mediantime"`
	VerificationProgress float64 `json:"verificationprogress"`
	InitialBlockDownload bool    `json:"initialblockdownload"`
}

// AddressValidation is the validateaddress result
type AddressValidation struct {
	IsValid      bool   `json:"isvalid"`
	Address      string `json:"address,omitempty"`
	ScriptPubKey string `json:"scriptPubKey,omitempty"`
	IsScript     bool   `json:"isscript,omitempty"`
	IsWitness    bool   `json:"iswitness,omitempty"`
}

// Block is a getblock result at verbosity 2, trimmed to what reward scanning needs
type Block struct {
	Hash          string    `json:"hash"`
	Height        int64     `json:"height"`
	Confirmations int64     `json:"confirmations"`
	Time          int64     `json:"time"`
	PreviousHash  string    `json:"previousblockhash"`
	Tx            []BlockTx `json:"tx"`
}

// BlockTx is a transaction inside a verbose block
type BlockTx struct {
	TxID string     `json:"txid"`
	Vout []TxOutput `json:"vout"`
}

// TxOutput is one transaction output
type TxOutput struct {
	Value        float64 `json:"value"`
	N            uint32  `json:"n"`
	ScriptPubKey struct {
		Hex     string `json:"hex"`
		Address string `json:"address,omitempty"`
	} `json:"scriptPubKey"`
}

// CoinbaseValueTo sums the coinbase outputs paying scriptHex. Zero when the block has no coinbase.
func (b *Block) CoinbaseValueTo(scriptHex string) float64 {
	if len(b.Tx) == 0 {
		return 0
	}

	var total float64
	for _, out := range b.Tx[0].Vout {
		if out.ScriptPubKey.Hex == scriptHex {
			total += out.Value
		}
	}
	return total
}
