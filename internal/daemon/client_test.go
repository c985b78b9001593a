package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bardlex/gomp-pool/internal/config"
	"github.com/bardlex/gomp-pool/pkg/errors"
)

type fakeDaemon struct {
	t        *testing.T
	results  map[string]string
	errs     map[string]string
	lastReq  map[string]json.RawMessage
	delay    time.Duration
	status   int
	rawReply string
	requests atomic.Int32
}

func (f *fakeDaemon) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.requests.Add(1)
	user, pass, ok := r.BasicAuth()
	if !ok || user != "rpcuser" || pass != "rpcpass" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var req struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		f.t.Errorf("bad request body: %v", err)
		return
	}
	f.lastReq[req.Method] = req.Params

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-r.Context().Done():
			return
		}
	}
	if f.status != 0 {
		w.WriteHeader(f.status)
		_, _ = w.Write([]byte(f.rawReply))
		return
	}

	if msg, ok := f.errs[req.Method]; ok {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"result":null,"error":{"code":-8,"message":"` + msg + `"},"id":1}`))
		return
	}

	result, ok := f.results[req.Method]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"result":null,"error":{"code":-32601,"message":"Method not found"},"id":1}`))
		return
	}
	_, _ = w.Write([]byte(`{"result":` + result + `,"error":null,"id":1}`))
}

func newFakeDaemon(t *testing.T) (*fakeDaemon, config.DaemonConfig) {
	t.Helper()
	f := &fakeDaemon{
		t:       t,
		results: map[string]string{},
		errs:    map[string]string{},
		lastReq: map[string]json.RawMessage{},
	}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(u.Port())

	return f, config.DaemonConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     "rpcuser",
		Password: "rpcpass",
		Timeout:  time.Second,
	}
}

func TestNewClient(t *testing.T) {
	tests := []struct {
		coin    string
		wantErr bool
	}{
		{"yenten", false},
		{"Koto", false},
		{"rincoin", false},
		{"UkkeyCoin", false},
		{"bitcoin", true},
	}

	for _, tt := range tests {
		client, err := NewClient(tt.coin, config.DaemonConfig{Host: "localhost", Port: 1})
		if (err != nil) != tt.wantErr {
			t.Errorf("NewClient(%q) error = %v, wantErr %v", tt.coin, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && client.Coin() == "" {
			t.Errorf("NewClient(%q) returned client without coin", tt.coin)
		}
	}
}

func TestGetBlockTemplate_RulesPerCoin(t *testing.T) {
	tests := []struct {
		coin  string
		rules []string
	}{
		{config.CoinYenten, []string{"segwit"}},
		{config.CoinKoto, []string{"segwit"}},
		{config.CoinRinCoin, []string{"mweb", "segwit"}},
		{config.CoinUkkeyCoin, []string{"segwit"}},
	}

	for _, tt := range tests {
		t.Run(tt.coin, func(t *testing.T) {
			f, cfg := newFakeDaemon(t)
			f.results["getblocktemplate"] = `{"version":536870912,"previousblockhash":"00000000000000000000000000000000000000000000000000000000000000aa","height":1200,"bits":"1d00ffff","curtime":1700000000,"coinbasevalue":5000000000,"transactions":[]}`

			client, err := NewClient(tt.coin, cfg)
			if err != nil {
				t.Fatal(err)
			}
			tmpl, err := client.GetBlockTemplate(context.Background())
			if err != nil {
				t.Fatalf("GetBlockTemplate() error = %v", err)
			}
			if tmpl.Height != 1200 || tmpl.Bits != "1d00ffff" {
				t.Errorf("template = %+v", tmpl)
			}

			var params []struct {
				Rules []string `json:"rules"`
			}
			if err := json.Unmarshal(f.lastReq["getblocktemplate"], &params); err != nil {
				t.Fatal(err)
			}
			if len(params) != 1 || len(params[0].Rules) != len(tt.rules) {
				t.Fatalf("params = %s", f.lastReq["getblocktemplate"])
			}
			for i, rule := range tt.rules {
				if params[0].Rules[i] != rule {
					t.Errorf("rules[%d] = %q, want %q", i, params[0].Rules[i], rule)
				}
			}
		})
	}
}

func TestCall_ErrorClassification(t *testing.T) {
	t.Run("daemon error carries message", func(t *testing.T) {
		f, cfg := newFakeDaemon(t)
		f.errs["validateaddress"] = "Invalid address"

		_, err := NewYentenClient(cfg).ValidateAddress(context.Background(), "bogus")
		if !errors.IsType(err, errors.ErrorTypeDaemon) {
			t.Fatalf("expected daemon error, got %v", err)
		}
		if errors.Message(err) != "Invalid address" {
			t.Errorf("message = %q", errors.Message(err))
		}
		if errors.IsRetryable(err) {
			t.Error("daemon errors are not retryable")
		}
	})

	t.Run("bad credentials", func(t *testing.T) {
		_, cfg := newFakeDaemon(t)
		cfg.Password = "wrong"

		_, err := NewYentenClient(cfg).GetBalance(context.Background())
		if !errors.IsType(err, errors.ErrorTypeDaemon) {
			t.Fatalf("expected daemon error, got %v", err)
		}
	})

	t.Run("unreachable", func(t *testing.T) {
		cfg := config.DaemonConfig{Host: "127.0.0.1", Port: 1, Timeout: 500 * time.Millisecond}

		_, err := NewKotoClient(cfg).GetBalance(context.Background())
		if !errors.IsType(err, errors.ErrorTypeDaemonUnreachable) {
			t.Fatalf("expected unreachable error, got %v", err)
		}
		if !errors.IsRetryable(err) {
			t.Error("unreachable errors are retryable")
		}
	})

	t.Run("timeout", func(t *testing.T) {
		f, cfg := newFakeDaemon(t)
		f.results["getbalance"] = "1.5"
		f.delay = time.Second
		cfg.Timeout = 50 * time.Millisecond

		start := time.Now()
		_, err := NewYentenClient(cfg).GetBalance(context.Background())
		if !errors.IsType(err, errors.ErrorTypeDaemonUnreachable) {
			t.Fatalf("expected unreachable error, got %v", err)
		}
		if time.Since(start) > 500*time.Millisecond {
			t.Error("call was not bounded by the timeout")
		}
	})

	t.Run("non-json status", func(t *testing.T) {
		f, cfg := newFakeDaemon(t)
		f.status = http.StatusServiceUnavailable
		f.rawReply = "warming up"

		_, err := NewYentenClient(cfg).GetChainInfo(context.Background())
		if !errors.IsType(err, errors.ErrorTypeDaemon) {
			t.Fatalf("expected daemon error, got %v", err)
		}
	})
}

func TestCall_NeverRetries(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fakeDaemon)
	}{
		{"daemon error", func(f *fakeDaemon) { f.errs["submitblock"] = "high-hash" }},
		{"unavailable", func(f *fakeDaemon) {
			f.status = http.StatusServiceUnavailable
			f.rawReply = "warming up"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, cfg := newFakeDaemon(t)
			tt.setup(f)

			if _, err := NewYentenClient(cfg).SubmitBlock(context.Background(), "00"); err == nil {
				t.Fatal("expected error")
			}
			if n := f.requests.Load(); n != 1 {
				t.Errorf("daemon saw %d requests, want 1", n)
			}
		})
	}
}

func TestIsSynced(t *testing.T) {
	tests := []struct {
		name   string
		result string
		fail   bool
		want   bool
	}{
		{"synced", `{"chain":"main","blocks":10,"initialblockdownload":false}`, false, true},
		{"initial download", `{"chain":"main","blocks":10,"initialblockdownload":true}`, false, false},
		{"error", "", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, cfg := newFakeDaemon(t)
			if tt.fail {
				f.errs["getblockchaininfo"] = "Loading block index"
			} else {
				f.results["getblockchaininfo"] = tt.result
			}

			if got := NewYentenClient(cfg).IsSynced(context.Background()); got != tt.want {
				t.Errorf("IsSynced() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSubmitBlock(t *testing.T) {
	tests := []struct {
		name       string
		result     string
		wantReason string
	}{
		{"accepted", "null", ""},
		{"rejected", `"high-hash"`, "high-hash"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, cfg := newFakeDaemon(t)
			f.results["submitblock"] = tt.result

			reason, err := NewRinCoinClient(cfg).SubmitBlock(context.Background(), "00")
			if err != nil {
				t.Fatalf("SubmitBlock() error = %v", err)
			}
			if reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", reason, tt.wantReason)
			}
		})
	}
}

func TestWalletCalls(t *testing.T) {
	f, cfg := newFakeDaemon(t)
	f.results["getbalance"] = "12.5"
	f.results["sendtoaddress"] = `"deadbeef"`
	f.results["validateaddress"] = `{"isvalid":true,"address":"YAddr","scriptPubKey":"76a914"}`
	f.results["getnewaddress"] = `"YNew"`
	client := NewYentenClient(cfg)
	ctx := context.Background()

	balance, err := client.GetBalance(ctx)
	if err != nil || balance != 12.5 {
		t.Errorf("GetBalance() = %v, %v", balance, err)
	}

	txid, err := client.SendToAddress(ctx, "YAddr", 0.4995)
	if err != nil || txid != "deadbeef" {
		t.Errorf("SendToAddress() = %q, %v", txid, err)
	}
	var sendParams []any
	_ = json.Unmarshal(f.lastReq["sendtoaddress"], &sendParams)
	if len(sendParams) != 2 || sendParams[0] != "YAddr" || sendParams[1] != 0.4995 {
		t.Errorf("sendtoaddress params = %v", sendParams)
	}

	v, err := client.ValidateAddress(ctx, "YAddr")
	if err != nil || !v.IsValid || v.ScriptPubKey != "76a914" {
		t.Errorf("ValidateAddress() = %+v, %v", v, err)
	}

	addr, err := client.GetNewAddress(ctx)
	if err != nil || addr != "YNew" {
		t.Errorf("GetNewAddress() = %q, %v", addr, err)
	}
}

func TestBlock_CoinbaseValueTo(t *testing.T) {
	f, cfg := newFakeDaemon(t)
	f.results["getblockhash"] = `"00ab"`
	f.results["getblock"] = `{"hash":"00ab","height":77,"confirmations":3,"tx":[
		{"txid":"cb","vout":[{"value":49.5,"n":0,"scriptPubKey":{"hex":"0014pool"}},{"value":0.5,"n":1,"scriptPubKey":{"hex":"0014other"}}]},
		{"txid":"t1","vout":[{"value":3,"n":0,"scriptPubKey":{"hex":"0014pool"}}]}]}`
	client := NewYentenClient(cfg)

	hash, err := client.GetBlockHash(context.Background(), 77)
	if err != nil || hash != "00ab" {
		t.Fatalf("GetBlockHash() = %q, %v", hash, err)
	}
	block, err := client.GetBlock(context.Background(), hash)
	if err != nil {
		t.Fatalf("GetBlock() error = %v", err)
	}

	if got := block.CoinbaseValueTo("0014pool"); got != 49.5 {
		t.Errorf("CoinbaseValueTo(pool) = %v, want 49.5", got)
	}
	if got := block.CoinbaseValueTo("0014none"); got != 0 {
		t.Errorf("CoinbaseValueTo(none) = %v, want 0", got)
	}
	if got := (&Block{}).CoinbaseValueTo("0014pool"); got != 0 {
		t.Errorf("empty block = %v, want 0", got)
	}
}
