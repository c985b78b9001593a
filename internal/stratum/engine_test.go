package stratum

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/gomp-pool/internal/daemon"
	"github.com/bardlex/gomp-pool/internal/messaging"
	"github.com/bardlex/gomp-pool/internal/validation"
	"github.com/bardlex/gomp-pool/internal/work"
	"github.com/bardlex/gomp-pool/internal/workerpool"
	"github.com/bardlex/gomp-pool/pkg/errors"
	"github.com/bardlex/gomp-pool/pkg/log"
)

const testCoin = "yenten"

type stubAuth struct {
	mu     sync.Mutex
	miners map[string]*Miner
	err    error
}

func (a *stubAuth) AuthorizeWorker(_ context.Context, _, address, worker string) (*Miner, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	m, ok := a.miners[address]
	if !ok {
		return nil, errors.New(errors.ErrorTypeAuth, "authorize_worker", "unknown address")
	}
	out := *m
	out.Worker = worker
	return &out, nil
}

// stubWork serves one job to both the engine and the validator
type stubWork struct {
	mu        sync.Mutex
	job       *work.Job
	submitted []string
	submitErr error
}

func (w *stubWork) CurrentJob(context.Context, string) (*work.Job, error) { return w.Current(""), nil }

func (w *stubWork) Current(string) *work.Job {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.job
}

func (w *stubWork) Job(_, id string) (*work.Job, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.job != nil && w.job.ID == id {
		return w.job, true
	}
	return nil, false
}

func (w *stubWork) StaleWindow() time.Duration { return time.Minute }

func (w *stubWork) SubmitSolved(_ context.Context, _, blockHex string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.submitted = append(w.submitted, blockHex)
	return w.submitErr
}

type countingValidator struct {
	mu    sync.Mutex
	calls int
	res   *validation.Result
	err   error
}

func (v *countingValidator) Validate(context.Context, *validation.Submission) (*validation.Result, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	return v.res, v.err
}

func (v *countingValidator) count() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

type memShares struct {
	mu     sync.Mutex
	shares []*validation.Share
}

func (m *memShares) RecordShare(_ context.Context, s *validation.Share) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shares = append(m.shares, s)
	return nil
}

type chanPublisher chan *messaging.BlockFoundEvent

func (p chanPublisher) PublishBlockFound(_ context.Context, e *messaging.BlockFoundEvent) error {
	p <- e
	return nil
}

func testJob() *work.Job {
	now := time.Now()
	return &work.Job{
		ID:         "2a",
		Coin:       testCoin,
		Height:     840000,
		Version:    0x20000000,
		Bits:       0x1c00ffff,
		NTime:      uint32(now.Add(-time.Minute).Unix()),
		Target:     work.CompactToTarget(0x1c00ffff),
		Difficulty: 256,
		CreatedAt:  now,
		CleanJobs:  true,
		TxHashes:   []string{"aa", "bb"},
		Template:   &daemon.BlockTemplate{},
	}
}

type harness struct {
	t      *testing.T
	conn   net.Conn
	r      *bufio.Reader
	srv    *Server
	work   *stubWork
	auth   *stubAuth
	engine *Engine
}

func newHarness(t *testing.T, validator ShareValidator) *harness {
	t.Helper()

	ws := &stubWork{job: testJob()}
	if validator == nil {
		v := validation.NewValidator(validation.Config{
			Hashers: map[string]validation.Hasher{
				// meets difficulty 1, misses the 1c00ffff network target
				testCoin: validation.HasherFunc(func([]byte) chainhash.Hash {
					var h chainhash.Hash
					h[27] = 0x80
					return h
				}),
			},
		}, ws, &memShares{}, log.Nop())
		validator = v
	}

	auth := &stubAuth{miners: map[string]*Miner{
		"YKnown": {UserID: 1, WorkerID: 2, Address: "YKnown"},
	}}

	pool := workerpool.New(2, 16, log.Nop())
	t.Cleanup(pool.Close)

	engine := NewEngine(auth, validator, ws, pool, log.Nop())
	srv := NewServer(ServerConfig{Session: SessionConfig{Difficulty: 1}}, engine, nil, log.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.ServeConn(ctx, server, testCoin)
	}()
	t.Cleanup(func() {
		cancel()
		_ = client.Close()
		<-done
	})

	return &harness{t: t, conn: client, r: bufio.NewReader(client), srv: srv, work: ws, auth: auth, engine: engine}
}

func (h *harness) send(line string) {
	h.t.Helper()
	_ = h.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := h.conn.Write([]byte(line + "\n")); err != nil {
		h.t.Fatalf("write: %v", err)
	}
}

type reply struct {
	ID     any             `json:"id"`
	Method string          `json:"method"`
	Params []any           `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
}

func (h *harness) recv() *reply {
	h.t.Helper()
	_ = h.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := h.r.ReadBytes('\n')
	if err != nil {
		h.t.Fatalf("read: %v", err)
	}
	var r reply
	if err := json.Unmarshal(line, &r); err != nil {
		h.t.Fatalf("bad line %q: %v", line, err)
	}
	return &r
}

func (h *harness) call(id int, method string, params ...any) *reply {
	h.t.Helper()
	raw, err := json.Marshal(map[string]any{"id": id, "method": method, "params": params})
	if err != nil {
		h.t.Fatal(err)
	}
	h.send(string(raw))
	return h.recv()
}

func (h *harness) session() *Session {
	h.t.Helper()
	for _, s := range h.srv.snapshot() {
		return s
	}
	h.t.Fatal("no session registered")
	return nil
}

func (h *harness) subscribe() {
	h.t.Helper()
	r := h.call(1, MethodSubscribe, "cgminer/4.12")
	if r.Error != nil {
		h.t.Fatalf("subscribe error: %+v", r.Error)
	}
}

// authorize logs in and consumes the difficulty and job pushes
func (h *harness) authorize(username string) *reply {
	h.t.Helper()
	r := h.call(2, MethodAuthorize, username, "x")
	if string(r.Result) != "true" {
		h.t.Fatalf("authorize %s = %s %+v", username, r.Result, r.Error)
	}
	if diff := h.recv(); diff.Method != MethodSetDifficulty {
		h.t.Fatalf("expected set_difficulty, got %+v", diff)
	}
	notify := h.recv()
	if notify.Method != MethodNotify {
		h.t.Fatalf("expected notify, got %+v", notify)
	}
	return notify
}

func (h *harness) submitParams(notify *reply) []any {
	job := h.work.Current("")
	return []any{"YKnown.rig", notify.Params[0], "0000002a", fmt.Sprintf("%08x", job.NTime), "1a2b3c4d"}
}

func TestEngine_EndToEndDuplicate(t *testing.T) {
	h := newHarness(t, nil)

	r := h.call(1, MethodSubscribe, "cgminer/4.12")
	var sub []json.RawMessage
	if err := json.Unmarshal(r.Result, &sub); err != nil || len(sub) != 3 {
		t.Fatalf("subscribe result = %s", r.Result)
	}
	var en1 string
	_ = json.Unmarshal(sub[1], &en1)
	if len(en1) != 8 || string(sub[2]) != "4" {
		t.Errorf("extranonce1 = %q, extranonce2 size = %s", en1, sub[2])
	}

	notify := h.authorize("YKnown.rig")
	if len(notify.Params) != 9 || notify.Params[0] != "2a" {
		t.Fatalf("notify params = %v", notify.Params)
	}

	params := h.submitParams(notify)
	first := h.call(3, MethodSubmit, params...)
	if string(first.Result) != "true" || first.Error != nil {
		t.Fatalf("first submit = %s %+v", first.Result, first.Error)
	}

	second := h.call(4, MethodSubmit, params...)
	if string(second.Result) != "false" {
		t.Fatalf("second submit = %s", second.Result)
	}
	if second.Error == nil || second.Error.Code != ErrorDuplicateShare || second.Error.Message != "duplicate" {
		t.Errorf("second submit error = %+v", second.Error)
	}
	if len(h.work.submitted) != 0 {
		t.Error("ordinary shares must not be submitted as blocks")
	}
}

func TestEngine_AuthorizeWithoutSubscribe(t *testing.T) {
	h := newHarness(t, nil)

	notify := h.authorize("YKnown.rig")
	if h.session().State() != StateAuthorized {
		t.Fatalf("state = %s, want authorized", h.session().State())
	}

	r := h.call(3, MethodSubmit, h.submitParams(notify)...)
	if string(r.Result) != "true" || r.Error != nil {
		t.Errorf("submit without subscribe = %s %+v", r.Result, r.Error)
	}
}

func TestEngine_AuthorizeFailureKeepsSession(t *testing.T) {
	validator := &countingValidator{}
	h := newHarness(t, validator)
	h.subscribe()

	r := h.call(2, MethodAuthorize, "YUnknown.rig", "x")
	if string(r.Result) != "false" || r.Error == nil || r.Error.Code != ErrorUnauthorized {
		t.Fatalf("authorize = %s %+v", r.Result, r.Error)
	}
	if got := h.session().State(); got != StateSubscribed {
		t.Errorf("state after failed authorize = %s, want subscribed", got)
	}

	r = h.call(3, MethodSubmit, "YUnknown.rig", "2a", "0000002a", "6553f100", "00000001")
	if string(r.Result) != "false" || r.Error == nil || r.Error.Code != ErrorUnauthorized {
		t.Errorf("submit before authorize = %s %+v", r.Result, r.Error)
	}
	if validator.count() != 0 {
		t.Error("validator must not run for unauthorized sessions")
	}

	// the connection is still usable for a retry
	h.authorize("YKnown.rig")
	if got := h.session().State(); got != StateAuthorized {
		t.Errorf("state = %s, want authorized", got)
	}
}

func TestEngine_AuthorizeBackendError(t *testing.T) {
	h := newHarness(t, &countingValidator{})
	h.auth.err = errors.New(errors.ErrorTypeDatabase, "find_user", "connection refused")

	r := h.call(2, MethodAuthorize, "YKnown.rig", "x")
	if string(r.Result) != "false" || r.Error == nil || r.Error.Code != ErrorOther {
		t.Errorf("authorize = %s %+v", r.Result, r.Error)
	}
	if got := h.session().State(); got != StateConnected {
		t.Errorf("state = %s, want connected", got)
	}
}

func TestEngine_ProtocolErrors(t *testing.T) {
	h := newHarness(t, &countingValidator{})
	h.subscribe()

	h.send(`{"id":5,"method":`)
	if r := h.recv(); r.Error == nil || r.Error.Code != ErrorParseError || r.ID != nil {
		t.Errorf("malformed JSON = %+v", r)
	}

	if r := h.call(6, "mining.bogus"); r.Error == nil || r.Error.Code != ErrorMethodNotFound {
		t.Errorf("unknown method = %+v", r)
	}

	h.send(`{"id":7,"params":[]}`)
	if r := h.recv(); r.Error == nil || r.Error.Code != ErrorInvalidRequest {
		t.Errorf("missing method = %+v", r)
	}

	if r := h.call(8, MethodAuthorize); r.Error == nil || r.Error.Code != ErrorInvalidParams {
		t.Errorf("authorize without params = %+v", r)
	}

	if got := h.session().State(); got != StateSubscribed {
		t.Errorf("state = %s, want subscribed after protocol errors", got)
	}

	h.authorize("YKnown")
	if r := h.call(9, MethodSubmit, "YKnown", "2a"); r.Error == nil || r.Error.Code != ErrorInvalidParams {
		t.Errorf("short submit = %+v", r)
	}
}

func TestEngine_ExtranonceSubscribe(t *testing.T) {
	h := newHarness(t, &countingValidator{})

	h.send(`{"id":1,"method":"mining.extranonce.subscribe","params":[]}`)
	_ = h.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := h.r.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if line != `{"id":1,"result":null,"error":null}`+"\n" {
		t.Errorf("extranonce.subscribe reply = %q", line)
	}
}

func TestEngine_Resubscribe(t *testing.T) {
	h := newHarness(t, &countingValidator{})
	h.subscribe()
	h.authorize("YKnown")

	h.subscribe()
	if h.session().State() != StateAuthorized {
		t.Error("resubscribing must not drop authorization")
	}
	// fresh nonces come with fresh work
	if r := h.recv(); r.Method != MethodSetDifficulty {
		t.Errorf("expected set_difficulty, got %+v", r)
	}
	if r := h.recv(); r.Method != MethodNotify {
		t.Errorf("expected notify, got %+v", r)
	}
}

func TestEngine_GetTransactions(t *testing.T) {
	h := newHarness(t, &countingValidator{})

	r := h.call(1, MethodGetTransactions, "2a")
	if string(r.Result) != `["aa","bb"]` {
		t.Errorf("get_transactions = %s", r.Result)
	}

	r = h.call(2, MethodGetTransactions)
	if string(r.Result) != `["aa","bb"]` {
		t.Errorf("get_transactions for current job = %s", r.Result)
	}

	r = h.call(3, MethodGetTransactions, "ff")
	if r.Error == nil || r.Error.Code != ErrorJobNotFound {
		t.Errorf("unknown job = %+v", r)
	}
}

func TestEngine_RejectionCodes(t *testing.T) {
	tests := []struct {
		reason validation.Reason
		code   int
	}{
		{validation.ReasonStaleJob, ErrorJobNotFound},
		{validation.ReasonDuplicate, ErrorDuplicateShare},
		{validation.ReasonAboveTarget, ErrorLowDifficulty},
		{validation.ReasonBadNTime, ErrorOther},
		{validation.ReasonMalformed, ErrorOther},
	}

	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			h := newHarness(t, &countingValidator{res: &validation.Result{Reason: tt.reason}})
			notify := h.authorize("YKnown")

			r := h.call(3, MethodSubmit, h.submitParams(notify)...)
			if string(r.Result) != "false" || r.Error == nil || r.Error.Code != tt.code || r.Error.Message != string(tt.reason) {
				t.Errorf("submit = %s %+v", r.Result, r.Error)
			}
		})
	}
}

func TestEngine_BlockCandidate(t *testing.T) {
	job := testJob()
	res := &validation.Result{
		Valid:          true,
		BlockCandidate: true,
		Job:            job,
		HashDifficulty: 300,
		ExtraNonce2:    []byte{0, 0, 0, 0x2a},
		NTime:          job.NTime,
		Nonce:          0x1a2b3c4d,
	}
	h := newHarness(t, &countingValidator{res: res})
	published := make(chanPublisher, 1)
	h.engine.SetBlockPublisher(published)

	h.subscribe()
	notify := h.authorize("YKnown.rig")
	r := h.call(3, MethodSubmit, h.submitParams(notify)...)
	if string(r.Result) != "true" {
		t.Fatalf("submit = %s %+v", r.Result, r.Error)
	}

	select {
	case e := <-published:
		if e.Coin != testCoin || e.Height != 840000 || e.UserID != 1 || e.WorkerName != "rig" {
			t.Errorf("event = %+v", e)
		}
		if len(e.Hash) != 64 {
			t.Errorf("block hash = %q", e.Hash)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no block found event")
	}

	h.work.mu.Lock()
	defer h.work.mu.Unlock()
	if len(h.work.submitted) != 1 {
		t.Fatalf("submitted %d blocks, want 1", len(h.work.submitted))
	}
}

func TestEngine_RejectedBlockNotPublished(t *testing.T) {
	job := testJob()
	res := &validation.Result{Valid: true, BlockCandidate: true, Job: job, ExtraNonce2: make([]byte, 4), NTime: job.NTime}
	h := newHarness(t, &countingValidator{res: res})
	h.work.submitErr = errors.New(errors.ErrorTypeDaemon, "submit_block", "block rejected: bad-txnmrklroot")
	published := make(chanPublisher, 1)
	h.engine.SetBlockPublisher(published)

	notify := h.authorize("YKnown")
	if r := h.call(3, MethodSubmit, h.submitParams(notify)...); string(r.Result) != "true" {
		t.Errorf("the share itself is still valid, got %s", r.Result)
	}

	select {
	case e := <-published:
		t.Errorf("rejected block published: %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}
