package stratum

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/remeh/sizedwaitgroup"

	"github.com/bardlex/gomp-pool/internal/work"
	"github.com/bardlex/gomp-pool/pkg/log"
)

// JobFeed delivers freshly built jobs
type JobFeed interface {
	Subscribe() <-chan *work.Job
}

// Presence tracks online sessions per coin for other processes
type Presence interface {
	SessionOpened(ctx context.Context, coin string) error
	SessionClosed(ctx context.Context, coin string) error
}

// ServerConfig configures listeners and housekeeping
type ServerConfig struct {
	ListenAddr           string
	Ports                map[int]string
	IdleTimeout          time.Duration
	HousekeepingInterval time.Duration
	BroadcastConcurrency int
	Session              SessionConfig
}

const presenceTimeout = 2 * time.Second

// Server accepts miners on a fixed port-to-coin table and keeps the session registry
type Server struct {
	cfg      ServerConfig
	handler  MessageHandler
	feed     JobFeed
	presence Presence
	logger   *log.Logger
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session

	lnMu      sync.Mutex
	listeners []net.Listener

	nextID atomic.Uint64
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewServer creates a server. feed may be nil when jobs are broadcast by hand.
func NewServer(cfg ServerConfig, handler MessageHandler, feed JobFeed, logger *log.Logger) *Server {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.HousekeepingInterval <= 0 {
		cfg.HousekeepingInterval = 30 * time.Second
	}
	if cfg.BroadcastConcurrency <= 0 {
		cfg.BroadcastConcurrency = 64
	}

	return &Server{
		cfg:      cfg,
		handler:  handler,
		feed:     feed,
		logger:   logger.WithComponent("stratum_server"),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// SetPresence enables online session counters
func (srv *Server) SetPresence(p Presence) {
	srv.presence = p
}

// Start opens every configured port and starts the background loops. It
// returns once listening; the server stops when ctx ends or Stop is called.
func (srv *Server) Start(ctx context.Context) error {
	ctx, srv.cancel = context.WithCancel(ctx)

	ports := make([]int, 0, len(srv.cfg.Ports))
	for port := range srv.cfg.Ports {
		ports = append(ports, port)
	}
	sort.Ints(ports)

	var lc net.ListenConfig
	for _, port := range ports {
		coin := srv.cfg.Ports[port]
		addr := net.JoinHostPort(srv.cfg.ListenAddr, strconv.Itoa(port))

		ln, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			srv.cancel()
			srv.closeListeners()
			return fmt.Errorf("listen %s for %s: %w", addr, coin, err)
		}
		srv.lnMu.Lock()
		srv.listeners = append(srv.listeners, ln)
		srv.lnMu.Unlock()
		srv.logger.WithCoin(coin).Info("stratum listener started", "addr", ln.Addr().String())

		srv.wg.Add(1)
		go func() {
			defer srv.wg.Done()
			srv.Serve(ctx, ln, coin)
		}()
	}

	srv.wg.Add(1)
	go func() {
		defer srv.wg.Done()
		srv.housekeeping(ctx)
	}()

	if srv.feed != nil {
		jobs := srv.feed.Subscribe()
		srv.wg.Add(1)
		go func() {
			defer srv.wg.Done()
			srv.broadcastLoop(ctx, jobs)
		}()
	}

	return nil
}

// Serve accepts connections on ln until it is closed, fixing their coin
func (srv *Server) Serve(ctx context.Context, ln net.Listener, coin string) {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			srv.logger.WithError(err).Warn("accept failed")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		srv.wg.Add(1)
		go func() {
			defer srv.wg.Done()
			srv.ServeConn(ctx, conn, coin)
		}()
	}
}

// ServeConn runs one miner connection to completion
func (srv *Server) ServeConn(ctx context.Context, conn net.Conn, coin string) {
	id := fmt.Sprintf("%08x", srv.nextID.Add(1))
	s, err := NewSession(id, coin, conn, srv.cfg.Session, srv.logger)
	if err != nil {
		srv.logger.WithError(err).Error("failed to create session")
		_ = conn.Close()
		return
	}

	srv.register(s)
	defer srv.unregister(s)

	if err := s.Run(ctx, srv.handler); err != nil {
		s.Logger().WithError(err).Debug("session ended")
	}
}

func (srv *Server) register(s *Session) {
	srv.mu.Lock()
	srv.sessions[s.ID()] = s
	srv.mu.Unlock()

	srv.updatePresence(s.Coin(), true)
}

func (srv *Server) unregister(s *Session) {
	srv.mu.Lock()
	_, ok := srv.sessions[s.ID()]
	delete(srv.sessions, s.ID())
	srv.mu.Unlock()

	if ok {
		srv.updatePresence(s.Coin(), false)
	}
}

func (srv *Server) updatePresence(coin string, opened bool) {
	if srv.presence == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()

	var err error
	if opened {
		err = srv.presence.SessionOpened(ctx, coin)
	} else {
		err = srv.presence.SessionClosed(ctx, coin)
	}
	if err != nil {
		srv.logger.WithCoin(coin).WithError(err).Debug("failed to update session presence")
	}
}

// Session returns a registered session
func (srv *Server) Session(id string) (*Session, bool) {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	s, ok := srv.sessions[id]
	return s, ok
}

// SessionCount returns the number of registered sessions
func (srv *Server) SessionCount() int {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	return len(srv.sessions)
}

// SendTo queues msg for session id. Unknown ids are ignored.
func (srv *Server) SendTo(id string, msg *Message) bool {
	s, ok := srv.Session(id)
	if !ok {
		return false
	}
	if err := s.Send(msg); err != nil {
		s.Logger().WithError(err).Debug("send failed")
		return false
	}
	return true
}

func (srv *Server) snapshot() []*Session {
	srv.mu.RLock()
	defer srv.mu.RUnlock()

	out := make([]*Session, 0, len(srv.sessions))
	for _, s := range srv.sessions {
		out = append(out, s)
	}
	return out
}

// Housekeep closes sessions idle longer than the idle timeout and drops them
// from the registry. It returns how many were evicted.
func (srv *Server) Housekeep(now time.Time) int {
	evicted := 0
	for _, s := range srv.snapshot() {
		if now.Sub(s.LastActivity()) <= srv.cfg.IdleTimeout {
			continue
		}
		s.Logger().Info("evicting idle session", "idle", now.Sub(s.LastActivity()).String())
		s.Close()
		srv.unregister(s)
		evicted++
	}
	return evicted
}

func (srv *Server) housekeeping(ctx context.Context) {
	ticker := time.NewTicker(srv.cfg.HousekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := srv.Housekeep(srv.now()); n > 0 {
				srv.logger.Info("housekeeping evicted idle sessions", "evicted", n, "sessions", srv.SessionCount())
			}
		}
	}
}

func (srv *Server) broadcastLoop(ctx context.Context, jobs <-chan *work.Job) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			srv.Broadcast(job)
		}
	}
}

// Broadcast sends job to every authorized session mining its coin. The
// notify is encoded once. A session with a full queue gets up to its write
// timeout to drain, and the bounded fan-out keeps one slow miner from
// delaying the rest.
func (srv *Server) Broadcast(job *work.Job) int {
	line, err := encodeLine(NewNotify(job))
	if err != nil {
		srv.logger.WithCoin(job.Coin).WithError(err).Error("failed to encode job", "job_id", job.ID)
		return 0
	}
	swg := sizedwaitgroup.New(srv.cfg.BroadcastConcurrency)

	var sent atomic.Int64
	for _, s := range srv.snapshot() {
		if s.Coin() != job.Coin || s.State() != StateAuthorized {
			continue
		}

		swg.Add()
		go func() {
			defer swg.Done()
			if err := s.sendLine(line); err != nil {
				s.Logger().WithError(err).Debug("failed to send job")
				return
			}
			sent.Add(1)
		}()
	}
	swg.Wait()

	srv.logger.WithCoin(job.Coin).LogJobDistribution(job.ID, job.Height, job.CleanJobs, int(sent.Load()))
	return int(sent.Load())
}

func (srv *Server) closeListeners() {
	srv.lnMu.Lock()
	defer srv.lnMu.Unlock()

	for _, ln := range srv.listeners {
		_ = ln.Close()
	}
	srv.listeners = nil
}

// Stop closes the listeners and every session, then waits for the goroutines
// started by Start.
func (srv *Server) Stop() {
	if srv.cancel != nil {
		srv.cancel()
	}
	srv.closeListeners()
	for _, s := range srv.snapshot() {
		s.Close()
	}
	srv.wg.Wait()
}
