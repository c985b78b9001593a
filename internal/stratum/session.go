package stratum

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/gomp-pool/internal/work"
	"github.com/bardlex/gomp-pool/pkg/log"
)

// State is where a session is in the subscribe/authorize handshake
type State int32

// Session states
const (
	StateConnected State = iota
	StateSubscribed
	StateAuthorized
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateAuthorized:
		return "authorized"
	default:
		return "unknown"
	}
}

// Miner is the identity a session is authorized as
type Miner struct {
	UserID   int64
	WorkerID int64
	Address  string
	Worker   string
}

// SessionConfig holds per-connection limits
type SessionConfig struct {
	Difficulty     float64
	MaxMessageSize int
	OutboundBuffer int
	WriteTimeout   time.Duration
}

// Session represents a Stratum mining session
type Session struct {
	id     string
	coin   string
	conn   net.Conn
	cfg    SessionConfig
	logger *log.Logger

	mu          sync.RWMutex
	state       State
	extraNonce1 []byte
	difficulty  float64
	miner       *Miner

	lastActivity atomic.Int64

	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewSession creates a session for conn mining coin
func NewSession(id, coin string, conn net.Conn, cfg SessionConfig, logger *log.Logger) (*Session, error) {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4096
	}
	if cfg.OutboundBuffer <= 0 {
		cfg.OutboundBuffer = 100
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Difficulty <= 0 {
		cfg.Difficulty = 1
	}

	en1, err := newExtraNonce1()
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:          id,
		coin:        coin,
		conn:        conn,
		cfg:         cfg,
		logger:      logger.WithSession(id, conn.RemoteAddr().String()).WithCoin(coin),
		extraNonce1: en1,
		difficulty:  cfg.Difficulty,
		outbound:    make(chan []byte, cfg.OutboundBuffer),
		done:        make(chan struct{}),
	}
	s.Touch(time.Now())
	return s, nil
}

func newExtraNonce1() ([]byte, error) {
	b := make([]byte, work.ExtraNonce1Size)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("extranonce1: %w", err)
	}
	return b, nil
}

// Run serves the connection until it closes or ctx ends. Lines are handed to
// handler one at a time in arrival order.
func (s *Session) Run(ctx context.Context, handler MessageHandler) error {
	s.logger.LogConnection("connected", s.RemoteAddr())

	go s.writeLoop(ctx)
	return s.readLoop(ctx, handler)
}

// readLoop handles incoming messages from the client
func (s *Session) readLoop(ctx context.Context, handler MessageHandler) error {
	defer s.Close()

	stop := context.AfterFunc(ctx, s.Close)
	defer stop()

	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, 0, s.cfg.MaxMessageSize), s.cfg.MaxMessageSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.Touch(time.Now())
		s.logger.LogStratumMessage("received", string(line))

		msg, err := ParseMessage(line)
		if err != nil {
			s.logger.WithError(err).Debug("failed to parse message")
			if sendErr := s.Send(NewErrorResponse(nil, ErrorParseError, "Parse error")); sendErr != nil {
				s.logger.WithError(sendErr).Warn("failed to send parse error")
			}
			continue
		}

		if err := handler.HandleMessage(ctx, s, msg); err != nil {
			s.logger.WithError(err).Warn("failed to handle message")
		}
	}

	select {
	case <-s.done:
		// closed locally: eviction or shutdown
		return nil
	default:
	}
	if err := scanner.Err(); err != nil {
		s.logger.WithError(err).Info("read failed")
		return err
	}
	s.logger.Info("client disconnected")
	return nil
}

// writeLoop handles outbound messages to the client
func (s *Session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case data := <-s.outbound:
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				s.logger.WithError(err).Debug("failed to set write deadline")
				s.Close()
				return
			}

			if _, err := s.conn.Write(data); err != nil {
				s.logger.WithError(err).Debug("failed to write message")
				s.Close()
				return
			}

			s.logger.LogStratumMessage("sent", string(bytes.TrimSuffix(data, []byte{'\n'})))
		}
	}
}

// encodeLine marshals msg as one newline-terminated Stratum line. The
// result is never modified afterwards, so one line can be queued on many
// sessions.
func encodeLine(msg *Message) ([]byte, error) {
	data, err := MarshalMessage(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return append(data, '\n'), nil
}

var (
	errSessionClosed = errors.New("session closed")
	errOutboundFull  = errors.New("outbound channel full")
)

// Send queues msg for the writer without blocking
func (s *Session) Send(msg *Message) error {
	line, err := encodeLine(msg)
	if err != nil {
		return err
	}

	select {
	case <-s.done:
		return errSessionClosed
	default:
	}

	select {
	case s.outbound <- line:
		return nil
	case <-s.done:
		return errSessionClosed
	default:
		return errOutboundFull
	}
}

// sendLine queues an encoded line, waiting up to the write timeout for the
// writer to make room
func (s *Session) sendLine(line []byte) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}

	timer := time.NewTimer(s.cfg.WriteTimeout)
	defer timer.Stop()

	select {
	case s.outbound <- line:
		return nil
	case <-s.done:
		return errSessionClosed
	case <-timer.C:
		return errOutboundFull
	}
}

// Close closes the session. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if err := s.conn.Close(); err != nil {
			s.logger.WithError(err).Debug("failed to close connection")
		}
		s.logger.LogConnection("disconnected", s.RemoteAddr())
	})
}

// Done is closed when the session ends
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ID returns the unique session identifier.
func (s *Session) ID() string {
	return s.id
}

// Coin returns the coin fixed by the listening port.
func (s *Session) Coin() string {
	return s.coin
}

// RemoteAddr returns the remote address of the client connection.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// Logger returns the session-scoped logger.
func (s *Session) Logger() *log.Logger {
	return s.logger
}

// Touch records activity at now.
func (s *Session) Touch(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
}

// LastActivity returns when the miner last sent a line.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// State returns the handshake state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Subscribe installs a fresh extranonce1. An authorized session stays authorized.
func (s *Session) Subscribe() ([]byte, error) {
	en1, err := newExtraNonce1()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.extraNonce1 = en1
	if s.state < StateSubscribed {
		s.state = StateSubscribed
	}
	return en1, nil
}

// Authorize binds miner to the session.
func (s *Session) Authorize(miner *Miner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.miner = miner
	s.state = StateAuthorized
}

// Miner returns the authorized identity, or nil.
func (s *Session) Miner() *Miner {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.miner
}

// ExtraNonce1 returns the pool part of the extranonce.
func (s *Session) ExtraNonce1() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.extraNonce1
}

// ExtraNonce1Hex is ExtraNonce1 as sent on the wire.
func (s *Session) ExtraNonce1Hex() string {
	return hex.EncodeToString(s.ExtraNonce1())
}

// Difficulty returns the share difficulty for this session.
func (s *Session) Difficulty() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.difficulty
}

// SetDifficulty sets the share difficulty for this session.
func (s *Session) SetDifficulty(difficulty float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.difficulty = difficulty
}

// MessageHandler interface for handling Stratum messages
type MessageHandler interface {
	HandleMessage(ctx context.Context, session *Session, msg *Message) error
}
