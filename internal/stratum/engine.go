package stratum

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/gomp-pool/internal/messaging"
	"github.com/bardlex/gomp-pool/internal/validation"
	"github.com/bardlex/gomp-pool/internal/work"
	"github.com/bardlex/gomp-pool/internal/workerpool"
	"github.com/bardlex/gomp-pool/pkg/errors"
	"github.com/bardlex/gomp-pool/pkg/log"
)

// Authorizer resolves a miner login to a user and worker. Unknown or
// inactive addresses fail with an errors.ErrorTypeAuth error.
type Authorizer interface {
	AuthorizeWorker(ctx context.Context, coin, address, worker string) (*Miner, error)
}

// ShareValidator grades submissions
type ShareValidator interface {
	Validate(ctx context.Context, sub *validation.Submission) (*validation.Result, error)
}

// WorkSource is the engine's view of the work manager
type WorkSource interface {
	CurrentJob(ctx context.Context, coin string) (*work.Job, error)
	Job(coin, id string) (*work.Job, bool)
	SubmitSolved(ctx context.Context, coin, blockHex string) error
}

// BlockPublisher announces blocks the daemon accepted
type BlockPublisher interface {
	PublishBlockFound(ctx context.Context, e *messaging.BlockFoundEvent) error
}

const publishTimeout = 10 * time.Second

// Engine drives sessions through subscribe, authorize and submit. Store and
// daemon calls run on the worker pool; the session's reader waits for the
// result so replies keep arrival order.
type Engine struct {
	auth      Authorizer
	validator ShareValidator
	work      WorkSource
	pool      *workerpool.Pool
	publisher BlockPublisher
	logger    *log.Logger
	now       func() time.Time
}

// NewEngine creates the protocol engine
func NewEngine(auth Authorizer, validator ShareValidator, ws WorkSource, pool *workerpool.Pool, logger *log.Logger) *Engine {
	return &Engine{
		auth:      auth,
		validator: validator,
		work:      ws,
		pool:      pool,
		logger:    logger.WithComponent("stratum_engine"),
		now:       time.Now,
	}
}

// SetBlockPublisher enables block-found events
func (e *Engine) SetBlockPublisher(p BlockPublisher) {
	e.publisher = p
}

// HandleMessage implements MessageHandler. Errors only report failed sends;
// protocol problems are answered on the wire and leave the state alone.
func (e *Engine) HandleMessage(ctx context.Context, s *Session, msg *Message) error {
	switch msg.Method {
	case "":
		return s.Send(NewErrorResponse(msg.ID, ErrorInvalidRequest, "Invalid request"))
	case MethodSubscribe:
		return e.handleSubscribe(ctx, s, msg)
	case MethodAuthorize:
		return e.handleAuthorize(ctx, s, msg)
	case MethodSubmit:
		return e.handleSubmit(ctx, s, msg)
	case MethodExtranonceSubscribe:
		return s.Send(NewResponse(msg.ID, nil))
	case MethodGetTransactions:
		return e.handleGetTransactions(ctx, s, msg)
	default:
		s.Logger().Debug("unknown method", "method", msg.Method)
		return s.Send(NewErrorResponse(msg.ID, ErrorMethodNotFound, "Method not found"))
	}
}

func (e *Engine) handleSubscribe(ctx context.Context, s *Session, msg *Message) error {
	req, err := ParseSubscribeRequest(msg.Params)
	if err != nil {
		return s.Send(NewErrorResponse(msg.ID, ErrorInvalidParams, err.Error()))
	}

	wasAuthorized := s.State() == StateAuthorized
	if _, err := s.Subscribe(); err != nil {
		s.Logger().WithError(err).Error("failed to issue extranonce1")
		return s.Send(NewErrorResponse(msg.ID, ErrorOther, "internal error"))
	}

	s.Logger().Debug("subscribed", "user_agent", req.UserAgent)
	result := []any{
		[][]string{
			{MethodSetDifficulty, s.ID()},
			{MethodNotify, s.ID()},
		},
		s.ExtraNonce1Hex(),
		work.ExtraNonce2Size,
	}
	if err := s.Send(NewResponse(msg.ID, result)); err != nil {
		return err
	}

	if wasAuthorized {
		// new extranonce1, so hand out work again
		return e.sendWork(ctx, s)
	}
	return nil
}

func (e *Engine) handleAuthorize(ctx context.Context, s *Session, msg *Message) error {
	req, err := ParseAuthorizeRequest(msg.Params)
	if err != nil {
		return s.Send(NewErrorResponse(msg.ID, ErrorInvalidParams, err.Error()))
	}

	address, worker := ParseUsername(req.Username)
	if address == "" {
		return s.Send(NewRejection(msg.ID, ErrorUnauthorized, "unauthorized worker"))
	}

	miner, err := workerpool.Do(ctx, e.pool, func(ctx context.Context) (*Miner, error) {
		return e.auth.AuthorizeWorker(ctx, s.Coin(), address, worker)
	})
	if err != nil {
		logger := s.Logger().WithMiner(address, worker).WithError(err)
		if errors.IsType(err, errors.ErrorTypeAuth) {
			logger.Info("authorization refused")
			return s.Send(NewRejection(msg.ID, ErrorUnauthorized, "unauthorized worker"))
		}
		logger.Error("authorization failed")
		return s.Send(NewRejection(msg.ID, ErrorOther, "internal error"))
	}

	s.Authorize(miner)
	s.Logger().WithMiner(miner.Address, miner.Worker).Info("worker authorized",
		"user_id", miner.UserID, "worker_id", miner.WorkerID)

	if err := s.Send(NewResponse(msg.ID, true)); err != nil {
		return err
	}
	return e.sendWork(ctx, s)
}

// sendWork pushes the session difficulty and the current job
func (e *Engine) sendWork(ctx context.Context, s *Session) error {
	if err := s.Send(NewSetDifficulty(s.Difficulty())); err != nil {
		return err
	}

	job, err := workerpool.Do(ctx, e.pool, func(ctx context.Context) (*work.Job, error) {
		return e.work.CurrentJob(ctx, s.Coin())
	})
	if err != nil {
		return err
	}
	return s.Send(NewNotify(job))
}

func (e *Engine) handleSubmit(ctx context.Context, s *Session, msg *Message) error {
	if s.State() != StateAuthorized {
		return s.Send(NewRejection(msg.ID, ErrorUnauthorized, "unauthorized worker"))
	}

	req, err := ParseSubmitRequest(msg.Params)
	if err != nil {
		return s.Send(NewErrorResponse(msg.ID, ErrorInvalidParams, err.Error()))
	}

	miner := s.Miner()
	sub := &validation.Submission{
		SessionID:    s.ID(),
		Coin:         s.Coin(),
		UserID:       miner.UserID,
		WorkerID:     miner.WorkerID,
		MinerAddress: miner.Address,
		WorkerName:   miner.Worker,
		JobID:        req.JobID,
		ExtraNonce1:  s.ExtraNonce1(),
		ExtraNonce2:  req.ExtraNonce2,
		NTime:        req.NTime,
		Nonce:        req.Nonce,
		Difficulty:   s.Difficulty(),
		ReceivedAt:   e.now(),
	}

	res, err := workerpool.Do(ctx, e.pool, func(ctx context.Context) (*validation.Result, error) {
		return e.validator.Validate(ctx, sub)
	})

	logger := s.Logger().WithMiner(miner.Address, miner.Worker)
	var reply *Message
	switch {
	case err != nil:
		logger.WithError(err).Error("share validation failed", "job_id", req.JobID)
		reply = NewRejection(msg.ID, ErrorOther, "internal error")
	case !res.Valid:
		logger.LogShareSubmission(miner.Address, miner.Worker, req.JobID, sub.Difficulty, string(res.Reason))
		reply = NewRejection(msg.ID, rejectionCode(res.Reason), string(res.Reason))
	default:
		logger.LogShareSubmission(miner.Address, miner.Worker, req.JobID, sub.Difficulty, "accepted")
		reply = NewResponse(msg.ID, true)
	}
	sendErr := s.Send(reply)

	if res != nil && res.Valid && res.BlockCandidate {
		e.submitBlock(ctx, s, sub, res)
	}
	return sendErr
}

func rejectionCode(reason validation.Reason) int {
	switch reason {
	case validation.ReasonStaleJob:
		return ErrorJobNotFound
	case validation.ReasonDuplicate:
		return ErrorDuplicateShare
	case validation.ReasonAboveTarget:
		return ErrorLowDifficulty
	default:
		return ErrorOther
	}
}

func (e *Engine) submitBlock(ctx context.Context, s *Session, sub *validation.Submission, res *validation.Result) {
	job := res.Job
	logger := s.Logger().WithMiner(sub.MinerAddress, sub.WorkerName).WithJob(job.ID, job.Height)

	blockHex, err := res.BlockHex(sub.ExtraNonce1)
	if err != nil {
		logger.WithError(err).Error("failed to serialize block candidate")
		return
	}

	_, err = workerpool.Do(ctx, e.pool, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.work.SubmitSolved(ctx, sub.Coin, blockHex)
	})
	if err != nil {
		logger.WithError(err).Error("block candidate rejected", "reason", errors.Message(err))
		return
	}

	header := job.Header(sub.ExtraNonce1, res.ExtraNonce2, res.NTime, res.Nonce)
	blockHash := chainhash.DoubleHashH(header).String()
	logger.LogBlockFound(sub.Coin, blockHash, job.Height, sub.MinerAddress, sub.WorkerName)

	if e.publisher == nil {
		return
	}
	event := &messaging.BlockFoundEvent{
		Coin:              sub.Coin,
		Height:            job.Height,
		Hash:              blockHash,
		JobID:             job.ID,
		UserID:            sub.UserID,
		WorkerID:          sub.WorkerID,
		MinerAddress:      sub.MinerAddress,
		WorkerName:        sub.WorkerName,
		ShareDifficulty:   res.HashDifficulty,
		NetworkDifficulty: job.Difficulty,
		FoundAt:           e.now(),
	}

	// publishing must outlive the miner's connection
	err = e.pool.Submit(context.WithoutCancel(ctx), func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, publishTimeout)
		defer cancel()
		if err := e.publisher.PublishBlockFound(ctx, event); err != nil {
			logger.WithError(err).Error("failed to publish block found event")
		}
	})
	if err != nil {
		logger.WithError(err).Error("failed to queue block found event")
	}
}

func (e *Engine) handleGetTransactions(ctx context.Context, s *Session, msg *Message) error {
	var job *work.Job
	if len(msg.Params) > 0 {
		id, ok := msg.Params[0].(string)
		if !ok {
			return s.Send(NewErrorResponse(msg.ID, ErrorInvalidParams, "job_id must be string"))
		}
		if job, ok = e.work.Job(s.Coin(), id); !ok {
			return s.Send(NewErrorResponse(msg.ID, ErrorJobNotFound, "Job not found"))
		}
	} else {
		var err error
		job, err = workerpool.Do(ctx, e.pool, func(ctx context.Context) (*work.Job, error) {
			return e.work.CurrentJob(ctx, s.Coin())
		})
		if err != nil {
			return s.Send(NewErrorResponse(msg.ID, ErrorOther, "internal error"))
		}
	}

	hashes := job.TxHashes
	if hashes == nil {
		hashes = []string{}
	}
	return s.Send(NewResponse(msg.ID, hashes))
}
