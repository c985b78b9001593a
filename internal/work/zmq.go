package work

import (
	"context"
	"encoding/hex"
	"fmt"
	"slices"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/gomp-pool/pkg/log"
)

const topicHashBlock = "hashblock"

// Refresher is notified when a coin's chain tip moves
type Refresher interface {
	TriggerRefresh(coin string)
}

// BlockNotifier listens for hashblock notifications from one coin daemon
type BlockNotifier struct {
	coin      string
	endpoint  string
	socket    *zmq.Socket
	refresher Refresher
	logger    *log.Logger
}

// NewBlockNotifier creates a SUB socket subscribed to hashblock on endpoint
func NewBlockNotifier(coin, endpoint string, refresher Refresher, logger *log.Logger) (*BlockNotifier, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}

	if err := socket.SetSubscribe(topicHashBlock); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topicHashBlock, err)
	}
	if err := socket.Connect(endpoint); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to connect to ZMQ endpoint %s: %w", endpoint, err)
	}

	return &BlockNotifier{
		coin:      coin,
		endpoint:  endpoint,
		socket:    socket,
		refresher: refresher,
		logger:    logger.WithComponent("zmq").WithCoin(coin),
	}, nil
}

// Listen polls the socket until ctx is cancelled
func (n *BlockNotifier) Listen(ctx context.Context) error {
	n.logger.Info("listening for block notifications", "endpoint", n.endpoint)

	poller := zmq.NewPoller()
	poller.Add(n.socket, zmq.POLLIN)

	for {
		select {
		case <-ctx.Done():
			n.logger.Info("block notifier stopping")
			return ctx.Err()
		default:
		}

		polled, err := poller.Poll(500 * time.Millisecond)
		if err != nil {
			n.logger.WithError(err).Error("ZMQ poll failed")
			continue
		}
		if len(polled) == 0 {
			continue
		}

		msg, err := n.socket.RecvMessageBytes(0)
		if err != nil {
			n.logger.WithError(err).Error("failed to receive ZMQ message")
			continue
		}

		if err := n.handle(msg); err != nil {
			n.logger.WithError(err).Warn("ignoring ZMQ message")
		}
	}
}

func (n *BlockNotifier) handle(msg [][]byte) error {
	if len(msg) < 2 {
		return fmt.Errorf("malformed message with %d parts", len(msg))
	}

	topic := string(msg[0])
	if topic != topicHashBlock {
		return fmt.Errorf("unexpected topic %q", topic)
	}
	if len(msg[1]) != 32 {
		return fmt.Errorf("invalid block hash length: %d", len(msg[1]))
	}

	n.logger.Info("new block notification", "block_hash", displayHash(msg[1]))
	n.refresher.TriggerRefresh(n.coin)
	return nil
}

// Close closes the socket
func (n *BlockNotifier) Close() error {
	return n.socket.Close()
}

// displayHash reverses a raw hash into the usual display order
func displayHash(raw []byte) string {
	reversed := slices.Clone(raw)
	slices.Reverse(reversed)
	return hex.EncodeToString(reversed)
}
