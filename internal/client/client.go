// Package client is the producer side used by the command line.
package client

import (
	"context"
	"io"
	"time"

	"github.com/nickqweaver/litequeue/pkg/queue"
)

type Client struct {
	queue    *queue.Queue
	producer *Producer
}

// NewClient takes ownership of q.
func NewClient(q *queue.Queue) *Client {
	p := NewProducer(q)
	return &Client{
		queue:    q,
		producer: p,
	}
}

func (c *Client) Queue() *queue.Queue {
	return c.queue
}

func (c *Client) Enqueue(ctx context.Context, timeout time.Duration, payloads ...[]byte) ([]int64, error) {
	return c.producer.Enqueue(ctx, timeout, payloads...)
}

func (c *Client) EnqueueLines(ctx context.Context, r io.Reader, timeout time.Duration) ([]int64, error) {
	return c.producer.EnqueueLines(ctx, r, timeout)
}

func (c *Client) Close() error {
	return c.queue.Close()
}
