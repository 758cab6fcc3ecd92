package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"time"

	"k8s.io/klog/v2"

	"github.com/nickqweaver/litequeue/pkg/queue"
)

type Producer struct {
	queue *queue.Queue
}

func NewProducer(q *queue.Queue) *Producer {
	return &Producer{
		queue: q,
	}
}

// Enqueue puts payloads in order. On failure the ids assigned so far are
// returned with the error.
func (p *Producer) Enqueue(ctx context.Context, timeout time.Duration, payloads ...[]byte) ([]int64, error) {
	ids := make([]int64, 0, len(payloads))
	for i, payload := range payloads {
		id, err := p.queue.Put(ctx, payload, timeout)
		if err != nil {
			return ids, fmt.Errorf("enqueue payload %d: %w", i, err)
		}
		ids = append(ids, id)
	}

	klog.V(4).InfoS("Enqueued payloads", "count", len(ids))
	return ids, nil
}

// EnqueueLines enqueues every non-empty line read from r.
func (p *Producer) EnqueueLines(ctx context.Context, r io.Reader, timeout time.Duration) ([]int64, error) {
	var ids []int64

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		// Scanner reuses its buffer between calls.
		payload := append([]byte(nil), line...)
		id, err := p.queue.Put(ctx, payload, timeout)
		if err != nil {
			return ids, fmt.Errorf("enqueue line %d: %w", len(ids)+1, err)
		}
		ids = append(ids, id)
	}
	if err := scanner.Err(); err != nil {
		return ids, fmt.Errorf("read payloads: %w", err)
	}
	return ids, nil
}
