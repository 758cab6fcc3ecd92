// Package queue provides a durable, disk-backed work queue with at-least-once
// delivery guarantees.
//
// Messages live in a single SQLite file and survive restarts. A consumer
// claims a message under a lease. Until it completes the message or the lease
// runs out, no other consumer, in this process or another, can claim it. A
// consumer that crashes mid-message loses its lease and the message is
// delivered again.
//
// Basic usage:
//
//	q, err := queue.Open("jobs.db", queue.Config{MaxSize: 1000})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer q.Close()
//
//	// Produce
//	if _, err := q.Put(ctx, []byte("hello"), queue.NoWait); err != nil {
//	    log.Fatal(err)
//	}
//
//	// Consume by hand
//	msg, err := q.Pop(ctx, 30*time.Second, 5*time.Second)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	process(msg.Payload)
//	q.Complete(ctx, msg)
//
//	// Or let a Runtime drive a pool of workers
//	rt := queue.NewRuntime(q)
//	rt.RegisterFunc(func(ctx context.Context, msg queue.Message) error {
//	    return process(msg.Payload)
//	})
//	rt.Run(ctx)
//
// Messages may be processed more than once in failure scenarios, so handlers
// must be idempotent.
package queue
