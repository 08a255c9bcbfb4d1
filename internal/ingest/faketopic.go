package ingest

import "context"

// FakeTopic is an in-process, channel-backed Topic. It exists so cmd/gateway
// has a runnable default without a real broker dependency, and so ingest
// tests can publish fixtures directly.
type FakeTopic struct {
	messages chan []byte
}

// NewFakeTopic builds a FakeTopic with the given inbox capacity.
func NewFakeTopic(capacity int) *FakeTopic {
	return &FakeTopic{messages: make(chan []byte, capacity)}
}

// Publish enqueues body for the next Consume call. It blocks if the inbox is full.
func (f *FakeTopic) Publish(ctx context.Context, body []byte) error {
	select {
	case f.messages <- body:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume implements Topic. ack is a no-op: there is nothing to acknowledge
// against an in-process channel.
func (f *FakeTopic) Consume(ctx context.Context) ([]byte, func(), error) {
	select {
	case body := <-f.messages:
		return body, func() {}, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}
