package sink

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type recordSink struct {
	mu       sync.Mutex
	topics   []string
	err      error
	closed   bool
	closeErr error
}

func (r *recordSink) Publish(_ context.Context, topic string, _ []byte, _ byte, _ bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	return r.err
}

func (r *recordSink) Close(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return r.closeErr
}

func TestFanout_MirrorsToSecondaries(t *testing.T) {
	primary, archive := &recordSink{}, &recordSink{}
	f := NewFanout(nil, primary, archive)

	if err := f.Publish(context.Background(), "a/b", []byte("{}"), 0, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if len(primary.topics) != 1 || len(archive.topics) != 1 {
		t.Errorf("primary got %v, archive got %v, want one each", primary.topics, archive.topics)
	}
}

func TestFanout_SecondaryFailureIgnored(t *testing.T) {
	primary := &recordSink{}
	broken := &recordSink{err: errors.New("disk full")}
	f := NewFanout(nil, primary, broken)

	if err := f.Publish(context.Background(), "a/b", nil, 0, false); err != nil {
		t.Errorf("Publish() error = %v, want nil when only a secondary fails", err)
	}
}

func TestFanout_PrimaryFailureReturned(t *testing.T) {
	down := errors.New("connection down")
	primary := &recordSink{err: &PublishError{Topic: "a/b", Err: down}}
	archive := &recordSink{}
	f := NewFanout(nil, primary, archive)

	err := f.Publish(context.Background(), "a/b", nil, 0, false)
	var pe *PublishError
	if !errors.As(err, &pe) || pe.Topic != "a/b" {
		t.Fatalf("Publish() error = %v, want *PublishError for a/b", err)
	}
	if !errors.Is(err, down) {
		t.Errorf("PublishError should unwrap to the transport error")
	}
	if len(archive.topics) != 0 {
		t.Errorf("archive got %v, want nothing mirrored for a rejected publish", archive.topics)
	}
}

func TestFanout_CloseClosesAll(t *testing.T) {
	primary := &recordSink{}
	archive := &recordSink{closeErr: errors.New("busy")}
	f := NewFanout(nil, primary, archive)

	if err := f.Close(context.Background()); err == nil {
		t.Error("Close() should report the secondary close error")
	}
	if !primary.closed || !archive.closed {
		t.Error("Close() should close every sink")
	}
}
