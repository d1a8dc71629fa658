package kafka

import (
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"

	"github.com/openloom/plugin-server/pkg/config"
)

type stubSyncProducer struct {
	batches [][]*sarama.ProducerMessage
	err     error
	closed  bool
}

func (s *stubSyncProducer) SendMessages(msgs []*sarama.ProducerMessage) error {
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, msgs)
	return nil
}

func (s *stubSyncProducer) Close() error {
	s.closed = true
	return nil
}

func testProducer(sp syncProducer, batchSize int) *Producer {
	return newBufferedProducer(sp, config.KafkaConfig{
		FlushBatchSize: batchSize,
		FlushInterval:  time.Hour,
	}, nil)
}

func TestQueueFlushesAtBatchSize(t *testing.T) {
	stub := &stubSyncProducer{}
	p := testProducer(stub, 2)

	if err := p.Queue("events", nil, []byte("one")); err != nil {
		t.Fatalf("queue failed: %v", err)
	}
	if len(stub.batches) != 0 {
		t.Fatalf("flushed before reaching batch size")
	}
	if err := p.Queue("events", nil, []byte("two")); err != nil {
		t.Fatalf("queue failed: %v", err)
	}
	if len(stub.batches) != 1 {
		t.Fatalf("expected one batch, got %d", len(stub.batches))
	}
	if got := len(stub.batches[0]); got != 2 {
		t.Fatalf("expected 2 messages in batch, got %d", got)
	}
	if p.QueueDepth() != 0 {
		t.Fatalf("queue should be empty after flush")
	}
}

func TestFlushRequeuesOnError(t *testing.T) {
	stub := &stubSyncProducer{err: errors.New("broker unavailable")}
	p := testProducer(stub, 10)

	if err := p.Queue("events", []byte("k"), []byte("v")); err != nil {
		t.Fatalf("queue failed: %v", err)
	}
	if err := p.Flush(); err == nil {
		t.Fatalf("expected flush error")
	}
	if p.QueueDepth() != 1 {
		t.Fatalf("failed batch should be requeued, depth=%d", p.QueueDepth())
	}

	stub.err = nil
	if err := p.Flush(); err != nil {
		t.Fatalf("retry flush failed: %v", err)
	}
	if p.QueueDepth() != 0 {
		t.Fatalf("queue should drain after successful retry")
	}
}

func TestFlushPreservesOrderAcrossFailure(t *testing.T) {
	stub := &stubSyncProducer{err: errors.New("transient")}
	p := testProducer(stub, 10)

	_ = p.Queue("events", nil, []byte("first"))
	_ = p.Flush()
	_ = p.Queue("events", nil, []byte("second"))

	stub.err = nil
	if err := p.Flush(); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	if len(stub.batches) != 1 {
		t.Fatalf("expected single combined batch, got %d", len(stub.batches))
	}
	batch := stub.batches[0]
	if len(batch) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(batch))
	}
	first, _ := batch[0].Value.Encode()
	second, _ := batch[1].Value.Encode()
	if string(first) != "first" || string(second) != "second" {
		t.Fatalf("order not preserved: %q then %q", first, second)
	}
}

func TestCloseFlushesRemaining(t *testing.T) {
	stub := &stubSyncProducer{}
	p := testProducer(stub, 10)

	_ = p.Queue("events", nil, []byte("tail"))
	if err := p.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if len(stub.batches) != 1 {
		t.Fatalf("expected close to flush buffered messages")
	}
	if !stub.closed {
		t.Fatalf("underlying producer not closed")
	}
}

func TestEmptyFlushIsNoop(t *testing.T) {
	stub := &stubSyncProducer{}
	p := testProducer(stub, 10)
	if err := p.Flush(); err != nil {
		t.Fatalf("empty flush errored: %v", err)
	}
	if len(stub.batches) != 0 {
		t.Fatalf("no batch should be sent for an empty queue")
	}
}
