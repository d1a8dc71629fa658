package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/openloom/plugin-server/pkg/config"
	"github.com/openloom/plugin-server/pkg/logger"
)

var errProducerNotInitialized = errors.New("kafka producer not initialized")

// syncProducer is the slice of sarama.SyncProducer the buffered producer uses.
type syncProducer interface {
	SendMessages(msgs []*sarama.ProducerMessage) error
	Close() error
}

// Producer buffers outgoing messages and flushes them as batches, either when
// the buffer reaches the configured batch size or on the flush interval tick.
// All events derived from one pipeline run share the fate of a batch: a failed
// flush keeps the messages queued for the next attempt.
type Producer struct {
	producer      syncProducer
	logg          *logger.Logger
	flushBatch    int
	flushInterval time.Duration

	mu    sync.Mutex
	queue []*sarama.ProducerMessage

	loopStarted bool
	stop        chan struct{}
	done        chan struct{}
}

// NewProducer connects a synchronous producer to the broker list and starts
// the interval flusher.
func NewProducer(cfg config.KafkaConfig, logg *logger.Logger) (*Producer, error) {
	sc, err := NewSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}
	sp, err := sarama.NewSyncProducer(cfg.HostList(), sc)
	if err != nil {
		return nil, fmt.Errorf("creating kafka producer: %w", err)
	}
	p := newBufferedProducer(sp, cfg, logg)
	p.loopStarted = true
	go p.flushLoop()
	return p, nil
}

func newBufferedProducer(sp syncProducer, cfg config.KafkaConfig, logg *logger.Logger) *Producer {
	batch := cfg.FlushBatchSize
	if batch <= 0 {
		batch = 1
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Producer{
		producer:      sp,
		logg:          logg,
		flushBatch:    batch,
		flushInterval: interval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Queue appends a message to the buffer, flushing inline once the buffer
// reaches the batch size.
func (p *Producer) Queue(topic string, key, value []byte) error {
	if p == nil || p.producer == nil {
		return errProducerNotInitialized
	}
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(value),
	}
	if len(key) > 0 {
		msg.Key = sarama.ByteEncoder(key)
	}

	p.mu.Lock()
	p.queue = append(p.queue, msg)
	full := len(p.queue) >= p.flushBatch
	p.mu.Unlock()

	if full {
		return p.Flush()
	}
	return nil
}

// Flush sends every buffered message now. On failure the batch is requeued
// ahead of anything buffered meanwhile, preserving per-topic order.
func (p *Producer) Flush() error {
	if p == nil || p.producer == nil {
		return errProducerNotInitialized
	}

	p.mu.Lock()
	batch := p.queue
	p.queue = nil
	p.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if err := p.producer.SendMessages(batch); err != nil {
		p.mu.Lock()
		p.queue = append(batch, p.queue...)
		p.mu.Unlock()
		return fmt.Errorf("flushing %d kafka messages: %w", len(batch), err)
	}
	return nil
}

// QueueDepth returns the number of buffered messages.
func (p *Producer) QueueDepth() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Producer) flushLoop() {
	defer close(p.done)
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := p.Flush(); err != nil && p.logg != nil {
				p.logg.Error(context.Background(), "kafka interval flush failed", err)
			}
		case <-p.stop:
			return
		}
	}
}

// Close stops the interval flusher, flushes whatever is left and closes the
// underlying producer.
func (p *Producer) Close() error {
	if p == nil || p.producer == nil {
		return nil
	}
	if p.loopStarted {
		select {
		case <-p.stop:
		default:
			close(p.stop)
		}
		<-p.done
		p.loopStarted = false
	}
	flushErr := p.Flush()
	closeErr := p.producer.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
