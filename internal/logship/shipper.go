// Package logship ships structured log entries to an optional remote HTTP
// sink. Delivery is best effort: entries are batched in a bounded queue and
// dropped, not blocked on, when the sink is slow or down.
package logship

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zapcore"
)

const (
	defaultBatchSize     = 64
	defaultFlushInterval = 5 * time.Second
	defaultQueueCap      = 4096
	requestTimeout       = 10 * time.Second
)

// Shipper batches encoded log lines and POSTs them as NDJSON to a sink URL.
type Shipper struct {
	url    string
	client *http.Client

	mu      sync.Mutex
	queue   [][]byte
	dropped int64
	gauge   prometheus.Gauge

	batchSize     int
	flushInterval time.Duration
	queueCap      int

	wake chan struct{}
	done chan struct{}
}

// Option configures a Shipper.
type Option func(*Shipper)

// WithBatchSize sets how many lines trigger an immediate flush.
func WithBatchSize(n int) Option {
	return func(s *Shipper) { s.batchSize = n }
}

// WithFlushInterval sets the periodic flush cadence.
func WithFlushInterval(d time.Duration) Option {
	return func(s *Shipper) { s.flushInterval = d }
}

// WithQueueCap bounds the in-memory queue. On overflow the oldest entry is
// dropped.
func WithQueueCap(n int) Option {
	return func(s *Shipper) { s.queueCap = n }
}

// New creates a Shipper targeting url. Call Run to start the flush loop.
func New(url string, opts ...Option) *Shipper {
	s := &Shipper{
		url:           url,
		client:        &http.Client{Timeout: requestTimeout},
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		queueCap:      defaultQueueCap,
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetQueueGauge mirrors the queue depth into g.
func (s *Shipper) SetQueueGauge(g prometheus.Gauge) {
	s.mu.Lock()
	s.gauge = g
	g.Set(float64(len(s.queue)))
	s.mu.Unlock()
}

// Enqueue adds one encoded line to the queue. Never blocks; drops the oldest
// entry when the queue is full.
func (s *Shipper) Enqueue(line []byte) {
	s.mu.Lock()
	if len(s.queue) >= s.queueCap {
		s.queue = s.queue[1:]
		s.dropped++
	}
	s.queue = append(s.queue, line)
	if s.gauge != nil {
		s.gauge.Set(float64(len(s.queue)))
	}
	full := len(s.queue) >= s.batchSize
	s.mu.Unlock()

	if full {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// Dropped returns the number of entries discarded due to queue overflow.
func (s *Shipper) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Run flushes on the configured interval and on batch-size wakeups until ctx
// is cancelled, then performs a final flush.
func (s *Shipper) Run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.flush()
			return
		case <-ticker.C:
			s.flush()
		case <-s.wake:
			s.flush()
		}
	}
}

// Wait blocks until Run has returned.
func (s *Shipper) Wait() {
	<-s.done
}

// flush drains the queue and POSTs it as one NDJSON body. A failed POST
// discards the batch; the sink is best effort by contract.
func (s *Shipper) flush() {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.queue
	s.queue = nil
	if s.gauge != nil {
		s.gauge.Set(0)
	}
	s.mu.Unlock()

	var body bytes.Buffer
	for _, line := range batch {
		body.Write(line)
		if len(line) == 0 || line[len(line)-1] != '\n' {
			body.WriteByte('\n')
		}
	}

	req, err := http.NewRequest(http.MethodPost, s.url, &body)
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/x-ndjson")

	resp, err := s.client.Do(req)
	if err != nil {
		return
	}
	_ = resp.Body.Close()
}

// core is a zapcore.Core that encodes entries and hands them to the Shipper.
type core struct {
	zapcore.LevelEnabler
	enc     zapcore.Encoder
	shipper *Shipper
}

// NewCore returns a zap core that mirrors every enabled entry into the
// shipper. Tee it with the console core when building the root logger.
func NewCore(s *Shipper, enc zapcore.Encoder, enab zapcore.LevelEnabler) zapcore.Core {
	return &core{LevelEnabler: enab, enc: enc, shipper: s}
}

func (c *core) With(fields []zapcore.Field) zapcore.Core {
	clone := c.enc.Clone()
	for _, f := range fields {
		f.AddTo(clone)
	}
	return &core{LevelEnabler: c.LevelEnabler, enc: clone, shipper: c.shipper}
}

func (c *core) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *core) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	buf, err := c.enc.EncodeEntry(ent, fields)
	if err != nil {
		return err
	}
	line := make([]byte, buf.Len())
	copy(line, buf.Bytes())
	buf.Free()
	c.shipper.Enqueue(line)
	return nil
}

func (c *core) Sync() error { return nil }

var _ zapcore.Core = (*core)(nil)
