package logger

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap/zapcore"
)

// Async turns on batched background writes for file outputs.
type Async struct {
	Enabled       bool          `yaml:"enabled"`
	BufferSize    int           `yaml:"buffer_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type asyncEntry struct {
	core   zapcore.Core
	entry  zapcore.Entry
	fields []zapcore.Field
}

// asyncQueue is shared by an AsyncCore and every core derived from it with With.
type asyncQueue struct {
	entries       chan asyncEntry
	flush         chan chan struct{}
	quit          chan struct{}
	closeOnce     sync.Once
	wg            sync.WaitGroup
	batchSize     int
	flushInterval time.Duration
	dropped       atomic.Uint64
}

// AsyncCore queues entries for a background writer. When the queue is full
// entries are dropped and counted; the count is reported as a warning on
// the next flush.
type AsyncCore struct {
	core  zapcore.Core
	queue *asyncQueue
}

// NewAsyncCore wraps core. Non-positive sizes and interval fall back to
// 1000 entries, a tenth of the buffer per batch, and 500ms.
func NewAsyncCore(core zapcore.Core, bufferSize, batchSize int, flushInterval time.Duration) *AsyncCore {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	if batchSize <= 0 || batchSize > bufferSize {
		batchSize = max(bufferSize/10, 1)
	}
	if flushInterval <= 0 {
		flushInterval = 500 * time.Millisecond
	}

	q := &asyncQueue{
		entries:       make(chan asyncEntry, bufferSize),
		flush:         make(chan chan struct{}),
		quit:          make(chan struct{}),
		batchSize:     batchSize,
		flushInterval: flushInterval,
	}
	ac := &AsyncCore{core: core, queue: q}

	q.wg.Add(1)
	go ac.run()
	return ac
}

func (ac *AsyncCore) run() {
	q := ac.queue
	defer q.wg.Done()

	ticker := time.NewTicker(q.flushInterval)
	defer ticker.Stop()

	batch := make([]asyncEntry, 0, q.batchSize)
	write := func() {
		for _, e := range batch {
			if err := e.core.Write(e.entry, e.fields); err != nil {
				fmt.Fprintf(os.Stderr, "failed to write log entry: %v\n", err)
			}
		}
		batch = batch[:0]
		ac.reportDropped()
	}
	drain := func() {
		for {
			select {
			case e := <-q.entries:
				batch = append(batch, e)
				if len(batch) >= q.batchSize {
					write()
				}
			default:
				write()
				return
			}
		}
	}

	for {
		select {
		case e := <-q.entries:
			batch = append(batch, e)
			if len(batch) >= q.batchSize {
				write()
			}
		case <-ticker.C:
			if len(batch) > 0 {
				write()
			}
		case done := <-q.flush:
			drain()
			close(done)
		case <-q.quit:
			drain()
			return
		}
	}
}

func (ac *AsyncCore) reportDropped() {
	n := ac.queue.dropped.Swap(0)
	if n == 0 {
		return
	}
	_ = ac.core.Write(zapcore.Entry{
		Level:      zapcore.WarnLevel,
		Time:       time.Now(),
		LoggerName: "async",
		Message:    fmt.Sprintf("Dropped %d log entries due to full buffer", n),
	}, nil)
}

func (ac *AsyncCore) Enabled(level zapcore.Level) bool {
	return ac.core.Enabled(level)
}

func (ac *AsyncCore) With(fields []zapcore.Field) zapcore.Core {
	return &AsyncCore{core: ac.core.With(fields), queue: ac.queue}
}

func (ac *AsyncCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if ac.Enabled(entry.Level) {
		return ce.AddCore(entry, ac)
	}
	return ce
}

// Write never blocks.
func (ac *AsyncCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	select {
	case ac.queue.entries <- asyncEntry{core: ac.core, entry: entry, fields: fields}:
	default:
		ac.queue.dropped.Add(1)
	}
	return nil
}

// Sync writes everything queued so far, then syncs the wrapped core.
func (ac *AsyncCore) Sync() error {
	done := make(chan struct{})
	select {
	case ac.queue.flush <- done:
		<-done
	case <-ac.queue.quit:
	}
	return ac.core.Sync()
}

// Close drains the queue and stops the writer. Entries written after Close
// are dropped.
func (ac *AsyncCore) Close() error {
	q := ac.queue
	q.closeOnce.Do(func() { close(q.quit) })
	q.wg.Wait()
	return ac.core.Sync()
}
