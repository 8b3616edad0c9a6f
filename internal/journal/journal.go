// Package journal appends tab context changes to date-partitioned JSONL
// files.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	ErrClosed     = errors.New("journal closed")
	ErrBufferFull = errors.New("journal buffer full")
)

const (
	DefaultBufferSize = 1024
	DefaultMaxSizeMB  = 25
	drainTimeout      = 5 * time.Second
)

// Writer queues records and writes them from one goroutine. Write never
// blocks; records are dropped when the buffer is full.
type Writer struct {
	dir       string
	name      string
	maxSizeMB int
	now       func() time.Time

	writeCh chan any
	done    chan struct{}
	closed  atomic.Bool
	wg      sync.WaitGroup
	dropped atomic.Int64

	mu          sync.Mutex
	currentDate string
	out         *lumberjack.Logger
}

type Option func(*Writer)

// WithName sets the file base name inside each date directory.
func WithName(name string) Option {
	return func(w *Writer) { w.name = name }
}

func WithMaxSizeMB(mb int) Option {
	return func(w *Writer) { w.maxSizeMB = mb }
}

// WithClock overrides the clock used for date partitioning.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) { w.now = now }
}

// Open starts a writer rooted at dir. Files land in dir/YYYY-MM-DD/<name>.jsonl.
func Open(dir string, bufferSize int, opts ...Option) *Writer {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	w := &Writer{
		dir:       dir,
		name:      "context",
		maxSizeMB: DefaultMaxSizeMB,
		now:       time.Now,
		writeCh:   make(chan any, bufferSize),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	w.wg.Add(1)
	go w.writeLoop()
	return w
}

// Write queues record.
func (w *Writer) Write(record any) error {
	if w.closed.Load() {
		return ErrClosed
	}
	select {
	case w.writeCh <- record:
		return nil
	default:
		n := w.dropped.Add(1)
		slog.Warn("journal buffer full, dropping record", "dropped", n)
		return ErrBufferFull
	}
}

// Dropped reports how many records were discarded.
func (w *Writer) Dropped() int64 { return w.dropped.Load() }

// Close stops the writer after flushing queued records.
func (w *Writer) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(w.done)
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.out != nil {
		return w.out.Close()
	}
	return nil
}

func (w *Writer) writeLoop() {
	defer w.wg.Done()
	for {
		select {
		case record := <-w.writeCh:
			w.writeRecord(record)
		case <-w.done:
			w.drain()
			return
		}
	}
}

func (w *Writer) drain() {
	timeout := time.After(drainTimeout)
	for {
		select {
		case record := <-w.writeCh:
			w.writeRecord(record)
		case <-timeout:
			slog.Warn("journal close timed out, records lost", "pending", len(w.writeCh))
			return
		default:
			return
		}
	}
}

func (w *Writer) writeRecord(record any) {
	data, err := json.Marshal(record)
	if err != nil {
		slog.Error("journal record not encodable", "error", err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	date := w.now().UTC().Format("2006-01-02")
	if w.out == nil || date != w.currentDate {
		if err := w.rotate(date); err != nil {
			slog.Error("journal rotate failed", "error", err)
			return
		}
	}
	if _, err := w.out.Write(append(data, '\n')); err != nil {
		slog.Error("journal write failed", "error", err)
	}
}

func (w *Writer) rotate(date string) error {
	if w.out != nil {
		w.out.Close()
		w.out = nil
	}
	dir := filepath.Join(w.dir, date)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	filename := filepath.Join(dir, w.name+".jsonl")
	w.out = &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    w.maxSizeMB,
		MaxBackups: 10,
		MaxAge:     30,
	}
	w.currentDate = date
	slog.Info("journal file opened", "file", filename)
	return nil
}
