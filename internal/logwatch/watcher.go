// Package logwatch tails a single append-only log file by polling. It keeps
// a byte offset between polls, detects rotation, reassembles lines split
// across reads, and reports the first read of a pre-existing file as a
// history replay.
package logwatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/text/encoding/charmap"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	defaultBuffer       = 1024
	readChunk           = 64 * 1024
	errorLogInterval    = 10 * time.Second
)

// NoticeKind tags the variants carried on the notice channel.
type NoticeKind int

const (
	NoticeLine NoticeKind = iota
	NoticeReset
	NoticeHistoryStarted
	NoticeHistoryEnded
)

var noticeNames = map[NoticeKind]string{
	NoticeLine:           "line",
	NoticeReset:          "reset",
	NoticeHistoryStarted: "history_started",
	NoticeHistoryEnded:   "history_ended",
}

func (k NoticeKind) String() string {
	if s, ok := noticeNames[k]; ok {
		return s
	}
	return "unknown"
}

// Notice is one item on the watcher's output channel. Line is set only for
// NoticeLine.
type Notice struct {
	Kind NoticeKind
	Line string
}

// Stats are cumulative counters, safe to read from any goroutine.
type Stats struct {
	Lines    int64 `json:"lines"`
	Bytes    int64 `json:"bytes"`
	Resets   int64 `json:"resets"`
	IOErrors int64 `json:"ioErrors"`
}

type Option func(*Watcher)

// WithPollInterval sets the fixed poll period.
func WithPollInterval(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithFsnotify enables an early poll whenever the file system reports a
// write to the log. Polling on the fixed interval continues regardless.
func WithFsnotify(enabled bool) Option {
	return func(w *Watcher) { w.useFsnotify = enabled }
}

// WithBuffer sizes the notice channel.
func WithBuffer(n int) Option {
	return func(w *Watcher) {
		if n > 0 {
			w.bufferSize = n
		}
	}
}

// Watcher tails one file. Poll is not safe for concurrent use; Start runs it
// from a single goroutine.
type Watcher struct {
	path        string
	interval    time.Duration
	useFsnotify bool
	bufferSize  int
	out         chan Notice

	// Owned by the polling goroutine.
	offset     int64
	modTime    time.Time // write time at the last reset
	partial    []byte
	firstCycle bool
	lastErrLog time.Time

	restoring atomic.Bool
	lines     atomic.Int64
	bytesRead atomic.Int64
	resets    atomic.Int64
	ioErrors  atomic.Int64
}

func New(path string, opts ...Option) *Watcher {
	w := &Watcher{
		path:       path,
		interval:   DefaultPollInterval,
		bufferSize: defaultBuffer,
		firstCycle: true,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.out = make(chan Notice, w.bufferSize)
	return w
}

// Path returns the tailed file.
func (w *Watcher) Path() string { return w.path }

// Notices returns the ordered output channel. It is never closed.
func (w *Watcher) Notices() <-chan Notice { return w.out }

// IsRestoringHistory reports whether the first read of a pre-existing file
// is still in progress.
func (w *Watcher) IsRestoringHistory() bool { return w.restoring.Load() }

func (w *Watcher) Stats() Stats {
	return Stats{
		Lines:    w.lines.Load(),
		Bytes:    w.bytesRead.Load(),
		Resets:   w.resets.Load(),
		IOErrors: w.ioErrors.Load(),
	}
}

// Start launches the polling loop and returns immediately. The loop runs
// until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	if dir := filepath.Dir(w.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Printf("Log directory %s unavailable: %v", dir, err)
		}
	}
	// The history flag must be visible to callers as soon as Start returns
	// so a session opened by the first replayed line inherits it.
	if _, err := os.Stat(w.path); err == nil {
		w.restoring.Store(true)
	}
	go w.run(ctx)
}

func (w *Watcher) run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	wake, closeNotify := w.notifyWake(ctx)
	defer closeNotify()

	log.Printf("Watching %s (poll=%s, fsnotify=%v)", w.path, w.interval, wake != nil)

	w.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Println("Log watcher stopped")
			return
		case <-ticker.C:
			w.Poll(ctx)
		case <-wake:
			w.Poll(ctx)
		}
	}
}

// notifyWake sets up fsnotify on the log's directory. The returned channel
// is nil (blocks forever in select) when fsnotify is disabled or fails.
func (w *Watcher) notifyWake(ctx context.Context) (<-chan struct{}, func()) {
	if !w.useFsnotify {
		return nil, func() {}
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("fsnotify unavailable, polling only: %v", err)
		return nil, func() {}
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		log.Printf("fsnotify watch failed, polling only: %v", err)
		fw.Close()
		return nil, func() {}
	}

	wake := make(chan struct{}, 1)
	target := filepath.Clean(w.path)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-fw.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					select {
					case wake <- struct{}{}:
					default:
					}
				}
			case _, ok := <-fw.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return wake, func() { fw.Close() }
}

// Poll runs one cycle: stat, rotation check, read of everything appended
// since the last offset, line splitting. It never returns an error; I/O
// failures are counted and retried on the next cycle.
func (w *Watcher) Poll(ctx context.Context) {
	info, err := os.Stat(w.path)
	if errors.Is(err, fs.ErrNotExist) {
		if w.firstCycle {
			// No backlog to replay: everything from here on is live.
			w.firstCycle = false
			w.restoring.Store(false)
		}
		w.offset = 0
		return
	}
	if err != nil {
		w.recordIOError(err)
		return
	}

	first := w.firstCycle
	w.firstCycle = false

	if first {
		w.restoring.Store(true)
		w.send(ctx, Notice{Kind: NoticeHistoryStarted})
	}

	// modTime holds the write time seen at the last reset, not at the last
	// poll, so a truncate within the same mtime tick is still caught.
	modTime := info.ModTime()
	if !modTime.Equal(w.modTime) && info.Size() < w.offset {
		w.offset = 0
		w.partial = w.partial[:0]
		w.modTime = modTime
		w.resets.Add(1)
		log.Printf("Log %s rotated (size %d), rereading from start", w.path, info.Size())
		w.send(ctx, Notice{Kind: NoticeReset})
	}

	if err := w.readAppended(ctx); err != nil {
		w.recordIOError(err)
		return
	}

	if w.restoring.Load() {
		w.restoring.Store(false)
		w.send(ctx, Notice{Kind: NoticeHistoryEnded})
	}
}

func (w *Watcher) readAppended(ctx context.Context) error {
	f, err := os.Open(w.path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Seek(w.offset, io.SeekStart); err != nil {
		return fmt.Errorf("seeking %s to %d: %w", w.path, w.offset, err)
	}

	buf := make([]byte, readChunk)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			w.offset += int64(n)
			w.bytesRead.Add(int64(n))
			w.split(ctx, buf[:n])
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// split appends chunk to the partial-line buffer, flushing a message at
// each line feed.
func (w *Watcher) split(ctx context.Context, chunk []byte) {
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			w.partial = append(w.partial, chunk...)
			return
		}
		w.partial = append(w.partial, chunk[:i]...)
		w.flush(ctx)
		chunk = chunk[i+1:]
	}
}

func (w *Watcher) flush(ctx context.Context) {
	if len(w.partial) == 0 {
		return
	}
	line := decode(w.partial)
	w.partial = w.partial[:0]
	w.lines.Add(1)
	w.send(ctx, Notice{Kind: NoticeLine, Line: line})
}

// send blocks until the consumer takes n so no line is lost to
// backpressure; cancellation abandons it.
func (w *Watcher) send(ctx context.Context, n Notice) {
	select {
	case w.out <- n:
	case <-ctx.Done():
	}
}

func (w *Watcher) recordIOError(err error) {
	w.ioErrors.Add(1)
	now := time.Now()
	if w.lastErrLog.IsZero() || now.Sub(w.lastErrLog) >= errorLogInterval {
		log.Printf("Log read error on %s (will retry): %v", w.path, err)
		w.lastErrLog = now
	}
}

// decode turns raw line bytes into a string. The orchestrator writes in the
// system code page, so bytes that are not valid UTF-8 are read as
// Windows-1252.
func decode(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	out, err := charmap.Windows1252.NewDecoder().Bytes(b)
	if err != nil {
		return string(bytes.ToValidUTF8(b, []byte("�")))
	}
	return string(out)
}
