// Package fswatch delivers change notifications for a single profile file.
package fswatch

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/artpar/macrodeck/ports"
)

const bufferSize = 64

// Watcher watches one file through its parent directory so editors that
// replace the file by rename keep being observed.
type Watcher struct {
	path    string
	name    string
	watcher *fsnotify.Watcher
	logger  zerolog.Logger

	events chan ports.ChangeEvent
	errors chan error

	mu       sync.Mutex
	closed   bool
	closeCh  chan struct{}
	closedWg sync.WaitGroup

	dropped atomic.Int64
}

var _ ports.ChangeSource = (*Watcher)(nil)

// New starts watching path.
func New(path string, logger zerolog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	dir := filepath.Dir(abs)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	w := &Watcher{
		path:    abs,
		name:    filepath.Base(abs),
		watcher: fw,
		logger:  logger.With().Str("component", "fswatch").Str("file", abs).Logger(),
		events:  make(chan ports.ChangeEvent, bufferSize),
		errors:  make(chan error, bufferSize),
		closeCh: make(chan struct{}),
	}

	w.closedWg.Add(1)
	go w.processLoop()

	w.logger.Info().Msg("watching profile")
	return w, nil
}

// Path returns the absolute path being watched.
func (w *Watcher) Path() string { return w.path }

// Events returns change notifications for the watched file.
func (w *Watcher) Events() <-chan ports.ChangeEvent { return w.events }

// Errors returns watcher errors.
func (w *Watcher) Errors() <-chan error { return w.errors }

// Dropped returns how many notifications were discarded on a full buffer.
func (w *Watcher) Dropped() int64 { return w.dropped.Load() }

// Close stops the watcher and closes both channels.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.closeCh)
	w.mu.Unlock()

	err := w.watcher.Close()
	w.closedWg.Wait()

	close(w.events)
	close(w.errors)
	return err
}

func (w *Watcher) processLoop() {
	defer w.closedWg.Done()

	for {
		select {
		case <-w.closeCh:
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != w.name {
				continue
			}
			op := convertOp(ev.Op)
			if op == 0 {
				continue
			}
			w.send(ports.ChangeEvent{Path: w.path, Op: op})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			default:
			}
		}
	}
}

// send never blocks the fsnotify reader. A full buffer means a recompile is
// already owed, so losing one notification loses nothing.
func (w *Watcher) send(ev ports.ChangeEvent) {
	select {
	case w.events <- ev:
	case <-w.closeCh:
	default:
		w.dropped.Add(1)
		w.logger.Warn().Str("op", ev.Op.String()).Msg("event buffer full, dropping notification")
	}
}

func convertOp(fsOp fsnotify.Op) ports.ChangeOp {
	var op ports.ChangeOp
	if fsOp.Has(fsnotify.Create) {
		op |= ports.OpCreate
	}
	if fsOp.Has(fsnotify.Write) {
		op |= ports.OpWrite
	}
	if fsOp.Has(fsnotify.Remove) {
		op |= ports.OpRemove
	}
	if fsOp.Has(fsnotify.Rename) {
		op |= ports.OpRename
	}
	if fsOp.Has(fsnotify.Chmod) {
		op |= ports.OpChmod
	}
	return op
}

// ErrClosed is returned when sending on a closed Chan.
var ErrClosed = errors.New("change source closed")

// Chan is an in-memory ChangeSource. Tests and the ops API use it to inject
// notifications.
type Chan struct {
	mu      sync.Mutex
	closed  bool
	done    chan struct{}
	senders sync.WaitGroup
	events  chan ports.ChangeEvent
	errors  chan error
}

var _ ports.ChangeSource = (*Chan)(nil)

// NewChan creates an in-memory change source.
func NewChan() *Chan {
	return &Chan{
		done:   make(chan struct{}),
		events: make(chan ports.ChangeEvent, bufferSize),
		errors: make(chan error, bufferSize),
	}
}

// enter registers a sender. It fails once Close has started.
func (c *Chan) enter() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.senders.Add(1)
	return true
}

// Send queues a change notification. It blocks while the buffer is full and
// returns ErrClosed if Close runs first.
func (c *Chan) Send(path string, op ports.ChangeOp) error {
	if !c.enter() {
		return ErrClosed
	}
	defer c.senders.Done()
	select {
	case c.events <- ports.ChangeEvent{Path: path, Op: op}:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// SendError queues a watcher error.
func (c *Chan) SendError(err error) error {
	if !c.enter() {
		return ErrClosed
	}
	defer c.senders.Done()
	select {
	case c.errors <- err:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Events returns the notification channel.
func (c *Chan) Events() <-chan ports.ChangeEvent { return c.events }

// Errors returns the error channel.
func (c *Chan) Errors() <-chan error { return c.errors }

// Close releases blocked senders, then closes both channels.
func (c *Chan) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	c.senders.Wait()
	close(c.events)
	close(c.errors)
	return nil
}
