// Package keys provides keystroke senders.
package keys

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/artpar/macrodeck/ports"
)

// LogSender logs chords instead of injecting them. It is used when no OS
// injection backend is configured.
type LogSender struct {
	logger zerolog.Logger
}

var _ ports.KeySender = (*LogSender)(nil)

// NewLogSender creates a sender that logs each chord at info level.
func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger.With().Str("component", "keys").Logger()}
}

// SendKeys logs the chord.
func (s *LogSender) SendKeys(ctx context.Context, keys []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.logger.Info().Str("chord", Chord(keys)).Msg("send keys")
	return nil
}

// Chord joins keys with "+" as given, so ["Ctrl", "Shift", "T"] renders as
// "Ctrl+Shift+T". Case and spelling are not normalised.
func Chord(keys []string) string {
	return strings.Join(keys, "+")
}

// Recorder records every chord it is asked to send. A gate channel, when
// set, makes each send wait for a value or for ctx.
type Recorder struct {
	mu     sync.Mutex
	chords [][]string
	gate   chan struct{}
	err    error
	sent   chan struct{}
}

var _ ports.KeySender = (*Recorder)(nil)

// NewRecorder creates a recorder that returns immediately.
func NewRecorder() *Recorder {
	return &Recorder{sent: make(chan struct{}, 1024)}
}

// NewGatedRecorder creates a recorder whose sends block until Release.
func NewGatedRecorder() *Recorder {
	r := NewRecorder()
	r.gate = make(chan struct{})
	return r
}

// FailWith makes subsequent sends return err.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// Release lets one gated send complete.
func (r *Recorder) Release() {
	r.gate <- struct{}{}
}

// SendKeys records keys.
func (r *Recorder) SendKeys(ctx context.Context, keys []string) error {
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.mu.Lock()
	err := r.err
	if err == nil {
		r.chords = append(r.chords, append([]string(nil), keys...))
	}
	r.mu.Unlock()

	select {
	case r.sent <- struct{}{}:
	default:
	}
	return err
}

// Sent is signalled after every send attempt.
func (r *Recorder) Sent() <-chan struct{} { return r.sent }

// Chords returns the recorded chords in order.
func (r *Recorder) Chords() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]string, len(r.chords))
	copy(out, r.chords)
	return out
}
