// Package midi reads note events from a raw MIDI device.
package midi

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/artpar/macrodeck/ports"
)

// Status bytes.
const (
	statusNoteOff = 0x80
	statusNoteOn  = 0x90
	statusSysEx   = 0xF0
	statusEOX     = 0xF7
	statusClock   = 0xF8
)

// Decoder turns a raw MIDI byte stream into note events. It tracks running
// status and skips system exclusive and realtime messages.
type Decoder struct {
	status  byte
	data    [2]byte
	n       int
	inSysEx bool
}

// Feed consumes one byte. It returns a note event when the byte completes a
// note-on or note-off message. Note-offs are reported with velocity 0.
func (d *Decoder) Feed(b byte) (ports.NoteEvent, bool) {
	switch {
	case b >= statusClock:
		// Realtime bytes may appear anywhere and do not affect running status.
		return ports.NoteEvent{}, false
	case b == statusSysEx:
		d.inSysEx = true
		d.status = 0
		return ports.NoteEvent{}, false
	case b == statusEOX:
		d.inSysEx = false
		return ports.NoteEvent{}, false
	case b&0x80 != 0:
		d.inSysEx = false
		if b >= statusSysEx {
			// System common messages cancel running status.
			d.status = 0
		} else {
			d.status = b
		}
		d.n = 0
		return ports.NoteEvent{}, false
	}

	if d.inSysEx || d.status == 0 {
		return ports.NoteEvent{}, false
	}

	d.data[d.n] = b
	d.n++
	if d.n < dataLen(d.status) {
		return ports.NoteEvent{}, false
	}
	d.n = 0

	switch d.status & 0xF0 {
	case statusNoteOn:
		return ports.NoteEvent{Note: d.data[0], Velocity: d.data[1]}, true
	case statusNoteOff:
		return ports.NoteEvent{Note: d.data[0]}, true
	}
	return ports.NoteEvent{}, false
}

func dataLen(status byte) int {
	switch status & 0xF0 {
	case 0xC0, 0xD0:
		return 1
	default:
		return 2
	}
}

// DecodeMessage decodes a single complete channel message.
func DecodeMessage(msg []byte) (ports.NoteEvent, error) {
	if len(msg) != 3 {
		return ports.NoteEvent{}, fmt.Errorf("note message must be 3 bytes, got %d", len(msg))
	}
	var d Decoder
	for i, b := range msg {
		if ev, ok := d.Feed(b); ok && i == len(msg)-1 {
			return ev, nil
		}
	}
	return ports.NoteEvent{}, fmt.Errorf("not a note message: % x", msg)
}

// Listener reads a raw MIDI stream and delivers note events.
type Listener struct {
	r      io.ReadCloser
	notes  chan ports.NoteEvent
	logger zerolog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

var _ ports.NoteSource = (*Listener)(nil)

// Open opens a raw MIDI device such as /dev/snd/midiC1D0 and starts reading.
func Open(device string, logger zerolog.Logger) (*Listener, error) {
	f, err := os.Open(device)
	if err != nil {
		return nil, fmt.Errorf("open midi device: %w", err)
	}
	l := NewListener(f, logger.With().Str("device", device).Logger())
	return l, nil
}

// NewListener starts reading from r.
func NewListener(r io.ReadCloser, logger zerolog.Logger) *Listener {
	l := &Listener{
		r:      r,
		notes:  make(chan ports.NoteEvent, 64),
		logger: logger.With().Str("component", "midi").Logger(),
		done:   make(chan struct{}),
	}
	go l.readLoop()
	return l
}

// Notes returns decoded note events. The channel closes when the stream ends.
func (l *Listener) Notes() <-chan ports.NoteEvent { return l.notes }

// Close stops reading.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.r.Close()
	})
	return err
}

func (l *Listener) readLoop() {
	defer close(l.notes)

	var dec Decoder
	br := bufio.NewReader(l.r)
	for {
		b, err := br.ReadByte()
		if err != nil {
			select {
			case <-l.done:
			default:
				if !errors.Is(err, io.EOF) {
					l.logger.Error().Err(err).Msg("midi read failed")
				} else {
					l.logger.Warn().Msg("midi stream ended")
				}
			}
			return
		}

		ev, ok := dec.Feed(b)
		if !ok {
			continue
		}
		select {
		case l.notes <- ev:
		case <-l.done:
			return
		}
	}
}

// Virtual is an in-process NoteSource fed by Send. The ops API uses it to
// inject notes without hardware.
type Virtual struct {
	mu     sync.Mutex
	closed bool
	notes  chan ports.NoteEvent
}

var _ ports.NoteSource = (*Virtual)(nil)

// ErrClosed is returned when sending to a closed Virtual source.
var ErrClosed = errors.New("note source closed")

// NewVirtual creates a virtual note source.
func NewVirtual() *Virtual {
	return &Virtual{notes: make(chan ports.NoteEvent, 64)}
}

// Send queues a note event. It never blocks; a full buffer is an error.
func (v *Virtual) Send(ev ports.NoteEvent) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrClosed
	}
	select {
	case v.notes <- ev:
		return nil
	default:
		return errors.New("note buffer full")
	}
}

// Notes returns the note channel.
func (v *Virtual) Notes() <-chan ports.NoteEvent { return v.notes }

// Close closes the note channel.
func (v *Virtual) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.closed {
		v.closed = true
		close(v.notes)
	}
	return nil
}
