// Package voice bridges a speech-recognition backend to a text composer.
// The Recognizer abstracts the platform API as a stream of discrete events;
// Capture owns the restart, deduplication and debounce behavior the raw
// platform does not provide reliably, especially on mobile devices.
package voice

import (
	"errors"
	"sync"
	"time"
)

type State int

const (
	StateNotSupported State = iota
	StateIdle
	StateListening
)

type EventType int

const (
	EventStarted EventType = iota
	EventPartial
	EventFinal
	EventError
	EventEnded
)

// ErrorCode values mirror the platform speech-recognition error codes.
type ErrorCode string

const (
	ErrAudioCapture ErrorCode = "audio-capture"
	ErrNotAllowed   ErrorCode = "not-allowed"
	ErrNoSpeech     ErrorCode = "no-speech"
	ErrNetwork      ErrorCode = "network"
)

type Event struct {
	Type       EventType
	Transcript string
	Code       ErrorCode
}

// Recognizer is a cancellable producer of recognition events.
type Recognizer interface {
	Start() error
	Stop() error
	Abort()
	Events() <-chan Event
}

var ErrNotSupported = errors.New("speech recognition not supported")

const (
	desktopDebounce = 300 * time.Millisecond
	mobileDebounce  = 800 * time.Millisecond
	restartDelay    = 200 * time.Millisecond
)

type Options struct {
	// Mobile selects the restart-per-utterance profile with the wider
	// debounce window.
	Mobile bool
	// Debounce overrides the profile's debounce window when positive.
	Debounce time.Duration
}

// Capture consumes recognizer events and delivers debounced, deduplicated
// transcript chunks to the onTranscript callback. It never touches anything
// but the composer's draft content.
type Capture struct {
	rec          Recognizer
	onTranscript func(string)
	mobile       bool
	debounce     time.Duration

	mu        sync.Mutex
	state     State
	status    string
	interim   string
	lastFinal string
	pending   []string

	debounceTimer *time.Timer
	restartTimer  *time.Timer
	done          chan struct{}
	closeOnce     sync.Once
}

func NewCapture(rec Recognizer, opts Options, onTranscript func(string)) *Capture {
	debounce := desktopDebounce
	if opts.Mobile {
		debounce = mobileDebounce
	}
	if opts.Debounce > 0 {
		debounce = opts.Debounce
	}

	c := &Capture{
		rec:          rec,
		onTranscript: onTranscript,
		mobile:       opts.Mobile,
		debounce:     debounce,
		done:         make(chan struct{}),
	}
	if rec == nil {
		c.state = StateNotSupported
		c.status = "Voice input not supported"
		return c
	}
	c.state = StateIdle
	go c.loop()
	return c
}

// Start begins listening. It is a no-op while already listening.
func (c *Capture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateNotSupported:
		return ErrNotSupported
	case StateListening:
		return nil
	}

	c.interim = ""
	c.lastFinal = ""
	if err := c.rec.Start(); err != nil {
		c.status = "Failed to start voice input"
		return err
	}
	c.state = StateListening
	c.status = "Listening..."
	return nil
}

// Stop ends listening and flushes any debounced transcript immediately.
func (c *Capture) Stop() error {
	c.mu.Lock()
	if c.state != StateListening {
		c.mu.Unlock()
		return nil
	}
	c.toIdleLocked("")
	c.mu.Unlock()
	return c.rec.Stop()
}

// ForceStop aborts the recognizer and resets state even when the platform
// never emits an end event.
func (c *Capture) ForceStop() {
	c.mu.Lock()
	if c.state == StateNotSupported {
		c.mu.Unlock()
		return
	}
	c.toIdleLocked("")
	c.mu.Unlock()
	c.rec.Abort()
}

// Close stops the event loop. The Capture must not be reused afterwards.
// Safe to call more than once.
func (c *Capture) Close() {
	c.ForceStop()
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Capture) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Capture) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Interim returns the not-yet-finalized transcript of the current utterance.
func (c *Capture) Interim() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interim
}

func (c *Capture) loop() {
	events := c.rec.Events()
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.handle(ev)
		}
	}
}

func (c *Capture) handle(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Type {
	case EventStarted:
		c.state = StateListening
		c.status = "Listening..."

	case EventPartial:
		if c.state == StateListening {
			c.interim = ev.Transcript
		}

	case EventFinal:
		if c.state != StateListening || ev.Transcript == "" {
			return
		}
		// The platform may re-emit the last finalized result; drop
		// exact repeats of the previous chunk.
		if ev.Transcript == c.lastFinal {
			return
		}
		c.lastFinal = ev.Transcript
		c.interim = ""
		c.pending = append(c.pending, ev.Transcript)
		c.resetDebounceLocked()

	case EventError:
		c.toIdleLocked(statusForError(ev.Code))

	case EventEnded:
		if c.state != StateListening {
			return
		}
		if c.mobile {
			// Mobile platforms end recognition after every utterance;
			// restart to fake a continuous session.
			c.restartTimer = time.AfterFunc(restartDelay, func() {
				c.mu.Lock()
				listening := c.state == StateListening
				c.mu.Unlock()
				if listening {
					_ = c.rec.Start()
				}
			})
			return
		}
		c.toIdleLocked("")
	}
}

func (c *Capture) resetDebounceLocked() {
	if c.debounceTimer != nil {
		c.debounceTimer.Stop()
	}
	c.debounceTimer = time.AfterFunc(c.debounce, c.flush)
}

func (c *Capture) flush() {
	c.mu.Lock()
	chunks := c.pending
	c.pending = nil
	c.mu.Unlock()

	if len(chunks) == 0 || c.onTranscript == nil {
		return
	}
	for _, chunk := range chunks {
		c.onTranscript(chunk)
	}
}

// toIdleLocked resets listening state and delivers any pending transcript
// without waiting out the debounce window.
func (c *Capture) toIdleLocked(status string) {
	c.state = StateIdle
	c.interim = ""
	if status == "" {
		status = "Ready"
	}
	c.status = status
	if c.debounceTimer != nil {
		c.debounceTimer.Stop()
		c.debounceTimer = nil
	}
	if c.restartTimer != nil {
		c.restartTimer.Stop()
		c.restartTimer = nil
	}
	if len(c.pending) > 0 {
		go c.flush()
	}
}

func statusForError(code ErrorCode) string {
	switch code {
	case ErrAudioCapture:
		return "No microphone was found. Check your audio settings."
	case ErrNotAllowed:
		return "Microphone permission was denied."
	case ErrNoSpeech:
		return "No speech was detected. Try again."
	case ErrNetwork:
		return "Network error during speech recognition."
	default:
		return "Speech recognition error."
	}
}
