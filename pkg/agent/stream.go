package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// DefaultStreamBuffer is the number of messages a stream buffers before the producer blocks
const DefaultStreamBuffer = 32

var (
	// ErrStreamClosed is returned to a producer once the consumer abandoned the stream
	ErrStreamClosed = errors.New("stream closed")

	// ErrStreamTerminated is returned for emits after the terminal message
	ErrStreamTerminated = errors.New("stream already terminated")
)

// Emitter pushes a message into a stream. It returns an error when the producer
// should stop: the consumer closed the stream, the context was cancelled, or a
// terminal message was already delivered.
type Emitter func(Message) error

// ProduceFunc generates the messages of a stream
type ProduceFunc func(ctx context.Context, emit Emitter) error

// Stream is a single-pass sequence of agent messages backed by a bounded channel
type Stream struct {
	sessionID string
	ch        chan Message
	closed    chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	terminated bool
}

// NewStream starts produce in its own goroutine and returns the consuming end.
// If produce returns without emitting a terminal message one is synthesized:
// nil becomes done, context.Canceled becomes an aborted done, and any other
// error becomes an error message.
func NewStream(ctx context.Context, sessionID string, produce ProduceFunc) *Stream {
	if ctx == nil {
		ctx = context.Background()
	}

	s := &Stream{
		sessionID: sessionID,
		ch:        make(chan Message, DefaultStreamBuffer),
		closed:    make(chan struct{}),
	}

	go s.run(ctx, produce)

	return s
}

// ErrorStream returns a stream whose only message is an error built from err
func ErrorStream(sessionID string, err error) *Stream {
	return NewStream(context.Background(), sessionID, func(ctx context.Context, emit Emitter) error {
		return err
	})
}

// SessionID returns the session the stream belongs to
func (s *Stream) SessionID() string {
	return s.sessionID
}

// Messages returns the channel of messages. It is closed after the terminal message.
func (s *Stream) Messages() <-chan Message {
	return s.ch
}

// Close abandons the stream. The producer observes it at its next emit.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
}

// Collect drains the stream and returns every message in order
func (s *Stream) Collect() []Message {
	var messages []Message
	for msg := range s.ch {
		messages = append(messages, msg)
	}
	return messages
}

func (s *Stream) run(ctx context.Context, produce ProduceFunc) {
	defer close(s.ch)

	err := s.safeProduce(ctx, produce)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return
	}
	s.terminated = true

	if errors.Is(err, ErrStreamClosed) {
		return
	}

	// cleanup deferred by the producer may already have cancelled ctx, so
	// only the returned error decides whether the run was aborted
	var terminal Message
	switch {
	case errors.Is(err, context.Canceled):
		terminal = Message{Type: MessageDone, Aborted: true}
	case err != nil:
		terminal = Message{Type: MessageError, Message: err.Error()}
	default:
		terminal = Message{Type: MessageDone}
	}
	terminal.SessionID = s.sessionID
	s.deliverTerminal(terminal)
}

func (s *Stream) safeProduce(ctx context.Context, produce ProduceFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("provider panic: %v", r)
		}
	}()
	return produce(ctx, func(msg Message) error {
		return s.emit(ctx, msg)
	})
}

func (s *Stream) emit(ctx context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminated {
		return ErrStreamTerminated
	}
	if msg.SessionID == "" {
		msg.SessionID = s.sessionID
	}

	if msg.IsTerminal() {
		s.terminated = true
		return s.deliverTerminal(msg)
	}

	select {
	case <-s.closed:
		return ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	select {
	case s.ch <- msg:
		return nil
	case <-s.closed:
		return ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deliverTerminal ignores ctx so that a cancelled run still reports its end
func (s *Stream) deliverTerminal(msg Message) error {
	select {
	case s.ch <- msg:
		return nil
	case <-s.closed:
		return ErrStreamClosed
	}
}
