package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func messageTypes(messages []Message) []MessageType {
	types := make([]MessageType, 0, len(messages))
	for _, msg := range messages {
		types = append(types, msg.Type)
	}
	return types
}

func TestStream(t *testing.T) {
	t.Run("should deliver messages in order and stop after done", func(t *testing.T) {
		stream := NewStream(context.Background(), "s1", func(ctx context.Context, emit Emitter) error {
			assert.NoError(t, emit(Message{Type: MessageText, Content: "hi"}))
			assert.NoError(t, emit(Message{Type: MessageToolUse, ToolName: "read"}))
			assert.NoError(t, emit(Message{Type: MessageToolResult, ToolOutput: "ok"}))
			assert.NoError(t, emit(Message{Type: MessageDone}))
			assert.ErrorIs(t, emit(Message{Type: MessageText, Content: "late"}), ErrStreamTerminated)
			return nil
		})

		messages := stream.Collect()
		assert.Equal(t, []MessageType{MessageText, MessageToolUse, MessageToolResult, MessageDone}, messageTypes(messages))
		for _, msg := range messages {
			assert.Equal(t, "s1", msg.SessionID)
		}
	})

	t.Run("should synthesize done when producer returns nil", func(t *testing.T) {
		stream := NewStream(context.Background(), "s1", func(ctx context.Context, emit Emitter) error {
			return emit(Message{Type: MessageText, Content: "hi"})
		})

		messages := stream.Collect()
		require.Len(t, messages, 2)
		assert.Equal(t, MessageDone, messages[1].Type)
		assert.False(t, messages[1].Aborted)
	})

	t.Run("should turn producer errors into a terminal error message", func(t *testing.T) {
		stream := NewStream(context.Background(), "s1", func(ctx context.Context, emit Emitter) error {
			return errors.New("boom")
		})

		messages := stream.Collect()
		require.Len(t, messages, 1)
		assert.Equal(t, MessageError, messages[0].Type)
		assert.Equal(t, "boom", messages[0].Message)
	})

	t.Run("should recover producer panics", func(t *testing.T) {
		stream := NewStream(context.Background(), "s1", func(ctx context.Context, emit Emitter) error {
			panic("bad provider")
		})

		messages := stream.Collect()
		require.Len(t, messages, 1)
		assert.Equal(t, MessageError, messages[0].Type)
		assert.Contains(t, messages[0].Message, "bad provider")
	})

	t.Run("should end with an aborted done on cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		started := make(chan struct{})

		stream := NewStream(ctx, "s1", func(ctx context.Context, emit Emitter) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		})

		<-started
		cancel()

		messages := stream.Collect()
		require.Len(t, messages, 1)
		assert.Equal(t, MessageDone, messages[0].Type)
		assert.True(t, messages[0].Aborted)
	})

	t.Run("should ignore cancellation done by producer cleanup", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		stream := NewStream(ctx, "s1", func(ctx context.Context, emit Emitter) error {
			defer cancel()
			return emit(Message{Type: MessageResult, Content: "ok"})
		})

		messages := stream.Collect()
		require.Len(t, messages, 2)
		assert.Equal(t, MessageDone, messages[1].Type)
		assert.False(t, messages[1].Aborted)

		ctx, cancel = context.WithCancel(context.Background())
		stream = NewStream(ctx, "s1", func(ctx context.Context, emit Emitter) error {
			defer cancel()
			return errors.New("provider failed")
		})

		messages = stream.Collect()
		require.Len(t, messages, 1)
		assert.Equal(t, MessageError, messages[0].Type)
	})

	t.Run("should report wrapped cancellation as aborted", func(t *testing.T) {
		stream := NewStream(context.Background(), "s1", func(ctx context.Context, emit Emitter) error {
			return fmt.Errorf("step-2 failed: %w", context.Canceled)
		})

		messages := stream.Collect()
		require.Len(t, messages, 1)
		assert.True(t, messages[0].Aborted)
	})

	t.Run("should let producer observe consumer close", func(t *testing.T) {
		result := make(chan error, 1)
		stream := NewStream(context.Background(), "s1", func(ctx context.Context, emit Emitter) error {
			for {
				if err := emit(Message{Type: MessageText, Content: "tick"}); err != nil {
					result <- err
					return err
				}
			}
		})

		<-stream.Messages()
		stream.Close()

		select {
		case err := <-result:
			assert.ErrorIs(t, err, ErrStreamClosed)
		case <-time.After(2 * time.Second):
			t.Fatal("producer did not observe close")
		}
	})

	t.Run("should build single-message error streams", func(t *testing.T) {
		messages := ErrorStream("s2", ErrPlanNotFound).Collect()
		require.Len(t, messages, 1)
		assert.Equal(t, MessageError, messages[0].Type)
		assert.Equal(t, "s2", messages[0].SessionID)
		assert.True(t, messages[0].IsTerminal())
	})
}

func TestActiveRuns(t *testing.T) {
	t.Run("should cancel a running session on stop", func(t *testing.T) {
		runs := NewActiveRuns()
		ctx, release := runs.Start(context.Background(), "s1")
		defer release()

		assert.True(t, runs.IsRunning("s1"))
		assert.True(t, runs.Stop("s1"))
		assert.Error(t, ctx.Err())
		assert.False(t, runs.IsRunning("s1"))
	})

	t.Run("should treat stopping twice as stopping once", func(t *testing.T) {
		runs := NewActiveRuns()
		_, release := runs.Start(context.Background(), "s1")
		defer release()

		assert.True(t, runs.Stop("s1"))
		assert.False(t, runs.Stop("s1"))
		assert.False(t, runs.Stop("unknown"))
	})

	t.Run("should supersede a previous run for the same session", func(t *testing.T) {
		runs := NewActiveRuns()
		first, releaseFirst := runs.Start(context.Background(), "s1")
		second, releaseSecond := runs.Start(context.Background(), "s1")
		defer releaseSecond()

		assert.Error(t, first.Err())
		releaseFirst()
		assert.True(t, runs.IsRunning("s1"))
		assert.NoError(t, second.Err())
	})
}
