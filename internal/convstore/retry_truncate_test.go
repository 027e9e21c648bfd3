package convstore

import (
	"context"
	"errors"
	"testing"

	"github.com/chatplex/chatplex/internal/branch"
)

func TestRetryReplacesInPlace(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	conv := mustCreate(t, s, CreateOptions{})
	mustAdd(t, s, conv.ID, RoleUser, "hi")
	old := mustAdd(t, s, conv.ID, RoleAssistant, "hello")

	m, err := s.RetryMessage(ctx, conv.ID, nil, 1, Text("hello v2"), "")
	if err != nil {
		t.Fatalf("RetryMessage: %v", err)
	}
	if m.ID == old.ID {
		t.Fatalf("retry reused the old message id")
	}

	msgs, err := s.ReadMessages(ctx, conv.ID, branch.Coordinate{0})
	if err != nil {
		t.Fatalf("ReadMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("branch has %d messages, want 2", len(msgs))
	}
	if msgs[1].Content.PlainText() != "hello v2" {
		t.Fatalf("second message = %q, want hello v2", msgs[1].Content.PlainText())
	}

	// Retry never creates a new branch key.
	keys, err := s.ListBranchKeys(ctx, conv.ID)
	if err != nil {
		t.Fatalf("ListBranchKeys: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("got %d branch keys after retry, want 1", len(keys))
	}
	view, err := s.GetConversation(ctx, conv.ID, nil)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if branch.Encode(view.Branch) != "0" {
		t.Fatalf("current branch = %s, want unchanged 0", branch.Encode(view.Branch))
	}
}

func TestRetryDiscardsTail(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	conv := mustCreate(t, s, CreateOptions{})
	mustAdd(t, s, conv.ID, RoleUser, "one")
	mustAdd(t, s, conv.ID, RoleAssistant, "reply")
	mustAdd(t, s, conv.ID, RoleUser, "two")
	mustAdd(t, s, conv.ID, RoleAssistant, "reply two")

	if _, err := s.RetryMessage(ctx, conv.ID, nil, 1, Text("reply redo"), "deliberated"); err != nil {
		t.Fatalf("RetryMessage: %v", err)
	}
	msgs, err := s.ReadMessages(ctx, conv.ID, branch.Coordinate{0})
	if err != nil {
		t.Fatalf("ReadMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("branch has %d messages, want 2", len(msgs))
	}
	if msgs[1].Thinking != "deliberated" {
		t.Fatalf("Thinking = %q", msgs[1].Thinking)
	}
}

func TestRetryPositionOutOfRange(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	conv := mustCreate(t, s, CreateOptions{})
	mustAdd(t, s, conv.ID, RoleUser, "hi")

	if _, err := s.RetryMessage(ctx, conv.ID, nil, 1, Text("x"), ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestTruncateFrom(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	conv := mustCreate(t, s, CreateOptions{})
	mustAdd(t, s, conv.ID, RoleUser, "hi")
	mustAdd(t, s, conv.ID, RoleAssistant, "hello")

	if err := s.TruncateFrom(ctx, conv.ID, nil, 0); err != nil {
		t.Fatalf("TruncateFrom: %v", err)
	}
	msgs, err := s.ReadMessages(ctx, conv.ID, branch.Coordinate{0})
	if err != nil {
		t.Fatalf("ReadMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("branch has %d messages after truncate, want 0", len(msgs))
	}

	if err := s.TruncateFrom(ctx, conv.ID, nil, 0); !errors.Is(err, ErrNothingToDelete) {
		t.Fatalf("second truncate err = %v, want ErrNothingToDelete", err)
	}
}

func TestTruncateFromMiddle(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	conv := mustCreate(t, s, CreateOptions{})
	mustAdd(t, s, conv.ID, RoleUser, "one")
	mustAdd(t, s, conv.ID, RoleAssistant, "reply")
	mustAdd(t, s, conv.ID, RoleUser, "two")

	if err := s.TruncateFrom(ctx, conv.ID, nil, 2); err != nil {
		t.Fatalf("TruncateFrom: %v", err)
	}
	msgs, err := s.ReadMessages(ctx, conv.ID, branch.Coordinate{0})
	if err != nil {
		t.Fatalf("ReadMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("branch has %d messages, want 2", len(msgs))
	}
}
