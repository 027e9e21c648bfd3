package convstore

import (
	"context"
	"errors"
	"testing"

	"github.com/chatplex/chatplex/internal/branch"
)

func TestForkLeavesOriginalUntouched(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	conv := mustCreate(t, s, CreateOptions{Title: "fork"})
	mustAdd(t, s, conv.ID, RoleUser, "hi")
	mustAdd(t, s, conv.ID, RoleAssistant, "hello")

	res, err := s.EditMessage(ctx, conv.ID, nil, 0, Text("hi again"))
	if err != nil {
		t.Fatalf("EditMessage: %v", err)
	}
	if branch.Encode(res.Branch) != "1" {
		t.Fatalf("new branch = %s, want 1", branch.Encode(res.Branch))
	}

	forked, err := s.ReadMessages(ctx, conv.ID, res.Branch)
	if err != nil {
		t.Fatalf("ReadMessages(fork): %v", err)
	}
	if len(forked) != 1 {
		t.Fatalf("forked branch has %d messages, want 1", len(forked))
	}
	if forked[0].Content.PlainText() != "hi again" {
		t.Fatalf("forked content = %q", forked[0].Content.PlainText())
	}

	original, err := s.ReadMessages(ctx, conv.ID, branch.Coordinate{0})
	if err != nil {
		t.Fatalf("ReadMessages(original): %v", err)
	}
	if len(original) != 2 {
		t.Fatalf("original branch has %d messages, want 2", len(original))
	}

	info, err := s.VersionInfo(ctx, conv.ID, res.Branch, 0)
	if err != nil {
		t.Fatalf("VersionInfo: %v", err)
	}
	if info.TotalVersions != 2 || info.CurrentVersion != 2 {
		t.Fatalf("version info = %d/%d, want 2/2", info.CurrentVersion, info.TotalVersions)
	}

	// Fork updates the persisted branch pointer.
	view, err := s.GetConversation(ctx, conv.ID, nil)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if branch.Encode(view.Branch) != "1" {
		t.Fatalf("current branch = %s, want 1", branch.Encode(view.Branch))
	}
}

func TestForkPrefixInvariant(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	conv := mustCreate(t, s, CreateOptions{})
	mustAdd(t, s, conv.ID, RoleUser, "one")
	mustAdd(t, s, conv.ID, RoleAssistant, "reply one")
	mustAdd(t, s, conv.ID, RoleUser, "two")
	mustAdd(t, s, conv.ID, RoleAssistant, "reply two")

	before, err := s.ReadMessages(ctx, conv.ID, branch.Coordinate{0})
	if err != nil {
		t.Fatalf("ReadMessages: %v", err)
	}

	// Edit the second user message (decision index 1, raw position 2).
	res, err := s.EditMessage(ctx, conv.ID, nil, 1, Text("two revised"))
	if err != nil {
		t.Fatalf("EditMessage: %v", err)
	}
	if res.Position != 2 {
		t.Fatalf("Position = %d, want 2", res.Position)
	}
	if branch.Encode(res.Branch) != "0_1" {
		t.Fatalf("new branch = %s, want 0_1", branch.Encode(res.Branch))
	}

	forked, err := s.ReadMessages(ctx, conv.ID, res.Branch)
	if err != nil {
		t.Fatalf("ReadMessages(fork): %v", err)
	}
	if len(forked) != 3 {
		t.Fatalf("forked branch has %d messages, want 3", len(forked))
	}
	for i := 0; i < 2; i++ {
		if forked[i].ID != before[i].ID {
			t.Fatalf("prefix message %d diverged: %s != %s", i, forked[i].ID, before[i].ID)
		}
	}
	if forked[2].Content.PlainText() != "two revised" {
		t.Fatalf("edited message content = %q", forked[2].Content.PlainText())
	}
}

func TestForkInvalidDecisionIndex(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	conv := mustCreate(t, s, CreateOptions{})
	mustAdd(t, s, conv.ID, RoleUser, "only one")

	if _, err := s.EditMessage(ctx, conv.ID, nil, 3, Text("x")); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
	if _, err := s.EditMessage(ctx, "missing", nil, 0, Text("x")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestNextSiblingValueIsSmallestUnused(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	conv := mustCreate(t, s, CreateOptions{})
	mustAdd(t, s, conv.ID, RoleUser, "hi")

	first, err := s.EditMessage(ctx, conv.ID, branch.Coordinate{0}, 0, Text("v2"))
	if err != nil {
		t.Fatalf("EditMessage v2: %v", err)
	}
	if branch.Encode(first.Branch) != "1" {
		t.Fatalf("first fork = %s, want 1", branch.Encode(first.Branch))
	}
	second, err := s.EditMessage(ctx, conv.ID, branch.Coordinate{0}, 0, Text("v3"))
	if err != nil {
		t.Fatalf("EditMessage v3: %v", err)
	}
	if branch.Encode(second.Branch) != "2" {
		t.Fatalf("second fork = %s, want 2", branch.Encode(second.Branch))
	}
	if second.TotalVersions != 3 {
		t.Fatalf("TotalVersions = %d, want 3", second.TotalVersions)
	}
}

func TestVersionInfoDistinctValues(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	conv := mustCreate(t, s, CreateOptions{})
	mustAdd(t, s, conv.ID, RoleUser, "root")
	mustAdd(t, s, conv.ID, RoleAssistant, "ok")
	mustAdd(t, s, conv.ID, RoleUser, "second")

	// Fork twice at decision index 1: keys 0_1 and 0_2 join the implicit 0.
	if _, err := s.EditMessage(ctx, conv.ID, branch.Coordinate{0}, 1, Text("second v2")); err != nil {
		t.Fatalf("EditMessage: %v", err)
	}
	if _, err := s.EditMessage(ctx, conv.ID, branch.Coordinate{0}, 1, Text("second v3")); err != nil {
		t.Fatalf("EditMessage: %v", err)
	}

	// Keys "0", "0_1", "0_2" all share the prefix at index 0 and collapse to
	// a single sibling value there.
	info, err := s.VersionInfo(ctx, conv.ID, branch.Coordinate{0}, 0)
	if err != nil {
		t.Fatalf("VersionInfo(0): %v", err)
	}
	if info.TotalVersions != 1 || info.CurrentVersion != 1 {
		t.Fatalf("index 0 info = %d/%d, want 1/1", info.CurrentVersion, info.TotalVersions)
	}

	info, err = s.VersionInfo(ctx, conv.ID, branch.Coordinate{0, 2}, 1)
	if err != nil {
		t.Fatalf("VersionInfo(1): %v", err)
	}
	if info.TotalVersions != 3 {
		t.Fatalf("TotalVersions = %d, want 3", info.TotalVersions)
	}
	if info.CurrentVersion != 3 {
		t.Fatalf("CurrentVersion = %d, want 3", info.CurrentVersion)
	}
	if len(info.Values) != 3 || info.Values[0] != 0 || info.Values[1] != 1 || info.Values[2] != 2 {
		t.Fatalf("Values = %v, want [0 1 2]", info.Values)
	}
}

func TestVersionInfoStalePointerRanksFirst(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	conv := mustCreate(t, s, CreateOptions{})
	mustAdd(t, s, conv.ID, RoleUser, "hi")

	// Coordinate value 9 exists nowhere on disk.
	info, err := s.VersionInfo(ctx, conv.ID, branch.Coordinate{9}, 0)
	if err != nil {
		t.Fatalf("VersionInfo: %v", err)
	}
	if info.CurrentVersion != 1 {
		t.Fatalf("CurrentVersion = %d, want 1 for stale pointer", info.CurrentVersion)
	}
}

func TestSwitchBranchWraparound(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	conv := mustCreate(t, s, CreateOptions{})
	mustAdd(t, s, conv.ID, RoleUser, "hi")

	// Sibling values {0,1,2} at decision index 0.
	for i := 0; i < 2; i++ {
		if _, err := s.EditMessage(ctx, conv.ID, branch.Coordinate{0}, 0, Text("edit")); err != nil {
			t.Fatalf("EditMessage: %v", err)
		}
	}

	got, err := s.SwitchBranch(ctx, conv.ID, branch.Coordinate{1}, 0, 1)
	if err != nil {
		t.Fatalf("SwitchBranch(+1 from 1): %v", err)
	}
	if branch.Encode(got) != "2" {
		t.Fatalf("from 1, +1 = %s, want 2", branch.Encode(got))
	}

	got, err = s.SwitchBranch(ctx, conv.ID, branch.Coordinate{2}, 0, 1)
	if err != nil {
		t.Fatalf("SwitchBranch(+1 from 2): %v", err)
	}
	if branch.Encode(got) != "0" {
		t.Fatalf("from 2, +1 wraps to %s, want 0", branch.Encode(got))
	}

	got, err = s.SwitchBranch(ctx, conv.ID, branch.Coordinate{0}, 0, -1)
	if err != nil {
		t.Fatalf("SwitchBranch(-1 from 0): %v", err)
	}
	if branch.Encode(got) != "2" {
		t.Fatalf("from 0, -1 wraps to %s, want 2", branch.Encode(got))
	}

	// The switch persists the pointer.
	view, err := s.GetConversation(ctx, conv.ID, nil)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if branch.Encode(view.Branch) != "2" {
		t.Fatalf("current branch = %s, want 2", branch.Encode(view.Branch))
	}
}

func TestSwitchBranchSnapsToLowestDownstream(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	conv := mustCreate(t, s, CreateOptions{})
	mustAdd(t, s, conv.ID, RoleUser, "a")
	mustAdd(t, s, conv.ID, RoleAssistant, "ra")
	mustAdd(t, s, conv.ID, RoleUser, "b")

	// Build deeper branches under value 1 at index 0: keys 1, then fork the
	// new branch downstream so several keys share the prefix "1".
	if _, err := s.EditMessage(ctx, conv.ID, branch.Coordinate{0}, 0, Text("a v2")); err != nil {
		t.Fatalf("EditMessage: %v", err)
	}
	mustAdd(t, s, conv.ID, RoleAssistant, "ra v2")
	mustAdd(t, s, conv.ID, RoleUser, "b v2")
	if _, err := s.EditMessage(ctx, conv.ID, branch.Coordinate{1}, 1, Text("b v3")); err != nil {
		t.Fatalf("EditMessage downstream: %v", err)
	}

	// From the default branch, step to value 1 at index 0: both "1" and
	// "1_1" match; navigation must land on the lowest key, "1".
	got, err := s.SwitchBranch(ctx, conv.ID, branch.Coordinate{0}, 0, 1)
	if err != nil {
		t.Fatalf("SwitchBranch: %v", err)
	}
	if branch.Encode(got) != "1" {
		t.Fatalf("resolved = %s, want 1", branch.Encode(got))
	}
}

func TestSwitchBranchNoSiblings(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	conv := mustCreate(t, s, CreateOptions{})

	// Remove the root branch file so no keys exist at all.
	if err := s.DeleteConversation(ctx, conv.ID); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}
	conv = mustCreate(t, s, CreateOptions{})
	if _, err := s.SwitchBranch(ctx, conv.ID, branch.Coordinate{0}, 0, 1); err != nil {
		// A single sibling still switches (wraps to itself); only an empty
		// value set reports ErrNoSiblings.
		t.Fatalf("SwitchBranch single sibling: %v", err)
	}

	// No key shares the prefix [5], so the value set is empty.
	if _, err := s.SwitchBranch(ctx, conv.ID, branch.Coordinate{5, 0}, 1, 1); !errors.Is(err, ErrNoSiblings) {
		t.Fatalf("err = %v, want ErrNoSiblings", err)
	}

	if _, err := s.SwitchBranch(ctx, conv.ID, branch.Coordinate{0}, 0, 2); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("direction=2 err = %v, want ErrInvalidArgument", err)
	}
}
