package convstore

import (
	"context"
	"testing"
)

func TestSearchByTitle(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, CreateOptions{Title: "Trip planning"})
	mustCreate(t, s, CreateOptions{Title: "Recipes"})

	got, err := s.SearchConversations(ctx, "trip")
	if err != nil {
		t.Fatalf("SearchConversations: %v", err)
	}
	if len(got) != 1 || got[0].Title != "Trip planning" {
		t.Fatalf("got %+v", got)
	}
}

func TestSearchByMessageText(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	conv := mustCreate(t, s, CreateOptions{Title: "Untitled A"})
	mustAdd(t, s, conv.ID, RoleUser, "what is the capital of Portugal")
	other := mustCreate(t, s, CreateOptions{Title: "Untitled B"})
	mustAdd(t, s, other.ID, RoleUser, "unrelated")

	got, err := s.SearchConversations(ctx, "PORTUGAL")
	if err != nil {
		t.Fatalf("SearchConversations: %v", err)
	}
	if len(got) != 1 || got[0].ID != conv.ID {
		t.Fatalf("got %+v", got)
	}
}

func TestSearchFindsAbandonedBranches(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	conv := mustCreate(t, s, CreateOptions{Title: "Untitled"})
	mustAdd(t, s, conv.ID, RoleUser, "original question")

	// Fork away; the original branch is no longer current but still matches.
	if _, err := s.EditMessage(ctx, conv.ID, nil, 0, Text("revised question")); err != nil {
		t.Fatalf("EditMessage: %v", err)
	}

	got, err := s.SearchConversations(ctx, "original question")
	if err != nil {
		t.Fatalf("SearchConversations: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("abandoned branch not searched: %+v", got)
	}
}

func TestSearchBlockContent(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	conv := mustCreate(t, s, CreateOptions{Title: "Untitled"})
	if _, err := s.AddMessage(ctx, conv.ID, nil, NewMessage{
		Role: RoleAssistant,
		Content: Blocks(
			ToolUseBlock{Name: "web_search"},
			TextBlock{Text: "the Eiffel Tower is 330 metres tall"},
		),
	}); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	got, err := s.SearchConversations(ctx, "eiffel")
	if err != nil {
		t.Fatalf("SearchConversations: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("block text not searched: %+v", got)
	}
}

func TestSearchEmptyQuery(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	mustCreate(t, s, CreateOptions{Title: "anything"})

	got, err := s.SearchConversations(context.Background(), "   ")
	if err != nil {
		t.Fatalf("SearchConversations: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("blank query matched %d conversations", len(got))
	}
}
