package convstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chatplex/chatplex/internal/branch"
)

// NewMessage carries the caller-settable fields of a message to append.
type NewMessage struct {
	Role        Role
	Content     Content
	Thinking    string
	ToolResults []ToolResult
	Streaming   bool
}

// AddMessage appends one message to a branch. A nil coord selects the
// persisted current branch. No forking happens here.
func (s *Store) AddMessage(ctx context.Context, conversationID string, coord branch.Coordinate, msg NewMessage) (*Message, error) {
	if s == nil {
		return nil, errors.New("nil store")
	}
	if !msg.Role.valid() {
		return nil, fmt.Errorf("%w: unsupported role %q", ErrInvalidArgument, msg.Role)
	}

	unlock := s.lockConversation(conversationID)
	defer unlock()
	return s.addMessageLocked(ctx, conversationID, coord, msg)
}

func (s *Store) addMessageLocked(ctx context.Context, conversationID string, coord branch.Coordinate, msg NewMessage) (*Message, error) {
	conv, err := s.requireMetadata(conversationID)
	if err != nil {
		return nil, err
	}
	if coord == nil {
		coord = conv.CurrentBranch
	}

	messages, err := s.ReadMessages(ctx, conversationID, coord)
	if err != nil {
		return nil, err
	}

	m := Message{
		ID:          uuid.NewString(),
		Role:        msg.Role,
		Content:     msg.Content,
		Thinking:    msg.Thinking,
		ToolResults: msg.ToolResults,
		Streaming:   msg.Streaming,
		CreatedAt:   time.Now().UTC(),
	}
	messages = append(messages, m)

	if err := s.WriteMessages(ctx, conversationID, coord, messages); err != nil {
		return nil, err
	}

	// First user message names an untitled conversation.
	if msg.Role == RoleUser && (conv.Title == "" || conv.Title == defaultTitle) {
		if candidate := trimTitle(msg.Content.PlainText(), 48); candidate != "" {
			conv.Title = candidate
		}
	}
	if err := s.touchMetadata(conv); err != nil {
		return nil, err
	}
	return &m, nil
}

// ForkResult reports the outcome of an edit.
type ForkResult struct {
	Branch  branch.Coordinate `json:"branch"`
	Message Message           `json:"message"`

	// Position is the raw message position of the edited user message.
	Position       int `json:"position"`
	CurrentVersion int `json:"current_version"`
	TotalVersions  int `json:"total_versions"`
}

// EditMessage forks the conversation at a user message: the messages before
// the edit point are copied into a brand-new branch record, followed by one
// new user message with newContent. Everything after the edited message is
// implicitly discarded because it is never copied. The new branch gets the
// smallest sibling value not already used at that decision point and becomes
// the current branch.
func (s *Store) EditMessage(ctx context.Context, conversationID string, coord branch.Coordinate, decisionIndex int, newContent Content) (*ForkResult, error) {
	if s == nil {
		return nil, errors.New("nil store")
	}
	if decisionIndex < 0 {
		return nil, ErrInvalidArgument
	}

	unlock := s.lockConversation(conversationID)
	defer unlock()

	conv, err := s.requireMetadata(conversationID)
	if err != nil {
		return nil, err
	}
	if coord == nil {
		coord = conv.CurrentBranch
	}

	messages, err := s.ReadMessages(ctx, conversationID, coord)
	if err != nil {
		return nil, err
	}

	// Locate the raw position of the decisionIndex-th user message.
	editPos := -1
	seen := 0
	for i, m := range messages {
		if m.Role != RoleUser {
			continue
		}
		if seen == decisionIndex {
			editPos = i
			break
		}
		seen++
	}
	if editPos < 0 {
		return nil, fmt.Errorf("%w: no user message at decision index %d", ErrInvalidArgument, decisionIndex)
	}

	values, err := s.siblingValues(ctx, conversationID, coord, decisionIndex)
	if err != nil {
		return nil, err
	}
	used := make(map[int]bool, len(values))
	for _, v := range values {
		used[v] = true
	}
	next := 0
	for used[next] {
		next++
	}

	newCoord := append(branch.Pad(coord, decisionIndex), next)

	edited := Message{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Content:   newContent,
		CreatedAt: time.Now().UTC(),
	}
	forked := make([]Message, 0, editPos+1)
	forked = append(forked, messages[:editPos]...)
	forked = append(forked, edited)

	if err := s.WriteMessages(ctx, conversationID, newCoord, forked); err != nil {
		return nil, err
	}
	if err := s.setCurrentBranchLocked(conversationID, newCoord); err != nil {
		return nil, err
	}

	s.log.Info("branch forked",
		"conversation_id", conversationID,
		"branch", branch.Encode(newCoord),
		"decision_index", decisionIndex)

	return &ForkResult{
		Branch:         branch.Canonical(newCoord),
		Message:        edited,
		Position:       editPos,
		CurrentVersion: next + 1,
		TotalVersions:  len(values) + 1,
	}, nil
}

// RetryMessage regenerates an assistant reply in place: the branch is
// truncated to position (exclusive) and one new assistant message is
// appended. Unlike EditMessage this never creates a new branch key — the
// active branch's tail is overwritten and the coordinate stays the same.
func (s *Store) RetryMessage(ctx context.Context, conversationID string, coord branch.Coordinate, position int, newContent Content, thinking string) (*Message, error) {
	if s == nil {
		return nil, errors.New("nil store")
	}
	if position < 0 {
		return nil, ErrInvalidArgument
	}

	unlock := s.lockConversation(conversationID)
	defer unlock()

	conv, err := s.requireMetadata(conversationID)
	if err != nil {
		return nil, err
	}
	if coord == nil {
		coord = conv.CurrentBranch
	}

	messages, err := s.ReadMessages(ctx, conversationID, coord)
	if err != nil {
		return nil, err
	}
	if position >= len(messages) {
		return nil, fmt.Errorf("%w: position %d past end of branch (%d messages)", ErrInvalidArgument, position, len(messages))
	}

	m := Message{
		ID:        uuid.NewString(),
		Role:      RoleAssistant,
		Content:   newContent,
		Thinking:  thinking,
		CreatedAt: time.Now().UTC(),
	}
	result := append(messages[:position:position], m)

	if err := s.WriteMessages(ctx, conversationID, coord, result); err != nil {
		return nil, err
	}
	if err := s.touchMetadata(conv); err != nil {
		return nil, err
	}
	return &m, nil
}

// TruncateFrom deletes messages from position onward (inclusive). Reports
// ErrNothingToDelete when position is at or past the end.
func (s *Store) TruncateFrom(ctx context.Context, conversationID string, coord branch.Coordinate, position int) error {
	if s == nil {
		return errors.New("nil store")
	}
	if position < 0 {
		return ErrInvalidArgument
	}

	unlock := s.lockConversation(conversationID)
	defer unlock()

	conv, err := s.requireMetadata(conversationID)
	if err != nil {
		return err
	}
	if coord == nil {
		coord = conv.CurrentBranch
	}

	messages, err := s.ReadMessages(ctx, conversationID, coord)
	if err != nil {
		return err
	}
	if position >= len(messages) {
		return ErrNothingToDelete
	}

	if err := s.WriteMessages(ctx, conversationID, coord, messages[:position]); err != nil {
		return err
	}
	return s.touchMetadata(conv)
}

// DuplicateConversation copies a conversation under a new id: fresh
// metadata with a prefixed title and the branch pointer reset to [0], and
// every branch record copied verbatim.
func (s *Store) DuplicateConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	if s == nil {
		return nil, errors.New("nil store")
	}

	unlock := s.lockConversation(conversationID)
	defer unlock()

	src, err := s.requireMetadata(conversationID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	dup := *src
	dup.ID = uuid.NewString()
	dup.Title = "Copy of " + src.Title
	dup.CreatedAt = now
	dup.UpdatedAt = now
	dup.CurrentBranch = branch.Coordinate{0}
	dup.SessionID = ""

	if err := s.writeJSON(s.metadataPath(dup.ID), &dup); err != nil {
		return nil, err
	}

	keys, err := s.ListBranchKeys(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		messages, err := s.ReadMessages(ctx, conversationID, key)
		if err != nil {
			return nil, err
		}
		if err := s.WriteMessages(ctx, dup.ID, key, messages); err != nil {
			return nil, err
		}
	}

	s.log.Info("conversation duplicated", "source_id", conversationID, "conversation_id", dup.ID)
	return &dup, nil
}

// touchMetadata refreshes the updated_at stamp after a mutation.
func (s *Store) touchMetadata(conv *Conversation) error {
	conv.UpdatedAt = time.Now().UTC()
	if err := s.writeJSON(s.metadataPath(conv.ID), conv); err != nil {
		return fmt.Errorf("touch metadata: %w", err)
	}
	return nil
}

// trimTitle is used by callers that derive titles from message text.
func trimTitle(text string, max int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return strings.TrimSpace(string(runes[:max]))
}
