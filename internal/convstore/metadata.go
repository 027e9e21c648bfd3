package convstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chatplex/chatplex/internal/branch"
)

// Conversation is the metadata record for one conversation.
type Conversation struct {
	ID            string            `json:"id"`
	Title         string            `json:"title"`
	Model         string            `json:"model,omitempty"`
	SystemPrompt  string            `json:"system_prompt,omitempty"`
	IsAgent       bool              `json:"is_agent"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	CurrentBranch branch.Coordinate `json:"current_branch"`

	// SessionID resumes an external agent session across restarts. Optional.
	SessionID string `json:"session_id,omitempty"`
}

// CreateOptions are the caller-settable fields of a new conversation.
type CreateOptions struct {
	Title        string
	Model        string
	SystemPrompt string
	IsAgent      bool
}

// UpdateOptions carries a partial metadata update; nil fields are untouched.
type UpdateOptions struct {
	Title        *string
	Model        *string
	SystemPrompt *string
}

// CreateConversation allocates a conversation directory with an empty root
// branch on coordinate [0].
func (s *Store) CreateConversation(ctx context.Context, opts CreateOptions) (*Conversation, error) {
	if s == nil {
		return nil, errors.New("nil store")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	title := strings.TrimSpace(opts.Title)
	if title == "" {
		title = defaultTitle
	}

	now := time.Now().UTC()
	conv := &Conversation{
		ID:            uuid.NewString(),
		Title:         title,
		Model:         strings.TrimSpace(opts.Model),
		SystemPrompt:  opts.SystemPrompt,
		IsAgent:       opts.IsAgent,
		CreatedAt:     now,
		UpdatedAt:     now,
		CurrentBranch: branch.Coordinate{0},
	}

	unlock := s.lockConversation(conv.ID)
	defer unlock()

	if err := s.writeJSON(s.metadataPath(conv.ID), conv); err != nil {
		return nil, err
	}
	if err := s.WriteMessages(ctx, conv.ID, conv.CurrentBranch, nil); err != nil {
		return nil, err
	}
	if opts.IsAgent {
		if err := os.MkdirAll(s.WorkspacePath(conv.ID), 0o700); err != nil {
			return nil, fmt.Errorf("create workspace: %w", err)
		}
		if err := os.MkdirAll(s.MemoriesPath(conv.ID), 0o700); err != nil {
			return nil, fmt.Errorf("create memories: %w", err)
		}
	}

	s.log.Info("conversation created", "conversation_id", conv.ID, "is_agent", conv.IsAgent)
	return conv, nil
}

// loadMetadata reads the metadata record, or nil if it is absent or corrupt.
func (s *Store) loadMetadata(conversationID string) (*Conversation, error) {
	var conv Conversation
	ok, err := s.readJSON(s.metadataPath(conversationID), &conv)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &conv, nil
}

// requireMetadata is loadMetadata with absence promoted to ErrNotFound.
func (s *Store) requireMetadata(conversationID string) (*Conversation, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, fmt.Errorf("%w: missing conversation id", ErrNotFound)
	}
	conv, err := s.loadMetadata(conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, conversationID)
	}
	return conv, nil
}

// ConversationView is a conversation with the messages of one branch,
// annotated with version navigation info.
type ConversationView struct {
	Conversation
	Branch   branch.Coordinate `json:"branch"`
	Messages []MessageView     `json:"messages"`
}

// MessageView decorates a message with its position and, for user messages,
// the sibling version info recomputed from the physical branch set.
type MessageView struct {
	Message
	Position int `json:"position"`

	// DecisionIndex is the 0-based index among user messages, or -1 for
	// non-user messages.
	DecisionIndex  int `json:"decision_index"`
	CurrentVersion int `json:"current_version"`
	TotalVersions  int `json:"total_versions"`
}

// GetConversation returns metadata plus the messages of coord. A nil coord
// selects the persisted current branch. A dangling current-branch pointer
// resolves to an empty message list rather than failing.
func (s *Store) GetConversation(ctx context.Context, conversationID string, coord branch.Coordinate) (*ConversationView, error) {
	if s == nil {
		return nil, errors.New("nil store")
	}
	conv, err := s.requireMetadata(conversationID)
	if err != nil {
		return nil, err
	}
	if coord == nil {
		coord = conv.CurrentBranch
	}
	if coord == nil {
		coord = branch.Coordinate{0}
	}

	messages, err := s.ReadMessages(ctx, conversationID, coord)
	if err != nil {
		return nil, err
	}
	views, err := s.annotateVersions(ctx, conversationID, coord, messages)
	if err != nil {
		return nil, err
	}

	return &ConversationView{
		Conversation: *conv,
		Branch:       branch.Canonical(coord),
		Messages:     views,
	}, nil
}

// GetMessages returns the annotated messages of one branch.
func (s *Store) GetMessages(ctx context.Context, conversationID string, coord branch.Coordinate) ([]MessageView, error) {
	view, err := s.GetConversation(ctx, conversationID, coord)
	if err != nil {
		return nil, err
	}
	return view.Messages, nil
}

// ListConversations returns all conversation metadata, newest activity
// first. Directories without readable metadata are skipped.
func (s *Store) ListConversations(ctx context.Context) ([]Conversation, error) {
	if s == nil {
		return nil, errors.New("nil store")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	out := make([]Conversation, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		conv, err := s.loadMetadata(e.Name())
		if err != nil || conv == nil {
			continue
		}
		out = append(out, *conv)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// UpdateConversation applies a partial metadata update.
func (s *Store) UpdateConversation(ctx context.Context, conversationID string, opts UpdateOptions) error {
	if s == nil {
		return errors.New("nil store")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock := s.lockConversation(conversationID)
	defer unlock()

	conv, err := s.requireMetadata(conversationID)
	if err != nil {
		return err
	}
	if opts.Title != nil {
		conv.Title = strings.TrimSpace(*opts.Title)
	}
	if opts.Model != nil {
		conv.Model = strings.TrimSpace(*opts.Model)
	}
	if opts.SystemPrompt != nil {
		conv.SystemPrompt = *opts.SystemPrompt
	}
	conv.UpdatedAt = time.Now().UTC()
	return s.writeJSON(s.metadataPath(conversationID), conv)
}

// SetCurrentBranch persists the branch pointer chosen by navigation. The
// target branch record is not required to exist; reads tolerate a dangling
// pointer by resolving it to an empty branch.
func (s *Store) SetCurrentBranch(ctx context.Context, conversationID string, coord branch.Coordinate) error {
	if s == nil {
		return errors.New("nil store")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock := s.lockConversation(conversationID)
	defer unlock()
	return s.setCurrentBranchLocked(conversationID, coord)
}

func (s *Store) setCurrentBranchLocked(conversationID string, coord branch.Coordinate) error {
	conv, err := s.requireMetadata(conversationID)
	if err != nil {
		return err
	}
	conv.CurrentBranch = branch.Canonical(coord)
	conv.UpdatedAt = time.Now().UTC()
	return s.writeJSON(s.metadataPath(conversationID), conv)
}

// SetSessionID records the external agent session id for later resumption.
func (s *Store) SetSessionID(ctx context.Context, conversationID string, sessionID string) error {
	if s == nil {
		return errors.New("nil store")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock := s.lockConversation(conversationID)
	defer unlock()

	conv, err := s.requireMetadata(conversationID)
	if err != nil {
		return err
	}
	conv.SessionID = strings.TrimSpace(sessionID)
	conv.UpdatedAt = time.Now().UTC()
	return s.writeJSON(s.metadataPath(conversationID), conv)
}

// SessionID probes the resumable session id. Probe failures are recovered as
// "no value": resumption is an optimization, not a requirement.
func (s *Store) SessionID(ctx context.Context, conversationID string) string {
	if s == nil {
		return ""
	}
	if err := ctx.Err(); err != nil {
		return ""
	}
	conv, err := s.loadMetadata(strings.TrimSpace(conversationID))
	if err != nil || conv == nil {
		return ""
	}
	return conv.SessionID
}

// DeleteConversation removes the metadata record and every branch record
// under it. The metadata file is unlinked first so a partial failure cannot
// leave the conversation id resolvable.
func (s *Store) DeleteConversation(ctx context.Context, conversationID string) error {
	if s == nil {
		return errors.New("nil store")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock := s.lockConversation(conversationID)
	defer unlock()

	if _, err := s.requireMetadata(conversationID); err != nil {
		return err
	}
	if err := os.Remove(s.metadataPath(conversationID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete metadata: %w", err)
	}
	if err := os.RemoveAll(s.ConversationPath(conversationID)); err != nil {
		return fmt.Errorf("delete conversation dir: %w", err)
	}
	s.log.Info("conversation deleted", "conversation_id", conversationID)
	return nil
}
