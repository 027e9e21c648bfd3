// Package convstore persists branching chat conversations on disk.
//
// Layout: one directory per conversation id containing metadata.json,
// settings.json, one JSON document per branch key ("0.json", "0_1.json"),
// and opaque workspace/ and memories/ subdirectories for agent
// conversations. Branches are full copies, not diffs: each branch file holds
// every message from the conversation root up to its own divergence point,
// so version counts are always recomputed from the physical branch set and
// can never drift from it.
package convstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chatplex/chatplex/internal/branch"
)

const (
	defaultTitle = "New Conversation"

	metadataFile = "metadata.json"
	settingsFile = "settings.json"
	workspaceDir = "workspace"
	memoriesDir  = "memories"
)

// Store is a file-backed conversation store. All mutations to one
// conversation are serialized through a per-conversation mutex: every branch
// write is a whole-document overwrite, so two interleaved read-modify-write
// cycles on the same key would silently drop one writer's changes.
type Store struct {
	root string
	log  *slog.Logger

	mu      sync.Mutex
	convMu  map[string]*sync.Mutex
	streams map[string]*StreamSession
}

// Open prepares a store rooted at dir, creating it if needed.
func Open(dir string, log *slog.Logger) (*Store, error) {
	dir = filepath.Clean(strings.TrimSpace(dir))
	if dir == "" || dir == "." {
		return nil, errors.New("missing store root")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{
		root:    dir,
		log:     log,
		convMu:  make(map[string]*sync.Mutex),
		streams: make(map[string]*StreamSession),
	}, nil
}

// Root returns the conversations root directory.
func (s *Store) Root() string {
	if s == nil {
		return ""
	}
	return s.root
}

// ConversationPath returns the directory holding one conversation.
func (s *Store) ConversationPath(conversationID string) string {
	return filepath.Join(s.root, conversationID)
}

// WorkspacePath returns the opaque workspace directory for an agent
// conversation. Only the path computation is part of the store's contract.
func (s *Store) WorkspacePath(conversationID string) string {
	return filepath.Join(s.ConversationPath(conversationID), workspaceDir)
}

// MemoriesPath returns the opaque memories directory for an agent
// conversation.
func (s *Store) MemoriesPath(conversationID string) string {
	return filepath.Join(s.ConversationPath(conversationID), memoriesDir)
}

func (s *Store) metadataPath(conversationID string) string {
	return filepath.Join(s.ConversationPath(conversationID), metadataFile)
}

// branchPath resolves a coordinate to its branch file. New writes use the
// canonical key, but forks may have created non-canonical keys ("0_1_0"), so
// an existing file under either spelling wins over the canonical default.
func (s *Store) branchPath(conversationID string, coord branch.Coordinate) string {
	dir := s.ConversationPath(conversationID)
	canonical := filepath.Join(dir, branch.Encode(coord)+".json")
	if _, err := os.Stat(canonical); err == nil {
		return canonical
	}
	if raw := branch.EncodeVerbatim(coord); raw != branch.Encode(coord) {
		p := filepath.Join(dir, raw+".json")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return canonical
}

// lockConversation serializes mutations per conversation. Operations on
// different conversations never block each other.
func (s *Store) lockConversation(conversationID string) func() {
	s.mu.Lock()
	mu, ok := s.convMu[conversationID]
	if !ok {
		mu = &sync.Mutex{}
		s.convMu[conversationID] = mu
	}
	s.mu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// readJSON decodes path into v. Missing and unparsable files both report
// ok=false: corrupt documents are treated as absent to keep the store
// available, never as a fatal condition on the read path.
func (s *Store) readJSON(path string, v any) (ok bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.log.Warn("corrupt document treated as absent", "path", path, "error", err)
		return false, nil
	}
	return true, nil
}

// writeJSON overwrites path with the encoded document. Write failures always
// propagate: they imply data loss for the operation in flight.
func (s *Store) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create conversation dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

// branchDocument is the on-disk shape of one branch file.
type branchDocument struct {
	Messages []Message `json:"messages"`
}

// ReadMessages returns the ordered message list under coord. A branch with
// no file yet is an empty branch, not an error.
func (s *Store) ReadMessages(ctx context.Context, conversationID string, coord branch.Coordinate) ([]Message, error) {
	if s == nil {
		return nil, errors.New("nil store")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, errors.New("missing conversation id")
	}

	var doc branchDocument
	ok, err := s.readJSON(s.branchPath(conversationID, coord), &doc)
	if err != nil {
		return nil, fmt.Errorf("read branch %s: %w", branch.Encode(coord), err)
	}
	if !ok {
		return []Message{}, nil
	}
	return doc.Messages, nil
}

// WriteMessages overwrites the full message list under coord.
func (s *Store) WriteMessages(ctx context.Context, conversationID string, coord branch.Coordinate, messages []Message) error {
	if s == nil {
		return errors.New("nil store")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return errors.New("missing conversation id")
	}
	if messages == nil {
		messages = []Message{}
	}
	if err := s.writeJSON(s.branchPath(conversationID, coord), branchDocument{Messages: messages}); err != nil {
		return fmt.Errorf("write branch %s: %w", branch.Encode(coord), err)
	}
	return nil
}

// ListBranchKeys returns every physically present branch coordinate for a
// conversation. Files that do not parse as branch keys are skipped.
func (s *Store) ListBranchKeys(ctx context.Context, conversationID string) ([]branch.Coordinate, error) {
	if s == nil {
		return nil, errors.New("nil store")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.ConversationPath(conversationID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list branches: %w", err)
	}

	out := make([]branch.Coordinate, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		if name == metadataFile || name == settingsFile {
			continue
		}
		coord, err := branch.Decode(strings.TrimSuffix(name, ".json"))
		if err != nil {
			s.log.Warn("skipping unrecognized branch file", "conversation_id", conversationID, "file", name)
			continue
		}
		out = append(out, coord)
	}
	return out, nil
}
