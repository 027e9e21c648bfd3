package convstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chatplex/chatplex/internal/branch"
)

// StreamSession tracks one in-flight generation. The placeholder assistant
// message is created up front; partial output is published by re-supplying
// the full accumulated content on every patch, so a lost or reordered patch
// is survivable (latest wins) and a concurrent reader always observes a
// complete prior document.
type StreamSession struct {
	store          *Store
	conversationID string
	coord          branch.Coordinate
	messageID      string
	stoppable      bool
	stopCh         chan struct{}
	startedAt      time.Time
}

// ConversationID returns the conversation being streamed into.
func (ss *StreamSession) ConversationID() string { return ss.conversationID }

// MessageID returns the id of the placeholder assistant message, for
// correlating later patches.
func (ss *StreamSession) MessageID() string { return ss.messageID }

// Branch returns the branch coordinate receiving the stream.
func (ss *StreamSession) Branch() branch.Coordinate { return ss.coord }

// Done is closed when a stop has been requested for a stoppable session.
func (ss *StreamSession) Done() <-chan struct{} { return ss.stopCh }

// StartedAt returns when the session was opened.
func (ss *StreamSession) StartedAt() time.Time { return ss.startedAt }

// StreamOptions configures a new streaming session.
type StreamOptions struct {
	// Stoppable sessions can be signalled through StopStream; the generation
	// loop is expected to watch Done and then call Abort.
	Stoppable bool
}

// BeginStreaming appends an empty assistant placeholder with the streaming
// marker set and registers the session. Only one generation may be active
// per conversation.
func (s *Store) BeginStreaming(ctx context.Context, conversationID string, coord branch.Coordinate, opts StreamOptions) (*StreamSession, error) {
	if s == nil {
		return nil, errors.New("nil store")
	}

	s.mu.Lock()
	if _, busy := s.streams[conversationID]; busy {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: conversation %s", ErrStreamActive, conversationID)
	}
	// Reserve the slot before the placeholder write so two racing Begins
	// cannot both proceed.
	s.streams[conversationID] = nil
	s.mu.Unlock()

	msg, err := func() (*Message, error) {
		unlock := s.lockConversation(conversationID)
		defer unlock()

		conv, err := s.requireMetadata(conversationID)
		if err != nil {
			return nil, err
		}
		if coord == nil {
			coord = conv.CurrentBranch
		}
		return s.addMessageLocked(ctx, conversationID, coord, NewMessage{
			Role:      RoleAssistant,
			Content:   Text(""),
			Streaming: true,
		})
	}()
	if err != nil {
		s.mu.Lock()
		delete(s.streams, conversationID)
		s.mu.Unlock()
		return nil, err
	}

	ss := &StreamSession{
		store:          s,
		conversationID: conversationID,
		coord:          branch.Canonical(coord),
		messageID:      msg.ID,
		stoppable:      opts.Stoppable,
		stopCh:         make(chan struct{}),
		startedAt:      time.Now().UTC(),
	}
	s.mu.Lock()
	s.streams[conversationID] = ss
	s.mu.Unlock()

	s.log.Info("streaming started",
		"conversation_id", conversationID,
		"branch", branch.Encode(ss.coord),
		"message_id", msg.ID)
	return ss, nil
}

// StreamPatch carries the full accumulated state of the streaming message.
// Nil fields leave the stored value untouched.
type StreamPatch struct {
	Content     *Content
	Thinking    *string
	ToolResults []ToolResult
}

// Patch replaces the streaming message's content with the accumulated state
// so far. Each call is a full read-modify-write cycle serialized against
// every other mutation on the conversation.
func (ss *StreamSession) Patch(ctx context.Context, patch StreamPatch) error {
	if ss == nil || ss.store == nil {
		return errors.New("nil stream session")
	}
	return ss.store.PatchMessageContent(ctx, ss.conversationID, ss.coord, ss.messageID, patch, true)
}

// Finish publishes the final content and clears the streaming marker. The
// final patch may restructure content between plain text and typed blocks
// depending on what the generation produced.
func (ss *StreamSession) Finish(ctx context.Context, final StreamPatch) error {
	if ss == nil || ss.store == nil {
		return errors.New("nil stream session")
	}
	defer ss.store.releaseStream(ss)
	if err := ss.store.PatchMessageContent(ctx, ss.conversationID, ss.coord, ss.messageID, final, false); err != nil {
		return err
	}
	ss.store.log.Info("streaming finished",
		"conversation_id", ss.conversationID,
		"message_id", ss.messageID)
	return nil
}

// Abort finalizes a cancelled generation: whatever content accumulated is
// kept, a stopped notice is appended, and the streaming marker is cleared.
// A cancelled stream must never stay marked streaming.
func (ss *StreamSession) Abort(ctx context.Context, notice string) error {
	if ss == nil || ss.store == nil {
		return errors.New("nil stream session")
	}
	defer ss.store.releaseStream(ss)

	notice = strings.TrimSpace(notice)
	if notice == "" {
		notice = "Generation stopped."
	}

	s := ss.store
	unlock := s.lockConversation(ss.conversationID)
	defer unlock()

	messages, err := s.ReadMessages(ctx, ss.conversationID, ss.coord)
	if err != nil {
		return err
	}
	for i := range messages {
		if messages[i].ID != ss.messageID {
			continue
		}
		messages[i].Content = appendNotice(messages[i].Content, notice)
		messages[i].Streaming = false
		if err := s.WriteMessages(ctx, ss.conversationID, ss.coord, messages); err != nil {
			return err
		}
		s.log.Info("streaming aborted",
			"conversation_id", ss.conversationID,
			"message_id", ss.messageID)
		return nil
	}
	return fmt.Errorf("%w: streaming message %s", ErrNotFound, ss.messageID)
}

func appendNotice(c Content, notice string) Content {
	if c.IsBlocks() {
		return Blocks(append(c.BlockList(), TextBlock{Text: notice})...)
	}
	text := c.PlainText()
	if text == "" {
		return Text(notice)
	}
	return Text(text + "\n\n" + notice)
}

// PatchMessageContent finds a message by id in the branch document and
// replaces its mutable fields, rewriting the whole document. Used by the
// streaming path; exposed for collaborators that patch outside a session.
func (s *Store) PatchMessageContent(ctx context.Context, conversationID string, coord branch.Coordinate, messageID string, patch StreamPatch, streaming bool) error {
	if s == nil {
		return errors.New("nil store")
	}
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return fmt.Errorf("%w: missing message id", ErrInvalidArgument)
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
	for i := range messages {
		if messages[i].ID != messageID {
			continue
		}
		if patch.Content != nil {
			messages[i].Content = *patch.Content
		}
		if patch.Thinking != nil {
			messages[i].Thinking = *patch.Thinking
		}
		if patch.ToolResults != nil {
			messages[i].ToolResults = patch.ToolResults
		}
		messages[i].Streaming = streaming
		return s.WriteMessages(ctx, conversationID, coord, messages)
	}
	return fmt.Errorf("%w: message %s", ErrNotFound, messageID)
}

func (s *Store) releaseStream(ss *StreamSession) {
	s.mu.Lock()
	if cur, ok := s.streams[ss.conversationID]; ok && cur == ss {
		delete(s.streams, ss.conversationID)
	}
	s.mu.Unlock()
}

// StreamStatus reports whether a conversation has an active generation.
type StreamStatus struct {
	Streaming bool   `json:"streaming"`
	Stoppable bool   `json:"stoppable"`
	MessageID string `json:"message_id,omitempty"`
}

// StreamStatusFor returns the live status for one conversation.
func (s *Store) StreamStatusFor(conversationID string) StreamStatus {
	if s == nil {
		return StreamStatus{}
	}
	s.mu.Lock()
	ss := s.streams[conversationID]
	s.mu.Unlock()
	if ss == nil {
		return StreamStatus{}
	}
	return StreamStatus{Streaming: true, Stoppable: ss.stoppable, MessageID: ss.messageID}
}

// StopStream signals a stoppable session to cancel. The generation loop is
// still responsible for finalizing via Abort; readers polling the branch see
// the stopped notice once that lands. Returns false when there is nothing
// stoppable to signal.
func (s *Store) StopStream(conversationID string) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ss := s.streams[conversationID]
	if ss == nil || !ss.stoppable {
		return false
	}
	// Closing under s.mu keeps concurrent StopStream calls from racing on
	// the channel.
	select {
	case <-ss.stopCh:
	default:
		close(ss.stopCh)
	}
	return true
}

// ActiveStreams snapshots the status of every in-flight generation.
func (s *Store) ActiveStreams() map[string]StreamStatus {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]StreamStatus, len(s.streams))
	for id, ss := range s.streams {
		if ss == nil {
			continue
		}
		out[id] = StreamStatus{Streaming: true, Stoppable: ss.stoppable, MessageID: ss.messageID}
	}
	return out
}
