package convstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

// SearchConversations returns conversations whose title or message text
// contains query (case-insensitive substring), newest activity first. All
// branch files are scanned, so a hit on an abandoned branch still surfaces
// the conversation; a title hit short-circuits the message scan.
func (s *Store) SearchConversations(ctx context.Context, query string) ([]Conversation, error) {
	if s == nil {
		return nil, errors.New("nil store")
	}
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil, nil
	}

	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []Conversation
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		conv, err := s.loadMetadata(e.Name())
		if err != nil || conv == nil {
			continue
		}
		if strings.Contains(strings.ToLower(conv.Title), query) {
			out = append(out, *conv)
			continue
		}
		hit, err := s.branchesContain(ctx, conv.ID, query)
		if err != nil {
			return nil, err
		}
		if hit {
			out = append(out, *conv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// branchesContain scans the raw branch documents for query without decoding
// the full typed model. Content is either a bare string or a block array
// whose text blocks carry a "text" field; both shapes are probed.
func (s *Store) branchesContain(ctx context.Context, conversationID string, query string) (bool, error) {
	keys, err := s.ListBranchKeys(ctx, conversationID)
	if err != nil {
		return false, err
	}
	for _, key := range keys {
		data, err := os.ReadFile(s.branchPath(conversationID, key))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return false, err
		}
		if !gjson.ValidBytes(data) {
			s.log.Warn("corrupt branch skipped in search",
				"conversation_id", conversationID,
				"file", filepath.Base(s.branchPath(conversationID, key)))
			continue
		}
		found := false
		gjson.GetBytes(data, "messages").ForEach(func(_, msg gjson.Result) bool {
			content := msg.Get("content")
			switch {
			case content.Type == gjson.String:
				found = strings.Contains(strings.ToLower(content.Str), query)
			case content.IsArray():
				content.ForEach(func(_, block gjson.Result) bool {
					if block.Get("type").Str == "text" &&
						strings.Contains(strings.ToLower(block.Get("text").Str), query) {
						found = true
					}
					return !found
				})
			}
			return !found
		})
		if found {
			return true, nil
		}
	}
	return false, nil
}
