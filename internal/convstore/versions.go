package convstore

import (
	"context"
	"errors"
	"sort"

	"github.com/chatplex/chatplex/internal/branch"
)

// VersionInfo describes the sibling versions at one decision point. It is
// never persisted; it is recomputed from the physical branch set on every
// read so it cannot drift from the files on disk.
type VersionInfo struct {
	DecisionIndex  int   `json:"decision_index"`
	CurrentVersion int   `json:"current_version"`
	TotalVersions  int   `json:"total_versions"`
	Values         []int `json:"values"`
}

// siblingValues scans all branch keys sharing coord's prefix up to
// decisionIndex and returns the distinct sibling-choice values at that
// decision point, ascending. Duplicates from longer and shorter keys
// collapse to one sibling.
func (s *Store) siblingValues(ctx context.Context, conversationID string, coord branch.Coordinate, decisionIndex int) ([]int, error) {
	keys, err := s.ListBranchKeys(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	seen := make(map[int]bool)
	for _, key := range keys {
		if !branch.PrefixEqual(key, coord, decisionIndex) {
			continue
		}
		seen[branch.ValueAt(key, decisionIndex)] = true
	}

	values := make([]int, 0, len(seen))
	for v := range seen {
		values = append(values, v)
	}
	sort.Ints(values)
	return values, nil
}

// VersionInfo reports how many sibling versions exist at decisionIndex and
// which one coord selects. Rank order is ascending by sibling value, not by
// creation time; this is what left/right navigation follows. A coordinate
// whose own value is missing from the set (stale pointer) ranks first.
func (s *Store) VersionInfo(ctx context.Context, conversationID string, coord branch.Coordinate, decisionIndex int) (*VersionInfo, error) {
	if s == nil {
		return nil, errors.New("nil store")
	}
	if decisionIndex < 0 {
		return nil, ErrInvalidArgument
	}

	values, err := s.siblingValues(ctx, conversationID, coord, decisionIndex)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return &VersionInfo{
			DecisionIndex:  decisionIndex,
			CurrentVersion: 1,
			TotalVersions:  1,
			Values:         []int{0},
		}, nil
	}

	rank := 0
	current := branch.ValueAt(coord, decisionIndex)
	for i, v := range values {
		if v == current {
			rank = i
			break
		}
	}
	return &VersionInfo{
		DecisionIndex:  decisionIndex,
		CurrentVersion: rank + 1,
		TotalVersions:  len(values),
		Values:         values,
	}, nil
}

// annotateVersions decorates messages with positions and, for user messages,
// sibling version info at their decision index. Assistant and system
// messages carry 1/1: they have no version navigation of their own.
func (s *Store) annotateVersions(ctx context.Context, conversationID string, coord branch.Coordinate, messages []Message) ([]MessageView, error) {
	views := make([]MessageView, 0, len(messages))
	decisionIndex := 0
	for i, m := range messages {
		view := MessageView{
			Message:        m,
			Position:       i,
			DecisionIndex:  -1,
			CurrentVersion: 1,
			TotalVersions:  1,
		}
		if m.Role == RoleUser {
			info, err := s.VersionInfo(ctx, conversationID, coord, decisionIndex)
			if err != nil {
				return nil, err
			}
			view.DecisionIndex = decisionIndex
			view.CurrentVersion = info.CurrentVersion
			view.TotalVersions = info.TotalVersions
			decisionIndex++
		}
		views = append(views, view)
	}
	return views, nil
}

// SwitchBranch moves one step between sibling versions at decisionIndex,
// wrapping around at either end, and persists the result as the current
// branch. When several physical keys share the selected prefix, it snaps to
// the numerically lowest one so navigation always lands on a concrete
// downstream branch. Returns ErrNoSiblings when no versions exist at the
// decision point.
func (s *Store) SwitchBranch(ctx context.Context, conversationID string, coord branch.Coordinate, decisionIndex int, direction int) (branch.Coordinate, error) {
	if s == nil {
		return nil, errors.New("nil store")
	}
	if decisionIndex < 0 || (direction != 1 && direction != -1) {
		return nil, ErrInvalidArgument
	}

	unlock := s.lockConversation(conversationID)
	defer unlock()

	if _, err := s.requireMetadata(conversationID); err != nil {
		return nil, err
	}

	values, err := s.siblingValues(ctx, conversationID, coord, decisionIndex)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, ErrNoSiblings
	}

	currentIdx := 0
	current := branch.ValueAt(coord, decisionIndex)
	for i, v := range values {
		if v == current {
			currentIdx = i
			break
		}
	}
	nextIdx := (currentIdx + direction + len(values)) % len(values)
	target := append(branch.Pad(coord, decisionIndex), values[nextIdx])

	resolved := s.snapToLowestKey(ctx, conversationID, target, decisionIndex+1)
	if err := s.setCurrentBranchLocked(conversationID, resolved); err != nil {
		return nil, err
	}
	return branch.Canonical(resolved), nil
}

// snapToLowestKey resolves a prefix selection of length n to the lowest
// physically existing key consistent with it, or to the selection itself if
// no key matches.
func (s *Store) snapToLowestKey(ctx context.Context, conversationID string, target branch.Coordinate, n int) branch.Coordinate {
	keys, err := s.ListBranchKeys(ctx, conversationID)
	if err != nil {
		return target
	}

	var best branch.Coordinate
	for _, key := range keys {
		if !branch.PrefixEqual(key, target, n) {
			continue
		}
		if best == nil || branch.Less(key, best) {
			best = key
		}
	}
	if best == nil {
		return target
	}
	return best
}
