package convstore

import "errors"

var (
	// ErrNotFound indicates the conversation (or a required record) does not exist.
	ErrNotFound = errors.New("conversation not found")

	// ErrInvalidArgument indicates a decision index or message position that
	// does not correspond to an existing message.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNothingToDelete indicates a truncate position at or past the end of
	// the branch.
	ErrNothingToDelete = errors.New("nothing to delete")

	// ErrStreamActive indicates the conversation already has a generation in
	// flight; branch documents allow only one active writer.
	ErrStreamActive = errors.New("stream already active")

	// ErrNoSiblings indicates a branch switch at a decision point with no
	// recorded versions.
	ErrNoSiblings = errors.New("no sibling branches")
)
