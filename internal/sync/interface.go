package sync

import (
	"context"
	"time"

	"github.com/sparkchat/sparksync/internal/merge"
	"github.com/sparkchat/sparksync/internal/schema"
)

// Syncer keeps the local conversation store and the remote backend
// converging.
//
// Every method performs network I/O and may block. Callers serialize
// calls through the operation queue; the syncer itself does no ordering.
type Syncer interface {
	// PullAndMerge fetches every remote conversation with its messages
	// and merges them into the local store.
	//
	// The merge follows the syncer's policy (see merge.Policy). Local
	// mutations from one pass are committed in a single transaction.
	//
	// If a fetch fails partway through, whatever was fetched before the
	// failure is still merged and committed, and the fetch error is
	// returned alongside the result. Result.Partial is set in that case.
	//
	// Example:
	//   res, err := syncer.PullAndMerge(ctx)
	PullAndMerge(ctx context.Context) (Result, error)

	// PushConversation upserts a conversation and its messages to the
	// remote store.
	//
	// The conversation row is sent first, then all messages in one
	// batched request. The message request is skipped when there are no
	// messages. Attachments whose file is missing locally are omitted
	// with a warning; the message itself is still pushed.
	//
	// Returns ErrNoUser if the syncer has no user id to stamp rows with.
	PushConversation(ctx context.Context, conv *schema.Conversation) error

	// PushAll pushes every local conversation, stopping at the first
	// failure. It returns the number of conversations pushed.
	PushAll(ctx context.Context) (int, error)

	// DeleteConversation deletes a conversation on the remote store.
	//
	// Failures are retried under the syncer's RetryPolicy. Decode
	// failures and context cancellation are never retried. The local
	// store is not touched.
	DeleteConversation(ctx context.Context, id string) error

	// DeleteMessage deletes a message on the remote store, retrying like
	// DeleteConversation.
	DeleteMessage(ctx context.Context, id string) error

	// Policy returns the merge policy in effect.
	Policy() merge.Policy
}

// Result describes one pull-and-merge pass.
type Result struct {
	merge.Stats

	// Fetched is the number of conversations whose messages were
	// fetched successfully.
	Fetched int

	// Partial is set when a fetch failed and only part of the remote
	// state was merged.
	Partial bool

	// Committed is set when the pass wrote anything locally.
	Committed bool

	Duration time.Duration
}
