package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/sparkchat/sparksync/internal/remote"
)

// PullAndMerge implements Syncer.PullAndMerge.
func (s *syncer) PullAndMerge(ctx context.Context) (Result, error) {
	start := time.Now()
	var res Result

	rows, err := s.remote.FetchConversations(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to fetch conversations: %w", err)
	}

	snapshots := make([]remote.Snapshot, 0, len(rows))
	var fetchErr error
	for _, row := range rows {
		msgs, err := s.remote.FetchMessages(ctx, row.ID)
		if err != nil {
			fetchErr = fmt.Errorf("failed to fetch messages for %s: %w", row.ID, err)
			break
		}
		snapshots = append(snapshots, remote.Snapshot{Conversation: row, Messages: msgs})
	}
	res.Fetched = len(snapshots)
	res.Partial = fetchErr != nil

	if len(snapshots) > 0 {
		local, err := s.store.ListConversations(ctx)
		if err != nil {
			return res, persistErr("list conversations", err)
		}

		cs, stats := s.merger.Plan(snapshots, local)
		res.Stats = stats

		if !cs.Empty() {
			if err := s.store.Commit(ctx, cs); err != nil {
				return res, persistErr("commit merge", err)
			}
			res.Committed = true
		}
	}
	res.Duration = time.Since(start)

	if fetchErr != nil {
		s.logger.Printf("Pull partial: merged %d of %d conversations: %v", res.Fetched, len(rows), fetchErr)
		return res, fetchErr
	}

	s.logger.Printf("Pull complete: conversations=%d new_conversations=%d titles=%d new_messages=%d (%v)",
		res.RemoteConversations, res.NewConversations, res.TitleUpdates, res.NewMessages, res.Duration)
	return res, nil
}
