// Package sync moves conversations between the local store and the
// remote backend.
//
// Overview
//
// A pull fetches the remote conversation list, then each conversation's
// messages, and hands the snapshot to merge.Merger. The resulting
// ChangeSet is committed to the local store in one transaction:
//
//	Remote (REST)
//	     ├── conversations       → remote.ConversationRow
//	     └── messages?conv=eq.X  → remote.MessageRow
//	                                      ↓
//	                                merge.Plan
//	                                      ↓
//	                               db.Commit (one tx)
//
// A push goes the other way: the conversation row first, then all of its
// messages as one batched upsert.
//
// Usage
//
//	s, err := sync.New(database, client, &sync.Config{
//	    UserID: userID,
//	    Policy: merge.DefaultPolicy(),
//	    Retry:  sync.DefaultRetryPolicy(),
//	})
//	if err != nil {
//	    return err
//	}
//	res, err := s.PullAndMerge(ctx)
//
// Error Handling
//
// Remote failures keep their remote.ErrTransport, remote.ErrProtocol or
// remote.ErrDecode class through wrapping. Local store failures are
// wrapped in ErrPersist.
//
// A pull that fails partway still commits what it fetched. Deletes are
// retried under RetryPolicy; everything else is tried once.
//
// Concurrency
//
// A Syncer does not order its calls. Run them through a queue.Queue so
// that pushes, pulls and deletes never overlap.
package sync
