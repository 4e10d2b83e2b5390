// Package schema defines the conversation data model.
//
// # Entities
//
// A Conversation owns an ordered set of Messages; a Message owns zero or
// more Attachments. Identifiers are UUIDs, immutable once created, and are
// the only join key between the local store and the remote backend.
//
// # Ordering
//
// The canonical display order of messages within a conversation is by
// timestamp ascending with ties broken by id ascending. SortMessages and
// MessageLess implement it; every reader of the local store returns
// messages in this order.
//
// # Attachments
//
// Attachments point at files on the local file system. Only their metadata
// (id, file name, type, path, size) is exchanged with the remote store, so
// a conversation synced to a second device may carry attachments whose
// files do not exist there. Those are dropped during merge.
//
// # Change sets
//
// A ChangeSet is the output of one merge pass: conversations and messages
// to insert plus field updates for rows that already exist. The local store
// applies it in a single transaction.
//
// # Export
//
// Conversations render to markdown for sharing and to JSON or YAML for
// backup via Export.
package schema
