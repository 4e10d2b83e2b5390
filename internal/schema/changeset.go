package schema

// ChangeSet is the set of local mutations produced by one merge pass.
// It is committed as a single local transaction.
type ChangeSet struct {
	// Conversations to insert. Their Messages are inserted with them.
	Conversations []*Conversation

	// Titles maps an existing conversation id to its new title.
	Titles map[string]string

	// Contents maps an existing message id to replacement content. It is
	// only populated when the merge policy lets remote content win.
	Contents map[string]string

	// Messages to insert into conversations that already exist locally.
	Messages []*Message
}

// NewChangeSet returns an empty ChangeSet.
func NewChangeSet() *ChangeSet {
	return &ChangeSet{
		Titles:   make(map[string]string),
		Contents: make(map[string]string),
	}
}

// Empty reports whether applying cs would change nothing.
func (cs *ChangeSet) Empty() bool {
	return cs == nil || (len(cs.Conversations) == 0 && len(cs.Titles) == 0 &&
		len(cs.Contents) == 0 && len(cs.Messages) == 0)
}

// NewMessageCount returns the number of messages cs inserts, including
// those carried by new conversations.
func (cs *ChangeSet) NewMessageCount() int {
	if cs == nil {
		return 0
	}
	n := len(cs.Messages)
	for _, c := range cs.Conversations {
		n += len(c.Messages)
	}
	return n
}
