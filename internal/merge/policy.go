package merge

import (
	"fmt"
	"strings"
)

// Rule decides which side wins when a field differs between the local
// store and the remote snapshot.
type Rule int

const (
	// RemoteWins overwrites the local value with the remote one.
	RemoteWins Rule = iota
	// LocalWins keeps the local value.
	LocalWins
)

// String returns the configuration name of the rule.
func (r Rule) String() string {
	switch r {
	case RemoteWins:
		return "remote"
	case LocalWins:
		return "local"
	default:
		return "unknown"
	}
}

// ParseRule parses "remote" or "local".
func ParseRule(s string) (Rule, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "remote":
		return RemoteWins, nil
	case "local":
		return LocalWins, nil
	default:
		return 0, fmt.Errorf("unknown conflict rule %q (want remote or local)", s)
	}
}

// Policy holds the per-field conflict rules. Only fields that can change
// after creation are listed; everything else is immutable and keyed by id.
type Policy struct {
	// Title of an existing conversation.
	Title Rule
	// Content of an existing message.
	Content Rule
}

// DefaultPolicy lets the remote title win and keeps local message content.
func DefaultPolicy() Policy {
	return Policy{
		Title:   RemoteWins,
		Content: LocalWins,
	}
}

// String renders the policy as "title=<rule> content=<rule>".
func (p Policy) String() string {
	return fmt.Sprintf("title=%s content=%s", p.Title, p.Content)
}
