package schema

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Import reads conversations written by Export. JSON input may be a
// single array or one conversation object per line. Markdown is lossy
// and cannot be imported.
//
// IDs are normalized, messages missing a conversation_id inherit their
// conversation's, and every conversation is validated.
func Import(r io.Reader, format Format) ([]*Conversation, error) {
	var convs []*Conversation
	var err error
	switch format {
	case FormatJSON:
		convs, err = importJSON(r)
	case FormatYAML:
		if err := yaml.NewDecoder(r).Decode(&convs); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to decode yaml: %w", err)
		}
	case FormatMarkdown:
		return nil, fmt.Errorf("markdown exports cannot be imported")
	default:
		return nil, fmt.Errorf("unknown import format %q", format)
	}
	if err != nil {
		return nil, err
	}

	for i, c := range convs {
		if c == nil {
			return nil, fmt.Errorf("conversation %d: empty entry", i+1)
		}
		if err := c.normalize(); err != nil {
			return nil, fmt.Errorf("conversation %d: %w", i+1, err)
		}
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("conversation %s: %w", c.ID, err)
		}
	}
	return convs, nil
}

func importJSON(r io.Reader) ([]*Conversation, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read json: %w", err)
	}

	decoder := json.NewDecoder(br)
	if first == '[' {
		var convs []*Conversation
		if err := decoder.Decode(&convs); err != nil {
			return nil, fmt.Errorf("failed to decode json: %w", err)
		}
		return convs, nil
	}

	var convs []*Conversation
	for n := 1; ; n++ {
		var c Conversation
		if err := decoder.Decode(&c); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at entry %d: %w", n, err)
		}
		convs = append(convs, &c)
	}
	return convs, nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}

func (c *Conversation) normalize() error {
	id, err := NormalizeID(c.ID)
	if err != nil {
		return err
	}
	c.ID = id

	for _, m := range c.Messages {
		if m == nil {
			return fmt.Errorf("empty message entry")
		}
		if m.ID, err = NormalizeID(m.ID); err != nil {
			return fmt.Errorf("message: %w", err)
		}
		if m.ConversationID == "" {
			m.ConversationID = c.ID
		} else if m.ConversationID, err = NormalizeID(m.ConversationID); err != nil {
			return fmt.Errorf("message %s: %w", m.ID, err)
		}
	}
	SortMessages(c.Messages)
	return nil
}
