package schema

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format names an export encoding.
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatJSON     Format = "json"
	FormatYAML     Format = "yaml"
)

// ParseFormat resolves a user-supplied format name.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "markdown", "md":
		return FormatMarkdown, nil
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unknown export format %q (want markdown, json or yaml)", s)
	}
}

// Markdown renders the conversation as a shareable markdown document with
// one section per message in canonical order.
func (c *Conversation) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", c.Title)

	msgs := append([]*Message(nil), c.Messages...)
	SortMessages(msgs)
	for _, m := range msgs {
		heading := "AI"
		if m.Role == RoleUser {
			heading = "User"
		}
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", heading, m.Content)
	}
	return b.String()
}

// Export writes conversations to w in the given format.
func Export(w io.Writer, convs []*Conversation, format Format) error {
	switch format {
	case FormatMarkdown:
		for i, c := range convs {
			if i > 0 {
				if _, err := io.WriteString(w, "---\n\n"); err != nil {
					return fmt.Errorf("failed to write markdown: %w", err)
				}
			}
			if _, err := io.WriteString(w, c.Markdown()); err != nil {
				return fmt.Errorf("failed to write markdown: %w", err)
			}
		}
		return nil

	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(convs); err != nil {
			return fmt.Errorf("failed to encode json: %w", err)
		}
		return nil

	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(convs); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		return enc.Close()

	default:
		return fmt.Errorf("unknown export format %q", format)
	}
}
