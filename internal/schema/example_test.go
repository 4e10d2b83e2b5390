package schema_test

import (
	"fmt"
	"time"

	"github.com/sparkchat/sparksync/internal/schema"
)

func ExampleConversation_Markdown() {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	conv := &schema.Conversation{ID: schema.NewID(), Title: "Trip planning", CreatedAt: at}
	conv.Messages = []*schema.Message{
		{ID: "b", ConversationID: conv.ID, Role: schema.RoleAssistant, Content: "Somewhere warm.", Timestamp: at.Add(time.Second)},
		{ID: "a", ConversationID: conv.ID, Role: schema.RoleUser, Content: "Where should we go?", Timestamp: at},
	}

	fmt.Print(conv.Markdown())
	// Output:
	// # Trip planning
	//
	// ## User
	//
	// Where should we go?
	//
	// ## AI
	//
	// Somewhere warm.
}
