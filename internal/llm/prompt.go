package llm

import (
	"fmt"
	"strings"

	"github.com/leadgov-io/warden/internal/profile"
)

// defaultTemplate is used when a profile carries no prompt template of its own.
const defaultTemplate = "You are {identity}, a dedicated assistant for this conversation line."

// BuildRequest assembles a generation request whose system prompt is scoped
// to a single profile: its identity, allowed topics, and knowledge vault.
// Nothing from any other role's profile is reachable from the result.
func BuildRequest(p *profile.BotProfile, model, message string) *Request {
	tmpl := p.PromptTemplate
	if strings.TrimSpace(tmpl) == "" {
		tmpl = defaultTemplate
	}

	var b strings.Builder
	b.WriteString(strings.ReplaceAll(tmpl, "{identity}", p.Identity))
	b.WriteString("\n\n")

	if allowed := p.AllowedTopics(); len(allowed) > 0 {
		b.WriteString("You may discuss only the following topics: ")
		b.WriteString(strings.Join(allowed, ", "))
		b.WriteString(".\n")
	} else {
		b.WriteString("You have no approved topics. Politely ask the caller to share their details so the right team can follow up.\n")
	}
	b.WriteString("If asked about anything else, say you cannot help with that on this line. Never speculate beyond the facts below.\n")

	if vaultTopics := p.VaultTopics(); len(vaultTopics) > 0 {
		b.WriteString("\nKnown facts:\n")
		for _, topic := range vaultTopics {
			fact, _ := p.Fact(topic)
			fmt.Fprintf(&b, "- %s: %s\n", topic, fact)
		}
	}

	return &Request{
		Model: model,
		Messages: []Message{
			{Role: "system", Content: b.String()},
			{Role: "user", Content: message},
		},
		Temperature: 0.3,
		MaxTokens:   512,
	}
}
