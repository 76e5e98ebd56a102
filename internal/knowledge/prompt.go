package knowledge

import (
	"fmt"
	"strings"

	"github.com/kalambet/frontdesk/internal/storage"
)

const (
	learnedHeader = "LEARNED KNOWLEDGE FROM PAST INTERACTIONS:\n"
	recentHeader  = "ADDITIONAL KNOWLEDGE (Recently Added):\n"
)

// Render builds the knowledge section appended to the voice agent's system
// prompt. learned holds archived pairs; recent holds answered records not
// yet compacted. Returns "" when both are empty.
func Render(learned []storage.KnowledgeEntry, recent []storage.QuestionRecord) string {
	var sb strings.Builder

	if len(learned) > 0 {
		sb.WriteString(learnedHeader)
		for _, e := range learned {
			fmt.Fprintf(&sb, "Q: %s\nA: %s\n\n", e.Question, e.Answer)
		}
	}

	if len(recent) > 0 {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(recentHeader)
		for _, r := range recent {
			fmt.Fprintf(&sb, "\nQ: %s\nA: %s\n", r.Question, r.Answer)
		}
	}

	return sb.String()
}
