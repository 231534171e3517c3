package engine

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/basket/clawrelay/internal/chat"
)

// mentionPattern matches <@U123> and <@U123|name>.
var mentionPattern = regexp.MustCompile(`<@([A-Z0-9]+)(?:\|[^>]*)?>`)

// CleanPrompt removes the bot's own mention from text and rewrites other
// user mentions as @DisplayName, listing them at the end so the backend can
// tell who was referenced. Lookups are best effort; an unresolved mention
// keeps its raw token. The result is empty when nothing but the bot mention
// was sent.
func CleanPrompt(ctx context.Context, text, botUserID string, users chat.UserResolver, logger *slog.Logger) string {
	if logger == nil {
		logger = slog.Default()
	}
	type mention struct{ id, name string }
	var (
		resolved []mention
		seen     = map[string]string{}
	)
	out := mentionPattern.ReplaceAllStringFunc(text, func(tok string) string {
		id := mentionPattern.FindStringSubmatch(tok)[1]
		if id == botUserID {
			return ""
		}
		if name, ok := seen[id]; ok {
			if name == "" {
				return tok
			}
			return "@" + name
		}
		if users == nil {
			seen[id] = ""
			return tok
		}
		name, err := users.DisplayName(ctx, id)
		if err != nil || name == "" {
			if err != nil {
				logger.Debug("mention lookup failed", "user_id", id, "error", err)
			}
			seen[id] = ""
			return tok
		}
		seen[id] = name
		resolved = append(resolved, mention{id: id, name: name})
		return "@" + name
	})
	out = strings.TrimSpace(collapseSpaces(out))
	if out == "" {
		return ""
	}
	if len(resolved) > 0 {
		parts := make([]string, 0, len(resolved))
		for _, m := range resolved {
			parts = append(parts, fmt.Sprintf("@%s (%s)", m.name, m.id))
		}
		out += "\n\n[Mentioned users: " + strings.Join(parts, ", ") + "]"
	}
	return out
}

// collapseSpaces folds the double spaces left behind by removed mentions,
// line by line so paragraph breaks survive.
func collapseSpaces(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		for strings.Contains(line, "  ") {
			line = strings.ReplaceAll(line, "  ", " ")
		}
		lines[i] = strings.TrimSpace(line)
	}
	return strings.Join(lines, "\n")
}
