package chat

import (
	"context"
	"strings"
	"unicode"

	"go.uber.org/zap"
)

const maxTitleLen = 80

// title produces the conversation title for a first turn. The summarizer is
// best effort; on failure the title falls back to the user's raw input,
// truncated. Either way the output passes through SanitizeTitle since it is
// rendered as plain UI text.
func (r *run) title(ctx context.Context, userInput string) string {
	raw, err := r.o.titles.Summarize(ctx, userInput)
	if err != nil {
		r.o.logger.Warn("title summarizer failed",
			zap.String("conversation_id", r.conv.ConversationID), zap.Error(err))
		raw = ""
	}
	title := SanitizeTitle(raw)
	if title == "" {
		title = SanitizeTitle(userInput)
	}
	return title
}

// SanitizeTitle strips markup, quote and control characters, collapses
// whitespace, and caps the length.
func SanitizeTitle(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsControl(r):
			sb.WriteRune(' ')
		case strings.ContainsRune("`*_#>~\"'“”‘’", r):
			// Markup and quote characters render badly in a plain title.
		default:
			sb.WriteRune(r)
		}
	}
	title := strings.Join(strings.Fields(sb.String()), " ")
	runes := []rune(title)
	if len(runes) > maxTitleLen {
		title = strings.TrimSpace(string(runes[:maxTitleLen]))
	}
	return title
}
