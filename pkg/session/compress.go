package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/opsagent/pkg/llm"
)

// Long-running executions can outgrow the context window mid-task.
// CompressHistory keeps the last six turns raw and folds the middle
// into a fast-model summary, so context gets smarter instead of
// bigger.

const (
	compressMaxTokens = 8_000
	charsPerToken     = 4
	compressKeep      = 6
	middleSnippet     = 600
	summaryMaxTokens  = 512
)

// CountTokens estimates message tokens at four characters per token,
// rounded up.
func CountTokens(messages []llm.Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content)
	}
	return (total + charsPerToken - 1) / charsPerToken
}

// CompressHistory returns the history with the middle summarized, the
// summary text, and the tokens saved. Histories under the cap come
// back untouched. A failed model call degrades to a removal notice
// rather than failing the task.
func CompressHistory(ctx context.Context, client llm.Client, messages []llm.Message) ([]llm.Message, string, int) {
	originalTokens := CountTokens(messages)
	if originalTokens <= compressMaxTokens {
		return messages, "", 0
	}

	var system *llm.Message
	nonSystem := messages
	if len(messages) > 0 && messages[0].Role == "system" {
		system = &messages[0]
		nonSystem = messages[1:]
	}
	if len(nonSystem) <= compressKeep {
		return messages, "", 0
	}
	middle := nonSystem[:len(nonSystem)-compressKeep]
	recent := nonSystem[len(nonSystem)-compressKeep:]

	summary := summarizeMiddle(ctx, client, middle)

	notice := fmt.Sprintf("[%d earlier messages removed to stay within context limits]", len(middle))
	if summary != "" {
		notice = fmt.Sprintf("[Earlier conversation summary — %d messages compressed]\n\n%s", len(middle), summary)
	}

	compressed := make([]llm.Message, 0, len(recent)+2)
	if system != nil {
		compressed = append(compressed, *system)
	}
	compressed = append(compressed, llm.Message{Role: "system", Content: notice})
	compressed = append(compressed, recent...)

	saved := originalTokens - CountTokens(compressed)
	if saved < 0 {
		saved = 0
	}
	return compressed, summary, saved
}

func summarizeMiddle(ctx context.Context, client llm.Client, middle []llm.Message) string {
	if client == nil {
		return ""
	}
	lines := make([]string, 0, len(middle))
	for _, m := range middle {
		label := "Assistant"
		if m.Role == "user" {
			label = "User"
		}
		lines = append(lines, label+": "+clip(m.Content, middleSnippet))
	}
	prompt := "Summarize this conversation excerpt (max 200 words). " +
		"Preserve key goals, facts, decisions, in-progress items:\n\n" +
		strings.Join(lines, "\n\n")

	resp, err := client.Chat(ctx, []llm.Message{{Role: "user", Content: prompt}}, nil, &llm.SamplingOptions{
		Model:     llm.FastModel,
		MaxTokens: summaryMaxTokens,
	})
	if err != nil || resp == nil {
		return ""
	}
	return resp.Content
}
