package compaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/agentcove/keel/conversation"
	"github.com/agentcove/keel/llm"
)

// Summarizer produces a single summary string from the messages being
// compacted. Quality vs. determinism is a deployment choice: the digest
// implementation is deterministic, the LLM-backed one is higher quality.
type Summarizer interface {
	Summarize(ctx context.Context, messages []*conversation.Message) (string, error)
}

// ErrEmptyInput is returned when there is nothing to summarize.
var ErrEmptyInput = errors.New("no messages to summarize")

// DigestSummarizer builds a deterministic rule-based digest: messages
// grouped by role, tool activity listed per call, long tool outputs
// truncated. It never fails, which makes it the fallback for the LLM-backed
// strategy.
type DigestSummarizer struct {
	// MaxToolOutputChars bounds how much of each tool output survives into
	// the digest. Zero means the default of 400.
	MaxToolOutputChars int
}

const defaultDigestToolOutputChars = 400

func (d *DigestSummarizer) Summarize(_ context.Context, messages []*conversation.Message) (string, error) {
	if len(messages) == 0 {
		return "", ErrEmptyInput
	}

	maxOut := d.MaxToolOutputChars
	if maxOut <= 0 {
		maxOut = defaultDigestToolOutputChars
	}

	var userLines, assistantLines, toolLines []string
	for _, m := range messages {
		switch {
		case m.IsToolResult():
			out := Truncate(m.Content, maxOut, TruncateHeadTail)
			label := "result"
			if m.IsToolResultError() {
				label = "error"
			}
			toolLines = append(toolLines, fmt.Sprintf("- %s for %s: %s", label, m.ToolResultID, out))
		case m.Role == conversation.RoleUser:
			if m.Content != "" {
				userLines = append(userLines, "- "+Truncate(m.Content, maxOut, TruncateTail))
			}
		case m.Role == conversation.RoleAssistant:
			if m.Content != "" {
				assistantLines = append(assistantLines, "- "+Truncate(m.Content, maxOut, TruncateTail))
			}
			for _, tc := range m.ToolCalls {
				params := ""
				if len(tc.Parameters) > 0 {
					if raw, err := json.Marshal(tc.Parameters); err == nil {
						params = Truncate(string(raw), 120, TruncateTail)
					}
				}
				toolLines = append(toolLines, fmt.Sprintf("- call %s: %s(%s)", tc.ID, tc.Name, params))
			}
		case m.Role == conversation.RoleSystem:
			if m.IsCompactionSummary() {
				// Carry earlier summaries forward verbatim so no history is
				// silently dropped across repeated compactions.
				assistantLines = append(assistantLines, "- [earlier summary] "+m.Content)
			}
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Summary of %d earlier conversation messages.\n", len(messages))
	writeDigestSection(&sb, "User requests", userLines)
	writeDigestSection(&sb, "Assistant responses", assistantLines)
	writeDigestSection(&sb, "Tool activity", toolLines)
	return strings.TrimRight(sb.String(), "\n"), nil
}

func writeDigestSection(sb *strings.Builder, title string, lines []string) {
	if len(lines) == 0 {
		return
	}
	sb.WriteString("\n" + title + ":\n")
	for _, line := range lines {
		sb.WriteString(line + "\n")
	}
}

// CompletionClient is the slice of the LLM client the summarizer needs.
type CompletionClient interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

const summarizerSystemPrompt = `You compress coding-assistant conversation history. ` +
	`Produce a concise summary that preserves: the user's goals, decisions made, ` +
	`files and symbols touched, tool outcomes that still matter, and any unresolved ` +
	`problems. Omit pleasantries and dead ends. Output plain text.`

// LLMSummarizer delegates summary synthesis to a model call.
type LLMSummarizer struct {
	Client    CompletionClient
	Model     string
	MaxTokens int
}

func (s *LLMSummarizer) Summarize(ctx context.Context, messages []*conversation.Message) (string, error) {
	if len(messages) == 0 {
		return "", ErrEmptyInput
	}
	if s.Client == nil {
		return "", errors.New("llm summarizer has no client")
	}

	maxTokens := s.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}

	resp, err := s.Client.Complete(ctx, llm.Request{
		Model:     s.Model,
		MaxTokens: &maxTokens,
		Messages: []llm.Message{
			llm.SystemMessage(summarizerSystemPrompt),
			llm.UserMessage("Summarize this conversation history:\n\n" + formatForSummary(messages)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("summarization call failed: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", errors.New("summarizer returned empty response")
	}
	return text, nil
}

// formatForSummary renders messages as plain text for the summarization
// prompt, abbreviating long tool outputs.
func formatForSummary(messages []*conversation.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		switch {
		case m.IsToolResult():
			fmt.Fprintf(&sb, "[tool result %s] %s\n", m.ToolResultID, Truncate(m.Content, 500, TruncateHeadTail))
		default:
			fmt.Fprintf(&sb, "[%s] %s\n", m.Role, m.Content)
			for _, tc := range m.ToolCalls {
				raw, _ := json.Marshal(tc.Parameters)
				fmt.Fprintf(&sb, "[tool call] %s %s\n", tc.Name, Truncate(string(raw), 200, TruncateTail))
			}
		}
	}
	return sb.String()
}
