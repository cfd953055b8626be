package agent

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/agentcove/keel/conversation"
)

// loopDetectionWindow is the number of recent tool calls inspected for a
// repeating pattern.
const loopDetectionWindow = 6

// toolCallSignature computes a deterministic signature for a tool call
// (name + hash of arguments).
func toolCallSignature(name string, params map[string]interface{}) string {
	raw, err := json.Marshal(params)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", params))
	}
	h := sha256.Sum256(raw)
	return fmt.Sprintf("%s:%x", name, h[:8])
}

// extractToolCallSignatures extracts signatures from the most recent tool
// calls in the conversation.
func extractToolCallSignatures(messages []*conversation.Message, count int) []string {
	var sigs []string
	for i := len(messages) - 1; i >= 0 && len(sigs) < count; i-- {
		m := messages[i]
		for j := len(m.ToolCalls) - 1; j >= 0 && len(sigs) < count; j-- {
			tc := m.ToolCalls[j]
			sigs = append(sigs, toolCallSignature(tc.Name, tc.Parameters))
		}
	}
	// Reverse to chronological order.
	for i, j := 0, len(sigs)-1; i < j; i, j = i+1, j-1 {
		sigs[i], sigs[j] = sigs[j], sigs[i]
	}
	return sigs
}

// DetectLoop checks whether the last windowSize tool calls follow a
// repeating pattern of length 1, 2, or 3.
func DetectLoop(messages []*conversation.Message, windowSize int) bool {
	sigs := extractToolCallSignatures(messages, windowSize)
	if len(sigs) < windowSize {
		return false
	}

	for patternLen := 1; patternLen <= 3; patternLen++ {
		if windowSize%patternLen != 0 {
			continue
		}
		pattern := sigs[:patternLen]
		allMatch := true
		for i := patternLen; i < windowSize; i += patternLen {
			for j := 0; j < patternLen; j++ {
				if sigs[i+j] != pattern[j] {
					allMatch = false
					break
				}
			}
			if !allMatch {
				break
			}
		}
		if allMatch {
			return true
		}
	}

	return false
}
