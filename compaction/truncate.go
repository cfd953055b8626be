package compaction

import (
	"fmt"
	"strings"
)

// TruncationMode specifies how oversized output is truncated.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

// Truncate applies character-based truncation to output.
func Truncate(output string, maxChars int, mode TruncationMode) string {
	if maxChars <= 0 || len(output) <= maxChars {
		return output
	}

	removed := len(output) - maxChars
	switch mode {
	case TruncateTail:
		return fmt.Sprintf("[WARNING: Output was truncated. First %d characters were removed.]\n\n", removed) +
			output[len(output)-maxChars:]
	default: // head_tail
		half := maxChars / 2
		return output[:half] +
			fmt.Sprintf("\n\n[WARNING: Output was truncated. %d characters were removed from the middle. "+
				"Re-run the tool with more targeted parameters if you need the missing parts.]\n\n", removed) +
			output[len(output)-half:]
	}
}

// TruncateLines applies line-based truncation using a head/tail split.
func TruncateLines(output string, maxLines int) string {
	if maxLines <= 0 {
		return output
	}
	lines := strings.Split(output, "\n")
	if len(lines) <= maxLines {
		return output
	}

	headCount := maxLines / 2
	tailCount := maxLines - headCount
	omitted := len(lines) - headCount - tailCount

	return strings.Join(lines[:headCount], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tailCount:], "\n")
}
