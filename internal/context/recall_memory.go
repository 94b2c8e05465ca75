package context

import (
	"context"
	"fmt"
	"strings"

	"ctxbudget/internal/memory"
)

// MemoryRecaller fetches stored memories for a session. memory.Service
// satisfies it.
type MemoryRecaller interface {
	Recall(ctx context.Context, query memory.Query) ([]memory.Entry, error)
}

// RecallMemoryBlock renders the session memories matching keywords as a
// recall-memory block, most recent first. ok is false when nothing matched.
func RecallMemoryBlock(ctx context.Context, recaller MemoryRecaller, sessionID string, keywords []string, limit int) (Block, bool, error) {
	if recaller == nil || len(keywords) == 0 {
		return Block{}, false, nil
	}
	entries, err := recaller.Recall(ctx, memory.Query{
		SessionID: sessionID,
		Keywords:  keywords,
		Limit:     limit,
	})
	if err != nil {
		return Block{}, false, fmt.Errorf("recall memory: %w", err)
	}
	if len(entries) == 0 {
		return Block{}, false, nil
	}

	var builder strings.Builder
	for i, entry := range entries {
		if i > 0 {
			builder.WriteByte('\n')
		}
		builder.WriteString("- ")
		builder.WriteString(entry.Topic)
		if entry.Content != "" && entry.Content != entry.Topic {
			builder.WriteString(": ")
			builder.WriteString(entry.Content)
		}
	}
	return Block{Source: SourceRecallMemory, Text: builder.String()}, true, nil
}
