package prompt

import (
	"github.com/codefionn/plauderkasten/internal/llm"
	"github.com/codefionn/plauderkasten/internal/logger"
)

// TruncateHistory trims history so that the estimated cost of the system
// prompt plus the kept messages fits budget. It walks from the newest message
// backward, keeping messages until the budget would be exceeded, and returns
// the kept suffix in original chronological order.
//
// Greedy and approximate on purpose: the estimate is a character heuristic,
// and the result can exceed the budget only when the newest message alone
// does. That newest message is always kept so a request is never silently
// emptied.
func TruncateHistory(systemPrompt string, history []llm.Message, budget int) []llm.Message {
	if len(history) == 0 {
		return history
	}

	total := llm.EstimateTokens(systemPrompt)
	kept := 0

	for i := len(history) - 1; i >= 0; i-- {
		cost := llm.EstimateMessageTokens(history[i])
		if kept > 0 && total+cost > budget {
			break
		}
		total += cost
		kept++
		if total > budget {
			// Newest message alone blew the budget; keep it and stop.
			break
		}
	}

	if kept < len(history) {
		logger.Debug("truncated history from %d to %d messages (estimated %d tokens)", len(history), kept, total)
	}
	return history[len(history)-kept:]
}
