package prompt

import (
	"strings"
	"testing"

	"github.com/codefionn/plauderkasten/internal/llm"
)

func msg(role, content string) llm.Message {
	return llm.Message{Role: role, Content: content}
}

func historyCost(system string, history []llm.Message) int {
	total := llm.EstimateTokens(system)
	for _, m := range history {
		total += llm.EstimateMessageTokens(m)
	}
	return total
}

func TestTruncateKeepsEverythingUnderBudget(t *testing.T) {
	history := []llm.Message{
		msg(llm.RoleUser, "hi"),
		msg(llm.RoleModel, "hello"),
		msg(llm.RoleUser, "how are you"),
	}

	got := TruncateHistory("system", history, 1000)
	if len(got) != 3 {
		t.Fatalf("expected full history, got %d messages", len(got))
	}
}

func TestTruncateDropsOldestFirst(t *testing.T) {
	long := strings.Repeat("x", 40) // ~20 tokens each
	history := []llm.Message{
		msg(llm.RoleUser, long),
		msg(llm.RoleModel, long),
		msg(llm.RoleUser, long),
		msg(llm.RoleModel, long),
	}

	// Budget fits two messages plus the (empty) system prompt.
	got := TruncateHistory("", history, 45)

	if len(got) != 2 {
		t.Fatalf("expected 2 messages kept, got %d", len(got))
	}
	// Suffix-contiguous, chronological.
	if got[0].Role != llm.RoleUser || got[1].Role != llm.RoleModel {
		t.Fatalf("unexpected roles: %v %v", got[0].Role, got[1].Role)
	}
	if got[0].Content != history[2].Content || got[1].Content != history[3].Content {
		t.Fatal("kept messages are not the newest suffix")
	}
}

func TestTruncateNeverExceedsBudget(t *testing.T) {
	history := make([]llm.Message, 60)
	for i := range history {
		history[i] = msg(llm.RoleUser, strings.Repeat("a", 20))
	}

	const budget = 100
	got := TruncateHistory("sys", history, budget)

	if len(got) == 0 || len(got) >= 60 {
		t.Fatalf("expected a strict non-empty suffix, got %d messages", len(got))
	}
	if cost := historyCost("sys", got); cost > budget {
		t.Fatalf("kept cost %d exceeds budget %d", cost, budget)
	}
	// Order preserved: result is the tail of the input.
	for i, m := range got {
		if m.Content != history[len(history)-len(got)+i].Content {
			t.Fatal("result is not a contiguous suffix")
		}
	}
}

func TestTruncateKeepsNewestEvenWhenOverBudget(t *testing.T) {
	history := []llm.Message{
		msg(llm.RoleUser, "old"),
		msg(llm.RoleUser, strings.Repeat("z", 500)),
	}

	got := TruncateHistory("system prompt", history, 10)
	if len(got) != 1 {
		t.Fatalf("expected exactly the newest message, got %d", len(got))
	}
	if got[0].Content != history[1].Content {
		t.Fatal("kept message is not the newest one")
	}
}

func TestTruncateEmptyHistory(t *testing.T) {
	if got := TruncateHistory("sys", nil, 100); len(got) != 0 {
		t.Fatalf("expected empty result, got %d", len(got))
	}
}
