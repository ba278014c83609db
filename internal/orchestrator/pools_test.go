package orchestrator

import (
	"testing"

	"github.com/codefionn/plauderkasten/internal/keypool"
)

func TestPoolRegistryReusesAndRebuilds(t *testing.T) {
	r := NewPoolRegistry()
	defer r.Close()

	first := r.Get("u1", []string{"key-1", "key-2"})
	first.SetVerifiedModels([]keypool.ModelInfo{
		{Name: "models/gemini-1.5-pro", Methods: []string{"generateContent"}},
	})
	first.ReportFailure(0)

	// Same key set: the cached pool comes back with its learned state.
	again := r.Get("u1", []string{"key-1", "key-2"})
	if again != first {
		t.Fatal("expected the cached pool for an unchanged key set")
	}
	if !again.ModelsChecked() {
		t.Fatal("verified models lost on reuse")
	}
	if available := again.AvailableIndices(); len(available) != 1 || available[0] != 1 {
		t.Fatalf("cooldown state lost on reuse: %v", available)
	}

	// Changed key set: the pool is rebuilt from scratch.
	rebuilt := r.Get("u1", []string{"key-3"})
	if rebuilt == first {
		t.Fatal("expected a fresh pool after the key set changed")
	}
	if rebuilt.ModelsChecked() {
		t.Fatal("a rebuilt pool must start unverified")
	}

	// Pools are per user.
	if other := r.Get("u2", []string{"key-3"}); other == rebuilt {
		t.Fatal("users must not share pools")
	}
}

func TestPoolRegistryDrop(t *testing.T) {
	r := NewPoolRegistry()
	defer r.Close()

	first := r.Get("u1", []string{"key-1"})
	first.SetVerifiedModels([]keypool.ModelInfo{
		{Name: "models/gemini-1.5-pro", Methods: []string{"generateContent"}},
	})

	r.Drop("u1")

	second := r.Get("u1", []string{"key-1"})
	if second == first || second.ModelsChecked() {
		t.Fatal("expected a fresh pool after Drop")
	}

	// Dropping an unknown user is a no-op.
	r.Drop("ghost")
}
