package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/codefionn/plauderkasten/internal/keypool"
)

func TestGeminiModelListerParsesCatalog(t *testing.T) {
	var seenKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenKey = r.Header.Get("x-goog-api-key")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"models": [
				{
					"name": "models/gemini-1.5-pro",
					"displayName": "Gemini 1.5 Pro",
					"inputTokenLimit": 2000000,
					"outputTokenLimit": 8192,
					"supportedGenerationMethods": ["generateContent", "countTokens"]
				},
				{
					"name": "models/embedding-001",
					"displayName": "Embedding 001",
					"supportedGenerationMethods": ["embedContent"]
				}
			]
		}`))
	}))
	defer server.Close()

	lister := NewGeminiModelLister()
	lister.BaseURL = server.URL

	models, err := lister.ListModels(context.Background(), "test-key")
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if seenKey != "test-key" {
		t.Fatalf("x-goog-api-key = %q", seenKey)
	}
	if len(models) != 2 {
		t.Fatalf("expected 2 models, got %d", len(models))
	}

	pro := models[0]
	if pro.Name != "models/gemini-1.5-pro" || pro.DisplayName != "Gemini 1.5 Pro" {
		t.Fatalf("unexpected model: %+v", pro)
	}
	if !pro.SupportsGeneration() {
		t.Fatal("gemini-1.5-pro should support generation")
	}
	if models[1].SupportsGeneration() {
		t.Fatal("embedding model must not report generation support")
	}
}

func TestGeminiModelListerHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"message": "API key not valid"}}`, http.StatusBadRequest)
	}))
	defer server.Close()

	lister := NewGeminiModelLister()
	lister.BaseURL = server.URL

	if _, err := lister.ListModels(context.Background(), "bad-key"); err == nil {
		t.Fatal("expected an error for HTTP 400")
	}
}

func TestGeminiHistoryRoleMapping(t *testing.T) {
	contents := geminiHistory([]Message{
		{Role: RoleUser, Content: "hello"},
		{Role: RoleModel, Content: "hi there"},
		{Role: RoleUser, Content: ""},
	})
	if len(contents) != 2 {
		t.Fatalf("expected empty messages dropped, got %d contents", len(contents))
	}
	if contents[0].Role != "user" || contents[1].Role != "model" {
		t.Fatalf("roles = %q, %q", contents[0].Role, contents[1].Role)
	}
	if contents[1].Parts[0].Text != "hi there" {
		t.Fatalf("text = %q", contents[1].Parts[0].Text)
	}
}

func TestGeminiCallWithoutKeys(t *testing.T) {
	p := NewGeminiProvider()
	_, err := p.Call(context.Background(), &CallRequest{})
	if !IsCode(err, CodeAPIKeyRequired) {
		t.Fatalf("code = %s, want API_KEY_REQUIRED", CodeOf(err))
	}
}

func TestGeminiCallAllKeysCooling(t *testing.T) {
	pool := keypool.New([]string{"key-a", "key-b"})
	defer pool.Destroy()
	pool.ReportFailure(0)
	pool.ReportFailure(1)

	p := NewGeminiProvider()
	_, err := p.Call(context.Background(), &CallRequest{
		Pool:      pool,
		ModelPool: []string{"models/gemini-1.5-pro"},
	})
	if !IsCode(err, CodeAllKeysCooling) {
		t.Fatalf("code = %s, want ALL_KEYS_COOLING", CodeOf(err))
	}
}
