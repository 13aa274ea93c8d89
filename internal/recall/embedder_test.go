package recall

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func assertFloat32Slice(t *testing.T, got, want []float32) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestEmbedderEmbedSingle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s", r.Method)
		}
		if r.URL.Path != "/v1/embeddings" {
			t.Fatalf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-embed-key" {
			t.Fatalf("auth header mismatch: %q", r.Header.Get("Authorization"))
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body["model"] != "text-embedding-test" {
			t.Fatalf("model = %v", body["model"])
		}
		if input, ok := body["input"].(string); !ok || input != "hello embedder" {
			t.Fatalf("input = %v", body["input"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"index": 0, "embedding": []float32{0.1, 0.2, 0.3}}},
		})
	}))
	defer srv.Close()

	e := NewEmbedder(EmbedderConfig{BaseURL: srv.URL + "/", APIKey: "test-embed-key", Model: "text-embedding-test"})
	vec, err := e.Embed(context.Background(), "  hello embedder  ")
	if err != nil {
		t.Fatalf("Embed error: %v", err)
	}
	assertFloat32Slice(t, vec, []float32{0.1, 0.2, 0.3})
}

func TestEmbedderBatchChunksAndReorders(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		if got := r.Header.Get("Authorization"); got != "" {
			t.Fatalf("expected no auth header for ollama, got %q", got)
		}
		var body struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(body.Input) > 2 {
			t.Fatalf("batch too large: %d", len(body.Input))
		}
		data := make([]map[string]any, 0, len(body.Input))
		// Respond in reverse order; the client must reorder by index.
		for i := len(body.Input) - 1; i >= 0; i-- {
			var n float32
			fmt.Sscanf(body.Input[i], "text-%f", &n)
			data = append(data, map[string]any{"index": i, "embedding": []float32{n, 1}})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	}))
	defer srv.Close()

	e := NewEmbedder(EmbedderConfig{Provider: "Ollama", BaseURL: srv.URL, Model: "nomic", BatchSize: 2})
	vecs, err := e.EmbedBatch(context.Background(), []string{"text-1", "text-2", "text-3", "text-4", "text-5"})
	if err != nil {
		t.Fatalf("EmbedBatch error: %v", err)
	}
	if len(vecs) != 5 {
		t.Fatalf("len = %d", len(vecs))
	}
	for i, v := range vecs {
		assertFloat32Slice(t, v, []float32{float32(i + 1), 1})
	}
	if got := atomic.LoadInt32(&requests); got != 3 {
		t.Fatalf("requests = %d, want 3", got)
	}
}

func TestEmbedderRejectsBadResponses(t *testing.T) {
	tests := []struct {
		name string
		data string
		dim  int
		want string
	}{
		{"count mismatch", `{"data":[]}`, 0, "response count mismatch"},
		{"bad index", `{"data":[{"index":3,"embedding":[1]}]}`, 0, "invalid embedding index"},
		{"empty vector", `{"data":[{"index":0,"embedding":[]}]}`, 0, "empty embedding vector"},
		{"dimension", `{"data":[{"index":0,"embedding":[1,2]}]}`, 3, "embedding dimension"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.data))
			}))
			defer srv.Close()

			e := NewEmbedder(EmbedderConfig{BaseURL: srv.URL, APIKey: "k", Model: "m", Dimension: tt.dim})
			_, err := e.Embed(context.Background(), "x")
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestEmbedderConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  EmbedderConfig
		want string
	}{
		{"missing model", EmbedderConfig{BaseURL: "http://x", APIKey: "k"}, "missing embedding model"},
		{"missing base url", EmbedderConfig{APIKey: "k", Model: "m"}, "missing embedding base url"},
		{"missing key", EmbedderConfig{BaseURL: "http://x", Model: "m"}, "missing embedding api key"},
		{"unknown provider", EmbedderConfig{Provider: "grpc", BaseURL: "http://x", Model: "m"}, "unsupported embedding provider"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEmbedder(tt.cfg).Embed(context.Background(), "x")
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want %q", err, tt.want)
			}
		})
	}

	if _, err := NewEmbedder(EmbedderConfig{}).EmbedBatch(context.Background(), []string{"a", " "}); err == nil {
		t.Fatal("expected error for blank batch entry")
	}
	c := NewEmbedder(EmbedderConfig{Provider: ProviderOllama}).(*embedderClient)
	if c.baseURL != defaultOllamaBaseURL {
		t.Fatalf("ollama base url = %q", c.baseURL)
	}
}

func TestEmbedderHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewEmbedder(EmbedderConfig{BaseURL: srv.URL, APIKey: "k", Model: "m"}).Embed(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "embedding http 429") {
		t.Fatalf("err = %v", err)
	}
}
