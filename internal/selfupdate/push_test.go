package selfupdate

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	gogithub "github.com/google/go-github/v69/github"

	"github.com/jarvis-agent/jarvis/internal/config"
)

type recordedPush struct {
	Path    string
	Message string
	Branch  string
	SHA     string
	Content string
}

func testPusher(t *testing.T) (*Pusher, *[]recordedPush) {
	t.Helper()

	var mu sync.Mutex
	var pushes []recordedPush

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/owner/repo/contents/{path...}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("path") == "existing.go" {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"type": "file",
				"name": "existing.go",
				"path": "existing.go",
				"sha":  "oldsha123",
			})
			return
		}
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"Not Found"}`))
	})
	mux.HandleFunc("PUT /api/v3/repos/owner/repo/contents/{path...}", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Message string `json:"message"`
			Content string `json:"content"`
			Branch  string `json:"branch"`
			SHA     string `json:"sha"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		decoded, err := base64.StdEncoding.DecodeString(body.Content)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		pushes = append(pushes, recordedPush{
			Path:    r.PathValue("path"),
			Message: body.Message,
			Branch:  body.Branch,
			SHA:     body.SHA,
			Content: string(decoded),
		})
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"content":{"path":"` + r.PathValue("path") + `"}}`))
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	client, err := gogithub.NewClient(ts.Client()).WithEnterpriseURLs(ts.URL, ts.URL)
	if err != nil {
		t.Fatalf("WithEnterpriseURLs: %v", err)
	}
	p := &Pusher{
		client: client,
		owner:  "owner",
		repo:   "repo",
		branch: "main",
		logger: slog.Default(),
	}
	return p, &pushes
}

func TestPushFilesCreatesAndUpdates(t *testing.T) {
	p, pushes := testPusher(t)

	err := p.PushFiles(context.Background(), map[string]string{
		"existing.go": "package a\n",
		"new.go":      "package b\n",
	}, "v3: tune loop")
	if err != nil {
		t.Fatalf("PushFiles: %v", err)
	}

	if len(*pushes) != 2 {
		t.Fatalf("got %d pushes, want 2", len(*pushes))
	}
	// Sorted by path: existing.go first.
	first, second := (*pushes)[0], (*pushes)[1]
	if first.Path != "existing.go" || first.SHA != "oldsha123" {
		t.Errorf("existing file push = %+v, want update with prior sha", first)
	}
	if second.Path != "new.go" || second.SHA != "" {
		t.Errorf("new file push = %+v, want create without sha", second)
	}
	for _, push := range *pushes {
		if push.Message != "v3: tune loop" {
			t.Errorf("message = %q", push.Message)
		}
		if push.Branch != "main" {
			t.Errorf("branch = %q", push.Branch)
		}
	}
	if first.Content != "package a\n" || second.Content != "package b\n" {
		t.Errorf("contents = %q, %q", first.Content, second.Content)
	}
}

func TestNewPusherRequiresFullConfig(t *testing.T) {
	cases := []config.GitHubConfig{
		{},
		{Enabled: true, Owner: "o", Repo: "r"},
		{Enabled: true, Owner: "o", Token: "t"},
		{Enabled: false, Owner: "o", Repo: "r", Token: "t", Branch: "main"},
	}
	for i, cfg := range cases {
		if p := NewPusher(cfg, nil); p != nil {
			t.Errorf("case %d: pusher built from incomplete config %+v", i, cfg)
		}
	}
	if p := NewPusher(config.GitHubConfig{Enabled: true, Owner: "o", Repo: "r", Token: "t", Branch: "main"}, nil); p == nil {
		t.Error("complete config should build a pusher")
	}
}
