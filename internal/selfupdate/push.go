package selfupdate

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	gogithub "github.com/google/go-github/v69/github"

	"github.com/jarvis-agent/jarvis/internal/config"
	"github.com/jarvis-agent/jarvis/internal/httpkit"
)

// Pusher mirrors accepted versions to a GitHub repository through the
// contents API. It is advisory: a failed push is logged by the caller
// and never unwinds a local version.
type Pusher struct {
	client *gogithub.Client
	owner  string
	repo   string
	branch string
	logger *slog.Logger
}

// NewPusher builds a pusher from configuration. Returns nil when the
// remote mirror is disabled or incompletely configured.
func NewPusher(cfg config.GitHubConfig, logger *slog.Logger) *Pusher {
	if !cfg.Enabled || cfg.Owner == "" || cfg.Repo == "" || cfg.Token == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	hc := httpkit.NewClient(
		httpkit.WithTimeout(30 * time.Second),
		httpkit.WithUserAgent("jarvis-selfupdate/1.0"),
	)
	return &Pusher{
		client: gogithub.NewClient(hc).WithAuthToken(cfg.Token),
		owner:  cfg.Owner,
		repo:   cfg.Repo,
		branch: cfg.Branch,
		logger: logger.With("component", "selfupdate.push"),
	}
}

// PushFiles commits each file to the configured branch with the given
// message. Files go one by one; the first failure aborts.
func (p *Pusher) PushFiles(ctx context.Context, files map[string]string, message string) error {
	rels := make([]string, 0, len(files))
	for rel := range files {
		rels = append(rels, rel)
	}
	sort.Strings(rels)
	for _, rel := range rels {
		if err := p.pushFile(ctx, rel, files[rel], message); err != nil {
			return fmt.Errorf("push %s: %w", rel, err)
		}
	}
	p.logger.Info("pushed to remote mirror", "files", len(rels), "message", message)
	return nil
}

func (p *Pusher) pushFile(ctx context.Context, rel, content, message string) error {
	current, _, resp, err := p.client.Repositories.GetContents(ctx, p.owner, p.repo, rel,
		&gogithub.RepositoryContentGetOptions{Ref: p.branch})
	var sha string
	switch {
	case err == nil && current != nil:
		sha = current.GetSHA()
	case resp != nil && resp.StatusCode == http.StatusNotFound:
		// New file on the remote.
	default:
		return fmt.Errorf("get contents: %w", err)
	}

	opts := &gogithub.RepositoryContentFileOptions{
		Message: &message,
		Content: []byte(content),
		Branch:  &p.branch,
	}
	if sha == "" {
		_, resp, err = p.client.Repositories.CreateFile(ctx, p.owner, p.repo, rel, opts)
	} else {
		opts.SHA = &sha
		_, resp, err = p.client.Repositories.UpdateFile(ctx, p.owner, p.repo, rel, opts)
	}
	if err != nil {
		return err
	}
	if resp != nil && resp.Rate.Remaining < 100 {
		p.logger.Warn("github rate limit low",
			"remaining", resp.Rate.Remaining,
			"reset", resp.Rate.Reset.Time)
	}
	return nil
}
