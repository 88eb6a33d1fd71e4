// Package gitsync pulls the pipeline repository's working tree up to date
// and invalidates the discovery cache on success, via
// github.com/go-git/go-git/v5. Authentication, when the repository requires
// it, is a short-lived OAuth2 access token refreshed through
// golang.org/x/oauth2 and guarded by the OAuth circuit breaker; fetch/pull
// itself goes through the bounded-retry helper (resilience.Retry) rather
// than a circuit breaker.
//
// The git synchroniser's own UI and scheduling surface are out of scope
// (spec.md's Non-goals); this package is the contract the core calls into —
// Sync is a single idempotent operation an external trigger (an API call, a
// cron entry) invokes.
package gitsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	gittransport "github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"golang.org/x/oauth2"

	"github.com/fastflow/core/internal/logging"
	"github.com/fastflow/core/internal/resilience"
)

// TokenProvider refreshes the OAuth2 access token git authenticates fetches
// with, wrapping the refresh call in the OAuth circuit breaker so a failing
// token endpoint degrades the same way a failing object store does.
type TokenProvider struct {
	source oauth2.TokenSource
	cb     *resilience.CircuitBreaker
}

// NewTokenProvider wraps an oauth2.TokenSource (typically one built from a
// stored refresh token) with circuit breaker protection.
func NewTokenProvider(source oauth2.TokenSource, cb *resilience.CircuitBreaker) *TokenProvider {
	return &TokenProvider{source: source, cb: cb}
}

// Token returns the current access token, refreshing it first if the
// underlying source reports it has expired.
func (p *TokenProvider) Token(ctx context.Context) (string, error) {
	var tok *oauth2.Token
	err := p.cb.Execute(ctx, func(context.Context) error {
		t, err := p.source.Token()
		if err != nil {
			return fmt.Errorf("gitsync: refresh oauth token: %w", err)
		}
		tok = t
		return nil
	})
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// Invalidator clears a cache after a successful sync. internal/discovery's
// Discovery satisfies this.
type Invalidator interface {
	Invalidate()
}

// Config describes the repository to keep synced locally.
type Config struct {
	RepoURL   string
	LocalPath string
	Branch    string // defaults to "main"
}

func (c Config) branch() string {
	if c.Branch != "" {
		return c.Branch
	}
	return "main"
}

// Syncer clones the pipeline repository on first use and fast-forwards it
// on every subsequent Sync call.
type Syncer struct {
	cfg        Config
	tokens     *TokenProvider // nil for a public repository needing no auth
	invalidate Invalidator
	retry      resilience.RetryConfig
	logger     *logging.Logger
}

// New builds a Syncer. tokens may be nil when RepoURL is a public
// repository that needs no authentication.
func New(cfg Config, tokens *TokenProvider, invalidate Invalidator, logger *logging.Logger) *Syncer {
	return &Syncer{
		cfg:        cfg,
		tokens:     tokens,
		invalidate: invalidate,
		retry:      resilience.DefaultRetryConfig(),
		logger:     logger,
	}
}

// Sync clones the repository into LocalPath if it isn't there yet,
// otherwise fetches and fast-forwards the configured branch. On success it
// calls Invalidate so cached discovery state is rebuilt from the freshly
// synced tree, matching the "called after every successful git sync"
// contract the discovery cache documents.
func (s *Syncer) Sync(ctx context.Context) error {
	auth, err := s.authMethod(ctx)
	if err != nil {
		return err
	}

	if err := resilience.Retry(ctx, s.retry, func() error {
		return s.syncOnce(ctx, auth)
	}); err != nil {
		return fmt.Errorf("gitsync: sync %s: %w", s.cfg.RepoURL, err)
	}

	if s.invalidate != nil {
		s.invalidate.Invalidate()
	}
	s.logger.WithFields(map[string]interface{}{
		"repo":   s.cfg.RepoURL,
		"branch": s.cfg.branch(),
	}).Info("git sync complete")
	return nil
}

func (s *Syncer) authMethod(ctx context.Context) (gittransport.AuthMethod, error) {
	if s.tokens == nil {
		return nil, nil
	}
	token, err := s.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	// GitHub and GitLab both accept any non-empty username alongside an
	// OAuth token-as-password over HTTPS.
	return &githttp.BasicAuth{Username: "x-access-token", Password: token}, nil
}

func (s *Syncer) syncOnce(ctx context.Context, auth gittransport.AuthMethod) error {
	repo, err := git.PlainOpen(s.cfg.LocalPath)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		_, cloneErr := git.PlainCloneContext(ctx, s.cfg.LocalPath, false, &git.CloneOptions{
			URL:           s.cfg.RepoURL,
			Auth:          auth,
			ReferenceName: plumbing.NewBranchReferenceName(s.cfg.branch()),
			SingleBranch:  true,
		})
		return cloneErr
	}
	if err != nil {
		return fmt.Errorf("open local checkout: %w", err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}

	err = wt.PullContext(ctx, &git.PullOptions{
		RemoteName:   "origin",
		Auth:         auth,
		SingleBranch: true,
		Force:        true,
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	return err
}
