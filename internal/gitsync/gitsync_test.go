package gitsync

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/oauth2"

	"github.com/fastflow/core/internal/resilience"
)

func TestConfigBranchDefaultsToMain(t *testing.T) {
	var c Config
	if got := c.branch(); got != "main" {
		t.Fatalf("got %q, want main", got)
	}
	c.Branch = "release"
	if got := c.branch(); got != "release" {
		t.Fatalf("got %q, want release", got)
	}
}

type staticTokenSource struct {
	tok *oauth2.Token
	err error
}

func (s *staticTokenSource) Token() (*oauth2.Token, error) {
	return s.tok, s.err
}

func TestTokenProviderReturnsAccessToken(t *testing.T) {
	src := &staticTokenSource{tok: &oauth2.Token{AccessToken: "abc123"}}
	p := NewTokenProvider(src, resilience.New(resilience.DefaultConfig()))

	got, err := p.Token(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "abc123" {
		t.Fatalf("got %q, want abc123", got)
	}
}

func TestTokenProviderPropagatesRefreshError(t *testing.T) {
	src := &staticTokenSource{err: errors.New("refresh failed")}
	p := NewTokenProvider(src, resilience.New(resilience.DefaultConfig()))

	if _, err := p.Token(context.Background()); err == nil {
		t.Fatalf("expected an error")
	}
}

func TestAuthMethodNilWithoutTokenProvider(t *testing.T) {
	s := &Syncer{cfg: Config{RepoURL: "https://example.com/repo.git"}}
	auth, err := s.authMethod(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if auth != nil {
		t.Fatalf("expected nil auth method for an unauthenticated syncer")
	}
}
