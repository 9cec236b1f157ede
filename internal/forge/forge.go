// Package forge defines the collaborator interface for the hosted issue tracker the daemon
// polls and mutates. The REST client itself is explicitly out of core scope — this package
// stays thin: the interface the core depends on, plus one minimal implementation.
package forge

import (
	"context"
	"fmt"
	"time"

	"github.com/poppobuilder/poppobuilder/internal/retry"
)

// Issue is the forge's view of a work item's source (a WorkItem is derived from this plus a
// CommentID for follow-ups).
type Issue struct {
	ID     int
	Title  string
	Body   string
	Labels []string
	Author string
}

// Comment is a single issue comment.
type Comment struct {
	ID        int
	Author    string
	Body      string
	CreatedAt time.Time
}

// ListOptions filters ListIssues.
type ListOptions struct {
	State  string // "open", "closed", "all"
	Labels []string
}

// Client is the set of forge operations the core depends on. Rate-limit, network and auth
// failures wrap the sentinel errors below; HTTPClient returns other HTTP error statuses,
// 404 included, as a plain status error. Callers pass the error through
// internal/retry.ClassifyError.
type Client interface {
	ListIssues(ctx context.Context, opts ListOptions) ([]Issue, error)
	GetIssue(ctx context.Context, id int) (Issue, error)
	ListComments(ctx context.Context, id int) ([]Comment, error)
	AddComment(ctx context.Context, id int, body string) error
	AddLabels(ctx context.Context, id int, labels []string) error
	RemoveLabels(ctx context.Context, id int, labels []string) error
}

// Sentinel errors a Client implementation wraps its failures in, so that
// internal/retry.ClassifyError can classify them via errors.Is.
var (
	ErrRateLimit = fmt.Errorf("forge: %w", retry.ErrRateLimit)
	ErrNetwork   = fmt.Errorf("forge: %w", retry.ErrNetwork)
	ErrAuth      = fmt.Errorf("forge: %w", retry.ErrAuth)
	ErrNotFound  = fmt.Errorf("forge: issue not found")
)
