package forge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/poppobuilder/poppobuilder/internal/ratelimit"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*HTTPClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	limiter := ratelimit.New(ratelimit.Config{ForgeRPS: 100, ForgeBurst: 100, MaxWaitAttempts: 3})
	return NewHTTPClient(srv.URL, "acme", "widgets", "tok", limiter), srv
}

func TestListIssuesDecodesLabelsAndAuthor(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/widgets/issues" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token header")
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]issueDTO{
			{Number: 1, Title: "fix bug", Body: "body", Labels: []struct {
				Name string `json:"name"`
			}{{Name: "task:feature"}}},
		})
	})

	issues, err := client.ListIssues(context.Background(), ListOptions{State: "open"})
	if err != nil {
		t.Fatalf("ListIssues: %v", err)
	}
	if len(issues) != 1 || issues[0].ID != 1 || issues[0].Title != "fix bug" {
		t.Fatalf("unexpected issues: %+v", issues)
	}
	if len(issues[0].Labels) != 1 || issues[0].Labels[0] != "task:feature" {
		t.Fatalf("unexpected labels: %+v", issues[0].Labels)
	}
}

func TestGetIssueNotFoundReturnsStatusError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("no such issue"))
	})

	_, err := client.GetIssue(context.Background(), 42)
	if err == nil {
		t.Fatalf("expected error")
	}
	var herr *httpStatusError
	if !errors.As(err, &herr) || herr.status != http.StatusNotFound {
		t.Fatalf("expected httpStatusError 404, got %v", err)
	}
}

func TestDoRateLimitedStatusWrapsErrRateLimit(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	})

	err := client.AddComment(context.Background(), 1, "hello")
	if !errors.Is(err, ErrRateLimit) {
		t.Fatalf("expected ErrRateLimit, got %v", err)
	}
}

func TestDoAuthFailureWrapsErrAuth(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	err := client.AddLabels(context.Background(), 1, []string{"processing"})
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
}

func TestRemoveLabelsIsIdempotentOn404(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	if err := client.RemoveLabels(context.Background(), 1, []string{"processing", "awaiting-response"}); err != nil {
		t.Fatalf("expected no error for already-absent labels, got %v", err)
	}
}

func TestApplyRateHeadersFeedsLimiter(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset", "9999999999")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]issueDTO{})
	})

	if _, err := client.ListIssues(context.Background(), ListOptions{}); err != nil {
		t.Fatalf("ListIssues: %v", err)
	}
	status := client.limiter.IsLimited(ratelimit.ChannelForge)
	if !status.Limited {
		t.Fatalf("expected channel to be marked limited after 0-remaining header")
	}
}

func TestClassifyStatusServerErrorIsFailure(t *testing.T) {
	if err := classifyStatus(http.StatusInternalServerError); err == nil {
		t.Fatalf("expected 5xx to classify as a breaker failure")
	}
	if err := classifyStatus(http.StatusOK); err != nil {
		t.Fatalf("expected 2xx to classify as success, got %v", err)
	}
}
