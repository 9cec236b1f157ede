package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/poppobuilder/poppobuilder/internal/ratelimit"
)

// HTTPClient is a minimal REST implementation of Client against a GitHub-Issues-shaped API,
// enough to exercise the daemon end to end. It is intentionally thin: the forge client proper
// is an out-of-scope collaborator.
type HTTPClient struct {
	baseURL string
	owner   string
	repo    string
	token   string
	http    *http.Client
	limiter *ratelimit.Limiter
}

// NewHTTPClient builds a Client bound to owner/repo on baseURL, authenticated with token
// (sourced from FORGE_TOKEN, never from the config file).
func NewHTTPClient(baseURL, owner, repo, token string, limiter *ratelimit.Limiter) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		owner:   owner,
		repo:    repo,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: limiter,
	}
}

type issueDTO struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	User   struct {
		Login string `json:"login"`
	} `json:"user"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

func (dto issueDTO) toIssue() Issue {
	labels := make([]string, 0, len(dto.Labels))
	for _, l := range dto.Labels {
		labels = append(labels, l.Name)
	}
	return Issue{ID: dto.Number, Title: dto.Title, Body: dto.Body, Labels: labels, Author: dto.User.Login}
}

type commentDTO struct {
	ID   int    `json:"id"`
	Body string `json:"body"`
	User struct {
		Login string `json:"login"`
	} `json:"user"`
	CreatedAt time.Time `json:"created_at"`
}

func (c *HTTPClient) ListIssues(ctx context.Context, opts ListOptions) ([]Issue, error) {
	q := url.Values{}
	if opts.State != "" {
		q.Set("state", opts.State)
	}
	if len(opts.Labels) > 0 {
		q.Set("labels", strings.Join(opts.Labels, ","))
	}
	path := fmt.Sprintf("/repos/%s/%s/issues?%s", c.owner, c.repo, q.Encode())

	var dtos []issueDTO
	if err := c.do(ctx, http.MethodGet, path, nil, &dtos); err != nil {
		return nil, err
	}
	issues := make([]Issue, 0, len(dtos))
	for _, d := range dtos {
		issues = append(issues, d.toIssue())
	}
	return issues, nil
}

func (c *HTTPClient) GetIssue(ctx context.Context, id int) (Issue, error) {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d", c.owner, c.repo, id)
	var dto issueDTO
	if err := c.do(ctx, http.MethodGet, path, nil, &dto); err != nil {
		return Issue{}, err
	}
	return dto.toIssue(), nil
}

func (c *HTTPClient) ListComments(ctx context.Context, id int) ([]Comment, error) {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", c.owner, c.repo, id)
	var dtos []commentDTO
	if err := c.do(ctx, http.MethodGet, path, nil, &dtos); err != nil {
		return nil, err
	}
	comments := make([]Comment, 0, len(dtos))
	for _, d := range dtos {
		comments = append(comments, Comment{ID: d.ID, Author: d.User.Login, Body: d.Body, CreatedAt: d.CreatedAt})
	}
	return comments, nil
}

func (c *HTTPClient) AddComment(ctx context.Context, id int, body string) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", c.owner, c.repo, id)
	payload := map[string]string{"body": body}
	return c.do(ctx, http.MethodPost, path, payload, nil)
}

func (c *HTTPClient) AddLabels(ctx context.Context, id int, labels []string) error {
	if len(labels) == 0 {
		return nil
	}
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/labels", c.owner, c.repo, id)
	payload := map[string][]string{"labels": labels}
	return c.do(ctx, http.MethodPost, path, payload, nil)
}

func (c *HTTPClient) RemoveLabels(ctx context.Context, id int, labels []string) error {
	for _, label := range labels {
		path := fmt.Sprintf("/repos/%s/%s/issues/%d/labels/%s", c.owner, c.repo, id, url.PathEscape(label))
		if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
			var herr *httpStatusError
			if errors.As(err, &herr) && herr.status == http.StatusNotFound {
				continue // label already absent; removal is idempotent
			}
			return err
		}
	}
	return nil
}

type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("forge: http %d: %s", e.status, e.body)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, payload, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.WaitWithBackoff(ctx, "forge-client", ratelimit.ChannelForge, path); err != nil {
			return err
		}
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if c.limiter != nil {
			c.limiter.RecordResult(ratelimit.ChannelForge, err)
		}
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if c.limiter != nil {
		c.applyRateHeaders(resp)
		c.limiter.RecordResult(ratelimit.ChannelForge, classifyStatus(resp.StatusCode))
	}

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w: %s", ErrRateLimit, string(data))
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %s", ErrAuth, string(data))
		case http.StatusNotFound:
			return &httpStatusError{status: resp.StatusCode, body: string(data)}
		default:
			return &httpStatusError{status: resp.StatusCode, body: string(data)}
		}
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func classifyStatus(status int) error {
	if status >= 500 || status == http.StatusTooManyRequests {
		return fmt.Errorf("status %d", status)
	}
	return nil
}

func (c *HTTPClient) applyRateHeaders(resp *http.Response) {
	remaining, err1 := strconv.Atoi(resp.Header.Get("X-RateLimit-Remaining"))
	resetUnix, err2 := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64)
	if err1 != nil || err2 != nil {
		return
	}
	c.limiter.ReportHeaders(ratelimit.ChannelForge, remaining, time.Unix(resetUnix, 0))
}
