package scm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/codereview/revieworchestrator/internal/diffparse"
	"github.com/codereview/revieworchestrator/internal/domain"
	"github.com/codereview/revieworchestrator/internal/errs"
)

// pathStyle holds the per-provider-kind REST path templates. Both hosted
// SCM kinds expose the same three operations over HTTP with a bearer token;
// only the URL shape and payload field names differ.
type pathStyle struct {
	name            string
	diffPath        func(repo string, number, contextLines int) string
	metadataPath    func(repo string, number int) string
	commentPath     func(repo string, number int) string
	diffResponse    func(body []byte) (string, error)
	metadataFromRaw func(body []byte) (domain.ChangeRequestMetadata, error)
	commentBody     func(idempotencyTag string, position int, file string, f domain.Finding) []byte
	summaryBody     func(idempotencyTag, summary, priorityBreakdown string) []byte
	cloneURL        func(repo string) string
}

// restClient implements Adapter over a generic bearer-token-authenticated
// REST API shared by both provider kinds, differing only in path shape and
// request/response body construction.
type restClient struct {
	httpClient *http.Client
	cfg        Config
	style      pathStyle
	logger     *slog.Logger
	fetchGroup singleflight.Group
}

func newRESTClient(cfg Config, style pathStyle) *restClient {
	return &restClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		cfg:        cfg,
		style:      style,
		logger:     slog.Default().With("scm_provider", style.name),
	}
}

func (c *restClient) setAuthHeader(req *http.Request) {
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
}

func (c *restClient) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, errs.New(errs.InternalInvariant, "scm.get", err)
	}
	c.setAuthHeader(req)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errs.New(errs.TransientExternal, "scm.get", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.New(errs.TransientExternal, "scm.get", err)
	}
	if resp.StatusCode >= 500 {
		return nil, errs.New(errs.TransientExternal, "scm.get", fmt.Errorf("%s returned HTTP %d", path, resp.StatusCode))
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, errs.New(errs.AuthorizationFailure, "scm.get", fmt.Errorf("%s returned HTTP %d", path, resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return nil, errs.New(errs.ProtocolViolation, "scm.get", fmt.Errorf("%s returned HTTP %d", path, resp.StatusCode))
	}
	return body, nil
}

// post submits a write with the idempotency tag embedded as a header; a
// retried delivery carrying the same tag is expected to be a server-side
// no-op. Returns the status code so the caller can distinguish a
// best-effort per-comment failure from a hard connection error.
func (c *restClient) post(ctx context.Context, path, idempotencyTag string, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, errs.New(errs.InternalInvariant, "scm.post", err)
	}
	c.setAuthHeader(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyTag)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, errs.New(errs.TransientExternal, "scm.post", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// CloneURL embeds the bearer token in the userinfo component of the
// configured base URL, the form go-git's HTTP transport accepts for
// token auth without a separate credentials object.
func (c *restClient) CloneURL(repo string) string {
	return c.style.cloneURL(repo)
}

// FetchChangeRequestDiff fetches the raw diff, coalescing concurrent calls
// for the same repo/number/contextLines into a single upstream request
// (e.g. a claim-timeout redelivery racing the still-in-flight original
// attempt).
func (c *restClient) FetchChangeRequestDiff(ctx context.Context, repo string, number int, contextLines int) (string, error) {
	key := fmt.Sprintf("diff:%s:%d:%d", repo, number, contextLines)
	v, err, _ := c.fetchGroup.Do(key, func() (any, error) {
		body, err := c.get(ctx, c.style.diffPath(repo, number, contextLines))
		if err != nil {
			return "", err
		}
		return c.style.diffResponse(body)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// FetchChangeRequestMetadata fetches title/description/branch/SHA,
// coalescing concurrent calls for the same repo/number the same way
// FetchChangeRequestDiff does.
func (c *restClient) FetchChangeRequestMetadata(ctx context.Context, repo string, number int) (domain.ChangeRequestMetadata, error) {
	key := fmt.Sprintf("metadata:%s:%d", repo, number)
	v, err, _ := c.fetchGroup.Do(key, func() (any, error) {
		body, err := c.get(ctx, c.style.metadataPath(repo, number))
		if err != nil {
			return domain.ChangeRequestMetadata{}, err
		}
		return c.style.metadataFromRaw(body)
	})
	if err != nil {
		return domain.ChangeRequestMetadata{}, err
	}
	return v.(domain.ChangeRequestMetadata), nil
}

func (c *restClient) PublishReview(ctx context.Context, repo string, number int, requestID string, doc *domain.DiffDocument, result domain.ReviewResult, priorityBreakdown string) (PublishReport, error) {
	var report PublishReport
	path := c.style.commentPath(repo, number)

	for _, f := range result.Issues {
		position := diffparse.MapPosition(doc, f.File, f.StartLine)
		tag := IdempotencyTag(requestID, f.File, f.StartLine, f.Title)

		if position == diffparse.NotFound {
			report.UnlocatedFindings = append(report.UnlocatedFindings, f)
			continue
		}

		payload := c.style.commentBody(tag, position, f.File, f)
		status, err := c.post(ctx, path, tag, payload)
		if err != nil || status >= 300 {
			report.FailedComments++
			c.logger.Warn("inline comment publish failed", "file", f.File, "line", f.StartLine, "status", status, "error", err)
			continue
		}
		report.PostedComments++
	}

	summaryJSON := c.style.summaryBody(IdempotencyTag(requestID, "__summary__", 0, result.Summary), formatSummary(result, report.UnlocatedFindings), priorityBreakdown)
	status, err := c.post(ctx, path, IdempotencyTag(requestID, "__summary__", 0, result.Summary), summaryJSON)
	if err != nil || status >= 300 {
		return report, errs.New(errs.TransientExternal, "scm.PublishReview", fmt.Errorf("summary comment publish failed: status=%d err=%v", status, err))
	}

	return report, nil
}

func formatSummary(result domain.ReviewResult, unlocated []domain.Finding) string {
	summary := result.Summary
	if len(unlocated) == 0 {
		return summary
	}
	summary += "\n\nUnlocated findings:"
	for _, f := range unlocated {
		summary += fmt.Sprintf("\n- %s:%d %s", f.File, f.StartLine, f.Title)
	}
	return summary
}

// tokenURL embeds cfg.Token as the userinfo component of cfg.BaseURL+path,
// the scheme go-git's plain HTTP transport accepts for bearer-token clone
// auth without a separate credentials.AuthMethod.
func tokenURL(cfg Config, path string) string {
	base := cfg.BaseURL
	scheme := "https://"
	rest := base
	if i := strings.Index(base, "://"); i >= 0 {
		scheme = base[:i+3]
		rest = base[i+3:]
	}
	if cfg.Token == "" {
		return scheme + rest + path
	}
	return scheme + "x-token-auth:" + cfg.Token + "@" + rest + path
}

func decodeJSON[T any](body []byte) (T, error) {
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		var zero T
		return zero, errs.New(errs.ProtocolViolation, "scm.decodeJSON", err)
	}
	return v, nil
}
