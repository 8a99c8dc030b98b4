// Package tracker implements a typed HTTP client for the Patchwork-shaped
// patch tracker: listing series, fetching patches and checks, and posting
// verdicts back upstream. Every method does its own URL assembly by
// structured path-segment append — never by string concatenation of hosts —
// so a misconfigured base URL fails loudly rather than silently hitting the
// wrong host.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ruscur/snowpatch/internal/domain"
	"golang.org/x/sync/errgroup"
)

const apiVersion = "1.2"

// Client is a shared, concurrency-safe handle to one patch tracker instance.
// Per the shared-resource policy, a single Client (and its *http.Client) is
// constructed once and reused by the Watcher and the Dispatcher.
type Client struct {
	base     *url.URL
	token    string
	pageSize int
	http     *http.Client
}

// New constructs a Client rooted at baseURL + "/api/<version>" and performs a
// GET smoke-test against it; construction fails if that request does not
// return a 2xx status. token may be empty, in which case send_check becomes
// a logged no-op rather than an error.
func New(ctx context.Context, baseURL, token string, httpClient *http.Client, pageSize int) (*Client, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if pageSize <= 0 {
		pageSize = 50
	}

	root, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("tracker: parse base url %q: %w", baseURL, err)
	}
	root = root.JoinPath("api", apiVersion)

	c := &Client{base: root, token: token, pageSize: pageSize, http: httpClient}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, root.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("tracker: build smoke-test request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tracker: smoke test against %s: %w", root, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("tracker: smoke test against %s returned %s", root, resp.Status)
	}
	return c, nil
}

func (c *Client) get(ctx context.Context, u *url.URL, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("tracker: build request for %s: %w", u, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("tracker: GET %s: %w", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("tracker: GET %s: unexpected status %s: %s", u, resp.Status, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("tracker: decode response from %s: %w", u, err)
	}
	return nil
}

// GetPatch fetches a single patch by id.
func (c *Client) GetPatch(ctx context.Context, id int64) (domain.Patch, error) {
	u := c.base.JoinPath("patches", strconv.FormatInt(id, 10))
	var p domain.Patch
	if err := c.get(ctx, u, &p); err != nil {
		return domain.Patch{}, err
	}
	return p, nil
}

// GetSeries fetches a single series by id.
func (c *Client) GetSeries(ctx context.Context, id int64) (domain.Series, error) {
	u := c.base.JoinPath("series", strconv.FormatInt(id, 10))
	var s domain.Series
	if err := c.get(ctx, u, &s); err != nil {
		return domain.Series{}, err
	}
	return s, nil
}

// GetSeriesList returns the most recent series for project, newest first.
func (c *Client) GetSeriesList(ctx context.Context, project string) ([]domain.Series, error) {
	u := c.base.JoinPath("series")
	q := u.Query()
	q.Set("order", "-id")
	q.Set("per_page", strconv.Itoa(c.pageSize))
	q.Set("project", project)
	u.RawQuery = q.Encode()

	var list []domain.Series
	if err := c.get(ctx, u, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// GetPatchChecks lists the checks posted against a patch.
func (c *Client) GetPatchChecks(ctx context.Context, patchID int64) ([]domain.Check, error) {
	u := c.base.JoinPath("patches", strconv.FormatInt(patchID, 10), "checks")
	var checks []domain.Check
	if err := c.get(ctx, u, &checks); err != nil {
		return nil, err
	}
	return checks, nil
}

// GetSeriesState fetches every patch of seriesID's checks in parallel and
// reduces their summary states to a single highest-precedence CheckState
// (Pending > Fail > Warning > Success).
func (c *Client) GetSeriesState(ctx context.Context, series domain.Series) (domain.CheckState, error) {
	states := make([]domain.CheckState, len(series.Patches))

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range series.Patches {
		i, p := i, p
		g.Go(func() error {
			checks, err := c.GetPatchChecks(gctx, p.ID)
			if err != nil {
				return err
			}
			var perPatch []domain.CheckState
			for _, chk := range checks {
				perPatch = append(perPatch, chk.State)
			}
			states[i] = domain.ReduceCheckState(perPatch)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", fmt.Errorf("tracker: get series state for %d: %w", series.ID, err)
	}
	return domain.ReduceCheckState(states), nil
}

// SendCheck posts verdict to the last patch in series' checks URL. If the
// Client was constructed without a token, this is a no-op that logs a
// warning instead of failing, matching the tracker's documented contract:
// an operator running without write credentials still gets a usable
// pipeline, just without upstream reporting.
func (c *Client) SendCheck(ctx context.Context, series domain.Series, verdict domain.Verdict) error {
	last, ok := series.LastPatch()
	if !ok {
		return fmt.Errorf("tracker: series %d has no patches to post a check against", series.ID)
	}

	if c.token == "" {
		slog.Warn("tracker: no token configured, dropping verdict", "series_id", series.ID, "context", verdict.Context)
		return nil
	}

	checksURL := last.ChecksURL
	if !strings.HasSuffix(checksURL, "/") {
		checksURL += "/"
	}

	body, err := json.Marshal(verdict)
	if err != nil {
		return fmt.Errorf("tracker: marshal verdict: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, checksURL, strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("tracker: build send_check request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Token "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("tracker: POST %s: %w", checksURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("tracker: POST %s: unexpected status %s: %s", checksURL, resp.Status, respBody)
	}
	return nil
}
