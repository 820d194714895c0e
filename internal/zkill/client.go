// Package zkill fetches kill listings from the zKillboard API.
package zkill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"killfeed/internal/fault"
)

const (
	defaultBaseURL   = "https://zkillboard.com/api"
	defaultUserAgent = "killfeed (biwakoacami@gmail.com)"

	// zKillboard asks for a pause between queries; every request waits
	// this long before going out.
	defaultDelay = 5 * time.Second

	// maxPages caps a filtered listing walk.
	maxPages = 10

	// maxAttempts bounds timeout retries per request.
	maxAttempts = 3
)

// Config holds client construction options. Zero values fall back to the
// production defaults; tests shrink Delay and point BaseURL at a fake.
type Config struct {
	BaseURL    string
	UserAgent  string
	Delay      time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client queries the zKillboard listing API with a fixed pre-request
// delay and bounded retries on timeout.
type Client struct {
	baseURL    string
	userAgent  string
	delay      time.Duration
	httpClient *http.Client
	log        *zap.Logger
}

// New builds a listing client from cfg.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Delay == 0 {
		cfg.Delay = defaultDelay
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		userAgent:  cfg.UserAgent,
		delay:      cfg.Delay,
		httpClient: cfg.HTTPClient,
		log:        cfg.Logger,
	}
}

// Kill looks up a single kill by id.
func (c *Client) Kill(ctx context.Context, id int64) ([]KillListing, error) {
	return c.fetchPage(ctx, fmt.Sprintf("%s/killID/%d/", c.baseURL, id))
}

// KillsOptions narrows a filtered listing query.
type KillsOptions struct {
	// Start is a YYYYMMDDHHMM lower bound on kill time, empty for none.
	Start string
}

// Kills walks up to maxPages of the filtered listing for the given base
// and identifier, stopping at the first empty page. Results are sorted
// descending by killmail id.
func (c *Client) Kills(ctx context.Context, base Base, identifier int64, opts KillsOptions) ([]KillListing, error) {
	modifier := base.modifier()
	if modifier == "" {
		return nil, fault.BadData("unknown listing base %q", base)
	}

	prefix := fmt.Sprintf("%s/%s/%d/", c.baseURL, modifier, identifier)
	if opts.Start != "" {
		prefix += fmt.Sprintf("startTime/%s/", opts.Start)
	}
	return c.walkPages(ctx, prefix)
}

// KillsFromQuery runs a pre-built listing URL verbatim, appending a page
// suffix unless the URL is a direct single-kill lookup.
func (c *Client) KillsFromQuery(ctx context.Context, query string) ([]KillListing, error) {
	if strings.Contains(strings.ToLower(query), "killid") {
		return c.fetchPage(ctx, query)
	}
	if !strings.HasSuffix(query, "/") {
		query += "/"
	}
	return c.walkPages(ctx, query)
}

func (c *Client) walkPages(ctx context.Context, prefix string) ([]KillListing, error) {
	var dump []KillListing
	for page := 1; page <= maxPages; page++ {
		listings, err := c.fetchPage(ctx, fmt.Sprintf("%spage/%d/", prefix, page))
		if err != nil {
			if page == 1 {
				return nil, err
			}
			// Later pages degrade to a partial result; the next run
			// picks up whatever was missed.
			c.log.Warn("listing page failed, keeping partial result",
				zap.Int("page", page), zap.Error(err))
			break
		}
		if len(listings) == 0 {
			break
		}
		dump = append(dump, listings...)
	}

	sort.Slice(dump, func(i, j int) bool {
		return dump[i].KillmailID > dump[j].KillmailID
	})
	return dump, nil
}

// fetchPage requests one listing URL and decodes its kill array. Each
// entry keeps its verbatim JSON alongside the extracted fields.
func (c *Client) fetchPage(ctx context.Context, url string) ([]KillListing, error) {
	body, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}

	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		c.log.Warn("unparseable listing page", zap.String("url", url), zap.Error(err))
		return nil, fault.Empty(url)
	}
	if len(items) == 0 {
		c.log.Debug("received an empty page", zap.String("url", url))
		return nil, nil
	}

	listings := make([]KillListing, 0, len(items))
	for _, item := range items {
		var l KillListing
		if err := json.Unmarshal(item, &l); err != nil || l.KillmailID == 0 {
			c.log.Warn("skipping malformed listing entry", zap.Error(err))
			continue
		}
		l.Raw = item
		listings = append(listings, l)
	}
	return listings, nil
}

// get performs one delayed, retried GET. Timeouts are retried with the
// same fixed delay up to maxAttempts total; anything else fails at once.
func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	c.log.Debug("requesting", zap.String("url", url))
	if err := sleep(ctx, c.delay); err != nil {
		return nil, err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.delay), maxAttempts-1), ctx)

	attemptsLeft := maxAttempts
	return backoff.RetryNotifyWithData(func() ([]byte, error) {
		attemptsLeft--
		body, err := c.do(ctx, url)
		if err != nil && !isTimeout(err) {
			return nil, backoff.Permanent(err)
		}
		return body, err
	}, policy, func(err error, _ time.Duration) {
		c.log.Info("timeout, retrying",
			zap.String("url", url), zap.Int("retries_left", attemptsLeft), zap.Error(err))
	})
}

func (c *Client) do(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, fault.Transient(err)
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.log.Warn("unexpected status", zap.String("url", url), zap.Int("status", resp.StatusCode))
		return nil, fault.Empty(fmt.Sprintf("%s: status %d", url, resp.StatusCode))
	}
	return io.ReadAll(resp.Body)
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, fault.ErrTransient)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
