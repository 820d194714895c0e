// Package esi fetches killmail details and character profiles from the
// EVE Swagger Interface.
package esi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"killfeed/internal/fault"
)

const (
	defaultBaseURL   = "https://esi.evetech.net/latest"
	defaultUserAgent = "killfeed (biwakoacami@gmail.com)"
	defaultDelay     = 5 * time.Second
	datasource       = "tranquility"

	maxAttempts = 3
)

// Killmail is the full kill detail. Raw keeps the verbatim payload for
// storage.
type Killmail struct {
	KillmailID int64      `json:"killmail_id"`
	Attackers  []Attacker `json:"attackers"`
	Victim     Victim     `json:"victim"`

	Raw json.RawMessage `json:"-"`
}

// Attacker is one participant on the attacking side.
type Attacker struct {
	CharacterID  int64 `json:"character_id"`
	ShipTypeID   int64 `json:"ship_type_id"`
	WeaponTypeID int64 `json:"weapon_type_id"`
	FinalBlow    bool  `json:"final_blow"`
}

// Victim is the losing side of a kill.
type Victim struct {
	CharacterID int64 `json:"character_id"`
	ShipTypeID  int64 `json:"ship_type_id"`
}

// Character is a pilot profile.
type Character struct {
	Name          string `json:"name"`
	CorporationID int64  `json:"corporation_id"`
	RaceID        int64  `json:"race_id"`
	Birthday      string `json:"birthday"`
}

// Config holds client construction options, zero values defaulted.
type Config struct {
	BaseURL    string
	UserAgent  string
	Delay      time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client queries ESI with the same pre-request delay and timeout retry
// policy as the listing client.
type Client struct {
	baseURL    string
	userAgent  string
	delay      time.Duration
	httpClient *http.Client
	log        *zap.Logger
}

// New builds an ESI client from cfg.
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

// Killmail fetches one full kill detail by id and verification hash.
func (c *Client) Killmail(ctx context.Context, id int64, hash string) (*Killmail, error) {
	url := fmt.Sprintf("%s/killmails/%d/%s/?datasource=%s", c.baseURL, id, hash, datasource)
	body, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}

	var km Killmail
	if err := json.Unmarshal(body, &km); err != nil || km.KillmailID == 0 {
		c.log.Warn("unparseable killmail", zap.Int64("kill_id", id), zap.Error(err))
		return nil, fault.Empty(url)
	}
	km.Raw = body
	return &km, nil
}

// Character fetches one pilot profile by id.
func (c *Client) Character(ctx context.Context, id int64) (*Character, error) {
	url := fmt.Sprintf("%s/characters/%d/?datasource=%s", c.baseURL, id, datasource)
	body, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}

	var ch Character
	if err := json.Unmarshal(body, &ch); err != nil || ch.Name == "" {
		c.log.Warn("unparseable character", zap.Int64("character_id", id), zap.Error(err))
		return nil, fault.Empty(url)
	}
	return &ch, nil
}

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
	req.Header.Set("Content-Type", "application/json")
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
