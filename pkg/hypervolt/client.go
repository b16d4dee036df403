package hypervolt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/voltsync/voltsync/pkg/log"
)

// DefaultAPIURL is the production REST endpoint.
const DefaultAPIURL = "https://api.hypervolt.co.uk"

// Client is the REST side of the charger API. Most live state arrives over
// the sync socket; REST covers charger discovery and the v2-only schedule
// and lock endpoints.
type Client struct {
	baseURL string
	tokens  *TokenManager

	mu     sync.Mutex
	client *http.Client
}

// NewClient returns a Client using the given http client. An empty baseURL
// selects the production endpoint.
func NewClient(client *http.Client, baseURL string, tokens *TokenManager) *Client {
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	return &Client{
		baseURL: baseURL,
		tokens:  tokens,
		client:  client,
	}
}

// SetClient swaps the underlying http client. The coordinator replaces the
// client on every full re-login cycle so stale connections from a previous
// session generation are never reused.
func (c *Client) SetClient(client *http.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.client = client
}

func (c *Client) httpClient() *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}

// Charger is one entry from the by-owner listing.
type Charger struct {
	ChargerID json.Number `json:"charger_id"`
	Created   string      `json:"created"`
}

// GetChargers lists the chargers owned by the authenticated account.
func (c *Client) GetChargers(ctx context.Context) ([]Charger, error) {
	var res struct {
		Chargers []Charger `json:"chargers"`
	}
	if err := c.doJSON(ctx, "GET", "/charger/by-owner", nil, &res); err != nil {
		return nil, err
	}
	return res.Chargers, nil
}

// FetchScheduleV2 reads the REST schedule of a v2 charger. The result is
// merged into state separately with ApplyScheduleV2 so no lock needs to be
// held across the network call.
func (c *Client) FetchScheduleV2(ctx context.Context, chargerID string) (scheduleBodyV2, error) {
	var body scheduleBodyV2
	path := fmt.Sprintf("/charger/by-id/%s/schedule", url.PathEscape(chargerID))
	if err := c.doJSON(ctx, "GET", path, nil, &body); err != nil {
		return scheduleBodyV2{}, err
	}
	return body, nil
}

// ApplyScheduleV2 merges a fetched v2 schedule into state: enabled maps
// onto the activation mode and the interval list replaces both the
// confirmed schedule and the pending mirror.
func ApplyScheduleV2(body scheduleBodyV2, state *DeviceState) {
	if body.Enabled {
		state.ActivationMode = ActivationModeSchedule
	} else {
		state.ActivationMode = ActivationModePlugAndCharge
	}
	if body.Type != "" {
		t := body.Type
		state.ScheduleType = &t
	}
	if body.Tz != "" {
		tz := body.Tz
		state.ScheduleTimezone = &tz
	}

	state.ScheduleIntervals = nil
	for _, pair := range body.Intervals {
		state.ScheduleIntervals = append(state.ScheduleIntervals, ScheduleInterval{
			Start: TimeOfDay{Hours: pair[0].Hours, Minutes: pair[0].Minutes, Seconds: pair[0].Seconds},
			End:   TimeOfDay{Hours: pair[1].Hours, Minutes: pair[1].Minutes, Seconds: pair[1].Seconds},
		})
	}
	state.PendingScheduleIntervals = append([]ScheduleInterval(nil), state.ScheduleIntervals...)
}

// PutScheduleV2 writes a v2 schedule. Type and tz fall back to their
// defaults when empty; these should normally come from a prior read.
func (c *Client) PutScheduleV2(ctx context.Context, chargerID string, mode ActivationMode, intervals []ScheduleInterval, scheduleType, tz string) error {
	if scheduleType == "" {
		scheduleType = "restricted"
	}
	if tz == "" {
		tz = "Europe/London"
	}
	body := scheduleBodyV2{
		Type:    scheduleType,
		Tz:      tz,
		Enabled: mode == ActivationModeSchedule,
	}
	for _, iv := range intervals {
		body.Intervals = append(body.Intervals, [2]scheduleTimeV2{
			{Hours: iv.Start.Hours, Minutes: iv.Start.Minutes, Seconds: iv.Start.Seconds},
			{Hours: iv.End.Hours, Minutes: iv.End.Minutes, Seconds: iv.End.Seconds},
		})
	}

	log.Ctx(ctx).DebugContext(ctx, "setting schedule", slog.Any("schedule", body))
	path := fmt.Sprintf("/charger/by-id/%s/schedule", url.PathEscape(chargerID))
	return c.doJSON(ctx, "PUT", path, body, nil)
}

// PutLockStatusV2 writes the lock state of a v2 charger.
func (c *Client) PutLockStatusV2(ctx context.Context, chargerID string, locked bool) error {
	body := map[string]bool{"is_locked": locked}
	path := fmt.Sprintf("/charger/by-id/%s/lock-status", url.PathEscape(chargerID))
	return c.doJSON(ctx, "PUT", path, body, nil)
}

// doJSON performs one authenticated request. A 401 is ErrInvalidAuth; other
// non-200 statuses and transport errors are ErrCannotConnect.
func (c *Client) doJSON(ctx context.Context, method, path string, body, dest any) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s body: %w", path, err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCannotConnect, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.tokens.AccessToken())

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCannotConnect, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized:
		// Expected whenever the access token expires, so not logged as an
		// error here.
		return fmt.Errorf("%w: %s %s unauthorized", ErrInvalidAuth, method, path)
	default:
		return fmt.Errorf("%w: %s %s status %d", ErrCannotConnect, method, path, resp.StatusCode)
	}

	if dest == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("%w: decoding %s response: %v", ErrCannotConnect, path, err)
	}
	return nil
}
