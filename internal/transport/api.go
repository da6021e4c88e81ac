package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"departure-board/internal/model"
)

const maxBody = 1 << 20

// APIClient talks to the board backend over plain HTTP: snapshot fetches
// for polling and the station and language controls.
type APIClient struct {
	baseURL string
	session string
	http    *http.Client
}

func NewAPIClient(baseURL, session string, timeout time.Duration) *APIClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		session: session,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *APIClient) feedURL(feed model.FeedName, station string) (string, error) {
	switch feed {
	case model.FeedAlerts:
		return c.baseURL + "/api/alerts", nil
	case model.FeedSchedules:
		q := url.Values{}
		if station != "" {
			q.Set("station", station)
		}
		u := c.baseURL + "/api/schedules"
		if len(q) > 0 {
			u += "?" + q.Encode()
		}
		return u, nil
	case model.FeedStation:
		return c.baseURL + "/api/station", nil
	}
	return "", fmt.Errorf("fetch %s: %w", feed, ErrUnsupportedFeed)
}

// Fetch downloads the current snapshot of feed. Only Feed, Payload and
// ContentType are set on the result.
func (c *APIClient) Fetch(ctx context.Context, feed model.FeedName, station string) (model.RawUpdate, error) {
	u, err := c.feedURL(feed, station)
	if err != nil {
		return model.RawUpdate{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return model.RawUpdate{}, err
	}
	req.Header.Set("Accept", "application/json, application/x-protobuf")
	c.decorate(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return model.RawUpdate{}, fmt.Errorf("fetch %s: %w", feed, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return model.RawUpdate{}, fmt.Errorf("read %s: %w", feed, err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return model.RawUpdate{}, fmt.Errorf("fetch %s: %w", feed, ErrServerRateLimited)
	}
	if resp.StatusCode/100 != 2 {
		return model.RawUpdate{}, fmt.Errorf("fetch %s: unexpected status %s", feed, resp.Status)
	}
	return model.RawUpdate{
		Feed:        feed,
		Payload:     body,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

type controlResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// SetStation asks the backend to switch station and returns its message.
func (c *APIClient) SetStation(ctx context.Context, station string) (string, error) {
	return c.postForm(ctx, "/api/set_station", url.Values{"station": {station}})
}

// SetLanguage switches the display language (en or fr).
func (c *APIClient) SetLanguage(ctx context.Context, language string) error {
	_, err := c.postForm(ctx, "/api/set_language", url.Values{"language": {language}})
	return err
}

func (c *APIClient) postForm(ctx context.Context, path string, form url.Values) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	c.decorate(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}

	var cr controlResponse
	_ = json.Unmarshal(body, &cr)
	if resp.StatusCode == http.StatusTooManyRequests {
		if cr.Message != "" {
			return cr.Message, fmt.Errorf("%w: %s", ErrServerRateLimited, cr.Message)
		}
		return "", ErrServerRateLimited
	}
	if resp.StatusCode/100 != 2 {
		return cr.Message, fmt.Errorf("post %s: unexpected status %s", path, resp.Status)
	}
	if cr.Status != "" && !strings.EqualFold(cr.Status, "success") {
		return cr.Message, fmt.Errorf("%w: %s", ErrRejected, cr.Message)
	}
	return cr.Message, nil
}

func (c *APIClient) decorate(req *http.Request) {
	if c.session != "" {
		req.Header.Set(SessionHeader, c.session)
	}
}
