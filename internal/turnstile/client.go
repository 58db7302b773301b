package turnstile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/araquach/turnstile-datahub/internal/util"
)

// Row is one event as returned by GET /event/filter.
type Row struct {
	ID            json.RawMessage `json:"id"`
	EventDatetime string          `json:"event_datetime"` // with or without offset
	Event         json.RawMessage `json:"event"`          // 1|2 or "in"|"out"
	ObjectCode    string          `json:"object_code"`
	TableNumber   string          `json:"table_number"`
}

// StatusError is a non-2xx answer from the turnstile API.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("turnstile API status=%d, body=%s", e.Status, e.Body)
}

// Retryable reports whether a later attempt may succeed.
func (e *StatusError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

type Client struct {
	BaseURL     string
	Token       string
	HTTP        *http.Client
	MaxAttempts int
	Logger      *logrus.Logger

	// InitialBackoff is the first retry delay; it doubles per attempt.
	InitialBackoff time.Duration
}

func NewClient(baseURL, token string, timeout time.Duration, maxAttempts int, lg *logrus.Logger) *Client {
	if timeout <= 0 {
		timeout = 25 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	return &Client{
		BaseURL:        strings.TrimRight(baseURL, "/"),
		Token:          token,
		MaxAttempts:    maxAttempts,
		Logger:         lg,
		InitialBackoff: 500 * time.Millisecond,
		HTTP: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

// FetchEvents returns the raw rows for one person at one object in the
// inclusive date range. Transient failures are retried with exponential
// backoff; the second return value is the number of attempts made.
func (c *Client) FetchEvents(ctx context.Context, objectBIN, tableNumber string, dateStart, dateStop time.Time) ([]Row, int, error) {
	u, err := url.Parse(c.BaseURL + "/event/filter")
	if err != nil {
		return nil, 0, fmt.Errorf("turnstile base url: %w", err)
	}
	q := u.Query()
	q.Set("dateStart", dateStart.Format(util.DateLayout))
	q.Set("dateStop", dateStop.Format(util.DateLayout))
	q.Set("objectBIN", objectBIN)
	q.Set("tableNumber", tableNumber)
	u.RawQuery = q.Encode()

	attempts := 0
	op := func() ([]Row, error) {
		attempts++
		rows, err := c.fetchOnce(ctx, u.String())
		if err == nil {
			return rows, nil
		}
		if ctx.Err() != nil || !retryable(err) {
			return nil, backoff.Permanent(err)
		}
		c.Logger.WithError(err).WithFields(logrus.Fields{
			"table_number": tableNumber,
			"attempt":      attempts,
		}).Warn("⚠️  turnstile fetch failed, retrying")
		return nil, err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.InitialBackoff
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.MaxAttempts-1)), ctx)

	rows, err := backoff.RetryWithData(op, policy)
	return rows, attempts, err
}

func (c *Client) fetchOnce(ctx context.Context, rawURL string) ([]Row, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &StatusError{Status: resp.StatusCode, Body: string(b)}
	}

	var rows []Row
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, &decodeError{err: err}
	}
	return rows, nil
}

type decodeError struct{ err error }

func (e *decodeError) Error() string { return "decode turnstile events: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

// retryable: network failures, 429 and 5xx. Other 4xx and bad JSON are final.
func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	var de *decodeError
	if errors.As(err, &de) {
		return false
	}
	return true
}
