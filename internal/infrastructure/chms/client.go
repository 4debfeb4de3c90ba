package chms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"steeple-core-chms-sync-layer/internal/domain"
	"steeple-core-chms-sync-layer/internal/infrastructure/ratelimit"
	"steeple-core-chms-sync-layer/internal/ports"

	"github.com/rs/zerolog"
)

const defaultPageSize = 100

// envelope is the source API's JSON wire shape: a data array plus a
// continuation cursor in meta.next.offset on all but the last page.
type envelope struct {
	Data []map[string]any `json:"data"`
	Meta struct {
		Next *struct {
			Offset int `json:"offset"`
		} `json:"next"`
	} `json:"meta"`
}

type writeEnvelope struct {
	Data struct {
		ID         string         `json:"id"`
		Attributes map[string]any `json:"attributes"`
	} `json:"data"`
}

// Client is the HTTP face of one church-management source system. Every
// request passes the rate limiter gate first and feeds the source's quota
// headers back into it.
type Client struct {
	adapter    string
	baseURL    string
	bucketKey  string
	limiter    *ratelimit.Limiter
	httpClient *http.Client
	pageSize   int
	logger     zerolog.Logger
}

// NewClient creates a source client for one adapter.
func NewClient(adapter, baseURL, bucketKey string, limiter *ratelimit.Limiter, logger zerolog.Logger) ports.SourceClient {
	return &Client{
		adapter:    adapter,
		baseURL:    baseURL,
		bucketKey:  bucketKey,
		limiter:    limiter,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		pageSize:   defaultPageSize,
		logger:     logger,
	}
}

// ListPage fetches one page of the entityType collection starting at offset.
func (c *Client) ListPage(ctx context.Context, accessToken domain.RedactedString, entityType string, offset int) (*ports.SourcePage, error) {
	endpoint := fmt.Sprintf("%s/%s?%s", c.baseURL, url.PathEscape(entityType), url.Values{
		"offset":   {strconv.Itoa(offset)},
		"per_page": {strconv.Itoa(c.pageSize)},
	}.Encode())

	body, err := c.do(ctx, accessToken, http.MethodGet, endpoint, entityType, nil)
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, domain.NewSyncError(domain.ErrValidation, c.adapter, entityType,
			fmt.Errorf("failed to decode page: %w", err))
	}

	page := &ports.SourcePage{Records: env.Data}
	if env.Meta.Next != nil {
		next := env.Meta.Next.Offset
		page.NextOffset = &next
	}
	return page, nil
}

// CreateRecord creates a record at the source and returns its external ID.
func (c *Client) CreateRecord(ctx context.Context, accessToken domain.RedactedString, entityType string, attributes map[string]any) (string, error) {
	endpoint := fmt.Sprintf("%s/%s", c.baseURL, url.PathEscape(entityType))
	body, err := c.do(ctx, accessToken, http.MethodPost, endpoint, entityType, attributes)
	if err != nil {
		return "", err
	}

	var env writeEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", domain.NewSyncError(domain.ErrValidation, c.adapter, entityType,
			fmt.Errorf("failed to decode create response: %w", err))
	}
	if env.Data.ID == "" {
		return "", domain.NewSyncError(domain.ErrValidation, c.adapter, entityType,
			errors.New("create response missing record id"))
	}
	return env.Data.ID, nil
}

// UpdateRecord updates an existing record at the source.
func (c *Client) UpdateRecord(ctx context.Context, accessToken domain.RedactedString, entityType, externalID string, attributes map[string]any) error {
	endpoint := fmt.Sprintf("%s/%s/%s", c.baseURL, url.PathEscape(entityType), url.PathEscape(externalID))
	_, err := c.do(ctx, accessToken, http.MethodPatch, endpoint, entityType, attributes)
	return err
}

// DeleteRecord deletes a record at the source.
func (c *Client) DeleteRecord(ctx context.Context, accessToken domain.RedactedString, entityType, externalID string) error {
	endpoint := fmt.Sprintf("%s/%s/%s", c.baseURL, url.PathEscape(entityType), url.PathEscape(externalID))
	_, err := c.do(ctx, accessToken, http.MethodDelete, endpoint, entityType, nil)
	return err
}

// do issues one rate-limiter-gated request and classifies failures into the
// sync error taxonomy.
func (c *Client) do(ctx context.Context, accessToken domain.RedactedString, method, endpoint, entityType string, attributes map[string]any) ([]byte, error) {
	if err := c.limiter.Wait(ctx, c.bucketKey); err != nil {
		return nil, err
	}

	var reqBody io.Reader
	if attributes != nil {
		payload, err := json.Marshal(map[string]any{
			"data": map[string]any{"attributes": attributes},
		})
		if err != nil {
			return nil, domain.NewSyncError(domain.ErrValidation, c.adapter, entityType,
				fmt.Errorf("failed to encode request body: %w", err))
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken.Reveal())
	if attributes != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if os.IsTimeout(err) {
			return nil, domain.NewSyncError(domain.ErrConnection, c.adapter, entityType,
				fmt.Errorf("request timed out: %w", err))
		}
		return nil, domain.NewSyncError(domain.ErrConnection, c.adapter, entityType, err)
	}
	defer resp.Body.Close()

	c.observeRateHeaders(resp)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewSyncError(domain.ErrConnection, c.adapter, entityType,
			fmt.Errorf("failed to read response body: %w", err))
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, domain.NewSyncError(domain.ErrRateLimitExceeded, c.adapter, entityType,
			fmt.Errorf("source rate limit exceeded (status %d)", resp.StatusCode))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, domain.NewSyncError(domain.ErrTokenRefresh, c.adapter, entityType,
			fmt.Errorf("source rejected credential (status %d)", resp.StatusCode))
	case resp.StatusCode >= 500:
		return nil, domain.NewSyncError(domain.ErrConnection, c.adapter, entityType,
			fmt.Errorf("source returned status %d", resp.StatusCode))
	default:
		return nil, domain.NewSyncError(domain.ErrValidation, c.adapter, entityType,
			fmt.Errorf("source returned status %d: %s", resp.StatusCode, string(body)))
	}
}

// observeRateHeaders feeds server-reported quota back to the limiter so its
// model stays server-authoritative when the source gives feedback.
func (c *Client) observeRateHeaders(resp *http.Response) {
	remainingHdr := resp.Header.Get("X-RateLimit-Remaining")
	resetHdr := resp.Header.Get("X-RateLimit-Reset")
	if remainingHdr == "" || resetHdr == "" {
		return
	}

	remaining, err := strconv.ParseInt(remainingHdr, 10, 64)
	if err != nil {
		return
	}
	resetSeconds, err := strconv.ParseFloat(resetHdr, 64)
	if err != nil {
		return
	}

	c.limiter.Observe(c.bucketKey, remaining, time.Duration(resetSeconds*float64(time.Second)))
}
