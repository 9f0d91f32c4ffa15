package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Tracer receives raw request and response traffic. DebugLogger satisfies it.
type Tracer interface {
	LogRequest(method, url string, body []byte)
	LogResponse(statusCode int, status string, body []byte)
	LogError(operation string, err error)
}

// RESTConfig configures a REST collaborator.
type RESTConfig struct {
	// BaseURL is the project URL; tables live under /rest/v1/.
	BaseURL string

	// APIKey is sent as the apikey header, and as the bearer token unless
	// JWTSecret is set.
	APIKey string

	// JWTSecret, when set, signs short-lived bearer tokens scoped to StoreID.
	JWTSecret string
	StoreID   string
	Role      string
	TokenTTL  time.Duration

	HTTPClient *http.Client
	Tracer     Tracer
}

// REST talks to a PostgREST-compatible endpoint.
type REST struct {
	baseURL    string
	apiKey     string
	tokens     *TokenSource
	httpClient *http.Client
	tracer     Tracer
}

// NewREST creates a REST collaborator.
func NewREST(cfg RESTConfig) *REST {
	c := &REST{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: cfg.HTTPClient,
		tracer:     cfg.Tracer,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.JWTSecret != "" {
		c.tokens = NewTokenSource(cfg.JWTSecret, cfg.StoreID, cfg.Role, cfg.TokenTTL)
	}
	return c
}

func (c *REST) setHeaders(req *http.Request) error {
	bearer := c.apiKey
	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil {
			return err
		}
		bearer = token
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "tally-client/1.0")
	return nil
}

func newHTTPError(op string, statusCode int, body []byte) *HTTPError {
	msg := string(body)
	if len(body) > 200 {
		msg = string(body[:200]) + "..."
	}
	return &HTTPError{Operation: op, StatusCode: statusCode, Body: msg}
}

func tableURL(base, table string, query url.Values) string {
	u := base + "/rest/v1/" + url.PathEscape(table)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func idQuery(id string) url.Values {
	return url.Values{IDColumn: {"eq." + id}}
}

// send issues a request and returns the body of a 2xx response.
func (c *REST) send(ctx context.Context, op, method, target string, body any) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("remote: %s: encode: %w", op, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("remote: %s: %w", op, err)
	}
	if err := c.setHeaders(req); err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodGet {
		req.Header.Set("Prefer", "return=representation")
	}
	if c.tracer != nil {
		c.tracer.LogRequest(method, target, payload)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if c.tracer != nil {
			c.tracer.LogError(op, err)
		}
		return nil, fmt.Errorf("remote: %s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("remote: %s: read body: %w", op, err)
	}
	if c.tracer != nil {
		c.tracer.LogResponse(resp.StatusCode, resp.Status, respBody)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newHTTPError(op, resp.StatusCode, respBody)
	}
	return respBody, nil
}

// do sends a request and decodes a JSON array response into rows.
func (c *REST) do(ctx context.Context, op, method, target string, body any) ([]Row, error) {
	respBody, err := c.send(ctx, op, method, target, body)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(respBody)) == 0 {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(respBody))
	dec.UseNumber()
	var rows []Row
	if err := dec.Decode(&rows); err != nil {
		return nil, fmt.Errorf("remote: %s: decode: %w", op, err)
	}
	return rows, nil
}

// Insert creates a row and returns it as stored.
func (c *REST) Insert(ctx context.Context, table string, row Row) (Row, error) {
	op := "insert " + table
	rows, err := c.do(ctx, op, http.MethodPost, tableURL(c.baseURL, table, nil), row)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("remote: %s: empty representation", op)
	}
	return rows[0], nil
}

// Update patches the row with the given id.
func (c *REST) Update(ctx context.Context, table, id string, patch Row) (Row, error) {
	rows, err := c.do(ctx, "update "+table, http.MethodPatch, tableURL(c.baseURL, table, idQuery(id)), patch)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}

// Delete removes the row with the given id.
func (c *REST) Delete(ctx context.Context, table, id string) error {
	rows, err := c.do(ctx, "delete "+table, http.MethodDelete, tableURL(c.baseURL, table, idQuery(id)), nil)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return ErrNotFound
	}
	return nil
}

// Select returns rows whose columns equal the filter values.
func (c *REST) Select(ctx context.Context, table string, filter Filter) ([]Row, error) {
	q := url.Values{"select": {"*"}}
	for _, col := range sortedKeys(filter) {
		q.Set(col, "eq."+FormatValue(filter[col]))
	}
	return c.do(ctx, "select "+table, http.MethodGet, tableURL(c.baseURL, table, q), nil)
}

// Ping checks that the endpoint answers with a 2xx status.
func (c *REST) Ping(ctx context.Context) error {
	_, err := c.send(ctx, "ping", http.MethodGet, c.baseURL+"/rest/v1/", nil)
	return err
}
