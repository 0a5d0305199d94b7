package client

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

	"golang.org/x/oauth2"
)

// Errors returned by the ledger, matched with errors.Is.
var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrNotFound        = errors.New("record not found")
	ErrUnauthorized    = errors.New("requester is not the record owner")
	ErrUnauthenticated = errors.New("no resolvable identity")
)

// HeaderIdentity is the header carrying a plain caller identity.
const HeaderIdentity = "X-Ledger-Identity"

// Record is a ledger record.
type Record struct {
	ID               uint64    `json:"id"`
	ContentReference string    `json:"content_reference"`
	Owner            string    `json:"owner"`
	CreatedAt        time.Time `json:"created_at"`
}

// Grant is one entry of a record's permission log.
type Grant struct {
	RecordID  uint64    `json:"record_id"`
	Grantee   string    `json:"grantee"`
	Grantor   string    `json:"grantor"`
	Seq       uint64    `json:"seq"`
	GrantedAt time.Time `json:"granted_at"`
}

// Receipt is returned by GrantPermission.
type Receipt struct {
	Grant   Grant  `json:"grant"`
	EventID string `json:"event_id"`
}

// APIError is a non-2xx response from the ledger.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ledger error %d (%s): %s", e.Status, e.Code, e.Message)
}

// Unwrap maps the error code onto the package sentinel errors.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case "invalid_input":
		return ErrInvalidInput
	case "not_found":
		return ErrNotFound
	case "unauthorized":
		return ErrUnauthorized
	case "unauthenticated":
		return ErrUnauthenticated
	}
	return nil
}

// Client is the ledger SDK entry point.
type Client struct {
	base       string
	httpClient *http.Client
	identity   string
	tokens     oauth2.TokenSource
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets the base http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithIdentity sends id in the X-Ledger-Identity header (open mode).
func WithIdentity(id string) Option {
	return func(c *Client) error {
		c.identity = strings.TrimSpace(id)
		return nil
	}
}

// WithBearerToken attaches a pre-issued token to every request.
func WithBearerToken(token string) Option {
	return WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}))
}

// WithTokenSource attaches tokens from ts to every request.
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(c *Client) error {
		c.tokens = ts
		return nil
	}
}

// New creates a Client for the ledger at base, e.g. "http://localhost:8080".
func New(base string, opts ...Option) (*Client, error) {
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	if c.tokens != nil {
		hc := *c.httpClient
		hc.Transport = &oauth2.Transport{Source: oauth2.ReuseTokenSource(nil, c.tokens), Base: hc.Transport}
		c.httpClient = &hc
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// CreateRecord stores a record owned by the caller and returns its id.
func (c *Client) CreateRecord(ctx context.Context, contentRef string) (uint64, error) {
	var out struct {
		ID uint64 `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/records", map[string]string{"content_reference": contentRef}, &out)
	return out.ID, err
}

// GetRecord fetches one record.
func (c *Client) GetRecord(ctx context.Context, id uint64) (*Record, error) {
	var rec Record
	if err := c.do(ctx, http.MethodGet, "/api/v1/records/"+strconv.FormatUint(id, 10), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// RecordCount returns the number of records.
func (c *Client) RecordCount(ctx context.Context) (uint64, error) {
	var out struct {
		Count uint64 `json:"count"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/records/count", nil, &out)
	return out.Count, err
}

// RecordsByOwner lists owner's records; an empty owner lists the caller's.
func (c *Client) RecordsByOwner(ctx context.Context, owner string) ([]Record, error) {
	path := "/api/v1/records"
	if owner != "" {
		path += "?owner=" + url.QueryEscape(owner)
	}
	var recs []Record
	if err := c.do(ctx, http.MethodGet, path, nil, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// GrantPermission grants grantee permission on record id as the caller.
func (c *Client) GrantPermission(ctx context.Context, id uint64, grantee string) (*Receipt, error) {
	var r Receipt
	path := "/api/v1/records/" + strconv.FormatUint(id, 10) + "/grants"
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"grantee": grantee}, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ListGrants returns the grants on record id in issuance order.
func (c *Client) ListGrants(ctx context.Context, id uint64) ([]Grant, error) {
	var grants []Grant
	path := "/api/v1/records/" + strconv.FormatUint(id, 10) + "/grants"
	if err := c.do(ctx, http.MethodGet, path, nil, &grants); err != nil {
		return nil, err
	}
	return grants, nil
}

// HasAccess reports whether who owns or has been granted record id.
func (c *Client) HasAccess(ctx context.Context, id uint64, who string) (bool, error) {
	var out struct {
		Allowed bool `json:"allowed"`
	}
	path := "/api/v1/records/" + strconv.FormatUint(id, 10) + "/access/" + url.PathEscape(who)
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Allowed, err
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.identity != "" && c.tokens == nil {
		req.Header.Set(HeaderIdentity, c.identity)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, reqBody, respBody any) error {
	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, data)
	}
	if respBody == nil {
		return nil
	}
	if err := json.Unmarshal(data, respBody); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(status int, data []byte) error {
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(data))
	}
	return &APIError{Status: status, Code: body.Code, Message: body.Error}
}
