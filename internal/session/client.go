package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"edubot/internal/credentials"
)

const refreshPath = "/auth/refresh"

// TokenStore is the part of the credential store the client depends on.
type TokenStore interface {
	AccessToken(ctx context.Context) string
	RefreshToken(ctx context.Context) string
	Save(ctx context.Context, t credentials.Tokens) error
	Clear(ctx context.Context) error
}

// Options configures a Client.
type Options struct {
	BaseURL     string
	HTTPClient  *http.Client
	TimeZone    *time.Location
	Locale      string
	Routes      Routes
	Coordinator *Coordinator
	Logger      *slog.Logger
	// Header is added to every request, e.g. the guest identity.
	Header http.Header
}

// Client is the single dispatcher every backend call goes through.
type Client struct {
	baseURL string
	http    *http.Client
	tz      string
	locale  string
	routes  Routes
	tokens  TokenStore
	nav     Navigator
	coord   *Coordinator
	header  http.Header
	logger  *slog.Logger
}

// Request describes one backend call. Body is JSON encoded when non-nil.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
	Header http.Header
	// Anonymous requests carry no bearer token and skip the 401 recovery path.
	Anonymous bool
}

// Response is a fully read backend answer.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the body into v.
func (r *Response) Decode(v any) error {
	if v == nil || len(r.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// NewClient wires the client. tokens and nav are required.
func NewClient(opts Options, tokens TokenStore, nav Navigator) (*Client, error) {
	if tokens == nil {
		return nil, errors.New("token store required")
	}
	if nav == nil {
		return nil, errors.New("navigator required")
	}
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		return nil, errors.New("base url required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	tz := opts.TimeZone
	if tz == nil {
		tz = time.Local
	}
	coord := opts.Coordinator
	if coord == nil {
		coord = NewCoordinator()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: base,
		http:    httpClient,
		tz:      tz.String(),
		locale:  opts.Locale,
		routes:  opts.Routes,
		tokens:  tokens,
		nav:     nav,
		coord:   coord,
		header:  opts.Header.Clone(),
		logger:  logger.With("component", "session"),
	}, nil
}

// Coordinator exposes the renewal coordinator shared by this client.
func (c *Client) Coordinator() *Coordinator { return c.coord }

// DoJSON sends in as the JSON body and decodes the answer into out.
func (c *Client) DoJSON(ctx context.Context, method, path string, in, out any) error {
	resp, err := c.Send(ctx, &Request{Method: method, Path: path, Body: in})
	if err != nil {
		return err
	}
	return resp.Decode(out)
}

// Send performs req applying the credential policy: one renewal-backed retry
// on 401, a redirect on 403 outside the admin area, and *HTTPError for any
// other non-2xx status.
func (c *Client) Send(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}
	payload, err := encodeBody(req.Body)
	if err != nil {
		return nil, err
	}

	token := ""
	if !req.Anonymous {
		token = c.tokens.AccessToken(ctx)
	}
	resp, err := c.do(ctx, req, payload, token)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized && !req.Anonymous {
		fresh, err := c.recoverToken(ctx, token)
		if err != nil {
			return nil, err
		}
		resp, err = c.do(ctx, req, payload, fresh)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			c.logger.Warn("request rejected after renewal", "path", req.Path)
			c.expire(ctx)
			return nil, ErrUnauthenticated
		}
	}

	if resp.StatusCode == http.StatusForbidden {
		if current := c.nav.CurrentPath(); !c.routes.admin(current) && c.routes.LandingPath != "" {
			c.logger.Info("forbidden, leaving page", "path", current, "to", c.routes.LandingPath)
			c.nav.Navigate(c.routes.LandingPath)
		}
		return nil, fmt.Errorf("%w: %w", ErrForbidden, newHTTPError(resp))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, newHTTPError(resp)
	}
	return resp, nil
}

// recoverToken returns the token the failed request should be retried with.
func (c *Client) recoverToken(ctx context.Context, sent string) (string, error) {
	d := c.coord.begin(ctx, sent, c.tokens.AccessToken)
	switch {
	case d.fresh != "":
		return d.fresh, nil
	case d.wait != nil:
		select {
		case res := <-d.wait:
			if res.err != nil {
				return "", res.err
			}
			c.logger.Debug("resumed after renewal", "position", res.position)
			return res.token, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	// owner; the renewal outlives the caller's context since waiters depend on it
	token, err := c.renew(context.WithoutCancel(ctx))
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrRenewalFailed, err)
		c.coord.finish("", err)
		c.logger.Warn("credential renewal failed", "error", err)
		c.expire(ctx)
		return "", err
	}
	c.coord.finish(token, nil)
	return token, nil
}

func (c *Client) renew(ctx context.Context) (string, error) {
	refresh := c.tokens.RefreshToken(ctx)
	if refresh == "" {
		return "", ErrNoRefreshToken
	}
	body, err := json.Marshal(map[string]string{"refreshToken": refresh})
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+refreshPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build refresh request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.decorate(httpReq)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("refresh call: %w", err)
	}
	defer httpResp.Body.Close()
	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return "", fmt.Errorf("read refresh response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return "", newHTTPError(&Response{StatusCode: httpResp.StatusCode, Body: raw})
	}
	var tokens credentials.Tokens
	if err := json.Unmarshal(raw, &tokens); err != nil {
		return "", fmt.Errorf("decode refresh response: %w", err)
	}
	if tokens.AccessToken == "" {
		return "", errors.New("refresh response missing access token")
	}
	if err := c.tokens.Save(ctx, tokens); err != nil {
		return "", err
	}
	c.logger.Info("credentials renewed")
	return tokens.AccessToken, nil
}

// expire clears the session and leaves authenticated pages.
func (c *Client) expire(ctx context.Context) {
	if err := c.tokens.Clear(ctx); err != nil {
		c.logger.Error("clear credentials", "error", err)
	}
	current := c.nav.CurrentPath()
	if c.routes.authenticated(current) && c.routes.LoginPath != "" {
		c.nav.Navigate(c.routes.LoginPath)
	}
}

func (c *Client) do(ctx context.Context, req *Request, payload []byte, token string) (*Response, error) {
	target := c.baseURL + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	c.decorate(httpReq)
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, req.Path, err)
	}
	defer httpResp.Body.Close()
	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", req.Path, err)
	}
	return &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: raw}, nil
}

func (c *Client) decorate(r *http.Request) {
	for k, vs := range c.header {
		if r.Header.Get(k) == "" {
			r.Header[k] = append([]string(nil), vs...)
		}
	}
	r.Header.Set("X-Timezone", c.tz)
	if c.locale != "" {
		r.Header.Set("Accept-Language", c.locale)
	}
}

func encodeBody(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return b, nil
}

func newHTTPError(resp *Response) *HTTPError {
	e := &HTTPError{StatusCode: resp.StatusCode}
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(resp.Body, &body) == nil {
		e.Message = body.Error
		if e.Message == "" {
			e.Message = body.Message
		}
	}
	if e.Message == "" {
		e.Message = strings.TrimSpace(string(resp.Body))
	}
	return e
}
