// Package rest is a small JSON-over-HTTP client shared by clients of
// external services.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type StatusCodeRange int

const (
	StatusUnknown StatusCodeRange = iota
	Status1xx
	Status2xx
	Status3xx
	Status4xx
	Status5xx
)

func (sc StatusCodeRange) String() string {
	switch sc {
	case Status1xx:
		return "informational response"
	case Status2xx:
		return "success"
	case Status3xx:
		return "redirect"
	case Status4xx:
		return "client error"
	case Status5xx:
		return "server error"
	default:
		return fmt.Sprintf("unknown (%d)", sc)
	}
}

func StatusCodeRangeOf(resp *http.Response) StatusCodeRange {
	sc := resp.StatusCode
	switch {
	case sc < 200:
		return Status1xx
	case sc < 300:
		return Status2xx
	case sc < 400:
		return Status3xx
	case sc < 500:
		return Status4xx
	case sc < 600:
		return Status5xx
	}
	return StatusUnknown
}

// Error is a response which is not successful.
type Error struct {
	Method     string
	URL        string
	StatusCode int

	// Code and Message are read from a JSON body like
	// {"code": "...", "message": "..."}, when the body is so.
	Code    string
	Message string

	Body string
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Body
	}
	if e.Code != "" {
		return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.URL, e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("%s %s: %d: %s", e.Method, e.URL, e.StatusCode, msg)
}

// TokenSource returns a bearer token. An empty token sends no Authorization.
type TokenSource func() (string, error)

type Client struct {
	httpclient *http.Client
	api        string
	token      TokenSource
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpclient = hc }
}

func WithToken(ts TokenSource) Option {
	return func(c *Client) { c.token = ts }
}

func New(apiRoot string, options ...Option) *Client {
	c := &Client{
		httpclient: http.DefaultClient,
		api:        strings.TrimSuffix(apiRoot, "/"),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Path builds a URL under the API root.
func (c *Client) Path(path ...string) string {
	ps := []string{c.api}
	for _, p := range path {
		ps = append(ps, strings.TrimPrefix(strings.TrimSuffix(p, "/"), "/"))
	}
	return strings.Join(ps, "/")
}

// Do sends in as a JSON body (if not nil) and reads a JSON response into
// out (if not nil).
//
// Responses other than 2xx are *Error.
func (c *Client) Do(ctx context.Context, method string, url string, in any, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != nil {
		token, err := c.token()
		if err != nil {
			return err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpclient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if StatusCodeRangeOf(resp) != Status2xx {
		return errorOf(req, resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("unexpected response: %w (status code = %d)", err, resp.StatusCode)
	}
	return nil
}

func errorOf(req *http.Request, resp *http.Response) *Error {
	e := &Error{Method: req.Method, URL: req.URL.String(), StatusCode: resp.StatusCode}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		e.Message = fmt.Sprintf("%s (cannot read server message: %s)", StatusCodeRangeOf(resp), err)
		return e
	}
	e.Body = string(body)

	msg := struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}{}
	if json.Unmarshal(body, &msg) == nil {
		e.Code = msg.Code
		e.Message = msg.Message
	}
	if e.Message == "" && e.Body == "" {
		e.Message = StatusCodeRangeOf(resp).String()
	}
	return e
}
