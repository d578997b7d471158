// Package remote talks to a Parley server: the REST API for the message and
// reservation stores, and the websocket endpoint for subscriptions.
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

	"go.uber.org/zap"

	"Parley/internal/errs"
	"Parley/internal/model"
)

const actorHeader = "X-User-Id"

// Client implements the message store and reservation lookup over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// NewClient returns a client for the API served at baseURL, e.g. http://localhost:8080.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("remote")
	return c
}

type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

type messagesBody struct {
	Messages []model.Message `json:"messages"`
}

type messageBody struct {
	Message model.Message `json:"message"`
}

type reservationsBody struct {
	Reservations []model.Reservation `json:"reservations"`
}

func (c *Client) FetchHistory(ctx context.Context, userA, userB string) ([]model.Message, error) {
	q := url.Values{"userA": {userA}, "userB": {userB}}
	var out messagesBody
	if err := c.do(ctx, "fetch history", http.MethodGet, "/api/messages?"+q.Encode(), "", nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *Client) FetchInbox(ctx context.Context, viewer string) ([]model.Message, error) {
	q := url.Values{"viewer": {viewer}}
	var out messagesBody
	if err := c.do(ctx, "fetch inbox", http.MethodGet, "/api/messages/inbox?"+q.Encode(), "", nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *Client) Insert(ctx context.Context, msg model.Message) (model.Message, error) {
	var out messageBody
	if err := c.do(ctx, "send", http.MethodPost, "/api/messages", msg.SenderID, msg, &out); err != nil {
		return model.Message{}, err
	}
	return out.Message, nil
}

func (c *Client) Update(ctx context.Context, actor, id string, fields model.MessageUpdate) (model.Message, error) {
	var out messageBody
	if err := c.do(ctx, "update", http.MethodPatch, "/api/messages/"+url.PathEscape(id), actor, fields, &out); err != nil {
		return model.Message{}, err
	}
	return out.Message, nil
}

func (c *Client) ListReservations(ctx context.Context, userA, userB string) ([]model.Reservation, error) {
	q := url.Values{"userA": {userA}, "userB": {userB}}
	var out reservationsBody
	if err := c.do(ctx, "list reservations", http.MethodGet, "/api/reservations?"+q.Encode(), "", nil, &out); err != nil {
		return nil, err
	}
	return out.Reservations, nil
}

func (c *Client) do(ctx context.Context, op, method, path, actor string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if actor != "" {
		req.Header.Set(actorHeader, actor)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.Transient(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errs.Transient(op, err)
	}

	if resp.StatusCode >= 300 {
		err := decodeError(op, resp.StatusCode, raw)
		c.logger.Debug("request failed", zap.String("op", op), zap.Int("status", resp.StatusCode), zap.Error(err))
		return err
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return errs.Transient(op, fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}

// decodeError turns an error response back into the error taxonomy.
func decodeError(op string, status int, raw []byte) error {
	var body errorBody
	if err := json.Unmarshal(raw, &body); err != nil || body.Code == "" {
		return errs.Transient(op, fmt.Errorf("server returned %d", status))
	}

	switch body.Code {
	case errs.CodeValidation:
		return errs.Validation("", body.Error)
	case errs.CodeAccessDenied:
		return errs.AccessDenied(body.Error)
	case errs.CodePermission:
		return errs.Permission(op, body.Error)
	case errs.CodeNotFound:
		return errs.NotFound(body.Error)
	default:
		return errs.Transient(op, fmt.Errorf("server returned %d: %s", status, body.Error))
	}
}
