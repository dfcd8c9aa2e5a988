// Package gateway is the HTTP client for the messaging bridge that owns the
// chat session. Pairing, reconnects and inbound decoding live in the bridge;
// this side only reads session status and sends messages.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"songflow/internal/config"
	"songflow/internal/domain"
	"songflow/internal/ports"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

const StateOpen = "open"

type Client struct {
	baseURL   string
	token     string
	richMedia bool
	http      *http.Client

	mu   sync.RWMutex
	last *ports.GatewayStatus
}

var _ ports.Gateway = (*Client)(nil)

// New builds a client. Per-call deadlines come from the caller's context.
func New(cfg config.Gateway) *Client {
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		token:     cfg.Token,
		richMedia: cfg.RichMedia,
		http:      &http.Client{},
	}
}

// Connect reads the session status once so SupportsRichMedia reflects the
// live session.
func (c *Client) Connect(ctx context.Context) error {
	st, err := c.Status(ctx)
	if err != nil {
		return err
	}
	log.Ctx(ctx).Info().Str("state", st.State).Bool("rich_media", st.RichMedia).Msg("messaging gateway session")
	return nil
}

// Logout drops the bridge session; a new QR pairing is required afterwards.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "/session/logout", nil, nil); err != nil {
		return err
	}
	c.mu.Lock()
	c.last = nil
	c.mu.Unlock()
	return nil
}

func (c *Client) Status(ctx context.Context) (ports.GatewayStatus, error) {
	var st ports.GatewayStatus
	if err := c.do(ctx, http.MethodGet, "/session/status", nil, &st); err != nil {
		return ports.GatewayStatus{}, err
	}
	st.RichMedia = st.RichMedia && c.richMedia
	if st.State != "" && st.State != StateOpen && st.QR == "" {
		log.Ctx(ctx).Warn().Str("state", st.State).Msg("gateway session not open and no QR available")
	}

	c.mu.Lock()
	c.last = &st
	c.mu.Unlock()
	return st, nil
}

// SupportsRichMedia follows configuration until a status has been read,
// then the live session.
func (c *Client) SupportsRichMedia() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last == nil {
		return c.richMedia
	}
	return c.last.RichMedia
}

type sendRequest struct {
	Phone string             `json:"phone"`
	Text  string             `json:"text,omitempty"`
	URL   string             `json:"url,omitempty"`
	Kind  domain.PayloadKind `json:"kind,omitempty"`
}

func (c *Client) SendText(ctx context.Context, phone, text string) error {
	return c.do(ctx, http.MethodPost, "/messages/text", sendRequest{Phone: phone, Text: text}, nil)
}

func (c *Client) SendAudio(ctx context.Context, phone, url string) error {
	return c.do(ctx, http.MethodPost, "/messages/audio", sendRequest{Phone: phone, URL: url}, nil)
}

func (c *Client) SendMedia(ctx context.Context, phone string, kind domain.PayloadKind, url string) error {
	return c.do(ctx, http.MethodPost, "/messages/media", sendRequest{Phone: phone, URL: url, Kind: kind}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("%s %s: http %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
