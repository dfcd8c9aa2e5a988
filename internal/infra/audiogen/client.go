// Package audiogen talks to the song-generation provider. Submissions return
// a task id right away; the rendered song arrives later on the callback
// endpoint.
package audiogen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"songflow/internal/config"
	"songflow/internal/ports"
	"strings"
)

type Client struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
}

var _ ports.AudioGenerator = (*Client)(nil)

func New(cfg config.AudioGen) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

type generateRequest struct {
	CustomMode   bool   `json:"customMode"`
	Instrumental bool   `json:"instrumental"`
	Model        string `json:"model"`
	Title        string `json:"title"`
	Style        string `json:"style"`
	Prompt       string `json:"prompt"`
	CallbackURL  string `json:"callBackUrl"`
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (c *Client) Start(ctx context.Context, req ports.GenerationRequest) (string, error) {
	body, err := json.Marshal(generateRequest{
		CustomMode:  true,
		Model:       c.model,
		Title:       req.Title,
		Style:       req.Style,
		Prompt:      req.Lyrics,
		CallbackURL: req.CallbackURL,
	})
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("generate request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read generate response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("generate: http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("decode generate response: %w", err)
	}
	if env.Code != http.StatusOK {
		return "", fmt.Errorf("generate: provider code %d: %s", env.Code, env.Msg)
	}
	var data struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return "", fmt.Errorf("decode generate data: %w", err)
	}
	if data.TaskID == "" {
		return "", fmt.Errorf("generate: response without task id")
	}
	return data.TaskID, nil
}

// Callback is the provider's completion notice reduced to what the pipeline
// needs.
type Callback struct {
	TaskID    string
	Final     bool
	Succeeded bool
	AudioURL  string
	Error     string
}

type callbackData struct {
	CallbackType string `json:"callbackType"`
	TaskID       string `json:"task_id"`
	Data         []struct {
		AudioURL       string `json:"audio_url"`
		SourceAudioURL string `json:"source_audio_url"`
	} `json:"data"`
}

// ParseCallback decodes a callback body. Intermediate notices (lyrics ready,
// first track streaming) come back with Final unset and should be
// acknowledged without touching the job.
func ParseCallback(r io.Reader) (Callback, error) {
	var env envelope
	if err := json.NewDecoder(io.LimitReader(r, 1<<20)).Decode(&env); err != nil {
		return Callback{}, fmt.Errorf("decode callback: %w", err)
	}
	var data callbackData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return Callback{}, fmt.Errorf("decode callback data: %w", err)
		}
	}
	if data.TaskID == "" {
		return Callback{}, fmt.Errorf("callback without task id")
	}

	cb := Callback{TaskID: data.TaskID}
	switch {
	case env.Code != http.StatusOK || data.CallbackType == "error":
		cb.Final = true
		cb.Error = env.Msg
		if cb.Error == "" {
			cb.Error = fmt.Sprintf("provider code %d", env.Code)
		}
	case data.CallbackType == "complete":
		cb.Final = true
		for _, track := range data.Data {
			if u := firstNonEmpty(track.AudioURL, track.SourceAudioURL); u != "" {
				cb.AudioURL = u
				break
			}
		}
		cb.Succeeded = cb.AudioURL != ""
		if !cb.Succeeded {
			cb.Error = "completed without audio"
		}
	}
	return cb, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
