// Package summary generates a condensed meeting summary from a finalized
// transcript. One stateless request per call; retries are the caller's
// discretion.
package summary

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Failure codes for summary generation.
const (
	FailNotConfigured = "not-configured"
	FailProviderError = "provider-error"
	FailTimeout       = "timeout"
)

const defaultPrompt = "Summarize this meeting transcript. Lead with the key decisions, then action items, then a short recap of the discussion."

// Error is a structured summary failure.
type Error struct {
	Code string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("summary %s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Config holds the text-generation provider settings.
type Config struct {
	Endpoint string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

// Client issues summary requests to a chat-completions style endpoint.
type Client struct {
	cfg Config
	hc  *http.Client
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Client{
		cfg: cfg,
		hc:  &http.Client{Timeout: cfg.Timeout},
	}
}

// Configured reports whether the client can issue requests at all.
func (c *Client) Configured() bool {
	return c.cfg.Endpoint != "" && c.cfg.APIKey != ""
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Summarize sends the full transcript (and an optional custom instruction)
// and returns the summary text, or an *Error with a failure code.
func (c *Client) Summarize(ctx context.Context, transcript, instruction string) (string, error) {
	if !c.Configured() {
		return "", &Error{Code: FailNotConfigured, Err: errors.New("summary provider endpoint or credential missing")}
	}
	if strings.TrimSpace(transcript) == "" {
		return "", &Error{Code: FailProviderError, Err: errors.New("empty transcript")}
	}

	prompt := defaultPrompt
	if instruction != "" {
		prompt = instruction
	}

	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: prompt},
			{Role: "user", Content: transcript},
		},
	})
	if err != nil {
		return "", &Error{Code: FailProviderError, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", &Error{Code: FailProviderError, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.hc.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return "", &Error{Code: FailTimeout, Err: err}
		}
		return "", &Error{Code: FailProviderError, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &Error{Code: FailProviderError, Err: fmt.Errorf("http %d: %s", resp.StatusCode, string(b))}
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &Error{Code: FailProviderError, Err: fmt.Errorf("malformed response: %w", err)}
	}
	if len(out.Choices) == 0 {
		return "", &Error{Code: FailProviderError, Err: errors.New("response contained no choices")}
	}

	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
