package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ThatCatDev/tanrenai/pocket/internal/engine"
)

// Client is an HTTP client for a llama-server instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

// ChatStream sends a streaming chat completion and calls onToken for every
// content delta. It returns the concatenated text and the final timings.
func (c *Client) ChatStream(ctx context.Context, req engine.Request, onToken func(string)) (*engine.Result, error) {
	resp, err := c.post(ctx, "/v1/chat/completions", newChatRequest(req))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var (
		text    strings.Builder
		timings engine.Timings
	)
	err = readStream(resp.Body, func(chunk chatChunk) error {
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			text.WriteString(choice.Delta.Content)
			if onToken != nil {
				onToken(choice.Delta.Content)
			}
		}
		if chunk.Timings != nil {
			timings = *chunk.Timings
		}
		return nil
	})
	res := &engine.Result{Text: text.String(), Timings: timings}
	if err != nil {
		return res, fmt.Errorf("read stream: %w", err)
	}
	return res, nil
}

// Tokenize returns the token ids of text. Special tokens in text are parsed.
func (c *Client) Tokenize(ctx context.Context, text string) ([]int, error) {
	var out tokenizeResponse
	if err := c.call(ctx, "/tokenize", tokenizeRequest{Content: text, ParseSpecial: true}, &out); err != nil {
		return nil, err
	}
	return out.Tokens, nil
}

// Detokenize converts token ids back to text.
func (c *Client) Detokenize(ctx context.Context, tokens []int) (string, error) {
	var out detokenizeResponse
	if err := c.call(ctx, "/detokenize", detokenizeRequest{Tokens: tokens}, &out); err != nil {
		return "", err
	}
	return out.Content, nil
}

// Health returns nil once the server has loaded its model.
func (c *Client) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.do(httpReq)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Props fetches the server's model properties.
func (c *Client) Props(ctx context.Context) (*propsResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/props", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out propsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode props: %w", err)
	}
	return &out, nil
}

func (c *Client) call(ctx context.Context, path string, body, out any) error {
	resp, err := c.post(ctx, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return c.do(httpReq)
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("llama-server returned %d: %s", resp.StatusCode, string(respBody))
	}
	return resp, nil
}
