package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/msageha/conduit/internal/httpx"
)

// Client is a minimal Bot API client. Requests go through the retrying
// HTTP helper, which honors Telegram's retry_after flood hints.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *httpx.Client
}

func NewClient(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    httpx.NewClient(20 * time.Second),
	}
}

// SendMessage posts a plain-text message to a chat.
func (c *Client) SendMessage(ctx context.Context, chatID, text string) error {
	payload, err := json.Marshal(map[string]string{
		"chat_id": chatID,
		"text":    text,
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", c.BaseURL, c.Token)
	header := http.Header{"Content-Type": []string{"application/json"}}
	resp, err := c.HTTP.Do(ctx, http.MethodPost, url, header, payload)
	if err != nil {
		return fmt.Errorf("sendMessage: %w", err)
	}

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return fmt.Errorf("sendMessage: status %d: unparseable response", resp.StatusCode)
	}
	if !result.OK {
		return fmt.Errorf("sendMessage: status %d: %s", resp.StatusCode, result.Description)
	}
	return nil
}
