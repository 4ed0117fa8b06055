package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const telegramAPI = "https://api.telegram.org"

// maxMessageLen is Telegram's limit for one text message.
const maxMessageLen = 4096

type TelegramSink struct {
	Token      string
	ChatID     string
	BaseURL    string
	HTTPClient *http.Client
}

func NewTelegramSink(token, chatID string) *TelegramSink {
	return &TelegramSink{
		Token:      token,
		ChatID:     chatID,
		BaseURL:    telegramAPI,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type telegramMessage struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type telegramReply struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (t *TelegramSink) Notify(ctx context.Context, e Event) error {
	text := Format(e)
	if r := []rune(text); len(r) > maxMessageLen {
		text = string(r[:maxMessageLen-1]) + "…"
	}
	body, err := json.Marshal(telegramMessage{ChatID: t.ChatID, Text: text})
	if err != nil {
		return fmt.Errorf("failed to marshal telegram message: %w", err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.BaseURL, t.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := t.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		// the URL contains the bot token
		return fmt.Errorf("failed to send telegram message: %w", redactURLError(err))
	}
	defer resp.Body.Close()

	var reply telegramReply
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, &reply)

	if resp.StatusCode != http.StatusOK || !reply.OK {
		return fmt.Errorf("telegram returned status %d: %s", resp.StatusCode, reply.Description)
	}
	return nil
}

func redactURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}
