package alert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
)

const DefaultTelegramURL = "https://api.telegram.org"

// Telegram posts alerts to one chat through the Bot API.
type Telegram struct {
	token   string
	chatID  string
	baseURL string
	client  *http.Client
}

func NewTelegram(token, chatID, baseURL string, timeout time.Duration) (*Telegram, error) {
	token = strings.TrimSpace(token)
	chatID = strings.TrimSpace(chatID)
	if token == "" || chatID == "" {
		return nil, errors.New("telegram bot token and chat id required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultTelegramURL
	}
	return &Telegram{token: token, chatID: chatID, baseURL: baseURL, client: &http.Client{Timeout: timeout}}, nil
}

type sendMessage struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type sendMessageResult struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (t *Telegram) Notify(ctx context.Context, msg string) error {
	body, err := json.Marshal(sendMessage{ChatID: t.chatID, Text: msg})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/bot"+t.token+"/sendMessage", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("telegram status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var res sendMessageResult
	if len(raw) == 0 || json.Unmarshal(raw, &res) != nil {
		return nil
	}
	if !res.OK {
		return fmt.Errorf("telegram api error: %s", strings.TrimSpace(res.Description))
	}
	return nil
}

// LogNotifier writes alerts to a logger; used when no Telegram chat is configured.
type LogNotifier struct {
	Log logrus.FieldLogger
}

func (n LogNotifier) Notify(_ context.Context, msg string) error {
	if n.Log != nil {
		n.Log.WithField("event", "alert").Warn(msg)
	}
	return nil
}
