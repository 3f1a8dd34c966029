// Package telegramhttp talks to the Telegram Bot API over plain HTTPS.
package telegramhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BearBump/StationQueue/internal/integrations/messenger"
	"github.com/BearBump/StationQueue/internal/models"
	"github.com/pkg/errors"
)

const DefaultBaseURL = "https://api.telegram.org"

type Client struct {
	baseURL     string
	token       string
	httpc       *http.Client
	pollTimeout time.Duration
	retryDelay  time.Duration
	offset      int64
}

func New(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		token:       token,
		pollTimeout: 30 * time.Second,
		retryDelay:  2 * time.Second,
	}
	c.httpc = &http.Client{Timeout: c.pollTimeout + 10*time.Second}
	return c
}

// WithPolling sets the long-poll timeout of getUpdates and the pause after a failed poll.
func (c *Client) WithPolling(timeout, retryDelay time.Duration) *Client {
	if timeout > 0 {
		c.pollTimeout = timeout
		c.httpc.Timeout = timeout + 10*time.Second
	}
	if retryDelay > 0 {
		c.retryDelay = retryDelay
	}
	return c
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
}

// APIError is a non-ok Bot API reply.
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

func (c *Client) call(ctx context.Context, method string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal request")
	}

	endpoint := c.baseURL + "/bot" + c.token + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		// url.Error prints the endpoint, which carries the token
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return errors.Wrapf(err, "telegram %s", method)
	}
	defer resp.Body.Close()

	var r apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return errors.Wrapf(err, "decode %s (http %d)", method, resp.StatusCode)
	}
	if !r.OK {
		return &APIError{Method: method, Code: r.ErrorCode, Description: r.Description}
	}
	if out != nil {
		if err := json.Unmarshal(r.Result, out); err != nil {
			return errors.Wrapf(err, "decode %s result", method)
		}
	}
	return nil
}

type keyboardButton struct {
	Text string `json:"text"`
}

type replyMarkup struct {
	Keyboard       [][]keyboardButton `json:"keyboard,omitempty"`
	ResizeKeyboard bool               `json:"resize_keyboard,omitempty"`
	RemoveKeyboard bool               `json:"remove_keyboard,omitempty"`
}

type sendMessageReq struct {
	ChatID      int64        `json:"chat_id"`
	Text        string       `json:"text"`
	ParseMode   string       `json:"parse_mode,omitempty"`
	ReplyMarkup *replyMarkup `json:"reply_markup,omitempty"`
}

type editMessageReq struct {
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

type message struct {
	MessageID int64 `json:"message_id"`
	From      *struct {
		ID        int64  `json:"id"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
		Username  string `json:"username"`
	} `json:"from"`
	Chat struct {
		ID int64 `json:"id"`
	} `json:"chat"`
	Text     string `json:"text"`
	Location *struct {
		Latitude   float64 `json:"latitude"`
		Longitude  float64 `json:"longitude"`
		LivePeriod int     `json:"live_period"`
	} `json:"location"`
}

type update struct {
	UpdateID      int64    `json:"update_id"`
	Message       *message `json:"message"`
	EditedMessage *message `json:"edited_message"`
}

func (c *Client) Send(ctx context.Context, chatID int64, msg messenger.Outgoing) (int64, error) {
	req := sendMessageReq{ChatID: chatID, Text: msg.Text}
	if msg.HTML {
		req.ParseMode = "HTML"
	}
	switch {
	case msg.RemoveKeyboard:
		req.ReplyMarkup = &replyMarkup{RemoveKeyboard: true}
	case len(msg.Keyboard) > 0:
		rm := &replyMarkup{ResizeKeyboard: true}
		for _, row := range msg.Keyboard {
			var r []keyboardButton
			for _, label := range row {
				r = append(r, keyboardButton{Text: label})
			}
			rm.Keyboard = append(rm.Keyboard, r)
		}
		req.ReplyMarkup = rm
	}

	var sent message
	if err := c.call(ctx, "sendMessage", req, &sent); err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

// Edit maps "message is not modified" to messenger.ErrUnchanged.
func (c *Client) Edit(ctx context.Context, chatID, messageID int64, text string) error {
	err := c.call(ctx, "editMessageText", editMessageReq{
		ChatID: chatID, MessageID: messageID, Text: text, ParseMode: "HTML",
	}, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && strings.Contains(apiErr.Description, "message is not modified") {
		return messenger.ErrUnchanged
	}
	return err
}

// Receive long-polls getUpdates until ctx is done. A failing handler is logged and the
// update is still acknowledged.
func (c *Client) Receive(ctx context.Context, h messenger.Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var updates []update
		err := c.call(ctx, "getUpdates", map[string]any{
			"offset":          c.offset,
			"timeout":         int(c.pollTimeout / time.Second),
			"allowed_updates": []string{"message", "edited_message"},
		}, &updates)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("telegram get updates", "error", err.Error())
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay):
			}
			continue
		}

		for _, u := range updates {
			c.offset = u.UpdateID + 1
			ev, ok := toEvent(u)
			if !ok {
				continue
			}
			if err := h(ctx, ev); err != nil {
				slog.Error("handle telegram update", "update_id", u.UpdateID, "kind", ev.Kind, "chat_id", ev.ChatID, "error", err.Error())
			}
		}
	}
}

func toEvent(u update) (messenger.Event, bool) {
	if m := u.EditedMessage; m != nil {
		if m.Location == nil {
			return messenger.Event{}, false
		}
		return messenger.Event{
			Kind:        messenger.KindLiveLocationUpdate,
			ChatID:      m.Chat.ID,
			DisplayName: displayName(m),
			Position:    models.Coordinate{Lat: m.Location.Latitude, Lon: m.Location.Longitude},
		}, true
	}

	m := u.Message
	if m == nil {
		return messenger.Event{}, false
	}
	ev := messenger.Event{ChatID: m.Chat.ID, DisplayName: displayName(m)}

	switch {
	case m.Location != nil:
		ev.Position = models.Coordinate{Lat: m.Location.Latitude, Lon: m.Location.Longitude}
		ev.Kind = messenger.KindStaticLocation
		if m.Location.LivePeriod > 0 {
			ev.Kind = messenger.KindLiveLocationStart
		}
	case m.Text == "/start" || strings.HasPrefix(m.Text, "/start "):
		ev.Kind = messenger.KindStart
	default:
		k, ok := messenger.KindForButton(strings.TrimSpace(m.Text))
		if !ok {
			return messenger.Event{}, false
		}
		ev.Kind = k
	}
	return ev, true
}

func displayName(m *message) string {
	if m.From == nil {
		return ""
	}
	name := strings.TrimSpace(m.From.FirstName + " " + m.From.LastName)
	if name == "" {
		name = m.From.Username
	}
	return name
}
