package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const TelegramAPIURL = "https://api.telegram.org"

var (
	// ErrMessageNotEditable сообщение удалено или слишком старое для редактирования
	ErrMessageNotEditable = errors.New("message can not be edited")
	ErrNotConfigured      = errors.New("telegram bot token is not configured")
)

// Button inline-кнопка с callback data
type Button struct {
	Text string `json:"text"`
	Data string `json:"callback_data"`
}

// Notifier канал уведомлений пользователя: отправка и правка текстовых сообщений
type Notifier interface {
	Send(ctx context.Context, chatID int64, text string, buttons ...[]Button) (int64, error)
	Edit(ctx context.Context, chatID, messageID int64, text string, buttons ...[]Button) error
	Delete(ctx context.Context, chatID, messageID int64) error
}

// TelegramClient минимальный клиент Bot API
type TelegramClient struct {
	baseURL string
	token   string
	client  *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

func NewTelegramClient(baseURL, token string, logger zerolog.Logger) *TelegramClient {
	if baseURL == "" {
		baseURL = TelegramAPIURL
	}
	return &TelegramClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
		// Bot API допускает около 30 сообщений в секунду на бота
		limiter: rate.NewLimiter(rate.Limit(25), 5),
		logger:  logger.With().Str("component", "TelegramClient").Logger(),
	}
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

// APIError ответ Bot API с ok=false
type APIError struct {
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram api error %d: %s", e.Code, e.Description)
}

func (c *TelegramClient) call(ctx context.Context, method string, payload map[string]any) (json.RawMessage, error) {
	if c.token == "" {
		return nil, ErrNotConfigured
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", method, err)
	}
	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("telegram %s: status %d: %w", method, resp.StatusCode, err)
	}
	if !out.OK {
		return nil, &APIError{Code: out.ErrorCode, Description: out.Description}
	}
	return out.Result, nil
}

func keyboard(buttons [][]Button) map[string]any {
	return map[string]any{"inline_keyboard": buttons}
}

// Send отправляет сообщение и возвращает его id
func (c *TelegramClient) Send(ctx context.Context, chatID int64, text string, buttons ...[]Button) (int64, error) {
	payload := map[string]any{
		"chat_id":                  chatID,
		"text":                     text,
		"disable_web_page_preview": true,
	}
	if len(buttons) > 0 {
		payload["reply_markup"] = keyboard(buttons)
	}
	raw, err := c.call(ctx, "sendMessage", payload)
	if err != nil {
		return 0, err
	}
	var msg struct {
		MessageID int64 `json:"message_id"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return 0, fmt.Errorf("failed to decode sendMessage result: %w", err)
	}
	return msg.MessageID, nil
}

// Edit заменяет текст сообщения. Тот же текст считается успехом.
func (c *TelegramClient) Edit(ctx context.Context, chatID, messageID int64, text string, buttons ...[]Button) error {
	if messageID == 0 {
		return ErrMessageNotEditable
	}
	payload := map[string]any{
		"chat_id":                  chatID,
		"message_id":               messageID,
		"text":                     text,
		"disable_web_page_preview": true,
	}
	if len(buttons) > 0 {
		payload["reply_markup"] = keyboard(buttons)
	}
	_, err := c.call(ctx, "editMessageText", payload)
	switch {
	case err == nil:
		return nil
	case isNotModified(err):
		return nil
	case isNotEditable(err):
		return fmt.Errorf("%w: %v", ErrMessageNotEditable, err)
	default:
		return err
	}
}

// Delete удаляет сообщение; уже удалённое считается успехом
func (c *TelegramClient) Delete(ctx context.Context, chatID, messageID int64) error {
	_, err := c.call(ctx, "deleteMessage", map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
	})
	if err != nil && isNotEditable(err) {
		c.logger.Debug().Int64("chat_id", chatID).Int64("message_id", messageID).Msg("message already gone")
		return nil
	}
	return err
}

func description(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return strings.ToLower(apiErr.Description)
	}
	return ""
}

func isNotModified(err error) bool {
	return strings.Contains(description(err), "message is not modified")
}

func isNotEditable(err error) bool {
	d := description(err)
	return strings.Contains(d, "message to edit not found") ||
		strings.Contains(d, "message can't be edited") ||
		strings.Contains(d, "message to delete not found") ||
		strings.Contains(d, "message can't be deleted")
}

// LogNotifier пишет уведомления в лог, когда бот не настроен
type LogNotifier struct {
	logger zerolog.Logger
	nextID atomic.Int64
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "LogNotifier").Logger()}
}

func (n *LogNotifier) Send(_ context.Context, chatID int64, text string, _ ...[]Button) (int64, error) {
	id := n.nextID.Add(1)
	n.logger.Info().Int64("chat_id", chatID).Int64("message_id", id).Str("text", text).Msg("send")
	return id, nil
}

func (n *LogNotifier) Edit(_ context.Context, chatID, messageID int64, text string, _ ...[]Button) error {
	n.logger.Info().Int64("chat_id", chatID).Int64("message_id", messageID).Str("text", text).Msg("edit")
	return nil
}

func (n *LogNotifier) Delete(_ context.Context, chatID, messageID int64) error {
	n.logger.Info().Int64("chat_id", chatID).Int64("message_id", messageID).Msg("delete")
	return nil
}
