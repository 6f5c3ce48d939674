package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// maxAlbumSize is the Bot API limit on photos per media group.
const maxAlbumSize = 10

// TelegramTransport opens Bot API sessions for a single bot token.
type TelegramTransport struct {
	token    string
	endpoint string
	timeout  time.Duration
}

func NewTelegramTransport(token string) *TelegramTransport {
	return &TelegramTransport{
		token:    token,
		endpoint: tgbotapi.APIEndpoint,
		timeout:  30 * time.Second,
	}
}

// WithEndpoint overrides the Bot API endpoint format ("https://host/bot%s/%s").
func (t *TelegramTransport) WithEndpoint(endpoint string) *TelegramTransport {
	if endpoint != "" {
		t.endpoint = endpoint
	}
	return t
}

// WithTimeout sets the per-request timeout of each session.
func (t *TelegramTransport) WithTimeout(d time.Duration) *TelegramTransport {
	if d > 0 {
		t.timeout = d
	}
	return t
}

// Open creates a session with its own HTTP client and connection pool.
func (t *TelegramTransport) Open(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client := &http.Client{
		Timeout:   t.timeout,
		Transport: http.DefaultTransport.(*http.Transport).Clone(),
	}
	doer := &ctxDoer{client: client, ctx: ctx}
	bot := &tgbotapi.BotAPI{
		Token:  t.token,
		Client: doer,
		Buffer: 100,
	}
	bot.SetAPIEndpoint(t.endpoint)
	return &telegramSession{bot: bot, client: client, doer: doer}, nil
}

// Ping resolves the bot identity with getMe.
func (t *TelegramTransport) Ping() (string, error) {
	client := &http.Client{Timeout: t.timeout}
	defer client.CloseIdleConnections()

	bot, err := tgbotapi.NewBotAPIWithClient(t.token, t.endpoint, client)
	if err != nil {
		return "", wrapSendError(err)
	}
	return bot.Self.UserName, nil
}

// ctxDoer binds outgoing Bot API requests to the current call's context.
type ctxDoer struct {
	client *http.Client
	ctx    context.Context
}

func (d *ctxDoer) Do(req *http.Request) (*http.Response, error) {
	return d.client.Do(req.WithContext(d.ctx))
}

type telegramSession struct {
	bot    *tgbotapi.BotAPI
	client *http.Client
	doer   *ctxDoer
}

func (s *telegramSession) SendText(ctx context.Context, chatID, text string) error {
	s.doer.ctx = ctx
	msg := tgbotapi.NewMessage(0, text)
	msg.BaseChat = baseChat(chatID)
	_, err := s.bot.Send(msg)
	return wrapSendError(err)
}

func (s *telegramSession) SendPhoto(ctx context.Context, chatID string, photo Media, caption string) error {
	s.doer.ctx = ctx
	cfg := tgbotapi.NewPhoto(0, fileData(photo))
	cfg.BaseChat = baseChat(chatID)
	cfg.Caption = caption
	_, err := s.bot.Send(cfg)
	return wrapSendError(err)
}

// SendAlbum sends items as media groups of at most ten photos. A trailing
// single photo is sent on its own.
func (s *telegramSession) SendAlbum(ctx context.Context, chatID string, items []AlbumItem) error {
	s.doer.ctx = ctx
	for start := 0; start < len(items); start += maxAlbumSize {
		end := start + maxAlbumSize
		if end > len(items) {
			end = len(items)
		}
		chunk := items[start:end]

		if len(chunk) == 1 {
			if err := s.SendPhoto(ctx, chatID, chunk[0].Media, chunk[0].Caption); err != nil {
				return err
			}
			continue
		}

		media := make([]interface{}, 0, len(chunk))
		for _, item := range chunk {
			photo := tgbotapi.NewInputMediaPhoto(fileData(item.Media))
			photo.Caption = item.Caption
			media = append(media, photo)
		}
		cfg := tgbotapi.NewMediaGroup(0, media)
		target := baseChat(chatID)
		cfg.ChatID = target.ChatID
		cfg.ChannelUsername = target.ChannelUsername

		if _, err := s.bot.SendMediaGroup(cfg); err != nil {
			return wrapSendError(err)
		}
	}
	return nil
}

func (s *telegramSession) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// baseChat addresses numeric chat ids directly and anything else as a
// channel username.
func baseChat(chatID string) tgbotapi.BaseChat {
	if id, err := strconv.ParseInt(chatID, 10, 64); err == nil {
		return tgbotapi.BaseChat{ChatID: id}
	}
	return tgbotapi.BaseChat{ChannelUsername: chatID}
}

func fileData(m Media) tgbotapi.RequestFileData {
	if m.URL != "" {
		return tgbotapi.FileURL(m.URL)
	}
	return tgbotapi.FilePath(m.Path)
}

func wrapSendError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return &SendError{
			Code:       apiErr.Code,
			RetryAfter: apiErr.RetryAfter,
			Err:        errors.New(apiErr.Message),
		}
	}
	return &SendError{Err: fmt.Errorf("request: %w", err)}
}
