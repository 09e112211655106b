// Package telegram implements the upstream contracts on the Telegram Bot
// API. The app credential pair forms the bot token, login codes go out as
// chat messages, and channel posts observed by the update feed back
// ListNewItems.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/telesyncapp/telesync/internal/upstream"
)

// maxBufferedItems caps the per-chat item buffer so a channel nobody
// drains cannot grow without bound. Oldest items fall off first.
const maxBufferedItems = 512

// Connector dials Telegram bots for account sessions.
type Connector struct {
	logger *slog.Logger
}

// NewConnector creates a Telegram connector.
func NewConnector(logger *slog.Logger) *Connector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{logger: logger.With(slog.String("service", "telegram"))}
}

// DeliverCode sends the one-time login code as a message to the account's
// chat. The account id must be an @username or a numeric chat id.
func (c *Connector) DeliverCode(ctx context.Context, account upstream.Account, code string) error {
	bot, err := tgbotapi.NewBotAPI(botToken(account))
	if err != nil {
		return fmt.Errorf("telegram auth: %w", err)
	}
	message, err := codeMessage(account.AccountID, fmt.Sprintf("TeleSync login code: %s", code))
	if err != nil {
		return err
	}
	if _, err := bot.Send(message); err != nil {
		return fmt.Errorf("send login code: %w", err)
	}
	c.logger.Info("login code delivered", slog.String("account_id", account.AccountID))
	return nil
}

// Connect validates the bot token and starts the update feed. The
// returned client buffers channel posts until the monitor drains them.
func (c *Connector) Connect(ctx context.Context, account upstream.Account) (upstream.Client, error) {
	bot, err := tgbotapi.NewBotAPI(botToken(account))
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	client := newClient(c.logger, bot)
	client.start()
	c.logger.Info("session opened",
		slog.String("account_id", account.AccountID),
		slog.String("bot_username", bot.Self.UserName))
	return client, nil
}

func botToken(account upstream.Account) string {
	return account.AppID + ":" + account.AppSecret
}

func codeMessage(accountID, text string) (tgbotapi.MessageConfig, error) {
	accountID = strings.TrimSpace(accountID)
	if strings.HasPrefix(accountID, "@") {
		return tgbotapi.NewMessageToChannel(accountID, text), nil
	}
	chatID, err := strconv.ParseInt(accountID, 10, 64)
	if err != nil {
		return tgbotapi.MessageConfig{}, fmt.Errorf("telegram account must be @username or chat_id")
	}
	return tgbotapi.NewMessage(chatID, text), nil
}

// Client is one live bot session. A goroutine feeds video posts from the
// update channel into per-chat buffers; ListNewItems drains them. Close
// stops the feed only, so fetches started before or after keep working.
type Client struct {
	logger *slog.Logger
	bot    *tgbotapi.BotAPI
	http   *http.Client

	mu      sync.Mutex
	items   map[int64][]upstream.Item
	aliases map[string]int64

	closeOnce sync.Once
}

func newClient(logger *slog.Logger, bot *tgbotapi.BotAPI) *Client {
	return &Client{
		logger:  logger,
		bot:     bot,
		http:    &http.Client{Timeout: 10 * time.Minute},
		items:   map[int64][]upstream.Item{},
		aliases: map[string]int64{},
	}
}

func (c *Client) start() {
	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 30
	updates := c.bot.GetUpdatesChan(updateConfig)
	go func() {
		// The channel closes after StopReceivingUpdates.
		for update := range updates {
			post := update.ChannelPost
			if post == nil || post.Chat == nil {
				continue
			}
			item, ok := itemFromMessage(post)
			if !ok {
				continue
			}
			c.bufferItem(post.Chat, item)
		}
		if c.logger != nil {
			c.logger.Info("update feed closed")
		}
	}()
}

// ListNewItems drains the channel's buffered posts and returns the ones
// posted after since. A source ref the feed has not seen yet resolves to
// nothing rather than an error; the next scan tries again.
func (c *Client) ListNewItems(ctx context.Context, sourceRef string, since time.Time) ([]upstream.Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	chatID, ok := c.resolveRef(sourceRef)
	if !ok {
		return nil, nil
	}
	pending := c.items[chatID]
	if len(pending) == 0 {
		return nil, nil
	}
	delete(c.items, chatID)

	fresh := make([]upstream.Item, 0, len(pending))
	for _, item := range pending {
		if item.PostedAt.After(since) {
			fresh = append(fresh, item)
		}
	}
	return fresh, nil
}

// Fetch resolves the item's file handle to a direct download URL and
// streams the HTTP body.
func (c *Client) Fetch(ctx context.Context, sourceRef string, item upstream.Item) (io.ReadCloser, error) {
	if strings.TrimSpace(item.FetchRef) == "" {
		return nil, fmt.Errorf("item %s carries no file handle", item.Ref)
	}
	url, err := c.bot.GetFileDirectURL(item.FetchRef)
	if err != nil {
		return nil, fmt.Errorf("resolve file url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("download file: unexpected status %s", resp.Status)
	}
	return resp.Body, nil
}

// Close stops the update feed. Idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.bot.StopReceivingUpdates()
	})
	return nil
}

func (c *Client) bufferItem(chat *tgbotapi.Chat, item upstream.Item) {
	c.mu.Lock()
	defer c.mu.Unlock()

	buffered := append(c.items[chat.ID], item)
	if len(buffered) > maxBufferedItems {
		buffered = buffered[len(buffered)-maxBufferedItems:]
	}
	c.items[chat.ID] = buffered
	if chat.UserName != "" {
		c.aliases["@"+strings.ToLower(chat.UserName)] = chat.ID
	}
}

// resolveRef maps a user-facing source ref onto the chat id the feed
// buffers under. Callers hold c.mu.
func (c *Client) resolveRef(sourceRef string) (int64, bool) {
	ref := normalizeRef(sourceRef)
	if ref == "" {
		return 0, false
	}
	if chatID, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return chatID, true
	}
	chatID, ok := c.aliases[ref]
	return chatID, ok
}

// normalizeRef lowercases the ref and ensures handle-style refs carry the
// @ prefix. Numeric chat ids pass through untouched.
func normalizeRef(ref string) string {
	ref = strings.ToLower(strings.TrimSpace(ref))
	if ref == "" || strings.HasPrefix(ref, "@") {
		return ref
	}
	if _, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return ref
	}
	return "@" + ref
}

// itemFromMessage extracts a downloadable video from a channel post:
// either a native video or a document with a video MIME. Everything else
// is skipped.
func itemFromMessage(msg *tgbotapi.Message) (upstream.Item, bool) {
	var (
		fileID   string
		filename string
		mime     string
		size     int64
	)
	switch {
	case msg.Video != nil:
		fileID = msg.Video.FileID
		filename = msg.Video.FileName
		mime = msg.Video.MimeType
		size = int64(msg.Video.FileSize)
	case msg.Document != nil && strings.HasPrefix(msg.Document.MimeType, "video/"):
		fileID = msg.Document.FileID
		filename = msg.Document.FileName
		mime = msg.Document.MimeType
		size = int64(msg.Document.FileSize)
	default:
		return upstream.Item{}, false
	}

	if strings.TrimSpace(filename) == "" {
		filename = fmt.Sprintf("video-%d.mp4", msg.MessageID)
	}
	if strings.TrimSpace(mime) == "" {
		mime = "video/mp4"
	}
	title := strings.TrimSpace(msg.Caption)
	if title == "" {
		title = filename
	}
	return upstream.Item{
		Ref:         fmt.Sprintf("msg-%d", msg.MessageID),
		FetchRef:    fileID,
		Title:       title,
		Filename:    filename,
		ContentType: mime,
		ByteSize:    size,
		PostedAt:    time.Unix(int64(msg.Date), 0).UTC(),
	}, true
}
