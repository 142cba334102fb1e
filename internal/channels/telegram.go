package channels

import (
	"context"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/narrabot/internal/menu"
)

const (
	pollTimeout      = 60 * time.Second
	stallTimeout     = 150 * time.Second
	reconnectMin     = 1 * time.Second
	reconnectMax     = 30 * time.Second
	handlerDeadline  = 30 * time.Second
	maxUpdateWorkers = 8
)

// botClient is the slice of the Telegram API the adapter uses.
type botClient interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(cfg tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Adapter connects the handler to Telegram. It implements
// menu.Transport so the menu surface can send, edit, and delete through
// the same bot connection the update loop uses.
type Adapter struct {
	bot     botClient
	handler *Handler
	logger  *slog.Logger
	sem     chan struct{}
}

func NewAdapter(bot botClient, handler *Handler, logger *slog.Logger, maxWorkers int) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxWorkers <= 0 {
		maxWorkers = maxUpdateWorkers
	}
	return &Adapter{
		bot:     bot,
		handler: handler,
		logger:  logger.With("component", "telegram"),
		sem:     make(chan struct{}, maxWorkers),
	}
}

// Attach sets the handler. The adapter doubles as the menu transport, so
// it is built before the handler; call Attach before Run.
func (a *Adapter) Attach(handler *Handler) {
	a.handler = handler
}

// Connect opens the authenticated bot client.
func Connect(token string) (*tgbotapi.BotAPI, error) {
	return tgbotapi.NewBotAPI(token)
}

// Send implements menu.Transport.
func (a *Adapter) Send(_ context.Context, chatID int64, msg menu.Message) (int, error) {
	m := tgbotapi.NewMessage(chatID, msg.Text)
	if kb, ok := inlineKeyboard(msg.Buttons); ok {
		m.ReplyMarkup = kb
	}
	sent, err := a.bot.Send(m)
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

// Edit implements menu.Transport. A vanished message surfaces as
// menu.ErrMessageNotFound so the manager can fall back to a fresh send.
func (a *Adapter) Edit(_ context.Context, chatID int64, messageID int, msg menu.Message) error {
	var c tgbotapi.Chattable
	if kb, ok := inlineKeyboard(msg.Buttons); ok {
		c = tgbotapi.NewEditMessageTextAndMarkup(chatID, messageID, msg.Text, kb)
	} else {
		c = tgbotapi.NewEditMessageText(chatID, messageID, msg.Text)
	}
	_, err := a.bot.Request(c)
	if err == nil {
		return nil
	}
	if isMessageGone(err) {
		return menu.ErrMessageNotFound
	}
	if strings.Contains(err.Error(), "message is not modified") {
		return nil
	}
	return err
}

// Delete implements menu.Transport.
func (a *Adapter) Delete(_ context.Context, chatID int64, messageID int) error {
	_, err := a.bot.Request(tgbotapi.NewDeleteMessage(chatID, messageID))
	if err == nil {
		return nil
	}
	if isMessageGone(err) {
		return menu.ErrMessageNotFound
	}
	return err
}

func isMessageGone(err error) bool {
	s := err.Error()
	return strings.Contains(s, "message to edit not found") ||
		strings.Contains(s, "message to delete not found") ||
		strings.Contains(s, "message can't be deleted") ||
		strings.Contains(s, "MESSAGE_ID_INVALID")
}

// Run drives the long-poll loop until ctx is cancelled. A stalled
// stream is torn down and reconnected with exponential backoff.
func (a *Adapter) Run(ctx context.Context) error {
	backoff := reconnectMin
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := a.poll(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.logger.Warn("update stream ended, reconnecting",
			"error", err, "backoff", backoff)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// poll consumes one update stream. Returns when the stream closes,
// stalls, or ctx is cancelled.
func (a *Adapter) poll(ctx context.Context) error {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = int(pollTimeout.Seconds())
	updates := a.bot.GetUpdatesChan(cfg)
	defer a.bot.StopReceivingUpdates()

	a.logger.Info("listening for updates")

	stall := time.NewTimer(stallTimeout)
	defer stall.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stall.C:
			return errStreamStalled
		case update, ok := <-updates:
			if !ok {
				return errStreamClosed
			}
			if !stall.Stop() {
				<-stall.C
			}
			stall.Reset(stallTimeout)
			a.dispatch(ctx, update)
		}
	}
}

var (
	errStreamStalled = &streamError{"update stream stalled"}
	errStreamClosed  = &streamError{"update stream closed"}
)

type streamError struct{ msg string }

func (e *streamError) Error() string { return e.msg }

// dispatch fans one update out to the handler. Per-update goroutines
// keep a slow handler from stalling the poll loop; the semaphore caps
// them.
func (a *Adapter) dispatch(ctx context.Context, update tgbotapi.Update) {
	select {
	case a.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	go func() {
		defer func() { <-a.sem }()
		hctx, cancel := context.WithTimeout(ctx, handlerDeadline)
		defer cancel()
		a.handleUpdate(hctx, update)
	}()
}

func (a *Adapter) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if a.handler == nil {
		return
	}
	switch {
	case update.Message != nil && update.Message.IsCommand():
		msg := update.Message
		s := Sender{
			ChatID:      msg.Chat.ID,
			ExternalID:  msg.From.ID,
			DisplayName: displayName(msg.From),
			Language:    msg.From.LanguageCode,
		}
		if err := a.handler.HandleCommand(ctx, s, msg.Command(), msg.CommandArguments()); err != nil {
			a.logger.Debug("command rejected",
				"command", msg.Command(), "chat_id", msg.Chat.ID, "error", err)
		}

	case update.CallbackQuery != nil:
		cb := update.CallbackQuery
		// Acknowledge first so the client stops its spinner.
		if _, err := a.bot.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
			a.logger.Warn("answer callback", "error", err)
		}
		if cb.Message == nil {
			return
		}
		s := Sender{
			ChatID:      cb.Message.Chat.ID,
			ExternalID:  cb.From.ID,
			DisplayName: displayName(cb.From),
			Language:    cb.From.LanguageCode,
		}
		if err := a.handler.HandleCallback(ctx, s, cb.Message.MessageID, cb.Data); err != nil {
			a.logger.Debug("callback rejected",
				"data", cb.Data, "chat_id", s.ChatID, "error", err)
		}
	}
}

func displayName(u *tgbotapi.User) string {
	if u == nil {
		return ""
	}
	name := u.FirstName
	if u.LastName != "" {
		name += " " + u.LastName
	}
	if name == "" {
		name = u.UserName
	}
	return name
}

func inlineKeyboard(buttons [][]menu.Button) (tgbotapi.InlineKeyboardMarkup, bool) {
	if len(buttons) == 0 {
		return tgbotapi.InlineKeyboardMarkup{}, false
	}
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(buttons))
	for _, row := range buttons {
		btns := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			btns = append(btns, tgbotapi.NewInlineKeyboardButtonData(b.Label, b.Data))
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(btns...))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...), true
}
