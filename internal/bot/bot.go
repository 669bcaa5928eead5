// Package bot is the Telegram front end: it collects media and a
// schedule time from the account owners, manages drafts, and exposes
// the /list, /cancel, /status and /code commands.
package bot

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	tele "gopkg.in/telebot.v4"

	"github.com/ZacoFunKy/Instagram-Story-Programmation/internal/store"
)

// Authenticator is the manual path into the Instagram session, used by
// /code when a login challenge blocked a publish.
type Authenticator interface {
	SetVerificationCode(code string)
	Login(ctx context.Context) error
	LoggedIn() bool
}

// SessionGate serializes a manual login with in-flight publishes.
type SessionGate interface {
	WithSession(fn func() error) error
}

type Config struct {
	Owners        []int64
	Location      *time.Location
	MinLead       time.Duration
	MaxPhotoBytes int64
	MaxVideoBytes int64
}

type Bot struct {
	tb   *tele.Bot
	cfg  Config
	st   *store.Store
	auth Authenticator
	gate SessionGate
	log  zerolog.Logger

	drafts *draftTable
	now    func() time.Time

	btnPublic tele.Btn
	btnClose  tele.Btn
	btnCancel tele.Btn
}

func New(tb *tele.Bot, cfg Config, st *store.Store, auth Authenticator, gate SessionGate, log zerolog.Logger) *Bot {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	b := &Bot{
		tb:     tb,
		cfg:    cfg,
		st:     st,
		auth:   auth,
		gate:   gate,
		log:    log,
		drafts: newDraftTable(),
		now:    time.Now,
	}
	b.registerHandlers()
	return b
}

// Start runs the long-poll loop until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		b.tb.Stop()
	}()
	b.log.Info().Msg("telegram polling started")
	b.tb.Start()
	b.log.Info().Msg("telegram polling stopped")
}

// SendText implements the notifier transport.
func (b *Bot) SendText(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := b.tb.Send(&tele.Chat{ID: chatID}, text)
	return err
}

func (b *Bot) registerHandlers() {
	b.tb.Use(b.ownersOnly)

	markup := &tele.ReplyMarkup{}
	b.btnPublic = markup.Data("🌍 Everyone", "aud_public")
	b.btnClose = markup.Data("⭐ Close friends", "aud_close")
	b.btnCancel = tele.Btn{Unique: "cxl"}

	b.tb.Handle("/start", func(c tele.Context) error { return c.Send(helpText) })
	b.tb.Handle("/help", func(c tele.Context) error { return c.Send(helpText) })

	b.tb.Handle(tele.OnPhoto, b.onPhoto)
	b.tb.Handle(tele.OnVideo, b.onVideo)
	b.tb.Handle(tele.OnText, b.onText)

	b.tb.Handle(&b.btnPublic, func(c tele.Context) error {
		return b.onAudience(c, store.AudiencePublic)
	})
	b.tb.Handle(&b.btnClose, func(c tele.Context) error {
		return b.onAudience(c, store.AudienceCloseFriends)
	})
	b.tb.Handle(&b.btnCancel, b.onCancelButton)

	b.tb.Handle("/list", b.onList)
	b.tb.Handle("/cancel", b.onCancelCommand)
	b.tb.Handle("/status", b.onStatus)
	b.tb.Handle("/code", b.onCode)
}

// ownersOnly drops every update that is not from a configured owner.
func (b *Bot) ownersOnly(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		sender := c.Sender()
		if sender == nil || !b.isOwner(sender.ID) {
			if sender != nil {
				b.log.Warn().Int64("from", sender.ID).Msg("update from non-owner ignored")
			}
			return nil
		}
		return next(c)
	}
}

func (b *Bot) isOwner(id int64) bool {
	for _, o := range b.cfg.Owners {
		if o == id {
			return true
		}
	}
	return false
}

func (b *Bot) onPhoto(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Photo == nil {
		return nil
	}
	if b.cfg.MaxPhotoBytes > 0 && m.Photo.FileSize > b.cfg.MaxPhotoBytes {
		return c.Send(sizeRejection("photo", b.cfg.MaxPhotoBytes))
	}
	b.drafts.begin(m.Chat.ID, m.Photo.FileID, store.MediaPhoto)
	return c.Send("Who should see this story?", b.audienceMarkup())
}

func (b *Bot) onVideo(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Video == nil {
		return nil
	}
	if b.cfg.MaxVideoBytes > 0 && m.Video.FileSize > b.cfg.MaxVideoBytes {
		return c.Send(sizeRejection("video", b.cfg.MaxVideoBytes))
	}
	b.drafts.begin(m.Chat.ID, m.Video.FileID, store.MediaVideo)
	return c.Send("Who should see this story?", b.audienceMarkup())
}

func (b *Bot) audienceMarkup() *tele.ReplyMarkup {
	markup := &tele.ReplyMarkup{}
	markup.Inline(markup.Row(b.btnPublic, b.btnClose))
	return markup
}

func (b *Bot) onAudience(c tele.Context, a store.Audience) error {
	if !b.drafts.pickAudience(c.Chat().ID, a) {
		return c.Respond(&tele.CallbackResponse{Text: "Nothing to decide here anymore."})
	}
	if err := c.Respond(&tele.CallbackResponse{}); err != nil {
		b.log.Debug().Err(err).Msg("callback ack failed")
	}
	return c.Send("When should it go out?\nExamples: 18:30 · 2026-09-12 08:00 · tomorrow 10:00")
}

func (b *Bot) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || strings.HasPrefix(m.Text, "/") {
		return nil
	}
	reply, handled := b.scheduleFromText(context.Background(), m.Chat.ID, m.Text)
	if !handled {
		return c.Send("Send a photo or a video first, then I'll ask when to post it. /help shows everything I understand.")
	}
	return c.Send(reply)
}

func (b *Bot) onList(c tele.Context) error {
	text, markup, err := b.listPending(context.Background(), c.Sender().ID)
	if err != nil {
		b.log.Error().Err(err).Msg("list failed")
		return c.Send("Something went wrong reading your schedule.")
	}
	if markup == nil {
		return c.Send(text)
	}
	return c.Send(text, markup)
}

func (b *Bot) onCancelButton(c tele.Context) error {
	id := strings.TrimSpace(c.Data())
	reply := b.cancel(context.Background(), c.Sender().ID, id)
	if err := c.Respond(&tele.CallbackResponse{Text: reply}); err != nil {
		b.log.Debug().Err(err).Msg("callback ack failed")
	}
	return nil
}

func (b *Bot) onCancelCommand(c tele.Context) error {
	arg := strings.TrimSpace(c.Message().Payload)
	if arg == "" {
		return c.Send("Usage: /cancel <post id>. /list shows the ids.")
	}
	return c.Send(b.cancel(context.Background(), c.Sender().ID, arg))
}

func (b *Bot) onStatus(c tele.Context) error {
	text, err := b.status(context.Background(), c.Sender().ID)
	if err != nil {
		b.log.Error().Err(err).Msg("status failed")
		return c.Send("Something went wrong reading your schedule.")
	}
	return c.Send(text)
}

func (b *Bot) onCode(c tele.Context) error {
	code := strings.TrimSpace(c.Message().Payload)
	if len(code) < 4 {
		return c.Send("Usage: /code <verification code from Instagram>.")
	}
	return c.Send(b.submitCode(context.Background(), code))
}
