package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tele "gopkg.in/telebot.v4"

	"github.com/ZacoFunKy/Instagram-Story-Programmation/internal/store"
	"github.com/ZacoFunKy/Instagram-Story-Programmation/internal/timeparse"
)

const helpText = `I schedule Instagram stories for you.

Send me a photo or a video, pick who gets to see it, then tell me when:
  18:30                   today (or tomorrow if already past)
  2026-09-12 08:00        an exact date
  12/09 08:00             day/month
  tomorrow 10:00          plain words

Commands:
  /list     pending stories, with cancel buttons
  /cancel   cancel a pending story by id
  /status   schedule counts and login state
  /code     pass an Instagram verification code
  /help     this text`

// scheduleFromText turns the time text of an active draft into a stored
// post. handled=false means no draft was waiting for time input.
func (b *Bot) scheduleFromText(ctx context.Context, chatID int64, text string) (reply string, handled bool) {
	d, ok := b.drafts.awaitingTime(chatID)
	if !ok {
		return "", false
	}

	res, ok := timeparse.Parse(text, b.now().In(b.cfg.Location), b.cfg.Location)
	if !ok {
		return "I don't understand that time. Try 18:30, 2026-09-12 08:00 or tomorrow 10:00.", true
	}

	post, err := b.st.Create(ctx, store.CreateParams{
		OwnerID:     chatID,
		MediaRef:    d.fileID,
		MediaKind:   d.kind,
		Audience:    d.audience,
		ScheduledAt: res.When,
	})
	if err != nil {
		return b.creationError(err), true
	}
	b.drafts.clear(chatID)

	audience := "everyone"
	if post.Audience == store.AudienceCloseFriends {
		audience = "close friends"
	}
	return fmt.Sprintf("📅 Story scheduled for %s (%s), visible to %s.\nCancel anytime with /list.",
		post.ScheduledAt.In(b.cfg.Location).Format("2006-01-02 15:04"),
		timeparse.FormatUntil(post.ScheduledAt, b.now()),
		audience,
	), true
}

// creationError keeps the draft alive so the user can answer with a
// corrected time, except for the cap which no new time can fix.
func (b *Bot) creationError(err error) string {
	switch {
	case errors.Is(err, store.ErrSchedulePassed):
		return "That time has already passed. Give me a future one."
	case errors.Is(err, store.ErrScheduleTooSoon):
		return fmt.Sprintf("That's too tight, I need at least %s of lead time.", b.cfg.MinLead)
	case errors.Is(err, store.ErrScheduleTooFar):
		return "That's too far ahead. Pick something within a year."
	case errors.Is(err, store.ErrPendingCapReached):
		return "Your schedule is full. Cancel something with /list before adding more."
	default:
		b.log.Error().Err(err).Msg("post creation failed")
		return "Something went wrong saving that. Try again in a moment."
	}
}

func (b *Bot) listPending(ctx context.Context, ownerID int64) (string, *tele.ReplyMarkup, error) {
	posts, err := b.st.ListPending(ctx, ownerID)
	if err != nil {
		return "", nil, err
	}
	if len(posts) == 0 {
		return "Nothing scheduled. Send me a photo or a video to start.", nil, nil
	}

	now := b.now()
	var sb strings.Builder
	markup := &tele.ReplyMarkup{}
	rows := make([]tele.Row, 0, len(posts))
	for i, p := range posts {
		audience := ""
		if p.Audience == store.AudienceCloseFriends {
			audience = ", close friends"
		}
		fmt.Fprintf(&sb, "%d. %s%s — %s (%s)\n   id %s\n",
			i+1, p.MediaKind, audience,
			p.ScheduledAt.In(b.cfg.Location).Format("2006-01-02 15:04"),
			timeparse.FormatUntil(p.ScheduledAt, now),
			shortID(p.ID),
		)
		rows = append(rows, markup.Row(markup.Data(
			fmt.Sprintf("❌ Cancel #%d", i+1), b.btnCancel.Unique, p.ID)))
	}
	markup.Inline(rows...)
	return strings.TrimRight(sb.String(), "\n"), markup, nil
}

// cancel accepts a full post id or the short prefix shown by /list.
func (b *Bot) cancel(ctx context.Context, ownerID int64, id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return "Which one? /list shows the ids."
	}

	if len(id) < idLen {
		posts, err := b.st.ListPending(ctx, ownerID)
		if err != nil {
			b.log.Error().Err(err).Msg("cancel lookup failed")
			return "Something went wrong. Try again."
		}
		full := ""
		for _, p := range posts {
			if strings.HasPrefix(p.ID, id) {
				if full != "" {
					return "That id prefix matches several posts, use a longer one."
				}
				full = p.ID
			}
		}
		if full == "" {
			return "No pending post with that id."
		}
		id = full
	}

	ok, err := b.st.Cancel(ctx, id, ownerID)
	if err != nil {
		b.log.Error().Err(err).Str("post_id", id).Msg("cancel failed")
		return "Something went wrong. Try again."
	}
	if !ok {
		return "That post is no longer pending; nothing to cancel."
	}
	return "Cancelled. It will not be published."
}

func (b *Bot) status(ctx context.Context, ownerID int64) (string, error) {
	stats, err := b.st.Stats(ctx, ownerID)
	if err != nil {
		return "", err
	}
	login := "🔴 not logged in"
	if b.auth.LoggedIn() {
		login = "🟢 logged in"
	}
	return fmt.Sprintf(
		"Instagram: %s\nPending: %d\nPublished: %d\nFailed: %d\nCancelled: %d",
		login, stats.Pending, stats.Published, stats.Errored, stats.Cancelled,
	), nil
}

// submitCode runs a fresh login with the user-provided second factor
// and, on success, releases any posts stuck on an auth challenge.
func (b *Bot) submitCode(ctx context.Context, code string) string {
	b.auth.SetVerificationCode(code)
	err := b.gate.WithSession(func() error { return b.auth.Login(ctx) })
	if err != nil {
		b.log.Warn().Err(err).Msg("manual login with code failed")
		return "Instagram did not accept that code. Check it and try /code again."
	}
	n, err := b.st.RequeueChallenged(ctx)
	if err != nil {
		b.log.Error().Err(err).Msg("requeue after code failed")
		return "Logged in, but re-queuing blocked posts failed. They will be retried on the next restart."
	}
	if n == 0 {
		return "Logged in. Nothing was waiting on a code."
	}
	return fmt.Sprintf("Logged in. %d blocked post(s) will be retried shortly.", n)
}

func sizeRejection(kind string, capBytes int64) string {
	return fmt.Sprintf("That %s is too large, the limit is %d MB.", kind, capBytes/(1<<20))
}

const idLen = 36 // uuid string length

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
