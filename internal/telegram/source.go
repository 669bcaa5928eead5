// Package telegram fetches scheduled media out of Telegram's file
// storage at publish time. Posts only carry a file_id; the bytes are
// pulled here, staged on disk, and removed again after the upload.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	tele "gopkg.in/telebot.v4"

	"github.com/ZacoFunKy/Instagram-Story-Programmation/internal/publish"
	"github.com/ZacoFunKy/Instagram-Story-Programmation/internal/store"
)

// Source implements the publish content source on top of the bot API.
type Source struct {
	bot *tele.Bot
	dir string
	log zerolog.Logger
}

func NewSource(bot *tele.Bot, dir string, log zerolog.Logger) (*Source, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("telegram: downloads dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Source{bot: bot, dir: dir, log: log}, nil
}

// Fetch downloads the file behind mediaRef into the staging dir and
// returns its path. The caller owns the file and removes it when done.
func (s *Source) Fetch(ctx context.Context, mediaRef string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	rc, err := s.bot.File(&tele.File{FileID: mediaRef})
	if err != nil {
		// Telegram keeps bot files for a limited time; a vanished
		// file_id cannot be recovered by retrying.
		if strings.Contains(strings.ToLower(err.Error()), "file is too big") ||
			strings.Contains(strings.ToLower(err.Error()), "wrong file") {
			return "", publish.Fail(store.FailPermanent, fmt.Errorf("%w: %v", publish.ErrMediaNotFound, err))
		}
		return "", fmt.Errorf("telegram file fetch: %w", err)
	}
	defer rc.Close()

	f, err := os.CreateTemp(s.dir, "story-*")
	if err != nil {
		return "", err
	}
	// The copy honors the publish timeout; telebot's reader alone is only
	// bounded by its HTTP client.
	n, err := io.Copy(f, &ctxReader{ctx: ctx, r: rc})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("stage media: %w", err)
	}
	s.log.Debug().Str("file_id", mediaRef).Int64("bytes", n).Str("path", f.Name()).Msg("media staged")
	return f.Name(), nil
}

// ctxReader aborts a streaming read once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
