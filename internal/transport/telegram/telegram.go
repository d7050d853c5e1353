package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "carposter/internal/transport"
	logx "carposter/pkg/logx"
)

// Config configures the Telegram dialer.
type Config struct {
	Token string
	// APIURL overrides the Bot API endpoint (local bot-api server, tests). Empty = default.
	APIURL string
	// SendTimeout bounds one HTTP call; albums upload several MB so keep it generous.
	SendTimeout time.Duration
}

// Dialer creates telebot sessions with a dedicated HTTP client per session.
type Dialer struct {
	cfg Config
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Dialer, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 120 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dialer{cfg: cfg, log: log}, nil
}

// Open creates an offline bot (no getMe round-trip) bound to a fresh connection pool.
func (d *Dialer) Open(ctx context.Context) (kit.Platform, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	client := &http.Client{Timeout: d.cfg.SendTimeout, Transport: tr}
	b, err := tele.NewBot(tele.Settings{
		URL:     strings.TrimSpace(d.cfg.APIURL),
		Token:   d.cfg.Token,
		Client:  client,
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram session: %w", err)
	}
	d.log.Debug("session opened", logx.Duration("send_timeout", d.cfg.SendTimeout))
	return &Session{bot: b, transport: tr, log: d.log}, nil
}

// Session is a kit.Platform backed by one telebot instance.
type Session struct {
	bot       *tele.Bot
	transport *http.Transport
	log       logx.Logger
}

func (s *Session) SendAlbum(ctx context.Context, to kit.ChatTarget, photos []kit.Photo) ([]int, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	if len(photos) == 0 {
		return nil, errors.New("empty album")
	}
	album := make(tele.Album, 0, len(photos))
	for _, p := range photos {
		album = append(album, &tele.Photo{
			File:    tele.FromReader(bytes.NewReader(p.Data)),
			Caption: p.Caption,
		})
	}
	msgs, err := s.bot.SendAlbum(&tele.Chat{ID: to.ChatID}, album, &tele.SendOptions{ThreadID: to.ThreadID})
	if err != nil {
		return nil, classify(err)
	}
	ids := make([]int, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (s *Session) DeleteMessage(ctx context.Context, ref kit.MessageRef) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	msg := tele.StoredMessage{MessageID: strconv.Itoa(ref.MessageID), ChatID: ref.ChatID}
	if err := s.bot.Delete(msg); err != nil {
		return classify(err)
	}
	return nil
}

func (s *Session) Close() error {
	if s.transport != nil {
		s.transport.CloseIdleConnections()
	}
	return nil
}

// classify maps telebot failures onto transport-level error kinds.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return &kit.RetryAfterError{After: time.Duration(fe.RetryAfter) * time.Second, Err: err}
	}
	var fep *tele.FloodError
	if errors.As(err, &fep) && fep != nil {
		return &kit.RetryAfterError{After: time.Duration(fep.RetryAfter) * time.Second, Err: err}
	}
	var ue *url.Error
	var ne net.Error
	if errors.As(err, &ue) || errors.As(err, &ne) {
		return fmt.Errorf("%w: %w", kit.ErrNetwork, err)
	}
	return err
}
