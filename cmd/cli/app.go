package main

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/goph-chat/internal/auth"
	"github.com/and161185/goph-chat/internal/errs"
	"github.com/and161185/goph-chat/internal/limiter"
	"github.com/and161185/goph-chat/internal/localstore"
	"github.com/and161185/goph-chat/internal/model"
	"github.com/and161185/goph-chat/internal/netstate"
	"github.com/and161185/goph-chat/internal/queue"
	"github.com/and161185/goph-chat/internal/repository/postgres"
	"github.com/and161185/goph-chat/internal/service"
	"github.com/and161185/goph-chat/internal/session"
)

const pingTimeout = 3 * time.Second

// app is the wiring of one CLI invocation: store pool, device store, services
// and the session of the logged-in user.
type app struct {
	cfg   config
	log   *zap.Logger
	db    *postgres.DB
	local *localstore.DB
	net   *netstate.Monitor
	sess  *session.Session
	keys  *service.KeyServiceImpl
	queue *queue.Queue
	msgs  *service.MessageServiceImpl
}

// openApp authenticates the saved token and wires every component.
func openApp(ctx context.Context, cfg config) (*app, error) {
	if cfg.JWTKey == "" {
		return nil, errs.New(errs.ErrAuthentication, "missing jwt signing key (--jwt-key)")
	}
	tok, err := loadToken()
	if err != nil {
		return nil, err
	}
	uid, err := auth.NewTokens([]byte(cfg.JWTKey), 0).Verify(tok)
	if err != nil {
		return nil, err
	}

	log := newLogger(cfg.Debug)
	db, err := postgres.New(ctx, cfg.DSN)
	if err != nil {
		return nil, errs.Wrap(errs.ErrConnection, "invalid store address", err)
	}
	local, err := localstore.Open(ctx, cfg.Local)
	if err != nil {
		db.Close()
		return nil, err
	}

	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	online := db.Ping(pctx) == nil
	cancel()
	if !online {
		log.Warn("store unreachable; working offline")
	}

	a := &app{
		cfg:   cfg,
		log:   log,
		db:    db,
		local: local,
		net:   netstate.NewMonitor(online),
		sess:  session.New(uid),
	}
	a.keys = service.NewKeyService(postgres.NewKeyRepo(db), service.KeyOptions{
		Limiter:        limiter.NewPG(db.Pool, 15*time.Minute, 5, 15*time.Minute),
		Device:         limiter.HashDevice(cfg.Device),
		LegacyFallback: true,
		LegacyKeys:     local.LegacyKeys(),
		Logger:         log,
	})

	messages := postgres.NewMessageRepo(db)
	a.queue = queue.New(local.Outbox(), service.NewDeliverer(messages), a.net, queue.Options{
		Logger: log,
		OnDelivered: func(q model.QueuedMessage, m model.Message) {
			a.msgs.Delivered(q, m)
		},
	})
	a.msgs = service.NewMessageService(postgres.NewConversationRepo(db), messages, a.keys, a.queue, a.net,
		service.MessageOptions{Cache: local.Cache(), Logger: log})
	return a, nil
}

func (a *app) Close() {
	_ = a.local.Close()
	a.db.Close()
	_ = a.log.Sync()
}

// unlock derives the session key from the configured or prompted password.
func (a *app) unlock(ctx context.Context, in io.Reader) error {
	pw, err := password(a.cfg, in)
	if err != nil {
		return err
	}
	_, err = a.keys.Unlock(ctx, a.sess, pw)
	return err
}

// password returns the configured password or reads one line from in.
func password(cfg config, in io.Reader) (string, error) {
	if cfg.Password != "" {
		return cfg.Password, nil
	}
	if f, ok := in.(*os.File); ok {
		if st, err := f.Stat(); err == nil && st.Mode()&os.ModeCharDevice != 0 {
			_, _ = io.WriteString(os.Stderr, "password: ")
		}
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	pw := strings.TrimRight(line, "\r\n")
	if pw == "" {
		return "", errs.Validation("password", "password is required")
	}
	return pw, nil
}
