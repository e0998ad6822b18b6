package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/park285/chess-robot-sync/internal/batcher"
	"github.com/park285/chess-robot-sync/internal/channel"
	appcfg "github.com/park285/chess-robot-sync/internal/config"
	"github.com/park285/chess-robot-sync/internal/msgcat"
	"github.com/park285/chess-robot-sync/internal/notify"
	"github.com/park285/chess-robot-sync/internal/obslog"
	"github.com/park285/chess-robot-sync/internal/persist"
	"github.com/park285/chess-robot-sync/internal/session"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	logger := obslog.L()
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("robot_sync_exit", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *appcfg.AppConfig, logger *zap.Logger) (err error) {
	var closers []func() error
	defer func() {
		var errs *multierror.Error
		for i := len(closers) - 1; i >= 0; i-- {
			if cerr := closers[i](); cerr != nil {
				errs = multierror.Append(errs, cerr)
			}
		}
		if terr := errs.ErrorOrNil(); terr != nil {
			logger.Warn("teardown_error", zap.Error(terr))
			if err == nil {
				err = terr
			}
		}
	}()

	api, closeAPI, err := openPersistence(ctx, cfg)
	if err != nil {
		return err
	}
	closers = append(closers, closeAPI)

	ch, closeCh, err := openChannel(cfg)
	if err != nil {
		return err
	}
	closers = append(closers, closeCh)

	cat, err := msgcat.New(cfg.MsgLang, cfg.MsgOverrideDir)
	if err != nil {
		return fmt.Errorf("message catalog: %w", err)
	}

	var sess *session.Session
	notifier := notify.NewChannelNotifier(ch, cat, obslog.Named("notify")).
		WithGameID(func() string { return sess.GameID() })

	ended := make(chan session.Outcome, 1)
	sess = session.New(api, session.Config{
		UserSide: cfg.UserSide,
		UserID:   cfg.XUserID,
		BoardID:  cfg.RobotBoardID,
		StartFEN: cfg.StartFEN,
		Batch: batcher.Options{
			BatchSize:         cfg.BatchSize,
			QuietPeriod:       cfg.BatchQuiet,
			FailureAlertAfter: cfg.FlushAlertAfter,
		},
	},
		session.WithLogger(obslog.Named("session")),
		session.WithNotifier(notifier),
		session.WithEvents(session.Events{
			OnEnded: func(o session.Outcome) {
				select {
				case ended <- o:
				default:
				}
			},
		}),
	)
	closers = append(closers, func() error {
		cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return sess.Close(cctx)
	})

	unsubscribe := sess.Attach(ch)
	closers = append(closers, func() error { unsubscribe(); return nil })
	ch.OnStateChange(func(state channel.ConnState) {
		logger.Info("channel_state", zap.String("state", string(state)))
	})

	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = connect(cctx, ch)
	cancel()
	if err != nil {
		return fmt.Errorf("channel connect: %w", err)
	}

	if err := sess.Start(ctx); err != nil {
		return err
	}
	logger.Info("robot_sync_ready",
		zap.String("session_id", sess.ID()),
		zap.String("game_id", sess.GameID()),
		zap.String("channel", cfg.ChannelMode),
		zap.String("persist", cfg.PersistMode),
		zap.String("lang", cat.Lang()),
	)

	return waitLoop(ctx, sess, ended, logger)
}

// waitLoop runs until the game ends or the process is told to stop.
// SIGUSR1 pauses and SIGUSR2 resumes the session.
func waitLoop(ctx context.Context, sess *session.Session, ended <-chan session.Outcome, logger *zap.Logger) error {
	ctl := make(chan os.Signal, 1)
	signal.Notify(ctl, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(ctl)

	for {
		select {
		case <-ctx.Done():
			logger.Info("robot_sync_shutdown", zap.String("state", string(sess.State())))
			return nil
		case o := <-ended:
			logger.Info("robot_sync_game_over", zap.String("result", o.Result), zap.String("method", o.Method))
			return nil
		case sig := <-ctl:
			var err error
			if sig == syscall.SIGUSR1 {
				err = sess.Pause(ctx)
			} else {
				err = sess.Resume(ctx)
			}
			if err != nil {
				logger.Warn("session_control_error", zap.String("signal", sig.String()), zap.Error(err))
			}
		}
	}
}

type connector interface {
	Connect(ctx context.Context) error
}

func connect(ctx context.Context, ch channel.Channel) error {
	c, ok := ch.(connector)
	if !ok {
		return errors.New("channel cannot connect")
	}
	return c.Connect(ctx)
}

func openChannel(cfg *appcfg.AppConfig) (channel.Channel, func() error, error) {
	closeCh := func(ch channel.Channel) func() error {
		return func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return ch.Close(ctx)
		}
	}
	switch cfg.ChannelMode {
	case appcfg.ChannelRedis:
		opts, err := persist.ParseRedisURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		bus := channel.NewRedisBus(rdb, cfg.RobotBoardID, obslog.Named("channel"))
		return bus, func() error {
			var errs *multierror.Error
			if err := closeCh(bus)(); err != nil {
				errs = multierror.Append(errs, err)
			}
			if err := rdb.Close(); err != nil {
				errs = multierror.Append(errs, err)
			}
			return errs.ErrorOrNil()
		}, nil
	default:
		ws := channel.NewWebSocket(cfg.RobotWSURL, channel.WSOptions{
			MaxReconnectAttempts: 5,
			Headers:              identityHeaders(cfg),
			Logger:               obslog.Named("channel"),
		})
		return ws, closeCh(ws), nil
	}
}

func openPersistence(ctx context.Context, cfg *appcfg.AppConfig) (persist.API, func() error, error) {
	noop := func() error { return nil }
	switch cfg.PersistMode {
	case appcfg.PersistPostgres:
		pg, err := persist.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, err
		}
		return pg, pg.Close, nil
	case appcfg.PersistRedis:
		r, err := persist.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	case appcfg.PersistMemory:
		return persist.NewMemory(), noop, nil
	default:
		c := persist.NewHTTPClient(cfg.PersistBaseURL, persist.WithHeaderProvider(identityHeaders(cfg)))
		if err := c.Ping(ctx); err != nil {
			obslog.L().Warn("persist_ping_error", zap.String("base_url", cfg.PersistBaseURL), zap.Error(err))
		}
		return c, noop, nil
	}
}

func identityHeaders(cfg *appcfg.AppConfig) func() map[string]string {
	return func() map[string]string {
		h := map[string]string{}
		if cfg.XUserID != "" {
			h["X-User-Id"] = cfg.XUserID
		}
		if cfg.XSessionID != "" {
			h["X-Session-Id"] = cfg.XSessionID
		}
		return h
	}
}
