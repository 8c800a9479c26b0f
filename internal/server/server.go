package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"lifeline/dispatch/internal/config"
	"lifeline/dispatch/internal/database"
	"lifeline/dispatch/internal/dispatch"
	"lifeline/dispatch/internal/notify"
	"lifeline/dispatch/internal/responder"
	"lifeline/dispatch/internal/storage"
	"lifeline/dispatch/internal/tracking"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires configuration, dependencies and HTTP routing together.
type Server struct {
	cfg       config.Config
	log       zerolog.Logger
	dispatch  *dispatch.Service
	hub       *notify.Hub
	checks    map[string]Pinger
	validate  *validator.Validate
	authMw    *AuthMiddleware
	startedAt time.Time
	closers   []func()
}

// New builds the storage, location cache, notification fan-out and dispatch service
// described by cfg, then prepares the HTTP layer around them.
func New(ctx context.Context, cfg config.Config, log zerolog.Logger) (*Server, error) {
	srv := &Server{
		cfg:       cfg,
		log:       log,
		checks:    make(map[string]Pinger),
		validate:  newValidator(),
		startedAt: time.Now().UTC(),
	}

	var store interface {
		dispatch.Store
		dispatch.Registry
	}
	switch cfg.Database.Driver {
	case "memory":
		mem := storage.NewMemory()
		if cfg.Database.SeedFile != "" {
			seed, err := storage.LoadSeed(cfg.Database.SeedFile)
			if err != nil {
				return nil, err
			}
			mem.Seed(seed)
			log.Info().Str("file", cfg.Database.SeedFile).Int("responders", seed.Len()).Msg("registry seeded")
		}
		store = mem
		srv.checks["storage"] = mem
	default:
		pool, err := database.Connect(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		srv.closers = append(srv.closers, pool.Close)
		pg := storage.NewPostgres(pool)
		store = pg
		srv.checks["storage"] = pg
	}

	var locator tracking.Locator
	if cfg.Redis.Enabled {
		client, err := tracking.Dial(ctx, tracking.RedisConfig{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			srv.Close()
			return nil, err
		}
		cache := tracking.NewCache(client, cfg.Redis.KeyPrefix, cfg.Redis.LocationTTL, nil)
		srv.closers = append(srv.closers, func() { _ = cache.Close() })
		srv.checks["redis"] = pingFunc(func(ctx context.Context) error { return client.Ping(ctx).Err() })
		locator = cache
	} else {
		locator = tracking.NewMemory(cfg.Redis.LocationTTL, nil)
	}

	srv.hub = notify.NewHub(log)
	srv.hub.SetAuthorizer(srv.authorizeChannel)
	go srv.hub.Run()
	srv.closers = append(srv.closers, srv.hub.Stop)

	notifier := notify.Multi{srv.hub}
	if cfg.NATS.Enabled {
		conn, err := notify.ConnectNATS(notify.NATSConfig{
			URL:            cfg.NATS.URL,
			Name:           cfg.NATS.ClientName,
			ReconnectWait:  cfg.NATS.ReconnectWait,
			MaxReconnects:  cfg.NATS.MaxReconnects,
			ConnectTimeout: cfg.NATS.ConnectTimeout,
		}, log)
		if err != nil {
			srv.Close()
			return nil, err
		}
		srv.closers = append(srv.closers, func() { _ = conn.Drain() })
		notifier = append(notifier, notify.NewBus(conn, cfg.NATS.SubjectPrefix, log))
	} else {
		notifier = append(notifier, notify.NewLogSink(log))
	}

	svc, err := dispatch.New(dispatch.Deps{
		Store:    store,
		Registry: store,
		Locator:  locator,
		Notifier: notifier,
		Config:   cfg.Dispatch,
		Logger:   log,
	})
	if err != nil {
		srv.Close()
		return nil, err
	}
	srv.dispatch = svc

	if cfg.Keycloak.Enabled {
		authMw, err := NewAuthMiddleware(ctx, cfg.Keycloak, log)
		if err != nil {
			srv.Close()
			return nil, fmt.Errorf("init auth middleware: %w", err)
		}
		srv.authMw = authMw
	}

	return srv, nil
}

// Close releases every dependency in reverse order of creation.
func (s *Server) Close() {
	if s.authMw != nil {
		s.authMw.Close()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// Run starts the HTTP server and blocks until the context is cancelled or an unrecoverable error occurs.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:         s.cfg.HTTP.Address,
		Handler:      s.routes(),
		ReadTimeout:  s.cfg.HTTP.ReadTimeout,
		WriteTimeout: s.cfg.HTTP.WriteTimeout,
		IdleTimeout:  s.cfg.HTTP.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Error().Err(err).Msg("graceful shutdown failed")
		}
	}()

	s.log.Info().Str("addr", s.cfg.HTTP.Address).Msg("http server listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("latitude", func(fl validator.FieldLevel) bool {
		val, ok := fl.Field().Interface().(float64)
		if !ok {
			return false
		}
		return val >= -90 && val <= 90
	})
	_ = v.RegisterValidation("longitude", func(fl validator.FieldLevel) bool {
		val, ok := fl.Field().Interface().(float64)
		if !ok {
			return false
		}
		return val >= -180 && val <= 180
	})
	_ = v.RegisterValidation("blood_type", func(fl validator.FieldLevel) bool {
		_, err := responder.ParseBloodType(fl.Field().String())
		return err == nil
	})
	return v
}
