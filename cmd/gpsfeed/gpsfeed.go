package main

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/mustafaturan/bus/v3"
	"github.com/mustafaturan/monoton/v2"
	"github.com/mustafaturan/monoton/v2/sequencer"
	"github.com/phuslu/log"

	"nuha.dev/gpsfeed/internal/config"
	"nuha.dev/gpsfeed/internal/feed"
	"nuha.dev/gpsfeed/internal/hub"
	"nuha.dev/gpsfeed/internal/natspub"
	"nuha.dev/gpsfeed/internal/pipeline"
	"nuha.dev/gpsfeed/internal/relay"
	"nuha.dev/gpsfeed/internal/session"
	"nuha.dev/gpsfeed/internal/store/impl/pgstore"
	"nuha.dev/gpsfeed/internal/web"
	"nuha.dev/gpsfeed/internal/web/webstream"
)

func main() {
	logger := log.DefaultLogger
	logger.Context = log.NewContext(nil).Str("module", "main").Value()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	var vc pipeline.ValidatorConfig
	switch cfg.Profile {
	case "background":
		vc = pipeline.BackgroundValidatorConfig()
	default:
		vc = pipeline.ForegroundValidatorConfig()
	}
	if err := validator.New().Struct(vc); err != nil {
		logger.Fatal().Err(err).Msg("invalid validator thresholds")
	}

	pool, err := pgxpool.Connect(context.Background(), cfg.DbUrl)
	if err != nil {
		logger.Fatal().Err(err).Msg("unable to connect to database")
	}

	m, err := monoton.New(sequencer.NewMillisecond(), 1, 0)
	if err != nil {
		logger.Fatal().Err(err).Msg("unable to create id sequencer")
	}
	var next bus.Next = m.Next
	b, err := bus.NewBus(next)
	if err != nil {
		logger.Fatal().Err(err).Msg("unable to create event bus")
	}

	reg := session.NewRegistry(b, session.RegistryConfig{
		InactivityTimeout: cfg.InactivityTimeout,
		JanitorInterval:   time.Minute,
		HashSalt:          cfg.HashSalt,
	})

	h := hub.New(reg, b)
	if cfg.NatsUrl != "" {
		mirror, err := natspub.NewPublisher(natspub.PublisherConfig{Url: cfg.NatsUrl})
		if err != nil {
			logger.Fatal().Err(err).Msg("unable to connect to nats")
		}
		defer mirror.Close()
		h.SetMirror(mirror)
	}
	if cfg.RelayAddr != "" {
		rl := relay.NewRelay(&relay.RelayConfig{Addr: cfg.RelayAddr, BufSize: cfg.RelayBufSize})
		go rl.Run()
		h.Subscribe(rl)
	}

	st := pgstore.NewStore(pool, pgstore.DefaultStoreConfig())
	st.Run()

	sc := pipeline.DefaultSmootherConfig()
	sc.Strategy = cfg.SmootherStrategy
	sc.BufferSize = cfg.SmootherBufSize
	pipe := pipeline.New(pipeline.NewValidator(vc), pipeline.NewSmoother(sc), reg, h, st)

	if cfg.FeedAddr != "" {
		fs := feed.NewServer(pipe, feed.ServerConfig{ListenerAddr: cfg.FeedAddr, LoginTimeout: cfg.LoginTimeout})
		go fs.Run()
	}

	go reg.RunJanitor()

	stream := webstream.NewServer(h, webstream.DefaultWebstreamConfig())
	api := web.NewApi(pipe, st, reg, h, stream, web.ApiConfig{ListenAddr: cfg.HttpAddr})
	api.Run()
}
