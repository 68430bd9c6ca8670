package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/teddyo/teddyvoice/config"
	"github.com/teddyo/teddyvoice/internal/analytics"
	"github.com/teddyo/teddyvoice/internal/api/handlers"
	"github.com/teddyo/teddyvoice/internal/api/routes"
	"github.com/teddyo/teddyvoice/internal/audio"
	"github.com/teddyo/teddyvoice/internal/breaker"
	"github.com/teddyo/teddyvoice/internal/cache"
	"github.com/teddyo/teddyvoice/internal/logger"
	"github.com/teddyo/teddyvoice/internal/orchestrator"
	"github.com/teddyo/teddyvoice/internal/pipeline"
	"github.com/teddyo/teddyvoice/internal/providers/llm"
	"github.com/teddyo/teddyvoice/internal/providers/moderation"
	"github.com/teddyo/teddyvoice/internal/providers/stt"
	"github.com/teddyo/teddyvoice/internal/providers/tts"
	"github.com/teddyo/teddyvoice/internal/session"
	"github.com/teddyo/teddyvoice/internal/ws"
)

func main() {
	_ = godotenv.Load()

	log := logger.New()
	cfg := config.Load()
	ctx := context.Background()

	rdb, err := config.NewRedis(ctx, cfg.RedisAddr)
	if err != nil {
		log.WithError(err).Fatal("redis init failed")
	}
	if rdb != nil {
		log.Info("redis connected")
	}

	buf, err := audio.NewBuffer(cfg.BufferCapacityBytes, cfg.ChunkSizeBytes)
	if err != nil {
		log.WithError(err).Fatal("invalid audio buffer config")
	}

	sessions := session.NewRegistry(cfg.SessionHistoryMax)
	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold:  cfg.BreakerFailureThreshold,
		SuccessThreshold:  cfg.BreakerSuccessThreshold,
		Timeout:           cfg.BreakerTimeout,
		HalfOpenRequests:  cfg.BreakerHalfOpenRequests,
		ErrorThresholdPct: cfg.BreakerErrorThresholdPct,
	}, log)
	manager := ws.NewManager(sessions, log)

	sttProv, err := stt.NewGoogleSpeech(ctx, "")
	if err != nil {
		log.WithError(err).Fatal("speech client init failed")
	}

	llmProv, err := llm.NewVertexGemini(ctx, cfg.GCPProjectID, cfg.GCPLocation, cfg.GeminiModel)
	if err != nil {
		log.WithError(err).Fatal("vertex client init failed")
	}

	var modCache cache.Cache = cache.NewMemoryCache()
	if rdb != nil {
		modCache = cache.NewRedisCache(rdb)
	}
	modProv := moderation.NewOpenAIModeration(cfg.OpenAIAPIKey, modCache)

	ttsProviders := []tts.Provider{tts.NewElevenLabs(cfg.ElevenLabsAPIKey, cfg.ElevenLabsVoiceID)}
	if gtts, gerr := tts.NewGoogleTTS(ctx, ""); gerr == nil {
		ttsProviders = append(ttsProviders, gtts)
		defer gtts.Close()
	} else {
		log.WithError(gerr).Warn("google tts unavailable, continuing without it")
	}
	chain := tts.NewChain(tts.Order(ttsProviders, cfg.ProviderOrder), breakers, log)

	var sink analytics.Sink = analytics.Nop{}
	if rdb != nil {
		sink = analytics.NewRedisSink(rdb, "")
	}

	pipe := pipeline.New(sessions, modProv, llmProv, sink, breakers, pipeline.Config{
		FailClosed:          cfg.ModerationFailClosed,
		CollaboratorTimeout: cfg.CollaboratorTimeout,
	}, log)

	var upstream orchestrator.UpstreamDialer
	if cfg.ElevenLabsAPIKey != "" {
		upstream = ws.NewUpstream(ws.UpstreamConfig{
			URL:         cfg.ElevenLabsWSURL,
			APIKey:      cfg.ElevenLabsAPIKey,
			VoiceID:     cfg.ElevenLabsVoiceID,
			BaseDelay:   cfg.ReconnectBaseDelay,
			MaxDelay:    cfg.ReconnectMaxDelay,
			MaxAttempts: cfg.ReconnectMaxAttempts,
		}, manager, log)
	}

	orch := orchestrator.New(buf, sessions, manager, sttProv, pipe, chain, breakers, upstream,
		orchestrator.Config{
			SweepInterval: cfg.SessionSweepInterval,
			IdleTimeout:   cfg.SessionIdleTimeout,
		}, log)
	orch.Start(ctx)

	r := gin.New()
	r.Use(gin.Recovery())
	routes.RegisterRoutes(r, routes.Deps{
		WS:              handlers.NewWSHandler(manager, orch.HandleFrame, log),
		Health:          handlers.NewHealthHandler(buf, sessions, breakers),
		DeviceJWTSecret: cfg.DeviceJWTSecret,
		Log:             log,
	})

	srv := &http.Server{
		Addr:    cfg.Host + ":" + cfg.Port,
		Handler: r,
	}
	go func() {
		log.WithField("addr", srv.Addr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	orch.Stop()
	manager.CloseAll()
	_ = sttProv.Close()
	_ = llmProv.Close()
	if rdb != nil {
		_ = rdb.Close()
	}
	log.Info("shutdown complete")
}
