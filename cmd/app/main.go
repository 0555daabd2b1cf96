package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/defectscan/internal/artifact"
	"github.com/local/defectscan/internal/classifier"
	cfgpkg "github.com/local/defectscan/internal/config"
	"github.com/local/defectscan/internal/dispatcher"
	"github.com/local/defectscan/internal/limiter"
	logpkg "github.com/local/defectscan/internal/logger"
	mpkg "github.com/local/defectscan/internal/metrics"
	"github.com/local/defectscan/internal/orchestrator"
	"github.com/local/defectscan/internal/queue"
	"github.com/local/defectscan/internal/scan"
	"github.com/local/defectscan/internal/statuscheck"
	"github.com/local/defectscan/internal/storage"
	"github.com/local/defectscan/internal/store"
)

func main() {
	cfg := cfgpkg.Load()

	_ = logpkg.Init(logpkg.Options{
		Level:        cfg.Logging.Level,
		Pretty:       cfg.Logging.Pretty,
		File:         cfg.Logging.File,
		MaxSizeMB:    cfg.Logging.MaxSizeMB,
		MaxBackups:   cfg.Logging.MaxBackups,
		MaxAgeDays:   cfg.Logging.MaxAgeDays,
		Compress:     cfg.Logging.Compress,
		SendToAxiom:  cfg.Axiom.Send && cfg.Axiom.APIKey != "",
		AxiomAPIKey:  cfg.Axiom.APIKey,
		AxiomOrgID:   cfg.Axiom.OrgID,
		AxiomDataset: cfg.Axiom.Dataset,
		AxiomFlush:   cfg.Axiom.FlushInterval,
	})
	defer logpkg.Close()
	mpkg.Init()

	rq, err := queue.NewRedisQueue(cfg.Queue.RedisURL, cfg.Queue.Stream, cfg.Queue.Group, cfg.Queue.PollInterval)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer rq.Close()

	rs, err := store.NewRedisStatus(cfg.Queue.RedisURL, cfg.Worker.StateTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init redis status store")
	}
	defer rs.Close()

	ps, err := store.NewPageStore(cfg.Queue.RedisURL, cfg.Worker.StateTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init page store")
	}
	defer ps.Close()

	results, err := store.NewResultStore(cfg.Queue.RedisURL, cfg.Worker.StateTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init result store")
	}
	defer results.Close()

	var s3c *storage.S3Client
	if cfg.S3.Bucket != "" {
		s3c, err = storage.NewS3Client(context.Background(), storage.Config{
			Bucket:       cfg.S3.Bucket,
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			AccessKey:    cfg.S3.AccessKey,
			SecretKey:    cfg.S3.SecretKey,
			UsePathStyle: cfg.S3.UsePathStyle,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to init s3 client")
		}
	}

	clsCfg, err := cfg.ClassifierSettings()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load prompt templates")
	}

	lim, err := limiter.New(limiter.Options{
		RedisURL:    cfg.Queue.RedisURL,
		MaxInflight: cfg.Worker.MaxInflight,
		BaseBackoff: cfg.Worker.BreakerBaseBackoff,
		MaxBackoff:  cfg.Worker.BreakerMaxBackoff,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init limiter")
	}
	defer lim.CloseClient()

	cls, err := classifier.New(clsCfg, classifier.WithLimiter(lim))
	if err != nil {
		log.Fatal().Err(err).Msg("classifier misconfigured")
	}

	health := statuscheck.Options{
		Redis:    rq,
		StartURL: cls.Endpoint(scan.PhaseSeekingStart),
		EndURL:   cls.Endpoint(scan.PhaseSeekingEnd),
		APIKey:   cfg.Classifier.APIKey,
	}
	if s3c != nil {
		health.S3 = s3c
	}

	orch := orchestrator.New(orchestrator.Config{
		UploadDir: cfg.Output.UploadDir,
		Bucket:    cfg.S3.Bucket,
	}, orchestrator.Dependencies{
		Queue:   rq,
		Status:  rs,
		Pages:   ps,
		Results: results,
		Health:  statuscheck.New(health),
	})
	mux := http.NewServeMux()
	orch.RegisterRoutes(mux)

	if cfg.Server.RunDispatcher {
		loader := &artifact.Loader{}
		deps := dispatcher.Deps{
			Queue:      rq,
			Pages:      ps,
			Status:     rs,
			Results:    results,
			Loader:     loader,
			Classifier: cls,
		}
		if s3c != nil {
			loader.S3 = s3c
			if cfg.S3.Upload {
				deps.Uploader = s3c
			}
		}
		hostname, _ := os.Hostname()
		disp, err := dispatcher.New(dispatcher.Config{
			Concurrency:    cfg.Worker.Concurrency,
			Consumer:       hostname,
			ScanTimeout:    cfg.Worker.ScanTimeout,
			JobMaxAttempts: cfg.Worker.JobMaxAttempts,
			RequeueDelay:   cfg.Worker.RequeueDelay,
			IdemTTL:        cfg.Worker.StateTTL,
			Scan:           cfg.ScanPolicy(),
			ResultDir:      cfg.Output.ResultDir,
			ResultPrefix:   cfg.S3.ResultPrefix,
			RenderDir:      cfg.Output.RenderDir,
			Render:         cfg.Output.Render,
		}, deps)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid dispatcher config")
		}
		disp.Start()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = disp.Stop(ctx)
		}()
	}

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: mux}
	go func() {
		log.Info().Msgf("HTTP server listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	fmt.Println("shutdown complete")
}
