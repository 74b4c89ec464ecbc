package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/surveymill/conveyor/health"
	"github.com/surveymill/conveyor/worker"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/task"
)

type cmdServe struct {
	baseConfig

	BatchSize     int           `long:"batch-size" env:"BATCH_SIZE" default:"10" description:"Records claimed per tick"`
	MaxInflight   int           `long:"max-inflight" env:"MAX_INFLIGHT" default:"4" description:"Concurrent handler invocations"`
	IdleBackoff   time.Duration `long:"idle-backoff" env:"IDLE_BACKOFF" default:"5s" description:"Sleep applied when a claimed batch is empty"`
	ReapInterval  time.Duration `long:"reap-interval" env:"REAP_INTERVAL" default:"1m" description:"Minimum time between orphan reaps"`
	OrphanTimeout time.Duration `long:"orphan-timeout" env:"ORPHAN_TIMEOUT" default:"10m" description:"Age at which a processing record is presumed stranded"`
	MaxRetries    int           `long:"max-retries" env:"MAX_RETRIES" default:"3" description:"Retry ceiling used by reset-failed"`
	ShutdownGrace time.Duration `long:"shutdown-grace" env:"SHUTDOWN_GRACE" default:"30s" description:"Maximum wait for in-flight records on stop"`
	Port          uint16        `long:"port" env:"PORT" default:"8080" description:"Health and metrics port"`
}

func (cmd cmdServe) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(cmd.Diagnostics)()
	mbp.InitLog(cmd.Log)

	log.WithFields(log.Fields{
		"config":    cmd,
		"version":   mbp.Version,
		"buildDate": mbp.BuildDate,
	}).Info("conveyord configuration")

	exitOn(cmd.serve())
	return nil
}

func (cmd cmdServe) serve() error {
	var cfg = cmd.resolve()
	cfg.BatchSize = cmd.BatchSize
	cfg.MaxInflight = cmd.MaxInflight
	cfg.IdleBackoff = cmd.IdleBackoff
	cfg.ReapInterval = cmd.ReapInterval
	cfg.OrphanTimeout = cmd.OrphanTimeout
	cfg.MaxRetries = cmd.MaxRetries
	cfg.ShutdownGrace = cmd.ShutdownGrace

	if err := cfg.Validate(); err != nil {
		return err
	}

	var rt, err = openRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	// Bring the queue store to the latest schema before claiming from it.
	{
		var ctx, cancel = rt.queryContext()
		defer cancel()
		if err = rt.runner.Migrate(ctx); err != nil {
			return err
		}
	}

	var checker = health.NewChecker(cfg, rt.access, rt.engine, health.DefaultThresholds())
	var httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cmd.Port),
		Handler: health.NewHandler(checker, rt.publisher),
	}
	var loop = worker.NewLoop(cfg, rt.engine, worker.Passthrough, rt.publisher)

	log.WithFields(log.Fields{
		"flow":        cfg.FlowName,
		"instance_id": loop.InstanceID(),
		"port":        cmd.Port,
	}).Info("starting conveyord")

	var tasks = task.NewGroup(context.Background())

	tasks.Queue("worker loop", func() error {
		return loop.Run(tasks.Context())
	})
	tasks.Queue("health server", func() error {
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	tasks.Queue("health server shutdown", func() error {
		<-tasks.Context().Done()
		var ctx, cancel = context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		_ = httpServer.Shutdown(ctx)
		return nil
	})

	// Install signal handler & begin processing.
	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	tasks.Queue("watch signalCh", func() error {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal")
			tasks.Cancel()
			return nil
		case <-tasks.Context().Done():
			return nil
		}
	})
	tasks.GoRun()

	if err = tasks.Wait(); err != nil {
		return fmt.Errorf("task failed: %w", err)
	}
	log.Info("goodbye")
	return nil
}
