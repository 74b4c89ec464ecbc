package main

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/surveymill/conveyor/config"
	"github.com/surveymill/conveyor/migrate"
	"github.com/surveymill/conveyor/ops"
	"github.com/surveymill/conveyor/queue"
	"github.com/surveymill/conveyor/store"
	mbp "go.gazette.dev/core/mainboilerplate"
)

type storeConfig struct {
	DSN            string        `long:"dsn" env:"DSN" description:"Store connection DSN"`
	PoolSize       int           `long:"pool-size" env:"POOL_SIZE" default:"5" description:"Steady-state connection pool size"`
	MaxOverflow    int           `long:"max-overflow" env:"MAX_OVERFLOW" default:"5" description:"Burst connections above the pool size"`
	AcquireTimeout time.Duration `long:"acquire-timeout" env:"ACQUIRE_TIMEOUT" default:"10s" description:"Maximum wait for a pooled connection"`
	MaxLifetime    time.Duration `long:"max-lifetime" env:"MAX_LIFETIME" default:"30m" description:"Connection recycle age"`
}

func (c storeConfig) apply(out *config.Store) {
	out.DSN = c.DSN
	out.Pool.Size = c.PoolSize
	out.Pool.MaxOverflow = c.MaxOverflow
	out.Pool.AcquireTimeout = c.AcquireTimeout
	out.Pool.MaxLifetime = c.MaxLifetime
}

// baseConfig is the flag surface shared by every conveyord command.
type baseConfig struct {
	Queue  storeConfig `group:"Queue store" namespace:"queue" env-namespace:"QUEUE"`
	Source storeConfig `group:"Source store" namespace:"source" env-namespace:"SOURCE"`

	Flow         string        `long:"flow" env:"FLOW" description:"Flow this invocation addresses"`
	QueryTimeout time.Duration `long:"query-timeout" env:"QUERY_TIMEOUT" default:"30s" description:"Per-query deadline"`

	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
}

// resolve maps the flag surface onto the core configuration record.
// Validation is left to the command, which knows which options it needs.
func (c baseConfig) resolve() config.Config {
	var out = config.New()
	c.Queue.apply(&out.QueueStore)
	c.Source.apply(&out.SourceStore)
	out.QueryTimeout = c.QueryTimeout
	out.FlowName = c.Flow
	return out
}

// runtime is the opened state shared by commands which address the queue.
type runtime struct {
	cfg       config.Config
	publisher ops.Publisher
	access    *store.Access
	queueSt   *store.Store
	engine    *queue.Engine
	runner    *migrate.Runner
}

// openRuntime connects the configured stores and builds the queue
// engine and migration runner over the queue store.
func openRuntime(cfg config.Config) (*runtime, error) {
	var publisher = ops.NewLocalPublisher(log.GetLevel())

	var access, err = store.Open(cfg, publisher)
	if err != nil {
		return nil, err
	}
	queueSt, err := access.Get(store.QueueStore)
	if err != nil {
		access.Close()
		return nil, err
	}
	engine, err := queue.NewEngine(queueSt, publisher)
	if err != nil {
		access.Close()
		return nil, err
	}
	return &runtime{
		cfg:       cfg,
		publisher: publisher,
		access:    access,
		queueSt:   queueSt,
		engine:    engine,
		runner:    migrate.NewRunner(queueSt, publisher),
	}, nil
}

func (r *runtime) close() { _ = r.access.Close() }

// queryContext bounds a one-shot command invocation.
func (r *runtime) queryContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.cfg.QueryTimeout+r.cfg.QueueStore.Pool.AcquireTimeout)
}
