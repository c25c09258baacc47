package di

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	domrepo "FinGate/internal/domain/repository"
	domsvc "FinGate/internal/domain/service"
	"FinGate/internal/handler/api"
	internalrepo "FinGate/internal/repository"
	"FinGate/internal/service/broker"
	"FinGate/internal/services/analytics"
	"FinGate/internal/services/news"
	"FinGate/internal/usecase"
	"FinGate/pkg/cache"
	pkgch "FinGate/pkg/clickhouse"
	"FinGate/pkg/config"
	xhttp "FinGate/pkg/http"
	pkgkafka "FinGate/pkg/kafka"
	applogger "FinGate/pkg/logger"
	"FinGate/pkg/metrics"
	"FinGate/pkg/server"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const serviceName = "fingate"

// ProvideLogger builds the application logger. When Kafka is enabled and the
// collector is switched on, aggregated log lines are shipped to the logs topic.
func ProvideLogger(cfg *config.Config, producer *pkgkafka.Producer) (*applogger.Logger, func(), error) {
	l, err := applogger.New(&applogger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: cfg.Log.TimeFormat,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}

	if producer != nil && cfg.Log.Collector.Enabled {
		l.AddCollector(&applogger.CollectionConfig{
			TimeInterval:   cfg.Log.Collector.Interval,
			CountThreshold: cfg.Log.Collector.Threshold,
			Level:          cfg.Log.Collector.Level,
			Topic:          cfg.Kafka.LogsTopic,
			Service:        serviceName,
			Publisher:      producer,
		})
	}
	return l, l.RemoveCollector, nil
}

// ProvideRegistry returns a private registry so tests and multiple instances never collide
// on the global one.
func ProvideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func ProvideMetrics(reg *prometheus.Registry) domrepo.Metrics {
	return metrics.NewWithRegistry(reg)
}

// ProvideClickHouseClient connects and creates the candle and journal tables.
// Returns a nil client when ClickHouse is disabled.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, func(), error) {
	if !cfg.ClickHouse.Enabled {
		return nil, func() {}, nil
	}

	client, err := pkgch.NewClient(
		pkgch.WithHost(cfg.ClickHouse.Host),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithMaxConnections(10, 5),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, cfg.ClickHouse.WaitForAsync),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout),
		pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("clickhouse client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := append([]string{}, internalrepo.CandleSchema...)
	if cfg.ClickHouse.Journal.Enabled {
		stmts = append(stmts, internalrepo.JournalSchema...)
	}
	if err := client.InitSchema(ctx, stmts); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("clickhouse schema: %w", err)
	}

	return client, func() { _ = client.Close() }, nil
}

// ProvideKafkaProducer returns a nil producer when Kafka is disabled.
func ProvideKafkaProducer(cfg *config.Config, reg *prometheus.Registry) (*pkgkafka.Producer, func(), error) {
	if !cfg.Kafka.Enabled {
		return nil, func() {}, nil
	}

	pc := cfg.Kafka.Producer
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithMaxAttempts(pc.MaxAttempts),
		pkgkafka.WithBatching(pc.BatchSize, pc.BatchBytes, pc.Linger),
		pkgkafka.WithTimeouts(pc.WriteTimeout, pc.ReadTimeout),
		pkgkafka.WithHashByKey(true),
		pkgkafka.WithRegisterer(reg),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, func() { _ = producer.Close() }, nil
}

// ProvideCache picks Redis when enabled so risk state survives restarts and is
// shared across instances; otherwise an in-process cache.
func ProvideCache(cfg *config.Config) (cache.Service, func(), error) {
	if !cfg.Redis.Enabled {
		c := cache.NewMemoryCache()
		return c, func() { _ = c.Close() }, nil
	}

	c, err := cache.NewRedisCache(
		cache.WithRedisAddr(net.JoinHostPort(cfg.Redis.Host, strconv.Itoa(cfg.Redis.Port))),
		cache.WithRedisAuth(cfg.Redis.Password, cfg.Redis.DB),
		cache.WithRedisPrefix(cfg.Redis.Prefix),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("redis cache: %w", err)
	}
	return c, func() { _ = c.Close() }, nil
}

func ProvideRiskStateStore(cfg *config.Config, c cache.Service) domrepo.RiskStateStore {
	return internalrepo.NewCacheRiskStateStore(c, cfg.Redis.StateKey)
}

// ProvideBridge returns nil unless the broker or the bar feed goes through the bridge.
func ProvideBridge(cfg *config.Config, l *applogger.Logger) *broker.Bridge {
	if cfg.Broker.Mode != "bridge" && cfg.MarketData.Source != "bridge" {
		return nil
	}
	return broker.NewBridge(cfg.Broker, l.With(applogger.String("component", "bridge")))
}

func ProvideBarSource(cfg *config.Config, ch *pkgch.Client, bridge *broker.Bridge, l *applogger.Logger) (domrepo.BarSource, error) {
	switch cfg.MarketData.Source {
	case "clickhouse":
		if ch == nil {
			return nil, fmt.Errorf("bar source: clickhouse is disabled")
		}
		return internalrepo.NewCHBarStore(ch, l), nil
	case "bridge":
		if bridge == nil {
			return nil, fmt.Errorf("bar source: bridge is not configured")
		}
		return bridge, nil
	default:
		return nil, fmt.Errorf("bar source: unknown source %q", cfg.MarketData.Source)
	}
}

func ProvideBroker(cfg *config.Config, bridge *broker.Bridge, bars domrepo.BarSource, l *applogger.Logger) (domrepo.Broker, error) {
	switch cfg.Broker.Mode {
	case "paper":
		return broker.NewPaper(cfg, bars, l.With(applogger.String("component", "paper"))), nil
	case "bridge":
		if bridge == nil {
			return nil, fmt.Errorf("broker: bridge is not configured")
		}
		return bridge, nil
	default:
		return nil, fmt.Errorf("broker: unknown mode %q", cfg.Broker.Mode)
	}
}

func ProvideScorer(cfg *config.Config) *analytics.SwappableScorer {
	return analytics.NewSwappableScorer(analytics.NewHTTPScorer(cfg))
}

func ProvideRegimeClassifier(cfg *config.Config) domsvc.RegimeClassifier {
	return analytics.NewHTTPRegimeClassifier(cfg)
}

// ProvideDebater returns nil when debate is off; the orchestrator then executes directly.
func ProvideDebater(cfg *config.Config) domsvc.Debater {
	if !cfg.Debate.Enabled {
		return nil
	}
	return analytics.NewHTTPDebater(cfg)
}

func ProvideCritic(cfg *config.Config) domsvc.Critic {
	return analytics.NewHTTPCritic(cfg)
}

func ProvideNewsCalendar(cfg *config.Config) domsvc.NewsCalendar {
	if !cfg.News.Enabled {
		return nil
	}
	return news.NewCalendar(cfg.News)
}

// ProvideEventSink fans events out to every enabled backend.
func ProvideEventSink(cfg *config.Config, ch *pkgch.Client, producer *pkgkafka.Producer, l *applogger.Logger) (domrepo.EventSink, func()) {
	var (
		sinks    internalrepo.MultiSink
		closers  []func() error
		sinkLogs = l.With(applogger.String("component", "events"))
	)

	if producer != nil {
		k := internalrepo.NewKafkaEventSink(producer, cfg.Kafka.EventsTopic, cfg.Kafka.SinkBuffer, sinkLogs)
		sinks = append(sinks, k)
		closers = append(closers, k.Close)
	}
	if ch != nil && cfg.ClickHouse.Journal.Enabled {
		j := internalrepo.NewCHEventJournal(ch.DB(), ch.Database(),
			cfg.ClickHouse.Journal.BatchSize, cfg.ClickHouse.Journal.FlushInterval, cfg.ClickHouse.WriteTimeout, sinkLogs)
		sinks = append(sinks, j)
		closers = append(closers, j.Close)
	}

	cleanup := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				sinkLogs.Warn("event sink close failed", applogger.Error(err))
			}
		}
	}

	switch len(sinks) {
	case 0:
		return internalrepo.NopSink{}, cleanup
	case 1:
		return sinks[0], cleanup
	default:
		return sinks, cleanup
	}
}

// ProvideAgents builds one agent per configured symbol, in configuration order.
func ProvideAgents(cfg *config.Config, bars domrepo.BarSource, scorer domsvc.Scorer, regime domsvc.RegimeClassifier, b domrepo.Broker, risk *usecase.RiskGateway, l *applogger.Logger) []*usecase.SymbolAgent {
	agents := make([]*usecase.SymbolAgent, 0, len(cfg.Trading.Symbols))
	for _, sym := range cfg.Trading.Symbols {
		agents = append(agents, usecase.NewSymbolAgent(sym, cfg, bars, scorer, regime, b, risk, l))
	}
	return agents
}

// ProvideHTTPServer exposes health, metrics and the read-only status API.
// Returns nil when the server is disabled.
func ProvideHTTPServer(cfg *config.Config, l *applogger.Logger, reg *prometheus.Registry, orch *usecase.ScanOrchestrator, risk *usecase.RiskGateway) *xhttp.Server {
	if !cfg.Server.Enabled {
		return nil
	}

	opts := []xhttp.ServerOption{
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		xhttp.WithLogger(l.With(applogger.String("component", "http"))),
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, xhttp.WithMetrics(cfg.Metrics.Path, reg, reg))
	}

	status := api.NewStatusEchoHandler(l, orch, risk)
	return xhttp.NewServer([]xhttp.Handler{status}, opts...)
}

func ProvideApp(cfg *config.Config, l *applogger.Logger, orch *usecase.ScanOrchestrator, risk *usecase.RiskGateway, srv *xhttp.Server, c cache.Service) *server.App {
	return server.New(cfg, l, orch, risk, srv, c)
}
