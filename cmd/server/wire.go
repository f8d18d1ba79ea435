package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gyaneshwarpardhi/campaignwatch/internal/config"
	"github.com/gyaneshwarpardhi/campaignwatch/internal/detection"
	"github.com/gyaneshwarpardhi/campaignwatch/internal/knowledge"
	"github.com/gyaneshwarpardhi/campaignwatch/internal/monitor"
	"github.com/gyaneshwarpardhi/campaignwatch/internal/pattern"
	"github.com/gyaneshwarpardhi/campaignwatch/internal/reasoning"
	"github.com/gyaneshwarpardhi/campaignwatch/internal/sink"
	"github.com/gyaneshwarpardhi/campaignwatch/internal/store"
	"github.com/gyaneshwarpardhi/campaignwatch/internal/tools"
)

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func buildCalibrator(c config.CalibrationConf) (detection.Calibrator, error) {
	if len(c.Points) == 0 {
		return detection.Identity{}, nil
	}
	points := make([]detection.Point, len(c.Points))
	for i, p := range c.Points {
		points[i] = detection.Point{Raw: p.Raw, Calibrated: p.Calibrated}
	}
	return detection.NewPiecewise(points)
}

// collaborators are decided once at startup. Unconfigured ones fall back to
// in-process implementations, except the event bus which is simply absent.
type collaborators struct {
	store     store.Reader
	bus       detection.EventBus
	messenger detection.Messenger
	knowledge knowledge.Base
	closers   []func() error
}

func (c *collaborators) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			slog.Warn("close collaborator", "err", err)
		}
	}
}

func openCollaborators(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*collaborators, error) {
	col := &collaborators{}

	if dsn := os.Getenv(cfg.Postgres.DSNEnv); dsn != "" {
		pg, err := store.OpenPostgres(ctx, store.PostgresConfig{
			DSN:          dsn,
			Table:        cfg.Postgres.Table,
			MaxOpenConns: cfg.Postgres.MaxOpenConns,
			QueryTimeout: ms(cfg.Postgres.QueryTimeoutMs),
		})
		if err != nil {
			return nil, err
		}
		col.store = pg
		col.closers = append(col.closers, pg.Close)
		logger.Info("record store: postgres", "table", cfg.Postgres.Table)
	} else {
		col.store = store.NewMemory()
		logger.Warn("record store: in-memory (no DSN configured); tools will see no history", "env", cfg.Postgres.DSNEnv)
	}

	if cfg.Redis.Addr != "" {
		client, err := sink.NewRedisClient(ctx, sink.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: os.Getenv(cfg.Redis.PasswordEnv),
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			col.Close()
			return nil, err
		}
		col.closers = append(col.closers, client.Close)
		messenger := sink.NewRedisMessenger(client, cfg.Redis.Channel, logger)
		col.messenger = messenger
		col.knowledge = sink.NewRedisKnowledge(client, cfg.Redis.KeyPrefix, cfg.Redis.MaxKnowledgeEntries)
		go logBroadcasts(ctx, messenger, logger)
		logger.Info("messenger and knowledge base: redis", "addr", cfg.Redis.Addr, "channel", cfg.Redis.Channel)
	} else {
		local := sink.NewLocalMessenger(0)
		local.Subscribe(func(m detection.Message) { logBroadcast(logger, m) })
		col.messenger = local
		col.knowledge = knowledge.NewMemory(cfg.Redis.MaxKnowledgeEntries)
		logger.Info("messenger and knowledge base: in-process")
	}

	if len(cfg.Kafka.Brokers) > 0 {
		bus := sink.NewKafkaBus(sink.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			RequiredAcks: cfg.Kafka.RequiredAcks,
		}, logger)
		col.bus = bus
		col.closers = append(col.closers, bus.Close)
	} else {
		logger.Info("event bus: none (no kafka brokers configured)")
	}
	return col, nil
}

func logBroadcasts(ctx context.Context, m *sink.RedisMessenger, logger *slog.Logger) {
	err := m.Subscribe(ctx, func(msg detection.Message) { logBroadcast(logger, msg) })
	if err != nil && ctx.Err() == nil {
		logger.Warn("broadcast subscription ended", "err", err)
	}
}

func logBroadcast(logger *slog.Logger, m detection.Message) {
	logger.Info("monitor broadcast",
		"from", m.From, "priority", m.Priority, "seller", m.SellerID, "detection", m.DetectionID, "content", m.Content)
}

// buildReasoning returns the shared backend and the predictor used by
// correlation monitors and the predict_next_step tool.
func buildReasoning(rc config.ReasoningConf, logger *slog.Logger) (reasoning.Backend, *pattern.Predictor) {
	if rc.Backend != "chat" {
		return nil, pattern.NewPredictor(nil, logger)
	}
	chat := reasoning.NewChatBackend(reasoning.ChatConfig{
		URL:          rc.URL,
		Model:        rc.Model,
		APIKey:       os.Getenv(rc.APIKeyEnv),
		MaxToolTurns: rc.MaxToolTurns,
		MaxTokens:    rc.MaxTokens,
		Timeout:      ms(rc.TimeoutMs),
	}, logger)
	if rc.RefinePredictions {
		return chat, pattern.NewPredictor(chat, logger)
	}
	return chat, pattern.NewPredictor(nil, logger)
}

func buildMonitor(
	mc config.MonitorConf,
	cfg *config.Config,
	cat *pattern.Catalog,
	backend reasoning.Backend,
	predictor *pattern.Predictor,
	calibrator detection.Calibrator,
	col *collaborators,
	logger *slog.Logger,
) (*monitor.Monitor, error) {
	if backend == nil {
		backend = reasoning.NewRuleBackend(cat, cfg.Reasoning.MinScore, cfg.Reasoning.MinSteps)
	}
	reg := tools.NewRegistryFor(tools.Deps{
		Store:               col.store,
		Catalog:             cat,
		Predictor:           predictor,
		Knowledge:           col.knowledge,
		KnowledgeCollection: cfg.Pipeline.KnowledgeCollection,
		MaxRecords:          cfg.Tools.MaxRecords,
	}, mc.Capabilities)
	for _, name := range mc.Capabilities {
		if _, ok := reg.Get(name); !ok {
			return nil, fmt.Errorf("capability %q is not a known tool", name)
		}
	}

	return monitor.New(monitor.Config{
		ID:                    mc.ID,
		Name:                  mc.Name,
		Role:                  mc.Role,
		Kind:                  monitor.Kind(mc.Kind),
		Capabilities:          mc.Capabilities,
		ScanInterval:          ms(mc.ScanIntervalMs),
		AccelerationThreshold: mc.EventAccelerationThreshold,
		Topics:                mc.SubscribedTopics,
		ReasoningTimeout:      ms(mc.ReasoningTimeoutMs),
		RefineTimeout:         ms(mc.RefineTimeoutMs),
		HistorySize:           mc.HistorySize,
		TimelineWindow:        time.Duration(mc.TimelineWindowMs) * time.Millisecond,
		MaxTimelineEvents:     mc.MaxTimelineEvents,
	}, monitor.Deps{
		Backend:   backend,
		Tools:     reg,
		Catalog:   cat,
		Predictor: predictor,
		Sinks: detection.Capabilities{
			Bus:        col.bus,
			Messenger:  col.messenger,
			Knowledge:  col.knowledge,
			Calibrator: calibrator,
		},
		Pipeline: detection.PipelineConfig{
			Topic:               cfg.Pipeline.Topic,
			KnowledgeCollection: cfg.Pipeline.KnowledgeCollection,
			BroadcastThreshold:  cfg.Pipeline.BroadcastThreshold,
			RingSize:            cfg.Pipeline.RingSize,
			SinkTimeout:         ms(cfg.Pipeline.SinkTimeoutMs),
		},
	}, logger)
}
