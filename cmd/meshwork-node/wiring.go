package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shaiso/Meshwork/internal/config"
	"github.com/shaiso/Meshwork/internal/kv"
	"github.com/shaiso/Meshwork/internal/kv/natskv"
	"github.com/shaiso/Meshwork/internal/kv/pgkv"
	"github.com/shaiso/Meshwork/internal/mq"
	"github.com/shaiso/Meshwork/internal/transport"
)

// openStore открывает kv.Store по store.driver.
// Возвращаемая функция освобождает ресурсы хранилища.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (kv.Store, func(), error) {
	switch cfg.Store.Driver {
	case config.StoreNATS:
		s, err := natskv.Connect(ctx, natskv.Config{
			URL:      cfg.Store.NATSURL,
			Bucket:   cfg.Store.Bucket,
			Replicas: cfg.Store.Replicas,
			Logger:   logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case config.StorePostgres:
		pool, err := pgkv.NewPool(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		s := pgkv.New(pool, logger)
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, nil, err
		}
		return s, s.Close, nil

	case config.StoreMemory:
		logger.Warn("in-memory store: state is local to this process")
		m := kv.NewMemory()
		return m, m.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

// openBus открывает транспорт топиков по transport.driver.
func openBus(ctx context.Context, cfg *config.Config, logger *slog.Logger) (transport.Bus, error) {
	switch cfg.Transport.Driver {
	case config.TransportNATS:
		bus, err := transport.ConnectNATS(cfg.Transport.NATSURL, logger)
		if err != nil {
			return nil, err
		}
		return bus, nil

	case config.TransportAMQP:
		conn, err := mq.NewConnection(mq.Config{URL: cfg.Transport.AMQPURL, Logger: logger})
		if err != nil {
			return nil, err
		}
		if err := mq.SetupTopology(ctx, conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("setup topology: %w", err)
		}
		logger.Debug("amqp topology declared", "topology", mq.TopologyInfo())
		return mq.NewTopicBus(conn, logger, true), nil

	case config.TransportMemory:
		return transport.NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown transport driver %q", cfg.Transport.Driver)
}
