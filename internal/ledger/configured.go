package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/nexusledger/internal/authkey"
	"github.com/jmerrifield20/nexusledger/internal/config"
	"github.com/jmerrifield20/nexusledger/internal/markerstream"
	"go.uber.org/zap"
)

// LoadKey returns the MAC secret named by cfg. A hex key wins over a key
// file; a missing key file is generated.
func LoadKey(cfg config.AuthConfig) (authkey.Secret, error) {
	if cfg.KeyHex != "" {
		return authkey.FromHex(cfg.KeyHex)
	}
	key, err := authkey.LoadOrCreate(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load auth key %s: %w", cfg.KeyFile, err)
	}
	return key, nil
}

// OpenLog opens the durable marker log for the configured backend.
func OpenLog(ctx context.Context, cfg config.Config, logger *zap.Logger) (markerstream.Log, error) {
	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")
		return &pooledLog{PostgresLog: markerstream.NewPostgresLog(pool, logger), pool: pool}, nil
	default:
		return markerstream.OpenFileLog(cfg.Storage.Dir, logger)
	}
}

// OpenConfigured opens the log and key named by cfg and returns the Service
// over them. The root pointer is not yet authenticated.
func OpenConfigured(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Service, error) {
	key, err := LoadKey(cfg.Auth)
	if err != nil {
		return nil, err
	}
	log, err := OpenLog(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	svc, err := Open(ctx, log, Options{
		RootDir:         cfg.Storage.Dir,
		Key:             key,
		PublisherID:     cfg.Publisher.ID,
		MMREnabled:      cfg.MMR.Enabled,
		LookbackWindow:  cfg.Epoch.LookbackWindow,
		MaxFutureEpochs: cfg.Epoch.MaxFutureEpochs,
		PublishEvery:    cfg.Publish.Every,
	}, logger)
	if err != nil {
		log.Close()
		return nil, err
	}
	return svc, nil
}

// pooledLog owns its pool so that closing the Service disconnects.
type pooledLog struct {
	*markerstream.PostgresLog
	pool *pgxpool.Pool
}

func (l *pooledLog) Close() error {
	l.pool.Close()
	return nil
}
