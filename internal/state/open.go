package state

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/schester44/Snow-Bunny/internal/awscfg"
	"github.com/schester44/Snow-Bunny/internal/config"
)

// Open creates the store selected by cfg.State.Engine. File-based engines
// create the parent directory of their state file first.
func Open(ctx context.Context, cfg *config.Config, awsOpts awscfg.Options) (Store, error) {
	switch cfg.State.Engine {
	case config.EngineSQLite, config.EngineJSON:
		path := cfg.StatePath()
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating state directory: %w", err)
			}
		}
		if cfg.State.Engine == config.EngineJSON {
			s, err := NewJSONStore(path)
			if err != nil {
				return nil, err
			}
			slog.Info("JSON state store opened", "path", path)
			return s, nil
		}
		s, err := NewSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		slog.Info("SQLite state store opened", "path", path)
		return s, nil
	case config.EngineDynamoDB:
		s, err := NewDynamoDBStore(ctx, cfg.State.DynamoDB, awsOpts)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.EngineFirestore:
		s, err := NewFirestoreStore(ctx, cfg.State.Firestore)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.EngineCosmos:
		s, err := NewCosmosStore(ctx, cfg.State.Cosmos)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown state engine %q", cfg.State.Engine)
	}
}
