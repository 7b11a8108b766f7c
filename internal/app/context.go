package app

import (
	"context"
	"errors"

	"gateline/internal/config"
	"gateline/internal/repo"
)

// ResolveConfig loads the stored engine config, seeding defaults when the
// store is empty. An explicit engine id override wins; otherwise the single
// stored config is used.
func ResolveConfig(ctx context.Context, engineOverride string, r repo.Repo) (*config.Config, error) {
	if engineOverride != "" {
		cfg, err := r.GetEngineConfig(ctx, engineOverride)
		if err == nil {
			return cfg, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
		seed := config.Default(engineOverride)
		if err := r.UpsertEngineConfig(ctx, engineOverride, seed); err != nil {
			return nil, err
		}
		return seed, nil
	}
	cfg, err := r.SingleEngineConfig(ctx)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	seed := config.Default("default")
	if err := r.UpsertEngineConfig(ctx, seed.Engine.ID, seed); err != nil {
		return nil, err
	}
	return seed, nil
}
