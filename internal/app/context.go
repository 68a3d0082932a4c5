package app

import (
	"context"
	"errors"
	"fmt"

	"flowrequest/internal/config"
	"flowrequest/internal/domain"
	"flowrequest/internal/repo"
)

// ResolveWorkspaceAndConfig loads the workspace configuration and makes sure
// the database carries it. Preference order: flowrequest.yml in the
// workspace, then the copy stored in the database, then built-in defaults.
// On first run the seed team and delegation rules from the config are
// written into an empty directory.
func ResolveWorkspaceAndConfig(ctx context.Context, workspace string, r repo.Repo) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		stored, err := r.FirstWorkspaceConfig(ctx)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
		cfg = stored
	}
	if cfg == nil {
		cfg = config.Default("local")
	}

	if _, err := r.GetWorkspaceConfig(ctx, cfg.Workspace.ID); errors.Is(err, repo.ErrNotFound) {
		if err := r.UpsertWorkspaceConfig(ctx, cfg.Workspace.ID, cfg); err != nil {
			return nil, fmt.Errorf("store workspace config: %w", err)
		}
	} else if err != nil {
		return nil, err
	}

	if err := seedDirectory(ctx, r, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// seedDirectory populates an empty team directory from the seed block.
func seedDirectory(ctx context.Context, r repo.Repo, cfg *config.Config) error {
	n, err := r.CountUsers(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, s := range cfg.Seed.Team {
		u := domain.User{
			ID:      s.ID,
			Name:    s.Name,
			Email:   s.Email,
			Role:    s.Role,
			RoleKey: s.RoleKey,
			IsAdmin: s.IsAdmin,
		}
		if err := r.UpsertUserTx(ctx, tx, u); err != nil {
			return fmt.Errorf("seed user %s: %w", s.ID, err)
		}
	}
	for _, s := range cfg.Seed.Mappings {
		m := domain.RoleMapping{ID: s.ID, Role: s.Role}
		for _, g := range s.Groups {
			m.Groups = append(m.Groups, domain.KeywordGroup{Name: g.Name, Keywords: g.Keywords})
		}
		if err := r.UpsertMappingTx(ctx, tx, m); err != nil {
			return fmt.Errorf("seed mapping %s: %w", s.ID, err)
		}
	}
	return tx.Commit()
}
