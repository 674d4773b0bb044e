// Package bootstrap seeds the minimum state a fresh deployment needs.
package bootstrap

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/agentkey/internal/access"
	"github.com/smallbiznis/agentkey/internal/config"
	"github.com/smallbiznis/agentkey/internal/domain"
)

const adminKeyName = "bootstrap-admin"

// KeyEnsurer creates a team and its admin key when missing.
type KeyEnsurer interface {
	EnsureTeamKey(ctx context.Context, team domain.Team, name, rawKey string) error
}

// EnsureAdmin registers the configured team admin key on start. It does
// nothing when no bootstrap key is configured.
func EnsureAdmin(lc fx.Lifecycle, cfg config.Config, gate *access.Gate, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return ensureAdmin(ctx, cfg, gate, logger)
		},
	})
}

func ensureAdmin(ctx context.Context, cfg config.Config, keys KeyEnsurer, logger *zap.Logger) error {
	if cfg.BootstrapAdminKey == "" {
		return nil
	}
	team := domain.Team{ID: cfg.BootstrapTeamID, Name: cfg.BootstrapTeamName}
	if err := keys.EnsureTeamKey(ctx, team, adminKeyName, cfg.BootstrapAdminKey); err != nil {
		return fmt.Errorf("bootstrap admin key: %w", err)
	}
	logger.Info("bootstrap admin key ensured",
		zap.Stringer("team_id", team.ID),
		zap.String("key_prefix", access.DisplayPrefix(cfg.BootstrapAdminKey)),
	)
	return nil
}
