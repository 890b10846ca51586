package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/relaydev/agentrun/internal/domain"
	"github.com/relaydev/agentrun/internal/domain/pricing"
)

// GetModelPricing returns the pricing row for a provider/model pair.
func (s *Store) GetModelPricing(ctx context.Context, provider, model string) (*pricing.ModelPricing, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT provider, model, input_usd_per_mtok, output_usd_per_mtok,
		        cached_input_usd_per_mtok, version
		 FROM model_pricing WHERE provider = $1 AND model = $2`, provider, model)

	var p pricing.ModelPricing
	err := row.Scan(&p.Provider, &p.Model, &p.InputUSDPerMTok, &p.OutputUSDPerMTok,
		&p.CachedInputPerMTok, &p.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("pricing for %s/%s: %w", provider, model, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("pricing for %s/%s: %w", provider, model, err)
	}
	return &p, nil
}
