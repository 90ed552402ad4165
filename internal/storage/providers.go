package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hyperjump/kotae/internal/apperr"
	"github.com/hyperjump/kotae/internal/models"
)

// ValidateProviderConfigs checks a write batch before any I/O: every entry must
// name a known provider and a model, at most one provider may be marked active,
// and a provider may have at most one default model.
func ValidateProviderConfigs(cfgs []models.ProviderConfig) error {
	if len(cfgs) == 0 {
		return apperr.New(apperr.KindConfig, "no provider configuration given")
	}
	active := make(map[models.ProviderName]bool)
	defaults := make(map[models.ProviderName]string)
	for _, c := range cfgs {
		if !c.Provider.Valid() {
			return apperr.New(apperr.KindConfig, "unknown provider %q", c.Provider)
		}
		if c.ModelName == "" {
			return apperr.New(apperr.KindConfig, "provider %s: model name is required", c.Provider)
		}
		if c.IsActive {
			active[c.Provider] = true
		}
		if c.IsDefaultModel {
			if prev, ok := defaults[c.Provider]; ok && prev != c.ModelName {
				return apperr.New(apperr.KindConfig, "provider %s: both %s and %s marked as default model", c.Provider, prev, c.ModelName)
			}
			defaults[c.Provider] = c.ModelName
		}
	}
	if len(active) > 1 {
		return apperr.New(apperr.KindConfig, "only one provider can be active, got %d", len(active))
	}
	return nil
}

// SaveProviderConfigs upserts provider entries in one transaction. Marking a
// provider active clears the flag on every other provider in the same
// transaction; marking a model default clears the other defaults of that
// provider. An entry without the flags leaves the stored ones alone, so the
// active provider and its default model only change when another one is
// marked. An empty credential bundle keeps the stored one.
func (s *SQLiteStorage) SaveProviderConfigs(ctx context.Context, cfgs ...models.ProviderConfig) error {
	if err := ValidateProviderConfigs(cfgs); err != nil {
		return err
	}
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, c := range cfgs {
			creds := "{}"
			if len(c.Credentials) > 0 {
				b, err := json.Marshal(c.Credentials)
				if err != nil {
					return fmt.Errorf("failed to encode credentials: %w", err)
				}
				creds = string(b)
			}

			if c.IsActive {
				if _, err := tx.ExecContext(ctx,
					`UPDATE providers SET is_active = 0 WHERE name != ? AND is_active = 1`, c.Provider); err != nil {
					return fmt.Errorf("failed to clear active provider: %w", err)
				}
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO providers (name, credentials, is_active, updated_at) VALUES (?, ?, ?, ?)
				 ON CONFLICT(name) DO UPDATE SET
				   credentials = CASE WHEN excluded.credentials = '{}' THEN providers.credentials ELSE excluded.credentials END,
				   is_active = CASE WHEN excluded.is_active = 1 THEN 1 ELSE providers.is_active END,
				   updated_at = excluded.updated_at`,
				c.Provider, creds, c.IsActive, now); err != nil {
				return fmt.Errorf("failed to save provider %s: %w", c.Provider, err)
			}

			if c.IsDefaultModel {
				if _, err := tx.ExecContext(ctx,
					`UPDATE provider_models SET is_default = 0 WHERE provider = ? AND model_name != ?`,
					c.Provider, c.ModelName); err != nil {
					return fmt.Errorf("failed to clear default model: %w", err)
				}
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO provider_models (provider, model_name, is_default) VALUES (?, ?, ?)
				 ON CONFLICT(provider, model_name) DO UPDATE SET
				   is_default = CASE WHEN excluded.is_default = 1 THEN 1 ELSE provider_models.is_default END`,
				c.Provider, c.ModelName, c.IsDefaultModel); err != nil {
				return fmt.Errorf("failed to save model %s: %w", c.ModelName, err)
			}
		}
		return nil
	})
}

// ActiveProviderConfig returns the active provider with its default model. It
// fails with a no-active-provider error when there is no active provider or the
// active one has no default model.
func (s *SQLiteStorage) ActiveProviderConfig(ctx context.Context) (*models.ProviderConfig, error) {
	var (
		name    string
		creds   string
		model   sql.NullString
		updated time.Time
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT p.name, p.credentials, m.model_name, p.updated_at
		 FROM providers p
		 LEFT JOIN provider_models m ON m.provider = p.name AND m.is_default = 1
		 WHERE p.is_active = 1`).Scan(&name, &creds, &model, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NoActiveProvider("no active LLM provider is configured")
	}
	if err != nil {
		return nil, err
	}
	if !model.Valid {
		return nil, apperr.NoActiveProvider(fmt.Sprintf("active provider %s has no default model", name))
	}

	cfg := &models.ProviderConfig{
		Provider:       models.ProviderName(name),
		ModelName:      model.String,
		IsActive:       true,
		IsDefaultModel: true,
		UpdatedAt:      updated,
	}
	if err := json.Unmarshal([]byte(creds), &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("failed to decode credentials: %w", err)
	}
	return cfg, nil
}

// ListProviderConfigs returns every provider/model pair without credentials.
func (s *SQLiteStorage) ListProviderConfigs(ctx context.Context) ([]models.ProviderConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.name, p.is_active, p.updated_at, m.model_name, m.is_default
		 FROM providers p JOIN provider_models m ON m.provider = p.name
		 ORDER BY p.name, m.model_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.ProviderConfig
	for rows.Next() {
		var c models.ProviderConfig
		var name string
		if err := rows.Scan(&name, &c.IsActive, &c.UpdatedAt, &c.ModelName, &c.IsDefaultModel); err != nil {
			return nil, err
		}
		c.Provider = models.ProviderName(name)
		out = append(out, c)
	}
	return out, rows.Err()
}
