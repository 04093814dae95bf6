package services

import (
	"context"
	"fmt"

	"github.com/ekaya-inc/erd2dataverse/pkg/apperrors"
	"github.com/ekaya-inc/erd2dataverse/pkg/config"
	"github.com/ekaya-inc/erd2dataverse/pkg/dataverse"
	"github.com/ekaya-inc/erd2dataverse/pkg/models"
)

// EnvironmentResolver maps an environment name to an authenticated client.
type EnvironmentResolver interface {
	// Resolve returns apperrors.ErrInvalidEnvironment for unknown or
	// incomplete environments. An empty name selects the default.
	Resolve(ctx context.Context, name string) (dataverse.API, models.EnvironmentRef, error)
	// Names lists the configured environments.
	Names() []string
}

type configResolver struct {
	cfg   *config.DataverseConfig
	cache *dataverse.ClientCache
}

// NewEnvironmentResolver resolves environments from configuration and reuses
// clients through the cache.
func NewEnvironmentResolver(cfg *config.DataverseConfig, cache *dataverse.ClientCache) EnvironmentResolver {
	return &configResolver{cfg: cfg, cache: cache}
}

var _ EnvironmentResolver = (*configResolver)(nil)

func (r *configResolver) Resolve(_ context.Context, name string) (dataverse.API, models.EnvironmentRef, error) {
	env, ok := r.cfg.Environment(name)
	if !ok {
		return nil, models.EnvironmentRef{}, fmt.Errorf("%w: %q", apperrors.ErrInvalidEnvironment, name)
	}

	dvCfg := dataverse.Config{
		ServerURL:    env.ServerURL,
		TenantID:     env.TenantID,
		ClientID:     env.ClientID,
		ClientSecret: env.ClientSecret,
		APIVersion:   r.cfg.APIVersion,
		Timeout:      r.cfg.Timeout,
	}
	if err := dvCfg.Validate(); err != nil {
		return nil, models.EnvironmentRef{}, fmt.Errorf("%w: %s: %v", apperrors.ErrInvalidEnvironment, env.Name, err)
	}

	client, err := r.cache.Get(dvCfg)
	if err != nil {
		return nil, models.EnvironmentRef{}, fmt.Errorf("failed to create dataverse client for %s: %w", env.Name, err)
	}

	return client, models.EnvironmentRef{
		Name:      env.Name,
		ServerURL: env.ServerURL,
		ClientID:  env.ClientID,
	}, nil
}

func (r *configResolver) Names() []string {
	return r.cfg.EnvironmentNames()
}

// RollbackClients adapts a resolver to the rollback engine, which looks the
// environment up by the name stored in the deployment record.
func RollbackClients(r EnvironmentResolver) func(ctx context.Context, env models.EnvironmentRef) (dataverse.API, error) {
	return func(ctx context.Context, env models.EnvironmentRef) (dataverse.API, error) {
		api, resolved, err := r.Resolve(ctx, env.Name)
		if err != nil {
			return nil, err
		}
		if env.ServerURL != "" && resolved.ServerURL != env.ServerURL {
			return nil, fmt.Errorf("%w: environment %s now points to %s, deployment targeted %s",
				apperrors.ErrInvalidEnvironment, env.Name, resolved.ServerURL, env.ServerURL)
		}
		return api, nil
	}
}
