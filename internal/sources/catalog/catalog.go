// Package catalog builds the source registry from configuration.
package catalog

import (
	"fmt"

	"github.com/Ayash-Bera/agregador/internal/config"
	"github.com/Ayash-Bera/agregador/internal/ratelimit"
	"github.com/Ayash-Bera/agregador/internal/sources"
	"github.com/Ayash-Bera/agregador/internal/sources/camara"
	"github.com/Ayash-Bera/agregador/internal/sources/ibge"
	"github.com/Ayash-Bera/agregador/internal/sources/senado"
	"github.com/Ayash-Bera/agregador/internal/sources/transparencia"
	"github.com/sirupsen/logrus"
)

type factory func(*sources.Client) sources.Adapter

var factories = map[string]factory{
	camara.Name:        func(c *sources.Client) sources.Adapter { return camara.New(c) },
	senado.Name:        func(c *sources.Client) sources.Adapter { return senado.New(c) },
	ibge.Name:          func(c *sources.Client) sources.Adapter { return ibge.New(c) },
	transparencia.Name: func(c *sources.Client) sources.Adapter { return transparencia.New(c) },
}

var credentialHeaders = map[string]string{
	transparencia.Name: transparencia.KeyHeader,
}

// Build registers one adapter per configured source and configures its
// token bucket on limiter. Sources without a known adapter are skipped with
// a warning. Disabled sources are registered so they show up in the
// catalogue, but are never selected for dispatch.
func Build(cfg *config.Config, limiter *ratelimit.Limiter, logger *logrus.Logger) (*sources.Registry, error) {
	registry := sources.NewRegistry()

	for _, name := range cfg.SourceNames() {
		sc := cfg.Sources[name]
		newAdapter, ok := factories[name]
		if !ok {
			logger.WithField("source", name).Warn("No adapter for configured source, skipping")
			continue
		}

		desc := sc.Descriptor()
		limiter.Configure(name, sc.RatePerMinute, sc.Burst)
		client := sources.NewClient(desc, sources.ClientOptions{
			Timeout:            sc.Timeout,
			Credential:         sc.Credential,
			CredentialHeader:   credentialHeaders[name],
			BreakerMaxFailures: cfg.Breaker.MaxFailures,
			BreakerOpenTimeout: cfg.Breaker.OpenTimeout,
		}, limiter, logger)

		if err := registry.Register(newAdapter(client)); err != nil {
			return nil, fmt.Errorf("failed to register source: %w", err)
		}

		logger.WithFields(logrus.Fields{
			"source":          name,
			"enabled":         desc.Enabled,
			"auth":            desc.Auth,
			"has_credential":  desc.HasCredential,
			"rate_per_minute": desc.RatePerMinute,
		}).Info("Source registered")
	}

	if len(registry.Names()) == 0 {
		return nil, fmt.Errorf("no sources configured")
	}
	return registry, nil
}
