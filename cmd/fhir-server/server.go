package main

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirserver/internal/config"
	"github.com/ehr/fhirserver/internal/domain/bundle"
	"github.com/ehr/fhirserver/internal/domain/interaction"
	"github.com/ehr/fhirserver/internal/platform/auth"
	"github.com/ehr/fhirserver/internal/platform/db"
	"github.com/ehr/fhirserver/internal/platform/fhir"
	"github.com/ehr/fhirserver/internal/platform/middleware"
	"github.com/ehr/fhirserver/internal/platform/persistence"
)

const fhirBasePath = "/fhir"

// newServer assembles the HTTP surface. pool is nil when store keeps
// resources in memory.
func newServer(cfg *config.Config, logger zerolog.Logger, store persistence.Persistence, pool *pgxpool.Pool) (*echo.Echo, error) {
	bodyLimit, err := middleware.ParseSize(cfg.BodyLimit)
	if err != nil {
		return nil, fmt.Errorf("BODY_LIMIT: %w", err)
	}
	bundleLimit, err := middleware.ParseSize(cfg.BundleBodyLimit)
	if err != nil {
		return nil, fmt.Errorf("BUNDLE_BODY_LIMIT: %w", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.BodyLimit(fhirBasePath, bodyLimit, bundleLimit))

	e.GET("/health", db.HealthHandler(pool))

	var authn echo.MiddlewareFunc
	if cfg.IsDev() && cfg.AuthSigningKey == "" && cfg.AuthJWKSURL == "" {
		authn = auth.DevAuthMiddleware()
	} else {
		authn = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		})
	}
	fhirGroup := e.Group(fhirBasePath, authn, db.TenantMiddleware(pool, cfg.DefaultTenant))

	scope := persistence.TenantScope(cfg.ConformanceTenant)
	if pool != nil {
		scope = persistence.PostgresScope(pool, cfg.ConformanceTenant)
	}
	profiles := fhir.NewDefaultProfileRegistry(persistence.NewProfileSource(store, scope), cfg.ProfileCacheTTL)
	processor := interaction.NewProcessor(store, fhir.NewValidator(), profiles, logger)
	contexts := interaction.ContextBuilder{
		Tenants: config.NewTenantStore(cfg.TenantConfigDir),
		BaseURI: cfg.BaseURL,
	}

	bundle.NewHandler(bundle.NewOrchestrator(processor, logger), contexts).RegisterRoutes(fhirGroup)
	interaction.NewHandler(processor, contexts).RegisterRoutes(fhirGroup)

	return e, nil
}
