package main

import (
	"context"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/fhir-importer/internal/config"
	"github.com/ehr/fhir-importer/internal/importer"
	"github.com/ehr/fhir-importer/internal/platform/db"
	"github.com/ehr/fhir-importer/internal/platform/fhirclient"
	"github.com/ehr/fhir-importer/internal/platform/keycloak"
	"github.com/ehr/fhir-importer/internal/platform/logging"
	"github.com/ehr/fhir-importer/internal/platform/session"
	"github.com/ehr/fhir-importer/internal/platform/transport"
)

// globals holds the persistent flags shared by every command.
type globals struct {
	logLevel     string
	logFile      string
	accessToken  string
	onlyResponse bool
}

// env is the wiring for one command invocation.
type env struct {
	cfg     *config.Config
	logger  zerolog.Logger
	logs    io.Closer
	session *session.Session
	pool    *pgxpool.Pool
}

// setup loads configuration, applies flag overrides and builds the logger.
func (g *globals) setup() (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if g.accessToken != "" {
		cfg.AccessToken = g.accessToken
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}

	logger, closer, err := logging.New(logging.Options{
		Level:        cfg.LogLevel,
		Console:      cfg.IsDev(),
		File:         g.logFile,
		OnlyResponse: g.onlyResponse,
	})
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, logger: logger, logs: closer}, nil
}

func (e *env) close() {
	if e.pool != nil {
		e.pool.Close()
	}
	_ = e.logs.Close()
}

func (e *env) tokens() *session.Session {
	if e.session == nil {
		e.session = session.FromConfig(e.cfg,
			session.WithHTTPClient(transport.NewHTTPClient(e.cfg.HTTPTimeout)),
			session.WithLogger(e.logger),
		)
	}
	return e.session
}

func (e *env) transport(baseURL string) *transport.Client {
	return transport.New(baseURL,
		transport.WithTokenSource(e.tokens()),
		transport.WithHTTPClient(transport.NewHTTPClient(e.cfg.HTTPTimeout)),
		transport.WithMaxElapsed(e.cfg.RetryMaxElapsed),
		transport.WithLogger(e.logger),
	)
}

func (e *env) fhir() (*fhirclient.Client, error) {
	if err := e.cfg.Validate(); err != nil {
		return nil, err
	}
	if err := e.cfg.RequireFHIR(); err != nil {
		return nil, err
	}
	return fhirclient.New(e.transport(e.cfg.FHIRBaseURL), fhirclient.WithLogger(e.logger)), nil
}

func (e *env) keycloak() (*keycloak.Client, error) {
	if err := e.cfg.Validate(); err != nil {
		return nil, err
	}
	if err := e.cfg.RequireKeycloak(); err != nil {
		return nil, err
	}
	return keycloak.New(e.transport(e.cfg.KeycloakURL), keycloak.WithLogger(e.logger)), nil
}

func (e *env) database(ctx context.Context) (*pgxpool.Pool, error) {
	if e.pool != nil {
		return e.pool, nil
	}
	if e.cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	pool, err := db.NewPool(ctx, e.cfg.DatabaseURL, e.cfg.DBMaxConns, e.cfg.DBMinConns)
	if err != nil {
		return nil, err
	}
	e.pool = pool
	return pool, nil
}

// needs names the remote services a command talks to.
type needs struct {
	fhir     bool
	keycloak bool
}

// importer builds the orchestrator. The journal is attached when
// DATABASE_URL is set and reachable; the run goes ahead without it
// otherwise.
func (e *env) importer(ctx context.Context, n needs) (*importer.Importer, error) {
	var backend importer.Backend
	if n.fhir {
		c, err := e.fhir()
		if err != nil {
			return nil, err
		}
		backend = c
	}
	opts := []importer.Option{
		importer.WithLogger(e.logger),
		importer.WithRolesMax(e.cfg.RolesMax),
	}
	if n.keycloak {
		kc, err := e.keycloak()
		if err != nil {
			return nil, err
		}
		opts = append(opts, importer.WithIdentityProvider(kc))
	}
	if e.cfg.DatabaseURL != "" {
		pool, err := e.database(ctx)
		if err != nil {
			e.logger.Warn().Err(err).Msg("import journal unavailable")
		} else {
			opts = append(opts, importer.WithJournal(db.NewJournalRepo(pool)))
		}
	}
	return importer.New(backend, opts...), nil
}
