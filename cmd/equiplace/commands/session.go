package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/equiplace/equiplace/pkg/authoring/bridge"
	"github.com/equiplace/equiplace/pkg/authoring/protocol"
	"github.com/equiplace/equiplace/pkg/authoring/sim"
	"github.com/equiplace/equiplace/pkg/config"
	"github.com/equiplace/equiplace/pkg/engine"
	"github.com/equiplace/equiplace/pkg/fsutil"
	"github.com/equiplace/equiplace/pkg/policy"
	"github.com/equiplace/equiplace/pkg/repository"
	"github.com/equiplace/equiplace/pkg/stores"
	"github.com/equiplace/equiplace/pkg/telemetry"
	"github.com/equiplace/equiplace/pkg/transports/ssh"
)

const projectNumberTimeout = 5 * time.Second

// session holds the workspace and the collaborators opened for one command.
type session struct {
	ws     *config.Workspace
	tel    *telemetry.Telemetry
	ctx    context.Context
	logger zerolog.Logger

	resolver *engine.Resolver
	store    *stores.SQLiteStore
	policy   *policy.Engine

	closers []func(context.Context) error
}

// openSession loads the workspace and starts telemetry.
func openSession(ctx context.Context) (*session, error) {
	ws, err := config.LoadWorkspace(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("workspace file %s not found, run 'equiplace init' first", configPath)
		}
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(telemetryConfig(ws))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	s := &session{
		ws:     ws,
		tel:    tel,
		ctx:    tel.WithContext(ctx),
		logger: tel.Logger.Zerolog(),
	}
	s.closers = append(s.closers, tel.Shutdown)
	return s, nil
}

// telemetryConfig maps the workspace telemetry section onto a telemetry.Config.
func telemetryConfig(ws *config.Workspace) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = appVersion

	if ws.Telemetry.LogLevel != "" {
		cfg.Logging.Level = ws.Telemetry.LogLevel
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if ws.Telemetry.LogFormat != "" {
		cfg.Logging.Format = ws.Telemetry.LogFormat
	}

	switch ws.Telemetry.TracingExporter {
	case "stdout", "otlp":
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = ws.Telemetry.TracingExporter
		cfg.Tracing.Endpoint = ws.Telemetry.OTLPEndpoint
	}

	cfg.Metrics.Enabled = ws.Telemetry.MetricsEnabled
	cfg.Metrics.ListenAddress = ws.Telemetry.MetricsListen
	if serveMetrics != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.ListenAddress = serveMetrics
	}
	return cfg
}

// Close releases collaborators in reverse order of opening.
func (s *session) Close() {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), 10*time.Second)
	defer cancel()

	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to release resource")
		}
	}
	s.closers = nil
}

// loadCatalog parses the workspace catalog and builds the resolver.
func (s *session) loadCatalog() (*config.Catalog, error) {
	catalog, err := config.LoadCatalog(s.ws.Catalog)
	if err != nil {
		if catalog != nil {
			for _, e := range config.Blocking(catalog.Errors) {
				log.Error().Msg(e.String())
			}
		}
		return nil, err
	}

	for _, e := range catalog.Errors {
		log.Warn().Msg(e.String())
	}

	s.resolver = engine.NewResolver(catalog.Entries)
	return catalog, nil
}

// openStore opens the history database, creating its directory when needed.
func (s *session) openStore() error {
	if err := os.MkdirAll(filepath.Dir(s.ws.Store.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	store, err := stores.Open(s.ctx, s.ws.Store.Path)
	if err != nil {
		return err
	}

	s.store = store
	s.closers = append(s.closers, func(context.Context) error { return store.Close() })
	return nil
}

// loadPolicies starts the policy engine with the builtins and the workspace paths.
func (s *session) loadPolicies() error {
	pe, err := policy.NewEngine(s.logger)
	if err != nil {
		return err
	}
	if len(s.ws.Policy.Paths) > 0 {
		if err := pe.LoadPolicies(s.ctx, s.ws.Policy.Paths); err != nil {
			return err
		}
	}
	s.policy = pe
	return nil
}

// newRepository opens the configured content repository.
func (s *session) newRepository() (engine.Repository, error) {
	switch s.ws.Repository.Type {
	case "sftp":
		sshCfg := ssh.DefaultConfig(s.ws.Repository.SSH.Host, s.ws.Repository.SSH.User)
		if s.ws.Repository.SSH.Port > 0 {
			sshCfg.Port = s.ws.Repository.SSH.Port
		}
		sshCfg.AuthMethod = ssh.AuthMethod(s.ws.Repository.SSH.AuthMethod)
		sshCfg.Password = s.ws.Repository.SSH.Password
		sshCfg.PrivateKeyPath = s.ws.Repository.SSH.KeyPath
		if s.ws.Repository.SSH.KnownHostsPath != "" {
			sshCfg.KnownHostsPath = s.ws.Repository.SSH.KnownHostsPath
		}
		if s.ws.Repository.SSH.ConnectTimeout > 0 {
			sshCfg.ConnectionTimeout = s.ws.Repository.SSH.ConnectTimeout
		}
		sshCfg.KeepAliveInterval = s.ws.Repository.SSH.KeepAlive
		if j := s.ws.Repository.SSH.JumpHost; j != nil {
			sshCfg.Jump = &ssh.Config{
				Host:           j.Host,
				Port:           22,
				User:           j.User,
				AuthMethod:     ssh.AuthMethod(j.AuthMethod),
				Password:       j.Password,
				PrivateKeyPath: j.KeyPath,
			}
			if j.Port > 0 {
				sshCfg.Jump.Port = j.Port
			}
			if j.AuthMethod == "" {
				sshCfg.Jump.AuthMethod = ssh.AuthMethodKey
			}
		}

		client, err := ssh.NewSSHClient(sshCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to configure sftp repository: %w", err)
		}
		vault := repository.NewSFTPVault(client, s.ws.Repository.Root, s.logger)
		s.closers = append(s.closers, func(context.Context) error { return vault.Close() })
		return vault, nil

	default:
		vault, err := repository.NewLocalVault(s.ws.Repository.Root, s.logger)
		if err != nil {
			return nil, err
		}
		return vault, nil
	}
}

// newAuthoring starts the configured authoring engine.
func (s *session) newAuthoring() (engine.AuthoringEngine, error) {
	if s.ws.Authoring.Type != "bridge" {
		return sim.New(s.logger), nil
	}

	client, err := bridge.NewClient(bridge.Config{
		Launcher: &bridge.ProcessLauncher{
			Path:   s.ws.Authoring.BridgePath,
			Args:   s.ws.Authoring.BridgeArgs,
			Stderr: os.Stderr,
		},
		StartupTimeout: s.ws.Authoring.StartupTimeout,
		Logger:         s.logger,
		OnEvent: func(ev *protocol.EventMessage) {
			log.Debug().
				Str("command_id", ev.CommandID).
				Str("level", ev.Level).
				Msg(ev.Message)
		},
	})
	if err != nil {
		return nil, err
	}

	if err := client.Start(s.ctx); err != nil {
		return nil, fmt.Errorf("failed to start authoring bridge: %w", err)
	}
	s.closers = append(s.closers, client.Close)

	if ready := client.Ready(); ready != nil {
		log.Debug().
			Str("engine", ready.Engine).
			Str("version", ready.Version).
			Int("pid", ready.PID).
			Msg("Authoring bridge ready")
	}
	return client, nil
}

// filesystem returns the OS filesystem with the workspace exclusions.
func (s *session) filesystem() *fsutil.OS {
	return fsutil.New(s.ws.Exclusions(), s.logger)
}

// newPipeline wires every collaborator into a placement pipeline. The catalog,
// store and policies must already be loaded.
func (s *session) newPipeline() (*engine.Pipeline, error) {
	repo, err := s.newRepository()
	if err != nil {
		return nil, err
	}

	authoring, err := s.newAuthoring()
	if err != nil {
		return nil, err
	}

	cfg := engine.Config{
		Catalog:         s.resolver,
		Layout:          s.ws.EngineLayout(),
		StagingRoot:     s.ws.Paths.StagingRoot,
		Repository:      repo,
		Authoring:       authoring,
		Filesystem:      s.filesystem(),
		Metadata:        s.ws.MetadataDefaults(),
		ProjectNumberer: config.NewProjectNumberScript(s.ws.Metadata.ProjectNumberScript, projectNumberTimeout),
		Events:          s.tel.Events,
		Metrics:         s.tel.Metrics,
		BatchSize:       s.ws.Fetch.BatchSize,
		Exclusions:      s.ws.Exclusions(),
		Logger:          s.logger,
	}
	if s.store != nil {
		cfg.Recorder = s.store
		s.tel.Events.SubscribeSink("history", s.store, nil)
	}
	if s.ws.Policy.Enabled && s.policy != nil {
		cfg.Policy = s.policy
	}

	return engine.NewPipeline(cfg)
}

// placementRequest builds the partial request used by allocate and policy check.
func placementRequest(project, reference, module string, entry *engine.CatalogEntry) *engine.PlacementRequest {
	return &engine.PlacementRequest{
		Project:   project,
		Reference: reference,
		Module:    module,
		Entry:     *entry,
	}
}
