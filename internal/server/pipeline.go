package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/acheong08/safedeps/internal/alerts"
	"github.com/acheong08/safedeps/internal/catalog"
	"github.com/acheong08/safedeps/internal/config"
	"github.com/acheong08/safedeps/internal/failure"
	"github.com/acheong08/safedeps/internal/override"
	"github.com/acheong08/safedeps/internal/pkgenv"
	"github.com/acheong08/safedeps/internal/registry"
	"github.com/acheong08/safedeps/internal/remediate"
	"github.com/acheong08/safedeps/internal/tree"
)

// Result messages for optimize runs
const (
	MsgOptimized        = "Applied safe replacement overrides"
	MsgAlreadyOptimized = "No replacement overrides needed"
)

// ProgressSender interface for sending progress updates
type ProgressSender interface {
	SendMessage(msg Message)
	SendLog(message, level string)
	SendProgress(percent int, stage, message string)
	SendError(message string, err error)
}

// Services are the long-lived collaborators shared by every run
type Services struct {
	Catalog      *catalog.Catalog
	HTTPClient   *http.Client
	RegistryURL  string
	Alerts       alerts.Source
	Runner       tree.Runner
	EnvOptions   pkgenv.Options
	AllowedRoots []string
	Logger       *slog.Logger
}

// NewServices wires collaborators from configuration
func NewServices(cfg *config.Config, logger *slog.Logger) (*Services, error) {
	var (
		cat *catalog.Catalog
		err error
	)
	if cfg.Catalog != "" {
		cat, err = catalog.Load(cfg.Catalog)
	} else {
		cat, err = catalog.Default()
	}
	if err != nil {
		return nil, &failure.InputError{Msg: "invalid catalog", Err: err}
	}

	httpClient := registry.NewHTTPClient(cfg.HTTPTimeout)
	return &Services{
		Catalog:     cat,
		HTTPClient:  httpClient,
		RegistryURL: cfg.Registry,
		Alerts:      alerts.NewOSV(cfg.OSVURL, httpClient, logger),
		Runner:      tree.ExecRunner{Timeout: cfg.InstallTimeout},
		EnvOptions: pkgenv.Options{
			Agent:              pkgenv.Agent(cfg.Agent),
			MinimumNodeVersion: cfg.MinNode,
		},
		AllowedRoots: cfg.Server.AllowedRoots,
		Logger:       logger,
	}, nil
}

// Pipeline runs one optimize or fix request and streams its progress
type Pipeline struct {
	svc    *Services
	sender ProgressSender
	runID  string
	logger *slog.Logger
}

// NewPipeline creates a new pipeline instance with a fresh run id
func NewPipeline(svc *Services, sender ProgressSender) *Pipeline {
	runID := uuid.NewString()
	logger := svc.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		svc:    svc,
		sender: sender,
		runID:  runID,
		logger: logger.With("run_id", runID),
	}
}

// RunID identifies this run in logs and messages
func (p *Pipeline) RunID() string { return p.runID }

// log sends a log message both to the client and to the structured log
func (p *Pipeline) log(message, level string) {
	p.sender.SendLog(message, level)
	switch level {
	case "error":
		p.logger.Error(message)
	case "warning":
		p.logger.Warn(message)
	case "debug":
		p.logger.Debug(message)
	default:
		p.logger.Info(message)
	}
}

func (p *Pipeline) logf(format string, args ...any) {
	p.log(fmt.Sprintf(format, args...), "info")
}

// Optimize rewrites the project's manifests to use safe replacements
func (p *Pipeline) Optimize(ctx context.Context, req OptimizePayload) failure.Result {
	p.sender.SendProgress(0, "detect", "Detecting package manager...")
	env, err := p.detect(req.Path)
	if err != nil {
		return failure.FromError(err)
	}
	p.logf("Using %s in %s", env.Agent, env.RootPath)

	entries := p.svc.Catalog.Compatible(env.MinimumNodeVersion)
	p.sender.SendProgress(10, "resolve", fmt.Sprintf("Checking %d replacements...", len(entries)))

	reg := p.registryClient()
	resolver := override.NewResolver(env, entries, reg, p.logger)
	state, err := resolver.Resolve(ctx, override.Options{Pin: req.Pin, Prod: req.Prod})
	if err != nil {
		return failure.FromError(err)
	}
	for _, w := range state.Warnings {
		p.log(w, "warning")
	}
	for _, e := range state.Edits {
		p.sender.SendMessage(NewEditStatusMessage(e))
	}
	p.sender.SendMessage(NewOverridesMessage(state))

	if state.Empty() {
		p.sender.SendProgress(100, "resolve", MsgAlreadyOptimized)
		res := failure.Success(false, MsgAlreadyOptimized)
		res.Raw = state
		return res
	}
	p.logf("Added %d and updated %d overrides", countAll(state.Added, state.AddedInWorkspaces), countAll(state.Updated, state.UpdatedInWorkspaces))

	if !req.NoInstall {
		p.sender.SendProgress(70, "install", "Installing with new overrides...")
		adapter := p.adapter(env)
		if err := adapter.Install(ctx, tree.InstallOptions{}); err != nil {
			if rerr := resolver.Revert(); rerr != nil {
				p.log(fmt.Sprintf("Failed to restore manifests: %v", rerr), "error")
				return failure.FromError(rerr)
			}
			p.log("Restored manifests after failed install", "warning")
			return failure.FromError(err)
		}
	}
	p.sender.SendProgress(100, "install", MsgOptimized)
	res := failure.Success(true, MsgOptimized)
	res.Raw = state
	return res
}

// Fix bumps vulnerable dependencies to patched versions
func (p *Pipeline) Fix(ctx context.Context, req FixPayload) failure.Result {
	p.sender.SendProgress(0, "detect", "Detecting package manager...")
	env, err := p.detect(req.Path)
	if err != nil {
		return failure.FromError(err)
	}
	style, err := remediate.ParseRangeStyle(req.RangeStyle)
	if err != nil {
		return failure.FromError(&failure.InputError{Msg: "invalid range style", Err: err})
	}
	if req.Limit < 0 {
		return failure.FromError(&failure.InputError{Msg: fmt.Sprintf("limit must not be negative, got %d", req.Limit)})
	}
	p.logf("Using %s in %s", env.Agent, env.RootPath)

	p.sender.SendProgress(10, "alerts", "Collecting vulnerability alerts...")
	o := remediate.NewOrchestrator(env, p.adapter(env), p.svc.Alerts, p.registryClient(), remediate.Options{
		RangeStyle: style,
		Limit:      req.Limit,
		Test:       req.Test,
		TestScript: req.TestScript,
	}, p.logger)

	settled := 0
	o.SetProgressCallback(func(c *remediate.Candidate) {
		settled++
		p.sender.SendMessage(NewCandidateStatusMessage(c))
		level := "success"
		switch c.Status {
		case remediate.StatusFailed:
			level = "error"
		case remediate.StatusSkipped:
			level = "info"
		}
		p.log(fmt.Sprintf("%s %s@%s -> %s", c.Status, c.Name, c.From, c.To), level)
	})

	res := o.Run(ctx, remediate.Target{Purls: req.Purls})
	p.sender.SendProgress(100, "fix", fmt.Sprintf("%s (%d candidates)", res.Message, settled))
	return res
}

func (p *Pipeline) registryClient() *registry.Client {
	reg := registry.NewClient(p.svc.RegistryURL, p.svc.HTTPClient, p.logger)
	reg.SetLogCallback(p.log)
	return reg
}

func (p *Pipeline) adapter(env *pkgenv.Env) *tree.PackageManager {
	pm := tree.NewPackageManager(env, p.svc.Runner, p.logger)
	pm.SetLogCallback(p.log)
	return pm
}

// detect resolves the project at path, refusing paths outside AllowedRoots
func (p *Pipeline) detect(path string) (*pkgenv.Env, error) {
	if path == "" {
		return nil, &failure.InputError{Msg: "path is required"}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, &failure.InputError{Msg: "invalid path", Err: err}
	}
	if !allowed(abs, p.svc.AllowedRoots) {
		return nil, &failure.InputError{Msg: fmt.Sprintf("path %s is outside the allowed roots", abs)}
	}
	return pkgenv.Detect(abs, p.svc.EnvOptions)
}

func allowed(path string, roots []string) bool {
	if len(roots) == 0 {
		return true
	}
	for _, root := range roots {
		root, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(root, path)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func countAll(root override.Set, workspaces map[string]override.Set) int {
	n := len(root)
	for _, s := range workspaces {
		n += len(s)
	}
	return n
}

// LogSender is a ProgressSender that only writes to a logger
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) SendMessage(Message) {}

func (s LogSender) SendLog(string, string) {}

func (s LogSender) SendProgress(percent int, stage, message string) {
	s.Logger.Debug(message, "stage", stage, "percent", percent)
}

func (s LogSender) SendError(message string, err error) {
	s.Logger.Error(message, "error", err)
}
