package opa

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

//go:embed policies/*.rego
var embeddedPolicies embed.FS

const decisionQuery = "data.kfocus.surface.decision"

// Policy sources
const (
	SourceEmbedded   = "embedded"
	SourceFilesystem = "filesystem"
)

// Config selects where policies are loaded from
type Config struct {
	Source    string // "embedded" (default) or "filesystem"
	PolicyDir string // used when Source is "filesystem"
}

// Engine wraps OPA rego engine for rule surface evaluation
type Engine struct {
	config Config
	logger zerolog.Logger

	mu    sync.RWMutex
	query rego.PreparedEvalQuery

	// Policy modules
	modules map[string]*ast.Module
}

// Decision is the policy answer for one request
type Decision struct {
	Blocked   bool   `json:"blocked"`
	RuleID    int    `json:"rule_id"`
	URLFilter string `json:"url_filter"`
}

// NewEngine creates a new OPA engine
func NewEngine(config Config, logger zerolog.Logger) (*Engine, error) {
	if config.Source == "" {
		config.Source = SourceEmbedded
	}
	e := &Engine{
		config: config,
		logger: logger.With().Str("component", "opa").Logger(),
	}

	if err := e.Reload(); err != nil {
		return nil, err
	}

	e.logger.Info().Str("source", config.Source).Str("policy_dir", config.PolicyDir).Msg("OPA engine initialized")

	return e, nil
}

// loadPolicies reads and parses every .rego file from the configured source
func (e *Engine) loadPolicies() (map[string]*ast.Module, error) {
	var (
		fsys fs.FS
		dir  string
	)
	switch e.config.Source {
	case SourceEmbedded:
		fsys, dir = embeddedPolicies, "policies"
	case SourceFilesystem:
		if e.config.PolicyDir == "" {
			return nil, fmt.Errorf("policy_dir is required for filesystem policies")
		}
		if _, err := os.Stat(e.config.PolicyDir); err != nil {
			return nil, fmt.Errorf("policy directory unavailable: %w", err)
		}
		fsys, dir = os.DirFS(e.config.PolicyDir), "."
	default:
		return nil, fmt.Errorf("unsupported policy source: %s", e.config.Source)
	}

	files, err := fs.Glob(fsys, filepath.ToSlash(filepath.Join(dir, "*.rego")))
	if err != nil {
		return nil, fmt.Errorf("failed to glob policy files: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no policy files found in %s source", e.config.Source)
	}

	modules := make(map[string]*ast.Module, len(files))
	for _, file := range files {
		content, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file %s: %w", file, err)
		}

		module, err := ast.ParseModule(file, string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse policy file %s: %w", file, err)
		}

		modules[file] = module
		e.logger.Debug().Str("file", file).Str("package", module.Package.Path.String()).Msg("Loaded policy module")
	}

	return modules, nil
}

func prepare(ctx context.Context, modules map[string]*ast.Module) (rego.PreparedEvalQuery, error) {
	opts := make([]func(*rego.Rego), 0, len(modules)+1)
	opts = append(opts, rego.Query(decisionQuery))
	for _, module := range modules {
		opts = append(opts, rego.ParsedModule(module))
	}
	return rego.New(opts...).PrepareForEval(ctx)
}

// Evaluate runs the decision query against input
func (e *Engine) Evaluate(ctx context.Context, input map[string]interface{}) (*Decision, error) {
	startTime := time.Now()

	e.mu.RLock()
	query := e.query
	e.mu.RUnlock()

	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("decision evaluation failed: %w", err)
	}

	e.logger.Debug().Dur("duration_ms", time.Since(startTime)).Msg("Decision evaluated")

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, fmt.Errorf("no results from decision query")
	}

	resultBytes, err := json.Marshal(results[0].Expressions[0].Value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal decision: %w", err)
	}

	var decision Decision
	if err := json.Unmarshal(resultBytes, &decision); err != nil {
		return nil, fmt.Errorf("failed to unmarshal decision: %w", err)
	}

	return &decision, nil
}

// Reload reloads policies from their source and re-prepares the query. The
// previous query stays in service if anything fails.
func (e *Engine) Reload() error {
	modules, err := e.loadPolicies()
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	query, err := prepare(context.Background(), modules)
	if err != nil {
		return fmt.Errorf("failed to prepare decision query: %w", err)
	}

	e.mu.Lock()
	e.modules = modules
	e.query = query
	e.mu.Unlock()

	e.logger.Info().Int("modules", len(modules)).Msg("OPA policies loaded")
	return nil
}

// Packages lists the package paths of the loaded modules.
func (e *Engine) Packages() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.modules))
	for _, m := range e.modules {
		out = append(out, m.Package.Path.String())
	}
	sort.Strings(out)
	return out
}
