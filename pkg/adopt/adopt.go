package adopt

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	yarderrors "thoreinstein.com/yard/pkg/errors"
	"thoreinstein.com/yard/pkg/layout"
	"thoreinstein.com/yard/pkg/registry"
	"thoreinstein.com/yard/pkg/workspace"
)

// DefaultUpstreamName is what an adopted repository's original origin is
// renamed to.
const DefaultUpstreamName = "upstream"

// Step is one stage of an adoption.
type Step string

const (
	// StepPreflight checks the directory and target before anything changes.
	StepPreflight Step = "preflight"
	// StepStage moves a directory that sits where its project must go.
	StepStage Step = "stage"
	// StepMirror copies every ref of the directory into the bare repository.
	StepMirror Step = "mirror"
	// StepMove moves the directory into the project's workspaces/.
	StepMove Step = "move"
	// StepRewire renames origin to upstream and points origin at the bare repo.
	StepRewire Step = "rewire"
	// StepFetch refreshes remote-tracking refs; failures only warn.
	StepFetch Step = "fetch"
	// StepRegister commits the result to the registry.
	StepRegister Step = "register"
)

// String returns the string representation of the step.
func (s Step) String() string {
	return string(s)
}

// Request describes one adoption.
type Request struct {
	Root      string // projects root
	Dir       string // the unmanaged working clone
	Project   string // defaults to the base name of Dir
	Workspace string // defaults to the base name of Dir
	// FetchRemote fetches the original remote again after rewiring.
	FetchRemote bool
}

// Result is the outcome of a successful adoption.
type Result struct {
	Project        string             `json:"project" yaml:"project"`
	Workspace      registry.Workspace `json:"workspace" yaml:"workspace"`
	Head           string             `json:"head" yaml:"head"`
	CreatedProject bool               `json:"created_project" yaml:"created_project"`
	Warnings       []string           `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// Adopter migrates unmanaged repositories into projects.
type Adopter struct {
	manager  *workspace.Manager
	scanner  *Scanner
	logger   *slog.Logger
	upstream string
	retry    yarderrors.RetryConfig
}

// Option configures an Adopter.
type Option func(*Adopter)

// WithLogger sets the adopter logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adopter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithUpstreamName sets the name the original origin remote is renamed to.
func WithUpstreamName(name string) Option {
	return func(a *Adopter) {
		if name != "" {
			a.upstream = name
		}
	}
}

// WithRetry sets the retry policy for the optional upstream fetch.
func WithRetry(cfg yarderrors.RetryConfig) Option {
	return func(a *Adopter) {
		a.retry = cfg
	}
}

// NewAdopter creates an Adopter that commits through m's registry and
// serializes with m's project locks.
func NewAdopter(m *workspace.Manager, opts ...Option) *Adopter {
	a := &Adopter{
		manager:  m,
		scanner:  NewScanner(m.Registry()),
		logger:   slog.New(slog.DiscardHandler),
		upstream: DefaultUpstreamName,
		retry:    yarderrors.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Scanner returns the scanner used to find candidates.
func (a *Adopter) Scanner() *Scanner {
	return a.scanner
}

// Adopt runs one adoption. Until the move, the source directory is only
// read; any failure up to and including the rewiring puts everything back
// the way it was.
func (a *Adopter) Adopt(ctx context.Context, req Request) (*Result, error) {
	adp, err := a.prepare(req)
	if err != nil {
		return nil, err
	}

	defer a.manager.LockProject(adp.project)()

	steps := []struct {
		step Step
		fn   func(context.Context, *adoption) error
	}{
		{StepPreflight, a.runPreflight},
		{StepStage, a.runStage},
		{StepMirror, a.runMirror},
		{StepMove, a.runMove},
		{StepRewire, a.runRewire},
		{StepFetch, a.runFetch},
		{StepRegister, a.runRegister},
	}

	for _, s := range steps {
		adp.logger.Debug("executing step", "step", s.step)
		if err := s.fn(ctx, adp); err != nil {
			if s.step == StepRegister {
				return nil, err
			}
			if rbErr := adp.rollback(); rbErr != nil {
				return nil, yarderrors.NewInconsistentStateError("adopt", []string{adp.dir, adp.target, adp.bare}, false,
					errors.CombineErrors(err, rbErr))
			}
			return nil, err
		}
	}

	adp.logger.Info("adopted repository", "path", adp.target, "head", adp.head)
	return &Result{
		Project:        adp.project,
		Workspace:      adp.workspace,
		Head:           adp.head,
		CreatedProject: adp.newProject,
		Warnings:       adp.warnings,
	}, nil
}

// prepare validates the request and derives every path the adoption needs.
func (a *Adopter) prepare(req Request) (*adoption, error) {
	l, err := layout.New(req.Root)
	if err != nil {
		return nil, err
	}
	if req.Dir == "" {
		return nil, yarderrors.NewAdoptionError(req.Dir, "no directory given", nil)
	}
	dir, err := filepath.Abs(req.Dir)
	if err != nil {
		return nil, yarderrors.Wrapf(err, "failed to resolve %s", req.Dir)
	}

	project := req.Project
	if project == "" {
		project = filepath.Base(dir)
	}
	ws := req.Workspace
	if ws == "" {
		ws = filepath.Base(dir)
	}
	if err := layout.ValidateName("project", project); err != nil {
		return nil, err
	}
	if err := layout.ValidateName("workspace", ws); err != nil {
		return nil, err
	}

	return &adoption{
		gw:       a.manager.Gateway(),
		registry: a.manager.Registry(),
		logger:   a.logger.With("op", uuid.NewString(), "project", project, "workspace", ws),
		retry:    a.retry,
		upstream: a.upstream,
		fetch:    req.FetchRemote,
		layout:   l,
		dir:      dir,
		source:   dir,
		project:  project,
		wsName:   ws,
		bare:     l.BarePath(project),
		target:   l.WorkspacePath(project, ws),
	}, nil
}

// Outcome is the result of adopting one candidate in AdoptAll.
type Outcome struct {
	Candidate Candidate `json:"candidate" yaml:"candidate"`
	Result    *Result   `json:"result,omitempty" yaml:"result,omitempty"`
	Err       error     `json:"-" yaml:"-"`
	Error     string    `json:"error,omitempty" yaml:"error,omitempty"`
}

// AdoptAll adopts every unmanaged repository under root into project, one
// workspace each, named after its directory. The first adoption creates the
// project. A failed candidate does not stop the others.
func (a *Adopter) AdoptAll(ctx context.Context, root, project string, fetch bool) ([]Outcome, error) {
	candidates, err := a.scanner.Scan(root)
	if err != nil {
		return nil, err
	}

	var outcomes []Outcome
	for _, c := range UnmanagedOnly(candidates) {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		res, err := a.Adopt(ctx, Request{
			Root:        root,
			Dir:         c.Path,
			Project:     project,
			Workspace:   c.Name,
			FetchRemote: fetch,
		})
		o := Outcome{Candidate: c, Result: res, Err: err}
		if err != nil {
			o.Error = err.Error()
			a.logger.Warn("adoption failed", "path", c.Path, "error", err)
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, nil
}
