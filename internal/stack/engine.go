package stack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cmtonkinson/stackrun/internal/observer"
	"github.com/cmtonkinson/stackrun/internal/slug"
	"github.com/cmtonkinson/stackrun/internal/task"
	"github.com/cmtonkinson/stackrun/internal/vcs"
	"github.com/cmtonkinson/stackrun/internal/worktree"
)

const (
	// DefaultBranchPrefix namespaces stack branches.
	DefaultBranchPrefix = "stackrun"
	// maxCollisionAttempts bounds suffix retries when creates race.
	maxCollisionAttempts = 8
)

// Branch is one registered stack entry. Name is authoritative; Requested is
// kept only for reporting.
type Branch struct {
	Name       string
	Requested  string
	Parent     string
	TaskID     string
	CommitHash string
	Collided   bool
}

// Config wires an Engine.
type Config struct {
	RepoPath     string
	Trunk        string
	BranchPrefix string
	Tool         Tool
	Runner       *vcs.Runner
	Worktrees    *worktree.Manager
	Logger       *slog.Logger
	Observer     observer.Observer
	PlanID       string
	// Suffix produces collision suffixes; nil uses a time token plus a counter.
	Suffix func() string
}

// Engine builds the branch stack for one run.
type Engine struct {
	repoPath  string
	prefix    string
	tool      Tool
	git       *vcs.Git
	worktrees *worktree.Manager
	logger    *slog.Logger
	observer  observer.Observer
	planID    string
	suffix    func() string

	mu       sync.Mutex
	trunk    string
	branches map[string]Branch
	order    []string
	warnings []Warning
}

// New builds an Engine. The trunk is the configured value, else the tool's
// recorded trunk, else the currently checked-out branch. Nothing is
// initialized.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	if strings.TrimSpace(cfg.RepoPath) == "" {
		return nil, errors.New("repo path is required")
	}
	if cfg.Tool == nil {
		return nil, errors.New("stacking tool is required")
	}
	if cfg.Worktrees == nil {
		return nil, errors.New("worktree manager is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	obs := cfg.Observer
	if obs == nil {
		obs = observer.Nop{}
	}
	prefix := strings.Trim(strings.TrimSpace(cfg.BranchPrefix), "/")
	if prefix == "" {
		prefix = DefaultBranchPrefix
	}
	suffix := cfg.Suffix
	if suffix == nil {
		suffix = newSuffixer(time.Now)
	}
	engine := &Engine{
		repoPath:  vcs.CanonicalPath(cfg.RepoPath),
		prefix:    prefix,
		tool:      cfg.Tool,
		worktrees: cfg.Worktrees,
		logger:    logger,
		observer:  obs,
		planID:    cfg.PlanID,
		suffix:    suffix,
		branches:  map[string]Branch{},
	}
	engine.git = vcs.NewGit(cfg.Runner, engine.repoPath)

	trunk := strings.TrimSpace(cfg.Trunk)
	if trunk == "" {
		recorded, err := cfg.Tool.Trunk(ctx)
		if err != nil {
			return nil, fmt.Errorf("read %s trunk: %w", cfg.Tool.Name(), err)
		}
		trunk = recorded
	}
	if trunk == "" {
		current, err := engine.git.CurrentBranch(ctx)
		if err != nil {
			return nil, err
		}
		trunk = current
	}
	engine.trunk = trunk
	return engine, nil
}

// newSuffixer returns a suffix source combining a base36 millisecond token
// with a process-monotonic counter.
func newSuffixer(now func() time.Time) func() string {
	var mu sync.Mutex
	var counter int64
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		counter++
		return strconv.FormatInt(now().UnixMilli(), 36) + strconv.FormatInt(counter, 36)
	}
}

// Trunk returns the branch first-layer tasks stack on.
func (e *Engine) Trunk() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.trunk
}

// RepoPath returns the canonical repository path.
func (e *Engine) RepoPath() string {
	return e.repoPath
}

// SetPlanID tags subsequent events with the plan id.
func (e *Engine) SetPlanID(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.planID = id
}

// SetObserver replaces the event observer.
func (e *Engine) SetObserver(o observer.Observer) {
	if o == nil {
		o = observer.Nop{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observer = o
}

// Initialize configures the stacking tool. It is a no-op when a trunk is
// already recorded; otherwise trunk, or the current branch, is used.
func (e *Engine) Initialize(ctx context.Context, trunk string) (string, error) {
	lock := vcs.LockRepo(e.repoPath)
	lock.Lock()
	defer lock.Unlock()

	recorded, err := e.tool.Trunk(ctx)
	if err != nil {
		return "", fmt.Errorf("read %s trunk: %w", e.tool.Name(), err)
	}
	if recorded != "" {
		e.setTrunk(recorded)
		return recorded, nil
	}
	trunk = strings.TrimSpace(trunk)
	if trunk == "" {
		trunk, err = e.git.CurrentBranch(ctx)
		if err != nil {
			return "", err
		}
	}
	if err := e.tool.Init(ctx, trunk); err != nil {
		return "", fmt.Errorf("initialize %s with trunk %s: %w", e.tool.Name(), trunk, err)
	}
	e.setTrunk(trunk)
	e.logger.Info("stacking initialized", "tool", e.tool.Name(), "trunk", trunk)
	return trunk, nil
}

func (e *Engine) setTrunk(trunk string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.trunk = trunk
}

// ParentBranch returns the registered branch of the last dependency in
// declaration order that has one, else the trunk.
func (e *Engine) ParentBranch(t *task.ExecutionTask) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.parentLocked(t)
}

func (e *Engine) parentLocked(t *task.ExecutionTask) string {
	for i := len(t.Requires) - 1; i >= 0; i-- {
		if b, ok := e.branches[t.Requires[i]]; ok {
			return b.Name
		}
	}
	return e.trunk
}

// RequestedBranch returns the name a task's branch is created under before
// collision handling.
func (e *Engine) RequestedBranch(taskID string) string {
	return slug.Branch(e.prefix, taskID)
}

// CreateWorktreesForTasks creates one worktree per task. An empty baseRef
// bases each task on its resolved parent branch.
func (e *Engine) CreateWorktreesForTasks(ctx context.Context, tasks []*task.ExecutionTask, baseRef string) ([]worktree.Context, error) {
	contexts := make([]worktree.Context, 0, len(tasks))
	for _, t := range tasks {
		base := baseRef
		if base == "" {
			base = e.ParentBranch(t)
		}
		wt, err := e.worktrees.Create(ctx, t.ID, base)
		if err != nil {
			return contexts, err
		}
		contexts = append(contexts, wt)
		e.emit(observer.Event{
			Type:    observer.EventWorktreeCreated,
			TaskID:  t.ID,
			Message: wt.Path,
			Fields:  map[string]string{"branch": wt.Branch, "base": base},
		})
	}
	return contexts, nil
}

// HarvestCommit returns the commit a task produced in its worktree,
// committing leftover changes first. It sets t.CommitHash on success.
func (e *Engine) HarvestCommit(ctx context.Context, t *task.ExecutionTask, wt worktree.Context) (string, error) {
	inWorktree := e.git.In(wt.Path)
	changed, err := inWorktree.ChangedFiles(ctx)
	if err != nil {
		return "", &worktree.WorktreeError{Op: "status", TaskID: t.ID, Path: wt.Path, Err: err}
	}
	if len(changed) > 0 {
		message := fmt.Sprintf("%s: %s", t.ID, t.DisplayTitle())
		if err := inWorktree.CommitAll(ctx, message); err != nil {
			return "", &worktree.WorktreeError{Op: "commit", TaskID: t.ID, Path: wt.Path, Err: err}
		}
	}
	head, err := inWorktree.RevParse(ctx, "HEAD")
	if err != nil {
		return "", &worktree.WorktreeError{Op: "read head", TaskID: t.ID, Path: wt.Path, Err: err}
	}
	t.CommitHash = head
	return head, nil
}

// FetchWorktreeCommits makes each task's worktree commit reachable from the
// main repository. A failure for one worktree is logged and does not stop
// the others; all failures are returned joined.
func (e *Engine) FetchWorktreeCommits(ctx context.Context, tasks []*task.ExecutionTask, contexts []worktree.Context) error {
	byTask := make(map[string]worktree.Context, len(contexts))
	for _, wt := range contexts {
		byTask[wt.TaskID] = wt
	}
	lock := vcs.LockRepo(e.repoPath)
	lock.Lock()
	defer lock.Unlock()

	var errs []error
	for _, t := range tasks {
		wt, ok := byTask[t.ID]
		if !ok {
			continue
		}
		if err := e.fetchOne(ctx, t, wt); err != nil {
			e.logger.Warn("fetch worktree commits failed", "task_id", t.ID, "path", wt.Path, "err", err)
			errs = append(errs, &worktree.WorktreeError{Op: "fetch", TaskID: t.ID, Path: wt.Path, Err: err})
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) fetchOne(ctx context.Context, t *task.ExecutionTask, wt worktree.Context) error {
	if t.CommitHash != "" && e.git.HasCommit(ctx, t.CommitHash) {
		return nil
	}
	gitDir, err := e.git.In(wt.Path).AbsoluteGitDir(ctx)
	if err != nil {
		return err
	}
	namespace := "refs/remotes/worktree-" + slug.RefComponent(t.ID)
	err = e.git.Fetch(ctx, gitDir, "+refs/*:"+namespace+"/*")
	if err == nil {
		return nil
	}
	if wt.Branch == "" {
		return err
	}
	e.logger.Debug("full worktree fetch failed; fetching branch only", "task_id", t.ID, "branch", wt.Branch, "err", err)
	return e.git.Fetch(ctx, gitDir, "+refs/heads/"+wt.Branch+":"+namespace+"/"+wt.Branch)
}

// AddTaskToStack creates and tracks the task's stack branch in the main
// repository and records its actual name on the task. A create or track
// failure returns *StackTrackingError and is recorded as a warning.
func (e *Engine) AddTaskToStack(ctx context.Context, t *task.ExecutionTask, wt worktree.Context) (Branch, error) {
	commit := t.CommitHash
	if commit == "" {
		harvested, err := e.HarvestCommit(ctx, t, wt)
		if err != nil {
			return Branch{}, err
		}
		commit = harvested
	}

	lock := vcs.LockRepo(e.repoPath)
	lock.Lock()
	defer lock.Unlock()

	parent := e.ParentBranch(t)
	requested := e.RequestedBranch(t.ID)
	name, collided, err := e.createBranchLocked(ctx, requested, commit)
	if err != nil {
		trackErr := &StackTrackingError{TaskID: t.ID, Branch: requested, Op: "create", Err: err}
		e.warn(Warning{TaskID: t.ID, Branch: requested, Message: "branch create failed", Err: err})
		return Branch{}, trackErr
	}
	branch := Branch{
		Name:       name,
		Requested:  requested,
		Parent:     parent,
		TaskID:     t.ID,
		CommitHash: commit,
		Collided:   collided,
	}
	// The branch exists even if tracking fails, so it is registered either
	// way and dependents still stack on the actual name.
	e.register(branch)
	t.Branch = name

	if err := e.tool.Track(ctx, name, parent); err != nil {
		e.warn(Warning{TaskID: t.ID, Branch: name, Message: "branch track failed", Err: err})
		return branch, &StackTrackingError{TaskID: t.ID, Branch: name, Op: "track", Err: err}
	}
	e.emit(observer.Event{
		Type:    observer.EventBranchCreated,
		TaskID:  t.ID,
		Message: name,
		Fields: map[string]string{
			"parent":    parent,
			"commit":    commit,
			"requested": requested,
			"collided":  strconv.FormatBool(collided),
		},
	})
	e.logger.Info("stack branch created", "task_id", t.ID, "branch", name, "parent", parent)
	return branch, nil
}

// CreateBranch creates requested at commit, renaming to requested-<suffix>
// when the name is taken. It returns the actual name, which callers must use
// for every later parent reference.
func (e *Engine) CreateBranch(ctx context.Context, requested, commit string) (string, error) {
	lock := vcs.LockRepo(e.repoPath)
	lock.Lock()
	defer lock.Unlock()
	name, _, err := e.createBranchLocked(ctx, requested, commit)
	return name, err
}

// createBranchLocked resolves collisions against git and the registry.
// Caller holds the repository lock.
func (e *Engine) createBranchLocked(ctx context.Context, requested, commit string) (string, bool, error) {
	if strings.TrimSpace(requested) == "" {
		return "", false, errors.New("branch name is required")
	}
	candidate := requested
	collided := false
	for attempt := 0; attempt < maxCollisionAttempts; attempt++ {
		taken, err := e.nameTaken(ctx, candidate)
		if err != nil {
			return "", false, err
		}
		if !taken {
			err = e.git.CreateBranch(ctx, candidate, commit)
			if err == nil {
				if collided {
					e.emit(observer.Event{
						Type:    observer.EventBranchCollision,
						Message: candidate,
						Fields:  map[string]string{"requested": requested},
					})
					e.logger.Info("branch name collision resolved", "requested", requested, "branch", candidate)
				}
				return candidate, collided, nil
			}
			if !vcs.IsAlreadyExists(err) {
				return "", false, err
			}
		}
		collided = true
		candidate = requested + "-" + e.suffix()
	}
	return "", false, fmt.Errorf("no free branch name for %s after %d attempts", requested, maxCollisionAttempts)
}

func (e *Engine) nameTaken(ctx context.Context, name string) (bool, error) {
	e.mu.Lock()
	for _, b := range e.branches {
		if b.Name == name {
			e.mu.Unlock()
			return true, nil
		}
	}
	e.mu.Unlock()
	return e.git.BranchExists(ctx, name)
}

func (e *Engine) register(branch Branch) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.branches[branch.TaskID]; !ok {
		e.order = append(e.order, branch.TaskID)
	}
	e.branches[branch.TaskID] = branch
}

// Branch returns the registered branch for a task.
func (e *Engine) Branch(taskID string) (Branch, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.branches[taskID]
	return b, ok
}

// Branches returns registered branches in registration order.
func (e *Engine) Branches() []Branch {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Branch, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.branches[id])
	}
	return out
}

// Warnings returns the stack degradations recorded so far.
func (e *Engine) Warnings() []Warning {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Warning(nil), e.warnings...)
}

// Restack rebases every registered branch onto its parent in registration
// order. Failures become warnings and never fail the run.
func (e *Engine) Restack(ctx context.Context) []Warning {
	lock := vcs.LockRepo(e.repoPath)
	lock.Lock()
	defer lock.Unlock()

	var warnings []Warning
	for _, branch := range e.Branches() {
		if err := e.tool.Restack(ctx, branch); err != nil {
			w := Warning{TaskID: branch.TaskID, Branch: branch.Name, Message: "restack failed", Err: err}
			e.warn(w)
			warnings = append(warnings, w)
		}
	}
	e.emit(observer.Event{
		Type:    observer.EventRestack,
		Message: fmt.Sprintf("%d branches, %d warnings", len(e.Branches()), len(warnings)),
	})
	return warnings
}

// Submit publishes the registered branches through the stacking tool.
func (e *Engine) Submit(ctx context.Context) error {
	branches := e.Branches()
	if len(branches) == 0 {
		return nil
	}
	lock := vcs.LockRepo(e.repoPath)
	lock.Lock()
	defer lock.Unlock()
	if err := e.tool.Submit(ctx, branches); err != nil {
		return fmt.Errorf("submit stack: %w", err)
	}
	return nil
}

// CleanupWorktrees removes the given worktrees on a best-effort basis.
func (e *Engine) CleanupWorktrees(ctx context.Context, contexts []worktree.Context) error {
	var errs []error
	for _, wt := range contexts {
		if err := e.worktrees.Remove(ctx, wt); err != nil {
			e.logger.Warn("worktree cleanup failed", "task_id", wt.TaskID, "path", wt.Path, "err", err)
			errs = append(errs, err)
			continue
		}
		e.emit(observer.Event{Type: observer.EventWorktreeRemoved, TaskID: wt.TaskID, Message: wt.Path})
	}
	return errors.Join(errs...)
}

func (e *Engine) warn(w Warning) {
	e.mu.Lock()
	e.warnings = append(e.warnings, w)
	e.mu.Unlock()
	e.logger.Warn("stack degraded", "task_id", w.TaskID, "branch", w.Branch, "msg", w.Message, "err", w.Err)
	e.emit(observer.Event{Type: observer.EventStackWarning, TaskID: w.TaskID, Message: w.String(), Fields: map[string]string{"branch": w.Branch}})
}

func (e *Engine) emit(event observer.Event) {
	e.mu.Lock()
	obs := e.observer
	event.PlanID = e.planID
	e.mu.Unlock()
	observer.Emit(obs, event)
}
