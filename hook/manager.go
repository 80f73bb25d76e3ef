package hook

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rawkode/cuenv-sub002/internal/envutil"
)

const defaultPollInterval = 50 * time.Millisecond

// Variables set in the environment of every hook.
const (
	envHookPrefix = "CUENV_HOOK_"
	envHookEvent  = envHookPrefix + "EVENT"
	envHookDir    = envHookPrefix + "DIR"
)

// Options configures a Manager.
type Options struct {
	// StateDir holds one subdirectory per directory context. Defaults to
	// DefaultStateDir().
	StateDir string
	// Launcher starts detached runs. Defaults to a ProcessLauncher for
	// the running binary.
	Launcher Launcher
	Logger   *slog.Logger
	// Env is the base environment of every hook. Defaults to os.Environ().
	Env []string
	// PollInterval is how often WaitPreload checks run state.
	PollInterval time.Duration
}

// Manager runs directory hooks and owns their persisted state. The state
// is shared through the filesystem, so separate processes using the same
// StateDir observe the same runs and captures.
type Manager struct {
	stateDir string
	launcher Launcher
	logger   *slog.Logger
	env      []string
	poll     time.Duration

	mu       sync.Mutex
	contexts map[string]*DirContext
}

// DefaultStateDir returns $XDG_STATE_HOME/cuenv/hooks, falling back to
// ~/.local/state/cuenv/hooks.
func DefaultStateDir() (string, error) {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "cuenv", "hooks"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("hook: state directory: %w", err)
	}
	return filepath.Join(home, ".local", "state", "cuenv", "hooks"), nil
}

// NewManager creates a Manager and its state directory.
func NewManager(opts Options) (*Manager, error) {
	m := &Manager{
		stateDir: opts.StateDir,
		launcher: opts.Launcher,
		logger:   opts.Logger,
		env:      opts.Env,
		poll:     opts.PollInterval,
		contexts: make(map[string]*DirContext),
	}
	if m.stateDir == "" {
		dir, err := DefaultStateDir()
		if err != nil {
			return nil, err
		}
		m.stateDir = dir
	}
	if err := os.MkdirAll(m.stateDir, stateDirPerm); err != nil {
		return nil, fmt.Errorf("hook: create state dir: %w", err)
	}
	if m.launcher == nil {
		m.launcher = &ProcessLauncher{}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.env == nil {
		m.env = os.Environ()
	}
	if m.poll <= 0 {
		m.poll = defaultPollInterval
	}
	return m, nil
}

// Context returns the context of dir, creating its state on first use.
func (m *Manager) Context(dir string) (*DirContext, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("hook: resolve %s: %w", dir, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if dc, ok := m.contexts[abs]; ok {
		if _, err := os.Stat(dc.runsDir()); err == nil {
			return dc, nil
		}
	}
	dc, err := newDirContext(m.stateDir, abs)
	if err != nil {
		return nil, err
	}
	m.contexts[abs] = dc
	return dc, nil
}

// Enter starts a new event for dir and fires hooks in declared order.
// Blocking and synchronous Source hooks have finished when Enter returns;
// Preload and background Source hooks may still be running.
//
// Hook failures do not stop the sequence. They are recorded in the runs
// and reported in EnterResult.Errors. The returned error is limited to
// invalid specs, state store failures and cancellation.
func (m *Manager) Enter(ctx context.Context, dir string, hooks []Spec) (*EnterResult, error) {
	if err := validateSpecs(hooks); err != nil {
		return nil, fmt.Errorf("hook: invalid hooks: %w", err)
	}
	dc, err := m.Context(dir)
	if err != nil {
		return nil, err
	}

	res := &EnterResult{EventID: newToken(), Env: map[string]string{}}
	if err := dc.withLock(func() error {
		if err := dc.purge(); err != nil {
			return err
		}
		return dc.setEvent(res.EventID)
	}); err != nil {
		return nil, err
	}
	m.logger.Debug("hook event started", "dir", dc.Dir, "event", res.EventID, "hooks", len(hooks))

	for i, spec := range hooks {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("hook: enter %s: %w", dc.Dir, err)
		}
		r, err := m.newRun(dc, res.EventID, EventEnter, i, spec)
		if err != nil {
			return res, err
		}

		var rep report
		switch k := spec.Kind.(type) {
		case Blocking:
			r, rep, err = execute(ctx, dc, r, m.logger)
		case Preload:
			r, rep, err = m.launch(ctx, dc, r)
		case Source:
			if k.Background {
				r, rep, err = m.launch(ctx, dc, r)
				break
			}
			r, rep, err = execute(ctx, dc, r, m.logger)
			if err == nil {
				maps.Copy(res.Env, r.CapturedEnv)
			}
		default:
			err = fmt.Errorf("hook %s: unsupported kind %T", spec.Name, k)
		}
		if err != nil {
			return res, err
		}
		res.Runs = append(res.Runs, r)
		res.Warnings = append(res.Warnings, rep.warnings...)
		if rep.err != nil {
			res.Errors = append(res.Errors, rep.err)
		}
	}
	return res, nil
}

// Exit runs hooks for leaving dir, each as Blocking and in order, then
// removes the directory context. Detached runs still in flight are not
// stopped; their results are discarded.
func (m *Manager) Exit(ctx context.Context, dir string, hooks []Spec) ([]*Run, error) {
	if err := validateSpecs(hooks); err != nil {
		return nil, fmt.Errorf("hook: invalid hooks: %w", err)
	}
	dc, err := m.Context(dir)
	if err != nil {
		return nil, err
	}

	eventID := newToken()
	if err := dc.withLock(func() error { return dc.setEvent(eventID) }); err != nil {
		return nil, err
	}

	var runs []*Run
	for i, spec := range hooks {
		if err := ctx.Err(); err != nil {
			return runs, fmt.Errorf("hook: exit %s: %w", dc.Dir, err)
		}
		spec.Kind = Blocking{}
		r, err := m.newRun(dc, eventID, EventExit, i, spec)
		if err != nil {
			return runs, err
		}
		r, _, err = execute(ctx, dc, r, m.logger)
		if err != nil {
			return runs, err
		}
		runs = append(runs, r)
	}
	return runs, m.remove(dc)
}

// Status reports the runs of the current event of dir.
func (m *Manager) Status(dir string) (*Status, error) {
	dc, err := m.Context(dir)
	if err != nil {
		return nil, err
	}
	event, err := dc.currentEvent()
	if err != nil {
		return nil, err
	}
	runs, err := dc.runs()
	if err != nil {
		return nil, err
	}
	st := &Status{Dir: dc.Dir, EventID: event, Counts: map[State]int{}}
	for _, r := range runs {
		if r.EventID != event {
			continue
		}
		st.Runs = append(st.Runs, r)
		st.Counts[r.State]++
	}
	rec, err := dc.readCapture()
	if err != nil {
		return nil, err
	}
	st.CapturePending = rec != nil
	return st, nil
}

// Consume atomically takes the pending capture record of dir. It returns
// nil when nothing is pending. The Source runs merged into the record are
// retired.
func (m *Manager) Consume(dir string) (*CaptureRecord, error) {
	dc, err := m.Context(dir)
	if err != nil {
		return nil, err
	}
	var rec *CaptureRecord
	err = dc.withLock(func() error {
		rec, err = dc.readCapture()
		if err != nil || rec == nil {
			return err
		}
		if err := dc.removeCapture(); err != nil {
			return err
		}
		for _, id := range rec.Runs {
			r, err := dc.readRun(id)
			if err != nil {
				continue
			}
			r.Retired = true
			if err := dc.writeRun(r); err != nil {
				m.logger.Debug("cannot retire run", "run", id, "error", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("hook: consume %s: %w", dc.Dir, err)
	}
	return rec, nil
}

// WaitPreload blocks until every detached run of dir is terminal or ctx
// ends. Runs started by an earlier event that are still in flight count
// too. A Running run whose supervisor process is gone is marked Failed.
func (m *Manager) WaitPreload(ctx context.Context, dir string) error {
	dc, err := m.Context(dir)
	if err != nil {
		return err
	}
	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()
	for {
		n, err := m.outstanding(dc)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("hook: waiting for %d preload hooks: %w", n, ctx.Err())
		case <-ticker.C:
		}
	}
}

// outstanding counts the detached runs of dc, from any event, that have
// not reached a terminal state.
func (m *Manager) outstanding(dc *DirContext) (int, error) {
	runs, err := dc.runs()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range runs {
		if !detached(r.Spec.Kind) || r.State.Terminal() {
			continue
		}
		if r.State == StateRunning && !pidAlive(r.PID) {
			m.markLost(dc, r)
			continue
		}
		n++
	}
	return n, nil
}

// markLost fails a run whose supervisor exited without recording a result.
func (m *Manager) markLost(dc *DirContext, r *Run) {
	pid := r.PID
	_, err := dc.updateRun(r.ID, func(cur *Run) bool {
		if cur.State != StateRunning || cur.PID != pid {
			return false
		}
		cur.State = StateFailed
		cur.Error = fmt.Sprintf("supervisor %d exited", pid)
		cur.ExitCode = -1
		cur.FinishedAt = time.Now()
		cur.Retired = true
		return true
	})
	if err != nil {
		m.logger.Debug("cannot mark lost run", "run", r.ID, "error", err)
		return
	}
	m.logger.Warn("hook supervisor exited without a result", "hook", r.Spec.Name, "pid", pid)
}

func (m *Manager) newRun(dc *DirContext, eventID string, ev Event, seq int, spec Spec) (*Run, error) {
	r := &Run{
		ID:        uuid.NewString(),
		EventID:   eventID,
		Dir:       dc.Dir,
		Event:     ev,
		Seq:       seq,
		Spec:      spec,
		State:     StatePending,
		StartedAt: time.Now(),
		Environ:   m.environ(dc, ev, spec),
	}
	if err := dc.writeRun(r); err != nil {
		return nil, err
	}
	return r, nil
}

// environ builds the environment of a hook. Variables describing an
// enclosing hook are replaced with those of this one.
func (m *Manager) environ(dc *DirContext, ev Event, spec Spec) []string {
	env := envutil.RemoveEnvPrefix(m.env, envHookPrefix)
	env = envutil.SetEnv(env, envHookEvent, string(ev))
	env = envutil.SetEnv(env, envHookDir, dc.Dir)
	return envutil.MergeEnv(env, envutil.FromMap(spec.Env))
}

// launch hands r to the Launcher. A launch failure fails the run.
func (m *Manager) launch(ctx context.Context, dc *DirContext, r *Run) (*Run, report, error) {
	pid, launchErr := m.launcher.Launch(ctx, dc.RunFile(r.ID))
	if launchErr != nil {
		spawnErr := &SpawnError{Hook: r.Spec.Name, Err: launchErr}
		m.logger.Warn("cannot launch hook", "hook", r.Spec.Name, "error", launchErr)
		stored, err := dc.updateRun(r.ID, func(cur *Run) bool {
			if cur.State.Terminal() {
				return false
			}
			cur.State = StateFailed
			cur.Error = spawnErr.Error()
			cur.ExitCode = -1
			cur.FinishedAt = time.Now()
			cur.Retired = true
			return true
		})
		return stored, report{warnings: []string{spawnErr.Error()}, err: spawnErr}, err
	}

	// The supervisor may already have claimed or finished the run.
	stored, err := dc.updateRun(r.ID, func(cur *Run) bool {
		if cur.State != StatePending {
			return false
		}
		cur.State = StateRunning
		cur.PID = pid
		return true
	})
	return stored, report{}, err
}

// remove deletes the state of dc and forgets it.
func (m *Manager) remove(dc *DirContext) error {
	err := dc.withLock(func() error { return os.RemoveAll(dc.Root) })

	m.mu.Lock()
	delete(m.contexts, dc.Dir)
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("hook: remove context %s: %w", dc.Dir, err)
	}
	return nil
}
