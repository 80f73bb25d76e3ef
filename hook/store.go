package hook

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/sys/unix"

	"github.com/rawkode/cuenv-sub002/internal/codec"
)

const (
	runsDirName    = "runs"
	logsDirName    = "logs"
	captureName    = "capture.cbor"
	eventName      = "event"
	lockName       = "lock"
	runFileSuffix  = ".cbor"
	stateDirPerm   = 0o700
	stateFilePerm  = 0o600
	stateKeyLength = 16
)

// DirContext is the persisted hook state of one directory. Every process
// that handles the directory derives the same state path from it.
type DirContext struct {
	// Dir is the directory the hooks belong to.
	Dir string
	// Root is the state directory, <StateDir>/<key>.
	Root string
}

// StateKey returns the state directory name for dir: the first 16 hex
// characters of its BLAKE3 digest.
func StateKey(dir string) string {
	sum := blake3.Sum256([]byte(dir))
	return hex.EncodeToString(sum[:])[:stateKeyLength]
}

func newDirContext(stateDir, dir string) (*DirContext, error) {
	dc := &DirContext{Dir: dir, Root: filepath.Join(stateDir, StateKey(dir))}
	for _, d := range []string{dc.Root, dc.runsDir(), dc.logsDir()} {
		if err := os.MkdirAll(d, stateDirPerm); err != nil {
			return nil, fmt.Errorf("hook: create state dir: %w", err)
		}
	}
	return dc, nil
}

// dirContextForRunFile recovers the context a run file belongs to.
func dirContextForRunFile(runFile, dir string) *DirContext {
	return &DirContext{Dir: dir, Root: filepath.Dir(filepath.Dir(runFile))}
}

func (dc *DirContext) runsDir() string { return filepath.Join(dc.Root, runsDirName) }
func (dc *DirContext) logsDir() string { return filepath.Join(dc.Root, logsDirName) }

// RunFile returns the path of the record for run id.
func (dc *DirContext) RunFile(id string) string {
	return filepath.Join(dc.runsDir(), id+runFileSuffix)
}

// LogFile returns the path that receives the output of run id.
func (dc *DirContext) LogFile(id string) string {
	return filepath.Join(dc.logsDir(), id+".log")
}

// withLock runs fn while holding an exclusive flock on the context's lock
// file. The lock serializes record updates across processes.
func (dc *DirContext) withLock(fn func() error) error {
	f, err := os.OpenFile(filepath.Join(dc.Root, lockName), os.O_CREATE|os.O_RDWR, stateFilePerm)
	if err != nil {
		return fmt.Errorf("hook: open lock: %w", err)
	}
	defer f.Close()

	if err := flock(f, unix.LOCK_EX); err != nil {
		return fmt.Errorf("hook: lock %s: %w", dc.Root, err)
	}
	defer func() { _ = flock(f, unix.LOCK_UN) }()
	return fn()
}

func flock(f *os.File, how int) error {
	for {
		err := unix.Flock(int(f.Fd()), how)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

func (dc *DirContext) writeRun(r *Run) error {
	return writeRecord(dc.RunFile(r.ID), r)
}

func (dc *DirContext) readRun(id string) (*Run, error) {
	return readRunFile(dc.RunFile(id))
}

func readRunFile(path string) (*Run, error) {
	var r Run
	if err := readRecord(path, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// updateRun applies fn to the stored record of id under the lock and
// writes it back. fn returning false leaves the record unchanged.
func (dc *DirContext) updateRun(id string, fn func(*Run) bool) (*Run, error) {
	var out *Run
	err := dc.withLock(func() error {
		r, err := dc.readRun(id)
		if err != nil {
			return err
		}
		out = r
		if !fn(r) {
			return nil
		}
		return dc.writeRun(r)
	})
	return out, err
}

// runs returns every stored run ordered by event and declaration order.
// Unreadable records are skipped.
func (dc *DirContext) runs() ([]*Run, error) {
	entries, err := os.ReadDir(dc.runsDir())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("hook: list runs: %w", err)
	}
	var out []*Run
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), runFileSuffix) {
			continue
		}
		r, err := readRunFile(filepath.Join(dc.runsDir(), e.Name()))
		if err != nil {
			continue
		}
		out = append(out, r)
	}
	// Event IDs are time ordered.
	slices.SortFunc(out, func(a, b *Run) int {
		if c := strings.Compare(a.EventID, b.EventID); c != 0 {
			return c
		}
		return a.Seq - b.Seq
	})
	return out, nil
}

// deleteRun removes the record and log of r.
func (dc *DirContext) deleteRun(r *Run) error {
	return errors.Join(
		removeIfExists(dc.RunFile(r.ID)),
		removeIfExists(dc.LogFile(r.ID)),
	)
}

// purge removes the runs and the capture left by earlier events. Runs
// still in flight are kept. The lock must be held.
func (dc *DirContext) purge() error {
	runs, err := dc.runs()
	if err != nil {
		return err
	}
	var errs []error
	for _, r := range runs {
		if r.Retired || r.State.Terminal() {
			errs = append(errs, dc.deleteRun(r))
		}
	}
	errs = append(errs, dc.removeCapture())
	return errors.Join(errs...)
}

func (dc *DirContext) currentEvent() (string, error) {
	data, err := os.ReadFile(filepath.Join(dc.Root, eventName))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("hook: read event: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (dc *DirContext) setEvent(id string) error {
	return writeFileAtomic(filepath.Join(dc.Root, eventName), []byte(id+"\n"))
}

func (dc *DirContext) capturePath() string {
	return filepath.Join(dc.Root, captureName)
}

// readCapture returns the pending capture, or nil.
func (dc *DirContext) readCapture() (*CaptureRecord, error) {
	var rec CaptureRecord
	err := readRecord(dc.capturePath(), &rec)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (dc *DirContext) writeCapture(rec *CaptureRecord) error {
	return writeRecord(dc.capturePath(), rec)
}

func (dc *DirContext) removeCapture() error {
	return removeIfExists(dc.capturePath())
}

func writeRecord(path string, v any) error {
	data, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("hook: encode %s: %w", filepath.Base(path), err)
	}
	return writeFileAtomic(path, data)
}

func readRecord(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := codec.Unmarshal(data, v); err != nil {
		return fmt.Errorf("hook: decode %s: %w", path, err)
	}
	return nil
}

// writeFileAtomic writes data to a temporary file in the same directory,
// syncs it and renames it over path. Readers never see a partial record.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("hook: create temporary file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("hook: write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Chmod(stateFilePerm); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("hook: chmod %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("hook: sync %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("hook: close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("hook: rename %s: %w", filepath.Base(path), err)
	}

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
