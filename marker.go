package spacekeeper

import (
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/spacegrid/spacekeeper/internal"
	"golang.org/x/exp/slog"
)

// ConsistencyState represents whether a space instance's storage is known-good.
type ConsistencyState string

const (
	Consistent   = ConsistencyState("Consistent")
	Inconsistent = ConsistencyState("Inconsistent")
	Unknown      = ConsistencyState("Unknown")
)

// ParseConsistencyState returns the state for exactly "Consistent" or
// "Inconsistent". Any other value returns Unknown.
func ParseConsistencyState(s string) ConsistencyState {
	switch ConsistencyState(s) {
	case Consistent:
		return Consistent
	case Inconsistent:
		return Inconsistent
	default:
		return Unknown
	}
}

// ConsistencyMarker persists the consistency state of a single space instance.
type ConsistencyMarker interface {
	// State returns the persisted state. Never returns Consistent unless the
	// marker explicitly says so.
	State() ConsistencyState

	// SetState replaces the persisted state. Failures are logged.
	SetState(state ConsistencyState)

	// PerInstance returns true if the backend durably persists state for
	// this specific instance.
	PerInstance() bool
}

var _ ConsistencyMarker = (*FileMarker)(nil)

// FileMarker is a ConsistencyMarker backed by a single-line text file.
type FileMarker struct {
	path string

	// OS is used for all file access. Defaults to DefaultOS.
	OS OS
}

// MarkerPath returns the default marker path for a space member under workDir.
func MarkerPath(workDir, spaceName, memberName string) string {
	return filepath.Join(workDir, "tiered-storage", spaceName, "consist_"+memberName+".txt")
}

// NewFileMarker returns a new instance of FileMarker bound to path.
func NewFileMarker(path string) *FileMarker {
	return &FileMarker{path: path, OS: DefaultOS}
}

// OpenFileMarker returns a marker for the space member under workDir. The
// parent directories & an empty marker file are created if missing.
func OpenFileMarker(workDir, spaceName, memberName string) (*FileMarker, error) {
	m := NewFileMarker(MarkerPath(workDir, spaceName, memberName))
	if err := m.Open(); err != nil {
		return nil, err
	}
	return m, nil
}

// Path returns the path of the marker file.
func (m *FileMarker) Path() string { return m.path }

// Open creates the marker directory & file if they do not exist yet.
func (m *FileMarker) Open() error {
	if err := m.OS.MkdirAll("MARKER:OPEN", filepath.Dir(m.path), 0777); err != nil {
		return errors.Wrapf(err, "mkdir %s", filepath.Dir(m.path))
	}

	if _, err := m.OS.Stat("MARKER:OPEN", m.path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "stat consistency file %s", m.path)
	}

	if err := m.OS.WriteFile("MARKER:OPEN", m.path, nil, 0666); err != nil {
		return errors.Wrapf(err, "create consistency file %s", m.path)
	}
	return nil
}

// State reads the first line of the marker file.
func (m *FileMarker) State() ConsistencyState {
	buf, err := m.OS.ReadFile("MARKER:READ", m.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("cannot read consistency file", slog.String("path", m.path), slog.Any("err", err))
		}
		return Unknown
	}
	return ParseConsistencyState(internal.FirstLine(buf))
}

// SetState atomically replaces the marker file contents with state.
func (m *FileMarker) SetState(state ConsistencyState) {
	err := writeFileAtomic(m.OS, "MARKER:WRITE", m.path, []byte(state))
	TraceLog.Printf("[SetConsistencyState(%s)]: state=%s %s", m.path, state, errorKeyValue(err))
	if err != nil {
		slog.Error("cannot write consistency file",
			slog.String("path", m.path),
			slog.String("state", string(state)),
			slog.Any("err", err))
	}
}

// PerInstance always returns true.
func (m *FileMarker) PerInstance() bool { return true }

var _ ConsistencyMarker = NopMarker{}

// NopMarker is used when storage is not persisted per instance. It has
// nothing trustworthy to report so gatekeeping is skipped entirely.
type NopMarker struct{}

// State always returns Unknown.
func (NopMarker) State() ConsistencyState { return Unknown }

// SetState is a no-op.
func (NopMarker) SetState(state ConsistencyState) {}

// PerInstance always returns false.
func (NopMarker) PerInstance() bool { return false }
