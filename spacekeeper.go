package spacekeeper

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
)

// Spacekeeper errors
var (
	ErrNoPrimary     = errors.New("no primary")
	ErrPrimaryExists = errors.New("primary exists")
	ErrLeaseExpired  = errors.New("lease expired")

	ErrNoLastPrimary       = errors.New("no last primary recorded")
	ErrRegistryUnavailable = errors.New("last primary registry unavailable")

	ErrInconsistentWasPrimary = errors.New("inconsistent storage state but space was primary")
	ErrBackupNotRecovered     = errors.New("backup space did not finish recovering")
	ErrWaitTimeout            = errors.New("timed out waiting for another primary")

	ErrNotFifoBatch   = errors.New("batch is not fifo ordered")
	ErrDuplicateBatch = errors.New("duplicate fifo batch")
	ErrSessionClosed  = errors.New("space copy session closed")
)

// LogLevel is the level used by the default handler installed by the CLI.
var LogLevel = new(slog.LevelVar)

// TraceLogFlags are the flags to be used with TraceLog.
const TraceLogFlags = log.LstdFlags | log.Lmicroseconds | log.LUTC

// TraceLog is a log for low-level tracing of gate & sequencer decisions.
var TraceLog = log.New(io.Discard, "", TraceLogFlags)

// Mode represents the replication role of a space instance.
type Mode int

const (
	ModeNone = Mode(iota)
	ModeBackup
	ModePrimary
)

// String returns the string representation of the mode.
func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "NONE"
	case ModeBackup:
		return "BACKUP"
	case ModePrimary:
		return "PRIMARY"
	default:
		return fmt.Sprintf("Mode<%d>", int(m))
	}
}

// ParseMode returns the mode for its string representation.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "NONE":
		return ModeNone, nil
	case "BACKUP":
		return ModeBackup, nil
	case "PRIMARY":
		return ModePrimary, nil
	default:
		return ModeNone, errors.Newf("invalid mode: %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(text []byte) (err error) {
	*m, err = ParseMode(string(text))
	return err
}

// ModeListener is notified synchronously around mode transitions. Returning an
// error from BeforeModeChange rejects the transition.
type ModeListener interface {
	BeforeModeChange(ctx context.Context, newMode Mode) error
	AfterModeChange(ctx context.Context, newMode Mode)
}

// SpaceID identifies a single space instance within the cluster.
type SpaceID struct {
	Name        string // logical space name
	PartitionID int    // one-based partition identifier
	MemberName  string // full member name, unique per instance
}

// Validate returns an error if any identifying field is missing.
func (id SpaceID) Validate() error {
	if id.Name == "" {
		return errors.New("space name required")
	} else if id.PartitionID < 1 {
		return errors.Newf("partition id must be one-based: %d", id.PartitionID)
	} else if id.MemberName == "" {
		return errors.New("member name required")
	}
	return nil
}

// FullName returns the full logical space name. It is used as the node
// identity by file & property based registries.
func (id SpaceID) FullName() string {
	return id.MemberName + ":" + id.Name
}

// LastPrimaryKey returns the registry key holding the last primary identity.
func (id SpaceID) LastPrimaryKey() string {
	return id.Name + "." + strconv.Itoa(id.PartitionID) + ".primary"
}

// String returns the full space name.
func (id SpaceID) String() string { return id.FullName() }

// DefaultMemberName returns a member name composed of the host name and the
// space name & partition.
func DefaultMemberName(name string, partitionID int) string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "localhost"
	}
	return fmt.Sprintf("%s_%s_container%d", hostname, name, partitionID)
}

// PrimaryInfo is the JSON object stored in the lease value.
type PrimaryInfo struct {
	Hostname     string `json:"hostname"`
	AdvertiseURL string `json:"advertise-url"`
	InstanceID   string `json:"instance-id,omitempty"`
	SpaceName    string `json:"space-name,omitempty"`
}

// Clone returns a copy of info.
func (info *PrimaryInfo) Clone() *PrimaryInfo {
	if info == nil {
		return nil
	}
	other := *info
	return &other
}

// PrimaryFinder reports whether some node currently holds the primary role.
type PrimaryFinder interface {
	// PrimaryInfo returns the current primary's info.
	// Returns ErrNoPrimary if no node is currently primary.
	PrimaryInfo(ctx context.Context) (PrimaryInfo, error)
}

// RecoveryError is returned when the recovery protocol refuses to let a space
// instance proceed. It carries enough context to diagnose the decision later.
type RecoveryError struct {
	Op          string
	Space       string
	LastPrimary string
	RetryCount  int
	Err         error
}

// Error returns the error message.
func (e *RecoveryError) Error() string {
	s := fmt.Sprintf("%s: space=%s", e.Op, e.Space)
	if e.LastPrimary != "" {
		s += " last-primary=" + e.LastPrimary
	}
	if e.RetryCount > 0 {
		s += " retries=" + strconv.Itoa(e.RetryCount)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap returns the underlying error.
func (e *RecoveryError) Unwrap() error { return e.Err }

// IsFatal returns true if err must halt the space instance.
func IsFatal(err error) bool {
	return errors.IsAny(err, ErrInconsistentWasPrimary, ErrRegistryUnavailable)
}

// errorKeyValue returns a key/value pair of the error. Returns a blank string if err is empty.
func errorKeyValue(err error) string {
	if err == nil {
		return ""
	}
	return "err=" + err.Error()
}
