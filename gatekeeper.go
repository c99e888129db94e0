package spacekeeper

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
)

// DefaultMaxRecoverRetries is the number of backup recovery attempts allowed
// before a pending recovery becomes fatal.
const DefaultMaxRecoverRetries = 3

// GateResult is the outcome of a successful pass through the election gate.
type GateResult int

const (
	// GateSkipped means the marker backend has nothing trustworthy to check.
	GateSkipped = GateResult(iota)

	// GateCleared means this instance may become primary.
	GateCleared

	// GateOtherPrimary means another instance became primary while waiting.
	GateOtherPrimary

	// GateTimedOut means no other primary appeared within the wait bound. The
	// election mechanism decides how to proceed.
	GateTimedOut
)

// String returns the string representation of the result.
func (r GateResult) String() string {
	switch r {
	case GateSkipped:
		return "skipped"
	case GateCleared:
		return "cleared"
	case GateOtherPrimary:
		return "other-primary"
	case GateTimedOut:
		return "timed-out"
	default:
		return fmt.Sprintf("GateResult<%d>", int(r))
	}
}

// GateState is the current state of the gatekeeper.
type GateState int32

const (
	GateStateIdle = GateState(iota)
	GateStateAwaitingElection
	GateStateWaitingForAnotherPrimary
	GateStateBlocked
	GateStateCleared
)

// String returns the string representation of the state.
func (s GateState) String() string {
	switch s {
	case GateStateIdle:
		return "idle"
	case GateStateAwaitingElection:
		return "awaiting-election"
	case GateStateWaitingForAnotherPrimary:
		return "waiting-for-another-primary"
	case GateStateBlocked:
		return "blocked"
	case GateStateCleared:
		return "cleared"
	default:
		return fmt.Sprintf("GateState<%d>", int32(s))
	}
}

var (
	_ ModeListener      = (*Gatekeeper)(nil)
	_ ConsistencyMarker = (*Gatekeeper)(nil)
)

// Gatekeeper decides, before every primary election attempt, whether this
// space instance may become primary, must wait for another instance, or must
// refuse to start. It also tracks whether a backup recovery is still pending.
//
// BeforePrimaryElection is expected to be called from a single election
// goroutine. Mode change notifications may arrive from another goroutine.
type Gatekeeper struct {
	space    SpaceID
	marker   ConsistencyMarker
	registry Registry
	finder   PrimaryFinder

	state                 atomic.Int32
	pendingBackupRecovery atomic.Bool

	mu              sync.Mutex
	lastSeenPrimary string // last primary read by the gate

	// Number of recovery attempts before a pending recovery is fatal.
	MaxRecoverRetries int

	// Maximum time to wait for another instance to become primary.
	WaitTimeout time.Duration

	// Interval between discovery polls while waiting.
	PollInterval time.Duration
}

// NewGatekeeper returns a new instance of Gatekeeper.
func NewGatekeeper(space SpaceID, marker ConsistencyMarker, registry Registry, finder PrimaryFinder) *Gatekeeper {
	return &Gatekeeper{
		space:             space,
		marker:            marker,
		registry:          registry,
		finder:            finder,
		MaxRecoverRetries: DefaultMaxRecoverRetries,
		WaitTimeout:       DefaultWaitForPrimaryTimeout,
		PollInterval:      DefaultWaitForPrimaryPoll,
	}
}

// Space returns the identifier of the guarded space instance.
func (g *Gatekeeper) Space() SpaceID { return g.space }

// Registry returns the last primary registry.
func (g *Gatekeeper) Registry() Registry { return g.registry }

// GateState returns the current state of the gate.
func (g *Gatekeeper) GateState() GateState { return GateState(g.state.Load()) }

func (g *Gatekeeper) setGateState(s GateState) { g.state.Store(int32(s)) }

// State returns the storage consistency state.
func (g *Gatekeeper) State() ConsistencyState { return g.marker.State() }

// SetState sets the storage consistency state.
func (g *Gatekeeper) SetState(state ConsistencyState) { g.marker.SetState(state) }

// PerInstance returns true if the marker persists per instance.
func (g *Gatekeeper) PerInstance() bool { return g.marker.PerInstance() }

// IsInconsistentStorage returns true if storage is marked inconsistent.
func (g *Gatekeeper) IsInconsistentStorage() bool {
	return g.marker.State() == Inconsistent
}

// BeforePrimaryElection must be called before each attempt to become primary.
//
// It returns an error if this instance must not start: either its storage is
// inconsistent while it was the last primary, or the registry cannot be read.
// Otherwise it may block for up to WaitTimeout while waiting for another
// instance to become primary.
func (g *Gatekeeper) BeforePrimaryElection(ctx context.Context) (result GateResult, err error) {
	g.setGateState(GateStateAwaitingElection)
	defer func() {
		TraceLog.Printf("[BeforePrimaryElection(%s)]: result=%s state=%s %s", g.space, result, g.GateState(), errorKeyValue(err))
		if err == nil {
			gateDecisionCountMetricVec.WithLabelValues(g.space.Name, result.String()).Inc()
		} else {
			gateDecisionCountMetricVec.WithLabelValues(g.space.Name, "error").Inc()
		}
	}()

	if !g.marker.PerInstance() {
		g.setGateState(GateStateCleared)
		return GateSkipped, nil
	}

	storageState := g.marker.State()
	validStorageState := storageState != Inconsistent
	slog.Info("space tested for storage consistency", slog.String("space", g.space.String()), slog.String("result", string(storageState)))

	lastPrimary, err := g.registry.LastPrimary(ctx)
	if err != nil && !errors.Is(err, ErrNoLastPrimary) {
		g.setGateState(GateStateBlocked)
		return 0, &RecoveryError{
			Op:    "read last primary",
			Space: g.space.String(),
			Err:   errors.Mark(err, ErrRegistryUnavailable),
		}
	}
	noLastPrimary := err != nil
	g.setLastSeenPrimary(lastPrimary)
	slog.Info("space tested for latest primary", slog.String("space", g.space.String()), slog.String("result", lastPrimary))

	wasPrimary := !noLastPrimary && g.registry.IsSelf(lastPrimary)
	if (wasPrimary || noLastPrimary) && validStorageState {
		g.setGateState(GateStateCleared)
		return GateCleared, nil
	}

	if !validStorageState && wasPrimary {
		g.setGateState(GateStateBlocked)
		slog.Error("inconsistent storage state but space was primary", slog.String("space", g.space.String()))
		return 0, &RecoveryError{
			Op:          "start",
			Space:       g.space.String(),
			LastPrimary: lastPrimary,
			Err:         ErrInconsistentWasPrimary,
		}
	}

	g.setGateState(GateStateWaitingForAnotherPrimary)
	slog.Info("waiting for any other space to become primary",
		slog.String("space", g.space.String()),
		slog.String("last-primary", lastPrimary),
		slog.Duration("timeout", g.WaitTimeout))

	if g.finder == nil {
		slog.Warn("no primary finder available, cannot wait for another primary", slog.String("space", g.space.String()))
		g.setGateState(GateStateAwaitingElection)
		return GateTimedOut, nil
	}

	t := time.Now()
	info, err := WaitForAnotherPrimary(ctx, g.finder, g.WaitTimeout, g.PollInterval)
	gateWaitSecondsMetric.WithLabelValues(g.space.Name).Observe(time.Since(t).Seconds())
	if errors.Is(err, ErrWaitTimeout) {
		slog.Warn("no other primary appeared", slog.String("space", g.space.String()), slog.Duration("timeout", g.WaitTimeout))
		g.setGateState(GateStateAwaitingElection)
		return GateTimedOut, nil
	} else if err != nil {
		g.setGateState(GateStateIdle)
		return 0, err
	}

	slog.Info("another space became primary", slog.String("space", g.space.String()), slog.String("primary", info.Hostname))
	g.setGateState(GateStateCleared)
	return GateOtherPrimary, nil
}

// LastSeenPrimary returns the last primary identity read by the most recent
// gate pass. Returns blank if none was recorded or the gate has not run yet.
func (g *Gatekeeper) LastSeenPrimary() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastSeenPrimary
}

func (g *Gatekeeper) setLastSeenPrimary(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastSeenPrimary = id
}

// IsSelfLastPrimary returns true if the registry records this instance as the last primary.
func (g *Gatekeeper) IsSelfLastPrimary(ctx context.Context) (bool, error) {
	lastPrimary, err := g.registry.LastPrimary(ctx)
	if errors.Is(err, ErrNoLastPrimary) {
		return false, nil
	} else if err != nil {
		return false, errors.Mark(err, ErrRegistryUnavailable)
	}
	return g.registry.IsSelf(lastPrimary), nil
}

// BeforeModeChange rejects a transition to primary while a backup recovery is
// pending, marks a transition to backup as pending recovery, and records this
// instance as last primary when the registry does not do so itself.
func (g *Gatekeeper) BeforeModeChange(ctx context.Context, newMode Mode) error {
	if newMode == ModePrimary && g.PendingBackupRecovery() {
		return &RecoveryError{
			Op:    "change mode to " + newMode.String(),
			Space: g.space.String(),
			Err:   ErrBackupNotRecovered,
		}
	} else if newMode == ModeBackup {
		g.SetPendingBackupRecovery(true)
	}

	if newMode == ModePrimary && !g.registry.ElectionIntegrated() {
		if err := g.registry.SetSelfAsLastPrimary(ctx); err != nil {
			return &RecoveryError{
				Op:    "set last primary",
				Space: g.space.String(),
				Err:   errors.Mark(err, ErrRegistryUnavailable),
			}
		}
		slog.Info("set as last primary", slog.String("space", g.space.String()), slog.String("registry", g.registry.Type()))
	}
	return nil
}

// AfterModeChange is a no-op.
func (g *Gatekeeper) AfterModeChange(ctx context.Context, newMode Mode) {}

// SetPendingBackupRecovery marks whether a backup recovery is still in progress.
func (g *Gatekeeper) SetPendingBackupRecovery(v bool) {
	g.pendingBackupRecovery.Store(v)

	var f float64
	if v {
		f = 1
	}
	pendingBackupRecoveryMetricVec.WithLabelValues(g.space.Name).Set(f)
}

// PendingBackupRecovery returns true if a backup recovery has not finished.
func (g *Gatekeeper) PendingBackupRecovery() bool {
	return g.pendingBackupRecovery.Load()
}

// OnRecoverFailure is called by the recovery retry loop after a failed attempt.
// Returns an error once retryCount reaches MaxRecoverRetries while recovery is
// still pending. Earlier failures only log so the caller can retry.
func (g *Gatekeeper) OnRecoverFailure(retryCount int) error {
	slog.Warn("failed during recover, retrying",
		slog.String("space", g.space.String()),
		slog.Int("retry", retryCount))
	recoverFailureCountMetricVec.WithLabelValues(g.space.Name).Inc()

	if g.PendingBackupRecovery() && retryCount == g.MaxRecoverRetries {
		return &RecoveryError{
			Op:         "recover",
			Space:      g.space.String(),
			RetryCount: retryCount,
			Err:        ErrBackupNotRecovered,
		}
	}
	return nil
}
