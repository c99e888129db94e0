package spacekeeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"
)

// Default node settings.
const (
	DefaultReconnectDelay = 1 * time.Second
)

// Recoverer performs the backup side of a full state transfer from the primary.
// Batches received from the primary must be passed to session.Receive.
type Recoverer interface {
	Recover(ctx context.Context, primary PrimaryInfo, session *SpaceCopySession) error
}

// NodeStatus is a point-in-time view of a node.
type NodeStatus struct {
	Space                 string           `json:"space"`
	Hostname              string           `json:"hostname"`
	AdvertiseURL          string           `json:"advertise-url,omitempty"`
	Mode                  Mode             `json:"mode"`
	GateState             string           `json:"gate-state"`
	Consistency           ConsistencyState `json:"consistency"`
	LastPrimary           string           `json:"last-primary,omitempty"`
	PendingBackupRecovery bool             `json:"pending-backup-recovery"`
	Primary               *PrimaryInfo     `json:"primary,omitempty"`
	Registry              string           `json:"registry"`
	Leaser                string           `json:"leaser"`
}

// Node represents a single space instance participating in primary/backup
// replication. It owns the recovery gatekeeper and runs the election loop.
type Node struct {
	mu          sync.Mutex
	mode        Mode
	primaryInfo *PrimaryInfo // current primary, if this node is a backup
	listeners   []ModeListener
	sessionN    int
	err         error // fatal error that stopped the node

	gate *Gatekeeper

	readyCh chan struct{}
	doneCh  chan struct{}

	ctx    context.Context
	cancel func()
	g      errgroup.Group

	// Leaser manages the lease that controls leader election.
	Leaser Leaser

	// Recoverer copies state from the primary when this node becomes a backup.
	// If nil, backups are considered recovered immediately.
	Recoverer Recoverer

	// Apply hands replicated batches to the storage engine.
	Apply ApplyFunc

	// Time to wait before retrying after a disconnect or failed attempt.
	ReconnectDelay time.Duration
}

// NewNode returns a new instance of Node guarded by gate.
func NewNode(gate *Gatekeeper) *Node {
	n := &Node{
		gate:           gate,
		readyCh:        make(chan struct{}),
		doneCh:         make(chan struct{}),
		ReconnectDelay: DefaultReconnectDelay,
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.listeners = append(n.listeners, gate)
	return n
}

// Space returns the space instance identifier.
func (n *Node) Space() SpaceID { return n.gate.Space() }

// Gatekeeper returns the recovery gatekeeper of the node.
func (n *Node) Gatekeeper() *Gatekeeper { return n.gate }

// AddModeListener registers l to be notified of mode changes.
// Must be called before Open().
func (n *Node) AddModeListener(l ModeListener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, l)
}

// Open begins the election loop in the background.
func (n *Node) Open() error {
	if n.Leaser == nil {
		return errors.New("leaser required")
	}

	slog.Info("opening node",
		slog.String("space", n.Space().String()),
		slog.String("leaser", n.Leaser.Type()),
		slog.String("registry", n.gate.Registry().Type()))

	n.g.Go(func() error {
		defer close(n.doneCh)
		err := n.monitor(n.ctx)
		if err != nil {
			n.mu.Lock()
			n.err = err
			n.mu.Unlock()
			slog.Error("node stopped", slog.String("space", n.Space().String()), slog.Any("err", err))
		}
		return err
	})
	return nil
}

// Close stops the election loop and waits for it to exit.
func (n *Node) Close() error {
	n.cancel()
	return n.g.Wait()
}

// ReadyCh returns a channel that is closed once the node first settles into a mode.
func (n *Node) ReadyCh() <-chan struct{} { return n.readyCh }

// Done returns a channel that is closed when the election loop exits.
func (n *Node) Done() <-chan struct{} { return n.doneCh }

// Err returns the fatal error that stopped the node, if any.
func (n *Node) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.err
}

// Mode returns the current mode of the node.
func (n *Node) Mode() Mode {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.mode
}

// IsPrimary returns true if the node currently holds the primary lease.
func (n *Node) IsPrimary() bool { return n.Mode() == ModePrimary }

// PrimaryInfo returns info about the current primary if this node is a backup.
// Returns nil otherwise.
func (n *Node) PrimaryInfo() *PrimaryInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.primaryInfo.Clone()
}

// Status returns the current status of the node. It does not perform registry
// I/O; the last primary reported is the one observed by the last gate pass.
func (n *Node) Status() NodeStatus {
	n.mu.Lock()
	mode, primaryInfo := n.mode, n.primaryInfo.Clone()
	n.mu.Unlock()

	return NodeStatus{
		Space:                 n.Space().String(),
		Hostname:              n.Leaser.Hostname(),
		AdvertiseURL:          n.Leaser.AdvertiseURL(),
		Mode:                  mode,
		GateState:             n.gate.GateState().String(),
		Consistency:           n.gate.State(),
		LastPrimary:           n.gate.LastSeenPrimary(),
		PendingBackupRecovery: n.gate.PendingBackupRecovery(),
		Primary:               primaryInfo,
		Registry:              n.gate.Registry().Type(),
		Leaser:                n.Leaser.Type(),
	}
}

// NewSpaceCopySession returns a new session applying batches with n.Apply.
func (n *Node) NewSpaceCopySession() *SpaceCopySession {
	n.mu.Lock()
	n.sessionN++
	id := fmt.Sprintf("%s/%d", n.Space().Name, n.sessionN)
	n.mu.Unlock()

	apply := n.Apply
	if apply == nil {
		apply = func(ctx context.Context, batch *ReplicaBatch) error {
			TraceLog.Printf("[DiscardBatch(%s)]: %s", id, batch)
			return nil
		}
	}
	return NewSpaceCopySession(id, apply)
}

// monitor runs the election loop until ctx is canceled or a fatal error occurs.
func (n *Node) monitor(ctx context.Context) error {
	for {
		// Exit if node is closed.
		if err := ctx.Err(); err != nil {
			return nil
		}

		result, err := n.gate.BeforePrimaryElection(ctx)
		if ctx.Err() != nil {
			return nil
		} else if IsFatal(err) {
			return err
		} else if err != nil {
			slog.Warn("primary election gate failed, retrying", slog.Any("err", err))
			n.sleep(ctx, n.ReconnectDelay)
			continue
		}
		slog.Debug("primary election gate passed", slog.String("result", result.String()))

		// Attempt to either obtain a primary lock or read the current primary.
		lease, info, err := n.acquireLeaseOrPrimaryInfo(ctx)
		if err == ErrNoPrimary {
			slog.Info("no primary available, retrying")
			n.sleep(ctx, n.ReconnectDelay)
			continue
		} else if IsFatal(err) {
			return err
		} else if err != nil {
			slog.Warn("cannot acquire lease or find primary, retrying", slog.Any("err", err))
			n.sleep(ctx, n.ReconnectDelay)
			continue
		}

		// Monitor as primary if we have obtained a lease.
		if lease != nil {
			if err := n.changeMode(ctx, ModePrimary); err != nil {
				if e := lease.Close(); e != nil {
					slog.Warn("cannot release lease", slog.Any("err", e))
				}
				if IsFatal(err) {
					return err
				}
				slog.Warn("primary transition rejected, retrying", slog.Any("err", err))
				n.sleep(ctx, n.ReconnectDelay)
				continue
			}

			slog.Info("primary lease acquired", slog.String("advertise-url", n.Leaser.AdvertiseURL()))
			if err := n.monitorAsPrimary(ctx, lease); err != nil {
				slog.Warn("primary lease lost, retrying", slog.Any("err", err))
			}
			n.setMode(ModeNone)
			continue
		}

		// Monitor as backup if another primary already exists.
		slog.Info("existing primary found, connecting as backup",
			slog.String("hostname", info.Hostname),
			slog.String("advertise-url", info.AdvertiseURL))
		if err := n.changeMode(ctx, ModeBackup); err != nil {
			if IsFatal(err) {
				return err
			}
			slog.Warn("backup transition rejected, retrying", slog.Any("err", err))
			n.sleep(ctx, n.ReconnectDelay)
			continue
		}

		if err := n.monitorAsBackup(ctx, info); errors.Is(err, ErrBackupNotRecovered) || IsFatal(err) {
			return err
		} else if err != nil {
			slog.Warn("backup disconnected, retrying", slog.Any("err", err))
		}
		n.setMode(ModeNone)
		n.sleep(ctx, n.ReconnectDelay)
	}
}

func (n *Node) acquireLeaseOrPrimaryInfo(ctx context.Context) (Lease, PrimaryInfo, error) {
	// Attempt to find an existing primary first.
	info, err := n.Leaser.PrimaryInfo(ctx)
	if err != nil && !errors.Is(err, ErrNoPrimary) {
		return nil, info, errors.Wrap(err, "fetch primary info")
	} else if err == nil {
		return nil, info, nil
	}

	// If no primary, attempt to become primary.
	lease, err := n.Leaser.Acquire(ctx)
	if err != nil && !errors.Is(err, ErrPrimaryExists) {
		return nil, info, errors.Wrap(err, "acquire lease")
	} else if lease != nil {
		return lease, info, nil
	}

	// If we raced to become primary and another node beat us, retry the fetch.
	if info, err = n.Leaser.PrimaryInfo(ctx); errors.Is(err, ErrNoPrimary) {
		return nil, info, ErrNoPrimary
	}
	return nil, info, err
}

// changeMode notifies listeners and transitions the node into newMode.
// Any listener may reject the transition.
func (n *Node) changeMode(ctx context.Context, newMode Mode) error {
	n.mu.Lock()
	listeners := append([]ModeListener(nil), n.listeners...)
	n.mu.Unlock()

	for _, l := range listeners {
		if err := l.BeforeModeChange(ctx, newMode); err != nil {
			nodeModeChangeCountMetricVec.WithLabelValues(n.Space().Name, newMode.String(), "rejected").Inc()
			return err
		}
	}

	n.setMode(newMode)
	nodeModeChangeCountMetricVec.WithLabelValues(n.Space().Name, newMode.String(), "ok").Inc()

	for _, l := range listeners {
		l.AfterModeChange(ctx, newMode)
	}

	select {
	case <-n.readyCh:
	default:
		close(n.readyCh)
	}
	return nil
}

func (n *Node) setMode(mode Mode) {
	n.mu.Lock()
	n.mode = mode
	n.mu.Unlock()
	nodeModeMetricVec.WithLabelValues(n.Space().Name).Set(float64(mode))
}

// monitorAsPrimary monitors & renews the current lease.
func (n *Node) monitorAsPrimary(ctx context.Context, lease Lease) error {
	const timeout = 1 * time.Second

	// Attempt to destroy lease when we exit this function.
	defer func() {
		slog.Info("exiting primary, destroying lease")
		if err := lease.Close(); err != nil {
			slog.Warn("cannot remove lease", slog.Any("err", err))
		}
	}()

	waitDur := lease.TTL() / 2

	for {
		select {
		case <-time.After(waitDur):
			// Attempt to renew the lease. If the lease is gone then we need to
			// just exit and we can start over or connect to the new primary.
			//
			// If we just have a connection error then we'll try to more
			// aggressively retry the renewal until we exceed TTL.
			if err := lease.Renew(ctx); errors.Is(err, ErrLeaseExpired) {
				return err
			} else if err != nil {
				// If our next renewal will exceed TTL, exit now.
				if time.Since(lease.RenewedAt())+timeout > lease.TTL() {
					return ErrLeaseExpired
				}

				// Otherwise log error and try again after a shorter period.
				slog.Warn("lease renewal error, retrying", slog.Any("err", err))
				waitDur = time.Second
				continue
			}

			// Renewal was successful, restart with low frequency.
			waitDur = lease.TTL() / 2

		case <-ctx.Done():
			return nil // release lease when we shut down
		}
	}
}

// monitorAsBackup recovers from the primary and then watches it until it
// disappears or changes.
func (n *Node) monitorAsBackup(ctx context.Context, info PrimaryInfo) error {
	// Store the info of the primary while we're in this function.
	n.mu.Lock()
	n.primaryInfo = info.Clone()
	n.mu.Unlock()

	// Clear the primary info once we leave this function since we can no longer connect.
	defer func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		n.primaryInfo = nil
	}()

	if err := n.recover(ctx, info); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(n.ReconnectDelay):
		}

		other, err := n.Leaser.PrimaryInfo(ctx)
		if errors.Is(err, ErrNoPrimary) {
			return fmt.Errorf("primary %s is gone", info.Hostname)
		} else if err != nil {
			slog.Warn("cannot fetch primary info", slog.Any("err", err))
			continue
		} else if other != info {
			return fmt.Errorf("primary changed from %s to %s", info.Hostname, other.Hostname)
		}
	}
}

// recover runs the recoverer until it succeeds. Each failure is reported to
// the gatekeeper which decides when retries are exhausted.
func (n *Node) recover(ctx context.Context, info PrimaryInfo) error {
	if n.Recoverer == nil {
		slog.Info("no recoverer assigned, skipping space copy")
		n.gate.SetPendingBackupRecovery(false)
		return nil
	}

	for retry := 1; ; retry++ {
		session := n.NewSpaceCopySession()
		err := n.Recoverer.Recover(ctx, info, session)
		if e := session.Close(); e != nil && err == nil {
			err = e
		}
		if err == nil {
			break
		} else if ctx.Err() != nil {
			return nil
		}

		slog.Warn("space copy failed", slog.String("session", session.ID()), slog.Any("err", err))
		if err := n.gate.OnRecoverFailure(retry); err != nil {
			return err
		}
		n.sleep(ctx, n.ReconnectDelay)
	}

	n.gate.SetPendingBackupRecovery(false)
	slog.Info("backup recovery completed", slog.String("primary", info.Hostname))
	return nil
}

// sleep waits for d or until ctx is done.
func (n *Node) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
