package mock

import (
	"context"

	"github.com/spacegrid/spacekeeper"
)

var _ spacekeeper.ConsistencyMarker = (*Marker)(nil)

type Marker struct {
	StateFunc       func() spacekeeper.ConsistencyState
	SetStateFunc    func(state spacekeeper.ConsistencyState)
	PerInstanceFunc func() bool
}

func (m *Marker) State() spacekeeper.ConsistencyState {
	return m.StateFunc()
}

func (m *Marker) SetState(state spacekeeper.ConsistencyState) {
	m.SetStateFunc(state)
}

func (m *Marker) PerInstance() bool {
	return m.PerInstanceFunc()
}

var _ spacekeeper.Registry = (*Registry)(nil)

type Registry struct {
	LastPrimaryFunc          func(ctx context.Context) (string, error)
	SetSelfAsLastPrimaryFunc func(ctx context.Context) error
	IsSelfFunc               func(id string) bool
	ElectionIntegratedFunc   func() bool
}

func (r *Registry) Type() string { return "mock" }

func (r *Registry) LastPrimary(ctx context.Context) (string, error) {
	return r.LastPrimaryFunc(ctx)
}

func (r *Registry) SetSelfAsLastPrimary(ctx context.Context) error {
	return r.SetSelfAsLastPrimaryFunc(ctx)
}

func (r *Registry) IsSelf(id string) bool {
	return r.IsSelfFunc(id)
}

func (r *Registry) ElectionIntegrated() bool {
	return r.ElectionIntegratedFunc()
}

var _ spacekeeper.Recoverer = (*Recoverer)(nil)

type Recoverer struct {
	RecoverFunc func(ctx context.Context, primary spacekeeper.PrimaryInfo, session *spacekeeper.SpaceCopySession) error
}

func (r *Recoverer) Recover(ctx context.Context, primary spacekeeper.PrimaryInfo, session *spacekeeper.SpaceCopySession) error {
	return r.RecoverFunc(ctx, primary, session)
}

var _ spacekeeper.ModeListener = (*ModeListener)(nil)

type ModeListener struct {
	BeforeModeChangeFunc func(ctx context.Context, newMode spacekeeper.Mode) error
	AfterModeChangeFunc  func(ctx context.Context, newMode spacekeeper.Mode)
}

func (l *ModeListener) BeforeModeChange(ctx context.Context, newMode spacekeeper.Mode) error {
	return l.BeforeModeChangeFunc(ctx, newMode)
}

func (l *ModeListener) AfterModeChange(ctx context.Context, newMode spacekeeper.Mode) {
	l.AfterModeChangeFunc(ctx, newMode)
}
