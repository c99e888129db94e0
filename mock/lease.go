package mock

import (
	"context"
	"time"

	"github.com/spacegrid/spacekeeper"
)

var _ spacekeeper.Leaser = (*Leaser)(nil)

type Leaser struct {
	CloseFunc        func() error
	HostnameFunc     func() string
	AdvertiseURLFunc func() string
	AcquireFunc      func(ctx context.Context) (spacekeeper.Lease, error)
	PrimaryInfoFunc  func(ctx context.Context) (spacekeeper.PrimaryInfo, error)
}

func (l *Leaser) Close() error {
	return l.CloseFunc()
}

func (l *Leaser) Type() string { return "mock" }

func (l *Leaser) Hostname() string {
	return l.HostnameFunc()
}

func (l *Leaser) AdvertiseURL() string {
	return l.AdvertiseURLFunc()
}

func (l *Leaser) Acquire(ctx context.Context) (spacekeeper.Lease, error) {
	return l.AcquireFunc(ctx)
}

func (l *Leaser) PrimaryInfo(ctx context.Context) (spacekeeper.PrimaryInfo, error) {
	return l.PrimaryInfoFunc(ctx)
}

var _ spacekeeper.Lease = (*Lease)(nil)

type Lease struct {
	IDFunc        func() string
	RenewedAtFunc func() time.Time
	TTLFunc       func() time.Duration
	RenewFunc     func(ctx context.Context) error
	CloseFunc     func() error
}

func (l *Lease) ID() string {
	return l.IDFunc()
}

func (l *Lease) RenewedAt() time.Time {
	return l.RenewedAtFunc()
}

func (l *Lease) TTL() time.Duration {
	return l.TTLFunc()
}

func (l *Lease) Renew(ctx context.Context) error {
	return l.RenewFunc(ctx)
}

func (l *Lease) Close() error {
	return l.CloseFunc()
}

var _ spacekeeper.PrimaryFinder = PrimaryFinderFunc(nil)

// PrimaryFinderFunc implements PrimaryFinder with a function.
type PrimaryFinderFunc func(ctx context.Context) (spacekeeper.PrimaryInfo, error)

func (fn PrimaryFinderFunc) PrimaryInfo(ctx context.Context) (spacekeeper.PrimaryInfo, error) {
	return fn(ctx)
}
