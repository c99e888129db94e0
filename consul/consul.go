package consul

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/consul/api"
	"github.com/spacegrid/spacekeeper"
	"golang.org/x/exp/slog"
)

// Default lease settings.
const (
	DefaultSessionName = "spacekeeper"
	DefaultTTL         = 10 * time.Second
	DefaultLockDelay   = 1 * time.Second
)

var _ spacekeeper.Leaser = (*Leaser)(nil)

// Leaser represents an API for obtaining a distributed lock on a single key.
// When it wins the lock it also records its instance id as the last primary
// of the space so the registry stays in step with the election.
type Leaser struct {
	consulURL    string
	hostname     string
	advertiseURL string
	instanceID   string
	space        spacekeeper.SpaceID
	client       *api.Client

	// SessionName is the name associated with the Consul session.
	SessionName string

	// Key is the Consul KV key use to acquire the lock.
	Key string

	// Prefix that is prepended to the key. Automatically set if the URL contains a path.
	KeyPrefix string

	// TTL is the time until the lease expires.
	TTL time.Duration

	// LockDelay is the time after the lock expires that a new lock can be acquired.
	LockDelay time.Duration

	// HTTPClient is passed to the Consul API client. Defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// NewLeaser returns a new instance of Leaser.
func NewLeaser(consulURL, key, hostname, advertiseURL, instanceID string, space spacekeeper.SpaceID) *Leaser {
	return &Leaser{
		consulURL:    consulURL,
		hostname:     hostname,
		advertiseURL: advertiseURL,
		instanceID:   instanceID,
		space:        space,
		SessionName:  DefaultSessionName,
		Key:          key,
		TTL:          DefaultTTL,
		LockDelay:    DefaultLockDelay,
		HTTPClient:   http.DefaultClient,
	}
}

// Open initializes the Consul client.
func (l *Leaser) Open() error {
	u, err := url.Parse(l.consulURL)
	if err != nil {
		return err
	}

	if l.Key == "" {
		return fmt.Errorf("must specify a consul key")
	} else if l.hostname == "" {
		return fmt.Errorf("must specify a hostname for this node")
	} else if l.advertiseURL == "" {
		return fmt.Errorf("must specify an advertise URL for this node")
	} else if l.instanceID == "" {
		return fmt.Errorf("must specify an instance id for this node")
	}

	config := api.DefaultConfig()
	config.HttpClient = l.HTTPClient
	config.Address = u.Host
	config.Scheme = u.Scheme
	if u.User != nil {
		config.Token, _ = u.User.Password()
	}
	if v := strings.TrimPrefix(u.Path, "/"); v != "" {
		l.KeyPrefix = v
	}

	if l.client, err = api.NewClient(config); err != nil {
		return err
	}

	// Register a node that is shared by all instances.
	if nodeName := l.NodeName(); nodeName != "" {
		if _, err := l.client.Catalog().Register(&api.CatalogRegistration{
			Node:    nodeName,
			Address: "localhost", // not used
		}, nil); err != nil {
			return fmt.Errorf("register node %q: %w", nodeName, err)
		}
	}

	return nil
}

// Close closes the underlying client.
func (l *Leaser) Close() (err error) {
	return nil
}

// Type returns "consul".
func (l *Leaser) Type() string { return "consul" }

// Hostname returns the hostname for this node.
func (l *Leaser) Hostname() string {
	return l.hostname
}

// AdvertiseURL returns the URL being advertised to nodes when primary.
func (l *Leaser) AdvertiseURL() string {
	return l.advertiseURL
}

// InstanceID returns the cluster instance id of this node.
func (l *Leaser) InstanceID() string { return l.instanceID }

// NodeName returns a name for a node based on the key prefix.
func (l *Leaser) NodeName() string {
	if l.KeyPrefix == "" {
		return ""
	}
	return path.Join(l.KeyPrefix, "spacekeeper")
}

// Registry returns the last primary registry that is written on every
// successful Acquire.
func (l *Leaser) Registry() *Registry {
	return &Registry{leaser: l}
}

func (l *Leaser) kvKey() string {
	return path.Join(l.KeyPrefix, l.Key)
}

// lastPrimaryKey returns the KV key holding the instance id of the last primary.
func (l *Leaser) lastPrimaryKey() string {
	return path.Join(l.KeyPrefix, l.space.LastPrimaryKey())
}

func (l *Leaser) kvValue() ([]byte, error) {
	return json.Marshal(spacekeeper.PrimaryInfo{
		Hostname:     l.hostname,
		AdvertiseURL: l.advertiseURL,
		InstanceID:   l.instanceID,
		SpaceName:    l.space.FullName(),
	})
}

// Acquire acquires a lock on the key and sets the value. On success the last
// primary key is updated with this node's instance id.
// Returns an error if the lease could not be obtained.
func (l *Leaser) Acquire(ctx context.Context) (_ spacekeeper.Lease, retErr error) {
	// Create session first.
	sessionID, _, err := l.client.Session().CreateNoChecks(&api.SessionEntry{
		Node:      l.NodeName(),
		Name:      l.SessionName,
		Behavior:  "delete",
		LockDelay: l.LockDelay,
		TTL:       l.TTL.String(),
	}, (&api.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("create consul session: %w", err)
	}
	lease := newLease(l, sessionID, time.Now())

	// Attempt to clean up session. It'll be removed via TTL eventually anyway though.
	defer func() {
		if retErr != nil {
			_ = lease.Close()
		}
	}()

	// Marshal information about the primary node.
	kvValue, err := l.kvValue()
	if err != nil {
		return nil, fmt.Errorf("marshal lease info: %w", err)
	}

	// Set key with lock on session.
	acquired, _, err := l.client.KV().Acquire(&api.KVPair{
		Key:     l.kvKey(),
		Value:   kvValue,
		Session: sessionID,
	}, (&api.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("put consul key/value: %w", err)
	} else if !acquired {
		return nil, spacekeeper.ErrPrimaryExists
	}

	// Record ourselves as the last primary while still holding the lock.
	if _, err := l.client.KV().Put(&api.KVPair{
		Key:   l.lastPrimaryKey(),
		Value: []byte(l.instanceID),
	}, (&api.WriteOptions{}).WithContext(ctx)); err != nil {
		return nil, errors.Mark(fmt.Errorf("put last primary: %w", err), spacekeeper.ErrRegistryUnavailable)
	}

	slog.Debug("consul lease acquired",
		slog.String("key", l.kvKey()),
		slog.String("session", sessionID),
		slog.String("instance-id", l.instanceID))
	return lease, nil
}

// PrimaryInfo attempts to return the current primary URL.
func (l *Leaser) PrimaryInfo(ctx context.Context) (info spacekeeper.PrimaryInfo, err error) {
	kv, _, err := l.client.KV().Get(l.kvKey(), (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return info, err
	} else if kv == nil || len(kv.Value) == 0 {
		return info, spacekeeper.ErrNoPrimary
	}

	if err := json.Unmarshal(kv.Value, &info); err != nil {
		return info, err
	}
	return info, nil
}

var _ spacekeeper.Registry = (*Registry)(nil)

// Registry reads the last primary recorded by the Leaser. Identities are
// cluster instance ids rather than space names.
type Registry struct {
	leaser *Leaser
}

// Type returns "consul".
func (r *Registry) Type() string { return "consul" }

// LastPrimary returns the instance id of the last node that acquired the lease.
func (r *Registry) LastPrimary(ctx context.Context) (string, error) {
	key := r.leaser.lastPrimaryKey()
	kv, _, err := r.leaser.client.KV().Get(key, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return "", errors.Mark(errors.Wrapf(err, "get consul key %s", key), spacekeeper.ErrRegistryUnavailable)
	} else if kv == nil || len(kv.Value) == 0 {
		return "", spacekeeper.ErrNoLastPrimary
	}
	return string(kv.Value), nil
}

// SetSelfAsLastPrimary writes this node's instance id as the last primary.
// The node monitor does not call this as the leaser does it on Acquire.
func (r *Registry) SetSelfAsLastPrimary(ctx context.Context) error {
	key := r.leaser.lastPrimaryKey()
	if _, err := r.leaser.client.KV().Put(&api.KVPair{
		Key:   key,
		Value: []byte(r.leaser.instanceID),
	}, (&api.WriteOptions{}).WithContext(ctx)); err != nil {
		return errors.Mark(errors.Wrapf(err, "put consul key %s", key), spacekeeper.ErrRegistryUnavailable)
	}
	return nil
}

// IsSelf compares id against this node's instance id.
func (r *Registry) IsSelf(id string) bool { return id == r.leaser.instanceID }

// ElectionIntegrated always returns true.
func (r *Registry) ElectionIntegrated() bool { return true }

var _ spacekeeper.Lease = (*Lease)(nil)

// Lease represents a distributed lock obtained by the Leaser.
type Lease struct {
	leaser    *Leaser
	sessionID string
	renewedAt time.Time
}

func newLease(leaser *Leaser, sessionID string, renewedAt time.Time) *Lease {
	return &Lease{
		leaser:    leaser,
		sessionID: sessionID,
		renewedAt: renewedAt,
	}
}

// ID returns the lease session ID.
func (l *Lease) ID() string { return l.sessionID }

// TTL returns the time-to-live value the lease was initialized with.
func (l *Lease) TTL() time.Duration { return l.leaser.TTL }

// RenewedAt returns the time that the lease was created or renewed.
func (l *Lease) RenewedAt() time.Time { return l.renewedAt }

// Renew attempts to reset the TTL on the lease by renewing it.
// Returns ErrLeaseExpired if lease no longer exists.
func (l *Lease) Renew(ctx context.Context) error {
	entry, _, err := l.leaser.client.Session().Renew(l.sessionID, (&api.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return err
	} else if entry == nil {
		return spacekeeper.ErrLeaseExpired
	}

	// Reset the last renewed time.
	l.renewedAt = time.Now()
	return nil
}

// Close destroys the underlying session. The session is created with the
// "delete" behavior so Consul removes the primary key along with it.
func (l *Lease) Close() error {
	if _, err := l.leaser.client.Session().Destroy(l.sessionID, nil); err != nil {
		slog.Warn("cannot destroy consul session", slog.String("key", l.leaser.kvKey()), slog.String("session", l.sessionID), slog.Any("err", err))
		return err
	}
	return nil
}
