package spacekeeper

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gofrs/flock"
	"golang.org/x/exp/slog"
	"gopkg.in/ini.v1"
)

// Registry remembers the identity of the space instance that was last primary
// for a space partition.
//
// Identities are backend-specific: file & property registries use the full
// logical space name whereas coordination-service registries use the cluster
// instance id. IsSelf must therefore be implemented by the backend.
type Registry interface {
	// Type returns the name of the registry backend.
	Type() string

	// LastPrimary returns the identity of the last primary.
	// Returns ErrNoLastPrimary if none was ever recorded.
	LastPrimary(ctx context.Context) (string, error)

	// SetSelfAsLastPrimary records this instance as the last primary.
	SetSelfAsLastPrimary(ctx context.Context) error

	// IsSelf returns true if id identifies this instance.
	IsSelf(id string) bool

	// ElectionIntegrated returns true if the backend records the last primary
	// as a side effect of winning leader election. Callers must not call
	// SetSelfAsLastPrimary explicitly for such backends.
	ElectionIntegrated() bool
}

// registryUnavailable wraps err so it is recognized as ErrRegistryUnavailable.
func registryUnavailable(err error, format string, args ...interface{}) error {
	return errors.Mark(errors.Wrapf(err, format, args...), ErrRegistryUnavailable)
}

// DefaultRegistryLockTimeout is the time to wait on the properties file lock.
const DefaultRegistryLockTimeout = 10 * time.Second

var _ Registry = (*PropertiesRegistry)(nil)

// PropertiesRegistry stores the last primary in a key/value properties file
// that may be shared by several instances on the same host. Access is
// serialized with an inter-process file lock.
type PropertiesRegistry struct {
	path  string
	key   string
	self  string
	flock *flock.Flock

	// Maximum time to wait for the file lock.
	LockTimeout time.Duration

	// OS is used for all properties file access. Defaults to DefaultOS.
	OS OS
}

// NewPropertiesRegistry returns a registry storing the last primary of space at path.
func NewPropertiesRegistry(path string, space SpaceID) *PropertiesRegistry {
	return &PropertiesRegistry{
		path:        path,
		key:         space.LastPrimaryKey(),
		self:        space.FullName(),
		flock:       flock.New(path + ".lock"),
		LockTimeout: DefaultRegistryLockTimeout,
		OS:          DefaultOS,
	}
}

// Open creates the parent directory of the properties file.
func (r *PropertiesRegistry) Open() error {
	dir := filepath.Dir(r.path)
	if err := r.OS.MkdirAll("REGISTRY:OPEN", dir, 0777); err != nil {
		return registryUnavailable(err, "mkdir %s", dir)
	}
	slog.Info("properties registry opened", slog.String("path", r.path), slog.String("key", r.key))
	return nil
}

// Type returns "file".
func (r *PropertiesRegistry) Type() string { return "file" }

// Path returns the path to the properties file.
func (r *PropertiesRegistry) Path() string { return r.path }

// LastPrimary reads the last primary's full space name from the file.
func (r *PropertiesRegistry) LastPrimary(ctx context.Context) (value string, err error) {
	err = r.withLock(ctx, func(cfg *ini.File) (dirty bool, err error) {
		if !cfg.Section("").HasKey(r.key) {
			return false, nil
		}
		value = cfg.Section("").Key(r.key).String()
		return false, nil
	})
	if err != nil {
		return "", registryUnavailable(err, "get last primary")
	} else if value == "" {
		return "", ErrNoLastPrimary
	}
	return value, nil
}

// SetSelfAsLastPrimary writes this instance's full space name to the file.
func (r *PropertiesRegistry) SetSelfAsLastPrimary(ctx context.Context) error {
	if err := r.withLock(ctx, func(cfg *ini.File) (bool, error) {
		cfg.Section("").Key(r.key).SetValue(r.self)
		return true, nil
	}); err != nil {
		return registryUnavailable(err, "set last primary")
	}
	return nil
}

// IsSelf compares id against the full logical space name.
func (r *PropertiesRegistry) IsSelf(id string) bool { return id == r.self }

// ElectionIntegrated always returns false.
func (r *PropertiesRegistry) ElectionIntegrated() bool { return false }

// withLock loads the properties file under the file lock and calls fn. If fn
// reports the properties as dirty, they are written back before unlocking.
func (r *PropertiesRegistry) withLock(ctx context.Context, fn func(cfg *ini.File) (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, r.LockTimeout)
	defer cancel()

	if ok, err := r.flock.TryLockContext(ctx, 50*time.Millisecond); err != nil {
		return errors.Wrap(err, "lock properties file")
	} else if !ok {
		return errors.New("cannot lock properties file")
	}
	defer func() {
		if err := r.flock.Unlock(); err != nil {
			slog.Error("cannot unlock properties file", slog.String("path", r.path), slog.Any("err", err))
		}
	}()

	buf, err := r.OS.ReadFile("REGISTRY:READ", r.path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "read properties file")
	}

	cfg, err := ini.LoadSources(ini.LoadOptions{KeyValueDelimiters: "="}, buf)
	if err != nil {
		return errors.Wrap(err, "parse properties file")
	}

	if dirty, err := fn(cfg); err != nil {
		return err
	} else if !dirty {
		return nil
	}

	var out bytes.Buffer
	if _, err := cfg.WriteTo(&out); err != nil {
		return errors.Wrap(err, "encode properties file")
	}
	return writeFileAtomic(r.OS, "REGISTRY:WRITE", r.path, out.Bytes())
}

var _ Registry = (*TransientRegistry)(nil)

// TransientRegistry keeps the last primary in memory only. It is used when
// storage is not persisted per instance so there is nothing to protect.
type TransientRegistry struct {
	mu   sync.Mutex
	m    map[string]string
	key  string
	self string
}

// NewTransientRegistry returns a new instance of TransientRegistry.
func NewTransientRegistry(space SpaceID) *TransientRegistry {
	return &TransientRegistry{
		m:    make(map[string]string),
		key:  space.LastPrimaryKey(),
		self: space.FullName(),
	}
}

// Type returns "transient".
func (r *TransientRegistry) Type() string { return "transient" }

// LastPrimary returns the last primary set on this registry.
func (r *TransientRegistry) LastPrimary(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v := r.m[r.key]; v != "" {
		return v, nil
	}
	return "", ErrNoLastPrimary
}

// SetSelfAsLastPrimary records this instance in memory.
func (r *TransientRegistry) SetSelfAsLastPrimary(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[r.key] = r.self
	return nil
}

// IsSelf compares id against the full logical space name.
func (r *TransientRegistry) IsSelf(id string) bool { return id == r.self }

// ElectionIntegrated always returns false.
func (r *TransientRegistry) ElectionIntegrated() bool { return false }
