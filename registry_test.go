package spacekeeper_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/spacegrid/spacekeeper"
	"github.com/spacegrid/spacekeeper/internal/testingutil"
	"github.com/spacegrid/spacekeeper/mock"
	"gopkg.in/ini.v1"
)

func TestPropertiesRegistry(t *testing.T) {
	t.Run("ErrNoLastPrimary", func(t *testing.T) {
		r := newOpenPropertiesRegistry(t, filepath.Join(t.TempDir(), "spacekeeper.properties"), newSpaceID("nodeA"))
		if _, err := r.LastPrimary(context.Background()); err != spacekeeper.ErrNoLastPrimary {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("SetSelfAsLastPrimary", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "spacekeeper.properties")
		r := newOpenPropertiesRegistry(t, path, newSpaceID("nodeA"))
		if err := r.SetSelfAsLastPrimary(context.Background()); err != nil {
			t.Fatal(err)
		}

		id, err := r.LastPrimary(context.Background())
		if err != nil {
			t.Fatal(err)
		} else if got, want := id, "nodeA:mySpace"; got != want {
			t.Fatalf("LastPrimary=%s, want %s", got, want)
		} else if !r.IsSelf(id) {
			t.Fatal("expected self")
		}

		if got, want := readProperties(t, path)["mySpace.1.primary"], "nodeA:mySpace"; got != want {
			t.Fatalf("mySpace.1.primary=%q, want %q", got, want)
		}
	})

	t.Run("SharedFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "spacekeeper.properties")
		testingutil.WriteFile(t, path, "other.1.primary = nodeC:other\n")

		r0 := newOpenPropertiesRegistry(t, path, newSpaceID("nodeA"))
		r1 := newOpenPropertiesRegistry(t, path, newSpaceID("nodeB"))

		if err := r0.SetSelfAsLastPrimary(context.Background()); err != nil {
			t.Fatal(err)
		} else if err := r1.SetSelfAsLastPrimary(context.Background()); err != nil {
			t.Fatal(err)
		}

		// Last writer wins & is not self for the other instance.
		id, err := r0.LastPrimary(context.Background())
		if err != nil {
			t.Fatal(err)
		} else if got, want := id, "nodeB:mySpace"; got != want {
			t.Fatalf("LastPrimary=%s, want %s", got, want)
		} else if r0.IsSelf(id) {
			t.Fatal("expected other instance")
		}

		// Keys of other spaces are preserved.
		props := readProperties(t, path)
		if got, want := props["other.1.primary"], "nodeC:other"; got != want {
			t.Fatalf("other.1.primary=%q, want %q", got, want)
		} else if got, want := props["mySpace.1.primary"], "nodeB:mySpace"; got != want {
			t.Fatalf("mySpace.1.primary=%q, want %q", got, want)
		}
	})

	t.Run("Concurrent", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "spacekeeper.properties")

		var wg sync.WaitGroup
		for _, member := range []string{"nodeA", "nodeB", "nodeC", "nodeD"} {
			r := newOpenPropertiesRegistry(t, path, newSpaceID(member))
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := r.SetSelfAsLastPrimary(context.Background()); err != nil {
					t.Error(err)
				}
			}()
		}
		wg.Wait()

		r := newOpenPropertiesRegistry(t, path, newSpaceID("nodeA"))
		if _, err := r.LastPrimary(context.Background()); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("ErrRegistryUnavailable", func(t *testing.T) {
		dir := t.TempDir()

		// A directory at the file path makes the properties unreadable.
		path := filepath.Join(dir, "spacekeeper.properties")
		if err := os.Mkdir(path, 0777); err != nil {
			t.Fatal(err)
		}

		r := newOpenPropertiesRegistry(t, path, newSpaceID("nodeA"))
		if _, err := r.LastPrimary(context.Background()); !spacekeeper.IsFatal(err) {
			t.Fatalf("expected registry unavailable error, got %v", err)
		}
		if err := r.SetSelfAsLastPrimary(context.Background()); !spacekeeper.IsFatal(err) {
			t.Fatalf("expected registry unavailable error, got %v", err)
		}
	})

	t.Run("ReadError", func(t *testing.T) {
		r := newOpenPropertiesRegistry(t, filepath.Join(t.TempDir(), "spacekeeper.properties"), newSpaceID("nodeA"))

		fsys := mock.NewOS()
		fsys.ReadFileFunc = func(op, name string) ([]byte, error) {
			if op != "REGISTRY:READ" {
				t.Fatalf("unexpected op: %s", op)
			}
			return nil, errors.New("marker")
		}
		r.OS = fsys

		if _, err := r.LastPrimary(context.Background()); !errors.Is(err, spacekeeper.ErrRegistryUnavailable) {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("WriteError", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "spacekeeper.properties")
		r := newOpenPropertiesRegistry(t, path, newSpaceID("nodeA"))

		fsys := mock.NewOS()
		fsys.RenameFunc = func(op, oldpath, newpath string) error {
			if op != "REGISTRY:WRITE" {
				t.Fatalf("unexpected op: %s", op)
			}
			return errors.New("marker")
		}
		r.OS = fsys

		if err := r.SetSelfAsLastPrimary(context.Background()); !errors.Is(err, spacekeeper.ErrRegistryUnavailable) {
			t.Fatalf("unexpected error: %v", err)
		} else if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Fatalf("expected no properties file, got %v", err)
		} else if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
			t.Fatalf("expected temp file removal, got %v", err)
		}
	})

	t.Run("Type", func(t *testing.T) {
		r := spacekeeper.NewPropertiesRegistry("/tmp/x", newSpaceID("nodeA"))
		if got, want := r.Type(), "file"; got != want {
			t.Fatalf("Type=%s, want %s", got, want)
		} else if r.ElectionIntegrated() {
			t.Fatal("expected non-integrated registry")
		}
	})
}

func TestTransientRegistry(t *testing.T) {
	r := spacekeeper.NewTransientRegistry(newSpaceID("nodeA"))
	if _, err := r.LastPrimary(context.Background()); err != spacekeeper.ErrNoLastPrimary {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := r.SetSelfAsLastPrimary(context.Background()); err != nil {
		t.Fatal(err)
	}
	if id, err := r.LastPrimary(context.Background()); err != nil {
		t.Fatal(err)
	} else if !r.IsSelf(id) {
		t.Fatalf("expected self, got %s", id)
	} else if r.IsSelf("nodeB:mySpace") {
		t.Fatal("expected other instance")
	} else if r.ElectionIntegrated() {
		t.Fatal("expected non-integrated registry")
	}
}

// readProperties parses the properties file at path into a map.
func readProperties(tb testing.TB, path string) map[string]string {
	tb.Helper()
	cfg, err := ini.LoadSources(ini.LoadOptions{KeyValueDelimiters: "="}, []byte(testingutil.ReadFile(tb, path)))
	if err != nil {
		tb.Fatal(err)
	}
	return cfg.Section("").KeysHash()
}

func newSpaceID(member string) spacekeeper.SpaceID {
	return spacekeeper.SpaceID{Name: "mySpace", PartitionID: 1, MemberName: member}
}

func newOpenPropertiesRegistry(tb testing.TB, path string, space spacekeeper.SpaceID) *spacekeeper.PropertiesRegistry {
	tb.Helper()
	r := spacekeeper.NewPropertiesRegistry(path, space)
	if err := r.Open(); err != nil {
		tb.Fatal(err)
	}
	return r
}
