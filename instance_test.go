package spacekeeper_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/spacegrid/spacekeeper"
	"github.com/spacegrid/spacekeeper/internal/testingutil"
	"github.com/spacegrid/spacekeeper/mock"
)

func TestReadOrCreateInstanceID(t *testing.T) {
	t.Run("CreateAndReuse", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "data")

		id, err := spacekeeper.ReadOrCreateInstanceID(spacekeeper.DefaultOS, dir)
		if err != nil {
			t.Fatal(err)
		} else if _, err := uuid.Parse(id); err != nil {
			t.Fatalf("invalid id %q: %s", id, err)
		}

		other, err := spacekeeper.ReadOrCreateInstanceID(spacekeeper.DefaultOS, dir)
		if err != nil {
			t.Fatal(err)
		} else if got, want := other, id; got != want {
			t.Fatalf("id=%s, want %s", got, want)
		}
	})

	t.Run("ErrInvalid", func(t *testing.T) {
		dir := t.TempDir()
		testingutil.WriteFile(t, filepath.Join(dir, spacekeeper.InstanceIDFilename), "nodeA\n")
		if _, err := spacekeeper.ReadOrCreateInstanceID(spacekeeper.DefaultOS, dir); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("ErrRead", func(t *testing.T) {
		fsys := mock.NewOS()
		fsys.ReadFileFunc = func(op, name string) ([]byte, error) {
			return nil, errors.New("marker")
		}
		if _, err := spacekeeper.ReadOrCreateInstanceID(fsys, t.TempDir()); err == nil || err.Error() != `read instance id: marker` {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("ErrWrite", func(t *testing.T) {
		dir := t.TempDir()
		fsys := mock.NewOS()
		fsys.CreateFunc = func(op, name string) (*os.File, error) {
			return nil, errors.New("marker")
		}
		if _, err := spacekeeper.ReadOrCreateInstanceID(fsys, dir); err == nil {
			t.Fatal("expected error")
		} else if _, err := os.Stat(filepath.Join(dir, spacekeeper.InstanceIDFilename)); !os.IsNotExist(err) {
			t.Fatalf("expected no instance id file, got %v", err)
		}
	})
}
