package spacekeeper_test

import (
	"flag"
	"os"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/spacegrid/spacekeeper"
	"golang.org/x/exp/slog"
)

var debug = flag.Bool("debug", false, "enable debug logging")

func TestMain(m *testing.M) {
	flag.Parse()
	if *debug {
		spacekeeper.LogLevel.Set(slog.LevelDebug)
	} else {
		spacekeeper.LogLevel.Set(slog.LevelError)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: spacekeeper.LogLevel})))
	os.Exit(m.Run())
}

func TestMode(t *testing.T) {
	for _, tt := range []struct {
		mode spacekeeper.Mode
		s    string
	}{
		{spacekeeper.ModeNone, "NONE"},
		{spacekeeper.ModeBackup, "BACKUP"},
		{spacekeeper.ModePrimary, "PRIMARY"},
	} {
		t.Run(tt.s, func(t *testing.T) {
			if got := tt.mode.String(); got != tt.s {
				t.Fatalf("String=%s, want %s", got, tt.s)
			}

			var mode spacekeeper.Mode
			if err := mode.UnmarshalText([]byte(tt.s)); err != nil {
				t.Fatal(err)
			} else if mode != tt.mode {
				t.Fatalf("mode=%s, want %s", mode, tt.mode)
			}
		})
	}

	t.Run("Invalid", func(t *testing.T) {
		if got, want := spacekeeper.Mode(10).String(), "Mode<10>"; got != want {
			t.Fatalf("String=%s, want %s", got, want)
		} else if _, err := spacekeeper.ParseMode("REPLICA"); err == nil || err.Error() != `invalid mode: "REPLICA"` {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestSpaceID(t *testing.T) {
	id := spacekeeper.SpaceID{Name: "mySpace", PartitionID: 1, MemberName: "nodeA_mySpace_container1"}
	if err := id.Validate(); err != nil {
		t.Fatal(err)
	} else if got, want := id.FullName(), "nodeA_mySpace_container1:mySpace"; got != want {
		t.Fatalf("FullName=%s, want %s", got, want)
	} else if got, want := id.LastPrimaryKey(), "mySpace.1.primary"; got != want {
		t.Fatalf("LastPrimaryKey=%s, want %s", got, want)
	}

	for _, tt := range []struct {
		id  spacekeeper.SpaceID
		err string
	}{
		{spacekeeper.SpaceID{PartitionID: 1, MemberName: "x"}, `space name required`},
		{spacekeeper.SpaceID{Name: "mySpace", MemberName: "x"}, `partition id must be one-based: 0`},
		{spacekeeper.SpaceID{Name: "mySpace", PartitionID: 1}, `member name required`},
	} {
		t.Run("", func(t *testing.T) {
			if err := tt.id.Validate(); err == nil || err.Error() != tt.err {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestRecoveryError(t *testing.T) {
	err := &spacekeeper.RecoveryError{
		Op:          "start",
		Space:       "nodeA:mySpace",
		LastPrimary: "nodeA:mySpace",
		Err:         spacekeeper.ErrInconsistentWasPrimary,
	}
	if got, want := err.Error(), `start: space=nodeA:mySpace last-primary=nodeA:mySpace: inconsistent storage state but space was primary`; got != want {
		t.Fatalf("Error=%s, want %s", got, want)
	} else if !spacekeeper.IsFatal(err) {
		t.Fatal("expected fatal")
	}

	if spacekeeper.IsFatal(&spacekeeper.RecoveryError{Op: "recover", Err: spacekeeper.ErrBackupNotRecovered}) {
		t.Fatal("expected non-fatal")
	} else if spacekeeper.IsFatal(errors.New("marker")) {
		t.Fatal("expected non-fatal")
	}
}
