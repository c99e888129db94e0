package spacekeeper_test

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spacegrid/spacekeeper"
	"github.com/spacegrid/spacekeeper/mock"
)

func TestWaitForAnotherPrimary(t *testing.T) {
	t.Run("Found", func(t *testing.T) {
		finder := mock.PrimaryFinderFunc(func(ctx context.Context) (spacekeeper.PrimaryInfo, error) {
			return spacekeeper.PrimaryInfo{Hostname: "nodeB"}, nil
		})
		if info, err := spacekeeper.WaitForAnotherPrimary(context.Background(), finder, time.Second, 10*time.Millisecond); err != nil {
			t.Fatal(err)
		} else if got, want := info.Hostname, "nodeB"; got != want {
			t.Fatalf("Hostname=%s, want %s", got, want)
		}
	})

	t.Run("ErrWaitTimeout", func(t *testing.T) {
		finder := mock.PrimaryFinderFunc(func(ctx context.Context) (spacekeeper.PrimaryInfo, error) {
			return spacekeeper.PrimaryInfo{}, spacekeeper.ErrNoPrimary
		})

		t0 := time.Now()
		if _, err := spacekeeper.WaitForAnotherPrimary(context.Background(), finder, 50*time.Millisecond, 10*time.Millisecond); err != spacekeeper.ErrWaitTimeout {
			t.Fatalf("unexpected error: %v", err)
		} else if elapsed := time.Since(t0); elapsed < 50*time.Millisecond {
			t.Fatalf("returned too early: %s", elapsed)
		}
	})

	t.Run("ContextCanceled", func(t *testing.T) {
		finder := mock.PrimaryFinderFunc(func(ctx context.Context) (spacekeeper.PrimaryInfo, error) {
			return spacekeeper.PrimaryInfo{}, spacekeeper.ErrNoPrimary
		})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := spacekeeper.WaitForAnotherPrimary(ctx, finder, time.Second, 10*time.Millisecond); err != context.Canceled {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("FinderErrorsTolerated", func(t *testing.T) {
		var n int
		finder := mock.PrimaryFinderFunc(func(ctx context.Context) (spacekeeper.PrimaryInfo, error) {
			if n++; n < 3 {
				return spacekeeper.PrimaryInfo{}, errors.New("marker")
			}
			return spacekeeper.PrimaryInfo{Hostname: "nodeB"}, nil
		})
		if info, err := spacekeeper.WaitForAnotherPrimary(context.Background(), finder, time.Second, 5*time.Millisecond); err != nil {
			t.Fatal(err)
		} else if got, want := info.Hostname, "nodeB"; got != want {
			t.Fatalf("Hostname=%s, want %s", got, want)
		}
	})
}
