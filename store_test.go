package spacekeeper_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/spacegrid/spacekeeper"
)

func TestStore_Apply(t *testing.T) {
	s := spacekeeper.NewStore()
	s.Put("a", []byte("1"))

	if err := s.Apply(context.Background(), &spacekeeper.ReplicaBatch{
		SequenceID: 1,
		Items: []spacekeeper.ReplicaData{
			{Key: "a"},
			{Key: "b", Data: []byte("2")},
		},
	}); err != nil {
		t.Fatal(err)
	}

	if _, ok := s.Get("a"); ok {
		t.Fatal("expected key deletion")
	} else if v, ok := s.Get("b"); !ok || string(v) != "2" {
		t.Fatalf("unexpected value: %q", v)
	} else if got, want := s.Len(), 1; got != want {
		t.Fatalf("Len=%d, want %d", got, want)
	}

	s.Reset()
	if got, want := s.Len(), 0; got != want {
		t.Fatalf("Len=%d, want %d", got, want)
	}
}

func TestStore_Snapshot(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		s := spacekeeper.NewStore()
		s.SnapshotBatchSize = 2
		for i := 0; i < 5; i++ {
			s.Put(fmt.Sprintf("key%d", i), []byte(fmt.Sprint(i)))
		}

		batches, err := s.Snapshot(context.Background())
		if err != nil {
			t.Fatal(err)
		} else if got, want := len(batches), 3; got != want {
			t.Fatalf("len(batches)=%d, want %d", got, want)
		}
		for i, batch := range batches {
			if got, want := batch.SequenceID, i+1; got != want {
				t.Fatalf("SequenceID=%d, want %d", got, want)
			}
		}
		if got, want := batches[2].Items[0].Key, "key4"; got != want {
			t.Fatalf("Key=%s, want %s", got, want)
		}

		// Replaying the snapshot into an empty store reproduces it.
		other := spacekeeper.NewStore()
		session := spacekeeper.NewSpaceCopySession("mySpace/1", other.Apply)
		for i := len(batches) - 1; i >= 0; i-- {
			if err := session.Receive(context.Background(), batches[i]); err != nil {
				t.Fatal(err)
			}
		}
		if got, want := other.Len(), 5; got != want {
			t.Fatalf("Len=%d, want %d", got, want)
		} else if v, _ := other.Get("key3"); string(v) != "3" {
			t.Fatalf("unexpected value: %q", v)
		}
	})

	t.Run("Empty", func(t *testing.T) {
		batches, err := spacekeeper.NewStore().Snapshot(context.Background())
		if err != nil {
			t.Fatal(err)
		} else if got, want := len(batches), 0; got != want {
			t.Fatalf("len(batches)=%d, want %d", got, want)
		}
	})
}
