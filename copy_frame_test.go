package spacekeeper_test

import (
	"bytes"
	"io"
	"math/rand"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/spacegrid/spacekeeper"
)

func TestCopyFrame(t *testing.T) {
	t.Run("LargeValue", func(t *testing.T) {
		data := make([]byte, 200000)
		_, _ = rand.New(rand.NewSource(0)).Read(data)

		var buf bytes.Buffer
		if err := spacekeeper.WriteCopyFrame(&buf, &spacekeeper.BatchCopyFrame{
			Batch: spacekeeper.ReplicaBatch{
				SequenceID: 7,
				Items:      []spacekeeper.ReplicaData{{Key: "big", Data: data}, {Key: "empty"}},
			},
		}); err != nil {
			t.Fatal(err)
		} else if err := spacekeeper.WriteCopyFrame(&buf, &spacekeeper.EndCopyFrame{}); err != nil {
			t.Fatal(err)
		}

		f, err := spacekeeper.ReadCopyFrame(&buf)
		if err != nil {
			t.Fatal(err)
		}
		frame, ok := f.(*spacekeeper.BatchCopyFrame)
		if !ok {
			t.Fatalf("unexpected frame: %T", f)
		} else if got, want := frame.Batch.SequenceID, 7; got != want {
			t.Fatalf("SequenceID=%d, want %d", got, want)
		} else if got, want := len(frame.Batch.Items), 2; got != want {
			t.Fatalf("len(Items)=%d, want %d", got, want)
		} else if !bytes.Equal(frame.Batch.Items[0].Data, data) {
			t.Fatal("data mismatch")
		} else if frame.Batch.Items[1].Data != nil {
			t.Fatalf("expected nil data, got %q", frame.Batch.Items[1].Data)
		}

		if f, err := spacekeeper.ReadCopyFrame(&buf); err != nil {
			t.Fatal(err)
		} else if _, ok := f.(*spacekeeper.EndCopyFrame); !ok {
			t.Fatalf("unexpected frame: %T", f)
		}
	})

	t.Run("ErrInvalidType", func(t *testing.T) {
		if _, err := spacekeeper.ReadCopyFrame(bytes.NewReader([]byte{0, 0, 0, 9})); err == nil || err.Error() != `invalid copy frame type: 0x09` {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("ErrUnexpectedEOF", func(t *testing.T) {
		var buf bytes.Buffer
		if err := spacekeeper.WriteCopyFrame(&buf, &spacekeeper.BatchCopyFrame{
			Batch: spacekeeper.ReplicaBatch{SequenceID: 1, Items: []spacekeeper.ReplicaData{{Key: "a", Data: []byte("xyz")}}},
		}); err != nil {
			t.Fatal(err)
		}

		if _, err := spacekeeper.ReadCopyFrame(bytes.NewReader(buf.Bytes()[:buf.Len()-3])); err == nil {
			t.Fatal("expected error")
		} else if !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}
