package spacekeeper

import (
	"context"
	"sync"

	"golang.org/x/exp/slog"
)

// SpaceCopySession receives the batches of a single full state transfer from
// the primary and hands them to the storage engine. Fifo batches go through a
// Sequencer; unordered batches are applied as soon as they arrive.
type SpaceCopySession struct {
	id        string
	apply     ApplyFunc
	sequencer *Sequencer

	mu     sync.Mutex
	closed bool
}

// NewSpaceCopySession returns a new session identified by id.
func NewSpaceCopySession(id string, apply ApplyFunc) *SpaceCopySession {
	s := &SpaceCopySession{id: id}
	s.apply = func(ctx context.Context, batch *ReplicaBatch) error {
		if err := apply(ctx, batch); err != nil {
			return err
		}
		typ := "unordered"
		if batch.IsFifo() {
			typ = "fifo"
		}
		copyAppliedBatchCountMetricVec.WithLabelValues(typ).Inc()
		copyAppliedItemCountMetric.Add(float64(len(batch.Items)))
		return nil
	}
	s.sequencer = NewSequencer(s.apply)
	return s
}

// ID returns the session identifier.
func (s *SpaceCopySession) ID() string { return s.id }

// Sequencer returns the fifo sequencer of the session.
func (s *SpaceCopySession) Sequencer() *Sequencer { return s.sequencer }

// Receive applies batch, in sequence order if it is a fifo batch.
// Safe to call from multiple goroutines.
func (s *SpaceCopySession) Receive(ctx context.Context, batch *ReplicaBatch) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}

	if !batch.IsFifo() {
		return s.apply(ctx, batch)
	}
	return s.sequencer.Submit(ctx, batch)
}

// Close ends the session. Fifo batches still waiting for a predecessor are
// discarded and reported.
func (s *SpaceCopySession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if n := s.sequencer.Close(); n > 0 {
		slog.Warn("space copy session closed with pending fifo batches",
			slog.String("session", s.id),
			slog.Int("pending", n),
			slog.Int("last-processed", s.sequencer.LastProcessed()))
	}
	return nil
}
