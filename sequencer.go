package spacekeeper

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

// ReplicaData is a single replicated item carried by a batch.
type ReplicaData struct {
	Key  string `json:"key"`
	Data []byte `json:"data"`
}

// ReplicaBatch is a batch of replicated data sent from the primary to a backup
// during space copy. A non-zero SequenceID marks a fifo batch that must be
// applied in the order the primary produced it.
type ReplicaBatch struct {
	SequenceID int           `json:"sequence-id"`
	Items      []ReplicaData `json:"items"`
}

// IsFifo returns true if the batch must be applied in sequence order.
func (b *ReplicaBatch) IsFifo() bool { return b.SequenceID != 0 }

// String returns a short description of the batch.
func (b *ReplicaBatch) String() string {
	return fmt.Sprintf("ReplicaBatch<seq=%d items=%d>", b.SequenceID, len(b.Items))
}

// ApplyFunc applies a batch to the storage engine.
type ApplyFunc func(ctx context.Context, batch *ReplicaBatch) error

// Sequencer releases fifo batches to an apply function in strictly ascending
// sequence order starting at 1, regardless of arrival order.
//
// Draining is single-flight: at most one goroutine applies batches at a time.
// A submitter that finds another goroutine draining only inserts its batch and
// returns; the active drainer will apply it once its turn comes.
type Sequencer struct {
	apply ApplyFunc

	mu            sync.Mutex
	pending       map[int]*ReplicaBatch
	lastProcessed int
	draining      bool
	closed        bool
	err           error // sticky apply failure
}

// NewSequencer returns a new instance of Sequencer.
func NewSequencer(apply ApplyFunc) *Sequencer {
	return &Sequencer{
		apply:   apply,
		pending: make(map[int]*ReplicaBatch),
	}
}

// LastProcessed returns the sequence id of the last applied batch.
func (s *Sequencer) LastProcessed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastProcessed
}

// Pending returns the number of batches waiting for their predecessors.
func (s *Sequencer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Err returns the apply error that failed the sequencer, if any.
func (s *Sequencer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Submit adds a fifo batch and applies every batch that is now in order.
// Returns ErrNotFifoBatch for unordered batches which must be applied directly
// by the caller, ErrDuplicateBatch if the sequence id was already seen, and
// ErrSessionClosed once the sequencer is closed.
func (s *Sequencer) Submit(ctx context.Context, batch *ReplicaBatch) error {
	if !batch.IsFifo() {
		return ErrNotFifoBatch
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	} else if s.err != nil {
		s.mu.Unlock()
		return s.err
	} else if _, ok := s.pending[batch.SequenceID]; ok || batch.SequenceID <= s.lastProcessed {
		s.mu.Unlock()
		return errors.Wrapf(ErrDuplicateBatch, "seq=%d last=%d", batch.SequenceID, s.lastProcessed)
	}
	s.pending[batch.SequenceID] = batch
	copyPendingBatchesMetric.Inc()
	TraceLog.Printf("[SubmitFifoBatch]: seq=%d %s", batch.SequenceID, s.stringLocked())

	// Another goroutine is already applying batches and will pick this one up.
	if s.draining {
		s.mu.Unlock()
		return nil
	}
	s.draining = true
	s.mu.Unlock()

	return s.drain(ctx)
}

// drain applies batches while the next expected sequence id is pending.
// Only the goroutine that set the draining flag may call it.
func (s *Sequencer) drain(ctx context.Context) error {
	for {
		s.mu.Lock()
		batch := s.pending[s.lastProcessed+1]
		if batch == nil {
			s.draining = false
			s.mu.Unlock()
			return nil
		}
		delete(s.pending, batch.SequenceID)
		copyPendingBatchesMetric.Dec()
		s.lastProcessed = batch.SequenceID
		s.mu.Unlock()

		err := s.apply(ctx, batch)
		TraceLog.Printf("[ApplyFifoBatch]: seq=%d items=%d %s", batch.SequenceID, len(batch.Items), errorKeyValue(err))
		if err != nil {
			s.mu.Lock()
			s.err = errors.Wrapf(err, "apply fifo batch %d", batch.SequenceID)
			s.draining = false
			s.mu.Unlock()
			return s.Err()
		}

		if err := s.applyCompleted(batch.SequenceID); err != nil {
			return err
		}
	}
}

// applyCompleted verifies that the completed batch is the one the drain loop
// last released. A mismatch means batches were applied out of order.
func (s *Sequencer) applyCompleted(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id != s.lastProcessed {
		err := errors.AssertionFailedf("completed processing fifo batch %d but was expecting %d", id, s.lastProcessed)
		s.err = err
		s.draining = false
		return err
	}
	return nil
}

// Close rejects further submits and discards batches still waiting for a
// predecessor. Returns the number of discarded batches.
func (s *Sequencer) Close() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	s.closed = true

	n := len(s.pending)
	s.pending = make(map[int]*ReplicaBatch)
	copyPendingBatchesMetric.Sub(float64(n))
	return n
}

// String returns the pending sequence ids and the last processed id.
func (s *Sequencer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stringLocked()
}

func (s *Sequencer) stringLocked() string {
	ids := make([]int, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return fmt.Sprintf("Sequencer<pending=%v last=%d>", ids, s.lastProcessed)
}
