package http

import (
	"context"
	"fmt"

	"github.com/spacegrid/spacekeeper"
	"golang.org/x/exp/slog"
)

var _ spacekeeper.Recoverer = (*Recoverer)(nil)

// Recoverer copies the full state of the primary over its space copy stream.
type Recoverer struct {
	Client *Client

	// Store is reset before each attempt so a partial copy is never kept.
	Store *spacekeeper.Store
}

// NewRecoverer returns a new instance of Recoverer.
func NewRecoverer(client *Client, store *spacekeeper.Store) *Recoverer {
	return &Recoverer{
		Client: client,
		Store:  store,
	}
}

// Recover streams batches from the primary into session until the primary
// signals the end of the transfer.
func (r *Recoverer) Recover(ctx context.Context, primary spacekeeper.PrimaryInfo, session *spacekeeper.SpaceCopySession) error {
	if primary.AdvertiseURL == "" {
		return fmt.Errorf("primary advertise URL required")
	}

	if r.Store != nil {
		r.Store.Reset()
	}

	rc, err := r.Client.Copy(ctx, primary.AdvertiseURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() { _ = rc.Close() }()

	slog.Info("space copy started", slog.String("session", session.ID()), slog.String("primary", primary.AdvertiseURL))

	var n int
	for {
		frame, err := spacekeeper.ReadCopyFrame(rc)
		if err != nil {
			return fmt.Errorf("read copy frame: %w", err)
		}

		switch frame := frame.(type) {
		case *spacekeeper.BatchCopyFrame:
			if err := session.Receive(ctx, &frame.Batch); err != nil {
				return fmt.Errorf("receive batch: %w", err)
			}
			n++
		case *spacekeeper.EndCopyFrame:
			if pending := session.Sequencer().Pending(); pending > 0 {
				return fmt.Errorf("space copy ended with %d pending fifo batches", pending)
			}
			slog.Info("space copy finished", slog.String("session", session.ID()), slog.Int("batches", n))
			return nil
		default:
			return fmt.Errorf("invalid copy frame: %T", frame)
		}
	}
}
