package main_test

import (
	"context"
	"testing"
	"time"

	main "github.com/spacegrid/spacekeeper/cmd/spacekeeper"
	"github.com/spacegrid/spacekeeper/internal/testingutil"
)

func TestStatusCommand_Run(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		cmd := newRunCommand(t, t.TempDir(), true)
		if err := cmd.Run(context.Background()); err != nil {
			t.Fatal(err)
		}
		testingutil.WaitFor(t, 5*time.Second, cmd.Node.IsPrimary)

		if err := main.NewStatusCommand().Run(context.Background(), []string{"-url", cmd.HTTPServer.URL()}); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("ErrTooManyArguments", func(t *testing.T) {
		if err := main.NewStatusCommand().Run(context.Background(), []string{"foo"}); err == nil || err.Error() != `too many arguments` {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("ErrUnreachable", func(t *testing.T) {
		if err := main.NewStatusCommand().Run(context.Background(), []string{"-url", "http://localhost:1"}); err == nil {
			t.Fatal("expected error")
		}
	})
}
