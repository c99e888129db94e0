package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/spacegrid/spacekeeper/http"
)

// StatusCommand represents a command to print the status of a running node.
type StatusCommand struct {
	URL string
}

// NewStatusCommand returns a new instance of StatusCommand.
func NewStatusCommand() *StatusCommand {
	return &StatusCommand{}
}

// Run executes the command.
func (c *StatusCommand) Run(ctx context.Context, args []string) (err error) {
	fs := flag.NewFlagSet("spacekeeper-status", flag.ContinueOnError)
	fs.StringVar(&c.URL, "url", DefaultURL, "spacekeeper API URL")
	fs.Usage = func() {
		fmt.Println(`
This command prints the mode, gate state and consistency state of a running
node as JSON.

Usage:

	spacekeeper status [arguments]

Arguments:
`[1:])
		fs.PrintDefaults()
		fmt.Println("")
	}
	if err := fs.Parse(args); err != nil {
		return err
	} else if fs.NArg() > 0 {
		return fmt.Errorf("too many arguments")
	}

	status, err := http.NewClient().Status(ctx, c.URL)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(status)
}
