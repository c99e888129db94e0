package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/spacegrid/spacekeeper"
)

// MarkCommand represents a command to view or change the consistency marker
// of a space instance. It is intended for operators recovering an instance
// that was refused startup.
type MarkCommand struct {
	WorkDir    string
	SpaceName  string
	MemberName string
}

// NewMarkCommand returns a new instance of MarkCommand.
func NewMarkCommand() *MarkCommand {
	return &MarkCommand{}
}

// Run executes the command.
func (c *MarkCommand) Run(ctx context.Context, args []string) (err error) {
	fs := flag.NewFlagSet("spacekeeper-mark", flag.ContinueOnError)
	fs.StringVar(&c.WorkDir, "work-dir", "", "data directory")
	fs.StringVar(&c.SpaceName, "space", "", "space name")
	fs.StringVar(&c.MemberName, "member", "", "full member name")
	fs.Usage = func() {
		fmt.Println(`
This command prints or replaces the storage consistency state of a space
instance. An instance marked inconsistent that was also the last primary is
refused startup until its storage has been repaired and marked consistent.

Usage:

	spacekeeper mark [arguments] consistent|inconsistent|show

Arguments:
`[1:])
		fs.PrintDefaults()
		fmt.Println("")
	}
	if err := fs.Parse(args); err != nil {
		return err
	} else if fs.NArg() == 0 {
		fs.Usage()
		return flag.ErrHelp
	} else if fs.NArg() > 1 {
		return fmt.Errorf("too many arguments")
	} else if c.WorkDir == "" {
		return fmt.Errorf("required: -work-dir DIR")
	} else if c.SpaceName == "" {
		return fmt.Errorf("required: -space NAME")
	} else if c.MemberName == "" {
		return fmt.Errorf("required: -member NAME")
	}

	marker, err := spacekeeper.OpenFileMarker(c.WorkDir, c.SpaceName, c.MemberName)
	if err != nil {
		return err
	}

	switch action := fs.Arg(0); action {
	case "show":
	case "consistent":
		marker.SetState(spacekeeper.Consistent)
	case "inconsistent":
		marker.SetState(spacekeeper.Inconsistent)
	default:
		return fmt.Errorf("invalid action: %q", action)
	}

	fmt.Printf("%s: %s\n", marker.Path(), marker.State())
	return nil
}
