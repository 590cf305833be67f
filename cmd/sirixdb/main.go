//go:build linux || darwin

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/nikandfor/tlog"

	"sirix.io/sirix"
)

// Subcommands each own a flag.FlagSet, constructed the same way below,
// rather than a shared CLI-framework command tree.
func main() {
	v := flag.NewFlagSet("sirixdb", flag.ExitOnError)
	verbosity := v.String("v", "", "tlog verbosity topics")
	v.Parse(os.Args[1:])

	tlog.SetVerbosity(*verbosity)

	args := v.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: sirixdb <stats|dump> -file <path> [args]")
		os.Exit(2)
	}

	var err error
	switch args[0] {
	case "stats":
		err = stats(args[1:])
	case "dump":
		err = dump(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "sirixdb:", err)
		os.Exit(1)
	}
}

func openResourceReadOnly(file string) (*sirix.Resource, error) {
	back, err := sirix.OpenFileBack(file)
	if err != nil {
		return nil, err
	}
	nameBack, err := sirix.OpenFileBack(file + ".names")
	if err != nil {
		return nil, err
	}
	logBack, err := sirix.OpenFileBack(file + ".log")
	if err != nil {
		return nil, err
	}
	return sirix.Open(back, nameBack, logBack)
}

func stats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	file := fs.String("file", "", "resource file path")
	rev := fs.Int("rev", -1, "revision to inspect (-1 for latest)")
	fs.Parse(args)

	res, err := openResourceReadOnly(*file)
	if err != nil {
		return err
	}
	defer res.Close()

	rtx, err := res.BeginRead(sirix.Revision(*rev))
	if err != nil {
		return err
	}

	fmt.Printf("latest revision:   %d\n", res.LatestRevision())
	fmt.Printf("inspected revision: %d\n", rtx.Revision())
	return nil
}

func dump(args []string) error {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	file := fs.String("file", "", "resource file path")
	rev := fs.Int("rev", -1, "revision to dump (-1 for latest)")
	fs.Parse(args)

	res, err := openResourceReadOnly(*file)
	if err != nil {
		return err
	}
	defer res.Close()

	rtx, err := res.BeginRead(sirix.Revision(*rev))
	if err != nil {
		return err
	}

	cur, err := sirix.NewNodeCursor(rtx)
	if err != nil {
		return err
	}

	return dumpSubtree(cur, 0)
}

func dumpSubtree(cur *sirix.NodeCursor, depth int) error {
	for i := 0; i < depth; i++ {
		fmt.Print("  ")
	}

	uri, prefix, local, err := cur.GetName()
	if err != nil {
		return err
	}
	if local != "" {
		fmt.Printf("<%d> %s:%s (%s)", cur.GetKey(), prefix, local, uri)
	} else {
		fmt.Printf("<%d> kind=%d", cur.GetKey(), cur.GetKind())
	}

	if v, err := cur.GetValue(); err != nil {
		return err
	} else if v != nil {
		fmt.Printf(" = %q", v)
	}
	fmt.Println()

	moved, err := cur.MoveToFirstChild()
	if err != nil {
		return err
	}
	for moved {
		child := cur.GetKey()
		if err := dumpSubtree(cur, depth+1); err != nil {
			return err
		}
		if _, err := cur.MoveTo(child); err != nil {
			return err
		}

		moved, err = cur.MoveToRightSibling()
		if err != nil {
			return err
		}
	}
	return nil
}
