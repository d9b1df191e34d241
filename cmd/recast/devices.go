package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
)

func runDevices(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("devices", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	devices := newCatalog(e).ListInputDevices(ctx)
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tAPI\tKIND\tELEMENT")
	for _, d := range devices {
		id := d.ID
		if id == "" {
			id = "(auto)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", id, d.Name, d.API, d.Kind, d.BackendElement)
	}
	return tw.Flush()
}
