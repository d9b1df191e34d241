package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/chaz8081/recast/internal/models"
)

func runModels(ctx context.Context, e *env, args []string) error {
	d := newDownloader(e)
	sub := "list"
	if len(args) > 0 {
		sub, args = args[0], args[1:]
	}

	switch sub {
	case "list":
		local, err := d.LocalModels()
		if err != nil {
			return err
		}
		have := make(map[string]int64, len(local))
		for _, m := range local {
			have[m.Name] = m.Size
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "MODEL\tSTATUS\tSIZE")
		for _, name := range models.Names() {
			status, size := "-", ""
			if n, ok := have[name]; ok {
				status, size = "downloaded", fmt.Sprintf("%.0f MB", float64(n)/(1024*1024))
			}
			if name == e.cfg.Transcription.Model {
				status += " (configured)"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", name, status, size)
		}
		return tw.Flush()

	case "download":
		if len(args) == 0 {
			return models.RunInteractiveDownload(ctx, d, os.Stdin, os.Stdout)
		}
		for _, name := range args {
			path, err := d.Download(ctx, name, func(written, total int64) {
				if total > 0 {
					fmt.Printf("\r%s: %5.1f%%", name, float64(written)*100/float64(total))
				}
			})
			if err != nil {
				fmt.Println()
				return models.Classify(name, err)
			}
			fmt.Printf("\r%s: ready at %s\n", name, path)
		}
		return nil

	case "install":
		if len(args) != 2 {
			return fmt.Errorf("%w: recast models install NAME FILE", errUsage)
		}
		path, err := d.Install(args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Installed %s at %s\n", args[0], path)
		return nil

	default:
		return fmt.Errorf("%w: recast models [list|download [NAME...]|install NAME FILE]", errUsage)
	}
}
