package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/chaz8081/recast/internal/transcript"
)

func runHistory(ctx context.Context, e *env, args []string) error {
	st, err := openStore(ctx, e)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	sub := "list"
	if len(args) > 0 {
		sub, args = args[0], args[1:]
	}

	switch sub {
	case "list":
		entries, err := st.List(ctx)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Printf("No transcripts in %s\n", st.Dir())
			return nil
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "CREATED\tFILE\tLANG\tPREVIEW")
		for _, en := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
				en.CreatedAt.Local().Format(time.DateTime), en.Filename, en.Language, en.Preview)
		}
		return tw.Flush()

	case "show":
		if len(args) != 1 {
			return fmt.Errorf("%w: recast history show FILENAME", errUsage)
		}
		rec, err := st.Load(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("# %s\n", rec.RecordFilename)
		fmt.Printf("# source: %s\n", rec.MediaSourcePath)
		fmt.Printf("# created: %s  language: %s\n\n", rec.CreatedAt.Local().Format(time.DateTime), rec.Language)
		for _, s := range rec.Segments {
			fmt.Printf("[%s -> %s] %s\n", clock(s.Start), clock(s.End), s.Text)
		}
		return nil

	case "import":
		if len(args) == 0 {
			return fmt.Errorf("%w: recast history import FILE...", errUsage)
		}
		for _, path := range args {
			rec, err := st.Import(ctx, path)
			if err != nil {
				return fmt.Errorf("importing %s: %w", path, err)
			}
			fmt.Printf("Imported %s as %s\n", path, rec.RecordFilename)
		}
		return nil

	case "compare":
		if len(args) != 2 {
			return fmt.Errorf("%w: recast history compare FILENAME REFERENCE.txt", errUsage)
		}
		rec, err := st.Load(ctx, args[0])
		if err != nil {
			return err
		}
		ref, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("reading reference: %w", err)
		}
		we := transcript.WordErrorRate(string(ref), rec.FullText)
		fmt.Printf("WER %.2f%%  (%d substituted, %d inserted, %d deleted of %d words)\n",
			we.Rate*100, we.Substituted, we.Inserted, we.Deleted, we.Reference)
		return nil

	case "reindex":
		n, err := st.Reindex(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Indexed %d transcripts\n", n)
		return nil

	default:
		return fmt.Errorf("%w: recast history [list|show FILENAME|import FILE...|compare FILENAME REFERENCE|reindex]", errUsage)
	}
}
