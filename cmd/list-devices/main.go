// Command list-devices is a manual test for device enumeration. It prints
// every endpoint each prober reports, how it was classified, and the final
// catalog as the capture pipeline sees it.
//
// Usage:
//
//	go run ./cmd/list-devices [--pw-dump "pw-dump"]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/chaz8081/recast/internal/device"
	"github.com/chaz8081/recast/internal/pipewire"
)

func main() {
	pwDump := flag.String("pw-dump", "pw-dump", "PipeWire dump command")
	timeout := flag.Duration("timeout", 5*time.Second, "probe timeout")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	fmt.Printf("PipeWire socket present: %v\n\n", pipewire.SocketAvailable())

	probers := []device.Prober{&device.PipeWireProber{Command: *pwDump}, device.NewMalgoProber()}
	names := []string{"pipewire", "malgo"}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for i, p := range probers {
		eps, err := p.Probe(ctx)
		if err != nil {
			fmt.Fprintf(tw, "[%s] probe failed: %v\n", names[i], err)
			continue
		}
		fmt.Fprintf(tw, "[%s] %d endpoints\n", names[i], len(eps))
		fmt.Fprintln(tw, "  ID\tNAME\tBACKEND\tAPI\tKIND\tSERIAL")
		for _, ep := range eps {
			d := device.Classify(ep)
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\t%d\n", ep.ID, ep.Name, ep.Backend, d.API, d.Kind, d.RoutingSerial)
		}
		fmt.Fprintln(tw)
	}
	_ = tw.Flush()

	fmt.Println("Catalog:")
	for i, d := range device.NewCatalog(probers, device.WithLogger(logger)).ListInputDevices(ctx) {
		fmt.Printf("  %2d. %-40s %-10s %-9s %s\n", i+1, d.Name, d.API, d.Kind, d.BackendElement)
	}
}
