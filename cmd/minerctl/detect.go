package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/powerhive/minerctl/internal/fleet"
	"github.com/powerhive/minerctl/pkg/detect"
	"github.com/powerhive/minerctl/pkg/miner"
)

var (
	detectPort    int
	scanWhere     string
	scanPortCheck bool
)

var detectCmd = &cobra.Command{
	Use:     "detect HOST",
	Short:   "Identify the miner at a host",
	Long:    `Probe a host through its socket API and web interface and report the vendor. The result is recorded in the inventory.`,
	Example: `  minerctl detect 192.168.1.10`,
	Args:    cobra.ExactArgs(1),
	RunE:    withApp(runDetect),
}

var scanCmd = &cobra.Command{
	Use:   "scan [NETWORK...]",
	Short: "Find miners on networks",
	Long: `Detect every host in the given CIDR blocks, "start-end" ranges or single
addresses. Without arguments MINERCTL_NETWORKS is scanned.

--where filters with an expression over host, port, vendor and model.`,
	Example: `  minerctl scan 192.168.1.0/24
  minerctl scan 10.0.0.10-10.0.0.50 --where 'vendor == "whatsminer"'`,
	RunE: withApp(runScan),
}

func init() {
	detectCmd.Flags().IntVar(&detectPort, "port", miner.DefaultPort, "socket API port")

	scanCmd.Flags().StringVarP(&scanWhere, "where", "w", "", "filter expression")
	scanCmd.Flags().BoolVar(&scanPortCheck, "port-check", false, "skip hosts whose socket API port is closed")

	rootCmd.AddCommand(detectCmd)
	rootCmd.AddCommand(scanCmd)
}

func runDetect(cmd *cobra.Command, a *app, args []string) error {
	ctx := cmd.Context()
	h, err := a.manager.Detect(ctx, args[0], detectPort)
	if err != nil {
		return err
	}
	m, err := a.dispatcher.Build(h)
	if err != nil {
		return err
	}
	model, err := m.Model(ctx)
	if err != nil {
		model = "-"
	} else {
		a.manager.Remember(ctx, h, model, "")
	}

	if flagJSON {
		return printJSON(cmd.OutOrStdout(), fleet.Identity(h, model))
	}
	out := cmd.OutOrStdout()
	printTitle(out, "Miner detected")
	fmt.Fprintf(out, "  Host:    %s\n", h.Host)
	fmt.Fprintf(out, "  Port:    %d\n", h.Port)
	fmt.Fprintf(out, "  Vendor:  %s\n", h.Vendor)
	fmt.Fprintf(out, "  Model:   %s\n", model)
	return nil
}

func runScan(cmd *cobra.Command, a *app, args []string) error {
	ctx := cmd.Context()
	keep, err := fleet.CompileFilter(scanWhere)
	if err != nil {
		return err
	}
	targets := args
	if len(targets) == 0 {
		targets = a.cfg.Networks
	}
	if len(targets) == 0 {
		return fmt.Errorf("no networks given and MINERCTL_NETWORKS is empty")
	}

	opts := []detect.ScannerOption{detect.WithConcurrency(a.cfg.Concurrency)}
	if scanPortCheck {
		opts = append(opts, detect.WithPortCheck(a.cfg.ConnectTimeout))
	}
	scanner := detect.NewScanner(a.dispatcher, opts...)

	if !flagJSON {
		fmt.Fprintf(cmd.ErrOrStderr(), "Scanning %v...\n", targets)
	}
	result, err := scanner.Scan(ctx, targets...)
	if result == nil {
		return err
	}

	found := identify(ctx, a, result.Miners)
	found = keep.Apply(found)

	if flagJSON {
		if perr := printJSON(cmd.OutOrStdout(), found); perr != nil {
			return perr
		}
		return err
	}

	out := cmd.OutOrStdout()
	rows := make([][]string, len(found))
	for i, s := range found {
		rows[i] = []string{s.Host, fmt.Sprint(s.Port), s.Vendor, s.Model}
	}
	if len(rows) > 0 {
		printTable(out, []string{"Host", "Port", "Vendor", "Model"}, rows)
	}
	fmt.Fprintf(out, "Scanned %d hosts in %v: %d responsive, %d miners found\n",
		result.ScannedHosts, result.Duration.Round(time.Millisecond), result.ResponsiveHosts, len(result.Miners))
	if len(result.Errors) > 0 {
		fmt.Fprintln(out, dimStyle.Render(fmt.Sprintf("%d hosts did not answer as miners", len(result.Errors))))
	}
	return err
}

// identify reads the model of each discovered miner and records it.
func identify(ctx context.Context, a *app, miners []detect.Discovered) []*fleet.Snapshot {
	found := make([]*fleet.Snapshot, len(miners))

	var g errgroup.Group
	g.SetLimit(a.cfg.Concurrency)
	for i, d := range miners {
		g.Go(func() error {
			model, err := d.Miner.Model(ctx)
			if err != nil {
				model = ""
			}
			a.manager.Remember(ctx, d.Handle, model, "")
			found[i] = fleet.Identity(d.Handle, model)
			return nil
		})
	}
	_ = g.Wait()
	return found
}
