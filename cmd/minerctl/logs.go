package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/powerhive/minerctl/pkg/miner"
)

var logsTail int

var logsCmd = &cobra.Command{
	Use:     "logs HOST",
	Short:   "Print the device log",
	Example: `  minerctl logs 192.168.1.10 --tail 50`,
	Args:    cobra.ExactArgs(1),
	RunE:    withApp(runLogs),
}

var errorsCmd = &cobra.Command{
	Use:   "errors [HOST...]",
	Short: "List hardware faults found in device logs",
	Example: `  minerctl errors 192.168.1.10
  minerctl errors --fleet fleet.yaml`,
	RunE: withApp(runErrors),
}

func init() {
	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 0, "only print the last N lines")
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(errorsCmd)
}

func runLogs(cmd *cobra.Command, a *app, args []string) error {
	ctx := cmd.Context()
	m, err := a.manager.Open(ctx, args[0])
	if err != nil {
		return err
	}
	lines, err := m.Logs(ctx)
	if err != nil {
		return err
	}
	if logsTail > 0 && len(lines) > logsTail {
		lines = lines[len(lines)-logsTail:]
	}
	if flagJSON {
		return printJSON(cmd.OutOrStdout(), lines)
	}
	for _, line := range lines {
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
	return nil
}

func runErrors(cmd *cobra.Command, a *app, args []string) error {
	ctx := cmd.Context()
	hosts, err := a.hosts(ctx, args)
	if err != nil {
		return err
	}

	var (
		mu     sync.Mutex
		faults = map[string][]string{}
	)
	err = a.manager.ForEach(ctx, hosts, func(ctx context.Context, m miner.Miner) error {
		errs, err := m.Errors(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		faults[m.Handle().Host] = errs
		mu.Unlock()
		return nil
	})

	if flagJSON {
		if perr := printJSON(cmd.OutOrStdout(), faults); perr != nil {
			return perr
		}
		return reportFailures(err)
	}

	out := cmd.OutOrStdout()
	for _, host := range hosts {
		errs, ok := faults[host]
		if !ok {
			continue
		}
		if len(errs) == 0 {
			fmt.Fprintf(out, "%s: %s\n", host, okStyle.Render("no faults"))
			continue
		}
		printTitle(out, "%s", host)
		for _, e := range errs {
			fmt.Fprintf(out, "  %s %s\n", errorStyle.Render("✗"), e)
		}
	}
	return reportFailures(err)
}
