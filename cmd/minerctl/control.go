package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/powerhive/minerctl/pkg/miner"
)

var rebootCmd = &cobra.Command{
	Use:     "reboot HOST...",
	Short:   "Restart miners",
	Example: `  minerctl reboot 192.168.1.10 192.168.1.11`,
	Args:    cobra.MinimumNArgs(1),
	RunE:    withApp(runReboot),
}

var sleepCmd = &cobra.Command{
	Use:   "sleep HOST... [on|off]",
	Short: "Show or change whether hashing is suspended",
	Example: `  minerctl sleep 192.168.1.10
  minerctl sleep 192.168.1.10 192.168.1.11 on`,
	Args: cobra.MinimumNArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		return runToggle(cmd, a, args, "sleep", miner.Miner.Sleep, miner.Miner.SetSleep)
	}),
}

var blinkCmd = &cobra.Command{
	Use:     "blink HOST... [on|off]",
	Short:   "Show or change the identification LED",
	Example: `  minerctl blink 192.168.1.10 on`,
	Args:    cobra.MinimumNArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		return runToggle(cmd, a, args, "blink", miner.Miner.Blink, miner.Miner.SetBlink)
	}),
}

func init() {
	rootCmd.AddCommand(rebootCmd)
	rootCmd.AddCommand(sleepCmd)
	rootCmd.AddCommand(blinkCmd)
}

func runReboot(cmd *cobra.Command, a *app, args []string) error {
	ctx := cmd.Context()
	hosts, err := a.hosts(ctx, args)
	if err != nil {
		return err
	}
	err = a.manager.ForEach(ctx, hosts, func(ctx context.Context, m miner.Miner) error {
		if err := m.Reboot(ctx); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s: reboot requested\n", okStyle.Render("✓"), m.Handle().Host)
		return nil
	})
	return reportFailures(err)
}

// splitToggle separates a trailing on/off argument from the hosts.
func splitToggle(args []string) ([]string, *bool) {
	if len(args) < 2 {
		return args, nil
	}
	var on bool
	switch args[len(args)-1] {
	case "on", "true":
		on = true
	case "off", "false":
		on = false
	default:
		return args, nil
	}
	return args[:len(args)-1], &on
}

func runToggle(
	cmd *cobra.Command,
	a *app,
	args []string,
	name string,
	get func(miner.Miner, context.Context) (bool, error),
	set func(miner.Miner, context.Context, bool) error,
) error {
	ctx := cmd.Context()
	targets, want := splitToggle(args)
	hosts, err := a.hosts(ctx, targets)
	if err != nil {
		return err
	}

	var (
		mu     sync.Mutex
		states = map[string]bool{}
	)
	err = a.manager.ForEach(ctx, hosts, func(ctx context.Context, m miner.Miner) error {
		if want != nil {
			if err := set(m, ctx, *want); err != nil {
				return err
			}
		}
		on, err := get(m, ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		states[m.Handle().Host] = on
		mu.Unlock()
		return nil
	})

	if flagJSON {
		if perr := printJSON(cmd.OutOrStdout(), states); perr != nil {
			return perr
		}
		return reportFailures(err)
	}
	for _, host := range hosts {
		if on, ok := states[host]; ok {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s %s\n", host, name, onOff(on))
		}
	}
	return reportFailures(err)
}
