package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/powerhive/minerctl/internal/fleet"
)

var statusWhere string

var statusCmd = &cobra.Command{
	Use:   "status [HOST...]",
	Short: "Show live readings",
	Long: `Read hashrate, power, efficiency, temperature, fans, sleep state and faults
from each host and record them in the inventory.

HOST may be an address, a CIDR block or a "start-end" range. Without
arguments the fleet file hosts, or else the inventory, are used.

--where filters with an expression over the snapshot fields: host, port,
vendor, model, hashrate, nameplate, performance, power, efficiency,
temperature, fans, sleeping, mac, errors and warnings.`,
	Example: `  minerctl status 192.168.1.10
  minerctl status --fleet fleet.yaml --where 'temperature > 80 || len(errors) > 0'`,
	RunE: withApp(runStatus),
}

func init() {
	statusCmd.Flags().StringVarP(&statusWhere, "where", "w", "", "filter expression")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, a *app, args []string) error {
	ctx := cmd.Context()
	keep, err := fleet.CompileFilter(statusWhere)
	if err != nil {
		return err
	}
	hosts, err := a.hosts(ctx, args)
	if err != nil {
		return err
	}

	snaps, err := a.manager.Status(ctx, hosts, keep)
	if flagJSON {
		if perr := printJSON(cmd.OutOrStdout(), snaps); perr != nil {
			return perr
		}
		return reportFailures(err)
	}

	out := cmd.OutOrStdout()
	rows := make([][]string, len(snaps))
	for i, s := range snaps {
		rows[i] = []string{
			s.Host,
			s.Vendor,
			s.Model,
			fmt.Sprintf("%.2f", s.Hashrate),
			fmt.Sprintf("%.0f%%", s.Performance),
			fmt.Sprintf("%.0f", s.Power),
			fmt.Sprintf("%.1f", s.Efficiency),
			fmt.Sprintf("%.1f", s.Temperature),
			joinInts(s.Fans),
			onOff(s.Sleeping),
			strings.Join(s.Errors, "; "),
		}
	}
	if len(rows) > 0 {
		printTable(out, []string{"Host", "Vendor", "Model", "TH/s", "Perf", "W", "J/TH", "°C", "Fans", "Sleep", "Errors"}, rows)
	}
	for _, s := range snaps {
		for _, w := range s.Warnings {
			fmt.Fprintln(out, dimStyle.Render(fmt.Sprintf("%s: %s", s.Host, w)))
		}
	}
	return reportFailures(err)
}
