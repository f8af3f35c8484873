package main

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/powerhive/minerctl/pkg/miner"
)

var (
	poolSpecs     []string
	poolFromFleet bool
)

var poolsCmd = &cobra.Command{
	Use:   "pools",
	Short: "Read or replace mining pools",
}

var poolsGetCmd = &cobra.Command{
	Use:     "get [HOST...]",
	Short:   "Show configured pools",
	Example: `  minerctl pools get 192.168.1.10`,
	RunE:    withApp(runPoolsGet),
}

var poolsSetCmd = &cobra.Command{
	Use:   "set [HOST...]",
	Short: "Replace configured pools",
	Long: `Replace the pool list, in priority order. Each --pool is URL,USER[,PASSWORD];
a missing password leaves it unset. With --from-fleet every host gets the
pools listed for it in the fleet file.`,
	Example: `  minerctl pools set 192.168.1.10 --pool stratum+tcp://a:3333,worker.1,x --pool stratum+tcp://b:3333,worker.1
  minerctl pools set --fleet fleet.yaml --from-fleet`,
	RunE: withApp(runPoolsSet),
}

func init() {
	poolsSetCmd.Flags().StringArrayVar(&poolSpecs, "pool", nil, "pool as URL,USER[,PASSWORD] (repeatable)")
	poolsSetCmd.Flags().BoolVar(&poolFromFleet, "from-fleet", false, "use the pools from the fleet file")
	poolsSetCmd.MarkFlagsMutuallyExclusive("pool", "from-fleet")
	poolsSetCmd.MarkFlagsOneRequired("pool", "from-fleet")

	poolsCmd.AddCommand(poolsGetCmd)
	poolsCmd.AddCommand(poolsSetCmd)
	rootCmd.AddCommand(poolsCmd)
}

// parsePool parses URL,USER[,PASSWORD].
func parsePool(spec string) (miner.Pool, error) {
	parts := strings.SplitN(spec, ",", 3)
	if len(parts) < 2 || strings.TrimSpace(parts[0]) == "" {
		return miner.Pool{}, fmt.Errorf("invalid pool %q: want URL,USER[,PASSWORD]", spec)
	}
	p := miner.Pool{URL: strings.TrimSpace(parts[0]), Username: strings.TrimSpace(parts[1])}
	if len(parts) == 3 {
		password := parts[2]
		p.Password = &password
	}
	return p, nil
}

func runPoolsGet(cmd *cobra.Command, a *app, args []string) error {
	ctx := cmd.Context()
	hosts, err := a.hosts(ctx, args)
	if err != nil {
		return err
	}

	var (
		mu     sync.Mutex
		result = map[string][]miner.Pool{}
	)
	err = a.manager.ForEach(ctx, hosts, func(ctx context.Context, m miner.Miner) error {
		pools, err := m.Pools(ctx)
		if err != nil {
			return err
		}
		for i := range pools {
			pools[i].Password = nil
		}
		mu.Lock()
		result[m.Handle().Host] = pools
		mu.Unlock()
		return nil
	})

	if flagJSON {
		if perr := printJSON(cmd.OutOrStdout(), result); perr != nil {
			return perr
		}
		return reportFailures(err)
	}

	out := cmd.OutOrStdout()
	for _, host := range hosts {
		pools, ok := result[host]
		if !ok {
			continue
		}
		printTitle(out, "%s", host)
		rows := make([][]string, len(pools))
		for i, p := range pools {
			rows[i] = []string{fmt.Sprint(i), p.URL, p.Username}
		}
		printTable(out, []string{"#", "URL", "User"}, rows)
	}
	return reportFailures(err)
}

func runPoolsSet(cmd *cobra.Command, a *app, args []string) error {
	ctx := cmd.Context()
	hosts, err := a.hosts(ctx, args)
	if err != nil {
		return err
	}

	var pools []miner.Pool
	for _, spec := range poolSpecs {
		p, err := parsePool(spec)
		if err != nil {
			return err
		}
		pools = append(pools, p)
	}

	err = a.manager.ForEach(ctx, hosts, func(ctx context.Context, m miner.Miner) error {
		want := pools
		if poolFromFleet {
			entry, ok := a.fleet.Lookup(m.Handle().Host)
			if !ok || len(entry.Pools) == 0 {
				return fmt.Errorf("no pools listed in the fleet file")
			}
			want = entry.Pools
		}
		if err := m.SetPools(ctx, want); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %d pools set\n", okStyle.Render("✓"), m.Handle().Host, len(want))
		return nil
	})
	return reportFailures(err)
}
