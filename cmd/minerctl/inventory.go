package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/powerhive/minerctl/pkg/inventory"
	"github.com/powerhive/minerctl/pkg/miner"
)

var (
	inventoryVendor string
	inventoryOnline bool
)

var inventoryCmd = &cobra.Command{
	Use:   "inventory",
	Short: "Inspect the device inventory",
}

var inventoryListCmd = &cobra.Command{
	Use:     "list",
	Short:   "List known devices with their last reading",
	Example: `  minerctl inventory list --vendor antminer --online`,
	Args:    cobra.NoArgs,
	RunE:    withApp(runInventoryList),
}

var inventoryForgetCmd = &cobra.Command{
	Use:   "forget HOST...",
	Short: "Remove devices and their readings",
	Args:  cobra.MinimumNArgs(1),
	RunE:  withApp(runInventoryForget),
}

func init() {
	inventoryListCmd.Flags().StringVar(&inventoryVendor, "vendor", "", "only list this vendor")
	inventoryListCmd.Flags().BoolVar(&inventoryOnline, "online", false, "only list reachable devices")

	inventoryCmd.AddCommand(inventoryListCmd)
	inventoryCmd.AddCommand(inventoryForgetCmd)
	rootCmd.AddCommand(inventoryCmd)
}

type inventoryEntry struct {
	*inventory.Device
	Latest *inventory.Reading `json:"latest,omitempty"`
}

func runInventoryList(cmd *cobra.Command, a *app, _ []string) error {
	if a.store == nil {
		return fmt.Errorf("the inventory is disabled")
	}
	ctx := cmd.Context()

	filter := inventory.Filter{OnlineOnly: inventoryOnline}
	if inventoryVendor != "" {
		filter.Vendor = miner.ParseVendor(inventoryVendor)
		if filter.Vendor == miner.VendorUnknown {
			return fmt.Errorf("unknown vendor %q", inventoryVendor)
		}
	}
	devices, err := a.store.ListDevices(ctx, filter)
	if err != nil {
		return err
	}

	entries := make([]inventoryEntry, len(devices))
	for i, d := range devices {
		latest, err := a.store.LatestReading(ctx, d.ID)
		if err != nil {
			return err
		}
		entries[i] = inventoryEntry{Device: d, Latest: latest}
	}

	if flagJSON {
		return printJSON(cmd.OutOrStdout(), entries)
	}

	rows := make([][]string, len(entries))
	for i, e := range entries {
		hashrate, seen := "-", e.LastSeenAt.Local().Format(time.DateTime)
		if e.Latest != nil {
			hashrate = fmt.Sprintf("%.2f", e.Latest.HashrateTHs)
		}
		rows[i] = []string{e.Host, fmt.Sprint(e.Port), string(e.Vendor), e.Model, e.MACAddress, onOff(e.IsOnline), hashrate, seen}
	}
	printTable(cmd.OutOrStdout(), []string{"Host", "Port", "Vendor", "Model", "MAC", "Online", "TH/s", "Last seen"}, rows)
	return nil
}

func runInventoryForget(cmd *cobra.Command, a *app, args []string) error {
	if a.store == nil {
		return fmt.Errorf("the inventory is disabled")
	}
	for _, host := range args {
		if err := a.store.DeleteDevice(cmd.Context(), host); err != nil {
			return err
		}
	}
	return nil
}
