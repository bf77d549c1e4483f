// Command kube9-netreap is a one-shot operator utility: it removes stale
// per-pod bridge networks left behind on the host (spec §6 "CLI surface
// (operational)", grounded in original_source's network-reaping script).
// Pod delete does not itself tear down the pod's bridge — this mirrors the
// prototype this spec was distilled from, where the same gap motivated a
// standalone cleanup script rather than doing it inline on every delete.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kube9/kube9/pkg/log"
	"github.com/kube9/kube9/pkg/sandbox"
	"github.com/kube9/kube9/pkg/storage"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "kube9-netreap",
	Short: "Remove stale pod-network- bridges not referenced by any live pod",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		containerdSocket, _ := cmd.Flags().GetString("containerd-socket")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		log.Init(log.Config{Level: log.InfoLevel})

		store, err := storage.NewBoltStore(dataDir)
		if err != nil {
			return fmt.Errorf("open cluster store: %w", err)
		}
		defer store.Close()

		drv, err := sandbox.NewDriver(containerdSocket)
		if err != nil {
			return fmt.Errorf("connect sandbox driver: %w", err)
		}
		defer drv.Close()

		ctx := context.Background()

		pods, err := store.ListPods()
		if err != nil {
			return fmt.Errorf("list pods: %w", err)
		}
		live := make(map[string]bool, len(pods))
		for _, p := range pods {
			live["pod-network-"+p.ID] = true
		}

		networks, err := drv.ListPodNetworks(ctx)
		if err != nil {
			return fmt.Errorf("list pod networks: %w", err)
		}

		stale := 0
		removed := 0
		for _, name := range networks {
			if live[name] {
				continue
			}
			stale++
			fmt.Printf("stale network: %s\n", name)
			if dryRun {
				continue
			}
			if err := drv.RemoveNetwork(ctx, name); err != nil {
				fmt.Fprintf(os.Stderr, "could not remove %s: %v\n", name, err)
				continue
			}
			removed++
		}

		if dryRun {
			fmt.Printf("dry run: %d stale network(s) found\n", stale)
			return nil
		}
		fmt.Printf("removed %d stale network(s)\n", removed)
		return nil
	},
}

func init() {
	rootCmd.Flags().String("data-dir", "./kube9-data", "directory holding the cluster store's database file")
	rootCmd.Flags().String("containerd-socket", "/run/containerd/containerd.sock", "containerd socket path")
	rootCmd.Flags().Bool("dry-run", false, "list stale networks without removing them")
}
