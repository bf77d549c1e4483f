// Command kube9-fixports is a one-shot operator utility: it re-derives
// every node's sandbox host/port from its id and rewrites the stored
// sandbox handle (spec §6 "CLI surface (operational)", grounded in
// original_source's node-connection-info fixup script). Useful after a
// host restart where ephemeral port mappings may have drifted from what
// the store still records.
package main

import (
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
	Use:   "kube9-fixports",
	Short: "Re-derive every node's sandbox host:port and rewrite its stored handle",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		host, _ := cmd.Flags().GetString("host")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		log.Init(log.Config{Level: log.InfoLevel})

		store, err := storage.NewBoltStore(dataDir)
		if err != nil {
			return fmt.Errorf("open cluster store: %w", err)
		}
		defer store.Close()

		nodes, err := store.ListNodes()
		if err != nil {
			return fmt.Errorf("list nodes: %w", err)
		}

		updated := 0
		for _, n := range nodes {
			if n.Sandbox.ID == "" {
				continue
			}
			wantPort := sandbox.PortForNode(n.ID)
			if n.Sandbox.Host == host && n.Sandbox.Port == wantPort {
				continue
			}
			fmt.Printf("node %s (%s): %s:%d -> %s:%d\n", n.ID, n.Name, n.Sandbox.Host, n.Sandbox.Port, host, wantPort)
			if dryRun {
				continue
			}
			n.Sandbox.Host = host
			n.Sandbox.Port = wantPort
			if err := store.UpdateNode(n); err != nil {
				fmt.Fprintf(os.Stderr, "could not update node %s: %v\n", n.ID, err)
				continue
			}
			updated++
		}

		if dryRun {
			fmt.Println("dry run: no changes written")
			return nil
		}
		fmt.Printf("updated %d node(s)\n", updated)
		return nil
	},
}

func init() {
	rootCmd.Flags().String("data-dir", "./kube9-data", "directory holding the cluster store's database file")
	rootCmd.Flags().String("host", "localhost", "host the control plane should use to reach node sandboxes")
	rootCmd.Flags().Bool("dry-run", false, "show what would change without writing")
}
