// Command kube9 is the control-plane CLI: it runs the server (`serve`) and
// gives operators thin `node`/`pod` subcommands over the HTTP API.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kube9/kube9/pkg/client"
	"github.com/kube9/kube9/pkg/controlplane"
	"github.com/kube9/kube9/pkg/events"
	"github.com/kube9/kube9/pkg/heartbeat"
	"github.com/kube9/kube9/pkg/log"
	"github.com/kube9/kube9/pkg/metrics"
	"github.com/kube9/kube9/pkg/reconciler"
	"github.com/kube9/kube9/pkg/rescheduler"
	"github.com/kube9/kube9/pkg/sandbox"
	"github.com/kube9/kube9/pkg/security"
	"github.com/kube9/kube9/pkg/storage"
	"github.com/kube9/kube9/pkg/types"

	kube9api "github.com/kube9/kube9/pkg/api"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "kube9",
	Short:   "Kube-9 cluster control plane",
	Long:    "Kube-9 accepts declarative requests to create nodes and pods, places pods on eligible nodes, watches node liveness, and recovers or reschedules around failures.",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "emit logs as JSON")
	rootCmd.PersistentFlags().String("addr", "http://127.0.0.1:8080", "control plane API address (client commands)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(podCmd)
}

func initLogging(cmd *cobra.Command) {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOutput})
}

// --- serve ---

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane API server and background loops",
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging(cmd)

		dataDir, _ := cmd.Flags().GetString("data-dir")
		containerdSocket, _ := cmd.Flags().GetString("containerd-socket")
		listenAddr, _ := cmd.Flags().GetString("listen")
		apiServerAddr, _ := cmd.Flags().GetString("api-server-addr")
		clusterID, _ := cmd.Flags().GetString("cluster-id")
		heartbeatSec, _ := cmd.Flags().GetInt("heartbeat-interval")
		maxHeartbeatSec, _ := cmd.Flags().GetInt("max-heartbeat-interval")
		maxRecoveryAttempts, _ := cmd.Flags().GetInt("max-recovery-attempts")

		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}

		store, err := storage.NewBoltStore(dataDir)
		if err != nil {
			// Store unreachable at boot is a fatal process-level error
			// (spec §7 "Propagation policy").
			return fmt.Errorf("open cluster store: %w", err)
		}
		defer store.Close()

		drv, err := sandbox.NewDriver(containerdSocket)
		if err != nil {
			return fmt.Errorf("connect sandbox driver: %w", err)
		}
		defer drv.Close()

		secrets, err := security.NewSecretsManagerFromClusterID(clusterID)
		if err != nil {
			return fmt.Errorf("init secrets manager: %w", err)
		}

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		cfg := controlplane.DefaultConfig()
		cfg.DataDir = dataDir
		cfg.ContainerdSocket = containerdSocket
		cfg.APIServerAddr = apiServerAddr
		cfg.ClusterID = clusterID
		cfg.DefaultHeartbeatIntervalSec = heartbeatSec
		cfg.DefaultMaxHeartbeatIntervalSec = maxHeartbeatSec
		cfg.DefaultMaxRecoveryAttempts = maxRecoveryAttempts

		cp := controlplane.New(store, drv, broker, secrets, cfg)

		tracker := heartbeat.NewTracker(cp)
		tracker.Start()
		defer tracker.Stop()

		rec := reconciler.NewReconciler(cp)
		rec.Start()
		defer rec.Stop()

		resched := rescheduler.NewRescheduler(cp)
		resched.Start()
		defer resched.Stop()

		collector := metrics.NewCollector(store)
		collector.Start()
		defer collector.Stop()

		server := kube9api.NewServer(cp, tracker)

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start(listenAddr)
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return fmt.Errorf("api server: %w", err)
		case sig := <-sigCh:
			log.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("data-dir", "./kube9-data", "directory for the cluster store's database file")
	serveCmd.Flags().String("containerd-socket", "/run/containerd/containerd.sock", "containerd socket path")
	serveCmd.Flags().String("listen", "127.0.0.1:8080", "API listen address")
	serveCmd.Flags().String("api-server-addr", "http://localhost:8080", "address this process advertises to node sandboxes")
	serveCmd.Flags().String("cluster-id", "kube9-local", "cluster id used to derive the secrets encryption key")
	serveCmd.Flags().Int("heartbeat-interval", 60, "default node heartbeat interval in seconds")
	serveCmd.Flags().Int("max-heartbeat-interval", 120, "default max heartbeat interval before a node is marked failed")
	serveCmd.Flags().Int("max-recovery-attempts", 3, "default recovery attempts before a node is marked permanently_failed")
}

// --- node ---

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Manage nodes",
}

var nodeCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		cpuCores, _ := cmd.Flags().GetInt("cpu")
		kind, _ := cmd.Flags().GetString("kind")

		node, err := c.CreateNode(cmd.Context(), client.CreateNodeRequest{
			Name:     args[0],
			CPUCores: cpuCores,
			Kind:     types.NodeKind(kind),
		})
		if err != nil {
			return err
		}
		fmt.Printf("node %s created (id=%s, health=%s)\n", node.Name, node.ID, node.Health)
		return nil
	},
}

var nodeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		nodes, err := c.ListNodes(cmd.Context())
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tKIND\tHEALTH\tCPU AVAIL/TOTAL\tPODS")
		for _, n := range nodes {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%d\n", n.ID, n.Name, n.Kind, n.Health, n.CPUCoresAvail, n.CPUCoresTotal, len(n.PodIDs))
		}
		return tw.Flush()
	},
}

var nodeGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show node detail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		node, err := c.GetNode(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%+v\n", node)
		return nil
	},
}

var nodeDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a node (must have no hosted pods, or be permanently_failed)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		if err := c.DeleteNode(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("node %s deleted\n", args[0])
		return nil
	},
}

var nodeSimulateFailureCmd = &cobra.Command{
	Use:   "simulate-failure ID",
	Short: "Inject a sandbox failure on a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		if err := c.SimulateFailure(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("failure injected on node %s\n", args[0])
		return nil
	},
}

var nodeDeregisterCmd = &cobra.Command{
	Use:   "deregister ID",
	Short: "Send a graceful shutdown notice for a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		if err := c.Deregister(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("node %s deregistered\n", args[0])
		return nil
	},
}

var nodeForceCleanupCmd = &cobra.Command{
	Use:   "force-cleanup ID",
	Short: "Run the sandbox reaper for a permanently_failed node on demand",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		if err := c.ForceCleanup(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("sandbox cleaned up for node %s\n", args[0])
		return nil
	},
}

var nodeHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show the aggregated per-node health report",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		report, err := c.NodesHealth(cmd.Context())
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(tw, "NODE_ID\tNAME\tHEALTH\tPOD_COUNT")
		for _, row := range report {
			fmt.Fprintf(tw, "%v\t%v\t%v\t%v\n", row["node_id"], row["name"], row["health"], row["pod_count"])
		}
		return tw.Flush()
	},
}

func init() {
	nodeCreateCmd.Flags().Int("cpu", 4, "total CPU cores")
	nodeCreateCmd.Flags().String("kind", "worker", "node kind: worker or master")

	nodeCmd.AddCommand(nodeCreateCmd, nodeListCmd, nodeGetCmd, nodeDeleteCmd, nodeSimulateFailureCmd, nodeDeregisterCmd, nodeForceCleanupCmd, nodeHealthCmd)
}

// --- pod ---

var podCmd = &cobra.Command{
	Use:   "pod",
	Short: "Manage pods",
}

var podCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create and schedule a single-container pod",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		cpuCoresReq, _ := cmd.Flags().GetInt("cpu")
		image, _ := cmd.Flags().GetString("image")
		cpuReq, _ := cmd.Flags().GetFloat64("container-cpu")
		memReq, _ := cmd.Flags().GetInt("container-memory")

		pod, err := c.CreatePod(cmd.Context(), client.CreatePodRequest{
			Name:        args[0],
			CPUCoresReq: cpuCoresReq,
			Containers: []client.PodContainerRequest{
				{Name: args[0], Image: image, CPUReq: cpuReq, MemoryReq: memReq},
			},
		})
		if err != nil {
			return err
		}
		fmt.Printf("pod %s scheduled (id=%s, node=%s, health=%s)\n", pod.Name, pod.ID, pod.NodeID, pod.Health)
		return nil
	},
}

var podListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pods",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		pods, err := c.ListPods(cmd.Context())
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tHEALTH\tNODE_ID\tIP")
		for _, p := range pods {
			fmt.Fprintf(tw, "%v\t%v\t%v\t%v\t%v\n", p["id"], p["name"], p["health"], p["node_id"], p["ip_address"])
		}
		return tw.Flush()
	},
}

var podGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show pod detail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		pod, err := c.GetPod(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%+v\n", pod)
		return nil
	},
}

var podDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a pod",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		if err := c.DeletePod(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("pod %s deleted\n", args[0])
		return nil
	},
}

var podHealthCmd = &cobra.Command{
	Use:   "health ID",
	Short: "Query a pod's current health via its hosting node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		h, err := c.PodHealth(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Println(h)
		return nil
	},
}

func init() {
	podCreateCmd.Flags().Int("cpu", 1, "pod CPU cores requested")
	podCreateCmd.Flags().String("image", "", "container image")
	podCreateCmd.Flags().Float64("container-cpu", 0.5, "container CPU request")
	podCreateCmd.Flags().Int("container-memory", 256, "container memory request in MB")
	_ = podCreateCmd.MarkFlagRequired("image")

	podCmd.AddCommand(podCreateCmd, podListCmd, podGetCmd, podDeleteCmd, podHealthCmd)
}

func newClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("addr")
	return client.NewClient(addr)
}
