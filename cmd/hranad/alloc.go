package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jfoltran/hranad/internal/allocconfig"
	"github.com/jfoltran/hranad/internal/bus"
	"github.com/jfoltran/hranad/internal/server"
)

var allocCmd = &cobra.Command{
	Use:   "alloc",
	Short: "Manage this node's allocations (logical databases)",
}

var (
	allocMaxConns     uint32
	allocRole         string
	allocMaxLogSize   int64
	allocCompactEvery time.Duration
	allocPrimaryNode  uint64
	allocProxyTimeout time.Duration
)

var allocCreateCmd = &cobra.Command{
	Use:   "create <db_name>",
	Short: "Persist a new allocation config and open it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dbName := args[0]

		acfg := allocconfig.AllocationConfig{
			MaxConcurrentConnection: allocMaxConns,
			DBName:                  dbName,
		}
		switch allocRole {
		case string(allocconfig.RolePrimary):
			acfg.Role = allocconfig.RolePrimary
			acfg.DBConfig.Primary = &allocconfig.PrimaryConfig{
				MaxLogSize:      allocMaxLogSize,
				CompactInterval: allocCompactEvery,
			}
		case string(allocconfig.RoleReplica):
			if allocPrimaryNode == 0 {
				return fmt.Errorf("--primary-node-id is required for --role replica")
			}
			acfg.Role = allocconfig.RoleReplica
			acfg.DBConfig.Replica = &allocconfig.ReplicaConfig{
				PrimaryNodeID:       allocPrimaryNode,
				ProxyRequestTimeout: allocProxyTimeout,
			}
		default:
			return fmt.Errorf("--role must be %q or %q, got %q", allocconfig.RolePrimary, allocconfig.RoleReplica, allocRole)
		}

		m := newCLIManager(cmd.Context())
		if _, err := m.Create(cmd.Context(), acfg); err != nil {
			return err
		}
		fmt.Printf("created allocation %q (role=%s)\n", dbName, acfg.Role)
		return nil
	},
}

var allocListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every allocation persisted under data_dir",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m := newCLIManager(cmd.Context())
		names, err := m.List()
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Println("(no allocations)")
			return nil
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	},
}

var allocRemoveCmd = &cobra.Command{
	Use:   "rm <db_name>",
	Short: "Remove a persisted allocation config (data files are left in place)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m := newCLIManager(cmd.Context())
		if err := m.Remove(args[0]); err != nil {
			return err
		}
		fmt.Printf("removed allocation %q\n", args[0])
		return nil
	},
}

// newCLIManager builds a Manager suitable for one-shot alloc subcommands:
// it never calls bus.Listen or serves HTTP, so the bus it holds only ever
// dials out (for a create that immediately opens a replica allocation).
func newCLIManager(ctx context.Context) *server.Manager {
	b := bus.New(cfg.NodeID, logger, func(context.Context, bus.Envelope) {})
	for peerID, addr := range cfg.Bus.Peers {
		b.AddPeer(peerID, addr)
	}
	return server.NewManager(cfg.DataDir, b, nil, cfg.HTTP.Peers, logger)
}

func init() {
	allocCreateCmd.Flags().Uint32Var(&allocMaxConns, "max-connections", 16, "Maximum concurrent SQL connections for this allocation")
	allocCreateCmd.Flags().StringVar(&allocRole, "role", string(allocconfig.RolePrimary), "Allocation role: primary or replica")
	allocCreateCmd.Flags().Int64Var(&allocMaxLogSize, "max-log-size", 64<<20, "Primary: frame log size (bytes) that triggers compaction")
	allocCreateCmd.Flags().DurationVar(&allocCompactEvery, "compact-interval", 0, "Primary: compaction interval stored in the allocation config (the compaction sweep does not read it)")
	allocCreateCmd.Flags().Uint64Var(&allocPrimaryNode, "primary-node-id", 0, "Replica: node id of this allocation's primary")
	allocCreateCmd.Flags().DurationVar(&allocProxyTimeout, "proxy-timeout", 5*time.Second, "Replica: write-proxy request timeout")

	allocCmd.AddCommand(allocCreateCmd, allocListCmd, allocRemoveCmd)
	rootCmd.AddCommand(allocCmd)
}
