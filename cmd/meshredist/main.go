// Command meshredist redistributes a synthetic unstructured mesh across
// ranks, either in one process over the loopback transport or as one rank
// of a websocket world.
package main

import (
	"fmt"
	"os"

	"github.com/notargets/meshredist/config"
	"github.com/notargets/meshredist/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var version = "dev"

var (
	// Global flags
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "meshredist",
	Short: "Spatially redistribute an unstructured mesh across ranks",
	Long: `meshredist builds a k-d decomposition over the points held by every rank,
assigns the regions to ranks and moves each cell to the owner of the region
holding its center.

Communicators with non-blocking operations exchange sub-meshes in a ring;
blocking-only communicators merge every region up a fan-in tree.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		logger, err = logging.New(cfg.Logging, verbose)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "meshredist %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "meshredist.yaml", "configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	runCmd.Flags().IntVar(&runRanks, "ranks", 0, "number of in-process ranks (overrides transport.ranks)")
	runCmd.Flags().BoolVar(&runBlocking, "blocking", false, "hide non-blocking operations, forcing fan-in trees")
	runCmd.Flags().BoolVar(&runNoObjects, "serialize", false, "always serialize payloads")

	nodeCmd.Flags().IntVar(&nodeRank, "rank", -1, "rank of this node within transport.peers")
	_ = nodeCmd.MarkFlagRequired("rank")

	rootCmd.AddCommand(runCmd, nodeCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
