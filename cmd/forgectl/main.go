// Command forgectl is the operator CLI for the builder and repo daemons,
// dialing their control sockets and invoking one whitelisted RPC function
// per subcommand, grounded on buildbot.py's command-line client and
// repod.py's matching client stub.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/archbuild/forge/internal/rpc"
)

var (
	builderSocket string
	builderSecret string
	repodSocket   string
	repodSecret   string
	timeout       time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "forgectl",
	Short: "Control client for the builder and repo daemons",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&builderSocket, "builder-socket", "/run/forge/builder.sock", "builder daemon control socket")
	rootCmd.PersistentFlags().StringVar(&builderSecret, "builder-secret", "", "builder daemon shared secret")
	rootCmd.PersistentFlags().StringVar(&repodSocket, "repod-socket", "/run/forge/repod.sock", "repo daemon control socket")
	rootCmd.PersistentFlags().StringVar(&repodSecret, "repod-secret", "", "repo daemon shared secret")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "RPC call timeout")

	rootCmd.AddCommand(
		infoCmd,
		rebuildPackageCmd,
		cleanCmd,
		cleanAllCmd,
		forceUploadCmd,
		getupCmd,
		extrasCmd,
		regenerateCmd,
		removeCmd,
		updateCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func builderClient() rpc.Client {
	return rpc.Client{Addr: builderSocket, Secret: []byte(builderSecret)}
}

func repodClient() rpc.Client {
	return rpc.Client{Addr: repodSocket, Secret: []byte(repodSecret)}
}

// call invokes funcName against client, printing its JSON result (or
// "ok" for a null result) to stdout.
func call(client rpc.Client, funcName string, args ...interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result, err := client.Call(ctx, funcName, args, nil)
	if err != nil {
		return err
	}
	if len(result) == 0 || string(result) == "null" {
		fmt.Println("ok")
		return nil
	}

	var pretty interface{}
	if err := json.Unmarshal(result, &pretty); err != nil {
		fmt.Println(string(result))
		return nil
	}
	enc, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		fmt.Println(string(result))
		return nil
	}
	fmt.Println(string(enc))
	return nil
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Report the builder's queue depth and current build",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		human, _ := cmd.Flags().GetBool("human")
		return call(builderClient(), "info", human)
	},
}

var rebuildPackageCmd = &cobra.Command{
	Use:   "rebuild-package DIRNAME",
	Short: "Force a recipe to be rebuilt regardless of its detected version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		clean, _ := cmd.Flags().GetBool("clean")
		return call(builderClient(), "rebuild_package", args[0], clean)
	},
}

var cleanCmd = &cobra.Command{
	Use:   "clean DIRNAME",
	Short: "Remove one recipe's build directories and built artifacts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(builderClient(), "clean", args[0])
	},
}

var cleanAllCmd = &cobra.Command{
	Use:   "clean-all",
	Short: "Remove every recipe's build directories and built artifacts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(builderClient(), "clean_all")
	},
}

var forceUploadCmd = &cobra.Command{
	Use:   "force-upload DIRNAME",
	Short: "Upload a recipe's already-built artifacts without rebuilding",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		overwrite, _ := cmd.Flags().GetBool("overwrite")
		return call(builderClient(), "force_upload", args[0], overwrite)
	},
}

var getupCmd = &cobra.Command{
	Use:   "getup",
	Short: "Report the ledger's last-built version and quarantine state for every recipe",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(builderClient(), "getup")
	},
}

var extrasCmd = &cobra.Command{
	Use:   "extras ACTION [PKGNAME]",
	Short: "Run a recipe's update, prebuild, postbuild, or failure hook set out of band",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rpcArgs := []interface{}{args[0]}
		if len(args) > 1 {
			rpcArgs = append(rpcArgs, args[1])
		}
		return call(builderClient(), "extras", rpcArgs...)
	},
}

var regenerateCmd = &cobra.Command{
	Use:   "regenerate",
	Short: "Rebuild every per-arch repository index from the served tree's current contents",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(repodClient(), "regenerate")
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove NAME...",
	Short: "Recycle one or more packages out of the served tree",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(repodClient(), "remove", args)
	},
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Integrate staged updates into the served tree",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		overwrite, _ := cmd.Flags().GetBool("overwrite")
		return call(repodClient(), "update", overwrite)
	},
}

func init() {
	infoCmd.Flags().Bool("human", false, "print a human-readable summary instead of JSON")
	rebuildPackageCmd.Flags().Bool("clean", false, "force a clean build regardless of the recipe's own setting")
	forceUploadCmd.Flags().Bool("overwrite", false, "permit overwriting an existing version in the served tree")
	updateCmd.Flags().Bool("overwrite", false, "permit overwriting an existing version in the served tree")
}
