// Command radicle-node runs the node daemon: gossip/session service,
// fetch/replication engine, and the UNIX-domain control socket, plus a
// thin "ctl" subcommand that dials that socket the way an operator would
// use `rad node ...` from a separate process.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/radicle-dev/heartwood-sub002/internal/runtime"
	"github.com/radicle-dev/heartwood-sub002/pkg/config"
)

var cfgDir string

func main() {
	root := &cobra.Command{
		Use:   "radicle-node",
		Short: "Radicle-style P2P code collaboration node",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			_ = godotenv.Load()
			if _, err := config.Load(cfgDir, os.Getenv("RAD_ENV")); err != nil {
				return err
			}
			lv, err := logrus.ParseLevel(config.AppConfig.Logging.Level)
			if err != nil {
				lv = logrus.InfoLevel
			}
			logrus.SetLevel(lv)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&cfgDir, "config-dir", ".", "directory holding config.yaml")

	root.AddCommand(runCmd())
	root.AddCommand(ctlCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the node daemon until terminated",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := runtime.New(&config.AppConfig, runtime.Options{})
			if err != nil {
				return err
			}
			logrus.WithField("nid", rt.NID.String()).Info("starting radicle-node")
			return rt.Run(context.Background())
		},
	}
}

// ctlCmd dials the running node's control socket and sends a single
// line-oriented command, per §4.7's control protocol.
func ctlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ctl <command> [args...]",
		Short: "Send a command to a running node's control socket",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			socketPath := config.AppConfig.Node.ControlSocket
			conn, err := net.Dial("unix", socketPath)
			if err != nil {
				return fmt.Errorf("ctl: connect to %s: %w", socketPath, err)
			}
			defer conn.Close()

			line := strings.Join(args, " ")
			if _, err := fmt.Fprintln(conn, line); err != nil {
				return fmt.Errorf("ctl: send command: %w", err)
			}

			reply, err := bufio.NewReader(conn).ReadString('\n')
			if err != nil {
				return fmt.Errorf("ctl: read reply: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), reply)
			if strings.HasPrefix(reply, "error:") {
				return fmt.Errorf("%s", strings.TrimSpace(strings.TrimPrefix(reply, "error: ")))
			}
			return nil
		},
	}
	return cmd
}
