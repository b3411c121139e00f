// Command distfs wraps the node's Publish, FetchFile, ListLocal, and
// Shutdown operations in a CLI and maps engine errors onto stable exit
// codes: 0 success, 1 usage, 2 not found, 3 integrity failure,
// 4 network/unrecoverable.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/distfs/distfs/pkg/config"
	"github.com/distfs/distfs/pkg/digest"
	"github.com/distfs/distfs/pkg/distfserr"
	"github.com/distfs/distfs/pkg/supervisor"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "distfs:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, distfserr.ErrConfig):
		return 1
	case errors.Is(err, distfserr.ErrNotFound):
		return 2
	case errors.Is(err, distfserr.ErrDigestMismatch):
		return 3
	case errors.Is(err, distfserr.ErrUnrecoverable),
		errors.Is(err, distfserr.ErrTransportTimeout),
		errors.Is(err, distfserr.ErrTransportShort),
		errors.Is(err, distfserr.ErrTransportOverflow),
		errors.Is(err, distfserr.ErrRPCTimeout),
		errors.Is(err, distfserr.ErrIO):
		return 4
	default:
		return 1
	}
}

type cliState struct {
	v        *viper.Viper
	cfgFile  string
	logLevel string
	cfg      config.Config
	log      *zap.SugaredLogger
}

func newRootCmd() *cobra.Command {
	state := &cliState{v: viper.New()}

	root := &cobra.Command{
		Use:           "distfs",
		Short:         "peer-to-peer content-addressable file distribution",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return state.load(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&state.cfgFile, "config", "", "path to config file")
	pf.StringVar(&state.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	pf.String("storage-dir", "", "chunk storage directory")
	pf.String("node-id-file", "", "path to the persisted node id")
	pf.String("advertise-address", "", "address announced to peers")
	pf.Int("dht-port", 0, "UDP port for the DHT overlay")
	pf.Int("serve-port", 0, "TCP port for chunk serving")
	pf.Int("chunk-size", 0, "chunking unit in bytes")
	pf.StringSlice("bootstrap", nil, "bootstrap peer multiaddrs (/ip4/<host>/udp/<port>)")

	root.AddCommand(newServeCmd(state), newPublishCmd(state), newFetchCmd(state), newLsCmd(state), newRmCmd(state))
	return root
}

// load binds set flags over the config file and environment, then builds the
// logger. Only flags the user actually set override the file.
func (s *cliState) load(cmd *cobra.Command) error {
	bindings := map[string]string{
		"storage-dir":       "storage_dir",
		"node-id-file":      "node_id_file",
		"advertise-address": "advertise_address",
		"dht-port":          "dht_port",
		"serve-port":        "serve_port",
		"chunk-size":        "chunk_size",
		"bootstrap":         "bootstrap_peers",
	}
	for flagName, key := range bindings {
		f := cmd.Root().PersistentFlags().Lookup(flagName)
		if f != nil && f.Changed {
			if err := s.v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("%w: bind flag %s: %v", distfserr.ErrConfig, flagName, err)
			}
		}
	}

	cfg, err := config.Load(s.v, s.cfgFile)
	if err != nil {
		return err
	}
	s.cfg = cfg

	lvl, err := zapcore.ParseLevel(s.logLevel)
	if err != nil {
		return fmt.Errorf("%w: invalid log level %q", distfserr.ErrConfig, s.logLevel)
	}
	zcfg := zap.NewDevelopmentConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := zcfg.Build()
	if err != nil {
		return fmt.Errorf("%w: build logger: %v", distfserr.ErrConfig, err)
	}
	s.log = logger.Sugar()
	return nil
}

// withNode starts a supervisor, runs fn, and shuts the node down afterwards
// regardless of fn's outcome.
func (s *cliState) withNode(fn func(ctx context.Context, sup *supervisor.Supervisor) error) error {
	sup, err := supervisor.Start(s.cfg, s.log)
	if err != nil {
		return err
	}
	defer sup.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx, sup)
}

func newServeCmd(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run a node until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return state.withNode(func(ctx context.Context, _ *supervisor.Supervisor) error {
				<-ctx.Done()
				return nil
			})
		},
	}
}

func newPublishCmd(state *cliState) *cobra.Command {
	var k, m int
	cmd := &cobra.Command{
		Use:   "publish <path>",
		Short: "store a file and announce it to the network",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return state.withNode(func(ctx context.Context, sup *supervisor.Supervisor) error {
				d, err := sup.Publish(ctx, args[0], k, m)
				if err != nil {
					return err
				}
				fmt.Println(d)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&k, "data-shards", "k", 4, "data shards per stripe")
	cmd.Flags().IntVarP(&m, "parity-shards", "m", 1, "parity shards per stripe")
	return cmd
}

func newFetchCmd(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch <file-digest> <out-path>",
		Short: "locate a file in the network and download it",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			d, err := digest.Parse(args[0])
			if err != nil {
				return fmt.Errorf("%w: invalid file digest %q: %v", distfserr.ErrConfig, args[0], err)
			}
			return state.withNode(func(ctx context.Context, sup *supervisor.Supervisor) error {
				return sup.FetchFile(ctx, d, args[1])
			})
		},
	}
}

func newLsCmd(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "list locally stored files",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return state.withNode(func(_ context.Context, sup *supervisor.Supervisor) error {
				records, err := sup.ListLocal()
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "DIGEST\tSIZE\tK\tM\tCHUNKS\tCREATED")
				for _, r := range records {
					fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\n",
						r.FileDigest, r.Size, r.K, r.M,
						len(r.DataChunks)+len(r.ParityChunks),
						r.CreatedAt.Format("2006-01-02 15:04:05"))
				}
				return w.Flush()
			})
		},
	}
}

func newRmCmd(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <file-digest>",
		Short: "delete a local file record and its unreferenced chunks",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			d, err := digest.Parse(args[0])
			if err != nil {
				return fmt.Errorf("%w: invalid file digest %q: %v", distfserr.ErrConfig, args[0], err)
			}
			return state.withNode(func(_ context.Context, sup *supervisor.Supervisor) error {
				return sup.Delete(d)
			})
		},
	}
}
