// Command ledgerctl administers a control-plane ledger on local storage:
// initialization, verification, recovery, inspection, proofs, root
// publication and epoch management. The remote subcommand audits a running
// ledgerd through its status API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/jmerrifield20/nexusledger/internal/config"
	"github.com/jmerrifield20/nexusledger/internal/ledger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries the state shared by every subcommand.
type app struct {
	v       *viper.Viper
	cfgFile string
	verbose bool
	traceID string
	logger  *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.New()}

	root := &cobra.Command{
		Use:          "ledgerctl",
		Short:        "Administer a control-plane ledger",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&a.cfgFile, "config", "", "config file (default ./ledger.yaml)")
	f.BoolVarP(&a.verbose, "verbose", "v", false, "log to stderr")
	f.StringVar(&a.traceID, "trace-id", "", "trace id recorded with written markers (default random)")
	f.String("dir", "", "storage directory (storage.dir)")
	f.String("backend", "", "storage backend: file or postgres (storage.backend)")
	f.String("database-url", "", "postgres URL (database.url)")
	f.String("key-file", "", "hex MAC secret file (auth.key_file)")
	f.String("key-hex", "", "hex MAC secret (auth.key_hex)")
	for key, name := range map[string]string{
		"storage.dir":     "dir",
		"storage.backend": "backend",
		"database.url":    "database-url",
		"auth.key_file":   "key-file",
		"auth.key_hex":    "key-hex",
	} {
		_ = a.v.BindPFlag(key, f.Lookup(name))
	}

	root.AddCommand(
		a.initCmd(),
		a.verifyCmd(),
		a.recoverCmd(),
		a.inspectCmd(),
		a.divergeCmd(),
		a.proofCmd(),
		a.publishCmd(),
		a.bootstrapCmd(),
		a.epochCmd(),
		a.remoteCmd(),
		versionCmd(),
	)
	return root
}

func (a *app) setup() error {
	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
	}
	if _, err := config.ReadIn(a.v); err != nil {
		return err
	}
	if a.verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		a.logger = l
	} else {
		a.logger = zap.NewNop()
	}
	if a.traceID == "" {
		a.traceID = uuid.NewString()
	}
	return nil
}

func (a *app) config() (config.Config, error) {
	return config.FromViper(a.v)
}

// open loads the configured ledger. The caller must Close it.
func (a *app) open(ctx context.Context) (*ledger.Service, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	return ledger.OpenConfigured(ctx, cfg, a.logger)
}

// withLedger opens the ledger, runs fn and closes it.
func (a *app) withLedger(cmd *cobra.Command, fn func(ctx context.Context, svc *ledger.Service) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	svc, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(ctx, svc)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the ledgerctl version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ledgerctl %s\n", version)
		},
	}
}
