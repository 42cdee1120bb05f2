package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/jmerrifield20/nexusledger/internal/epoch"
	"github.com/jmerrifield20/nexusledger/internal/ledger"
	"github.com/jmerrifield20/nexusledger/internal/markerstream"
	"github.com/jmerrifield20/nexusledger/internal/mmr"
	"github.com/jmerrifield20/nexusledger/internal/rootpointer"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ── init ─────────────────────────────────────────────────────────────────────

func (a *app) initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write the genesis marker and publish the first root pointer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLedger(cmd, func(ctx context.Context, svc *ledger.Service) error {
				root, err := svc.Initialize(ctx, a.traceID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), root)
			})
		},
	}
}

// ── verify ───────────────────────────────────────────────────────────────────

type verifyReport struct {
	Length     uint64                      `json:"length"`
	Epoch      epoch.ControlEpoch          `json:"epoch"`
	Recovery   markerstream.RecoveryReport `json:"recovery"`
	Checkpoint *mmr.Root                   `json:"checkpoint,omitempty"`
	Root       *rootpointer.RootPointer    `json:"root,omitempty"`
}

func (a *app) verifyCmd() *cobra.Command {
	var skipRoot bool
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Walk the hash chain and authenticate the published root",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLedger(cmd, func(ctx context.Context, svc *ledger.Service) error {
				if err := svc.Verify(); err != nil {
					return fmt.Errorf("chain verification failed [%s]: %w", markerstream.CodeOf(err), err)
				}
				out := verifyReport{
					Length:   svc.Snapshot().Len(),
					Epoch:    svc.Epoch(),
					Recovery: svc.Recovery(),
				}
				if cr, ok := svc.CheckpointRoot(); ok {
					out.Checkpoint = &cr
				}
				if !skipRoot {
					vr, err := svc.Bootstrap()
					if err != nil {
						return bootstrapFailure(err)
					}
					out.Root = &vr.Root
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	cmd.Flags().BoolVar(&skipRoot, "skip-root", false, "only verify the hash chain")
	return cmd
}

// ── recover ──────────────────────────────────────────────────────────────────

func (a *app) recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Repair a torn tail and report what was discarded",
		Long: `recover opens the marker log, keeps the longest valid prefix and
durably drops anything after it. Opening the ledger for any other command
performs the same repair; recover only reports it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLedger(cmd, func(ctx context.Context, svc *ledger.Service) error {
				rep := svc.Recovery()
				if err := printJSON(cmd.OutOrStdout(), rep); err != nil {
					return err
				}
				if rep.Truncated() {
					a.logger.Warn("torn tail discarded", zap.Error(rep.Err()))
				}
				return nil
			})
		},
	}
}

// ── inspect ──────────────────────────────────────────────────────────────────

func (a *app) inspectCmd() *cobra.Command {
	var (
		from, limit uint64
		format      string
	)
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "List markers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLedger(cmd, func(ctx context.Context, svc *ledger.Service) error {
				snap := svc.Snapshot()
				to := snap.Len()
				if limit > 0 && from+limit < to {
					to = from + limit
				}
				markers := snap.Range(from, to)
				if format == "json" {
					return printJSON(cmd.OutOrStdout(), markers)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "SEQ\tTS\tTYPE\tHASH\tTRACE")
				for _, m := range markers {
					fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\n",
						m.Sequence, m.Timestamp, m.EventType.Label(), m.Hash.String()[:16], m.TraceID)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().Uint64Var(&from, "from", 0, "first sequence number")
	cmd.Flags().Uint64Var(&limit, "limit", 0, "maximum markers to list; 0 lists all")
	cmd.Flags().StringVar(&format, "format", "text", "output format: text or json")
	return cmd
}

// ── diverge ──────────────────────────────────────────────────────────────────

func (a *app) divergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diverge <local-dir> <remote-dir>",
		Short: "Find where two file-backed replicas stop agreeing",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			local, err := a.loadReplica(ctx, args[0])
			if err != nil {
				return err
			}
			remote, err := a.loadReplica(ctx, args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), markerstream.FindDivergencePoint(local, remote))
		},
	}
}

func (a *app) loadReplica(ctx context.Context, dir string) (*markerstream.Stream, error) {
	log, err := markerstream.OpenFileLog(dir, a.logger)
	if err != nil {
		return nil, err
	}
	defer log.Close()
	s, _, err := markerstream.Open(ctx, log, a.logger)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", dir, err)
	}
	return s, nil
}

// ── proof ────────────────────────────────────────────────────────────────────

func (a *app) proofCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proof",
		Short: "Produce and check MMR proofs",
	}

	inclusion := &cobra.Command{
		Use:   "inclusion <seq>",
		Short: "Prove that marker seq is committed to by the current checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seq, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid seq %q: %w", args[0], err)
			}
			return a.withLedger(cmd, func(ctx context.Context, svc *ledger.Service) error {
				proof, root, err := svc.ProveInclusion(seq)
				if err != nil {
					return err
				}
				m, _ := svc.Marker(seq)
				if err := mmr.VerifyInclusion(proof, root, m.Hash); err != nil {
					return fmt.Errorf("generated proof does not verify: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"root": root, "proof": proof})
			})
		},
	}

	var super uint64
	prefix := &cobra.Command{
		Use:   "prefix <size>",
		Short: "Prove that the first size markers are a prefix of the checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			size, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid size %q: %w", args[0], err)
			}
			return a.withLedger(cmd, func(ctx context.Context, svc *ledger.Service) error {
				proof, err := svc.ProvePrefix(size, super)
				if err != nil {
					return err
				}
				small := mmr.Root{TreeSize: proof.PrefixSize, Hash: proof.PrefixRoot}
				large := mmr.Root{TreeSize: proof.SuperTreeSize, Hash: proof.SuperRoot}
				if err := mmr.VerifyPrefix(proof, small, large); err != nil {
					return fmt.Errorf("generated proof does not verify: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), proof)
			})
		},
	}
	prefix.Flags().Uint64Var(&super, "super", 0, "super tree size; 0 uses the current checkpoint")

	cmd.AddCommand(inclusion, prefix)
	return cmd
}

// ── publish / bootstrap ──────────────────────────────────────────────────────

func (a *app) publishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish",
		Short: "Authenticate the current root, then publish one for the head",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLedger(cmd, func(ctx context.Context, svc *ledger.Service) error {
				if _, err := svc.Bootstrap(); err != nil {
					return bootstrapFailure(err)
				}
				root, err := svc.PublishRoot(a.traceID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), root)
			})
		},
	}
}

func (a *app) bootstrapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "Run the fail-closed root pointer checks and print the verified root",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLedger(cmd, func(ctx context.Context, svc *ledger.Service) error {
				vr, err := svc.Bootstrap()
				if err != nil {
					return bootstrapFailure(err)
				}
				return printJSON(cmd.OutOrStdout(), vr)
			})
		},
	}
}

// bootstrapFailure prefixes err with its stable code.
func bootstrapFailure(err error) error {
	if code := rootpointer.BootstrapCodeOf(err); code != "" {
		return fmt.Errorf("bootstrap failed [%s]: %w", code, err)
	}
	if errors.Is(err, ledger.ErrRootNotInStream) {
		return fmt.Errorf("bootstrap failed [ROOT_NOT_IN_STREAM]: %w", err)
	}
	return fmt.Errorf("bootstrap failed: %w", err)
}

// ── epoch ────────────────────────────────────────────────────────────────────

func (a *app) epochCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "epoch",
		Short: "Show and change the control epoch",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the current epoch, validity window and transition history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLedger(cmd, func(ctx context.Context, svc *ledger.Service) error {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"epoch":   svc.Epoch(),
					"window":  svc.Policy(),
					"history": svc.EpochHistory(),
				})
			})
		},
	}

	var manifest string
	advance := &cobra.Command{
		Use:   "advance",
		Short: "Move to the next epoch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLedger(cmd, func(ctx context.Context, svc *ledger.Service) error {
				if _, err := svc.Bootstrap(); err != nil {
					return bootstrapFailure(err)
				}
				t, err := svc.AdvanceEpoch(ctx, manifest, a.traceID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), t)
			})
		},
	}
	advance.Flags().StringVar(&manifest, "manifest", "", "hex SHA-256 of the policy manifest taking effect")
	_ = advance.MarkFlagRequired("manifest")

	set := &cobra.Command{
		Use:   "set <epoch>",
		Short: "Jump forward to epoch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := parseEpoch(args[0])
			if err != nil {
				return err
			}
			return a.withLedger(cmd, func(ctx context.Context, svc *ledger.Service) error {
				if _, err := svc.Bootstrap(); err != nil {
					return bootstrapFailure(err)
				}
				t, err := svc.SetEpoch(ctx, target, manifest, a.traceID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), t)
			})
		},
	}
	set.Flags().StringVar(&manifest, "manifest", "", "hex SHA-256 of the policy manifest taking effect")
	_ = set.MarkFlagRequired("manifest")

	check := &cobra.Command{
		Use:   "check <artifact-id> <epoch>",
		Short: "Check an artifact's epoch against the validity window",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := parseEpoch(args[1])
			if err != nil {
				return err
			}
			return a.withLedger(cmd, func(ctx context.Context, svc *ledger.Service) error {
				if err := svc.CheckArtifact(args[0], e, a.traceID); err != nil {
					var rej *epoch.Rejection
					if errors.As(err, &rej) {
						_ = printJSON(cmd.OutOrStdout(), rej.ToRejectedEvent())
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "accepted: %s at epoch %d\n", args[0], e)
				return nil
			})
		},
	}

	cmd.AddCommand(show, advance, set, check)
	return cmd
}

func parseEpoch(s string) (epoch.ControlEpoch, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid epoch %q: %w", s, err)
	}
	return epoch.ControlEpoch(v), nil
}
