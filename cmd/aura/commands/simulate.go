package commands

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/f3rmion/aura/choreo"
	"github.com/f3rmion/aura/choreo/choreotest"
	"github.com/f3rmion/aura/ids"
	"github.com/f3rmion/aura/ledger"
)

func simulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run protocols among simulated devices",
	}
	cmd.AddCommand(simulateDKDCmd())
	return cmd
}

type dkdOptions struct {
	participants int
	threshold    int
	seed         string
	ledgerDir    string
	timeout      time.Duration
}

func simulateDKDCmd() *cobra.Command {
	var opts dkdOptions
	cmd := &cobra.Command{
		Use:   "dkd",
		Short: "Derive a context key with every simulated device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			return runDKD(ctx, cmd, opts)
		},
	}
	cmd.Flags().IntVarP(&opts.participants, "participants", "n", 3, "number of devices")
	cmd.Flags().IntVarP(&opts.threshold, "threshold", "t", 0, "signing threshold (default: a majority)")
	cmd.Flags().StringVar(&opts.seed, "seed", "", "32-byte hex seed (default: the fixed simulation seed)")
	cmd.Flags().StringVar(&opts.ledgerDir, "ledger-dir", "", "keep the journal in a badger directory")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", time.Minute, "abort after this long")
	return cmd
}

func (o *dkdOptions) validate() ([]byte, error) {
	if o.participants < 1 {
		return nil, fmt.Errorf("--participants must be positive, got %d", o.participants)
	}
	if o.threshold == 0 {
		o.threshold = o.participants/2 + 1
	}
	if o.threshold < 1 || o.threshold > o.participants {
		return nil, fmt.Errorf("--threshold must be in [1, %d], got %d", o.participants, o.threshold)
	}
	if o.seed == "" {
		return choreotest.SimulationSeed, nil
	}
	seed, err := hex.DecodeString(o.seed)
	if err != nil {
		return nil, fmt.Errorf("--seed is not hex: %w", err)
	}
	if len(seed) != ids.Size {
		return nil, fmt.Errorf("--seed has %d bytes, want %d", len(seed), ids.Size)
	}
	return seed, nil
}

func runDKD(ctx context.Context, cmd *cobra.Command, opts dkdOptions) error {
	seed, err := opts.validate()
	if err != nil {
		return err
	}
	names := make([]string, opts.participants)
	for i := range names {
		names[i] = fmt.Sprintf("device-%d", i+1)
	}

	cfg := choreotest.Config{
		Label:     "aura-simulate-" + hex.EncodeToString(seed[:4]),
		Threshold: opts.threshold,
		Devices:   names,
		Seed:      seed,
		Logger:    logger,
	}
	if opts.ledgerDir != "" {
		store, err := ledger.OpenBadger(opts.ledgerDir)
		if err != nil {
			return err
		}
		cfg.LedgerOptions = []ledger.Option{ledger.WithStore(store)}
	}
	c, err := choreotest.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	id := c.SessionID("dkd")
	if _, err := c.Context(names[0]).InitiateDKD(ctx, choreo.DKDConfig{
		SessionID:    id,
		ContextID:    c.ContextID("dkd"),
		Threshold:    opts.threshold,
		Participants: c.IDs(names...),
	}); err != nil {
		return fmt.Errorf("initiating dkd: %w", err)
	}

	results := make([]*choreo.DKDResult, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		g.Go(func() error {
			r, err := c.Context(name).RunDKD(gctx, id)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	first := results[0]
	for i, r := range results[1:] {
		if !bytes.Equal(first.DerivedKey, r.DerivedKey) || first.CommitmentRoot != r.CommitmentRoot {
			return fmt.Errorf("%s derived a different key", names[i+1])
		}
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "session:     %s\n", id)
	fmt.Fprintf(out, "devices:     %d (threshold %d)\n", len(names), opts.threshold)
	fmt.Fprintf(out, "derived key: %s\n", hex.EncodeToString(first.DerivedKey))
	fmt.Fprintf(out, "commitments: %s\n", first.CommitmentRoot)
	fmt.Fprintf(out, "seed:        %s\n", first.SeedFingerprint)
	fmt.Fprintf(out, "ledger seq:  %d\n", c.Ledger.Seq())
	return nil
}
