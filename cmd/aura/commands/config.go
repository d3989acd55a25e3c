package commands

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/f3rmion/aura/config"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect device configuration",
	}
	cmd.AddCommand(configCheckCmd())
	return cmd
}

func configCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <file>",
		Short: "Validate a configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				var merr *multierror.Error
				if errors.As(err, &merr) {
					for _, e := range merr.Errors {
						fmt.Fprintf(cmd.OutOrStdout(), "invalid: %v\n", e)
					}
					return fmt.Errorf("%s: %d problems", args[0], len(merr.Errors))
				}
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: ok\n", args[0])
			fmt.Fprintf(out, "mode:    %s\n", cfg.Device.Mode)
			fmt.Fprintf(out, "ledger:  %s\n", cfg.Ledger.Backend)
			if cfg.Device.Mode == config.ModeProduction {
				fmt.Fprintf(out, "device:  %s\n", cfg.Device.DeviceID)
			}
			return nil
		},
	}
}
