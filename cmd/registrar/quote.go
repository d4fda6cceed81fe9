package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"registrar/internal/registration/fees"
	"registrar/internal/registration/models"
)

func newQuoteCmd(opts *rootOptions) *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "quote <kind> <tier> <count>",
		Short: "Price a number of entities with the configured fee schedule",
		Example: `  registrar quote season 2x/week 2
  registrar quote tournament --list`,
		Args: func(cmd *cobra.Command, args []string) error {
			if list {
				return cobra.ExactArgs(1)(cmd, args)
			}
			return cobra.ExactArgs(3)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			schedule, err := fees.New(cfg.Fees)
			if err != nil {
				return err
			}
			kind, err := models.ParseEventKind(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if list {
				for _, tier := range schedule.Tiers(kind) {
					price, _ := schedule.PerEntity(models.EventKey{Kind: kind}, tier)
					fmt.Fprintf(out, "%s\t%s\n", tier, formatMinor(price, cfg.Currency))
				}
				return nil
			}

			count, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("count must be a number: %w", err)
			}
			amount, err := schedule.Quote(models.EventKey{Kind: kind}, args[1], count)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, formatMinor(amount, cfg.Currency))
			return nil
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "list the tiers configured for kind")
	return cmd
}

func formatMinor(amount int64, currency string) string {
	return fmt.Sprintf("%d.%02d %s", amount/100, amount%100, currency)
}
