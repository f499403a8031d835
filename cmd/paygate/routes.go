package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/paygate/pkg/config"
)

func newRoutesCmd() *cobra.Command {
	var routesFile string

	cmd := &cobra.Command{
		Use:   "routes",
		Short: "Print the loaded route table",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if routesFile == "" {
				routesFile = cfg.Policy.RoutesFile
			}
			table, err := config.LoadRoutesFile(routesFile, cfg.Chain.AssetDecimals)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ROUTE\tSCOPE\tSERVICE\tPRICE_ATOMIC\tRATE/MIN\tPAID")
			for _, r := range table.List() {
				price := r.PriceAtomic
				if price == "" {
					price = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%t\n", r.RouteID, r.Scope, r.Service, price, r.RateLimitPerMin, r.RequirePayment)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVarP(&routesFile, "routes", "r", "", "Path to the route file (default from config)")
	return cmd
}
