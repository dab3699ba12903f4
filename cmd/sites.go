package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/oddlid/rlunch/internal/clock/system"
	"github.com/oddlid/rlunch/internal/lunch"
	"github.com/oddlid/rlunch/internal/registry"
	"github.com/oddlid/rlunch/internal/scrapers"
)

func newSitesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sites [country/city/site]",
		Short: "List the sites this build can scrape",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := scrapers.Default(system.New())
			entries := reg.Entries()
			if len(args) == 1 {
				key, err := lunch.ParseSiteKey(args[0])
				if err != nil {
					return err
				}
				e, err := reg.Lookup(key)
				if err != nil {
					return err
				}
				entries = []registry.Entry{e}
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tCOUNTRY\tCITY\tSITE")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Info.Key, e.Info.CountryName, e.Info.CityName, e.Info.SiteName)
			}
			return w.Flush()
		},
	}
}
