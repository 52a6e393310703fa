package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newLocationsCmd() *cobra.Command {
	var filter string
	cmd := &cobra.Command{
		Use:   "locations",
		Short: "List enrollment centers from the scheduler API",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			ls, err := rt.upstream().Locations(cmd.Context())
			if err != nil {
				return fmt.Errorf("list locations: %w", err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tTIMEZONE")
			for _, l := range ls {
				if filter != "" && !strings.Contains(strings.ToLower(l.Name), strings.ToLower(filter)) {
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", l.ID, l.Name, l.TimezoneID)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&filter, "filter", "", "case-insensitive name filter")
	return cmd
}
