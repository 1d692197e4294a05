package main

import (
	"encoding/json"
	"fmt"

	"github.com/agentworkforce/doclist/internal/cursorstore"
	"github.com/spf13/cobra"
)

func newSnapshotCmd(flags *rootFlags) *cobra.Command {
	var pages int
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Load the view once and print its rows as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load(cmd)
			if err != nil {
				return err
			}
			// A one-shot read never touches persisted cursors.
			d, err := buildDeps(cfg, cursorstore.NewMemory(), nil)
			if err != nil {
				return err
			}
			engine, err := d.engine(cfg.Feed)
			if err != nil {
				return err
			}
			defer engine.Close()

			ctx := cmd.Context()
			if err := engine.Start(ctx); err != nil {
				return err
			}
			for loaded := 1; (pages <= 0 || loaded < pages) && engine.HasMore(); loaded++ {
				if err := engine.FetchNextPage(ctx); err != nil {
					return err
				}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, row := range engine.Rows() {
				if err := enc.Encode(row); err != nil {
					return err
				}
			}
			state := engine.State()
			d.logger.Info("snapshot complete",
				"rows", len(state.OrderedIDs),
				"total", state.Total,
				"pages", fmt.Sprintf("%d/%d", state.LastPage, state.PageCount),
				"changesCursor", state.ChangesCursor)
			return nil
		},
	}
	cmd.Flags().IntVar(&pages, "pages", 1, "pages to load; 0 loads every page")
	return cmd
}
