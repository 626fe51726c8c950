package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/plantid/internal/cache"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Result cache maintenance",
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete expired entries from the SQLite result cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("cache"); err != nil {
			return err
		}
		if cfg.Cache.Driver != "sqlite" {
			return eris.Errorf("cache purge requires the sqlite driver (configured: %s)", cfg.Cache.Driver)
		}

		ctx := cmd.Context()
		s, err := cache.OpenSQLite(ctx, cfg.Cache.SQLitePath)
		if err != nil {
			return eris.Wrap(err, "open sqlite cache")
		}
		defer s.Close() //nolint:errcheck

		n, err := s.DeleteExpired(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired entries from %s\n", n, cfg.Cache.SQLitePath)
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cachePurgeCmd)
	rootCmd.AddCommand(cacheCmd)
}
