// smctool is the ops CLI: it inspects the SQLite bar archive and the live
// viewer snapshot without going through the services.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"smc-systemv1/config"
	"smc-systemv1/internal/model"
	redisstore "smc-systemv1/internal/store/redis"
	sqlitestore "smc-systemv1/internal/store/sqlite"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "smctool",
		Short:         "Inspect the SMC bar archive and viewer snapshot",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newOhlcvCmd(), newPairsCmd(), newSnapshotCmd())
	return root
}

func newOhlcvCmd() *cobra.Command {
	var (
		dbPath string
		symbol string
		tf     string
		toMS   int64
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "ohlcv",
		Short: "Dump archived bars as JSON lines, ascending by close time",
		RunE: func(cmd *cobra.Command, args []string) error {
			if symbol == "" {
				return fmt.Errorf("--symbol is required")
			}
			arch, err := sqlitestore.New(dbPath)
			if err != nil {
				return err
			}
			defer arch.Close()

			bars, err := arch.Range(cmd.Context(), symbol, tf, model.NormalizeMS(toMS), limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for i := range bars {
				if err := enc.Encode(&bars[i]); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", config.Load().SQLitePath, "path to the SQLite archive")
	cmd.Flags().StringVar(&symbol, "symbol", "", "symbol, e.g. XAUUSD")
	cmd.Flags().StringVar(&tf, "tf", "5m", "timeframe")
	cmd.Flags().Int64Var(&toMS, "to-ms", 0, "upper bound close time (ms or s); 0 = newest")
	cmd.Flags().IntVar(&limit, "limit", 600, "maximum bars")
	return cmd
}

func newPairsCmd() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "pairs",
		Short: "List the (symbol, tf) pairs present in the archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			arch, err := sqlitestore.New(dbPath)
			if err != nil {
				return err
			}
			defer arch.Close()

			pairs, err := arch.Pairs(cmd.Context())
			if err != nil {
				return err
			}
			for _, p := range pairs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", p[0], p[1])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", config.Load().SQLitePath, "path to the SQLite archive")
	return cmd
}

func newSnapshotCmd() *cobra.Command {
	var symbol string
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Print the current viewer snapshot from Redis",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			rdb, err := redisstore.New(redisstore.Config{
				Addr:      cfg.RedisAddr,
				Password:  cfg.RedisPassword,
				DB:        cfg.RedisDB,
				Namespace: cfg.Namespace,
			})
			if err != nil {
				return err
			}
			defer rdb.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			doc, err := rdb.LoadSnapshot(ctx, cfg.ViewerSnapshotKey())
			if err != nil {
				return err
			}
			if doc == nil {
				return fmt.Errorf("no snapshot at %s", cfg.ViewerSnapshotKey())
			}

			if symbol == "" {
				return prettyPrint(cmd, doc)
			}
			var snap model.ViewerSnapshot
			if err := json.Unmarshal(doc, &snap); err != nil {
				return err
			}
			vs, ok := snap.BySymbol[symbol]
			if !ok {
				return fmt.Errorf("symbol %s not in snapshot", symbol)
			}
			return prettyPrint(cmd, vs.JSON())
		},
	}
	cmd.Flags().StringVar(&symbol, "symbol", "", "print a single symbol's state")
	return cmd
}

func prettyPrint(cmd *cobra.Command, raw []byte) error {
	var buf interface{}
	if err := json.Unmarshal(raw, &buf); err != nil {
		return err
	}
	out, err := json.MarshalIndent(buf, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
