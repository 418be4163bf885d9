package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quantfoundry/marketmood/internal/config"
	"github.com/quantfoundry/marketmood/internal/store"
)

// runSymbol prints aggregate post sentiment for one ticker.
func runSymbol(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	res, err := st.SearchSymbolSentiment(ctx, args[0])
	if err != nil {
		return err
	}
	if res.PostCount == 0 {
		fmt.Printf("%s: no scored posts mention it\n", res.Symbol)
		return nil
	}

	fmt.Printf("%s  posts %d  post-avg %+.4f  symbol %+.4f", res.Symbol,
		res.PostCount, res.AvgScore, res.SymbolScore)
	if res.Latest != nil {
		fmt.Printf("  latest %s", res.Latest.UTC().Format("2006-01-02 15:04 MST"))
	}
	fmt.Println()
	return nil
}
