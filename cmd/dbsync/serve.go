package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/centraldb/dbsync/internal/server"
	"github.com/centraldb/dbsync/internal/track"
)

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the synchronization server",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, db, err := openEngine()
			if err != nil {
				return err
			}
			defer db.Close()
			reg, err := loadRegistry()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := eng.CreateSchema(ctx); err != nil {
				return err
			}
			if err := track.GenerateContentTypes(ctx, eng, reg); err != nil {
				return err
			}
			srv := server.NewHTTPServer(server.New(eng, reg), addr)

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			g, ctx := errgroup.WithContext(ctx)
			g.Go(srv.ListenAndServe)
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			fmt.Fprintf(cmd.OutOrStdout(), "serving on %s\n", addr)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	return cmd
}
