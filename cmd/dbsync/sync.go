package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/centraldb/dbsync/internal/client"
	"github.com/centraldb/dbsync/internal/registry"
	"github.com/centraldb/dbsync/internal/server"
	"github.com/centraldb/dbsync/internal/track"
)

// withClient opens the local database, loads the schema, ensures the
// synchronization tables exist, and hands a ready client to fn.
func withClient(ctx context.Context, fn func(ctx context.Context, c *client.Client) error) error {
	eng, db, err := openEngine()
	if err != nil {
		return err
	}
	defer db.Close()
	reg, err := loadRegistry()
	if err != nil {
		return err
	}
	if err := eng.CreateSchema(ctx); err != nil {
		return err
	}
	if err := track.GenerateContentTypes(ctx, eng, reg); err != nil {
		return err
	}
	c, err := newClient(eng, reg)
	if err != nil {
		return err
	}
	return fn(ctx, c)
}

func registerCmd() *cobra.Command {
	var userID int64
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register this database with the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *client.Client) error {
				var user *int64
				if cmd.Flags().Changed("user-id") {
					user = &userID
				}
				node, err := c.Register(ctx, user)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "registered as node %d\n", node.NodeID)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&userID, "user-id", 0, "registry user id to attach")
	return cmd
}

func pushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push",
		Short: "Send pending local changes to the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *client.Client) error {
				if err := c.Push(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "push complete")
				return nil
			})
		},
	}
}

func pullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Fetch and merge remote changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *client.Client) error {
				if err := c.Pull(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "pull complete")
				return nil
			})
		},
	}
}

func repairCmd() *cobra.Command {
	var excludeExtensions bool
	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Replace the local state with a server snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *client.Client) error {
				if err := c.Repair(ctx, !excludeExtensions); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "repair complete")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&excludeExtensions, "exclude-extensions", false, "skip extension fields in the snapshot")
	return cmd
}

func queryCmd() *cobra.Command {
	var filters []string
	cmd := &cobra.Command{
		Use:   "query <model>",
		Short: "Query the server's records of one model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *client.Client) error {
				where := make(map[string]any, len(filters))
				for _, f := range filters {
					col, value, ok := cutFilter(f)
					if !ok {
						return fmt.Errorf("filter %q must have the form column=value", f)
					}
					where[col] = value
				}
				rows, err := c.Query(ctx, args[0], where)
				if err != nil {
					return err
				}
				for _, row := range rows {
					cols := make([]string, 0, len(row))
					for col := range row {
						cols = append(cols, col)
					}
					sort.Strings(cols)
					for i, col := range cols {
						if i > 0 {
							fmt.Fprint(cmd.OutOrStdout(), "  ")
						}
						fmt.Fprintf(cmd.OutOrStdout(), "%s=%v", col, row[col])
					}
					fmt.Fprintln(cmd.OutOrStdout())
				}
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&filters, "where", nil, "equality filter, column=value (repeatable)")
	return cmd
}

func cutFilter(f string) (string, string, bool) {
	for i := 0; i < len(f); i++ {
		if f[i] == '=' {
			return f[:i], f[i+1:], i > 0
		}
	}
	return "", "", false
}

func trimCmd() *cobra.Command {
	var onServer bool
	cmd := &cobra.Command{
		Use:   "trim",
		Short: "Discard synchronized history",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, db, err := openEngine()
			if err != nil {
				return err
			}
			defer db.Close()
			reg, err := loadRegistry()
			if err != nil {
				return err
			}
			if onServer {
				if err := server.New(eng, reg).Trim(ctx); err != nil {
					return err
				}
			} else {
				// Trim is local; no server round-trip happens.
				c := client.New(eng, reg, viper.GetString("server_url"))
				if err := c.Trim(ctx); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "trim complete")
			return nil
		},
	}
	cmd.Flags().BoolVar(&onServer, "server", false, "trim the authoritative database instead of a node")
	return cmd
}

func pingCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Check whether the server is reachable and healthy",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := viper.GetString("server_url")
			if url == "" {
				return fmt.Errorf("server_url is required")
			}
			c := client.New(nil, registry.New(), url)
			ctx := cmd.Context()
			if wait > 0 {
				if err := c.WaitReady(ctx, wait); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "server is ready")
				return nil
			}
			if !c.IsConnected(ctx) {
				return fmt.Errorf("server at %s isn't reachable", url)
			}
			if !c.ServerReady(ctx) {
				return fmt.Errorf("server at %s is reachable but not healthy", url)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "server is ready")
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 0, "poll with backoff until ready or the duration elapses")
	return cmd
}
