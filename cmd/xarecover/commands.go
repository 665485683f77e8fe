package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/baxromumarov/xa-participant/pkg/protocol"
	"github.com/baxromumarov/xa-participant/pkg/recovery"
	"github.com/baxromumarov/xa-participant/pkg/transport"
)

func newScanCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "List prepared branches and any recorded decision",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			set, err := a.openRecoverySet(ctx, nil)
			if err != nil {
				return err
			}
			defer set.Close(ctx)

			records, scanErr := set.resolver.Scan(ctx)
			resp := protocol.ScanResponse{
				Resource:  set.resources(),
				InDoubt:   records,
				Generated: time.Now().UTC(),
			}
			if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
				return err
			}
			return scanErr
		},
	}
}

func newResolveCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve",
		Short: "Commit or roll back in-doubt branches from the decision log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			set, err := a.openRecoverySet(ctx, nil)
			if err != nil {
				return err
			}
			defer set.Close(ctx)

			resp, resolveErr := set.resolver.Resolve(ctx)
			if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
				return err
			}
			return resolveErr
		},
	}
}

func newDecideCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "decide <xid> <commit|rollback>",
		Short: "Record the transaction manager outcome for a branch",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			xid, err := protocol.ParseXid(args[0])
			if err != nil {
				return err
			}
			outcome, err := recovery.ParseOutcome(args[1])
			if err != nil {
				return err
			}
			log, err := a.decisionLog()
			if err != nil {
				return err
			}
			if log == nil {
				return errors.New("decision log requires --decision-log and --decision-key")
			}
			if err := log.Record(xid, outcome); err != nil {
				return err
			}
			a.logger.Info("decision recorded", zap.Stringer("xid", xid), zap.String("outcome", string(outcome)))
			return printJSON(cmd.OutOrStdout(), protocol.DecisionRequest{Xid: xid.String(), Outcome: string(outcome)})
		},
	}
}

func newWatchCommand(a *app) *cobra.Command {
	var (
		interval time.Duration
		listen   string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Resolve in-doubt branches periodically until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval <= 0 {
				return fmt.Errorf("interval must be positive, got %s", interval)
			}
			ctx := cmd.Context()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			set, err := a.openRecoverySet(ctx, reg)
			if err != nil {
				return err
			}
			// ctx is cancelled by the time the connections close
			defer set.Close(context.WithoutCancel(ctx))

			var srv *transport.HTTPServer
			if listen != "" {
				srv = transport.NewHTTPServer(listen, set.resolver,
					transport.WithDecisions(set.decisions),
					transport.WithResourceName(set.resources()),
					transport.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
					transport.WithServerLogger(a.logger.Named("admin")),
				)
				go func() {
					if err := srv.Start(); err != nil && !transport.IsClosed(err) {
						a.logger.Error("admin server failed", zap.Error(err))
					}
				}()
			}

			w := recovery.NewWatcher(set.resolver, interval, func(resp *protocol.ResolveResponse, err error) {
				if resp != nil && len(resp.Pending) > 0 {
					a.logger.Warn("branches awaiting a decision", zap.Strings("xids", resp.Pending))
				}
			})
			w.Start()
			<-ctx.Done()
			w.Stop()

			if srv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				_ = srv.Stop(shutdownCtx)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "time between recovery passes")
	cmd.Flags().StringVar(&listen, "listen", "", "serve the admin API and /metrics on this address")
	return cmd
}

func newStatusCommand(a *app) *cobra.Command {
	var (
		addr    string
		timeout time.Duration
		retries int
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show in-doubt branches reported by a running watcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				return errors.New("--addr is required")
			}
			client := transport.NewHTTPClient(timeout).WithRetry(retries, 500*time.Millisecond)
			scan, err := client.InDoubt(cmd.Context(), addr)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), scan)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "admin address of a watcher (host:port)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	cmd.Flags().IntVar(&retries, "retries", 2, "retries on transport errors")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
