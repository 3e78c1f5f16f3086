// Command klinevault maintains a self-healing local mirror of Bybit kline
// history: serve runs the daemon, fetch backfills one series, repair runs a
// one-shot gap pass, status prints what the mirror holds.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/klinevault/klinevault/internal/cache"
	"github.com/klinevault/klinevault/internal/config"
	"github.com/klinevault/klinevault/internal/domain"
	"github.com/klinevault/klinevault/internal/exchange/bybit"
	"github.com/klinevault/klinevault/internal/fetcher"
	diaghttp "github.com/klinevault/klinevault/internal/interfaces/http"
	"github.com/klinevault/klinevault/internal/logx"
	"github.com/klinevault/klinevault/internal/metrics"
	"github.com/klinevault/klinevault/internal/quality"
	"github.com/klinevault/klinevault/internal/repair"
	"github.com/klinevault/klinevault/internal/service"
	"github.com/klinevault/klinevault/internal/store"
)

var (
	flagConfig  string
	flagVerbose bool
)

func main() {
	root := &cobra.Command{
		Use:           "klinevault",
		Short:         "Self-healing local mirror of Bybit kline history",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			logx.Setup(flagVerbose)
		},
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "config/klinevault.yaml", "config file path")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	root.AddCommand(serveCmd(), fetchCmd(), repairCmd(), statusCmd())

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

// app bundles the wired components every command shares.
type app struct {
	cfg     config.Config
	metrics *metrics.Registry
	store   *store.Store
	adapter *bybit.Adapter
	engine  *repair.Engine
}

func buildApp() (*app, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if cfg.Database.Driver == "sqlite3" {
		if err := os.MkdirAll(cfg.Database.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
	}

	m := metrics.New()
	st, err := store.Open(cfg, m)
	if err != nil {
		return nil, err
	}
	adapter := bybit.NewAdapter(cfg.Adapter, m)
	engine := repair.NewEngine(adapter, st, st, cfg.Repair, cfg.Service.MarketType, m)
	return &app{cfg: cfg, metrics: m, store: st, adapter: adapter, engine: engine}, nil
}

func (a *app) close(ctx context.Context) {
	if err := a.store.Stop(ctx); err != nil {
		log.Error().Err(err).Msg("Store shutdown failed")
	}
}

// repairShim narrows the repair engine to the service's summary surface.
type repairShim struct{ engine *repair.Engine }

func (r repairShim) RunOnce(ctx context.Context, keys []domain.Key) service.RepairSummary {
	rep := r.engine.RunOnce(ctx, keys)
	return service.RepairSummary{GapsFound: rep.GapsFound, Repaired: rep.Repaired}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [SYMBOL[:INTERVAL]...]",
		Short: "Run the mirror daemon: updater, quality monitor, stream, diagnostics HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			tracker := domain.NewProgressTracker()
			hist := fetcher.New(a.adapter, a.store, tracker, fetcher.Options{
				PageDelay:  time.Duration(a.cfg.Adapter.RateLimitMs) * time.Millisecond,
				MinStartMs: a.cfg.GlobalMinMs(),
			})
			var svc *service.Service
			monitor := quality.NewMonitor(a.store, a.cfg.Quality, a.cfg.Repair, a.cfg.Service.MarketType, a.metrics, quality.Hooks{
				Repair: func(ctx context.Context, key domain.Key) {
					a.engine.RunOnce(ctx, []domain.Key{key})
				},
				Freshen: func(ctx context.Context, key domain.Key) {
					if svc == nil {
						return
					}
					if _, err := svc.GetCandles(ctx, key.Symbol, string(key.Interval), 0, true); err != nil {
						log.Warn().Err(err).Str("series", key.String()).Msg("Forced refresh failed")
					}
				},
				Refetch: func(ctx context.Context, key domain.Key, openMs int64) {
					span := key.Interval.Milliseconds()
					if span <= 0 {
						return
					}
					pad := int64(a.cfg.Repair.ContextIntervals) * span
					limit := 2*a.cfg.Repair.ContextIntervals + 1
					rows, err := a.adapter.GetKlinesBefore(ctx, key.Symbol, key.Interval, openMs+pad+span, limit, a.cfg.Service.MarketType)
					if err != nil || len(rows) == 0 {
						return
					}
					if _, err := a.store.Queue(rows); err != nil {
						log.Warn().Err(err).Str("series", key.String()).Msg("Failed to queue refetched candles")
					}
				},
			})
			warm := cache.New(a.cfg.Redis, a.metrics)
			svc = service.New(a.cfg, a.adapter, a.store, hist, repairShim{a.engine}, monitor, warm, tracker, a.metrics)

			for _, arg := range args {
				symbol, interval := splitSymbolArg(arg)
				if _, err := svc.InitializeSymbol(ctx, symbol, interval, true, true); err != nil {
					log.Error().Err(err).Str("symbol", symbol).Msg("Symbol initialization failed")
				}
			}

			svc.StartUpdateService(ctx)
			defer svc.StopUpdateService()

			if a.cfg.Stream.Enabled {
				stream := bybit.NewStreamClient(a.cfg.Stream.URL, a.cfg.Service.MarketType, func(candles []domain.Candle) {
					if _, err := a.store.Queue(candles); err != nil {
						log.Warn().Err(err).Msg("Failed to queue streamed candles")
					}
				})
				for _, arg := range args {
					symbol, interval := splitSymbolArg(arg)
					if iv, err := domain.ParseInterval(interval); err == nil {
						stream.Subscribe(symbol, iv)
					}
				}
				go stream.Run(ctx)
			}

			var srv *diaghttp.Server
			if a.cfg.HTTP.Enabled {
				srv = diaghttp.NewServer(a.cfg.HTTP.Addr, svc, monitor, a.metrics)
				go func() {
					if err := srv.Start(); err != nil {
						log.Error().Err(err).Msg("Diagnostics server failed")
					}
				}()
			}

			<-ctx.Done()
			log.Info().Msg("Shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if srv != nil {
				if err := srv.Shutdown(shutdownCtx); err != nil {
					log.Error().Err(err).Msg("Diagnostics server shutdown failed")
				}
			}
			a.close(shutdownCtx)
			return nil
		},
	}
	return cmd
}

func fetchCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "fetch SYMBOL INTERVAL",
		Short: "Backfill one series from the venue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			iv, err := domain.ParseInterval(args[1])
			if err != nil {
				return err
			}
			symbol, err := a.adapter.ValidateSymbol(ctx, args[0], a.cfg.Service.MarketType)
			if err != nil {
				return err
			}
			target := count
			if target <= 0 {
				target = a.cfg.TargetCandles(iv)
			}

			tracker := domain.NewProgressTracker()
			hist := fetcher.New(a.adapter, a.store, tracker, fetcher.Options{
				PageDelay:  time.Duration(a.cfg.Adapter.RateLimitMs) * time.Millisecond,
				MinStartMs: a.cfg.GlobalMinMs(),
			})

			bar := logx.NewProgress(fmt.Sprintf("%s %s", symbol, iv), target)
			done := make(chan struct{})
			go func() {
				ticker := time.NewTicker(200 * time.Millisecond)
				defer ticker.Stop()
				for {
					select {
					case <-ticker.C:
						if p, ok := tracker.Get(symbol, iv); ok {
							bar.Update(p.LoadedCount)
						}
					case <-done:
						return
					}
				}
			}()

			loaded, err := hist.FetchHistory(ctx, symbol, iv, a.cfg.Service.MarketType, target)
			close(done)
			if err != nil {
				bar.Fail(err)
			} else {
				bar.Update(loaded)
				bar.Finish()
			}

			a.close(context.Background())
			return err
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "candles to load (default: per-interval target)")
	return cmd
}

func repairCmd() *cobra.Command {
	var includeWeekends bool
	cmd := &cobra.Command{
		Use:   "repair SYMBOL INTERVAL",
		Short: "Run one gap-repair pass over a persisted series",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			iv, err := domain.ParseInterval(args[1])
			if err != nil {
				return err
			}
			engine := a.engine
			if includeWeekends {
				repairCfg := a.cfg.Repair
				repairCfg.RepairWeekends = true
				engine = repair.NewEngine(a.adapter, a.store, a.store, repairCfg, a.cfg.Service.MarketType, a.metrics)
			}
			key := domain.Key{Symbol: strings.ToUpper(args[0]), Interval: iv}
			rep := engine.RunOnce(ctx, []domain.Key{key})

			fmt.Printf("series:     %s\n", key)
			fmt.Printf("gaps found: %d (skipped %d weekend)\n", rep.GapsFound, rep.Skipped)
			fmt.Printf("attempted:  %d\n", rep.Attempted)
			fmt.Printf("repaired:   %d\n", rep.Repaired)
			fmt.Printf("price gaps: %d\n", len(rep.PriceGaps))

			a.close(context.Background())
			return nil
		},
	}
	cmd.Flags().BoolVar(&includeWeekends, "include-weekends", false, "also refetch weekend windows")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print per-series coverage of the local mirror",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			summaries, err := a.store.Summary(ctx)
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				fmt.Println("mirror is empty")
				return nil
			}

			fmt.Printf("%-14s %-8s %10s %12s %24s %24s\n", "SYMBOL", "INTERVAL", "ROWS", "COMPLETE", "OLDEST", "NEWEST")
			for _, cov := range summaries {
				fmt.Printf("%-14s %-8s %10d %11.1f%% %24s %24s\n",
					cov.Symbol, cov.Interval, cov.RowCount, cov.CompletenessPct(),
					time.UnixMilli(cov.OldestMs).UTC().Format(time.RFC3339),
					time.UnixMilli(cov.NewestMs).UTC().Format(time.RFC3339))
			}
			return nil
		},
	}
}

// splitSymbolArg parses "SYMBOL[:INTERVAL]", defaulting to the 1-minute
// series.
func splitSymbolArg(arg string) (string, string) {
	if i := strings.IndexByte(arg, ':'); i >= 0 {
		return arg[:i], arg[i+1:]
	}
	return arg, "1"
}
