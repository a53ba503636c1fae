package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/reliefops/relief-orchestrator/internal/alerts"
	"github.com/reliefops/relief-orchestrator/internal/config"
	"github.com/reliefops/relief-orchestrator/internal/domain"
	"github.com/reliefops/relief-orchestrator/internal/interpreter"
	"github.com/reliefops/relief-orchestrator/internal/notify"
	"github.com/reliefops/relief-orchestrator/internal/orchestrator"
	"github.com/reliefops/relief-orchestrator/internal/replenish"
	"github.com/reliefops/relief-orchestrator/internal/requeststore"
	"github.com/reliefops/relief-orchestrator/internal/resourcepool"
	"github.com/reliefops/relief-orchestrator/internal/stage"
	"github.com/reliefops/relief-orchestrator/internal/stakeholder"
	"github.com/reliefops/relief-orchestrator/internal/statuscache"
	"github.com/reliefops/relief-orchestrator/web/api"
)

var (
	enqueueTitle    string
	enqueueLocation string
	enqueueContact  string
	listStage       string
	listStatus      string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator and HTTP API",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)

	enqueueCmd := &cobra.Command{
		Use:   "enqueue TEXT",
		Short: "Enqueue a help request",
		Args:  cobra.ExactArgs(1),
		RunE:  runEnqueue,
	}
	enqueueCmd.Flags().StringVar(&enqueueTitle, "title", "", "request title")
	enqueueCmd.Flags().StringVar(&enqueueLocation, "location", "", "request location")
	enqueueCmd.Flags().StringVar(&enqueueContact, "contact", "", "requester contact")
	rootCmd.AddCommand(enqueueCmd)

	statusCmd := &cobra.Command{
		Use:   "status [ID]",
		Short: "Show pipeline counters, or one request's state",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStatus,
	}
	statusCmd.Flags().StringVar(&listStage, "stage", "", "filter by stage")
	statusCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	rootCmd.AddCommand(statusCmd)

	cancelCmd := &cobra.Command{
		Use:   "cancel ID",
		Short: "Request cancellation of a request",
		Args:  cobra.ExactArgs(1),
		RunE:  runCancel,
	}
	rootCmd.AddCommand(cancelCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func openStore(cfg *config.Config) (*requeststore.Store, *resourcepool.Pool, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.General.DatabasePath), 0755); err != nil {
		return nil, nil, err
	}
	store, err := requeststore.Open(cfg.General.DatabasePath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}
	pool, err := resourcepool.New(store.DB())
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("opening pool: %w", err)
	}
	return store, pool, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, pool, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var resolver *stakeholder.Resolver
	if cfg.General.RosterFile != "" {
		resolver, err = stakeholder.Load(cfg.General.RosterFile)
		if err != nil {
			return err
		}
	} else {
		log.Printf("no roster file configured; notifications go to the admin contact")
		resolver = stakeholder.NewStatic(stakeholder.Roster{Fallback: cfg.Notifications.AdminContact})
	}

	var transport notify.Transport = notify.Noop{}
	if cfg.Notifications.WebhookURL != "" {
		transport = notify.NewWebhook(cfg.Notifications.WebhookURL)
	}

	var primary interpreter.Interpreter
	if cfg.Interpreter.URL != "" {
		primary = interpreter.NewClient(cfg.Interpreter.URL, cfg.Interpreter.Timeout)
	}

	executors := []stage.Executor{
		stage.NewInterpret(primary, cfg.Stages.MaxRetries),
		stage.NewPrioritize(pool),
		stage.NewAssign(pool),
		stage.NewNotify(resolver, transport, store),
	}

	orch := orchestrator.New(cfg, store, pool, executors)

	var cache *statuscache.Cache
	if cfg.Redis.Addr != "" {
		cache = statuscache.New(cfg.Redis.Addr, cfg.Redis.StatusTTL)
		defer cache.Close()
		orch.SetStatusCache(cache)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	server := api.NewServer(store, pool, orch, cache, addr)
	orch.SetEventSink(server)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.General.StockFile != "" {
		watcher, err := replenish.NewWatcher(pool, cfg.General.StockFile, func(int) { orch.Wake() })
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orch.Run(ctx) })
	g.Go(func() error {
		log.Printf("api listening on %s", addr)
		return server.Start(ctx)
	})
	if cfg.Notifications.AdminContact != "" {
		sweeper, err := alerts.NewSweeper(pool, transport, cfg.Notifications.AdminContact, cfg.Alerts.Cron)
		if err != nil {
			return err
		}
		g.Go(func() error {
			sweeper.Run(ctx)
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, _, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	req := &domain.Request{
		Title:    enqueueTitle,
		Text:     args[0],
		Location: enqueueLocation,
		Contact:  enqueueContact,
	}
	if err := store.Enqueue(req); err != nil {
		return err
	}
	fmt.Println(req.ID)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, _, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if len(args) == 1 {
		req, err := store.Get(args[0])
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "ID\t%s\n", req.ID)
		fmt.Fprintf(w, "Stage\t%s\n", req.Stage)
		fmt.Fprintf(w, "Status\t%s\n", req.Status)
		fmt.Fprintf(w, "Retries\t%d\n", req.RetryCount)
		if req.LastError != "" {
			fmt.Fprintf(w, "Last error\t%s\n", req.LastError)
		}
		if p := req.Payload.Prioritization; p != nil {
			fmt.Fprintf(w, "Priority\t%s (%.2f)\n", p.Tier, p.Score)
		}
		if a := req.Payload.Assignment; a != nil {
			for _, res := range a.Resources {
				fmt.Fprintf(w, "Assigned\t%dx %s @ %s\n", res.Quantity, res.ResourceType, res.Location)
			}
		}
		return w.Flush()
	}

	if listStage != "" || listStatus != "" {
		requests, err := store.List(requeststore.ListOptions{
			Stage:  domain.Stage(listStage),
			Status: domain.Status(listStatus),
		})
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTAGE\tSTATUS\tRETRIES\tLOCATION")
		for _, req := range requests {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", req.ID, req.Stage, req.Status, req.RetryCount, req.Location)
		}
		return w.Flush()
	}

	counters, err := store.Counters()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tCOUNT")
	for stageName, n := range counters.ByStage {
		fmt.Fprintf(w, "%s\t%d\n", stageName, n)
	}
	fmt.Fprintln(w, "\nSTATUS\tCOUNT")
	for statusName, n := range counters.ByStatus {
		fmt.Fprintf(w, "%s\t%d\n", statusName, n)
	}
	return w.Flush()
}

func runCancel(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, _, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.RequestCancel(args[0]); err != nil {
		return err
	}
	fmt.Println("cancel requested")
	return nil
}
