package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/loopforge/runway/internal/config"
	"github.com/loopforge/runway/internal/credentials"
	"github.com/loopforge/runway/internal/dispatch"
	"github.com/loopforge/runway/internal/domain"
	"github.com/loopforge/runway/internal/logstream"
	"github.com/loopforge/runway/internal/notify"
	"github.com/loopforge/runway/internal/provider"
	"github.com/loopforge/runway/internal/scheduler"
	"github.com/loopforge/runway/internal/session"
	"github.com/loopforge/runway/internal/store"
	"github.com/loopforge/runway/internal/toolbridge"
	"github.com/loopforge/runway/tui"
	"github.com/loopforge/runway/web/api"
)

var (
	servePort  int
	watchOwner string
	watchURL   string
	listStatus string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, dispatcher and API server",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "override the configured port")
	rootCmd.AddCommand(serveCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show routine and execution counts",
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List routines",
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	rootCmd.AddCommand(listCmd)

	triggerCmd := &cobra.Command{
		Use:   "trigger ROUTINE",
		Short: "Trigger a routine against a running server",
		Args:  cobra.ExactArgs(1),
		RunE:  runTrigger,
	}
	rootCmd.AddCommand(triggerCmd)

	logsCmd := &cobra.Command{
		Use:   "logs EXECUTION",
		Short: "Print the stored log of an execution",
		Args:  cobra.ExactArgs(1),
		RunE:  runLogs,
	}
	rootCmd.AddCommand(logsCmd)

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Live dashboard over a running server",
		RunE:  runWatch,
	}
	watchCmd.Flags().StringVar(&watchOwner, "owner", "", "owner whose activity to follow")
	watchCmd.Flags().StringVar(&watchURL, "url", "", "server base URL (default from config)")
	rootCmd.AddCommand(watchCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func openStore(cfg *config.Config) (*store.Store, error) {
	if dir := filepath.Dir(cfg.General.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	return store.New(cfg.General.DatabasePath)
}

func serverURL(cfg *config.Config) string {
	return fmt.Sprintf("http://%s:%d", cfg.Web.Host, cfg.Web.Port)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Web.Port = servePort
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	manifests, err := toolbridge.LoadManifests(cfg.Tools.ManifestDir)
	if err != nil {
		return fmt.Errorf("loading tool manifests: %w", err)
	}
	creds := &credentials.FileSource{Path: cfg.Tools.CredentialsFile}
	bridge := toolbridge.New(logger, manifests, creds, cfg.ToolCallTimeout())
	defer bridge.Shutdown()

	broker := logstream.NewBroker(logger, cfg.General.LogBufferSize)
	defer broker.Close()

	prov := &provider.CLIProvider{
		Command:   cfg.Provider.Command,
		Model:     cfg.Provider.Model,
		Logger:    logger,
		Manifests: manifests,
		Creds:     creds,
		WorkDir:   cfg.Provider.WorkDir,
	}

	runner := session.New(logger, st, broker, bridge, prov, cfg.General.MaxConcurrent)
	defer runner.Close()

	var notifiers []notify.Notifier
	if cfg.Notifications.Desktop {
		notifiers = append(notifiers, notify.NewDesktopNotifier(true))
	}
	if cfg.Notifications.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}
	if len(notifiers) > 0 {
		runner.SetNotifier(notify.NewMultiNotifier(notifiers...))
	}

	sched := scheduler.New(logger, st, runner, cfg.TickInterval())
	disp := dispatch.New(logger, st, runner, cfg.DispatchInterval())

	watcher, err := toolbridge.NewManifestWatcher(manifests, logger)
	if err != nil {
		return fmt.Errorf("watching tool manifests: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	server := api.NewServer(logger, st, runner, broker, api.Health{
		SchedulerTick: sched.LastTick,
		DispatchPass:  disp.LastPass,
	}, addr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(ctx) })
	g.Go(func() error {
		err := sched.Run(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})
	g.Go(func() error {
		err := disp.Run(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})
	g.Go(func() error {
		watcher.Run(ctx)
		return nil
	})

	logger.Info("runway serving", "addr", addr, "db", cfg.General.DatabasePath)
	return g.Wait()
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	routines, err := st.ListRoutines("")
	if err != nil {
		return err
	}
	tasks, err := st.ListTasks()
	if err != nil {
		return err
	}
	execs, err := st.ListRecentExecutions(10)
	if err != nil {
		return err
	}

	var active int
	for _, r := range routines {
		if r.Status == domain.RoutineActive {
			active++
		}
	}
	var pending, approved int
	for _, t := range tasks {
		switch t.Status {
		case domain.TaskPending:
			pending++
		case domain.TaskApproved:
			approved++
		}
	}

	fmt.Printf("Routines: %d total | %d active\n", len(routines), active)
	fmt.Printf("Tasks: %d total | %d pending | %d approved\n", len(tasks), pending, approved)

	if len(execs) > 0 {
		fmt.Println("\nRecent executions:")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tROUTINE\tSTATUS\tSTARTED\tCOST")
		for _, e := range execs {
			started := "-"
			if e.StartedAt != nil {
				started = humanize.Time(*e.StartedAt)
			}
			cost := "-"
			if e.Cost != nil {
				cost = fmt.Sprintf("$%.4f", *e.Cost)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.ID, e.RoutineID, e.Status, started, cost)
		}
		w.Flush()
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	routines, err := st.ListRoutines("")
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tMODE\tSCHEDULE\tSTATUS\tNEXT RUN")
	for _, r := range routines {
		if listStatus != "" && string(r.Status) != listStatus {
			continue
		}
		schedule := r.Schedule
		if schedule == "" {
			schedule = "-"
		}
		next := "-"
		if r.NextRunAt != nil {
			next = humanize.Time(*r.NextRunAt)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Name, r.TriggerMode, schedule, r.Status, next)
	}
	w.Flush()
	return nil
}

func runTrigger(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	url := serverURL(cfg) + "/api/routines/" + args[0] + "/trigger"
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		return fmt.Errorf("reaching server (is `runway serve` running?): %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		fmt.Printf("Triggered routine %s\n", args[0])
		return nil
	case http.StatusConflict:
		return fmt.Errorf("routine %s is busy or disabled", args[0])
	case http.StatusNotFound:
		return fmt.Errorf("routine %s not found", args[0])
	default:
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
}

func runLogs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	logs, err := st.ListLogs(args[0])
	if err != nil {
		return err
	}
	if len(logs) == 0 {
		fmt.Println("no log entries")
		return nil
	}
	for _, entry := range logs {
		fmt.Printf("%s [%s] %-10s %s\n",
			entry.Timestamp.Format(time.RFC3339), entry.Level, entry.Stage, entry.Message)
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if watchOwner == "" {
		return fmt.Errorf("--owner is required")
	}
	base := watchURL
	if base == "" {
		base = serverURL(cfg)
	}

	model := tui.NewModel(tui.NewClient(base), watchOwner)
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err = p.Run()
	return err
}
