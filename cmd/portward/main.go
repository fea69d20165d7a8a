package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/portward/portward/internal/batch"
	"github.com/portward/portward/internal/clock"
	"github.com/portward/portward/internal/config"
	"github.com/portward/portward/internal/events"
	"github.com/portward/portward/internal/intent"
	"github.com/portward/portward/internal/inventory"
	"github.com/portward/portward/internal/locks"
	"github.com/portward/portward/internal/logging"
	"github.com/portward/portward/internal/notify"
	"github.com/portward/portward/internal/registry"
	"github.com/portward/portward/internal/secrets"
	"github.com/portward/portward/internal/store"
	"github.com/portward/portward/internal/upgrade"
	"github.com/portward/portward/internal/web"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	var box *secrets.Box
	if cfg.SecretsKey != "" {
		box, err = secrets.New(cfg.SecretsKey)
		if err != nil {
			log.Error("invalid secrets key", "error", err)
			os.Exit(1)
		}
	} else {
		log.Warn("PORTWARD_SECRETS_KEY not set, credentials are stored unsealed")
	}

	db, err := store.Open(cfg.DBPath, box)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := bootstrapAdmin(db, cfg, log); err != nil {
		log.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}

	clk := clock.Real{}
	bus := events.New()

	// Notification chain: a log notifier always runs; per-user channels from
	// the settings store are layered on top and can be swapped via the API.
	multi := notify.NewMulti(log, loadNotifiers(db, log)...)
	queue := notify.NewQueue(multi, log)

	tracker := registry.NewRateLimitTracker()
	resolver := registry.NewResolver(tracker, log)
	inv := inventory.NewService(db, log, nil)
	lockMgr := locks.NewManager(clk, log)
	upgrader := upgrade.NewExecutor(cfg.StopTimeout, cfg.SettleWindow, clk, log)

	intentExec := intent.NewExecutor(db, inv, upgrader, lockMgr, queueNotifier{queue}, bus, clk, log)
	evaluator := intent.NewEvaluator(db, intentExec, clk, log, cfg.CronTick)

	runner := batch.NewRunner(db, inv, resolver, queue, intentExec, bus, clk, log)
	scheduler := batch.NewScheduler(db, runner, clk, log, cfg.InitialSweepDelay, cfg.DefaultSweepInterval)

	srv := web.NewServer(web.Dependencies{
		Store:    db,
		Users:    web.TokenResolver{Store: db},
		Inv:      inv,
		Intents:  intentExec,
		Sweeps:   runner,
		Upgrader: upgrader,
		Locks:    lockMgr,
		Notify:   multi,
		Bus:      bus,
		Log:      log,
	})

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		queue.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		evaluator.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
	}()

	go func() {
		addr := net.JoinHostPort("", cfg.WebPort)
		if err := srv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("web server error", "error", err)
			cancel()
		}
	}()

	log.Info("portward started", "version", version, "db", cfg.DBPath, "port", cfg.WebPort)

	<-ctx.Done()
	_ = srv.Shutdown(context.Background())
	wg.Wait()
	log.Info("portward shutdown complete")
}

// bootstrapAdmin creates the initial user on an empty database so the API is
// reachable on first start.
func bootstrapAdmin(db *store.Store, cfg *config.Config, log *logging.Logger) error {
	users, err := db.ListUsers()
	if err != nil {
		return err
	}
	if len(users) > 0 {
		return nil
	}
	if cfg.AdminToken == "" {
		log.Warn("no users and PORTWARD_ADMIN_TOKEN unset, API has no reachable account")
		return nil
	}
	u, err := db.CreateUser(cfg.AdminUser, cfg.AdminToken)
	if err != nil {
		return err
	}
	log.Info("created bootstrap user", "username", u.Username, "id", u.ID)
	return nil
}

// loadNotifiers rebuilds every user's enabled notification channels from the
// settings store.
func loadNotifiers(db *store.Store, log *logging.Logger) []notify.Notifier {
	notifiers := []notify.Notifier{notify.NewLogNotifier(log)}

	users, err := db.ListUsers()
	if err != nil {
		log.Error("listing users for notification channels", "error", err)
		return notifiers
	}
	for _, u := range users {
		raw, err := db.LoadSetting(fmt.Sprintf("notify_channels::%d", u.ID))
		if err != nil || raw == "" {
			continue
		}
		var channels []notify.Channel
		if err := json.Unmarshal([]byte(raw), &channels); err != nil {
			log.Error("decoding stored notification channels", "user", u.ID, "error", err)
			continue
		}
		for _, ch := range channels {
			if !ch.Enabled {
				continue
			}
			n, err := notify.BuildFilteredNotifier(ch)
			if err != nil {
				log.Error("building notification channel", "channel", ch.Name, "error", err)
				continue
			}
			notifiers = append(notifiers, n)
		}
	}
	return notifiers
}

// queueNotifier adapts the bounded delivery queue to the intent executor's
// notifier seam.
type queueNotifier struct {
	q *notify.Queue
}

func (n queueNotifier) Send(_ context.Context, title, body string) {
	n.q.Enqueue(notify.Event{
		Type:      notify.EventExecutionFinished,
		Summary:   title + ": " + body,
		Timestamp: time.Now(),
	})
}
