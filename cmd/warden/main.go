package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/noona-project/warden/internal/catalog"
	"github.com/noona-project/warden/internal/clock"
	"github.com/noona-project/warden/internal/config"
	"github.com/noona-project/warden/internal/docker"
	"github.com/noona-project/warden/internal/engine"
	"github.com/noona-project/warden/internal/health"
	"github.com/noona-project/warden/internal/history"
	"github.com/noona-project/warden/internal/logging"
	"github.com/noona-project/warden/internal/mount"
	"github.com/noona-project/warden/internal/planner"
	"github.com/noona-project/warden/internal/store"
	"github.com/noona-project/warden/internal/web"
	"github.com/noona-project/warden/internal/wizard"
)

// version and commit are set at build time via ldflags:
//
//	-X main.version=$(VERSION) -X main.commit=$(COMMIT)
var version = "dev"
var commit = "unknown"

func versionString() string {
	if commit != "" && commit != "unknown" {
		return version + " (" + commit + ")"
	}
	return version
}

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	fmt.Println("Warden " + versionString())
	fmt.Println("=============================================")
	for k, v := range cfg.Values() {
		fmt.Printf("%s=%s\n", k, v)
	}
	fmt.Println("=============================================")

	cat, err := catalog.Load()
	if err != nil {
		log.Error("failed to load service catalog", "error", err)
		os.Exit(1)
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	gw := docker.NewGateway()
	defer gw.Close()

	sockets := discoverSockets(cfg, db, log)

	var primary docker.EndpointAPI
	var primaryPath string
	for _, path := range sockets {
		ep, err := gw.Open(path)
		if err != nil {
			log.Warn("failed to open docker socket", "socket", path, "error", err)
			continue
		}
		if err := ep.Ping(ctx); err != nil {
			log.Warn("docker socket did not respond to ping", "socket", path, "error", err)
			continue
		}
		primary = ep
		primaryPath = path
		break
	}
	if primary == nil {
		log.Error("no reachable Docker endpoint found among discovered sockets", "sockets", sockets)
		os.Exit(1)
	}
	log.Info("docker endpoint selected", "socket", primaryPath)
	if err := db.SaveDockerSockets(sockets); err != nil {
		log.Warn("failed to cache discovered sockets", "error", err)
	}

	opener := func(path string) (docker.EndpointAPI, error) {
		return gw.Open(path)
	}
	remaining := make([]string, 0, len(sockets))
	for _, path := range sockets {
		if path != primaryPath {
			remaining = append(remaining, path)
		}
	}
	detector := mount.New(primary, remaining, opener, mount.DefaultNeedle, log.Logger, db)

	hist := history.New(cfg.HistoryCapacity(), clock.Real{}, log.Logger)
	prober := health.NewProber(cfg.HealthTimeout())

	wiz := wizard.New(wizard.Options{
		Log:            log.Logger,
		VaultBaseURL:   cfg.VaultBaseURL,
		VaultToken:     cfg.VaultToken,
		StepForService: wizard.DefaultStepMapping(),
		PublishTimeout: cfg.PublishTimeout,
		Cache:          db,
		MQTTBroker:     cfg.MQTTBroker,
		MQTTTopic:      cfg.MQTTTopic,
	})
	go wiz.Run(ctx)

	selfContainerID, _ := os.Hostname()
	eng := engine.New(cat, primary, hist, prober, detector, wiz, selfContainerID, cfg.HostServiceBase, log.Logger)

	var ready atomic.Bool
	ready.Store(true)

	srv := web.NewServer(web.Dependencies{
		Catalog:  cat,
		Endpoint: primary,
		History:  hist,
		Engine:   eng,
		Prober:   prober,
		Detector: detector,
		Config:   cfg,
		Log:      log.Logger,
		Ready:    ready.Load,
	})

	go func() {
		addr := net.JoinHostPort("", cfg.WebPort)
		if err := srv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("web server error", "error", err)
		}
	}()

	if cfg.SuperBoot() {
		go func() {
			log.Info("DEBUG=super: installing every catalog service at startup")
			plan, planErr := fullCatalogPlan(cat)
			if planErr != nil {
				log.Error("super boot plan failed", "error", planErr)
				return
			}
			if err := eng.Install(context.Background(), plan); err != nil {
				log.Error("super boot install failed", "error", err)
			}
		}()
	}

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("web server shutdown error", "error", err)
	}
}

// fullCatalogPlan builds an installation plan covering every catalog
// service, for DEBUG=super's full-stack boot.
func fullCatalogPlan(cat *catalog.Catalog) (*planner.PlannedInstall, error) {
	descriptors := cat.List()
	entries := make([]interface{}, 0, len(descriptors))
	for _, d := range descriptors {
		entries = append(entries, d.Name)
	}
	return planner.Plan(cat, entries)
}

// discoverSockets merges the cached socket order (if any) ahead of a fresh
// filesystem scan, so a restart tries last-known-good before anything new.
// The cache is advisory only: sockets are Pinged in this order until one
// answers and becomes the primary endpoint; the remaining entries go to the
// mount detector without a Ping.
func discoverSockets(cfg *config.Config, db *store.Store, log *logging.Logger) []string {
	cached, err := db.LoadDockerSockets()
	if err != nil {
		log.Warn("failed to read cached docker sockets", "error", err)
	}
	fresh := docker.Discover(cfg.HostDockerSockets)

	seen := make(map[string]bool, len(cached)+len(fresh))
	ordered := make([]string, 0, len(cached)+len(fresh))
	for _, p := range append(cached, fresh...) {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		ordered = append(ordered, p)
	}
	return ordered
}
