// Command lithiumd is the Lithium process: it wires the Config Store,
// Component Runtime, Device Manager, and Task Engine into one App Kernel
// and serves its command surface, event stream, health, and metrics over
// HTTP, the way cmd/appserver wires and serves the teacher's application.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lithium-project/lithium/internal/components"
	"github.com/lithium-project/lithium/internal/configstore"
	"github.com/lithium-project/lithium/internal/devices"
	"github.com/lithium-project/lithium/internal/devices/transport/httpdriver"
	"github.com/lithium-project/lithium/internal/devices/transport/line"
	"github.com/lithium-project/lithium/internal/kernel"
	"github.com/lithium-project/lithium/internal/tasks"
	pkgconfig "github.com/lithium-project/lithium/pkg/config"
	"github.com/lithium-project/lithium/pkg/logger"
	"github.com/lithium-project/lithium/pkg/resilience"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (defaults to LITH_ADDR or :8080)")
	profileDir := flag.String("profile-dir", "", "directory of saved config profiles (defaults to LITH_PROFILE_DIR or ./profiles)")
	scriptDir := flag.String("script-dir", "", "directory of saved task scripts (defaults to LITH_SCRIPT_DIR or ./scripts)")
	componentRoots := flag.String("component-roots", "", "comma-separated bundle scan roots (defaults to LITH_COMPONENT_ROOTS or ./components)")
	flag.Parse()

	appLog := logger.NewFromEnv()
	sysLog := appLog.Component("lithiumd")

	listenAddr := strings.TrimSpace(*addr)
	if listenAddr == "" {
		listenAddr = pkgconfig.GetEnv("ADDR", ":8080")
	}
	profiles := strings.TrimSpace(*profileDir)
	if profiles == "" {
		profiles = pkgconfig.GetEnv("PROFILE_DIR", "./profiles")
	}
	scripts := strings.TrimSpace(*scriptDir)
	if scripts == "" {
		scripts = pkgconfig.GetEnv("SCRIPT_DIR", "./scripts")
	}
	roots := splitList(*componentRoots)
	if len(roots) == 0 {
		roots = pkgconfig.GetEnvList("COMPONENT_ROOTS", []string{"./components"})
	}

	store := configstore.New()
	storeDriver := pkgconfig.GetEnv("STORE_DRIVER", "file")
	storeDSN := pkgconfig.GetEnv("STORE_DSN", "")

	var profileStore *configstore.ProfileStore
	var scriptLibrary *tasks.Library
	switch storeDriver {
	case "postgres":
		var err error
		profileStore, err = configstore.NewPostgresProfileStore(context.Background(), store, storeDSN)
		if err != nil {
			log.Fatalf("open postgres profile store: %v", err)
		}
		scriptLibrary, err = tasks.NewPostgresLibrary(context.Background(), storeDSN)
		if err != nil {
			log.Fatalf("open postgres task library: %v", err)
		}
	case "file":
		profileStore = configstore.NewProfileStore(store, profiles)
		scriptLibrary = tasks.NewLibrary(scripts)
	default:
		log.Fatalf("unknown STORE_DRIVER %q (want file or postgres)", storeDriver)
	}
	runtime := components.New(roots, sysLog)

	deviceMgr := devices.New(sysLog, pkgconfig.GetEnvInt("DEVICE_EVENT_BUFFER", 256))
	deviceMgr.RegisterDriver(line.New(
		pkgconfig.GetEnvDuration("DEVICE_DIAL_TIMEOUT", 3*time.Second),
		pkgconfig.GetEnvDuration("DEVICE_REQUEST_TIMEOUT", 5*time.Second),
	))
	deviceMgr.RegisterDriver(httpdriver.New(pkgconfig.GetEnvDuration("DEVICE_HTTP_TIMEOUT", 10*time.Second)))

	actionFn, condFn := kernel.NewDeviceBinding(deviceMgr, store)
	retryCfg := resilience.DefaultRetryConfig()
	engine := tasks.NewEngine(actionFn, condFn, retryCfg, sysLog)

	cfg := kernel.Config{
		ComponentRoots:       roots,
		ComponentRescanCron:  pkgconfig.GetEnv("COMPONENT_RESCAN_CRON", ""),
		StartupDeviceProfile: pkgconfig.GetEnv("STARTUP_DEVICE_PROFILE", ""),
		DeviceRateLimit:      pkgconfig.GetEnvFloat("DEVICE_RATE_LIMIT", 0),
		DeviceRateBurst:      pkgconfig.GetEnvInt("DEVICE_RATE_BURST", 1),
		TickPeriod:           pkgconfig.GetEnvDuration("TICK_PERIOD", 50*time.Millisecond),
	}

	k := kernel.New(sysLog, cfg, store, profileStore, runtime, deviceMgr, engine, scriptLibrary)

	startCtx := context.Background()
	if err := k.Start(startCtx); err != nil {
		log.Fatalf("start kernel: %v", err)
	}

	server := &http.Server{
		Addr:    listenAddr,
		Handler: k.Router(),
	}

	serverErr := make(chan error, 1)
	go func() {
		sysLog.WithField("addr", listenAddr).Info("listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		sysLog.Info("shutdown signal received")
	case err := <-serverErr:
		sysLog.WithError(err).Error("http server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		sysLog.WithError(err).Warn("http shutdown did not complete cleanly")
	}
	k.Stop(shutdownCtx)
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
