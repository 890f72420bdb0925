// Command agent is the composition root for the local data-logging agent:
// it wires the Catalog Store, Secret Box, Target Registry, Migration
// Planner, Device Session Manager, Mapping Resolver, Job Engine, Metrics
// Registry, and Control Interface together, then writes agent.lock.json so
// an external transport/UI can discover the process (spec.md §6).
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/RohithBalasubramani/plc-logger/domain/catalog"
	"github.com/RohithBalasubramani/plc-logger/domain/control"
	"github.com/RohithBalasubramani/plc-logger/domain/device"
	"github.com/RohithBalasubramani/plc-logger/domain/engine"
	"github.com/RohithBalasubramani/plc-logger/domain/job"
	"github.com/RohithBalasubramani/plc-logger/domain/mapping"
	"github.com/RohithBalasubramani/plc-logger/domain/migration"
	"github.com/RohithBalasubramani/plc-logger/domain/target"
	"github.com/RohithBalasubramani/plc-logger/infrastructure/config"
	"github.com/RohithBalasubramani/plc-logger/infrastructure/logging"
	"github.com/RohithBalasubramani/plc-logger/infrastructure/metrics"
	"github.com/RohithBalasubramani/plc-logger/infrastructure/secrets"
)

const serviceName = "plc-logger-agent"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	config.LoadDotEnv()

	overridesPath := config.GetEnv("PLCLOGGER_CONFIG_FILE", "agent.yaml")
	overrides, err := config.LoadFileOverrides(overridesPath)
	if err != nil {
		log.Fatalf("failed to load %s: %v", overridesPath, err)
	}
	config.ApplyFileOverrides(overrides)

	settings, err := config.LoadSettings()
	if err != nil {
		log.Fatalf("failed to load settings: %v", err)
	}

	logger := logging.New(serviceName, settings.LogLevel, settings.LogFormat)

	appDir, err := applicationFolder(settings.AppDir)
	if err != nil {
		logger.Fatal(ctx, "failed to resolve application folder", err)
	}
	if err := os.MkdirAll(appDir, 0o755); err != nil {
		logger.Fatal(ctx, "failed to create application folder", err)
	}

	store, err := catalog.OpenSQLiteStore(ctx, filepath.Join(appDir, "app.db"))
	if err != nil {
		logger.Fatal(ctx, "failed to open catalog store", err)
	}
	defer store.Close()

	registry, err := target.New(store, settings.TargetPool)
	if err != nil {
		logger.Fatal(ctx, "failed to start target registry", err)
	}
	defer registry.Close()

	planner := migration.NewPlanner()
	resolver := mapping.NewResolver(store, registry, nil)
	supervisor := device.NewSupervisor(store, logger)

	prom := metrics.New(serviceName)
	metricsReg := metrics.NewRegistry(prom)
	sampler := metrics.NewSystemSampler(prom)

	jobs := engine.NewManager(store, registry, resolver, supervisor, metricsReg, logger)
	secretBox := secrets.NewFromEnv()

	port := config.GetPort(settings.Port)
	token := newProcessToken()

	svc := control.NewService(store, registry, planner, resolver, supervisor, jobs, metricsReg, sampler, secretBox, token, port)
	_ = svc // wired for an out-of-scope transport layer to front (spec.md §1)

	go supervisorLoop(ctx, supervisor)
	go sampler.Run(ctx)

	rollups := cron.New()
	if _, err := rollups.AddFunc("@every 1m", rollupOnce(ctx, store, metricsReg, logger)); err != nil {
		logger.Fatal(ctx, "failed to schedule minute rollups", err)
	}
	rollups.Start()
	defer func() { <-rollups.Stop().Done() }()

	go resumeEnabledJobs(ctx, store, jobs, logger)

	lockPath := filepath.Join(appDir, "agent.lock.json")
	if err := writeLockFile(lockPath, os.Getpid(), port, token); err != nil {
		logger.Fatal(ctx, "failed to write agent.lock.json", err)
	}
	defer os.Remove(lockPath)

	logger.Info(ctx, "agent started", map[string]interface{}{
		"pid":       os.Getpid(),
		"port":      port,
		"app_dir":   appDir,
		"lock_file": lockPath,
	})

	<-ctx.Done()
	logger.Info(ctx, "agent shutting down", nil)
}

// applicationFolder resolves the agent's data directory: an explicit
// override, then ProgramData, then LocalAppData, then the current working
// directory (spec.md §6).
func applicationFolder(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	for _, envKey := range []string{"ProgramData", "LocalAppData"} {
		if base := os.Getenv(envKey); base != "" {
			return filepath.Join(base, "PLCLogger", "agent"), nil
		}
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(cwd, "PLCLogger", "agent"), nil
}

// newProcessToken generates the ephemeral per-process control token
// returned unauthenticated by handshake() (spec.md §6).
func newProcessToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return uuid.NewString()
	}
	return hex.EncodeToString(buf)
}

type lockFile struct {
	PID   int    `json:"pid"`
	Port  int    `json:"port"`
	Token string `json:"token"`
}

func writeLockFile(path string, pid, port int, token string) error {
	data, err := json.Marshal(lockFile{PID: pid, Port: port, Token: token})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// supervisorLoop drives the device reconnect state machine once a second
// (spec.md §4.6).
func supervisorLoop(ctx context.Context, supervisor *device.Supervisor) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			supervisor.Tick(ctx)
		}
	}
}

// rollupOnce returns the cron job body that persists each job's trailing
// 60 seconds of in-memory metrics to app_metrics_jobs_minute, keyed by the
// current UTC minute truncated (spec.md §4.9 "minute rollups").
func rollupOnce(ctx context.Context, store catalog.Store, reg *metrics.Registry, logger *logging.Logger) func() {
	return func() {
		runningJobs, err := store.ListJobs(ctx)
		if err != nil {
			logger.Warn(ctx, "rollup: failed to list jobs", map[string]interface{}{"error": err.Error()})
			return
		}
		minute := time.Now().UTC().Truncate(time.Minute)
		for _, j := range runningJobs {
			if err := reg.WriteMinuteRollup(ctx, store.RawDB(), j.ID, minute); err != nil {
				logger.Warn(ctx, "rollup: failed to persist minute rollup", map[string]interface{}{"job_id": j.ID, "error": err.Error()})
			}
		}
	}
}

// resumeEnabledJobs restarts every job left enabled and not already
// stopped/paused from a previous process, so a restart resumes logging
// without manual intervention.
func resumeEnabledJobs(ctx context.Context, store catalog.Store, jobs *engine.Manager, logger *logging.Logger) {
	existing, err := store.ListJobs(ctx)
	if err != nil {
		logger.Warn(ctx, "failed to list jobs for resume", map[string]interface{}{"error": err.Error()})
		return
	}
	for _, j := range existing {
		if !j.Enabled || j.Status == job.StatusStopped || j.Status == job.StatusPaused {
			continue
		}
		if err := jobs.Start(ctx, j.ID); err != nil {
			logger.Warn(ctx, "failed to resume job", map[string]interface{}{"job_id": j.ID, "error": err.Error()})
		}
	}
}
