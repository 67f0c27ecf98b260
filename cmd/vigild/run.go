package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vigild/internal/config"
	"vigild/internal/feature"
	"vigild/internal/health"
	"vigild/internal/logging"
	"vigild/internal/policy"
	"vigild/internal/session"
	"vigild/internal/store"
)

// streamEvent is one line of the JSONL feature stream.
type streamEvent struct {
	Modality  feature.Modality `json:"modality"`
	Values    []float64        `json:"values"`
	Timestamp time.Time        `json:"timestamp"`

	// Control events from the host: "reset", "biometric_success",
	// "biometric_failure", "biometric_cancelled", "stationary",
	// "moving". When set, Values is ignored.
	Control string `json:"control,omitempty"`
}

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath(), "config file path")
	profileID := fs.String("profile", "default", "profile identifier")
	inputPath := fs.String("input", "-", "feature stream file, \"-\" for stdin")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vigild: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(&logging.Config{
		Level:      logging.ParseLevel(cfg.Logging.Level),
		Format:     logging.ParseFormat(cfg.Logging.Format),
		FilePath:   cfg.Logging.FilePath,
		MaxSizeMB:  50,
		MaxBackups: 3,
		Component:  "vigild",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "vigild: init logging: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var db *store.Store
	if cfg.Storage.Path != "" {
		db, err = store.Open(cfg.Storage.Path)
		if err != nil {
			log.Error("open profile store", "error", err)
			os.Exit(1)
		}
		defer db.Close()
	}

	sess := session.New(cfg, log.WithComponent("session"))
	log.Info("session started", "session", sess.ID(), "profile", *profileID)

	if db != nil {
		snaps, err := db.LoadSnapshots(*profileID)
		if err != nil {
			log.Warn("load profile snapshots", "error", err)
		} else if len(snaps) > 0 {
			if err := sess.RestoreSnapshots(snaps); err != nil {
				log.Warn("restore profile snapshots", "error", err)
			} else {
				log.Info("profile restored", "modalities", len(snaps))
			}
		}
	}

	// Live config reload for the runtime-safe tunables.
	err = config.Watch(ctx, *configPath,
		func(next *config.Config) { sess.ApplyConfig(next) },
		func(err error) { log.Warn("config reload failed", "error", err) })
	if err != nil {
		log.Warn("config watch unavailable", "error", err)
	}

	checker := health.NewChecker()
	checker.Register(&health.Component{
		Name:     "pipeline",
		Critical: true,
		Check: func(context.Context) health.CheckResult {
			snap := sess.Snapshot()
			status := health.StatusHealthy
			msg := ""
			if !anyReady(snap) {
				status = health.StatusDegraded
				msg = "calibrating"
			}
			return health.CheckResult{
				Status:  status,
				Message: msg,
				Details: map[string]interface{}{
					"risk":                 snap.Risk,
					"level":                snap.Level,
					"escalated":            snap.Escalated,
					"calibration_progress": snap.CalibrationProgress,
				},
			}
		},
	})
	if db != nil {
		checker.RegisterFunc("store", func(context.Context) health.CheckResult {
			return health.CheckResult{Status: health.StatusHealthy}
		})
	}
	checker.SetReady(true)
	if cfg.Engine.HealthAddr != "" {
		srv := &http.Server{Addr: cfg.Engine.HealthAddr, Handler: checker.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn("health endpoint failed", "error", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Info("health endpoint listening", "addr", cfg.Engine.HealthAddr)
	}

	go sess.Run(ctx)

	if db != nil && cfg.Storage.SaveIntervalSec > 0 {
		go autosave(ctx, sess, db, *profileID, time.Duration(cfg.Storage.SaveIntervalSec)*time.Second, log)
	}

	// Surface escalation transitions on the log stream.
	go func() {
		escalated := false
		for snap := range sess.Subscribe() {
			if snap.Escalated != escalated {
				escalated = snap.Escalated
				if escalated {
					log.Warn("escalated: re-authentication required",
						"risk", snap.Risk, "level", string(snap.Level),
						"trust_credits", snap.TrustCredits)
				} else {
					log.Info("de-escalated", "risk", snap.Risk)
				}
			}
		}
	}()

	input := os.Stdin
	if *inputPath != "-" {
		f, err := os.Open(*inputPath)
		if err != nil {
			log.Error("open input", "error", err)
			os.Exit(1)
		}
		defer f.Close()
		input = f
	}

	if err := feed(ctx, input, sess, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("feature stream", "error", err)
	}

	<-ctx.Done()
	if db != nil {
		saveSnapshots(sess, db, *profileID, log)
	}
	log.Info("shutting down", "session", sess.ID())
}

// feed reads JSONL events and dispatches them into the session.
func feed(ctx context.Context, r io.Reader, sess *session.Session, log *logging.Logger) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			log.Warn("malformed stream event", "error", err)
			continue
		}

		switch ev.Control {
		case "":
			v, err := feature.New(ev.Modality, ev.Values, ev.Timestamp)
			if err != nil {
				log.Warn("rejected feature vector", "error", err)
				continue
			}
			if err := sess.Submit(v); err != nil {
				log.Warn("rejected feature vector", "error", err)
			}
		case "reset":
			sess.RequestReset()
		case "biometric_success":
			sess.SubmitBiometricOutcome(policy.BiometricSuccess)
		case "biometric_failure":
			sess.SubmitBiometricOutcome(policy.BiometricFailure)
		case "biometric_cancelled":
			sess.SubmitBiometricOutcome(policy.BiometricCancelled)
		case "stationary":
			sess.SetDeviceStationary(true)
		case "moving":
			sess.SetDeviceStationary(false)
		default:
			log.Warn("unknown control event", "control", ev.Control)
		}
	}
	return scanner.Err()
}

func autosave(ctx context.Context, sess *session.Session, db *store.Store, profileID string, interval time.Duration, log *logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			saveSnapshots(sess, db, profileID, log)
		}
	}
}

func saveSnapshots(sess *session.Session, db *store.Store, profileID string, log *logging.Logger) {
	snaps := sess.ExportSnapshots()
	for _, snap := range snaps {
		if err := db.SaveSnapshot(profileID, snap); err != nil {
			log.Warn("save snapshot", "modality", string(snap.Modality), "error", err)
		}
	}
	if len(snaps) > 0 {
		log.Debug("profile snapshots saved", "count", len(snaps))
	}
}

func anyReady(snap session.Snapshot) bool {
	for _, ready := range snap.ModalityReady {
		if ready {
			return true
		}
	}
	return false
}
