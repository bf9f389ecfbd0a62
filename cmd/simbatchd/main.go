// Command simbatchd is the composition root: it loads configuration, opens
// the sqlite-backed JobStore, wires every domain service together, and
// serves the §6 HTTP surface. Grounded on the teacher's root main.go
// (zerolog setup, sql.Open + migrate, gocron.StartAsync, graceful
// http.Server shutdown).
package main

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"simbatch/internal/aggregator"
	"simbatch/internal/bus"
	"simbatch/internal/cancellation"
	"simbatch/internal/config"
	"simbatch/internal/db"
	"simbatch/internal/deckstore"
	"simbatch/internal/handlers"
	"simbatch/internal/logstore"
	"simbatch/internal/logx"
	"simbatch/internal/model"
	"simbatch/internal/progress"
	"simbatch/internal/ratelimit"
	"simbatch/internal/ratingengine"
	"simbatch/internal/ratingstore"
	"simbatch/internal/recovery"
	"simbatch/internal/scheduler"
	"simbatch/internal/secrets"
	"simbatch/internal/settings"
	"simbatch/internal/simreporter"
	"simbatch/internal/workerclient"
	"simbatch/internal/workerregistry"
)

const workerSecretSetting = "worker_shared_secret"

type sealedSecret struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// persistWorkerSecret envelope-encrypts the WORKER_SHARED_SECRET env value
// and stores it under app_settings, so an operator inspecting the database
// never finds it in the clear. The value read at request time always comes
// from cfg (the env var), not this stored copy; this exists purely as an
// at-rest audit trail, the same role internal/secrets plays for the
// teacher's PufferPanel/Modrinth tokens.
func persistWorkerSecret(ctx context.Context, conn *sql.DB, mgr *secrets.Manager, secret string) error {
	nonce, ct, err := mgr.Encrypt([]byte(secret))
	if err != nil {
		return err
	}
	blob, err := json.Marshal(sealedSecret{
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
	})
	if err != nil {
		return err
	}
	return settings.New(conn).Set(ctx, workerSecretSetting, string(blob))
}

func main() {
	log.Logger = zerolog.New(logx.NewRedactor(os.Stdout)).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	dbPath := envOr("SIMBATCH_DB_PATH", "simbatch.db")
	conn, err := db.Open(dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer conn.Close()

	mgr, err := secrets.Load(context.Background(), conn)
	if err != nil {
		log.Fatal().Err(err).Msg("load secret manager")
	}
	if err := persistWorkerSecret(context.Background(), conn, mgr, cfg.WorkerSharedSecret); err != nil {
		log.Warn().Err(err).Msg("seal worker shared secret")
	}

	store := db.NewStore(conn)

	taskBus := newTaskBus()
	defer taskBus.Close()

	prog := progress.New()

	// DeckStore's Resolver is an external collaborator this spec treats as
	// out of scope; a real deployment wires a Resolver backed by its own
	// deck-content service here.
	decks := deckstore.New(deckstore.StaticResolver{Decks: map[string]model.Deck{}}, 10*time.Minute)
	ratings := ratingstore.NewMemoryStore()
	logs := logstore.NewMemoryStore()
	engine := ratingengine.NewMemoryEngine(ratings)

	agg := aggregator.New(store, ratings, logs, engine, prog)

	recoverySvc := recovery.New(store, agg, taskBus, cfg)

	limiter := ratelimit.New(float64(cfg.SimMax)/60, cfg.SimMax)
	sched := scheduler.New(store, decks, taskBus, prog, limiter, agg, recoverySvc, cfg)

	reporter := simreporter.New(store, agg, prog)

	client := workerclient.New(cfg.WorkerSharedSecret)
	registry := workerregistry.New(store, client, cfg.HeartbeatTTL)

	cancelSvc := cancellation.New(store, registry, agg, recoverySvc)

	router := handlers.New(handlers.Deps{
		Store:              store,
		Scheduler:          sched,
		Reporter:           reporter,
		Cancellation:       cancelSvc,
		Recovery:           recoverySvc,
		Registry:           registry,
		Progress:           prog,
		WorkerSharedSecret: cfg.WorkerSharedSecret,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := ":" + envOr("PORT", "8080")
	srv := &http.Server{Addr: addr, Handler: router}

	go func() {
		log.Info().Str("addr", addr).Msg("simbatchd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("serve")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

// newTaskBus implements the §9 dual-backend factory: kafka-go when brokers
// are configured, the in-memory bus otherwise (single-node / test use). A
// real worker fleet subscribes to this same bus from its own processes;
// simbatchd itself only publishes to it and serves the pull-mode
// GET /jobs/next endpoint.
func newTaskBus() bus.Bus {
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		return bus.NewMemoryBus()
	}
	topic := envOr("KAFKA_TOPIC", "simbatch.tasks")
	groupID := envOr("KAFKA_GROUP_ID", "simbatch-workers")
	return bus.NewKafkaBus(strings.Split(brokers, ","), topic, groupID)
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}
