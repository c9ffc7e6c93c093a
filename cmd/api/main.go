package main

import (
	"context"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tokenrent/rentledger/internal/api"
	"github.com/tokenrent/rentledger/internal/config"
	"github.com/tokenrent/rentledger/internal/events"
	"github.com/tokenrent/rentledger/internal/ledger"
	"github.com/tokenrent/rentledger/internal/store"
	"github.com/tokenrent/rentledger/internal/store/memory"
	"github.com/tokenrent/rentledger/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	if cfg.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	ctx := context.Background()

	var st store.Store
	if cfg.DBSource != "" {
		pg, err := postgres.New(ctx, cfg.DBSource)
		if err != nil {
			log.Fatal().Err(err).Msg("unable to connect to database")
		}
		if err := postgres.Migrate(ctx, pg.Pool()); err != nil {
			log.Fatal().Err(err).Msg("migration failed")
		}
		st = pg
	} else {
		log.Warn().Msg("DB_SOURCE not set, running with in-memory store")
		st = memory.New()
	}
	defer st.Close()

	var pub events.Publisher = events.Noop{}
	if len(cfg.KafkaBrokers) > 0 {
		k := events.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer k.Close()
		pub = k
	}

	// Initialize layers
	svc := ledger.New(st, pub, cfg.AdminAddress)
	if err := svc.EnsureConfig(ctx, cfg.FeeBeneficiary); err != nil {
		log.Fatal().Err(err).Msg("engine config init failed")
	}
	handler := api.NewHandler(svc)

	// Router
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	public := r.PathPrefix("/api/v1").Subrouter()
	public.HandleFunc("/listings/{id}", handler.GetListing).Methods("GET")
	public.HandleFunc("/fee", handler.GetFeeRate).Methods("GET")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.Use(api.Auth(cfg.JWTSecret))
	apiV1.HandleFunc("/listings", handler.CreateListings).Methods("POST")
	apiV1.HandleFunc("/rentals", handler.CreateRentals).Methods("POST")
	apiV1.HandleFunc("/returns", handler.CreateReturns).Methods("POST")
	apiV1.HandleFunc("/claims", handler.CreateClaims).Methods("POST")
	apiV1.HandleFunc("/delistings", handler.CreateDelistings).Methods("POST")
	apiV1.HandleFunc("/approvals", handler.CreateApproval).Methods("POST")
	apiV1.HandleFunc("/fee", handler.SetFeeRate).Methods("PUT")
	apiV1.HandleFunc("/beneficiary", handler.SetBeneficiary).Methods("PUT")

	log.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("server starting")
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}
