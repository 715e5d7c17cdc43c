package main

import (
	"context"
	"flag"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"carelane/pkg/auction"
	"carelane/pkg/config"
	"carelane/pkg/db"
	"carelane/pkg/directory"
	"carelane/pkg/domain"
	"carelane/pkg/httpx"
	"carelane/pkg/ledger"
	"carelane/pkg/logging"
	"carelane/pkg/money"
	"carelane/pkg/session"
	"carelane/pkg/settle"
	"carelane/pkg/signature"
)

// The hospital node hosts the notary and exposes its /ledger routes to
// the insurer and bank nodes, alongside the treatment API that drives
// estimation, auction and settlement.
func main() {
	configPath := flag.String("config", "hospital.yaml", "path to node config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, "carelane-hospital")
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	keys, err := signature.FromSeed(cfg.Party.KeySeed)
	if err != nil {
		log.Fatal("derive signing keys", zap.Error(err))
	}
	self := domain.Party{Name: cfg.Party.Name, Key: keys.PublicKeyB64()}

	ctx := context.Background()
	var commitLog ledger.CommitLog
	var pgLog *ledger.PGLog
	if cfg.Ledger.DSN != "" {
		pool, err := db.Connect(ctx, cfg.Ledger.DSN)
		if err != nil {
			log.Fatal("connect to postgres", zap.Error(err))
		}
		defer pool.Close()
		pgLog = ledger.NewPGLog(pool)
		if err := pgLog.EnsureSchema(ctx); err != nil {
			log.Fatal("ensure commit log schema", zap.Error(err))
		}
		commitLog = pgLog
	}
	notary := ledger.NewNotary(commitLog)

	dir, cleanup, err := buildDirectory(ctx, cfg, self)
	if err != nil {
		log.Fatal("build party directory", zap.Error(err))
	}
	defer cleanup()

	transport, err := session.NewMQTTTransport(self.Name, session.MQTTOptions{
		Broker:   cfg.MQTT.Broker,
		ClientID: cfg.MQTT.ClientID,
		Username: cfg.MQTT.Username,
		Password: cfg.MQTT.Password,
		QoS:      cfg.MQTT.QoS,

		HandlerTimeout: cfg.SessionTimeout,
	}, log)
	if err != nil {
		log.Fatal("connect to broker", zap.Error(err))
	}
	defer transport.Disconnect()

	coordinator := &auction.Coordinator{
		Hospital: self,
		Keys:     keys,
		Ledger:   notary,
		Dial:     transport.Dial,
		Timeout:  cfg.SessionTimeout,
		Log:      log,
	}
	saga := &settle.Saga{
		Hospital:  self,
		BankName:  cfg.Bank,
		Directory: dir,
		Keys:      keys,
		Ledger:    notary,
		Dial:      transport.Dial,
		Timeout:   cfg.SessionTimeout,
		Log:       log,
	}

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	r.Get("/identity", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "party": self})
	})

	r.Route("/treatments", func(api chi.Router) {

		// Estimate a treatment and auction it to the configured insurers
		// in one request. The response carries the QUOTED record.
		api.Post("/", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Patient       domain.Patient `json:"patient"`
				Description   string         `json:"description"`
				EstimatedCost money.Amount   `json:"estimated_cost"`
				Insurers      []string       `json:"insurers,omitempty"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			names := req.Insurers
			if len(names) == 0 {
				names = cfg.Insurers
			}
			insurers := make([]domain.Party, 0, len(names))
			for _, name := range names {
				p, err := dir.Lookup(r.Context(), name)
				if err != nil {
					httpx.WriteError(w, 400, "UNKNOWN_INSURER", err.Error(), nil)
					return
				}
				insurers = append(insurers, p)
			}

			treatment := domain.Treatment{Patient: req.Patient, Description: req.Description, Hospital: self}
			rec, err := coordinator.Estimate(r.Context(), treatment, req.EstimatedCost)
			if err != nil {
				httpx.WriteDomainError(w, err)
				return
			}
			quoted, err := coordinator.RunAuction(r.Context(), rec, insurers)
			if err != nil {
				if err == auction.ErrNoQuotesAvailable {
					httpx.WriteError(w, 502, "NO_QUOTES_AVAILABLE", err.Error(),
						map[string]any{"record_id": rec.RecordID})
					return
				}
				httpx.WriteDomainError(w, err)
				return
			}
			httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "record": quoted})
		})

		// Settle runs the payment saga; safe to repeat after a partial
		// failure, it resumes from the committed version.
		api.Post("/{record_id}/settle", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				ActualCost money.Amount `json:"actual_cost"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			rec, err := saga.Settle(r.Context(), chi.URLParam(r, "record_id"), req.ActualCost)
			if err != nil {
				httpx.WriteDomainError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "record": rec})
		})

		api.Get("/{record_id}", func(w http.ResponseWriter, r *http.Request) {
			rec, err := notary.QueryByIdentity(r.Context(), chi.URLParam(r, "record_id"))
			if err != nil {
				httpx.WriteDomainError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "record": rec})
		})

		api.Get("/{record_id}/history", func(w http.ResponseWriter, r *http.Request) {
			if pgLog == nil {
				httpx.WriteError(w, 501, "NO_COMMIT_LOG", "history requires a configured commit log", nil)
				return
			}
			versions, err := pgLog.History(r.Context(), chi.URLParam(r, "record_id"))
			if err != nil {
				httpx.WriteDomainError(w, err)
				return
			}
			if len(versions) == 0 {
				httpx.WriteError(w, 404, "UNKNOWN_RECORD", "no committed versions", nil)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "versions": versions})
		})
	})

	// Finality routes consumed by remote ledger clients.
	r.Route("/ledger", func(api chi.Router) {

		api.Post("/transitions", func(w http.ResponseWriter, r *http.Request) {
			var tx ledger.Transition
			if err := httpx.ReadJSON(r, &tx); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			receipt, err := notary.Submit(r.Context(), tx)
			if err != nil {
				httpx.WriteDomainError(w, err)
				return
			}
			httpx.WriteJSON(w, 201, receipt)
		})

		api.Get("/records/{record_id}", func(w http.ResponseWriter, r *http.Request) {
			rec, err := notary.QueryByIdentity(r.Context(), chi.URLParam(r, "record_id"))
			if err != nil {
				httpx.WriteDomainError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, rec)
		})
	})

	go logCommits(ctx, notary, log)

	log.Info("hospital node listening",
		zap.String("party", self.Name), zap.String("addr", cfg.Listen))
	if err := http.ListenAndServe(cfg.Listen, r); err != nil {
		log.Fatal("http server", zap.Error(err))
	}
}



// buildDirectory prefers the shared redis roster and falls back to the
// static peer list from config.
func buildDirectory(ctx context.Context, cfg *config.Config, self domain.Party) (directory.Directory, func(), error) {
	if cfg.Redis.Addr != "" {
		rd, err := directory.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, nil, err
		}
		if err := rd.Register(ctx, self); err != nil {
			rd.Close()
			return nil, nil, err
		}
		return rd, func() { rd.Close() }, nil
	}
	parties := []domain.Party{self}
	for _, p := range cfg.Peers {
		parties = append(parties, domain.Party{Name: p.Name, Key: p.Key})
	}
	return directory.NewStatic(parties...), func() {}, nil
}

func logCommits(ctx context.Context, notary *ledger.Notary, log *zap.Logger) {
	updates, err := notary.Subscribe(ctx)
	if err != nil {
		return
	}
	for u := range updates {
		log.Info("ledger commit",
			zap.String("tx_id", u.Receipt.TxID),
			zap.Uint64("index", u.Receipt.Index),
			zap.String("record_id", u.Record.RecordID),
			zap.Int("version", u.Record.Version),
			zap.String("status", string(u.Record.Status)),
			zap.Time("committed_at", u.Receipt.CommittedAt))
	}
}
