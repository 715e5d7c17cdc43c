package main

import (
	"context"
	"flag"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"carelane/pkg/config"
	"carelane/pkg/directory"
	"carelane/pkg/domain"
	"carelane/pkg/httpx"
	"carelane/pkg/ledger"
	"carelane/pkg/logging"
	"carelane/pkg/money"
	"carelane/pkg/respond"
	"carelane/pkg/session"
	"carelane/pkg/signature"
)

// The insurer node answers quote auctions and counter-signs settlement
// transitions. Finality lives on the hospital node; this node reaches it
// through the ledger HTTP client.
func main() {
	configPath := flag.String("config", "insurer.yaml", "path to node config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, "carelane-insurer")
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	keys, err := signature.FromSeed(cfg.Party.KeySeed)
	if err != nil {
		log.Fatal("derive signing keys", zap.Error(err))
	}
	self := domain.Party{Name: cfg.Party.Name, Key: keys.PublicKeyB64()}

	if cfg.Ledger.BaseURL == "" {
		log.Fatal("ledger.base_url is required on insurer nodes")
	}
	lc := ledger.NewHTTPClient(cfg.Ledger.BaseURL)

	ctx := context.Background()
	if cfg.Redis.Addr != "" {
		rd, err := directory.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatal("connect to redis roster", zap.Error(err))
		}
		defer rd.Close()
		if err := rd.Register(ctx, self); err != nil {
			log.Fatal("register in roster", zap.Error(err))
		}
	}

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

	policy := respond.PercentagePolicy{
		CoverPercent: cfg.Quote.CoverPercent,
		ExposureCap:  money.Amount{Quantity: cfg.Quote.ExposureCap, Currency: cfg.Quote.Currency},
	}
	node := &respond.Insurer{Self: self, Keys: keys, Ledger: lc, Policy: policy, Log: log, Track: lc.Track}

	if err := transport.Listen(session.ExchangeQuote, node.HandleQuote); err != nil {
		log.Fatal("listen for quote sessions", zap.Error(err))
	}
	if err := transport.Listen(session.ExchangeFinalise, node.HandleFinalise); err != nil {
		log.Fatal("listen for finalise sessions", zap.Error(err))
	}
	if err := transport.Listen(session.ExchangeCollectInsurer, node.HandleCollect); err != nil {
		log.Fatal("listen for collection sessions", zap.Error(err))
	}

	// Audit feed: every version of a record this node ever signed.
	go func() {
		updates, err := lc.Subscribe(ctx)
		if err != nil {
			log.Warn("ledger subscription failed", zap.Error(err))
			return
		}
		for u := range updates {
			log.Info("record advanced",
				zap.String("record_id", u.Record.RecordID),
				zap.Int("version", u.Record.Version),
				zap.String("status", string(u.Record.Status)))
		}
	}()

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	r.Get("/identity", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]any{
			"request_id": httpx.NewRequestID(),
			"party":      self,
			"policy": map[string]any{
				"cover_percent": policy.CoverPercent,
				"exposure_cap":  policy.ExposureCap,
			},
		})
	})
	r.Get("/records/{record_id}", func(w http.ResponseWriter, r *http.Request) {
		rec, err := lc.QueryByIdentity(r.Context(), chi.URLParam(r, "record_id"))
		if err != nil {
			httpx.WriteDomainError(w, err)
			return
		}
		httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "record": rec})
	})

	log.Info("insurer node listening",
		zap.String("party", self.Name), zap.String("addr", cfg.Listen))
	if err := http.ListenAndServe(cfg.Listen, r); err != nil {
		log.Fatal("http server", zap.Error(err))
	}
}
