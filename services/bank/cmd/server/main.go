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
	"carelane/pkg/respond"
	"carelane/pkg/session"
	"carelane/pkg/signature"
)

// The bank node co-signs patient-side collections and keeps the debit
// history per account holder.
func main() {
	configPath := flag.String("config", "bank.yaml", "path to node config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, "carelane-bank")
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
		log.Fatal("ledger.base_url is required on bank nodes")
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

	node := respond.NewBank(self, keys, lc, log)
	node.Track = lc.Track
	if err := transport.Listen(session.ExchangeCollectPatient, node.HandleCollect); err != nil {
		log.Fatal("listen for collection sessions", zap.Error(err))
	}

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	r.Get("/identity", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "party": self})
	})
	r.Get("/payments/{nino}", func(w http.ResponseWriter, r *http.Request) {
		history := node.PaymentHistory(chi.URLParam(r, "nino"))
		httpx.WriteJSON(w, 200, map[string]any{
			"request_id": httpx.NewRequestID(),
			"nino":       chi.URLParam(r, "nino"),
			"payments":   history,
		})
	})

	log.Info("bank node listening",
		zap.String("party", self.Name), zap.String("addr", cfg.Listen))
	if err := http.ListenAndServe(cfg.Listen, r); err != nil {
		log.Fatal("http server", zap.Error(err))
	}
}
