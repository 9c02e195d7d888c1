// The monitor service: telemetry ingestion over MQTT, threshold alerting,
// realtime distribution over websockets and the REST collaborator surface.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/SidA7MD/iset-sub000/core/csql"
	"github.com/SidA7MD/iset-sub000/core/logger"
	"github.com/SidA7MD/iset-sub000/monitor/alerts"
	"github.com/SidA7MD/iset-sub000/monitor/api"
	"github.com/SidA7MD/iset-sub000/monitor/ingest"
	"github.com/SidA7MD/iset-sub000/monitor/realtime"
	"github.com/SidA7MD/iset-sub000/monitor/sink"
	"github.com/SidA7MD/iset-sub000/monitor/store"
	"github.com/SidA7MD/iset-sub000/monitor/token"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres password=docker dbname=postgres sslmode=disable"
type Service struct {
	Postgres    string `env:"POSTGRES,required" description:"the connection string for the Postgres DB"`
	Schema      string `env:"SCHEMA,default=monitor" description:"the database schema"`
	Port        string `env:"PORT,default=3000" description:"the HTTP listen port"`
	TokenSecret string `env:"TOKEN_SECRET,required" description:"the HS256 signing secret for bearer tokens"`
	AlertRules  string `env:"ALERT_RULES,default=" description:"threshold rules as JSON, built-in defaults when empty"`

	KafkaBrokers string `env:"KAFKA_BROKERS,default=" description:"comma separated kafka brokers for the observability sink, logrus-only when empty"`
	KafkaTopic   string `env:"KAFKA_TOPIC,default=monitor-observability" description:"the kafka topic for the observability sink"`

	MQTTCACertFile string `env:"MQTT_CA_CERT_FILE,default=ca.crt" description:"the certificate authority for device client certificates"`
	MQTTCertFile   string `env:"MQTT_CERT_FILE,default=server.crt" description:"the broker's TLS certificate"`
	MQTTKeyFile    string `env:"MQTT_KEY_FILE,default=server.key" description:"the broker's TLS private key"`
	MQTTAddr       string `env:"MQTT_ADDR,default=:8883" description:"the MQTT TLS listen address"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	logger.InitLogger(logrus.InfoLevel)

	db := csql.OpenWithSchema(service.Postgres, service.Schema)
	defer db.Close()

	recordStore := store.MustNewStore(&store.Builder{
		DB: db,
	})

	rulesJSON := service.AlertRules
	if len(rulesJSON) == 0 {
		rulesJSON = alerts.DefaultConfigJSON
	}
	evaluator := alerts.MustNewEvaluator(&alerts.Builder{
		ConfigJSON: rulesJSON,
	})

	var recorder sink.Recorder = sink.LogRecorder{}
	if len(service.KafkaBrokers) > 0 {
		recorder = sink.MustNewKafkaRecorder(&sink.Builder{
			Brokers: strings.Split(service.KafkaBrokers, ","),
			Topic:   service.KafkaTopic,
		})
	}

	tokens := token.MustNewService(&token.Builder{
		Secret: service.TokenSecret,
	})

	router := mux.NewRouter()
	logger.AddRequestID(router)

	registry := realtime.NewRegistry()
	broadcaster := realtime.NewBroadcaster(registry, recorder)
	authenticator := realtime.NewAuthenticator(tokens, recordStore)

	realtime.MustNewService(&realtime.Builder{
		Router:        router,
		Authenticator: authenticator,
		Alerts:        recordStore,
		Broadcaster:   broadcaster,
		Registry:      registry,
	})

	api.MustNewAPI(&api.Builder{
		Router:        router,
		Store:         recordStore,
		Tokens:        tokens,
		Authenticator: authenticator,
		Broadcaster:   broadcaster,
	})

	broker := ingest.MustNewBroker(&ingest.Builder{
		Store:       recordStore,
		Evaluator:   evaluator,
		Broadcaster: broadcaster,
		CACertFile:  service.MQTTCACertFile,
		CertFile:    service.MQTTCertFile,
		KeyFile:     service.MQTTKeyFile,
		Addr:        service.MQTTAddr,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watchdog := realtime.NewWatchdog(recordStore, broadcaster)
	go watchdog.Run(ctx)

	cors := handlers.CORS(
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		handlers.AllowedOrigins([]string{"*"}),
	)

	logger.Default().Infoln("listen on port :" + service.Port)
	go http.ListenAndServe(":"+service.Port, cors(router))

	go func() {
		signalCh := make(chan os.Signal, 1)
		signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
		<-signalCh
		cancel()
	}()

	broker.Run(ctx)
}
