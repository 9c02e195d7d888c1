// Package test holds the container-backed integration suite. It spins up
// postgres and kafka with testcontainers and runs the full monitor stack
// against them. The suite only runs when INTEGRATION_TEST is set.
package test

import (
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/SidA7MD/iset-sub000/core/csql"
	"github.com/SidA7MD/iset-sub000/monitor/alerts"
	"github.com/SidA7MD/iset-sub000/monitor/api"
	"github.com/SidA7MD/iset-sub000/monitor/realtime"
	"github.com/SidA7MD/iset-sub000/monitor/sink"
	"github.com/SidA7MD/iset-sub000/monitor/store"
	"github.com/SidA7MD/iset-sub000/monitor/token"
)

const observabilityTopic = "monitor-observability"

type IntegrationTestSuite struct {
	suite.Suite

	network           testcontainers.Network
	postgresContainer testcontainers.Container
	kafkaContainer    testcontainers.Container
	kafkaConn         *kafka.Conn
	kafkaAddr         string

	db          *csql.DB
	store       *store.Store
	tokens      *token.Service
	evaluator   *alerts.Evaluator
	registry    *realtime.Registry
	broadcaster *realtime.Broadcaster
	recorder    *sink.KafkaRecorder
	server      *httptest.Server
}

func (s *IntegrationTestSuite) SetupSuite() {
	if os.Getenv("INTEGRATION_TEST") == "" {
		s.T().Skip("set INTEGRATION_TEST to run the container-backed suite")
	}
	ctx := context.Background()

	networkName := fmt.Sprintf("monitor-test-network_%d", time.Now().Unix())
	network, err := testcontainers.GenericNetwork(ctx, testcontainers.GenericNetworkRequest{
		NetworkRequest: testcontainers.NetworkRequest{
			Name:           networkName,
			CheckDuplicate: true,
		},
	})
	s.Require().NoError(err)
	s.network = network

	pgReq := testcontainers.ContainerRequest{
		Image:        "postgres:15",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		Networks:       []string{networkName},
		NetworkAliases: map[string][]string{networkName: {"postgres"}},
		WaitingFor:     wait.ForListeningPort("5432/tcp"),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: pgReq,
		Started:          true,
	})
	s.Require().NoError(err)
	s.postgresContainer = pgC

	pgHost, err := pgC.Host(ctx)
	s.Require().NoError(err)
	pgPort, err := pgC.MappedPort(ctx, "5432")
	s.Require().NoError(err)

	zooReq := testcontainers.ContainerRequest{
		Image:        "confluentinc/cp-zookeeper:7.5.0",
		ExposedPorts: []string{"2181/tcp"},
		Env: map[string]string{
			"ZOOKEEPER_CLIENT_PORT": "2181",
			"ZOOKEEPER_TICK_TIME":   "2000",
		},
		WaitingFor:     wait.ForListeningPort("2181/tcp"),
		Networks:       []string{networkName},
		NetworkAliases: map[string][]string{networkName: {"zookeeper"}},
	}
	_, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: zooReq,
		Started:          true,
	})
	s.Require().NoError(err)

	kafkaReq := testcontainers.ContainerRequest{
		Image:        "confluentinc/cp-kafka:7.5.0",
		ExposedPorts: []string{"9092:9092/tcp"},
		Env: map[string]string{
			"KAFKA_BROKER_ID":                        "1",
			"KAFKA_ZOOKEEPER_CONNECT":                "zookeeper:2181",
			"KAFKA_LISTENERS":                        "PLAINTEXT://0.0.0.0:9092",
			"KAFKA_ADVERTISED_LISTENERS":             "PLAINTEXT://localhost:9092",
			"KAFKA_OFFSETS_TOPIC_REPLICATION_FACTOR": "1",
			"ALLOW_PLAINTEXT_LISTENER":               "yes",
		},
		WaitingFor:     wait.ForLog("started (kafka.server.KafkaServer)"),
		Networks:       []string{networkName},
		NetworkAliases: map[string][]string{networkName: {"kafka"}},
	}
	kafkaC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: kafkaReq,
		Started:          true,
	})
	s.Require().NoError(err)
	s.kafkaContainer = kafkaC

	kafkaHost, err := kafkaC.Host(ctx)
	s.Require().NoError(err)
	kafkaPort, err := kafkaC.MappedPort(ctx, "9092")
	s.Require().NoError(err)
	s.kafkaAddr = fmt.Sprintf("%s:%s", kafkaHost, kafkaPort.Port())

	s.kafkaConn, err = kafka.Dial("tcp", s.kafkaAddr)
	s.Require().NoError(err)
	err = s.kafkaConn.CreateTopics(kafka.TopicConfig{
		Topic:             observabilityTopic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	})
	s.Require().NoError(err)

	s.db = csql.OpenWithSchema(fmt.Sprintf(
		"host=%s port=%s user=testuser password=testpass dbname=testdb sslmode=disable",
		pgHost, pgPort.Port()), "monitor_test")

	s.store = store.MustNewStore(&store.Builder{DB: s.db})
	s.tokens = token.MustNewService(&token.Builder{Secret: "integration-test-secret"})
	s.evaluator = alerts.MustNewEvaluator(&alerts.Builder{})
	s.recorder = sink.MustNewKafkaRecorder(&sink.Builder{
		Brokers: []string{s.kafkaAddr},
		Topic:   observabilityTopic,
	})

	router := mux.NewRouter()
	s.registry = realtime.NewRegistry()
	s.broadcaster = realtime.NewBroadcaster(s.registry, s.recorder)
	authenticator := realtime.NewAuthenticator(s.tokens, s.store)

	realtime.MustNewService(&realtime.Builder{
		Router:        router,
		Authenticator: authenticator,
		Alerts:        s.store,
		Broadcaster:   s.broadcaster,
		Registry:      s.registry,
	})
	api.MustNewAPI(&api.Builder{
		Router:        router,
		Store:         s.store,
		Tokens:        s.tokens,
		Authenticator: authenticator,
		Broadcaster:   s.broadcaster,
	})

	s.server = httptest.NewServer(router)
}

func (s *IntegrationTestSuite) SetupTest() {
	if s.db != nil {
		s.db.ClearSchema()
		s.store = store.MustNewStore(&store.Builder{DB: s.db})
	}
}

func (s *IntegrationTestSuite) TearDownSuite() {
	ctx := context.Background()
	if s.server != nil {
		s.server.Close()
	}
	if s.recorder != nil {
		s.recorder.Close()
	}
	if s.kafkaConn != nil {
		s.kafkaConn.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
	if s.kafkaContainer != nil {
		s.kafkaContainer.Terminate(ctx)
	}
	if s.postgresContainer != nil {
		s.postgresContainer.Terminate(ctx)
	}
	if s.network != nil {
		s.network.Remove(ctx)
	}
}

// baseURL returns the http base URL of the test server.
func (s *IntegrationTestSuite) baseURL() string {
	return s.server.URL
}

// wsURL returns the websocket URL of the realtime endpoint.
func (s *IntegrationTestSuite) wsURL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + "/realtime"
}
