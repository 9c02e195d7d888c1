package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SidA7MD/iset-sub000/monitor"
	"github.com/SidA7MD/iset-sub000/monitor/token"
)

// memoryAcker acknowledges alerts in memory; it fails for ids it was told to
// fail for.
type memoryAcker struct {
	mutex   sync.Mutex
	failing map[uuid.UUID]struct{}
	acked   []uuid.UUID
}

func (m *memoryAcker) AcknowledgeAlert(ctx context.Context, alertID uuid.UUID) error {
	if _, ok := m.failing[alertID]; ok {
		return errors.New("no such alert")
	}
	m.mutex.Lock()
	m.acked = append(m.acked, alertID)
	m.mutex.Unlock()
	return nil
}

func (m *memoryAcker) ackCount() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.acked)
}

type serviceFixture struct {
	service  *Service
	tokens   *token.Service
	accounts memoryAccounts
	acker    *memoryAcker
	server   *httptest.Server
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	tokens := token.MustNewService(&token.Builder{Secret: "service-test-secret"})
	accounts := memoryAccounts{
		"a@example.com":     {AccountID: uuid.New(), Identity: "a@example.com", Role: monitor.RoleUser, Active: true, DeviceIDs: []string{"DEV1"}},
		"b@example.com":     {AccountID: uuid.New(), Identity: "b@example.com", Role: monitor.RoleUser, Active: true, DeviceIDs: []string{"DEV2"}},
		"admin@example.com": {AccountID: uuid.New(), Identity: "admin@example.com", Role: monitor.RoleAdmin, Active: true, DeviceIDs: []string{"DEV1", "DEV2"}},
	}
	acker := &memoryAcker{failing: map[uuid.UUID]struct{}{}}

	router := mux.NewRouter()
	registry := NewRegistry()
	broadcaster := NewBroadcaster(registry, nil)
	service := MustNewService(&Builder{
		Router:        router,
		Authenticator: NewAuthenticator(tokens, accounts),
		Alerts:        acker,
		Broadcaster:   broadcaster,
		Registry:      registry,
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return &serviceFixture{service: service, tokens: tokens, accounts: accounts, acker: acker, server: server}
}

func (f *serviceFixture) dial(t *testing.T, identity string) *websocket.Conn {
	t.Helper()
	credential, err := f.tokens.Issue(identity, f.accounts[identity].Role)
	require.NoError(t, err)
	return f.dialCredential(t, credential)
}

func (f *serviceFixture) dialCredential(t *testing.T, credential string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/realtime"
	header := http.Header{}
	if len(credential) > 0 {
		header.Set("Authorization", "Bearer "+credential)
	}
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) Envelope {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var envelope Envelope
	require.NoError(t, ws.ReadJSON(&envelope))
	return envelope
}

func sendEnvelope(t *testing.T, ws *websocket.Conn, event string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(Envelope{Event: event, Data: data}))
}

func TestService_HandshakeSuccess(t *testing.T) {
	f := newServiceFixture(t)
	ws := f.dial(t, "a@example.com")

	envelope := readEnvelope(t, ws)
	require.Equal(t, EventConnected, envelope.Event)

	var connected ConnectedEvent
	require.NoError(t, json.Unmarshal(envelope.Data, &connected))
	assert.Equal(t, f.accounts["a@example.com"].AccountID.String(), connected.IdentityID)
	assert.Equal(t, []string{"DEV1"}, connected.DeviceIDs)
	assert.NotEmpty(t, connected.ConnectionID)
}

func TestService_HandshakeFailureSurfacesCode(t *testing.T) {
	f := newServiceFixture(t)

	// the upgrade succeeds; the error event arrives before the server
	// closes the transport
	ws := f.dialCredential(t, "garbage")
	envelope := readEnvelope(t, ws)
	require.Equal(t, EventError, envelope.Event)
	var event ErrorEvent
	require.NoError(t, json.Unmarshal(envelope.Data, &event))
	assert.Equal(t, CodeTokenInvalid, event.Code)

	expiredTokens := token.MustNewService(&token.Builder{Secret: "service-test-secret", Lifetime: -time.Minute})
	expired, err := expiredTokens.Issue("a@example.com", monitor.RoleUser)
	require.NoError(t, err)
	ws = f.dialCredential(t, expired)
	envelope = readEnvelope(t, ws)
	require.Equal(t, EventError, envelope.Event)
	require.NoError(t, json.Unmarshal(envelope.Data, &event))
	assert.Equal(t, CodeTokenExpired, event.Code)
}

func TestService_SubscribeOutsideScope(t *testing.T) {
	f := newServiceFixture(t)
	ws := f.dial(t, "a@example.com")
	require.Equal(t, EventConnected, readEnvelope(t, ws).Event)

	sendEnvelope(t, ws, EventSubscribe, SubscribeRequest{DeviceID: "DEV2"})

	envelope := readEnvelope(t, ws)
	require.Equal(t, EventError, envelope.Event)
	var event ErrorEvent
	require.NoError(t, json.Unmarshal(envelope.Data, &event))
	assert.Equal(t, CodeDeviceNotAssigned, event.Code)

	// the connection survives the denied join
	f.service.Broadcaster().Publish(context.Background(), "DEV1", ReadingEvent{DeviceID: "DEV1", Temperature: 21})
	envelope = readEnvelope(t, ws)
	assert.Equal(t, EventSensorData, envelope.Event)
}

func TestService_PublishReachesSubscribersOnly(t *testing.T) {
	f := newServiceFixture(t)
	wsA := f.dial(t, "a@example.com")
	wsB := f.dial(t, "b@example.com")
	require.Equal(t, EventConnected, readEnvelope(t, wsA).Event)
	require.Equal(t, EventConnected, readEnvelope(t, wsB).Event)

	f.service.Broadcaster().Publish(context.Background(), "DEV1", ReadingEvent{
		DeviceID: "DEV1", Temperature: 22.5, Humidity: 50, Gas: 300, Timestamp: time.Now().UTC(),
	})
	// a marker event on B's device proves the DEV1 event never reached B
	f.service.Broadcaster().Publish(context.Background(), "DEV2", StatusEvent{DeviceID: "DEV2", Status: monitor.StatusOnline})

	envelope := readEnvelope(t, wsA)
	require.Equal(t, EventSensorData, envelope.Event)
	var reading ReadingEvent
	require.NoError(t, json.Unmarshal(envelope.Data, &reading))
	assert.Equal(t, "DEV1", reading.DeviceID)
	assert.Equal(t, 22.5, reading.Temperature)

	envelope = readEnvelope(t, wsB)
	assert.Equal(t, EventDeviceStatus, envelope.Event)
}

func TestService_AcknowledgeAlert(t *testing.T) {
	f := newServiceFixture(t)
	ws := f.dial(t, "a@example.com")
	require.Equal(t, EventConnected, readEnvelope(t, ws).Event)

	failingID := uuid.New()
	f.acker.failing[failingID] = struct{}{}
	sendEnvelope(t, ws, EventAcknowledge, AcknowledgeRequest{AlertID: failingID})

	envelope := readEnvelope(t, ws)
	require.Equal(t, EventError, envelope.Event)
	var event ErrorEvent
	require.NoError(t, json.Unmarshal(envelope.Data, &event))
	assert.Equal(t, CodeAlertAckError, event.Code)

	// the failure was scoped, the connection still works
	goodID := uuid.New()
	sendEnvelope(t, ws, EventAcknowledge, AcknowledgeRequest{AlertID: goodID})
	waitFor(t, func() bool { return f.acker.ackCount() == 1 })
	f.service.Broadcaster().Publish(context.Background(), "DEV1", ReadingEvent{DeviceID: "DEV1"})
	assert.Equal(t, EventSensorData, readEnvelope(t, ws).Event)
}

func TestService_LifecycleIndex(t *testing.T) {
	f := newServiceFixture(t)
	identityID := f.accounts["a@example.com"].AccountID.String()

	first := f.dial(t, "a@example.com")
	second := f.dial(t, "a@example.com")
	require.Equal(t, EventConnected, readEnvelope(t, first).Event)
	require.Equal(t, EventConnected, readEnvelope(t, second).Event)

	registry := f.service.Registry()
	require.Equal(t, 2, registry.ConnectionCount(identityID))

	first.Close()
	waitFor(t, func() bool { return registry.ConnectionCount(identityID) == 1 })
	assert.True(t, registry.IdentityConnected(identityID))

	second.Close()
	waitFor(t, func() bool { return !registry.IdentityConnected(identityID) })
}

// waitFor polls until the condition holds, the teardown path runs on the
// server's goroutines.
func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached within deadline")
}
