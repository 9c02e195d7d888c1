/*
Package client is the consuming side of the realtime stream: a connection
controller with reconnection and token-refresh handling, a thin REST client
for the collaborator surface, and a state reconciler that merges live events
with seeded history into per-device snapshots.
*/
package client

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/SidA7MD/iset-sub000/core/logger"
	"github.com/SidA7MD/iset-sub000/monitor/realtime"
)

// State of the connection controller.
type State int

// Controller states. Error is terminal: the credential could not be
// refreshed or reconnection attempts ran out, the user has to log in again.
const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	}
	return "unknown"
}

const (
	connectTimeout     = 10 * time.Second
	reconnectAttempts  = 5
	reconnectBaseDelay = 2 * time.Second
)

// ErrAlreadyConnecting is returned by Connect when a connection attempt is
// already in flight or established. The call is a no-op then, never a second
// physical connection.
var ErrAlreadyConnecting = errors.New("connect already in flight")

// ErrCredentialRejected is the terminal authentication failure: the
// credential was rejected and could not be refreshed.
var ErrCredentialRejected = errors.New("credential rejected, re-login required")

// TokenRefresher exchanges an expired bearer token for a fresh one. The REST
// client implements this.
type TokenRefresher interface {
	Refresh(ctx context.Context, expired string) (string, error)
}

// Controller owns the websocket connection of one dashboard session. It
// guarantees at most one physical connection, refreshes an expired credential
// exactly once per attempt, and reconnects with bounded exponential backoff
// after transport drops.
type Controller struct {
	url       string
	dialer    *websocket.Dialer
	refresher TokenRefresher

	mutex         sync.Mutex
	state         State
	token         string
	conn          *websocket.Conn
	generation    int
	listeners     map[int]func(realtime.Event)
	nextListener  int
	stateWatchers map[int]func(State)
}

// Builder is a builder helper for the Controller
type Builder struct {
	// URL is the websocket endpoint, e.g. "ws://localhost:3000/realtime".
	// This is mandatory.
	URL string
	// Token is the initial bearer credential. This is mandatory.
	Token string
	// Refresher exchanges an expired token for a new one. Optional; without
	// it an expired credential is terminal immediately.
	Refresher TokenRefresher
	// Dialer is the websocket dialer. Optional, defaults to the package
	// default dialer.
	Dialer *websocket.Dialer
}

// MustNewController returns a new controller in idle state. Nothing connects
// until Connect is called.
func MustNewController(b *Builder) *Controller {
	if len(b.URL) == 0 {
		panic("URL is missing")
	}
	if len(b.Token) == 0 {
		panic("Token is missing")
	}
	dialer := b.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Controller{
		url:           b.URL,
		dialer:        dialer,
		refresher:     b.Refresher,
		state:         StateIdle,
		token:         b.Token,
		listeners:     make(map[int]func(realtime.Event)),
		stateWatchers: make(map[int]func(State)),
	}
}

// State returns the current controller state.
func (c *Controller) State() State {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.state
}

// OnEvent registers a listener for decoded server events. The returned
// function deregisters it; callers must invoke it on teardown, a leaked
// listener keeps receiving events.
func (c *Controller) OnEvent(listener func(realtime.Event)) func() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = listener
	return func() {
		c.mutex.Lock()
		defer c.mutex.Unlock()
		delete(c.listeners, id)
	}
}

// OnStateChange registers a watcher for controller state transitions, for UI
// indicators like "reconnecting". The returned function deregisters it.
func (c *Controller) OnStateChange(watcher func(State)) func() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	id := c.nextListener
	c.nextListener++
	c.stateWatchers[id] = watcher
	return func() {
		c.mutex.Lock()
		defer c.mutex.Unlock()
		delete(c.stateWatchers, id)
	}
}

// Connect establishes the connection. A second call while connecting or
// connected returns ErrAlreadyConnecting and does nothing else. On an
// expired credential it refreshes once and retries with the new token; if
// the refresh fails the controller goes into the terminal error state.
func (c *Controller) Connect(ctx context.Context) error {
	c.mutex.Lock()
	if c.state == StateConnecting || c.state == StateConnected || c.state == StateReconnecting {
		c.mutex.Unlock()
		return ErrAlreadyConnecting
	}
	c.generation++
	generation := c.generation
	c.setStateLocked(StateConnecting)
	token := c.token
	c.mutex.Unlock()

	err := c.attempt(ctx, generation, token)
	if err == nil {
		return nil
	}

	if errors.Is(err, realtime.ErrExpiredCredential) && c.refresher != nil {
		// exactly one refresh, then one retry. A refresh that fails will not
		// succeed on a loop either.
		refreshed, rerr := c.refresher.Refresh(ctx, token)
		if rerr == nil {
			c.mutex.Lock()
			c.token = refreshed
			c.mutex.Unlock()
			if err = c.attempt(ctx, generation, refreshed); err == nil {
				return nil
			}
		} else {
			err = ErrCredentialRejected
		}
	}

	c.mutex.Lock()
	if c.generation == generation {
		c.setStateLocked(StateError)
	}
	c.mutex.Unlock()
	return err
}

// attempt performs one physical connection attempt: dial, wait for the
// handshake outcome, then hand the connection to the read loop. The whole
// attempt is bounded by the connect timeout.
func (c *Controller) attempt(ctx context.Context, generation int, token string) error {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return err
	}

	// the first frame decides: connection:success or an error event with a
	// stable code, sent before the server closes the socket
	conn.SetReadDeadline(time.Now().Add(connectTimeout))
	var envelope realtime.Envelope
	if err := conn.ReadJSON(&envelope); err != nil {
		conn.Close()
		return err
	}
	conn.SetReadDeadline(time.Time{})

	switch envelope.Event {
	case realtime.EventConnected:
		var connected realtime.ConnectedEvent
		if err := json.Unmarshal(envelope.Data, &connected); err != nil {
			conn.Close()
			return err
		}
		c.mutex.Lock()
		if c.generation != generation {
			c.mutex.Unlock()
			conn.Close()
			return errors.New("connection superseded")
		}
		c.conn = conn
		c.setStateLocked(StateConnected)
		c.mutex.Unlock()
		c.dispatch(connected)
		go c.readLoop(conn, generation)
		return nil
	case realtime.EventError:
		var event realtime.ErrorEvent
		conn.Close()
		if err := json.Unmarshal(envelope.Data, &event); err != nil {
			return err
		}
		if event.Code == realtime.CodeTokenExpired {
			return realtime.ErrExpiredCredential
		}
		return &realtime.AuthenticationError{Code: event.Code, Message: event.Message}
	default:
		conn.Close()
		return errors.New("unexpected handshake event " + envelope.Event)
	}
}

// readLoop consumes frames until the transport drops, then starts the
// reconnect cycle unless the controller was closed meanwhile.
func (c *Controller) readLoop(conn *websocket.Conn, generation int) {
	for {
		var envelope realtime.Envelope
		if err := conn.ReadJSON(&envelope); err != nil {
			break
		}
		if event := decodeEvent(&envelope); event != nil {
			c.dispatch(event)
		}
	}
	conn.Close()

	c.mutex.Lock()
	if c.generation != generation || c.state != StateConnected {
		// superseded by a newer connection or an explicit Close
		c.mutex.Unlock()
		return
	}
	c.conn = nil
	c.setStateLocked(StateReconnecting)
	token := c.token
	c.mutex.Unlock()

	c.reconnect(generation, token)
}

// reconnect retries with exponential backoff, bounded. Running out of
// attempts is terminal for the controller; the UI shows "connection failed".
func (c *Controller) reconnect(generation int, token string) {
	delay := reconnectBaseDelay
	for i := 0; i < reconnectAttempts; i++ {
		time.Sleep(delay)
		delay *= 2

		c.mutex.Lock()
		if c.generation != generation {
			c.mutex.Unlock()
			return
		}
		c.mutex.Unlock()

		err := c.attempt(context.Background(), generation, token)
		if err == nil {
			return
		}
		if errors.Is(err, realtime.ErrExpiredCredential) && c.refresher != nil {
			refreshed, rerr := c.refresher.Refresh(context.Background(), token)
			if rerr != nil {
				break
			}
			c.mutex.Lock()
			c.token = refreshed
			c.mutex.Unlock()
			token = refreshed
			continue
		}
		var authErr *realtime.AuthenticationError
		if errors.As(err, &authErr) {
			break
		}
		logger.Default().WithError(err).Debugf("reconnect attempt %d failed", i+1)
	}

	c.mutex.Lock()
	if c.generation == generation {
		c.setStateLocked(StateError)
	}
	c.mutex.Unlock()
}

// Subscribe asks the server to join the topic of the given device. Errors
// come back asynchronously as error events.
func (c *Controller) Subscribe(deviceID string) error {
	return c.send(realtime.EventSubscribe, realtime.SubscribeRequest{DeviceID: deviceID})
}

// Acknowledge marks an alert as acknowledged.
func (c *Controller) Acknowledge(alertID uuid.UUID) error {
	return c.send(realtime.EventAcknowledge, realtime.AcknowledgeRequest{AlertID: alertID})
}

func (c *Controller) send(event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(realtime.Envelope{Event: event, Data: data})
	if err != nil {
		return err
	}
	c.mutex.Lock()
	conn := c.conn
	c.mutex.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// Close tears the connection down and deregisters all listeners. Idempotent.
// The controller returns to idle and can connect again.
func (c *Controller) Close() {
	c.mutex.Lock()
	c.generation++
	conn := c.conn
	c.conn = nil
	c.listeners = make(map[int]func(realtime.Event))
	c.stateWatchers = make(map[int]func(State))
	c.state = StateIdle
	c.mutex.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *Controller) setStateLocked(state State) {
	if c.state == state {
		return
	}
	c.state = state
	for _, watcher := range c.stateWatchers {
		go watcher(state)
	}
}

func (c *Controller) dispatch(event realtime.Event) {
	c.mutex.Lock()
	listeners := make([]func(realtime.Event), 0, len(c.listeners))
	for _, listener := range c.listeners {
		listeners = append(listeners, listener)
	}
	c.mutex.Unlock()
	for _, listener := range listeners {
		listener(event)
	}
}

// decodeEvent turns a wire envelope into its typed event. Unknown event
// names are skipped, a newer server may send events an older client does
// not know.
func decodeEvent(envelope *realtime.Envelope) realtime.Event {
	switch envelope.Event {
	case realtime.EventSensorData:
		var event realtime.ReadingEvent
		if json.Unmarshal(envelope.Data, &event) == nil {
			return event
		}
	case realtime.EventDeviceAlert:
		var event realtime.AlertEvent
		if json.Unmarshal(envelope.Data, &event) == nil {
			return event
		}
	case realtime.EventDeviceStatus:
		var event realtime.StatusEvent
		if json.Unmarshal(envelope.Data, &event) == nil {
			return event
		}
	case realtime.EventDeviceAssigned:
		var event realtime.AssignedEvent
		if json.Unmarshal(envelope.Data, &event) == nil {
			return event
		}
	case realtime.EventError:
		var event realtime.ErrorEvent
		if json.Unmarshal(envelope.Data, &event) == nil {
			return event
		}
	}
	return nil
}
