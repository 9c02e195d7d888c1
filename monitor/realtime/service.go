/*
Package realtime is the real-time telemetry distribution subsystem: an
authenticated publish/subscribe channel over websockets that delivers live
sensor readings and alerts to exactly the set of connections entitled to see
them.

Every connection joins its identity-scoped topic ("user:{id}") and may join
device-scoped topics ("device:{id}") within its authorization scope. Delivery
is at-most-once: a disconnected client simply misses the events published
during its absence.
*/
package realtime

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/SidA7MD/iset-sub000/core/logger"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer. A client
	// that stops answering pings is dropped by this read deadline.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096
)

// AlertAcker acknowledges a triggered alert. The store satisfies this
// interface.
type AlertAcker interface {
	AcknowledgeAlert(ctx context.Context, alertID uuid.UUID) error
}

// Service accepts websocket connections, authenticates them and runs their
// lifecycle: CONNECTING, AUTHENTICATED after the credential check, ACTIVE
// once the topics are joined, CLOSED on teardown.
type Service struct {
	registry      *Registry
	broadcaster   *Broadcaster
	authenticator *Authenticator
	alerts        AlertAcker
	upgrader      websocket.Upgrader
}

// Builder is a builder helper for the Service
type Builder struct {
	// Router is the mux router the /realtime route is installed on. This is mandatory.
	Router *mux.Router
	// Authenticator validates handshake credentials. This is mandatory.
	Authenticator *Authenticator
	// Alerts handles alert:acknowledge requests. This is mandatory.
	Alerts AlertAcker
	// Broadcaster publishes into the service's registry. This is mandatory
	// and must be constructed over the same registry.
	Broadcaster *Broadcaster
	// Registry owns the connection index and topic membership. This is mandatory.
	Registry *Registry
}

// MustNewService returns a new realtime service and installs the websocket
// route on the router.
func MustNewService(b *Builder) *Service {
	if b.Router == nil {
		panic("router is missing")
	}
	if b.Authenticator == nil {
		panic("authenticator is missing")
	}
	if b.Alerts == nil {
		panic("alert acker is missing")
	}
	if b.Registry == nil {
		panic("registry is missing")
	}
	if b.Broadcaster == nil {
		panic("broadcaster is missing")
	}

	s := &Service{
		registry:      b.Registry,
		broadcaster:   b.Broadcaster,
		authenticator: b.Authenticator,
		alerts:        b.Alerts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// the dashboard is served from another origin during development
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	logger.Default().Infoln("realtime")
	logger.Default().Infoln("  handle route: /realtime GET (websocket)")
	b.Router.HandleFunc("/realtime", s.handleConnection).Methods(http.MethodGet)
	return s
}

// Broadcaster returns the broadcaster publishing into this service's
// registry.
func (s *Service) Broadcaster() *Broadcaster {
	return s.broadcaster
}

// Registry returns the connection registry.
func (s *Service) Registry() *Registry {
	return s.registry
}

// CredentialFromRequest extracts the bearer credential from an incoming
// request: an Authorization header with or without the Bearer prefix, or a
// token query parameter as fallback for browser websocket clients.
func CredentialFromRequest(r *http.Request) string {
	bearer := r.Header.Get("Authorization")
	if len(bearer) >= 8 && bearer[:7] == "Bearer " {
		return bearer[7:]
	}
	if len(bearer) > 0 && bearer != "null" {
		return bearer
	}
	return r.URL.Query().Get("token")
}

func (s *Service) handleConnection(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Warnln("websocket upgrade failed")
		return
	}

	// authentication is the gate: no topic join and no event delivery
	// before it succeeds
	account, err := s.authenticator.Authenticate(r.Context(), CredentialFromRequest(r))
	if err != nil {
		var authErr *AuthenticationError
		event := ErrorEvent{Message: "authentication failed", Code: CodeTokenInvalid}
		if errors.As(err, &authErr) {
			event = ErrorEvent{Message: authErr.Message, Code: authErr.Code}
		}
		// surface the reason to the client before transport teardown
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		ws.WriteMessage(websocket.TextMessage, marshalEvent(event))
		ws.Close()
		return
	}

	conn := newConnection(account)
	conn.setState(StateAuthenticated)

	ctx, rlog := logger.ContextWithLoggerConnection(context.Background(), conn.ID, account.Identity)

	s.registry.Register(conn)
	s.registry.JoinIdentityTopic(conn)
	for _, deviceID := range account.DeviceIDs {
		// scope was established at authentication time, joins cannot fail
		s.registry.JoinDeviceTopic(conn, deviceID)
	}
	conn.setState(StateActive)

	conn.SendEvent(ConnectedEvent{
		IdentityID:   conn.IdentityID(),
		ConnectionID: conn.ID.String(),
		DeviceIDs:    account.DeviceIDs,
		Timestamp:    time.Now().UTC(),
	})
	rlog.Debugf("connection active, %d of them for this identity", s.registry.ConnectionCount(conn.IdentityID()))

	go s.writePump(conn, ws)
	go s.readPump(ctx, conn, ws, rlog)
}

func (s *Service) readPump(ctx context.Context, conn *Connection, ws *websocket.Conn, rlog *logrus.Entry) {
	defer func() {
		s.teardown(conn, rlog)
		ws.Close()
	}()

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				rlog.WithError(err).Debugln("connection closed")
			}
			return
		}
		s.handleClientEvent(ctx, conn, frame, rlog)
	}
}

// handleClientEvent processes one client-to-server event. Failures degrade to
// a scoped error event on this connection; they never affect other
// connections or crash the process.
func (s *Service) handleClientEvent(ctx context.Context, conn *Connection, frame []byte, rlog *logrus.Entry) {
	defer func() {
		if r := recover(); r != nil {
			rlog.Errorf("Error 5301: recovered from panic in client event handler: %v", r)
		}
	}()

	var envelope Envelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		conn.SendEvent(ErrorEvent{Message: "malformed event", Code: CodeMissingDeviceID})
		return
	}

	switch envelope.Event {
	case EventSubscribe:
		var request SubscribeRequest
		json.Unmarshal(envelope.Data, &request)
		if err := s.registry.JoinDeviceTopic(conn, request.DeviceID); err != nil {
			var authzErr *AuthorizationError
			if errors.As(err, &authzErr) {
				conn.SendEvent(ErrorEvent{Message: authzErr.Message, Code: authzErr.Code})
			}
			return
		}
		logger.WithDevice(rlog, request.DeviceID).Debugln("subscribed to device topic")

	case EventAcknowledge:
		var request AcknowledgeRequest
		json.Unmarshal(envelope.Data, &request)
		if err := s.alerts.AcknowledgeAlert(ctx, request.AlertID); err != nil {
			rlog.WithError(err).Warnln("cannot acknowledge alert")
			conn.SendEvent(ErrorEvent{Message: "cannot acknowledge alert " + request.AlertID.String(), Code: CodeAlertAckError})
		}

	default:
		rlog.Debugf("ignoring unknown client event %q", envelope.Event)
	}
}

func (s *Service) teardown(conn *Connection, rlog *logrus.Entry) {
	s.registry.LeaveAllTopics(conn)
	lastConnection := s.registry.Deregister(conn)
	conn.shutdown()
	if lastConnection {
		// distinct from the common one-of-several-tabs-closed case,
		// which stays silent
		rlog.Infoln("last connection closed, identity no longer reachable")
	}
}

func (s *Service) writePump(conn *Connection, ws *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case <-conn.done:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case frame := <-conn.send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
