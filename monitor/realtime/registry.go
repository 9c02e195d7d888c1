package realtime

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/SidA7MD/iset-sub000/monitor"
)

// Connection lifecycle states.
const (
	StateConnecting int32 = iota
	StateAuthenticated
	StateActive
	StateClosed
)

// sendBufferSize is the per-connection write queue. A consumer that cannot
// drain it loses events and is eventually dropped by the ping timeout.
const sendBufferSize = 64

// Connection is one live transport session. It is created after successful
// authentication, mutated by subscribe requests and destroyed on disconnect.
// The lifecycle service owns it exclusively.
type Connection struct {
	ID uuid.UUID

	account    *monitor.Account
	authorized map[string]struct{}

	state int32

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(account *monitor.Account) *Connection {
	authorized := make(map[string]struct{}, len(account.DeviceIDs))
	for _, deviceID := range account.DeviceIDs {
		authorized[deviceID] = struct{}{}
	}
	return &Connection{
		ID:         uuid.New(),
		account:    account,
		authorized: authorized,
		state:      StateConnecting,
		send:       make(chan []byte, sendBufferSize),
		done:       make(chan struct{}),
	}
}

// Account returns the authenticated account of the connection.
func (c *Connection) Account() *monitor.Account {
	return c.account
}

// IdentityID returns the identity id the connection belongs to.
func (c *Connection) IdentityID() string {
	return c.account.AccountID.String()
}

// Authorized returns true if the device id is within the connection's
// authorization scope. The scope is fixed at authentication time; a
// reassignment becomes visible only after a reconnect or resubscribe.
func (c *Connection) Authorized(deviceID string) bool {
	_, ok := c.authorized[deviceID]
	return ok
}

// State returns the current lifecycle state.
func (c *Connection) State() int32 {
	return atomic.LoadInt32(&c.state)
}

func (c *Connection) setState(state int32) {
	atomic.StoreInt32(&c.state, state)
}

// SendEvent queues an event frame for delivery. Delivery is fire-and-forget:
// when the write queue is full the frame is dropped and the transport's ping
// timeout will eventually take the consumer down.
func (c *Connection) SendEvent(event Event) bool {
	return c.enqueue(marshalEvent(event))
}

// enqueue never closes or blocks on the send channel, so a publisher holding
// an older membership snapshot cannot trip over a concurrent teardown.
func (c *Connection) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Connection) shutdown() {
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		close(c.done)
	})
}

// TopicDevice returns the topic name for one device's event stream.
func TopicDevice(deviceID string) string {
	return "device:" + deviceID
}

// TopicIdentity returns the topic name for account-wide notifications.
func TopicIdentity(identityID string) string {
	return "user:" + identityID
}

// Registry owns the identity-to-connections index and the topic membership
// tables. It is constructed once per process and passed to every connection
// handler by reference; all mutations are serialized behind one mutex, so no
// read-modify-write ever spans a blocking boundary.
type Registry struct {
	mutex       sync.Mutex
	topics      map[string]map[*Connection]struct{}
	identities  map[string]map[*Connection]struct{}
	memberships map[*Connection]map[string]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		topics:      make(map[string]map[*Connection]struct{}),
		identities:  make(map[string]map[*Connection]struct{}),
		memberships: make(map[*Connection]map[string]struct{}),
	}
}

// Register adds the connection to the identity index. An identity entry
// exists if and only if at least one open connection references it.
func (r *Registry) Register(conn *Connection) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	identityID := conn.IdentityID()
	if r.identities[identityID] == nil {
		r.identities[identityID] = make(map[*Connection]struct{})
	}
	r.identities[identityID][conn] = struct{}{}
	r.memberships[conn] = make(map[string]struct{})
}

// Deregister removes the connection from the identity index and reports
// whether this was the identity's last open connection. The identity entry
// is deleted atomically with that last close.
func (r *Registry) Deregister(conn *Connection) (lastConnection bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	identityID := conn.IdentityID()
	if conns, ok := r.identities[identityID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(r.identities, identityID)
			lastConnection = true
		}
	}
	delete(r.memberships, conn)
	return
}

// JoinIdentityTopic joins the connection to its identity-scoped topic. This
// always succeeds.
func (r *Registry) JoinIdentityTopic(conn *Connection) {
	r.join(conn, TopicIdentity(conn.IdentityID()))
}

// JoinDeviceTopic joins the connection to a device-scoped topic. It fails
// with an AuthorizationError when the device is outside the connection's
// authorization scope; the membership tables are not touched in that case,
// not even transiently.
func (r *Registry) JoinDeviceTopic(conn *Connection, deviceID string) error {
	if len(deviceID) == 0 {
		return &AuthorizationError{Code: CodeMissingDeviceID, Message: "device id missing"}
	}
	if !conn.Authorized(deviceID) {
		return &AuthorizationError{Code: CodeDeviceNotAssigned, Message: "device " + deviceID + " is not assigned to you"}
	}
	r.join(conn, TopicDevice(deviceID))
	return nil
}

func (r *Registry) join(conn *Connection, topic string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.topics[topic] == nil {
		r.topics[topic] = make(map[*Connection]struct{})
	}
	r.topics[topic][conn] = struct{}{}
	if membership, ok := r.memberships[conn]; ok {
		membership[topic] = struct{}{}
	}
}

// LeaveAllTopics removes the connection from every topic it joined. It is
// idempotent and invoked at teardown.
func (r *Registry) LeaveAllTopics(conn *Connection) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for topic := range r.memberships[conn] {
		if members, ok := r.topics[topic]; ok {
			delete(members, conn)
			if len(members) == 0 {
				delete(r.topics, topic)
			}
		}
	}
	if membership, ok := r.memberships[conn]; ok {
		clear(membership)
	}
}

// Members returns the connections currently joined to the topic.
func (r *Registry) Members(topic string) []*Connection {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	members := make([]*Connection, 0, len(r.topics[topic]))
	for conn := range r.topics[topic] {
		members = append(members, conn)
	}
	return members
}

// IdentityConnected reports whether the identity currently has at least one
// open connection. This index is the sole source of truth for reachability.
func (r *Registry) IdentityConnected(identityID string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.identities[identityID]) > 0
}

// ConnectionCount returns the number of open connections for the identity.
func (r *Registry) ConnectionCount(identityID string) int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.identities[identityID])
}
