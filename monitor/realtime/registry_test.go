package realtime

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/SidA7MD/iset-sub000/monitor"
)

func testAccount(devices ...string) *monitor.Account {
	return &monitor.Account{
		AccountID: uuid.New(),
		Identity:  "someone@example.com",
		Role:      monitor.RoleUser,
		Active:    true,
		DeviceIDs: devices,
	}
}

func TestRegistry_JoinDeviceTopic(t *testing.T) {
	registry := NewRegistry()
	conn := newConnection(testAccount("DEV1"))
	registry.Register(conn)

	if err := registry.JoinDeviceTopic(conn, "DEV1"); err != nil {
		t.Fatal("join within scope must succeed:", err)
	}
	assert.Len(t, registry.Members(TopicDevice("DEV1")), 1)

	err := registry.JoinDeviceTopic(conn, "DEV2")
	var authErr *AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatal("join outside scope must fail with an authorization error")
	}
	assert.Equal(t, CodeDeviceNotAssigned, authErr.Code)
	// membership must not leak, not even transiently
	assert.Empty(t, registry.Members(TopicDevice("DEV2")))

	err = registry.JoinDeviceTopic(conn, "")
	if errors.As(err, &authErr) {
		assert.Equal(t, CodeMissingDeviceID, authErr.Code)
	} else {
		t.Fatal("empty device id must fail with an authorization error")
	}
}

func TestRegistry_IdentityIndex(t *testing.T) {
	registry := NewRegistry()
	account := testAccount("DEV1")

	first := newConnection(account)
	second := newConnection(account)
	registry.Register(first)
	registry.Register(second)

	identityID := account.AccountID.String()
	assert.Equal(t, 2, registry.ConnectionCount(identityID))

	// closing one of several connections leaves the identity connected
	if last := registry.Deregister(first); last {
		t.Fatal("first close must not be reported as the last one")
	}
	assert.True(t, registry.IdentityConnected(identityID))

	// closing the last one removes the identity entry atomically
	if last := registry.Deregister(second); !last {
		t.Fatal("second close must be reported as the last one")
	}
	assert.False(t, registry.IdentityConnected(identityID))
	assert.Equal(t, 0, registry.ConnectionCount(identityID))
}

func TestRegistry_LeaveAllTopicsIdempotent(t *testing.T) {
	registry := NewRegistry()
	conn := newConnection(testAccount("DEV1", "DEV2"))
	registry.Register(conn)
	registry.JoinIdentityTopic(conn)
	assert.NoError(t, registry.JoinDeviceTopic(conn, "DEV1"))
	assert.NoError(t, registry.JoinDeviceTopic(conn, "DEV2"))

	registry.LeaveAllTopics(conn)
	registry.LeaveAllTopics(conn)

	assert.Empty(t, registry.Members(TopicDevice("DEV1")))
	assert.Empty(t, registry.Members(TopicDevice("DEV2")))
	assert.Empty(t, registry.Members(TopicIdentity(conn.IdentityID())))
}

func TestRegistry_ScopeIsFixedAtConnectTime(t *testing.T) {
	registry := NewRegistry()
	account := testAccount("DEV1")
	conn := newConnection(account)
	registry.Register(conn)

	// a reassignment on the account record does not widen an open connection
	account.DeviceIDs = append(account.DeviceIDs, "DEV2")
	err := registry.JoinDeviceTopic(conn, "DEV2")
	assert.Error(t, err)
}

func TestConnection_EnqueueAfterShutdown(t *testing.T) {
	conn := newConnection(testAccount())
	if !conn.enqueue([]byte("one")) {
		t.Fatal("enqueue on open connection must succeed")
	}
	conn.shutdown()
	conn.shutdown()
	if conn.enqueue([]byte("two")) {
		t.Fatal("enqueue after shutdown must be rejected")
	}
	assert.Equal(t, StateClosed, conn.State())
}

func TestConnection_DropOnFullQueue(t *testing.T) {
	conn := newConnection(testAccount())
	for i := 0; i < sendBufferSize; i++ {
		if !conn.enqueue([]byte("frame")) {
			t.Fatal("queue filled up too early at", i)
		}
	}
	if conn.enqueue([]byte("overflow")) {
		t.Fatal("a full queue must drop, not block")
	}
}
