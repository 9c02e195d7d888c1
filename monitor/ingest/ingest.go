/*
Package ingest runs the MQTT broker devices push their telemetry to.

Devices authenticate with X.509 client certificates whose common name is the
device id. A device may only publish under its own topic prefix; readings
arrive as JSON on "sensors/{deviceID}/data", are persisted, evaluated against
the alert thresholds and handed to the realtime broadcaster.
*/
package ingest

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"log"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"

	"github.com/SidA7MD/iset-sub000/core/logger"
	"github.com/SidA7MD/iset-sub000/monitor"
	"github.com/SidA7MD/iset-sub000/monitor/alerts"
	"github.com/SidA7MD/iset-sub000/monitor/realtime"
)

// ReadingStore is the slice of the record store the ingestion path needs.
type ReadingStore interface {
	EnsureDevice(ctx context.Context, deviceID string) error
	SaveReading(ctx context.Context, reading *monitor.Reading) error
	SaveAlert(ctx context.Context, alert *monitor.Alert) error
	MarkDeviceOnline(ctx context.Context, deviceID string, at time.Time) (bool, error)
}

// Broker is the MQTT ingestion broker.
type Broker struct {
	p *plugin
}

// Builder is a builder helper for the Broker
type Builder struct {
	// Store persists readings and alerts. This is mandatory.
	Store ReadingStore
	// Evaluator evaluates readings against the alert thresholds. This is mandatory.
	Evaluator *alerts.Evaluator
	// Broadcaster fans events out to the dashboard connections. This is mandatory.
	Broadcaster *realtime.Broadcaster
	// CACertFile is the file path to the X.509 certificate of the certificate authority.
	// This is mandatory.
	CACertFile string
	// CertFile is the file path to the X.509 certificate file. This is mandatory.
	CertFile string
	// KeyFile is the file path to the X.509 private key file. This is mandatory.
	KeyFile string
	// Addr is the TLS listen address. Optional, defaults to ":8883".
	Addr string
}

// plugin is the plugin for GMQTT
type plugin struct {
	tlsln          net.Listener
	deviceIdsRwmux sync.RWMutex
	deviceIds      map[net.Conn]string

	service gmqtt.Server

	store       ReadingStore
	evaluator   *alerts.Evaluator
	broadcaster *realtime.Broadcaster
}

// MustNewBroker returns a new broker. The broker will not actually run until
// you call Run().
func MustNewBroker(b *Builder) *Broker {
	if b.Store == nil {
		panic("store is missing")
	}
	if b.Evaluator == nil {
		panic("evaluator is missing")
	}
	if b.Broadcaster == nil {
		panic("broadcaster is missing")
	}
	if len(b.CACertFile) == 0 {
		panic("ca-cert file missing")
	}
	if len(b.CertFile) == 0 {
		panic("cert file missing")
	}
	if len(b.KeyFile) == 0 {
		panic("key file missing")
	}

	crt, err := tls.LoadX509KeyPair(b.CertFile, b.KeyFile)
	if err != nil {
		panic(err)
	}

	caCert, _ := os.ReadFile(b.CACertFile)
	caCertPool := x509.NewCertPool()
	ok := caCertPool.AppendCertsFromPEM(caCert)
	log.Println("certs OK = ", ok)

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{crt},
		ClientCAs:    caCertPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}
	addr := b.Addr
	if len(addr) == 0 {
		addr = ":8883"
	}
	tlsln, err := tls.Listen("tcp", addr, tlsConfig)
	if err != nil {
		panic(err)
	}

	return &Broker{
		p: &plugin{
			tlsln:       tlsln,
			deviceIds:   make(map[net.Conn]string),
			store:       b.Store,
			evaluator:   b.Evaluator,
			broadcaster: b.Broadcaster,
		},
	}
}

// Run is blocking and runs the broker until the context is cancelled, then
// shuts it down gracefully.
func (b *Broker) Run(ctx context.Context) {
	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(b.p.tlsln),
		gmqtt.WithPlugin(b.p),
	)
	s.Run()
	logger.Default().Infoln("mqtt ingestion broker started")
	<-ctx.Done()
	s.Stop(context.Background())
	logger.Default().Infoln("mqtt ingestion broker stopped")
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	p.service = service
	return nil
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	return nil
}

// Name implements plugin interface
func (p *plugin) Name() string { return "iset ingestion" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnAcceptWrapper:     p.OnAcceptWrapper,
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
	}
}

func (p *plugin) deviceIDFromConnection(conn net.Conn) string {
	p.deviceIdsRwmux.RLock()
	defer p.deviceIdsRwmux.RUnlock()
	return p.deviceIds[conn]
}

// OnAcceptWrapper authorizes devices via TLS client certificates. The
// certificate common name is the device id.
func (p *plugin) OnAcceptWrapper(accept gmqtt.OnAccept) gmqtt.OnAccept {
	return func(ctx context.Context, conn net.Conn) bool {
		tlsConn, ok := conn.(*tls.Conn)
		if ok {
			err := tlsConn.Handshake()
			if err != nil {
				return false
			}
			state := tlsConn.ConnectionState()
			cert := state.VerifiedChains[0][0]
			deviceID := cert.Subject.CommonName
			if len(deviceID) == 0 {
				logger.FromContext(ctx).Warnln("rejecting device certificate without common name")
				return false
			}

			p.deviceIdsRwmux.Lock()
			defer p.deviceIdsRwmux.Unlock()
			p.deviceIds[conn] = deviceID
		}
		return accept(ctx, conn)
	}
}

// OnConnectWrapper enforces that the MQTT client ID matches the certificate common name
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		deviceID := p.deviceIDFromConnection(client.Connection())
		if client.OptionsReader().ClientID() != deviceID {
			logger.FromContext(ctx).Warnf("connect denied, %s not authorized", client.OptionsReader().ClientID())
			return packets.CodeNotAuthorized
		}
		logger.FromContext(ctx).Debugln("device connected:", deviceID)
		return connect(ctx, client)
	}
}

// OnSubscribeWrapper enforces topic policy: a device only sees its own prefix.
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		deviceID := client.OptionsReader().ClientID()
		if !strings.HasPrefix(topic.Name, "sensors/"+deviceID+"/") {
			logger.FromContext(ctx).Warnf("subscribe denied for %s on %s", deviceID, topic.Name)
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, topic)
	}
}

// OnMsgArrivedWrapper intercepts telemetry messages
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		deviceID := client.OptionsReader().ClientID()
		topic := msg.Topic()
		if topic == "sensors/"+deviceID+"/data" {
			p.handleReading(ctx, deviceID, msg.Payload())
		}
		return arrived(ctx, client, msg)
	}
}

// payload of a telemetry message; the timestamp is optional and defaults to
// the arrival time
type telemetryPayload struct {
	Temperature float64    `json:"temperature"`
	Humidity    float64    `json:"humidity"`
	Gas         float64    `json:"gas"`
	Timestamp   *time.Time `json:"timestamp"`
}

func (p *plugin) handleReading(ctx context.Context, deviceID string, payload []byte) {
	rlog := logger.WithDevice(logger.FromContext(ctx), deviceID)

	var telemetry telemetryPayload
	if err := json.Unmarshal(payload, &telemetry); err != nil {
		rlog.WithError(err).Warnln("dropping malformed telemetry payload")
		return
	}
	timestamp := time.Now().UTC()
	if telemetry.Timestamp != nil {
		timestamp = telemetry.Timestamp.UTC()
	}
	reading := monitor.Reading{
		DeviceID:    deviceID,
		Temperature: telemetry.Temperature,
		Humidity:    telemetry.Humidity,
		Gas:         telemetry.Gas,
		Timestamp:   timestamp,
	}

	triggered := p.evaluator.Evaluate(&reading)

	if err := p.store.EnsureDevice(ctx, deviceID); err != nil {
		rlog.WithError(err).Errorln("Error 5501: cannot ensure device record")
		return
	}
	if err := p.store.SaveReading(ctx, &reading); err != nil {
		rlog.WithError(err).Errorln("Error 5502: cannot save reading")
		return
	}
	cameOnline, err := p.store.MarkDeviceOnline(ctx, deviceID, timestamp)
	if err != nil {
		rlog.WithError(err).Errorln("Error 5503: cannot update device status")
	}

	if cameOnline {
		p.broadcaster.Publish(ctx, deviceID, realtime.StatusEvent{
			DeviceID:  deviceID,
			Status:    monitor.StatusOnline,
			Timestamp: timestamp,
		})
	}
	p.broadcaster.Publish(ctx, deviceID, realtime.ReadingEvent(reading))
	for i := range triggered {
		if err := p.store.SaveAlert(ctx, &triggered[i]); err != nil {
			rlog.WithError(err).Errorln("Error 5504: cannot save alert")
			continue
		}
		p.broadcaster.Publish(ctx, deviceID, realtime.AlertEvent(triggered[i]))
	}
}
