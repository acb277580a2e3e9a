package bus

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NatsBus is a thin wrapper over a NATS connection that speaks JSON events.
type NatsBus struct {
	nc        *nats.Conn
	js        nats.JetStreamContext
	jsEnabled bool
	ackWait   time.Duration
}

const (
	envUseJetStream = "NATS_USE_JETSTREAM"
	envJSAckWait    = "NATS_JS_ACK_WAIT"
	envJSMaxAge     = "NATS_JS_MAX_AGE"

	envNATSTLSCA       = "NATS_TLS_CA"
	envNATSTLSCert     = "NATS_TLS_CERT"
	envNATSTLSKey      = "NATS_TLS_KEY"
	envNATSTLSInsecure = "NATS_TLS_INSECURE"

	defaultAckWait = 30 * time.Second
	defaultMaxAge  = 7 * 24 * time.Hour

	streamCoord = "CORRAL_COORD"
)

var (
	errNilBus       = errors.New("nats bus not initialized")
	errEmptySubject = errors.New("empty subject")
	errEmptyType    = errors.New("empty event type")
)

// NewNatsBus dials NATS at the provided URL.
func NewNatsBus(url string) (*NatsBus, error) {
	opts := []nats.Option{
		nats.Name("corral-bus"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Printf("[BUS] disconnected from NATS: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[BUS] reconnected to NATS at %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Printf("[BUS] connection closed")
		}),
	}

	tlsConfig, err := natsTLSConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		opts = append(opts, nats.Secure(tlsConfig))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	b := &NatsBus{nc: nc, ackWait: defaultAckWait}
	b.initJetStreamFromEnv()
	return b, nil
}

// Close shuts down the underlying NATS connection.
func (b *NatsBus) Close() {
	if b != nil && b.nc != nil {
		b.nc.Close()
	}
}

// PublishEvent sends a coordination event on its type subject.
func (b *NatsBus) PublishEvent(event Event) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if strings.TrimSpace(event.Type) == "" {
		return errEmptyType
	}
	subject := SubjectForType(event.Type)
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if b.jsEnabled && isDurableSubject(subject) {
		if id := strings.TrimSpace(event.ID); id != "" {
			_, err = b.js.Publish(subject, data, nats.MsgId(subject+":"+id))
		} else {
			_, err = b.js.Publish(subject, data)
		}
		return err
	}
	return b.nc.Publish(subject, data)
}

// PublishHeartbeat sends an agent heartbeat. Heartbeats are fire-and-forget.
func (b *NatsBus) PublishHeartbeat(hb Heartbeat) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if strings.TrimSpace(hb.AgentID) == "" {
		return errors.New("empty agent id")
	}
	data, err := json.Marshal(hb)
	if err != nil {
		return err
	}
	return b.nc.Publish(SubjectHeartbeat, data)
}

// SubscribeEvents attaches a subscription that decodes events and invokes the
// handler. When JetStream is enabled, durable subjects are consumed with
// explicit ack/nak semantics; a handler error wrapped by RetryAfter naks
// with the requested delay.
func (b *NatsBus) SubscribeEvents(subject, queue string, handler func(Event) error) error {
	if handler == nil {
		return errors.New("nil handler")
	}
	return b.subscribe(subject, queue, func(data []byte) error {
		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if event.Type == "" {
			// Not an event record (e.g. a heartbeat caught by a wide wildcard).
			return nil
		}
		return handler(event)
	})
}

// SubscribeHeartbeats attaches a subscription for agent heartbeats.
func (b *NatsBus) SubscribeHeartbeats(queue string, handler func(Heartbeat) error) error {
	if handler == nil {
		return errors.New("nil handler")
	}
	return b.subscribe(SubjectHeartbeat, queue, func(data []byte) error {
		var hb Heartbeat
		if err := json.Unmarshal(data, &hb); err != nil {
			return fmt.Errorf("decode heartbeat: %w", err)
		}
		return handler(hb)
	})
}

func (b *NatsBus) subscribe(subject, queue string, handle func([]byte) error) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptySubject
	}
	if b.jsEnabled && isDurableSubject(subject) {
		cb := func(msg *nats.Msg) {
			if err := handle(msg.Data); err != nil {
				if delay, ok := RetryDelay(err); ok {
					if delay > 0 {
						_ = msg.NakWithDelay(delay)
					} else {
						_ = msg.Nak()
					}
					return
				}
				log.Printf("nats bus: handler error (ack): %v", err)
			}
			_ = msg.Ack()
		}

		opts := []nats.SubOpt{
			nats.ManualAck(),
			nats.AckExplicit(),
			nats.AckWait(b.ackWait),
			nats.MaxAckPending(2048),
		}
		if durable := durableName(subject, queue); durable != "" {
			opts = append(opts, nats.Durable(durable))
		}

		var err error
		if queue == "" {
			_, err = b.js.Subscribe(subject, cb, opts...)
		} else {
			_, err = b.js.QueueSubscribe(subject, queue, cb, opts...)
		}
		return err
	}

	cb := func(msg *nats.Msg) {
		if err := handle(msg.Data); err != nil {
			log.Printf("nats bus: handler error: %v", err)
		}
	}
	if queue == "" {
		_, err := b.nc.Subscribe(subject, cb)
		return err
	}
	_, err := b.nc.QueueSubscribe(subject, queue, cb)
	return err
}

func (b *NatsBus) IsConnected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}

func (b *NatsBus) Status() string {
	if b == nil || b.nc == nil {
		return "UNKNOWN"
	}
	return b.nc.Status().String()
}

func (b *NatsBus) ConnectedURL() string {
	if b == nil || b.nc == nil {
		return ""
	}
	return b.nc.ConnectedUrl()
}

func initJetStreamEnabled() bool {
	val := strings.TrimSpace(os.Getenv(envUseJetStream))
	if val == "" {
		return false
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func (b *NatsBus) initJetStreamFromEnv() {
	if b == nil || b.nc == nil {
		return
	}
	if !initJetStreamEnabled() {
		return
	}
	ackWait := defaultAckWait
	if v := strings.TrimSpace(os.Getenv(envJSAckWait)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			ackWait = d
		}
	}
	maxAge := defaultMaxAge
	if v := strings.TrimSpace(os.Getenv(envJSMaxAge)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			maxAge = d
		}
	}

	js, err := b.nc.JetStream()
	if err != nil {
		log.Printf("[BUS] jetstream init failed: %v", err)
		return
	}
	if _, err := js.AccountInfo(); err != nil {
		log.Printf("[BUS] jetstream not available: %v", err)
		return
	}

	// Heartbeats stay out of the stream; only state changes are durable.
	_, err = js.AddStream(&nats.StreamConfig{
		Name:       streamCoord,
		Subjects:   []string{"coord.lock.>", "coord.task.>", "coord.agent.failed"},
		Retention:  nats.LimitsPolicy,
		Storage:    nats.FileStorage,
		MaxAge:     maxAge,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		if _, infoErr := js.StreamInfo(streamCoord); infoErr != nil {
			log.Printf("[BUS] jetstream ensure stream failed name=%s: %v", streamCoord, err)
			return
		}
	}

	b.js = js
	b.jsEnabled = true
	b.ackWait = ackWait
	log.Printf("[BUS] jetstream enabled ack_wait=%s", ackWait)
}

func isDurableSubject(subject string) bool {
	if subject == SubjectHeartbeat {
		return false
	}
	return strings.HasPrefix(subject, subjectPrefix)
}

var durableReplacer = strings.NewReplacer(".", "_", "*", "STAR", ">", "GT")

func durableName(subject, queue string) string {
	name := strings.TrimSpace(durableReplacer.Replace(subject))
	if name == "" {
		return ""
	}
	q := strings.TrimSpace(durableReplacer.Replace(queue))
	if q == "" {
		return "dur_" + name
	}
	return "dur_" + q + "__" + name
}

func natsTLSConfigFromEnv() (*tls.Config, error) {
	caPath := strings.TrimSpace(os.Getenv(envNATSTLSCA))
	certPath := strings.TrimSpace(os.Getenv(envNATSTLSCert))
	keyPath := strings.TrimSpace(os.Getenv(envNATSTLSKey))
	insecure := strings.TrimSpace(os.Getenv(envNATSTLSInsecure))

	skipVerify := false
	switch strings.ToLower(insecure) {
	case "1", "true", "yes", "y", "on":
		skipVerify = true
	}

	if caPath == "" && certPath == "" && keyPath == "" && !skipVerify {
		return nil, nil
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: skipVerify}
	if caPath != "" {
		pemData, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read nats tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("parse nats tls ca %s", caPath)
		}
		cfg.RootCAs = pool
	}
	if certPath != "" || keyPath != "" {
		if certPath == "" || keyPath == "" {
			return nil, errors.New("nats tls cert and key must be set together")
		}
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load nats tls keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
