package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"carelane/pkg/domain"
)

const closeFrameType = "_close"

// MQTTTransport carries sessions between processes over an MQTT broker.
// Each session uses a private topic pair:
//
//	carelane/<responder>/<exchange>/<session id>/i   initiator -> responder
//	carelane/<responder>/<exchange>/<session id>/r   responder -> initiator
//
// QoS 1 with per-topic ordering gives the reliable, ordered channel the
// flows assume.
type MQTTTransport struct {
	client         mqtt.Client
	self           string
	qos            byte
	handlerTimeout time.Duration
	log            *zap.Logger

	mu       sync.Mutex
	inbound  map[string]*mqttSession // session id -> responder end
	handlers map[string]Handler      // exchange -> handler
}

type MQTTOptions struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte

	// HandlerTimeout bounds each inbound handler invocation, finality
	// waits included. Zero means the 30s default.
	HandlerTimeout time.Duration
}

func NewMQTTTransport(self string, opts MQTTOptions, log *zap.Logger) (*MQTTTransport, error) {
	co := mqtt.NewClientOptions()
	co.AddBroker(opts.Broker)
	co.SetClientID(opts.ClientID)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		co.SetPassword(opts.Password)
	}
	co.SetAutoReconnect(true)
	co.SetCleanSession(true)
	co.SetOrderMatters(true)

	client := mqtt.NewClient(co)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("%w: connect to broker: %v", ErrPeerUnavailable, token.Error())
	}
	timeout := opts.HandlerTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &MQTTTransport{
		client:         client,
		self:           self,
		qos:            opts.QoS,
		handlerTimeout: timeout,
		log:            log,
		inbound:        make(map[string]*mqttSession),
		handlers:       make(map[string]Handler),
	}, nil
}

// Listen serves inbound sessions for one exchange. The handler runs in
// its own goroutine per session.
func (t *MQTTTransport) Listen(exchange string, h Handler) error {
	t.mu.Lock()
	t.handlers[exchange] = h
	t.mu.Unlock()

	filter := fmt.Sprintf("carelane/%s/%s/+/i", t.self, exchange)
	token := t.client.Subscribe(filter, t.qos, t.onInbound)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", filter, token.Error())
	}
	return nil
}

func (t *MQTTTransport) onInbound(_ mqtt.Client, msg mqtt.Message) {
	// carelane/<self>/<exchange>/<sid>/i
	parts := strings.Split(msg.Topic(), "/")
	if len(parts) != 5 {
		return
	}
	exchange, sid := parts[2], parts[3]

	var f frame
	if err := json.Unmarshal(msg.Payload(), &f); err != nil {
		t.log.Warn("dropping malformed session frame", zap.String("topic", msg.Topic()), zap.Error(err))
		return
	}

	t.mu.Lock()
	s, known := t.inbound[sid]
	if !known {
		h := t.handlers[exchange]
		if h == nil {
			t.mu.Unlock()
			return
		}
		s = t.newSession(sid, fmt.Sprintf("carelane/%s/%s/%s/r", t.self, exchange, sid))
		t.inbound[sid] = s
		go func() {
			// An abandoned session must not park the handler forever.
			ctx, cancel := context.WithTimeout(context.Background(), t.handlerTimeout)
			defer func() {
				cancel()
				s.Close()
				t.mu.Lock()
				delete(t.inbound, sid)
				t.mu.Unlock()
			}()
			if err := h(ctx, "", s); err != nil {
				t.log.Warn("session handler failed",
					zap.String("exchange", exchange), zap.String("session", sid), zap.Error(err))
			}
		}()
	}
	t.mu.Unlock()
	s.deliver(f)
}

// Dial opens an initiator-side session to a peer for one exchange.
func (t *MQTTTransport) Dial(ctx context.Context, peer domain.Party, exchange string) (Session, error) {
	sid := uuid.NewString()
	base := fmt.Sprintf("carelane/%s/%s/%s", peer.Name, exchange, sid)
	s := t.newSession(sid, base+"/i")

	token := t.client.Subscribe(base+"/r", t.qos, func(_ mqtt.Client, msg mqtt.Message) {
		var f frame
		if err := json.Unmarshal(msg.Payload(), &f); err != nil {
			return
		}
		s.deliver(f)
	})
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("%w: subscribe: %v", ErrPeerUnavailable, token.Error())
	}
	s.onClose = func() { t.client.Unsubscribe(base + "/r") }
	return s, nil
}

func (t *MQTTTransport) Disconnect() { t.client.Disconnect(250) }

func (t *MQTTTransport) newSession(id, sendTopic string) *mqttSession {
	return &mqttSession{
		id:        id,
		transport: t,
		sendTopic: sendTopic,
		in:        make(chan frame, 16),
		closed:    make(chan struct{}),
	}
}

type mqttSession struct {
	id        string
	transport *MQTTTransport
	sendTopic string
	in        chan frame
	closeOnce sync.Once
	closed    chan struct{}
	onClose   func()
}

func (s *mqttSession) deliver(f frame) {
	if f.Type == closeFrameType {
		s.Close()
		return
	}
	select {
	case s.in <- f:
	case <-s.closed:
	}
}

func (s *mqttSession) Send(ctx context.Context, msgType string, payload any) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	f, err := encodeFrame(msgType, payload)
	if err != nil {
		return err
	}
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	token := s.transport.client.Publish(s.sendTopic, s.transport.qos, false, b)
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: publish: %v", ErrPeerUnavailable, ctx.Err())
	case <-token.Done():
	}
	if token.Error() != nil {
		return fmt.Errorf("%w: publish: %v", ErrPeerUnavailable, token.Error())
	}
	return nil
}

func (s *mqttSession) Receive(ctx context.Context, msgType string, dst any) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrPeerUnavailable, ctx.Err())
	case <-s.closed:
		return ErrClosed
	case f := <-s.in:
		return decodeFrame(f, msgType, dst)
	}
}

func (s *mqttSession) Close() error {
	s.closeOnce.Do(func() {
		b, _ := json.Marshal(frame{Type: closeFrameType})
		s.transport.client.Publish(s.sendTopic, s.transport.qos, false, b)
		close(s.closed)
		if s.onClose != nil {
			s.onClose()
		}
	})
	return nil
}
