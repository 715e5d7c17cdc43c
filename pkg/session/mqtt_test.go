package session

import (
	"context"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// stalledToken never completes, like a publish stuck behind a dead broker.
type stalledToken struct{ done chan struct{} }

func (t stalledToken) Wait() bool                     { <-t.done; return true }
func (t stalledToken) WaitTimeout(time.Duration) bool { return false }
func (t stalledToken) Done() <-chan struct{}          { return t.done }
func (t stalledToken) Error() error                   { return nil }

type stalledPublishClient struct {
	mqtt.Client
}

func (stalledPublishClient) Publish(string, byte, bool, interface{}) mqtt.Token {
	return stalledToken{done: make(chan struct{})}
}

func TestMQTTSendHonorsContextDeadline(t *testing.T) {
	tr := &MQTTTransport{
		client:   stalledPublishClient{},
		self:     "Bupa",
		qos:      1,
		log:      zap.NewNop(),
		inbound:  make(map[string]*mqttSession),
		handlers: make(map[string]Handler),
	}
	s := tr.newSession("sid", "carelane/Bupa/quote/sid/i")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := s.Send(ctx, MsgQuoteResult, QuoteResult{Accepted: true})
	if !errors.Is(err, ErrPeerUnavailable) {
		t.Fatalf("err = %v, want ErrPeerUnavailable", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("send blocked %v past its deadline", elapsed)
	}
}
