package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"carelane/pkg/domain"
)

// halfSession is one end of an in-process pipe.
type halfSession struct {
	out       chan frame
	in        chan frame
	closeOnce *sync.Once
	closed    chan struct{}
}

// Pipe returns the two ends of an ordered in-process session.
func Pipe() (Session, Session) {
	ab := make(chan frame, 8)
	ba := make(chan frame, 8)
	once := &sync.Once{}
	closed := make(chan struct{})
	a := &halfSession{out: ab, in: ba, closeOnce: once, closed: closed}
	b := &halfSession{out: ba, in: ab, closeOnce: once, closed: closed}
	return a, b
}

func (s *halfSession) Send(ctx context.Context, msgType string, payload any) error {
	f, err := encodeFrame(msgType, payload)
	if err != nil {
		return err
	}
	select {
	case <-s.closed:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrPeerUnavailable, ctx.Err())
	case s.out <- f:
		return nil
	}
}

func (s *halfSession) Receive(ctx context.Context, msgType string, dst any) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrPeerUnavailable, ctx.Err())
	case f, ok := <-s.in:
		if !ok {
			return ErrClosed
		}
		return decodeFrame(f, msgType, dst)
	case <-s.closed:
		// Drain anything already buffered before reporting closure.
		select {
		case f := <-s.in:
			return decodeFrame(f, msgType, dst)
		default:
			return ErrClosed
		}
	}
}

func (s *halfSession) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// InProcNetwork wires parties together in one process. Tests and the
// single-process demo register responder handlers against it; flows dial
// through it exactly as they would dial a remote transport.
type InProcNetwork struct {
	mu       sync.Mutex
	handlers map[string]map[string]Handler // party name -> exchange -> handler

	// HandlerTimeout bounds each inbound handler invocation, finality
	// waits included. Zero means the 30s default.
	HandlerTimeout time.Duration
}

func NewInProcNetwork() *InProcNetwork {
	return &InProcNetwork{handlers: make(map[string]map[string]Handler)}
}

func (n *InProcNetwork) Handle(party, exchange string, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.handlers[party] == nil {
		n.handlers[party] = make(map[string]Handler)
	}
	n.handlers[party][exchange] = h
}

// DialerFor returns a Dialer that identifies the initiating party to the
// handlers it reaches. Dialing runs the peer's handler on the remote end
// of a fresh pipe.
func (n *InProcNetwork) DialerFor(self string) Dialer {
	return func(ctx context.Context, peer domain.Party, exchange string) (Session, error) {
		n.mu.Lock()
		h := n.handlers[peer.Name][exchange]
		n.mu.Unlock()
		if h == nil {
			return nil, fmt.Errorf("%w: no %s handler for %s", ErrPeerUnavailable, exchange, peer.Name)
		}
		timeout := n.HandlerTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		local, remote := Pipe()
		// The handler outlives the dial call: its context is detached
		// from the initiator's current deadline but carries its own, so
		// an abandoned session cannot park the handler forever.
		go func() {
			defer remote.Close()
			hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
			defer cancel()
			_ = h(hctx, self, remote)
		}()
		return local, nil
	}
}
