package transport

import (
	"context"
	"sync"

	"github.com/256dpi/gomqtt/client"
	"github.com/256dpi/gomqtt/packet"
	"github.com/juju/errors"
	"github.com/temoto/vender-ota/mqtt"
)

type gomqttTransport struct {
	c        *mqtt.Client
	cfg      Config
	clientID string
	inbox    chan Message
	done     chan struct{}
	once     sync.Once
}

func newGomqtt(c Config, clientID string) *gomqttTransport {
	return &gomqttTransport{
		cfg:      c,
		clientID: clientID,
		inbox:    make(chan Message, inboxSize),
		done:     make(chan struct{}),
	}
}

func (t *gomqttTransport) Connect(ctx context.Context) error {
	if t.c == nil {
		c, err := mqtt.NewClient(mqtt.ClientOptions{
			BrokerURL:      t.cfg.BrokerURL,
			TLS:            t.cfg.TLS,
			ClientID:       t.clientID,
			Username:       t.cfg.Username,
			Password:       t.cfg.Password,
			KeepaliveSec:   uint16(t.cfg.Keepalive.Seconds()),
			NetworkTimeout: t.cfg.NetworkTimeout,
			ReconnectDelay: t.cfg.NetworkTimeout / 2,
			Log:            t.cfg.Log,
			OnMessage:      t.onMessage,
			// connection loss is fatal for session, receiver restarts whole workflow
			NoReconnect: true,
		})
		if err != nil {
			return errors.Annotate(err, "gomqtt")
		}
		t.c = c
	}
	wctx, cancel := context.WithTimeout(ctx, t.cfg.NetworkTimeout)
	defer cancel()
	if err := t.c.WaitReady(wctx); err != nil {
		return errors.Annotatef(t.timeout(ctx, wctx, err, "connect"), "broker=%s", t.cfg.BrokerURL)
	}
	return nil
}

// timeout replaces cancel caused by own deadline with Timeout error.
func (t *gomqttTransport) timeout(ctx, wctx context.Context, err error, tag string) error {
	if err == context.Canceled && ctx.Err() == nil && wctx.Err() == context.DeadlineExceeded {
		return errors.Timeoutf("%s within %v", tag, t.cfg.NetworkTimeout)
	}
	return err
}

func (t *gomqttTransport) Subscribe(ctx context.Context, topics ...string) error {
	if t.c == nil {
		return ErrClosed
	}
	subs := make([]packet.Subscription, len(topics))
	for i, topic := range topics {
		subs[i] = packet.Subscription{Topic: topic, QOS: packet.QOSAtLeastOnce}
	}
	wctx, cancel := context.WithTimeout(ctx, t.cfg.NetworkTimeout)
	defer cancel()
	return t.timeout(ctx, wctx, t.c.Subscribe(wctx, subs), "subscribe")
}

func (t *gomqttTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	if t.c == nil {
		return ErrClosed
	}
	msg := &packet.Message{Topic: topic, Payload: payload, QOS: packet.QOSAtLeastOnce}
	return t.c.Publish(ctx, msg)
}

func (t *gomqttTransport) Messages() <-chan Message { return t.inbox }

func (t *gomqttTransport) IsConnected() bool {
	select {
	case <-t.done:
		return false
	default:
	}
	return t.c != nil && t.c.IsReady()
}

func (t *gomqttTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.done)
		if t.c != nil {
			err = t.c.Close()
			switch errors.Cause(err) {
			case mqtt.ErrClientClosing, client.ErrClientNotConnected:
				err = nil
			}
		}
	})
	return err
}

// PUBACK is sent after message is queued, inbox full blocks the reader.
func (t *gomqttTransport) onMessage(m *packet.Message) error {
	select {
	case t.inbox <- copyMessage(m.Topic, m.Payload):
		return nil
	case <-t.done:
		return ErrClosed
	}
}
