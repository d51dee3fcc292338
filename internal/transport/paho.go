package transport

import (
	"context"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/vender-ota/log2"
)

// SetPahoLogger routes paho error output to log.
// paho loggers are package globals, call once per process.
func SetPahoLogger(log *log2.Log) {
	paho.ERROR = log
	paho.CRITICAL = log
}

type pahoTransport struct {
	m     paho.Client
	cfg   Config
	inbox chan Message
	done  chan struct{}
	once  sync.Once
}

func newPaho(c Config, clientID string) *pahoTransport {
	t := &pahoTransport{
		cfg:   c,
		inbox: make(chan Message, inboxSize),
		done:  make(chan struct{}),
	}
	mopt := paho.NewClientOptions().
		AddBroker(c.BrokerURL).
		SetClientID(clientID).
		SetUsername(c.Username).
		SetPassword(c.Password).
		SetCleanSession(true).
		SetKeepAlive(c.Keepalive).
		SetPingTimeout(c.NetworkTimeout).
		SetConnectTimeout(c.NetworkTimeout).
		SetWriteTimeout(c.NetworkTimeout).
		// connection loss is fatal for session, receiver restarts whole workflow
		SetAutoReconnect(false).
		SetOrderMatters(true).
		SetDefaultPublishHandler(t.messageHandler).
		SetConnectionLostHandler(t.connectLostHandler)
	if c.TLS != nil {
		mopt.SetTLSConfig(c.TLS)
	}
	t.m = paho.NewClient(mopt)
	return t
}

func (t *pahoTransport) Connect(ctx context.Context) error {
	return errors.Annotatef(t.tokenWait(ctx, t.m.Connect(), "connect"), "broker=%s", t.cfg.BrokerURL)
}

func (t *pahoTransport) Subscribe(ctx context.Context, topics ...string) error {
	filters := make(map[string]byte, len(topics))
	for _, topic := range topics {
		filters[topic] = 1
	}
	return t.tokenWait(ctx, t.m.SubscribeMultiple(filters, nil), "subscribe")
}

func (t *pahoTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	return t.tokenWait(ctx, t.m.Publish(topic, 1, false, payload), "publish")
}

func (t *pahoTransport) Messages() <-chan Message { return t.inbox }

func (t *pahoTransport) IsConnected() bool {
	select {
	case <-t.done:
		return false
	default:
	}
	return t.m.IsConnected()
}

func (t *pahoTransport) Close() error {
	t.once.Do(func() {
		close(t.done)
		if t.m.IsConnected() {
			t.m.Disconnect(250)
		}
	})
	return nil
}

func (t *pahoTransport) messageHandler(_ paho.Client, msg paho.Message) {
	select {
	case t.inbox <- copyMessage(msg.Topic(), msg.Payload()):
	case <-t.done:
	}
}

func (t *pahoTransport) connectLostHandler(_ paho.Client, err error) {
	t.cfg.Log.Errorf("paho connection lost err=%v", err)
}

// tokenWait polls token so ctx cancel is observed.
func (t *pahoTransport) tokenWait(ctx context.Context, token paho.Token, tag string) error {
	deadline := time.Now().Add(t.cfg.NetworkTimeout)
	for !token.WaitTimeout(50 * time.Millisecond) {
		if err := ctx.Err(); err != nil {
			return errors.Annotate(err, tag)
		}
		if time.Now().After(deadline) {
			return errors.Timeoutf(tag)
		}
	}
	return errors.Annotate(token.Error(), tag)
}
