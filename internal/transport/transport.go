// Package transport hides MQTT client library behind small contract used by both roles.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io/ioutil"
	"net/url"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/vender-ota/log2"
)

// Transport contract:
// - Connect blocks until connected and ready, ctx done or NetworkTimeout
// - Subscribe and Publish use QOS 1, Publish returns after broker ack
// - Messages delivers inbound messages in arrival order, channel is never closed
// - connection loss is final, IsConnected stays false and there is no reconnect
type Transport interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, topics ...string) error
	Publish(ctx context.Context, topic string, payload []byte) error
	Messages() <-chan Message
	IsConnected() bool
	Close() error
}

type Message struct {
	Topic   string
	Payload []byte
}

// Factory creates new unconnected transport with given client id.
type Factory func(clientID string) (Transport, error)

var ErrClosed = fmt.Errorf("transport closed")

const (
	KindGomqtt = "gomqtt"
	KindPaho   = "paho"

	DefaultKeepalive      = 60 * time.Second
	DefaultNetworkTimeout = 30 * time.Second
	inboxSize             = 256
)

type Config struct {
	Kind           string
	BrokerURL      string
	Username       string
	Password       string
	Keepalive      time.Duration
	NetworkTimeout time.Duration
	TLS            *tls.Config
	Log            *log2.Log
}

func NewFactory(c Config) (Factory, error) {
	if _, err := url.ParseRequestURI(c.BrokerURL); err != nil {
		return nil, errors.Annotatef(err, "broker url=%s", c.BrokerURL)
	}
	if c.Keepalive == 0 {
		c.Keepalive = DefaultKeepalive
	}
	if c.NetworkTimeout == 0 {
		c.NetworkTimeout = DefaultNetworkTimeout
	}
	switch c.Kind {
	case "", KindGomqtt:
		return func(clientID string) (Transport, error) { return newGomqtt(c, clientID), nil }, nil
	case KindPaho:
		return func(clientID string) (Transport, error) { return newPaho(c, clientID), nil }, nil
	default:
		return nil, errors.NotSupportedf("broker client=%s", c.Kind)
	}
}

// TLSConfig loads CA and optional client certificate, nil when nothing is configured.
func TLSConfig(caFile, certFile, keyFile string) (*tls.Config, error) {
	if caFile == "" && certFile == "" && keyFile == "" {
		return nil, nil
	}
	tlsconf := new(tls.Config)
	if caFile != "" {
		tlsconf.RootCAs = x509.NewCertPool()
		cabytes, err := ioutil.ReadFile(caFile)
		if err != nil {
			return nil, errors.Annotatef(err, "TLS")
		}
		if !tlsconf.RootCAs.AppendCertsFromPEM(cabytes) {
			return nil, errors.NotValidf("TLS CA file=%s", caFile)
		}
	}
	if certFile != "" || keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, errors.Annotatef(err, "TLS client certificate")
		}
		tlsconf.Certificates = []tls.Certificate{cert}
	}
	return tlsconf, nil
}

func copyMessage(topic string, payload []byte) Message {
	return Message{Topic: topic, Payload: append([]byte(nil), payload...)}
}
