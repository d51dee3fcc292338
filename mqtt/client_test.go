package mqtt

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/alive/v2"
	"github.com/temoto/vender-ota/log2"
)

func TestClient(t *testing.T) {
	t.Parallel()
	const timeout = 5 * time.Second

	type tenv struct {
		addr  string
		alive *alive.Alive
		opts  ClientOptions
	}
	cases := []struct {
		name   string
		setup  func(env *tenv)
		client func(t testing.TB, env *tenv)
		server func(t testing.TB, env *tenv, b *transport.NetConn)
	}{
		{"connect", nil, func(t testing.TB, env *tenv) {
			mc, err := NewClient(env.opts)
			require.NoError(t, err)
			defer mc.Close()
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			require.NoError(t, mc.WaitReady(ctx))
			assert.True(t, mc.IsReady())
		}, func(t testing.TB, env *tenv, b *transport.NetConn) {
			defer env.alive.Done()
			pkt, err := b.Receive()
			require.NoError(t, err)
			assert.Equal(t, `<Connect ClientID="otatest" KeepAlive=0 Username="" Password="" CleanSession=true Will=nil Version=4>`, pkt.String())
			connack := packet.NewConnack()
			connack.ReturnCode = packet.ConnectionAccepted
			require.NoError(t, b.Send(connack, false))
		}},

		{"denied", nil, func(t testing.TB, env *tenv) {
			mc, err := NewClient(env.opts)
			require.NoError(t, err)
			defer mc.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
			defer cancel()
			assert.Equal(t, context.Canceled, mc.WaitReady(ctx))
			assert.False(t, mc.IsReady())
		}, func(t testing.TB, env *tenv, b *transport.NetConn) {
			defer env.alive.Done()
			_, err := b.Receive()
			require.NoError(t, err)
			connack := packet.NewConnack()
			connack.ReturnCode = packet.NotAuthorized
			require.NoError(t, b.Send(connack, false))
			env.alive.Stop()
		}},

		{"subscribe-on-connect", func(env *tenv) {
			env.opts.Subscriptions = []packet.Subscription{{Topic: "OTAUpdate/kit/publish_notify", QOS: packet.QOSAtLeastOnce}}
		}, func(t testing.TB, env *tenv) {
			mc, err := NewClient(env.opts)
			require.NoError(t, err)
			defer mc.Close()
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			require.NoError(t, mc.WaitReady(ctx))
		}, func(t testing.TB, env *tenv, b *transport.NetConn) {
			defer env.alive.Done()
			_, err := b.Receive()
			require.NoError(t, err)
			connack := packet.NewConnack()
			connack.ReturnCode = packet.ConnectionAccepted
			require.NoError(t, b.Send(connack, false))
			pkt, err := b.Receive()
			require.NoError(t, err)
			sub, ok := pkt.(*packet.Subscribe)
			require.True(t, ok, "expected SUBSCRIBE pkt=%s", PacketString(pkt))
			require.Len(t, sub.Subscriptions, 1)
			assert.Equal(t, "OTAUpdate/kit/publish_notify", sub.Subscriptions[0].Topic)
			suback := packet.NewSuback()
			suback.ID = sub.ID
			suback.ReturnCodes = []packet.QOS{packet.QOSAtLeastOnce}
			require.NoError(t, b.Send(suback, false))
		}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			env := &tenv{alive: alive.NewAlive()}
			ln, err := net.Listen("tcp", "127.0.0.1:")
			require.NoError(t, err)
			defer ln.Close()
			env.addr = ln.Addr().String()
			env.opts.BrokerURL = fmt.Sprintf("tcp://%s", env.addr)
			env.opts.ClientID = "otatest"
			env.opts.OnMessage = func(m *packet.Message) error {
				t.Log(m.String())
				return nil
			}
			env.opts.Log = log2.NewTest(t, log2.LDebug)
			env.opts.NetworkTimeout = timeout
			env.opts.ReconnectDelay = time.Second
			if c.setup != nil {
				c.setup(env)
			}
			env.alive.Add(1)
			go func() {
				defer env.alive.Done()
				conn, err := ln.Accept()
				if err != nil {
					return
				}
				if !env.alive.Add(1) {
					_ = conn.Close()
					return
				}
				_ = conn.SetDeadline(time.Now().Add(timeout))
				c.server(t, env, transport.NewNetConn(conn))
			}()
			c.client(t, env)
			env.alive.Wait()
		})
	}
}

func TestClientConfigError(t *testing.T) {
	t.Parallel()

	_, err := NewClient(ClientOptions{BrokerURL: "tcp://127.0.0.1:1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OnMessage")

	_, err = NewClient(ClientOptions{
		BrokerURL: "not a url",
		OnMessage: func(*packet.Message) error { return nil },
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BrokerURL")
}

func TestClientNoReconnect(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c, err := NewClient(ClientOptions{
		BrokerURL:      "tcp://" + addr,
		NetworkTimeout: time.Second,
		ReconnectDelay: 10 * time.Millisecond,
		NoReconnect:    true,
		Log:            log2.NewTest(t, log2.LDebug),
		OnMessage:      func(*packet.Message) error { return nil },
	})
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = c.WaitReady(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dial")
	assert.NoError(t, ctx.Err())
	assert.False(t, c.IsReady())
	// dead connection is kept, second wait reports same cause
	assert.Equal(t, err, c.WaitReady(ctx))
}

func TestClientServer(t *testing.T) {
	t.Parallel()

	log := log2.NewTest(t, log2.LDebug)
	s := NewServer(ServerOptions{Log: log, OnConnect: AuthAllowAll})
	defer s.Close()
	require.NoError(t, s.Listen(context.Background(), []*BackendOptions{{URL: "tcp://127.0.0.1:", NetworkTimeout: 5 * time.Second}}))
	url := "tcp://" + s.Addrs()[0]

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	received := make(chan *packet.Message, 4)
	sub, err := NewClient(ClientOptions{
		BrokerURL: url,
		ClientID:  "otasub",
		Log:       log,
		OnMessage: func(m *packet.Message) error {
			received <- m.Copy()
			return nil
		},
	})
	require.NoError(t, err)
	defer sub.Close()
	require.NoError(t, sub.Subscribe(ctx, []packet.Subscription{{Topic: "OTAUpdate/kit/subscriber/image1", QOS: packet.QOSAtLeastOnce}}))

	pub, err := NewClient(ClientOptions{
		BrokerURL: url,
		ClientID:  "otapub",
		Log:       log,
		OnMessage: func(*packet.Message) error { return nil },
	})
	require.NoError(t, err)
	defer pub.Close()
	for i := 0; i < 3; i++ {
		msg := &packet.Message{Topic: "OTAUpdate/kit/subscriber/image1", QOS: packet.QOSAtLeastOnce, Payload: []byte{byte(i)}}
		require.NoError(t, pub.Publish(ctx, msg))
	}
	for i := 0; i < 3; i++ {
		select {
		case m := <-received:
			assert.Equal(t, []byte{byte(i)}, m.Payload)
		case <-ctx.Done():
			t.Fatal("timeout waiting for message")
		}
	}
	assert.Equal(t, 2, s.ClientCount())
}
