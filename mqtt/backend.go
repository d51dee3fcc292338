package mqtt

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/256dpi/gomqtt/client/future"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/vender-ota/helpers"
	"github.com/temoto/vender-ota/log2"
)

// BackendOptions is one listen endpoint of Server.
type BackendOptions struct {
	URL string
	TLS *tls.Config

	// AckTimeout limits wait for subscriber PUBACK, default 2*NetworkTimeout.
	AckTimeout     time.Duration
	NetworkTimeout time.Duration // conn receive timeout
	ReadLimit      int64
}

// backend is server side of one client connection.
// Outgoing QOS1 publish waits for PUBACK, which is the only flow control
// between chunk sender and slow receiver.
type backend struct {
	alive    *alive.Alive
	acks     *future.Store
	err      helpers.AtomicError
	id       string
	log      *log2.Log
	opt      *BackendOptions
	username string

	mu   sync.RWMutex
	conn transport.Conn // nil after die
	// will is dropped by clean DISCONNECT
	will  *packet.Message
	clean bool

	sendmu sync.Mutex
}

func newBackend(conn transport.Conn, opt *BackendOptions, log *log2.Log, connect *packet.Connect) *backend {
	b := &backend{
		alive:    alive.NewAlive(),
		acks:     future.NewStore(),
		conn:     conn,
		id:       connect.ClientID,
		log:      log,
		opt:      opt,
		username: connect.Username,
	}
	if connect.Will != nil {
		b.will = connect.Will.Copy()
	}
	return b
}

func (b *backend) String() string {
	return fmt.Sprintf("client=%s addr=%s", b.id, addrString(b.RemoteAddr()))
}

// Publish sends msg, for QOS1 returns after PUBACK.
// Missing PUBACK kills connection, subscriber is not able to keep up.
func (b *backend) Publish(id packet.ID, msg *packet.Message) error {
	if !b.alive.Add(1) {
		return ErrClosing
	}
	defer b.alive.Done()

	pub := packet.NewPublish()
	pub.Message = *msg
	switch msg.QOS {
	case packet.QOSAtMostOnce:
		return b.Send(pub)

	case packet.QOSAtLeastOnce:
		if id == 0 {
			return errors.Errorf("code error QOS1 publish with packet id=0 %s", b)
		}
		pub.ID = id
		f := future.New()
		if ex := b.acks.Get(id); ex != nil {
			err := errors.Errorf("code error packet id=%d already in flight %s", id, b)
			ex.Cancel(err)
			return b.die(err)
		}
		b.acks.Put(id, f)
		defer b.acks.Delete(id)
		if err := b.Send(pub); err != nil {
			return err
		}
		switch err := f.Wait(b.opt.AckTimeout); err {
		case nil:
			return nil
		case future.ErrTimeout:
			return b.die(errors.Timeoutf("puback id=%d %s", id, b))
		default:
			if e, ok := f.Result().(error); ok {
				err = e
			}
			return b.die(errors.Annotatef(err, "puback id=%d", id))
		}

	default:
		panic("code error QOS2 is not supported")
	}
}

// onPuback completes Publish waiting for id.
func (b *backend) onPuback(id packet.ID) error {
	f := b.acks.Get(id)
	if f == nil {
		return errors.Errorf("unexpected PUBACK id=%d %s", id, b)
	}
	if !f.Complete(nil) {
		return future.ErrCanceled
	}
	return nil
}

func (b *backend) Receive() (packet.Generic, error) {
	conn := b.getConn()
	if conn == nil {
		return nil, ErrClosing
	}
	pkt, err := conn.Receive()
	if err == nil {
		b.log.Debugf("mqtt recv id=%s pkt=%s", b.id, PacketString(pkt))
		return pkt, nil
	}
	if err != io.EOF && !b.alive.IsRunning() && isClosedConn(err) {
		// die closed conn to interrupt blocking Receive
		return nil, ErrClosing
	}
	_ = b.die(err)
	return nil, err
}

// Send is safe for concurrent use.
func (b *backend) Send(pkt packet.Generic) error {
	conn := b.getConn()
	if conn == nil {
		return ErrClosing
	}
	b.log.Debugf("mqtt send id=%s pkt=%s", b.id, PacketString(pkt))
	b.sendmu.Lock()
	err := conn.Send(pkt, false)
	b.sendmu.Unlock()
	switch {
	case err == nil:
		return nil
	case !b.alive.IsRunning() && isClosedConn(err):
		return ErrClosing
	default:
		return b.die(errors.Annotatef(err, "client=%s", b.id))
	}
}

func (b *backend) RemoteAddr() net.Addr {
	if conn := b.getConn(); conn != nil {
		return conn.RemoteAddr()
	}
	return nil
}

// die closes connection once and returns first error.
func (b *backend) die(e error) error {
	if first, found := b.err.StoreOnce(e); found {
		return first
	}
	b.log.Debugf("mqtt die id=%s err=%v", b.id, e)
	b.alive.Stop()
	b.mu.Lock()
	if b.conn != nil {
		_ = b.conn.Close()
		b.conn = nil
	}
	b.mu.Unlock()
	return e
}

func (b *backend) getConn() transport.Conn {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.conn
}

// onDisconnect marks clean close, will is discarded.
func (b *backend) onDisconnect() {
	b.mu.Lock()
	b.clean, b.will = true, nil
	b.mu.Unlock()
}

// lastWill returns will to publish after unclean close, nil otherwise.
func (b *backend) lastWill() (*packet.Message, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.clean || b.will == nil {
		return nil, b.clean
	}
	return b.will.Copy(), false
}
