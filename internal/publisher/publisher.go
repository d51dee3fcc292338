// Package publisher is sender role: answers availability queries,
// streams firmware chunks to correlation topics, acknowledges results.
package publisher

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/spq"
	"github.com/temoto/vender-ota/internal/protocol"
	"github.com/temoto/vender-ota/internal/state"
	"github.com/temoto/vender-ota/internal/transport"
	"github.com/temoto/vender-ota/log2"
)

const (
	ClientIDPrefix       = "OTAPub"
	WorkerClientIDPrefix = "OTASend"
	DefaultImagePath     = "ota-update.bin"

	defaultConnCheck = time.Second
)

type Options struct {
	Log             *log2.Log
	Factory         transport.Factory
	Topics          protocol.Topics
	ImagePath       string
	JobTemplate     string // empty = job.DefaultJob
	ChunkSize       int
	ImageType       uint16
	UpdateAvailable bool
	// Strict terminates Run on unclassified request.
	Strict bool
	// ResultLog is spq directory, empty disables persistence.
	ResultLog string
	Rand      *rand.Rand
	// OnWorker is called when transfer worker finishes, for tests.
	OnWorker func(topic string, err error)

	connCheck time.Duration
}

func OptionsFromConfig(g *state.Global) Options {
	c := g.Config
	image := c.Publisher.ImagePath
	if image == "" {
		image = DefaultImagePath
	}
	return Options{
		Log:             g.Log,
		Factory:         g.TransportFactory,
		Topics:          c.Topics(),
		ImagePath:       image,
		JobTemplate:     c.Publisher.JobTemplate,
		ChunkSize:       c.PublisherChunkSize(),
		ImageType:       uint16(c.Publisher.ImageType),
		UpdateAvailable: c.UpdateAvailable(),
		Strict:          c.PublisherStrict(),
		ResultLog:       c.Publisher.ResultLog,
	}
}

type Publisher struct {
	opt     Options
	log     *log2.Log
	alive   *alive.Alive
	router  protocol.Router
	conn    transport.Transport
	results *spq.Queue
	rand    *rand.Rand

	mu      sync.Mutex
	version protocol.Version
}

func New(opt Options) (*Publisher, error) {
	if opt.Factory == nil {
		return nil, errors.NotValidf("code error publisher.Options.Factory=nil")
	}
	if opt.ChunkSize == 0 {
		opt.ChunkSize = state.DefaultChunkSize
	}
	if opt.ChunkSize < 1 || opt.ChunkSize > protocol.MaxChunkSize {
		return nil, errors.NotValidf("publisher chunk size=%d", opt.ChunkSize)
	}
	if opt.Rand == nil {
		opt.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if opt.connCheck == 0 {
		opt.connCheck = defaultConnCheck
	}
	p := &Publisher{
		opt:   opt,
		log:   opt.Log,
		alive: alive.NewAlive(),
		rand:  opt.Rand,
		router: protocol.Router{
			DirectTopic: opt.Topics.Direct(),
			Accept:      protocol.SenderIntents,
		},
	}
	return p, nil
}

// Version used for chunk framing, updated by every positive availability response.
func (p *Publisher) Version() protocol.Version {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.version
}

func (p *Publisher) setVersion(v protocol.Version) {
	p.mu.Lock()
	if v != p.version {
		p.log.Debugf("publisher version=%s", v)
	}
	p.version = v
	p.mu.Unlock()
}

// Run serves requests until ctx done, Stop or fatal error.
// Returned error is nil only on orderly shutdown.
func (p *Publisher) Run(ctx context.Context) error {
	if !p.alive.Add(1) {
		return errors.Errorf("publisher is stopped")
	}
	defer p.alive.Done()

	// VersionParseError here is fatal, chunks can not be framed
	if _, err := p.loadJob(); err != nil {
		return err
	}
	if p.opt.ResultLog != "" {
		q, err := spq.Open(p.opt.ResultLog)
		if err != nil {
			return errors.Annotate(err, "publisher result log")
		}
		p.results = q
		defer q.Close()
	}

	conn, err := p.opt.Factory(protocol.ClientID(ClientIDPrefix, p.rand))
	if err != nil {
		return protocol.NewTransportError("create", err)
	}
	defer conn.Close()
	if err = conn.Connect(ctx); err != nil {
		return protocol.NewTransportError("connect", err)
	}
	jobTopic := p.opt.Topics.JobRequest()
	if err = conn.Subscribe(ctx, jobTopic); err != nil {
		return protocol.NewTransportError("subscribe", err)
	}
	p.conn = conn
	p.log.Infof("publisher listening topic=%s image=%s", jobTopic, p.opt.ImagePath)

	tick := time.NewTicker(p.opt.connCheck)
	defer tick.Stop()
	stopch := p.alive.StopChan()
	for {
		select {
		case m := <-conn.Messages():
			if err := p.handle(ctx, m); err != nil {
				return err
			}

		case <-tick.C:
			if !conn.IsConnected() {
				return protocol.NewTransportError("receive", transport.ErrClosed)
			}

		case <-stopch:
			return nil

		case <-ctx.Done():
			return nil
		}
	}
}

// Stop makes Run return and waits for transfer workers.
func (p *Publisher) Stop() {
	p.alive.Stop()
	p.alive.Wait()
}

// Wait blocks until Run and every worker finished.
func (p *Publisher) Wait() { p.alive.Wait() }

func (p *Publisher) handle(ctx context.Context, m transport.Message) error {
	req, err := p.router.Route(m.Payload)
	if err != nil {
		err = errors.Annotatef(err, "publisher topic=%s payload=%q", m.Topic, truncate(m.Payload, 64))
		if p.opt.Strict {
			return err
		}
		p.log.Error(err)
		return nil
	}
	p.log.Debugf("publisher request intent=%q topic=%s", req.Intent, req.Topic)

	switch req.Intent {
	case protocol.IntentAvailability:
		return p.negotiate(ctx, req)

	case protocol.IntentRequestUpdate, protocol.IntentDirectUpdate:
		p.dispatch(ctx, newWholeFileJob(req.Topic))
		return nil

	case protocol.IntentRequestChunk:
		offset, size, _ := req.Envelope.Range() // validated by router
		p.dispatch(ctx, newChunkJob(req.Topic, offset, size))
		return nil

	case protocol.IntentResultSuccess, protocol.IntentResultFailure:
		return p.acknowledge(ctx, req)
	}
	return errors.Errorf("code error publisher intent=%q not handled", req.Intent)
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
