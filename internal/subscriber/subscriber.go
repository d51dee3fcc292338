// Package subscriber is receiver role: download state machine driven
// by single polling loop.
package subscriber

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/vender-ota/helpers"
	"github.com/temoto/vender-ota/internal/job"
	"github.com/temoto/vender-ota/internal/protocol"
	"github.com/temoto/vender-ota/internal/state"
	"github.com/temoto/vender-ota/internal/transport"
	"github.com/temoto/vender-ota/log2"
)

const (
	ClientIDPrefix    = "OTASub"
	DefaultOutputPath = "ota-update.out.bin"

	DefaultRetryDelay        = 15 * time.Second
	DefaultPollInterval      = 100 * time.Millisecond
	DefaultAvailabilityRetry = 20 * time.Second
	DefaultTransferTimeout   = 120 * time.Second
	DefaultResultAckTimeout  = 5 * time.Second
)

// ErrForeignTopic is returned by Run when response correlates to another session in strict mode.
var ErrForeignTopic = errors.New("response for foreign correlation topic")

type Options struct {
	Log             *log2.Log
	Factory         transport.Factory
	Topics          protocol.Topics
	OutputPath      string
	MessageTemplate string // empty = job.DefaultMessage
	Mode            string
	ChunkSize       int

	RetryDelay        time.Duration
	PollInterval      time.Duration
	AvailabilityRetry time.Duration
	TransferTimeout   time.Duration
	ResultAckTimeout  time.Duration
	StrictTopic       bool
	// MaxCycles 0 = forever.
	MaxCycles int

	Rand *rand.Rand
	// OnState is called synchronously from receiver loop on every transition.
	OnState func(State, Session)
	// Sleep waits retry delays, tests replace it to fast-forward.
	Sleep func(ctx context.Context, d time.Duration) error
}

func OptionsFromConfig(g *state.Global) Options {
	c := g.Config
	sc := &c.Subscriber
	output := sc.OutputPath
	if output == "" {
		output = DefaultOutputPath
	}
	return Options{
		Log:               g.Log,
		Factory:           g.TransportFactory,
		Topics:            c.Topics(),
		OutputPath:        output,
		MessageTemplate:   sc.MessageTemplate,
		Mode:              c.SubscriberMode(),
		ChunkSize:         c.SubscriberChunkSize(),
		RetryDelay:        helpers.IntSecondDefault(sc.RetryDelaySec, DefaultRetryDelay),
		PollInterval:      helpers.IntMillisecondDefault(sc.PollIntervalMs, DefaultPollInterval),
		AvailabilityRetry: helpers.IntSecondDefault(sc.AvailabilityRetrySec, DefaultAvailabilityRetry),
		TransferTimeout:   helpers.IntSecondDefault(sc.TransferTimeoutSec, DefaultTransferTimeout),
		ResultAckTimeout:  helpers.IntSecondDefault(sc.ResultAckTimeoutSec, DefaultResultAckTimeout),
		StrictTopic:       c.SubscriberStrictTopic(),
		MaxCycles:         sc.MaxCycles,
	}
}

type Subscriber struct {
	opt       Options
	log       *log2.Log
	tpl       *job.Template
	router    protocol.Router
	rand      *rand.Rand
	lastTopic string
	state     State
}

func New(opt Options) (*Subscriber, error) {
	if opt.Factory == nil {
		return nil, errors.NotValidf("code error subscriber.Options.Factory=nil")
	}
	if opt.OutputPath == "" {
		return nil, errors.NotValidf("subscriber output path empty")
	}
	switch opt.Mode {
	case "":
		opt.Mode = state.ModeWholeFile
	case state.ModeWholeFile, state.ModeDirect, state.ModeChunk:
	default:
		return nil, errors.NotValidf("subscriber mode=%s", opt.Mode)
	}
	if opt.ChunkSize == 0 {
		opt.ChunkSize = state.DefaultChunkSize
	}
	if opt.ChunkSize < 1 || opt.ChunkSize > protocol.MaxChunkSize {
		return nil, errors.NotValidf("subscriber chunk size=%d", opt.ChunkSize)
	}
	if opt.RetryDelay == 0 {
		opt.RetryDelay = DefaultRetryDelay
	}
	if opt.PollInterval == 0 {
		opt.PollInterval = DefaultPollInterval
	}
	if opt.AvailabilityRetry == 0 {
		opt.AvailabilityRetry = DefaultAvailabilityRetry
	}
	if opt.TransferTimeout == 0 {
		opt.TransferTimeout = DefaultTransferTimeout
	}
	if opt.ResultAckTimeout == 0 {
		opt.ResultAckTimeout = DefaultResultAckTimeout
	}
	if opt.Rand == nil {
		opt.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if opt.Sleep == nil {
		opt.Sleep = helpers.SleepContext
	}
	tpl, err := job.Load(opt.MessageTemplate, job.DefaultMessage)
	if err != nil {
		return nil, errors.Annotate(err, "subscriber message")
	}
	s := &Subscriber{
		opt:  opt,
		log:  opt.Log,
		tpl:  tpl,
		rand: opt.Rand,
		router: protocol.Router{
			DirectTopic: opt.Topics.Direct(),
			Accept:      protocol.ReceiverIntents,
		},
	}
	return s, nil
}

// State is safe to call from any goroutine.
func (s *Subscriber) State() State { return State(atomic.LoadInt32((*int32)(&s.state))) }

func (s *Subscriber) setState(next State, sess *Session) {
	if prev := s.State(); prev != next {
		s.log.Debugf("subscriber %s -> %s %s", prev, next, sess)
	}
	atomic.StoreInt32((*int32)(&s.state), int32(next))
	if s.opt.OnState != nil {
		s.opt.OnState(next, *sess)
	}
}

// Run repeats download cycles until ctx done or MaxCycles reached.
// Only strict foreign topic violation ends Run with error.
func (s *Subscriber) Run(ctx context.Context) error {
	for n := 1; s.opt.MaxCycles == 0 || n <= s.opt.MaxCycles; n++ {
		sess := s.newSession(n)
		err := s.cycle(ctx, sess)
		if ctx.Err() != nil {
			s.log.Infof("subscriber stopped %s", sess)
			return nil
		}
		if err != nil {
			sess.Err = err
			if errors.Cause(err) == ErrForeignTopic {
				return err
			}
			s.log.Error(errors.Annotatef(err, "subscriber %s", sess))
		}
		if s.State() != StateNoUpdate {
			s.setState(StateIdle, sess)
		}
		if s.opt.MaxCycles != 0 && n == s.opt.MaxCycles {
			break
		}
		if err := s.opt.Sleep(ctx, s.opt.RetryDelay); err != nil {
			return nil
		}
	}
	return nil
}

func (s *Subscriber) newSession(n int) *Session {
	topic := s.opt.Topics.Unique(s.rand, s.lastTopic)
	s.lastTopic = topic
	return &Session{
		Cycle:      n,
		Topic:      topic,
		Mode:       s.opt.Mode,
		OutputPath: s.opt.OutputPath,
	}
}
