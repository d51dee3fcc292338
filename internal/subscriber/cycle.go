package subscriber

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/vender-ota/internal/protocol"
	"github.com/temoto/vender-ota/internal/reassembly"
	"github.com/temoto/vender-ota/internal/state"
	"github.com/temoto/vender-ota/internal/transport"
)

type step int

const (
	stepContinue step = iota
	stepProgress      // resets stall timer
	stepDone
)

type receiveFunc func(m transport.Message) (step, error)

// wait is the only suspension point of a cycle. It wakes on inbound message
// or every PollInterval, checks ctx and connection, calls onTick.
// stall>0 limits time without progress.
func (s *Subscriber) wait(ctx context.Context, conn transport.Transport, stall time.Duration, onTick func() error, fn receiveFunc) error {
	tick := time.NewTicker(s.opt.PollInterval)
	defer tick.Stop()
	last := time.Now()
	for {
		select {
		case m := <-conn.Messages():
			st, err := fn(m)
			if err != nil || st == stepDone {
				return err
			}
			if st == stepProgress {
				last = time.Now()
			}
			continue

		case <-tick.C:
		case <-ctx.Done():
			return ctx.Err()
		}

		if !conn.IsConnected() {
			return protocol.NewTransportError("receive", transport.ErrClosed)
		}
		if stall > 0 && time.Since(last) > stall {
			return errors.Timeoutf("no progress for %v", stall)
		}
		if onTick != nil {
			if err := onTick(); err != nil {
				return err
			}
		}
	}
}

func (s *Subscriber) publish(ctx context.Context, conn transport.Transport, e *protocol.Envelope) error {
	b, err := e.Marshal()
	if err != nil {
		return errors.Annotate(err, "subscriber marshal")
	}
	s.log.Debugf("subscriber publish %s", b)
	if err = conn.Publish(ctx, s.opt.Topics.JobRequest(), b); err != nil {
		return protocol.NewTransportError("publish", err)
	}
	return nil
}

// checkTopic applies foreign topic policy, ok=false means drop message.
func (s *Subscriber) checkTopic(sess *Session, topic string) (bool, error) {
	if topic == sess.Topic {
		return true, nil
	}
	if s.opt.StrictTopic {
		return false, errors.Annotatef(ErrForeignTopic, "topic=%s expected=%s", topic, sess.Topic)
	}
	s.log.Errorf("subscriber dropped foreign topic=%s expected=%s", topic, sess.Topic)
	return false, nil
}

func (s *Subscriber) cycle(ctx context.Context, sess *Session) error {
	s.setState(StateConnecting, sess)
	conn, err := s.opt.Factory(protocol.ClientID(ClientIDPrefix, s.rand))
	if err != nil {
		return protocol.NewTransportError("create", err)
	}
	defer conn.Close()
	if err = conn.Connect(ctx); err != nil {
		return protocol.NewTransportError("connect", err)
	}

	engine, err := reassembly.Open(sess.OutputPath, reassembly.Options{Log: s.log})
	if err != nil {
		return err
	}
	defer func() {
		if err := engine.Close(); err != nil {
			s.log.Error(err)
		}
	}()
	if err = engine.Reset(); err != nil {
		return err
	}

	s.setState(StateSubscribing, sess)
	topics := []string{sess.Topic}
	if sess.Mode == state.ModeDirect {
		topics = append(topics, s.opt.Topics.Direct())
	}
	if err = conn.Subscribe(ctx, topics...); err != nil {
		return protocol.NewTransportError("subscribe", err)
	}

	resp, err := s.awaitAvailability(ctx, conn, sess)
	if err != nil {
		return err
	}
	if resp.Message == protocol.IntentNoUpdate {
		s.log.Infof("subscriber no update available %s", sess)
		s.setState(StateNoUpdate, sess)
		return nil
	}
	sess.Version = resp.Version
	if v, verr := protocol.ParseVersion(resp.Version); verr == nil {
		engine.SetVersion(&v)
	} else {
		s.log.Errorf("subscriber chunk version check disabled: %v", verr)
	}

	s.setState(StateRequestingTransfer, sess)
	terr := s.transfer(ctx, conn, engine, sess)
	switch {
	case terr == nil:
		sess.Result = protocol.IntentResultSuccess
		s.log.Infof("subscriber received %s size=%d path=%s", sess, engine.TotalSize(), engine.Path())
	case ctx.Err() != nil, protocol.IsTransport(terr), errors.Cause(terr) == ErrForeignTopic:
		return terr
	default:
		// validation failure or stall
		sess.Result = protocol.IntentResultFailure
		sess.Err = terr
		s.log.Error(errors.Annotatef(terr, "subscriber transfer aborted %s", sess))
		if rerr := engine.Reset(); rerr != nil {
			s.log.Error(rerr)
		}
	}

	s.setState(StateReportingResult, sess)
	return s.report(ctx, conn, sess)
}

func (s *Subscriber) awaitAvailability(ctx context.Context, conn transport.Transport, sess *Session) (*protocol.Envelope, error) {
	s.setState(StateAwaitingAvailability, sess)
	query := s.tpl.Stamp(protocol.IntentAvailability, sess.Topic)
	if err := s.publish(ctx, conn, query); err != nil {
		return nil, err
	}
	lastQuery := time.Now()
	onTick := func() error {
		if time.Since(lastQuery) < s.opt.AvailabilityRetry {
			return nil
		}
		lastQuery = time.Now()
		s.log.Debugf("subscriber availability retry %s", sess)
		return s.publish(ctx, conn, query)
	}

	var resp *protocol.Envelope
	err := s.wait(ctx, conn, 0, onTick, func(m transport.Message) (step, error) {
		req, ok, err := s.classify(sess, m)
		if err != nil || !ok {
			return stepContinue, err
		}
		switch req.Intent {
		case protocol.IntentAvailable, protocol.IntentNoUpdate:
			resp = req.Envelope
			return stepDone, nil
		}
		s.log.Debugf("subscriber ignored intent=%q while awaiting availability", req.Intent)
		return stepContinue, nil
	})
	return resp, err
}

// classify routes envelope, receiver drops what it can not classify.
func (s *Subscriber) classify(sess *Session, m transport.Message) (*protocol.Request, bool, error) {
	if protocol.IsFrame(m.Payload) {
		s.log.Debugf("subscriber dropped stray chunk topic=%s", m.Topic)
		return nil, false, nil
	}
	req, err := s.router.Route(m.Payload)
	if err != nil {
		s.log.Error(errors.Annotatef(err, "subscriber dropped topic=%s", m.Topic))
		return nil, false, nil
	}
	topic := req.Topic
	if topic == "" {
		// negative response may omit correlation field
		topic = m.Topic
	}
	ok, err := s.checkTopic(sess, topic)
	return req, ok, err
}

func (s *Subscriber) transfer(ctx context.Context, conn transport.Transport, engine *reassembly.Engine, sess *Session) error {
	var request *protocol.Envelope
	frameTopic := sess.Topic
	switch sess.Mode {
	case state.ModeWholeFile:
		request = s.tpl.Stamp(protocol.IntentRequestUpdate, sess.Topic)
	case state.ModeDirect:
		request = s.tpl.Stamp(protocol.IntentDirectUpdate, "")
		frameTopic = s.opt.Topics.Direct()
	case state.ModeChunk:
		request = s.chunkRequest(sess)
	}
	if err := s.publish(ctx, conn, request); err != nil {
		return err
	}

	s.setState(StateReceivingChunks, sess)
	return s.wait(ctx, conn, s.opt.TransferTimeout, nil, func(m transport.Message) (step, error) {
		if !protocol.IsFrame(m.Payload) {
			// nothing but chunks is expected now, classify only applies topic policy
			_, _, err := s.classify(sess, m)
			return stepContinue, err
		}
		if m.Topic != frameTopic {
			s.log.Errorf("subscriber dropped chunk topic=%s expected=%s", m.Topic, frameTopic)
			return stepContinue, nil
		}
		if _, _, err := protocol.ParseHeader(m.Payload); err != nil && !protocol.IsSizeMismatch(err) {
			s.log.Error(errors.Annotate(err, "subscriber dropped chunk"))
			return stepContinue, nil
		}
		if sess.Mode == state.ModeChunk {
			return s.receiveChunk(ctx, conn, engine, sess, m.Payload)
		}
		done, err := engine.Collect(m.Payload)
		if err != nil {
			return stepContinue, err
		}
		sess.Received++
		if done {
			sess.TotalSize = engine.TotalSize()
			return stepDone, nil
		}
		return stepProgress, nil
	})
}

func (s *Subscriber) chunkRequest(sess *Session) *protocol.Envelope {
	e := s.tpl.Stamp(protocol.IntentRequestChunk, sess.Topic)
	e.SetRange(sess.Offset, uint32(s.opt.ChunkSize))
	return e
}

// receiveChunk writes chunk at its offset and pulls next range.
// Only chunk matching requested offset advances, duplicates are rewritten harmlessly.
func (s *Subscriber) receiveChunk(ctx context.Context, conn transport.Transport, engine *reassembly.Engine, sess *Session, frame []byte) (step, error) {
	h, err := engine.Write(frame)
	if err != nil {
		return stepContinue, err
	}
	if h.Offset != sess.Offset {
		s.log.Debugf("subscriber duplicate chunk offset=%d expected=%d", h.Offset, sess.Offset)
		return stepContinue, nil
	}
	sess.Received++
	sess.TotalSize = h.TotalSize
	sess.Offset += uint32(s.opt.ChunkSize)
	if sess.Offset >= h.TotalSize {
		return stepDone, nil
	}
	if err = s.publish(ctx, conn, s.chunkRequest(sess)); err != nil {
		return stepContinue, err
	}
	return stepProgress, nil
}

// report publishes result and waits a bit for acknowledgement, missing ack is only logged.
func (s *Subscriber) report(ctx context.Context, conn transport.Transport, sess *Session) error {
	if err := s.publish(ctx, conn, s.tpl.Stamp(sess.Result, sess.Topic)); err != nil {
		return err
	}
	deadline := time.Now().Add(s.opt.ResultAckTimeout)
	onTick := func() error {
		if time.Now().After(deadline) {
			return errors.Timeoutf("result ack")
		}
		return nil
	}
	err := s.wait(ctx, conn, 0, onTick, func(m transport.Message) (step, error) {
		req, ok, err := s.classify(sess, m)
		if err != nil || !ok {
			return stepContinue, err
		}
		if req.Intent == protocol.IntentResultReceived {
			return stepDone, nil
		}
		return stepContinue, nil
	})
	if errors.IsTimeout(err) {
		s.log.Infof("subscriber result=%q not acknowledged %s", sess.Result, sess)
		return nil
	}
	if err == nil {
		s.log.Debugf("subscriber result=%q acknowledged %s", sess.Result, sess)
	}
	return err
}
