package publisher

import (
	"context"
	"fmt"
	"os"

	"github.com/juju/errors"
	"github.com/temoto/vender-ota/internal/chunker"
	"github.com/temoto/vender-ota/internal/protocol"
	"github.com/temoto/vender-ota/internal/transport"
)

// transferJob is all state of one worker, nothing is shared with other workers.
type transferJob struct {
	topic    string
	clientID string
	version  protocol.Version
	single   bool
	offset   uint32
	size     uint32
}

func newWholeFileJob(topic string) *transferJob { return &transferJob{topic: topic} }

func newChunkJob(topic string, offset, size uint32) *transferJob {
	return &transferJob{topic: topic, single: true, offset: offset, size: size}
}

func (j *transferJob) String() string {
	if j.single {
		return fmt.Sprintf("chunk topic=%s offset=%d size=%d", j.topic, j.offset, j.size)
	}
	return fmt.Sprintf("whole-file topic=%s", j.topic)
}

func (p *Publisher) dispatch(ctx context.Context, j *transferJob) {
	j.version = p.Version()
	j.clientID = protocol.ClientID(WorkerClientIDPrefix, p.rand)
	if !p.alive.Add(1) {
		p.log.Errorf("publisher stopping, dropped %s", j)
		return
	}
	go func() {
		defer p.alive.Done()
		err := p.transfer(ctx, j)
		if err != nil {
			p.log.Error(errors.Annotatef(err, "publisher worker %s", j))
		} else {
			p.log.Debugf("publisher worker done %s", j)
		}
		if p.opt.OnWorker != nil {
			p.opt.OnWorker(j.topic, err)
		}
	}()
}

// transfer publishes frames one at a time, Publish returns after broker ack.
func (p *Publisher) transfer(ctx context.Context, j *transferJob) error {
	f, err := os.Open(p.opt.ImagePath)
	if err != nil {
		return errors.Annotate(err, "image")
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return errors.Annotate(err, "image")
	}
	ch, err := chunker.New(f, st.Size(), chunker.Options{
		ChunkSize: p.opt.ChunkSize,
		ImageType: p.opt.ImageType,
		Version:   j.version,
	})
	if err != nil {
		return err
	}
	var frame []byte
	if j.single {
		// build before connecting, bad range costs no connection
		if frame, err = ch.FrameAt(j.offset, j.size); err != nil {
			return err
		}
	}

	conn, err := p.opt.Factory(j.clientID)
	if err != nil {
		return protocol.NewTransportError("create", err)
	}
	defer conn.Close()
	if err = conn.Connect(ctx); err != nil {
		return protocol.NewTransportError("connect", err)
	}

	if j.single {
		return p.send(ctx, conn, j.topic, frame)
	}
	p.log.Infof("publisher sending topic=%s size=%d chunks=%d version=%s", j.topic, ch.Size(), ch.Count(), j.version)
	return ch.Each(ctx, func(_ int, frame []byte) error {
		return p.send(ctx, conn, j.topic, frame)
	})
}

func (p *Publisher) send(ctx context.Context, conn transport.Transport, topic string, frame []byte) error {
	if err := conn.Publish(ctx, topic, frame); err != nil {
		return protocol.NewTransportError("publish", err)
	}
	return nil
}
