package publisher

import (
	"context"
	"os"

	"github.com/juju/errors"
	"github.com/temoto/vender-ota/internal/job"
	"github.com/temoto/vender-ota/internal/protocol"
)

// loadJob reads job template and remembers its version for chunk framing.
func (p *Publisher) loadJob() (*job.Template, error) {
	tpl, err := job.Load(p.opt.JobTemplate, job.DefaultJob)
	if err != nil {
		return nil, errors.Annotate(err, "publisher")
	}
	v, err := tpl.Version()
	if err != nil {
		return nil, errors.Annotatef(err, "publisher job template=%s", p.opt.JobTemplate)
	}
	p.setVersion(v)
	return tpl, nil
}

// imageReady is false for missing or empty image.
func (p *Publisher) imageReady() bool {
	st, err := os.Stat(p.opt.ImagePath)
	if err != nil {
		p.log.Debugf("publisher image=%s err=%v", p.opt.ImagePath, err)
		return false
	}
	return st.Mode().IsRegular() && st.Size() > 0
}

func (p *Publisher) negotiate(ctx context.Context, req *protocol.Request) error {
	tpl, err := p.loadJob()
	if err != nil {
		return err
	}
	intent := protocol.IntentNoUpdate
	if p.opt.UpdateAvailable && p.imageReady() {
		intent = protocol.IntentAvailable
	}
	b, err := tpl.StampBytes(intent, req.Topic)
	if err != nil {
		return errors.Annotate(err, "publisher job marshal")
	}
	p.log.Infof("publisher availability topic=%s response=%q version=%s", req.Topic, intent, tpl.VersionString())
	if err = p.conn.Publish(ctx, req.Topic, b); err != nil {
		return protocol.NewTransportError("publish", err)
	}
	return nil
}

func (p *Publisher) acknowledge(ctx context.Context, req *protocol.Request) error {
	p.log.Infof("publisher result topic=%s result=%q", req.Topic, req.Intent)
	if err := p.recordResult(req); err != nil {
		p.log.Error(errors.Annotate(err, "publisher result log"))
	}
	ack := &protocol.Envelope{Message: protocol.IntentResultReceived, UniqueTopicName: req.Topic}
	b, err := ack.Marshal()
	if err != nil {
		return errors.Annotate(err, "publisher ack marshal")
	}
	if err = p.conn.Publish(ctx, req.Topic, b); err != nil {
		return protocol.NewTransportError("publish", err)
	}
	return nil
}
