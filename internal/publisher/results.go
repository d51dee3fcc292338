package publisher

import (
	"time"

	json "github.com/goccy/go-json"
	"github.com/juju/errors"
	"github.com/temoto/spq"
	"github.com/temoto/vender-ota/internal/protocol"
)

// Result is persisted device report.
type Result struct {
	Time    time.Time       `json:"time"`
	Topic   string          `json:"topic"`
	Result  protocol.Intent `json:"result"`
	Version string          `json:"version,omitempty"`
}

func (p *Publisher) recordResult(req *protocol.Request) error {
	if p.results == nil {
		return nil
	}
	b, err := json.Marshal(Result{
		Time:    time.Now().UTC(),
		Topic:   req.Topic,
		Result:  req.Intent,
		Version: req.Envelope.Version,
	})
	if err != nil {
		return err
	}
	return p.results.Push(b)
}

// DrainResults calls fn for every stored result in order and deletes it.
// Peek blocks on empty queue, so caller closes q to stop draining.
func DrainResults(q *spq.Queue, fn func(Result) error) error {
	for {
		box, err := q.Peek()
		switch err {
		case nil:
		case spq.ErrClosed:
			return nil
		default:
			return errors.Annotate(err, "result log")
		}
		var r Result
		if err = json.Unmarshal(box.Bytes(), &r); err != nil {
			// broken record would block queue forever
			if err = deleteBox(q, box); err != nil {
				return err
			}
			continue
		}
		if err = fn(r); err != nil {
			return err
		}
		if err = deleteBox(q, box); err != nil {
			return err
		}
	}
}

func deleteBox(q *spq.Queue, box spq.Box) error {
	switch err := q.Delete(box); err {
	case nil, spq.ErrClosed:
		return nil
	default:
		return errors.Annotate(err, "result log delete")
	}
}
