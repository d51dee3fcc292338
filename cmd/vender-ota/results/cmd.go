// Print and remove device results stored by publisher.
package results

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	json "github.com/goccy/go-json"
	"github.com/juju/errors"
	"github.com/temoto/spq"
	"github.com/temoto/vender-ota/cmd/vender-ota/subcmd"
	"github.com/temoto/vender-ota/internal/publisher"
	"github.com/temoto/vender-ota/internal/state"
)

var Mod = subcmd.Mod{Name: "results", Usage: "drain publisher result log as JSON lines", Main: Main}

// queue has no non-blocking peek, empty log is detected by silence
const idleTimeout = time.Second

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	g.MustInit(ctx, config)
	path := config.Publisher.ResultLog
	if path == "" {
		return errors.NotValidf("config publisher.result_log is empty")
	}
	q, err := spq.Open(path)
	if err != nil {
		return errors.Annotatef(err, "result log path=%s", path)
	}
	n, err := Drain(ctx, q, os.Stdout, idleTimeout)
	g.Log.Debugf("results drained=%d", n)
	return err
}

var errStopped = fmt.Errorf("drain stopped")

// Drain writes stored results until none arrives for idle, then closes q.
func Drain(ctx context.Context, q *spq.Queue, w io.Writer, idle time.Duration) (int, error) {
	type item struct {
		r    publisher.Result
		done chan error
	}
	itemch := make(chan item)
	errch := make(chan error, 1)
	go func() {
		errch <- publisher.DrainResults(q, func(r publisher.Result) error {
			done := make(chan error, 1)
			itemch <- item{r, done}
			return <-done
		})
	}()

	n := 0
	timer := time.NewTimer(idle)
	defer timer.Stop()
	donech := ctx.Done()
	stopping := false
	var closeErr error
	stop := func() {
		if !stopping {
			stopping = true
			donech = nil
			closeErr = q.Close()
		}
	}
	for {
		select {
		case it := <-itemch:
			if stopping {
				// not printed, stays in queue
				it.done <- errStopped
				continue
			}
			b, err := json.Marshal(it.r)
			if err == nil {
				_, err = fmt.Fprintf(w, "%s\n", b)
			}
			if err == nil {
				n++
			}
			it.done <- err
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(idle)

		case err := <-errch:
			stop()
			if errors.Cause(err) == errStopped {
				err = nil
			}
			if err == nil && closeErr != nil {
				err = errors.Annotate(closeErr, "result log close")
			}
			return n, err

		case <-timer.C:
			stop()

		case <-donech:
			stop()
		}
	}
}
