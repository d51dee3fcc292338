// Decode captured chunk frames and envelopes, hex or JSON per line.
package frame

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/juju/errors"
	"github.com/temoto/vender-ota/cmd/vender-ota/subcmd"
	"github.com/temoto/vender-ota/helpers/cli"
	"github.com/temoto/vender-ota/internal/protocol"
	"github.com/temoto/vender-ota/internal/state"
)

const modName = "frame"

var Mod = subcmd.Mod{Name: modName, Usage: "decode chunk frame (hex) or envelope (JSON) lines", Main: Main}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	return cli.MainLoop(modName, func(line string) {
		s, err := Describe(line)
		if err != nil {
			g.Log.Error(err)
			return
		}
		g.Log.Info(s)
	}, cli.NoComplete)
}

// Describe decodes one input line.
func Describe(line string) (string, error) {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "{") {
		e, err := protocol.ParseEnvelope([]byte(line))
		if err != nil {
			return "", err
		}
		return describeEnvelope(e), nil
	}

	line = strings.TrimPrefix(strings.ReplaceAll(line, " ", ""), "0x")
	// mosquitto_sub wrongly strips leading zero in hex format
	if len(line)%2 == 1 {
		line = "0" + line
	}
	b, err := hex.DecodeString(line)
	if err != nil {
		return "", errors.Annotate(err, "hex decode")
	}
	if !protocol.IsFrame(b) {
		e, err := protocol.ParseEnvelope(b)
		if err != nil {
			return "", err
		}
		return describeEnvelope(e), nil
	}
	h, payload, err := protocol.ParseHeader(b)
	if err != nil && !protocol.IsSizeMismatch(err) {
		return "", err
	}
	received := len(payload)
	if err != nil {
		// payload is nil on mismatch, data start is already validated
		received = len(b) - int(h.DataStart)
	}
	s := fmt.Sprintf("frame %s last=%t payload=%d", h.String(), h.IsLast(), received)
	if err != nil {
		s += " error: " + err.Error()
	}
	return s, nil
}

func describeEnvelope(e *protocol.Envelope) string {
	s := fmt.Sprintf("envelope intent=%q topic=%q version=%q", e.Message, e.UniqueTopicName, e.Version)
	if e.Offset != "" || e.Size != "" {
		offset, size, err := e.Range()
		if err != nil {
			return s + " range error: " + err.Error()
		}
		s += fmt.Sprintf(" offset=%d size=%d", offset, size)
	}
	return s
}
