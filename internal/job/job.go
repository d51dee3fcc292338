// Package job loads JobDocument and device message templates
// and stamps them into envelopes.
package job

import (
	"bytes"
	"io/ioutil"
	"os"

	json "github.com/goccy/go-json"
	"github.com/juju/errors"
	"github.com/temoto/vender-ota/internal/protocol"
)

// DefaultJob is sender descriptor used when no job_template is configured.
const DefaultJob = `{
	"Message": "Update Available",
	"Manufacturer": "Express Widgits Corporation",
	"ManufacturerID": "EWCO",
	"ProductID": "Easy Widgit",
	"SerialNumber": "ABC213450001",
	"BoardName": "CY8CPROTO_062_4343W",
	"Version": "1.0.0",
	"Connection": "MQTT",
	"Port": "1883"
}`

// DefaultMessage is device identity used when no message_template is configured.
const DefaultMessage = `{
	"Manufacturer": "Express Widgits Corporation",
	"ManufacturerID": "EWCO",
	"ProductID": "Easy Widgit",
	"SerialNumber": "ABC213450001",
	"BoardName": "CY8CPROTO_062_4343W",
	"Version": "1.0.0"
}`

// Template is immutable document, every Stamp works on a copy.
type Template struct {
	env *protocol.Envelope
}

// Parse accepts documents without Message, intent is stamped later.
func Parse(b []byte) (*Template, error) {
	start := bytes.IndexByte(b, '{')
	if start < 0 {
		return nil, errors.NotValidf("job template without document")
	}
	env := &protocol.Envelope{}
	if err := json.Unmarshal(b[start:], env); err != nil {
		return nil, errors.Annotate(err, "job template")
	}
	return &Template{env: env}, nil
}

// Load reads template file, empty path selects def.
func Load(path string, def string) (*Template, error) {
	if path == "" {
		return Parse([]byte(def))
	}
	b, err := ioutil.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFoundf("job template path=%s", path)
		}
		return nil, errors.Annotatef(err, "job template path=%s", path)
	}
	t, err := Parse(b)
	return t, errors.Annotatef(err, "path=%s", path)
}

func (t *Template) VersionString() string { return t.env.Version }

// Version parses embedded "major.minor.build".
func (t *Template) Version() (protocol.Version, error) {
	return protocol.ParseVersion(t.env.Version)
}

// Stamp returns copy with intent and correlation topic set, range cleared.
func (t *Template) Stamp(intent protocol.Intent, topic string) *protocol.Envelope {
	e := t.env.Clone()
	e.Message = intent
	e.UniqueTopicName = topic
	e.Offset, e.Size = "", ""
	return e
}

// StampBytes is Stamp followed by Marshal.
func (t *Template) StampBytes(intent protocol.Intent, topic string) ([]byte, error) {
	return t.Stamp(intent, topic).Marshal()
}
