package protocol

import (
	"bytes"
	"sort"
	"strconv"

	json "github.com/goccy/go-json"
)

type Intent string

const (
	IntentAvailability   Intent = "Update Availability"
	IntentAvailable      Intent = "Update Available"
	IntentNoUpdate       Intent = "No Update Available"
	IntentRequestUpdate  Intent = "Request Update"
	IntentDirectUpdate   Intent = "Send Direct Update"
	IntentRequestChunk   Intent = "Request Data Chunk"
	IntentResultSuccess  Intent = "Success"
	IntentResultFailure  Intent = "Failure"
	IntentResultReceived Intent = "Result Received"
)

var knownIntents = map[Intent]struct{}{
	IntentAvailability:   {},
	IntentAvailable:      {},
	IntentNoUpdate:       {},
	IntentRequestUpdate:  {},
	IntentDirectUpdate:   {},
	IntentRequestChunk:   {},
	IntentResultSuccess:  {},
	IntentResultFailure:  {},
	IntentResultReceived: {},
}

func (i Intent) Valid() bool {
	_, ok := knownIntents[i]
	return ok
}

// IsResult reports device result report.
func (i Intent) IsResult() bool { return i == IntentResultSuccess || i == IntentResultFailure }

const (
	fieldMessage = "Message"
	fieldTopic   = "UniqueTopicName"
	fieldOffset  = "Offset"
	fieldSize    = "Size"
	fieldVersion = "Version"
)

// Envelope is request/response document. Fields other than known ones
// (Manufacturer, BoardName, etc) are kept raw and emitted back unchanged.
type Envelope struct {
	Message         Intent
	UniqueTopicName string
	Offset          string
	Size            string
	Version         string

	extra map[string]json.RawMessage
}

// ParseEnvelope strips bytes preceding first '{' and decodes the document.
// Missing or unknown Message is FramingError.
func ParseEnvelope(b []byte) (*Envelope, error) {
	start := bytes.IndexByte(b, '{')
	if start < 0 {
		return nil, framingf("envelope: no document start")
	}
	e := &Envelope{}
	if err := json.Unmarshal(b[start:], e); err != nil {
		if IsFraming(err) {
			return nil, err
		}
		return nil, framingf("envelope: %v", err)
	}
	if e.Message == "" {
		return nil, framingf("envelope: missing %s", fieldMessage)
	}
	if !e.Message.Valid() {
		return nil, framingf("envelope: unknown intent %q", e.Message)
	}
	return e, nil
}

// Extra returns raw passthrough field, nil if absent.
func (e *Envelope) Extra(key string) json.RawMessage { return e.extra[key] }

// SetExtra sets passthrough field from any JSON encodable value.
func (e *Envelope) SetExtra(key string, value interface{}) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if e.extra == nil {
		e.extra = make(map[string]json.RawMessage)
	}
	e.extra[key] = b
	return nil
}

// Clone returns deep copy, templates are stamped on copies.
func (e *Envelope) Clone() *Envelope {
	c := *e
	if e.extra != nil {
		c.extra = make(map[string]json.RawMessage, len(e.extra))
		for k, v := range e.extra {
			c.extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &c
}

// Range parses chunk-on-demand Offset/Size.
func (e *Envelope) Range() (offset uint32, size uint32, err error) {
	o, err := strconv.ParseUint(e.Offset, 10, 32)
	if err != nil {
		return 0, 0, framingf("envelope: %s=%q", fieldOffset, e.Offset)
	}
	s, err := strconv.ParseUint(e.Size, 10, 32)
	if err != nil || s == 0 {
		return 0, 0, framingf("envelope: %s=%q", fieldSize, e.Size)
	}
	return uint32(o), uint32(s), nil
}

func (e *Envelope) SetRange(offset, size uint32) {
	e.Offset = strconv.FormatUint(uint64(offset), 10)
	e.Size = strconv.FormatUint(uint64(size), 10)
}

func (e *Envelope) Marshal() ([]byte, error) { return json.Marshal(e) }

func (e *Envelope) MarshalJSON() ([]byte, error) {
	m := make(map[string]json.RawMessage, len(e.extra)+5)
	for k, v := range e.extra {
		m[k] = v
	}
	put := func(key, value string, always bool) error {
		if value == "" && !always {
			return nil
		}
		b, err := json.Marshal(value)
		if err == nil {
			m[key] = b
		}
		return err
	}
	if err := put(fieldMessage, string(e.Message), true); err != nil {
		return nil, err
	}
	for _, f := range [...]struct{ k, v string }{
		{fieldTopic, e.UniqueTopicName},
		{fieldOffset, e.Offset},
		{fieldSize, e.Size},
		{fieldVersion, e.Version},
	} {
		if err := put(f.k, f.v, false); err != nil {
			return nil, err
		}
	}

	// stable output
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i != 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(m[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (e *Envelope) UnmarshalJSON(b []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	*e = Envelope{}
	take := func(key string) (string, error) {
		raw, ok := m[key]
		if !ok {
			return "", nil
		}
		delete(m, key)
		return rawString(key, raw)
	}
	var err error
	var msg string
	if msg, err = take(fieldMessage); err != nil {
		return err
	}
	e.Message = Intent(msg)
	if e.UniqueTopicName, err = take(fieldTopic); err != nil {
		return err
	}
	if e.Offset, err = take(fieldOffset); err != nil {
		return err
	}
	if e.Size, err = take(fieldSize); err != nil {
		return err
	}
	if e.Version, err = take(fieldVersion); err != nil {
		return err
	}
	if len(m) != 0 {
		e.extra = m
	}
	return nil
}

// rawString accepts JSON string, number or null.
func rawString(key string, raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	switch {
	case len(raw) == 0, bytes.Equal(raw, []byte("null")):
		return "", nil
	case raw[0] == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", framingf("envelope: %s: %v", key, err)
		}
		return s, nil
	case raw[0] == '-' || (raw[0] >= '0' && raw[0] <= '9'):
		return string(raw), nil
	default:
		return "", framingf("envelope: %s must be string", key)
	}
}
