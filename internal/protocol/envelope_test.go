package protocol

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvelope(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		input  string
		intent Intent
		topic  string
		errf   func(error) bool
	}{
		{"availability", `{"Message":"Update Availability","UniqueTopicName":"OTAUpdate/kit/subscriber/image1","Version":"1.0.0"}`,
			IntentAvailability, "OTAUpdate/kit/subscriber/image1", nil},
		{"noise-prefix", "\x00\x01garbage {\"Message\":\"Success\",\"UniqueTopicName\":\"t\"}", IntentResultSuccess, "t", nil},
		{"numeric-offset", `{"Message":"Request Data Chunk","UniqueTopicName":"t","Offset":4096,"Size":"4096"}`, IntentRequestChunk, "t", nil},
		{"no-document", `Message`, "", "", IsFraming},
		{"malformed", `{"Message":`, "", "", IsFraming},
		{"missing-intent", `{"UniqueTopicName":"t"}`, "", "", IsFraming},
		{"unknown-intent", `{"Message":"Reboot"}`, "", "", IsFraming},
		{"intent-not-string", `{"Message":{}}`, "", "", IsFraming},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			e, err := ParseEnvelope([]byte(c.input))
			if c.errf != nil {
				require.Error(t, err)
				assert.True(t, c.errf(err), "err=%v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.intent, e.Message)
			assert.Equal(t, c.topic, e.UniqueTopicName)
		})
	}
}

func TestEnvelopePassthrough(t *testing.T) {
	t.Parallel()

	input := `{"Message":"Update Availability","Manufacturer":"Express Widgits Corporation","BoardName":"CY8CPROTO_062_4343W",` +
		`"Port":1883,"Nested":{"a":[1,2]},"UniqueTopicName":"t","Version":"1.2.0"}`
	e, err := ParseEnvelope([]byte(input))
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", e.Version)
	assert.JSONEq(t, `"Express Widgits Corporation"`, string(e.Extra("Manufacturer")))

	reply := e.Clone()
	reply.Message = IntentAvailable
	require.NoError(t, reply.SetExtra("Connection", "MQTT"))
	b, err := reply.Marshal()
	require.NoError(t, err)
	assert.JSONEq(t, `{"Message":"Update Available","Manufacturer":"Express Widgits Corporation","BoardName":"CY8CPROTO_062_4343W",`+
		`"Port":1883,"Nested":{"a":[1,2]},"UniqueTopicName":"t","Version":"1.2.0","Connection":"MQTT"}`, string(b))
	// original is untouched by clone modification
	assert.Nil(t, e.Extra("Connection"))
	assert.Equal(t, IntentAvailability, e.Message)

	// embedded in other documents
	b, err = json.Marshal(map[string]*Envelope{"x": reply})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"Message":"Update Available"`)
}

func TestEnvelopeRange(t *testing.T) {
	t.Parallel()

	e := &Envelope{Message: IntentRequestChunk}
	e.SetRange(8192, 4096)
	b, err := e.Marshal()
	require.NoError(t, err)
	assert.JSONEq(t, `{"Message":"Request Data Chunk","Offset":"8192","Size":"4096"}`, string(b))
	off, size, err := e.Range()
	require.NoError(t, err)
	assert.Equal(t, uint32(8192), off)
	assert.Equal(t, uint32(4096), size)

	for _, bad := range [][2]string{{"", "1"}, {"-1", "1"}, {"1", "0"}, {"1", "x"}} {
		e := &Envelope{Offset: bad[0], Size: bad[1]}
		_, _, err := e.Range()
		assert.True(t, IsFraming(err), "offset=%s size=%s", bad[0], bad[1])
	}
}
