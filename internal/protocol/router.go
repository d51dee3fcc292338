package protocol

// Request is classified inbound envelope.
type Request struct {
	Intent   Intent
	Topic    string // correlation topic for response
	Envelope *Envelope
}

// Router classifies inbound envelopes for one role.
type Router struct {
	DirectTopic string
	Accept      []Intent
}

func (r *Router) accepts(i Intent) bool {
	if len(r.Accept) == 0 {
		return true
	}
	for _, a := range r.Accept {
		if a == i {
			return true
		}
	}
	return false
}

// Route returns intent and correlation topic or FramingError.
// Direct transfer requests always correlate to DirectTopic.
func (r *Router) Route(payload []byte) (*Request, error) {
	e, err := ParseEnvelope(payload)
	if err != nil {
		return nil, err
	}
	if !r.accepts(e.Message) {
		return nil, framingf("intent %q not accepted here", e.Message)
	}
	req := &Request{Intent: e.Message, Topic: e.UniqueTopicName, Envelope: e}
	switch {
	case e.Message == IntentDirectUpdate:
		if r.DirectTopic == "" {
			return nil, framingf("direct transfer is not configured")
		}
		req.Topic = r.DirectTopic
	case e.Message == IntentNoUpdate && req.Topic == "":
		// sender may omit topic in negative response
	case req.Topic == "":
		return nil, framingf("intent %q without %s", e.Message, fieldTopic)
	}
	if e.Message == IntentRequestChunk {
		if _, _, err := e.Range(); err != nil {
			return nil, err
		}
	}
	return req, nil
}

// SenderIntents are accepted by publisher router.
var SenderIntents = []Intent{
	IntentAvailability,
	IntentRequestUpdate,
	IntentDirectUpdate,
	IntentRequestChunk,
	IntentResultSuccess,
	IntentResultFailure,
}

// ReceiverIntents are accepted by subscriber router.
var ReceiverIntents = []Intent{
	IntentAvailable,
	IntentNoUpdate,
	IntentResultReceived,
}
