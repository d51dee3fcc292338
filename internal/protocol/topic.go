package protocol

import (
	"fmt"
	"math/rand"
)

const (
	DefaultCompany = "OTAUpdate"
	DefaultKit     = "CY8CPROTO_062_4343W"
)

// Topics is correlation namespace shared by both roles.
type Topics struct {
	Company string
	Kit     string
}

func (t Topics) prefix() string {
	company, kit := t.Company, t.Kit
	if company == "" {
		company = DefaultCompany
	}
	if kit == "" {
		kit = DefaultKit
	}
	return company + "/" + kit
}

// JobRequest is where receivers send every request to the sender.
func (t Topics) JobRequest() string { return t.prefix() + "/publish_notify" }

// Direct is well-known shared topic for direct transfers.
func (t Topics) Direct() string { return t.prefix() + "/OTAImage" }

// Unique returns fresh correlation topic different from previous.
func (t Topics) Unique(r *rand.Rand, previous string) string {
	for {
		s := fmt.Sprintf("%s/subscriber/image%d", t.prefix(), r.Int63())
		if s != previous {
			return s
		}
	}
}

// ClientID limits random suffixed MQTT client id to 23 characters of MQTT 3.1.1.
func ClientID(prefix string, r *rand.Rand) string {
	s := fmt.Sprintf("%s%d", prefix, r.Int63())
	if len(s) > 23 {
		s = s[:23]
	}
	return s
}
