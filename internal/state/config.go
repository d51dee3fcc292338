package state

import (
	"net/url"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/vender-ota/helpers"
	"github.com/temoto/vender-ota/internal/protocol"
	"github.com/temoto/vender-ota/internal/transport"
	"github.com/temoto/vender-ota/log2"
)

const (
	ModeWholeFile = "whole-file"
	ModeDirect    = "direct"
	ModeChunk     = "chunk"

	DefaultBrokerURL = "tcp://127.0.0.1:1883"
	DefaultChunkSize = 4 * 1024
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	LogDebug bool `hcl:"log_debug"`

	Broker struct { //nolint:maligned
		URL               string `hcl:"url"`
		Client            string `hcl:"client"` // gomqtt|paho
		Username          string `hcl:"username"`
		Password          string `hcl:"password"`
		KeepaliveSec      int    `hcl:"keepalive_sec"`
		NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
		TlsCaFile         string `hcl:"tls_ca_file"`
		TlsCertFile       string `hcl:"tls_cert_file"`
		TlsKeyFile        string `hcl:"tls_key_file"`
		LogDebug          bool   `hcl:"log_debug"`
	}

	Topic struct {
		Company string `hcl:"company"`
		Kit     string `hcl:"kit"`
	}

	Publisher struct {
		ImagePath       string `hcl:"image_path"`
		JobTemplate     string `hcl:"job_template"`
		ChunkSize       int    `hcl:"chunk_size"`
		ImageType       int    `hcl:"image_type"`
		UpdateAvailable *bool  `hcl:"update_available"`
		Strict          *bool  `hcl:"strict"`
		ResultLog       string `hcl:"result_log"`
	}

	Subscriber struct {
		OutputPath           string `hcl:"output_path"`
		MessageTemplate      string `hcl:"message_template"`
		Mode                 string `hcl:"mode"`
		ChunkSize            int    `hcl:"chunk_size"`
		RetryDelaySec        int    `hcl:"retry_delay_sec"`
		PollIntervalMs       int    `hcl:"poll_interval_ms"`
		StrictTopic          *bool  `hcl:"strict_topic"`
		AvailabilityRetrySec int    `hcl:"availability_retry_sec"`
		TransferTimeoutSec   int    `hcl:"transfer_timeout_sec"`
		ResultAckTimeoutSec  int    `hcl:"result_ack_timeout_sec"`
		MaxCycles            int    `hcl:"max_cycles"`
	}

	BrokerServer struct {
		Listen            []string          `hcl:"listen"`
		NetworkTimeoutSec int               `hcl:"network_timeout_sec"`
		TlsCertFile       string            `hcl:"tls_cert_file"`
		TlsKeyFile        string            `hcl:"tls_key_file"`
		Users             map[string]string `hcl:"users"`
	} `hcl:"broker_server"`

	_copy_guard sync.Mutex //nolint:unused
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

func boolDefault(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

func (c *Config) Topics() protocol.Topics {
	return protocol.Topics{Company: c.Topic.Company, Kit: c.Topic.Kit}
}

func (c *Config) BrokerURL() string {
	if c.Broker.URL == "" {
		return DefaultBrokerURL
	}
	return c.Broker.URL
}

func (c *Config) NetworkTimeout() time.Duration {
	return helpers.IntSecondDefault(c.Broker.NetworkTimeoutSec, transport.DefaultNetworkTimeout)
}

func (c *Config) PublisherStrict() bool       { return boolDefault(c.Publisher.Strict, true) }
func (c *Config) UpdateAvailable() bool       { return boolDefault(c.Publisher.UpdateAvailable, true) }
func (c *Config) SubscriberStrictTopic() bool { return boolDefault(c.Subscriber.StrictTopic, true) }

func (c *Config) PublisherChunkSize() int {
	if c.Publisher.ChunkSize == 0 {
		return DefaultChunkSize
	}
	return c.Publisher.ChunkSize
}

func (c *Config) SubscriberChunkSize() int {
	if c.Subscriber.ChunkSize == 0 {
		return DefaultChunkSize
	}
	return c.Subscriber.ChunkSize
}

func (c *Config) SubscriberMode() string {
	if c.Subscriber.Mode == "" {
		return ModeWholeFile
	}
	return c.Subscriber.Mode
}

// TransportConfig builds client settings, reads TLS material.
func (c *Config) TransportConfig(log *log2.Log) (transport.Config, error) {
	mqttLog := log.Clone(log2.LInfo)
	if c.Broker.LogDebug {
		mqttLog.SetLevel(log2.LDebug)
	}
	tc := transport.Config{
		Kind:           c.Broker.Client,
		BrokerURL:      c.BrokerURL(),
		Username:       c.Broker.Username,
		Password:       c.Broker.Password,
		Keepalive:      helpers.IntSecondDefault(c.Broker.KeepaliveSec, transport.DefaultKeepalive),
		NetworkTimeout: c.NetworkTimeout(),
		Log:            mqttLog,
	}
	tlsconf, err := transport.TLSConfig(c.Broker.TlsCaFile, c.Broker.TlsCertFile, c.Broker.TlsKeyFile)
	if err != nil {
		return tc, errors.Annotate(err, "config broker")
	}
	tc.TLS = tlsconf
	return tc, nil
}

// Validate folds all problems into one error.
func (c *Config) Validate() error {
	errs := make([]error, 0)
	if _, err := url.ParseRequestURI(c.BrokerURL()); err != nil {
		errs = append(errs, errors.Annotatef(err, "config broker.url=%s", c.Broker.URL))
	}
	switch c.Broker.Client {
	case "", transport.KindGomqtt, transport.KindPaho:
	default:
		errs = append(errs, errors.NotValidf("config broker.client=%s", c.Broker.Client))
	}
	if c.Broker.KeepaliveSec < 0 || c.Broker.KeepaliveSec > 0xffff {
		errs = append(errs, errors.NotValidf("config broker.keepalive_sec=%d", c.Broker.KeepaliveSec))
	}
	for _, x := range []struct {
		name string
		size int
	}{{"publisher.chunk_size", c.PublisherChunkSize()}, {"subscriber.chunk_size", c.SubscriberChunkSize()}} {
		if x.size < 1 || x.size > protocol.MaxChunkSize {
			errs = append(errs, errors.NotValidf("config %s=%d must be 1..%d", x.name, x.size, protocol.MaxChunkSize))
		}
	}
	if c.Publisher.ImageType < 0 || c.Publisher.ImageType > 0xffff {
		errs = append(errs, errors.NotValidf("config publisher.image_type=%d", c.Publisher.ImageType))
	}
	switch c.SubscriberMode() {
	case ModeWholeFile, ModeDirect, ModeChunk:
	default:
		errs = append(errs, errors.NotValidf("config subscriber.mode=%s", c.Subscriber.Mode))
	}
	for name, v := range map[string]int{
		"subscriber.retry_delay_sec":        c.Subscriber.RetryDelaySec,
		"subscriber.poll_interval_ms":       c.Subscriber.PollIntervalMs,
		"subscriber.availability_retry_sec": c.Subscriber.AvailabilityRetrySec,
		"subscriber.transfer_timeout_sec":   c.Subscriber.TransferTimeoutSec,
		"subscriber.result_ack_timeout_sec": c.Subscriber.ResultAckTimeoutSec,
		"subscriber.max_cycles":             c.Subscriber.MaxCycles,
	} {
		if v < 0 {
			errs = append(errs, errors.NotValidf("config %s=%d", name, v))
		}
	}
	for _, l := range c.BrokerServer.Listen {
		if _, err := url.ParseRequestURI(l); err != nil {
			errs = append(errs, errors.Annotatef(err, "config broker_server.listen=%s", l))
		}
	}
	return helpers.FoldErrors(errs)
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s content='%s'", source.Name, string(bs))
		*errs = append(*errs, err)
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// ReadConfig reads names in order, later sources overwrite earlier values.
// Relative includes resolve against directory of first name.
func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.Errorf("code error ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		if err := osfs.SetBase(dir); err != nil {
			return nil, err
		}
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	if len(errs) == 0 {
		if err := c.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
