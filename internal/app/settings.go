package app

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/blwfish/test-and-calibration-track/internal/config"
	"github.com/blwfish/test-and-calibration-track/internal/jmri"
)

// Where a transport setting came from.
const (
	SourceFlag    = "flag"
	SourceConfig  = "config"
	SourceJMRI    = "jmri"
	SourceDefault = "default"
)

// TransportFlags are command-line overrides. Zero values are unset.
type TransportFlags struct {
	Broker string
	Port   int
	Prefix string
}

// Transport is the broker and topic prefix a run talks to.
type Transport struct {
	Broker string
	Port   int
	Prefix string

	BrokerSource string
	PrefixSource string
}

// ResolveTransport picks each setting from, in order, the flags, the config
// file, the newest JMRI profile and the built-in defaults. JMRI is only
// consulted when something is still missing.
func ResolveTransport(flags TransportFlags, cfg *config.Config, log logrus.FieldLogger) Transport {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	t := Transport{Broker: flags.Broker, Port: flags.Port, Prefix: flags.Prefix}
	t.BrokerSource, t.PrefixSource = SourceFlag, SourceFlag

	if t.Broker == "" && cfg.IsSet("MQTT_BROKER") {
		t.Broker, t.BrokerSource = cfg.MQTTBroker, SourceConfig
	}
	if t.Port == 0 && cfg.IsSet("MQTT_PORT") {
		t.Port = cfg.MQTTPort
	}
	if t.Prefix == "" && cfg.IsSet("TOPIC_PREFIX") {
		t.Prefix, t.PrefixSource = cfg.TopicPrefix, SourceConfig
	}

	if t.Broker == "" || t.Port == 0 || t.Prefix == "" {
		m, err := jmri.Discover(cfg.JMRIDir)
		switch {
		case err == nil:
			log.WithField("profile", m.Profile).Debugf("JMRI MQTT connection %s:%d channel %q", m.Broker, m.Port, m.Channel)
			if t.Broker == "" {
				t.Broker, t.BrokerSource = m.Broker, SourceJMRI
			}
			if t.Port == 0 {
				t.Port = m.Port
			}
			if t.Prefix == "" && m.Prefix() != "" {
				t.Prefix, t.PrefixSource = m.Prefix(), SourceJMRI
			}
		case errors.Is(err, jmri.ErrNotFound):
			log.Debug("no JMRI MQTT connection found")
		default:
			log.WithError(err).Warn("reading JMRI profiles")
		}
	}

	if t.Broker == "" {
		t.Broker, t.BrokerSource = config.DefaultBroker, SourceDefault
	}
	if t.Port == 0 {
		t.Port = config.DefaultPort
	}
	if t.Prefix == "" {
		t.Prefix, t.PrefixSource = config.DefaultPrefix, SourceDefault
	}
	return t
}
