package jmri

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const profileXML = `<?xml version="1.0" encoding="UTF-8"?>
<auxiliary-configuration xmlns="http://www.netbeans.org/ns/auxiliary-configuration/1">
  <connections xmlns="http://jmri.org/xml/schema/auxiliary-configuration/connections-2-9-6.xsd">
    <connection xmlns="" class="jmri.jmrix.loconet.locobufferusb.configurexml.ConnectionConfigXml" port="/dev/ttyACM0"/>
    <connection xmlns="" class="jmri.jmrix.mqtt.configurexml.MqttConnectionConfigXml" disabled="yes" address="10.0.0.9" port="1884"/>
    <connection xmlns="" class="jmri.jmrix.mqtt.configurexml.MqttConnectionConfigXml" address="192.168.68.250" port="1883">
      <options>
        <option><name>1 other</name><value>x</value></option>
        <option><name>0 MQTTchannel</name><value>/cova</value></option>
      </options>
    </connection>
  </connections>
</auxiliary-configuration>`

func TestParseSkipsDisabledAndOtherConnections(t *testing.T) {
	m, err := Parse(strings.NewReader(profileXML))
	require.NoError(t, err)
	assert.Equal(t, MQTT{Broker: "192.168.68.250", Port: 1883, Channel: "/cova"}, m)
	assert.Equal(t, "/cova/speed-cal", m.Prefix())
}

func TestParseDefaults(t *testing.T) {
	m, err := Parse(strings.NewReader(
		`<root><connection class="jmri.jmrix.mqtt.configurexml.MqttConnectionConfigXml" port="abc"/></root>`))
	require.NoError(t, err)
	assert.Equal(t, MQTT{Broker: "localhost", Port: 1883}, m)
	assert.Empty(t, m.Prefix())

	_, err = Parse(strings.NewReader(`<root><connection class="other"/></root>`))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDiscoverPrefersNewestProfile(t *testing.T) {
	dir := t.TempDir()
	write := func(rel, body string, mod time.Time) {
		p := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
		require.NoError(t, os.Chtimes(p, mod, mod))
	}
	now := time.Now()
	write("Old/profile/a/profile.xml", profileXML, now.Add(-time.Hour))
	write("New/profile/b/profile.xml",
		`<root><connection class="jmri.jmrix.mqtt.configurexml.MqttConnectionConfigXml" address="10.1.1.1" port="1999"/></root>`, now)
	write("Broken/profile/c/profile.xml", `<root><connection`, now.Add(time.Hour))

	m, err := Discover(dir)
	require.NoError(t, err)
	assert.Equal(t, "10.1.1.1", m.Broker)
	assert.Equal(t, 1999, m.Port)
	assert.Contains(t, m.Profile, "New")

	_, err = Discover(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, ErrNotFound)
}
