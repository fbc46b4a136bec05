// Package jmri finds the MQTT connection JMRI is configured with, so the
// tools can talk to the same broker without flags.
package jmri

import (
	"encoding/xml"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultDir is JMRI's per-user settings directory, relative to $HOME.
const DefaultDir = ".jmri"

const (
	mqttConnectionClass = "jmri.jmrix.mqtt.configurexml.MqttConnectionConfigXml"
	channelOption       = "0 MQTTchannel"
	defaultBroker       = "localhost"
	defaultPort         = 1883
)

// ErrNotFound is returned when no enabled MQTT connection is configured.
var ErrNotFound = errors.New("jmri: no MQTT connection in any profile")

// MQTT is the broker JMRI connects to. Channel is JMRI's topic prefix and
// is often empty.
type MQTT struct {
	Broker  string
	Port    int
	Channel string
	Profile string
}

type connection struct {
	Class    string   `xml:"class,attr"`
	Address  string   `xml:"address,attr"`
	Port     string   `xml:"port,attr"`
	Disabled string   `xml:"disabled,attr"`
	Options  []option `xml:"options>option"`
}

type option struct {
	Name  string `xml:"name"`
	Value string `xml:"value"`
}

// ResolveDir expands an empty dir to ~/.jmri and a leading "~/".
func ResolveDir(dir string) string {
	home, _ := os.UserHomeDir()
	switch {
	case dir == "":
		return filepath.Join(home, DefaultDir)
	case strings.HasPrefix(dir, "~/"):
		return filepath.Join(home, dir[2:])
	}
	return dir
}

// Profiles lists every profile.xml under dir, newest first.
func Profiles(dir string) ([]string, error) {
	type found struct {
		path string
		mod  time.Time
	}
	var all []found
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if d.IsDir() || d.Name() != "profile.xml" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		all = append(all, found{path, info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].mod.After(all[j].mod) })
	paths := make([]string, len(all))
	for i, f := range all {
		paths[i] = f.path
	}
	return paths, nil
}

// Discover returns the MQTT connection from the newest profile that has
// an enabled one.
func Discover(dir string) (MQTT, error) {
	profiles, err := Profiles(ResolveDir(dir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return MQTT{}, ErrNotFound
		}
		return MQTT{}, err
	}
	for _, p := range profiles {
		f, err := os.Open(p)
		if err != nil {
			continue
		}
		cfg, err := Parse(f)
		f.Close()
		if err != nil {
			continue
		}
		cfg.Profile = p
		return cfg, nil
	}
	return MQTT{}, ErrNotFound
}

// Parse scans a profile document for the first enabled MQTT connection,
// ignoring namespaces.
func Parse(r io.Reader) (MQTT, error) {
	dec := xml.NewDecoder(r)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return MQTT{}, ErrNotFound
		}
		if err != nil {
			return MQTT{}, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "connection" {
			continue
		}
		var c connection
		if err := dec.DecodeElement(&c, &start); err != nil {
			return MQTT{}, err
		}
		if !strings.Contains(c.Class, mqttConnectionClass) || strings.EqualFold(c.Disabled, "yes") {
			continue
		}
		return c.mqtt(), nil
	}
}

func (c connection) mqtt() MQTT {
	m := MQTT{Broker: c.Address, Port: defaultPort}
	if m.Broker == "" {
		m.Broker = defaultBroker
	}
	if p, err := strconv.Atoi(c.Port); err == nil {
		m.Port = p
	}
	for _, o := range c.Options {
		if o.Name == channelOption {
			m.Channel = strings.TrimSpace(o.Value)
			break
		}
	}
	return m
}

// Prefix is the calibration topic prefix under JMRI's channel, or "" when
// JMRI has no channel.
func (m MQTT) Prefix() string {
	if m.Channel == "" {
		return ""
	}
	return m.Channel + "/speed-cal"
}
