package transport

import "strings"

// DefaultPrefix is used when neither config nor JMRI discovery supplies one.
const DefaultPrefix = "/cova/speed-cal"

// Topics builds the full topic names under one prefix.
//
//	<prefix>/throttle/{acquire,speed,direction,stop,estop,function,release,status}
//	<prefix>/speed-cal/{arm,stop,result,status,load,tare,vibration,audio}
//	<prefix>/roster/{query,info,import_profile,import_status}
//	<prefix>/cv/{read,write,result}
//	<prefix>/calibration/{progress,cancel}
type Topics struct {
	Prefix string
}

func NewTopics(prefix string) Topics {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Topics{Prefix: strings.TrimRight(prefix, "/")}
}

func (t Topics) Throttle(name string) string { return t.Prefix + "/throttle/" + name }
func (t Topics) Sensor(name string) string   { return t.Prefix + "/speed-cal/" + name }
func (t Topics) Roster(name string) string   { return t.Prefix + "/roster/" + name }
func (t Topics) CV(name string) string       { return t.Prefix + "/cv/" + name }

// Calibration topics carry sweep progress between the calibrate tool and
// a separately running dashboard.
func (t Topics) Calibration(name string) string { return t.Prefix + "/calibration/" + name }
