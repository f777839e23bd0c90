// Package topic builds and parses the MQTT topic names the controller
// uses. Every topic is <prefix>/<segment>/<suffix>, where the segment is
// either a fixed device class or the device identity, and the suffix is
// one of exactly four values.
package topic

import "strings"

// Suffix is the last level of a topic name.
type Suffix string

// The four recognised suffixes.
const (
	Config     Suffix = "config"     // inbound JSON directive
	Set        Suffix = "set"        // inbound "power:on" / "power:off"
	State      Suffix = "state"      // outbound "on" / "off"
	AirQuality Suffix = "airquality" // outbound concentration
)

// controlAlias is accepted on inbound topics as a synonym for [Set].
const controlAlias = "control"

// Separator is the MQTT topic level separator.
const Separator = "/"

// Inbound reports whether messages with this suffix are consumed by the
// controller.
func (s Suffix) Inbound() bool {
	return s == Config || s == Set
}

// Namespace is the fixed part of every topic name.
type Namespace struct {
	Prefix  string // e.g. "homeassistant/switch"
	Segment string // device class ("fan") or device identity hex
}

// Name returns the absolute topic for s.
func (n Namespace) Name(s Suffix) string {
	return n.base() + Separator + string(s)
}

// Parse splits an absolute topic name and returns its suffix. It
// reports false when the name is outside the namespace or the suffix is
// not one of the four known values.
func (n Namespace) Parse(name string) (Suffix, bool) {
	rest, ok := strings.CutPrefix(name, n.base()+Separator)
	if !ok || strings.Contains(rest, Separator) {
		return "", false
	}
	switch Suffix(rest) {
	case Config, Set, State, AirQuality:
		return Suffix(rest), true
	}
	if rest == controlAlias {
		return Set, true
	}
	return "", false
}

// Subscriptions returns the topic names the controller subscribes to.
func (n Namespace) Subscriptions() []string {
	return []string{n.Name(Config), n.Name(Set)}
}

func (n Namespace) base() string {
	return strings.TrimSuffix(n.Prefix, Separator) + Separator + n.Segment
}
