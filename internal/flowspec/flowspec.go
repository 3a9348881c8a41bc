// Package flowspec implements the pure match+action serializer that
// produces the mitigation string consumed by downstream BGP tooling (spec
// §4.6). Grounded on the FlowspecRule shape from the teacher's BGP client
// but split out as an independently testable encoder with no network or
// state dependency of its own.
package flowspec

import (
	"fmt"
	"strconv"
	"strings"
)

// ActionType is the Flow Spec traffic-filtering action.
type ActionType int

const (
	// ActionAccept is the default action when none is set.
	ActionAccept ActionType = iota
	ActionDiscard
	ActionRateLimit
)

// Action is one Flow Spec action clause.
type Action struct {
	Type      ActionType
	RateLimit uint64 // byte-rate cap, only meaningful when Type == ActionRateLimit
}

// Serialize renders the action clause per spec §4.6's action grammar.
func (a Action) Serialize() string {
	switch a.Type {
	case ActionDiscard:
		return "discard;"
	case ActionRateLimit:
		return "rate-limit " + strconv.FormatUint(a.RateLimit, 10) + ";"
	default:
		return "accept;"
	}
}

// Match is the set of match clauses for one Flow Spec rule. Rule.Serialize
// renders each port value with an "=" operator prefix and each protocol
// with no prefix.
type Match struct {
	DestinationPrefix string
	SourcePrefix      string
	Protocol          []string
	SourcePort        []uint16
	DestinationPort   []uint16
}

// Serialize renders the concatenation of list with sep between elements
// and prefix before each element: "prefix+v1+sep+prefix+v2+..." (spec
// §4.6). An empty list yields the empty string. This is the foundation of
// the wire encoder and is directly testable in isolation.
func Serialize(list []string, sep, prefix string) string {
	if len(list) == 0 {
		return ""
	}
	parts := make([]string, len(list))
	for i, v := range list {
		parts[i] = prefix + v
	}
	return strings.Join(parts, sep)
}

// serializeUint16 is Serialize specialised for port lists.
func serializeUint16(list []uint16, sep, prefix string) string {
	strs := make([]string, len(list))
	for i, v := range list {
		strs[i] = strconv.FormatUint(uint64(v), 10)
	}
	return Serialize(strs, sep, prefix)
}

// Rule is a complete Flow Spec rule: one match clause plus exactly one
// action clause (spec §4.6).
type Rule struct {
	Match  Match
	Action Action
}

// Serialize renders the rule's full wire form.
func (r Rule) Serialize() string {
	var clauses []string
	if r.Match.DestinationPrefix != "" {
		clauses = append(clauses, fmt.Sprintf("destination %s", r.Match.DestinationPrefix))
	}
	if r.Match.SourcePrefix != "" {
		clauses = append(clauses, fmt.Sprintf("source %s", r.Match.SourcePrefix))
	}
	if proto := Serialize(r.Match.Protocol, ",", ""); proto != "" {
		clauses = append(clauses, fmt.Sprintf("protocol %s", proto))
	}
	if port := serializeUint16(r.Match.SourcePort, ",", "="); port != "" {
		clauses = append(clauses, fmt.Sprintf("source-port %s", port))
	}
	if port := serializeUint16(r.Match.DestinationPort, ",", "="); port != "" {
		clauses = append(clauses, fmt.Sprintf("destination-port %s", port))
	}

	match := strings.Join(clauses, "; ")
	return fmt.Sprintf("match { %s; } then { %s }", match, r.Action.Serialize())
}

// Blackhole builds the degenerate discard-everything rule for a single
// host prefix (spec §4.6: "match { destination <host/32|host/128>; } then
// { discard; }").
func Blackhole(hostPrefix string) Rule {
	return Rule{
		Match:  Match{DestinationPrefix: hostPrefix},
		Action: Action{Type: ActionDiscard},
	}
}
