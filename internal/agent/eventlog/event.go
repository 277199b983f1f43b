// Package eventlog turns Windows Event Log activity into drift events in
// real time, which catches tampering between check cycles. The
// subscription machinery is Windows-only; event classification is
// portable so it can be tested anywhere.
package eventlog

import (
	"strconv"
	"strings"
	"time"

	pb "github.com/meridianmsp/fleet/internal/agentpb"
)

// Event is one classified compliance-relevant log event.
type Event struct {
	CheckType string
	Passed    bool
	Expected  string
	Actual    string
	Control   string
	EventID   uint32
	Channel   string
	Timestamp time.Time
}

// Callback receives classified events as they arrive.
type Callback func(*Event)

// Channel describes one subscribed log channel and the event IDs of
// interest within it.
type Channel struct {
	Name  string
	Query string
}

// Channels lists every log channel the watcher subscribes to.
var Channels = []Channel{
	{
		Name:  "Microsoft-Windows-Windows Firewall With Advanced Security/Firewall",
		Query: "*[System[(EventID=2003 or EventID=2004 or EventID=2005 or EventID=2006)]]",
	},
	{
		Name:  "Microsoft-Windows-Windows Defender/Operational",
		Query: "*[System[(EventID=5001 or EventID=5010 or EventID=5012)]]",
	},
	{
		Name:  "Security",
		Query: "*[System[(EventID=4625 or EventID=4740 or EventID=4672 or EventID=4719)]]",
	},
	{
		Name:  "System",
		Query: "*[System[(EventID=7036 or EventID=7040)]]",
	},
	{
		Name:  "Microsoft-Windows-BitLocker/BitLocker Management",
		Query: "*[System[(EventID=24620 or EventID=24621)]]",
	},
}

type eventMeaning struct {
	expected string
	actual   string
	passed   bool
}

type channelClass struct {
	checkType string
	control   string
	fallback  eventMeaning
	byID      map[uint32]eventMeaning
}

var firewallClass = channelClass{
	checkType: "firewall",
	control:   "164.312(e)(1)",
	fallback:  eventMeaning{"firewall enabled", "firewall configuration changed", false},
	byID: map[uint32]eventMeaning{
		2003: {"firewall profile unchanged", "firewall profile setting changed", false},
		2004: {"no new firewall rules", "firewall rule added", false},
		2005: {"firewall rules unchanged", "firewall rule modified", false},
		2006: {"firewall rules intact", "firewall rule deleted", false},
	},
}

var defenderClass = channelClass{
	checkType: "defender",
	control:   "164.308(a)(5)(ii)(B)",
	fallback:  eventMeaning{"Defender protection active", "Defender configuration changed", false},
	byID: map[uint32]eventMeaning{
		5001: {"real-time protection enabled", "real-time protection disabled", false},
		5010: {"scanning enabled", "antispyware scanning disabled", false},
		5012: {"antimalware active", "antimalware engine disabled", false},
	},
}

var bitlockerClass = channelClass{
	checkType: "bitlocker",
	control:   "164.312(a)(2)(iv)",
	fallback:  eventMeaning{"BitLocker protection enabled", "BitLocker status changed", false},
	byID: map[uint32]eventMeaning{
		24620: {"BitLocker protection on", "BitLocker protection suspended", false},
		// Resume is a recovery, not a drift.
		24621: {"BitLocker enabled", "BitLocker protection resumed", true},
	},
}

var securityClass = channelClass{
	checkType: "security_audit",
	control:   "164.312(b)",
	fallback:  eventMeaning{"normal security activity", "unexpected security event", false},
	byID: map[uint32]eventMeaning{
		4625: {"successful authentication", "failed logon attempt", false},
		4740: {"account active", "account locked out", false},
		4672: {"standard privileges", "special privileges assigned to logon", true},
		4719: {"audit policy unchanged", "system audit policy changed", false},
	},
}

var systemClass = channelClass{
	checkType: "service_status",
	control:   "164.308(a)(1)",
	fallback:  eventMeaning{"system services stable", "unexpected system event", false},
	byID: map[uint32]eventMeaning{
		7036: {"critical services running", "service changed run state", false},
		7040: {"service startup type unchanged", "service startup type changed", false},
	},
}

// classify maps a channel name to its classification table.
func classify(channelName string) channelClass {
	switch {
	case strings.Contains(channelName, "Firewall"):
		return firewallClass
	case strings.Contains(channelName, "Defender"):
		return defenderClass
	case strings.Contains(channelName, "BitLocker"):
		return bitlockerClass
	case channelName == "Security":
		return securityClass
	case channelName == "System":
		return systemClass
	default:
		return channelClass{
			checkType: "unknown",
			fallback:  eventMeaning{"no events", "unclassified log event", false},
		}
	}
}

// NewEvent classifies a raw log event by channel and event ID.
func NewEvent(channelName string, eventID uint32) *Event {
	class := classify(channelName)
	meaning, ok := class.byID[eventID]
	if !ok {
		meaning = class.fallback
	}
	return &Event{
		CheckType: class.checkType,
		Passed:    meaning.passed,
		Expected:  meaning.expected,
		Actual:    meaning.actual,
		Control:   class.control,
		EventID:   eventID,
		Channel:   channelName,
		Timestamp: time.Now(),
	}
}

// PolicyChange reports whether the event signals a configuration or
// policy change rather than a point failure. These events taint the
// previous check results, so callers should re-run the full check set.
func (e *Event) PolicyChange() bool {
	switch {
	case e.Channel == "Security" && e.EventID == 4719:
		return true
	case e.Channel == "System" && e.EventID == 7040:
		return true
	}
	return false
}

// Drift converts the event to the wire form sent over the drift stream.
func (e *Event) Drift(agentID, hostname string) *pb.DriftEvent {
	return &pb.DriftEvent{
		AgentId:      agentID,
		Hostname:     hostname,
		CheckType:    e.CheckType,
		Passed:       e.Passed,
		Expected:     e.Expected,
		Actual:       e.Actual,
		HipaaControl: e.Control,
		Timestamp:    e.Timestamp.Unix(),
		Metadata: map[string]string{
			"source":   "eventlog",
			"channel":  e.Channel,
			"event_id": strconv.FormatUint(uint64(e.EventID), 10),
		},
	}
}

// extractXMLValue returns the text content of the first occurrence of a
// simple XML element, tolerating attributes on the opening tag.
func extractXMLValue(xml, tag string) string {
	start := strings.Index(xml, "<"+tag)
	if start < 0 {
		return ""
	}
	gt := strings.Index(xml[start:], ">")
	if gt < 0 {
		return ""
	}
	content := start + gt + 1
	end := strings.Index(xml[content:], "</"+tag+">")
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(xml[content : content+end])
}

func parseEventID(xml string) uint32 {
	v := extractXMLValue(xml, "EventID")
	if v == "" {
		return 0
	}
	id, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0
	}
	return uint32(id)
}
