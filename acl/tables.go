// Package acl implements the CIDR+port access-control engine: four
// in-memory tables reloaded live from an external pub/sub store, and the
// matching rules that gate which flows the session manager admits.
package acl

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// PortRange is an inclusive lo-hi port range, e.g. "1000-2000" admits
// 1000 and 2000 and rejects 999 and 2001.
type PortRange struct {
	Lo, Hi int
}

func (r PortRange) contains(port int) bool {
	return port >= r.Lo && port <= r.Hi
}

// PortSet is the parsed form of a table entry's port list: a literal set
// tried first, then a list of ranges.
type PortSet struct {
	Literals map[int]bool
	Ranges   []PortRange
}

func (p PortSet) matches(port int) bool {
	if p.Literals[port] {
		return true
	}
	for _, r := range p.Ranges {
		if r.contains(port) {
			return true
		}
	}
	return false
}

// ParsePortSet parses the JSON form of a target entry's port list:
// each element is either a decimal literal or a "lo-hi" range string.
func ParsePortSet(entries []string) (PortSet, error) {
	ps := PortSet{Literals: map[int]bool{}}
	for _, e := range entries {
		if lo, hi, ok := strings.Cut(e, "-"); ok {
			loN, err := strconv.Atoi(lo)
			if err != nil {
				return ps, fmt.Errorf("bad port range %q: %w", e, err)
			}
			hiN, err := strconv.Atoi(hi)
			if err != nil {
				return ps, fmt.Errorf("bad port range %q: %w", e, err)
			}
			ps.Ranges = append(ps.Ranges, PortRange{Lo: loN, Hi: hiN})
			continue
		}
		n, err := strconv.Atoi(e)
		if err != nil {
			return ps, fmt.Errorf("bad port literal %q: %w", e, err)
		}
		ps.Literals[n] = true
	}
	return ps, nil
}

// targetEntry is one CIDR's parsed rule: the network plus its allowed
// ports, and the prefix length used to break subnet-scan ties
// (longest/most-specific prefix wins; see Open Question #1 in DESIGN.md).
type targetEntry struct {
	cidr   string
	net    *net.IPNet
	prefix int
	ports  PortSet
}

// TargetTable is allowed_targets or disallowed_targets: CIDR -> port set.
type TargetTable struct {
	entries []targetEntry
	byCIDR  map[string]targetEntry
}

// ParseTargetTable parses the canonical JSON form
// {"cidr": ["port"|"lo-hi", ...], ...}. Malformed CIDRs and malformed
// port entries are logged once by the caller (via the returned warnings)
// and otherwise ignored, rather than failing the whole table.
func ParseTargetTable(raw map[string][]string) (tt TargetTable, warnings []string) {
	tt.byCIDR = make(map[string]targetEntry)
	for cidr, portStrs := range raw {
		ipnet, err := parseCIDR(cidr)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("skipping malformed CIDR %q: %v", cidr, err))
			continue
		}
		ports, err := ParsePortSet(portStrs)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("skipping %q: %v", cidr, err))
			continue
		}
		prefix, _ := ipnet.Mask.Size()
		e := targetEntry{cidr: cidr, net: ipnet, prefix: prefix, ports: ports}
		tt.entries = append(tt.entries, e)
		tt.byCIDR[cidr] = e
	}
	return tt, warnings
}

// parseCIDR requires an explicit prefix ("ip/32" for a single host, per
// Open Question #3): a bare IP is a malformed entry.
func parseCIDR(s string) (*net.IPNet, error) {
	_, ipnet, err := net.ParseCIDR(s)
	if err != nil {
		return nil, err
	}
	return ipnet, nil
}

// Matches implements matches_acl: an exact /32 host match, else the
// 0.0.0.0/0 default rule, else a scan over every other subnet ordered by
// descending prefix length (most specific first), so ties resolve
// deterministically regardless of map iteration order.
func (tt TargetTable) Matches(ip net.IP, port int) bool {
	host := ip.String() + "/32"
	if e, ok := tt.byCIDR[host]; ok && e.ports.matches(port) {
		return true
	}
	if e, ok := tt.byCIDR["0.0.0.0/0"]; ok && e.ports.matches(port) {
		return true
	}
	if e, ok := tt.byCIDR["::/0"]; ok && e.ports.matches(port) {
		return true
	}

	var best *targetEntry
	for i := range tt.entries {
		e := &tt.entries[i]
		if e.cidr == "0.0.0.0/0" || e.cidr == "::/0" || e.prefix >= 32 {
			continue
		}
		if !e.net.Contains(ip) {
			continue
		}
		if best == nil || e.prefix > best.prefix {
			best = e // a more specific containing subnet takes over
		}
	}
	return best != nil && best.ports.matches(port)
}

// LeaseTable is allowed_sources or excluded_sources: source IP -> expiry
// in milliseconds since the epoch.
type LeaseTable map[string]int64

// ParseLeaseTable parses the canonical JSON form {"ip": expiry_ms, ...}.
func ParseLeaseTable(raw map[string]int64) LeaseTable {
	lt := make(LeaseTable, len(raw))
	for ip, expiry := range raw {
		lt[ip] = expiry
	}
	return lt
}

// Unexpired reports whether ip has a lease in lt that has not yet
// expired as of nowMs.
func (lt LeaseTable) Unexpired(ip string, nowMs int64) bool {
	if lt == nil {
		return false
	}
	expiry, ok := lt[ip]
	return ok && expiry > nowMs
}

// DecodeTargetJSON and DecodeLeaseJSON parse the wire JSON a Redis GET
// for one of the three table keys returns.
func DecodeTargetJSON(data []byte) (map[string][]string, error) {
	var m map[string][]string
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func DecodeLeaseJSON(data []byte) (map[string]int64, error) {
	var m map[string]int64
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
