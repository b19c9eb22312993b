package protocol

import (
	"strconv"
	"strings"

	"github.com/wg-telemetry/pkg/logging"
	"github.com/wg-telemetry/pkg/snapshot"
	"github.com/wg-telemetry/pkg/types"
)

// Field counts of the lines printed by `wg show all dump`.
const (
	InterfaceFields   = 5
	PeerFields        = 8
	PeerFieldsWithKA  = 9
	FieldSeparator    = "\t"
	noneValue         = "(none)"
	keepaliveOffValue = "off"
)

// LineKind discriminates dump lines by field count.
type LineKind int

const (
	LineMalformed LineKind = iota
	LineInterface
	LinePeer
)

func (k LineKind) String() string {
	switch k {
	case LineInterface:
		return "interface"
	case LinePeer:
		return "peer"
	default:
		return "malformed"
	}
}

// ClassifyLine returns the kind of a line split on tabs.
func ClassifyLine(fields []string) LineKind {
	switch len(fields) {
	case InterfaceFields:
		return LineInterface
	case PeerFields, PeerFieldsWithKA:
		return LinePeer
	default:
		return LineMalformed
	}
}

// ParseDump parses the output of one poll into a ConnectionData.
//
// Interface line: iface, private key, public key, listen port, fwmark
// Peer line: iface, public key, preshared key, endpoint, allowed ips,
// latest handshake, rx, tx, [persistent keepalive]
//
// Malformed lines are logged and skipped. A peer whose interface line has not
// been seen earlier in the same output stays in the flat peer map only.
func ParseDump(output string) *snapshot.ConnectionData {
	b := snapshot.NewBuilder()
	if strings.TrimSpace(output) == "" {
		return b.Build()
	}

	for lineNo, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		fields := strings.Split(line, FieldSeparator)
		switch ClassifyLine(fields) {
		case LineInterface:
			n := parseInterfaceLine(fields)
			b.AddNetwork(n)
			logging.Debugf("[parser] interface parsed (iface=%s public_key=%s port=%d)", n.InterfaceName, n.PublicKey, n.ListeningPort)
		case LinePeer:
			iface := fields[0]
			p := parsePeerLine(fields)
			b.AddPeer(p)
			if !b.AttachPeer(iface, p) {
				logging.Warnf("[parser] peer belongs to unknown interface (peer=%s iface=%s)", p.PublicKey, iface)
				continue
			}
			logging.Debugf("[parser] peer parsed (peer=%s iface=%s)", p.PublicKey, iface)
		default:
			logging.Warnf("[parser] skipping malformed line (line=%d fields=%d)", lineNo+1, len(fields))
		}
	}

	return b.Build()
}

func parseInterfaceLine(fields []string) *types.NetworkSnapshot {
	return &types.NetworkSnapshot{
		InterfaceName: fields[0],
		PublicKey:     fields[2],
		ListeningPort: ParsePort(fields[3]),
		Peers:         make(map[string]*types.PeerSnapshot),
	}
}

func parsePeerLine(fields []string) *types.PeerSnapshot {
	p := &types.PeerSnapshot{
		PublicKey:                   fields[1],
		PresharedKey:                normalizeNone(fields[2]),
		Endpoint:                    normalizeNone(fields[3]),
		AllowedIPs:                  normalizeNone(fields[4]),
		LatestHandshakeEpochSeconds: ParseOptionalInt(fields[5]),
		BytesReceived:               ParseOptionalInt(fields[6]),
		BytesSent:                   ParseOptionalInt(fields[7]),
	}
	if len(fields) == PeerFieldsWithKA {
		p.PersistentKeepaliveSeconds = ParseOptionalInt(fields[8])
	}
	return p
}

// ParseOptionalInt applies the dump's sentinel rule: "" and "0" mean absent,
// as does anything that is not an integer (for example "off").
func ParseOptionalInt(s string) *int64 {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	return &v
}

// ParsePort parses a listen port, returning 0 when it is not a valid uint16.
func ParsePort(s string) uint16 {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0
	}
	return uint16(v)
}

func normalizeNone(s string) string {
	if s == noneValue {
		return ""
	}
	return s
}

// FormatInterfaceLine renders an interface line the way `wg show all dump` does.
func FormatInterfaceLine(iface, privateKey, publicKey string, listenPort int, fwmark int) string {
	mark := keepaliveOffValue
	if fwmark != 0 {
		mark = "0x" + strconv.FormatInt(int64(fwmark), 16)
	}
	return strings.Join([]string{
		iface,
		orNone(privateKey),
		orNone(publicKey),
		strconv.Itoa(listenPort),
		mark,
	}, FieldSeparator) + "\n"
}

// PeerLine holds the fields of one peer line.
type PeerLine struct {
	Interface        string
	PublicKey        string
	PresharedKey     string
	Endpoint         string
	AllowedIPs       []string
	LatestHandshake  int64 // unix seconds, 0 if never
	ReceiveBytes     int64
	TransmitBytes    int64
	KeepaliveSeconds int64 // 0 means off
}

// FormatPeerLine renders a nine-field peer line.
func FormatPeerLine(p PeerLine) string {
	keepalive := keepaliveOffValue
	if p.KeepaliveSeconds > 0 {
		keepalive = strconv.FormatInt(p.KeepaliveSeconds, 10)
	}
	allowed := strings.Join(p.AllowedIPs, ",")
	return strings.Join([]string{
		p.Interface,
		p.PublicKey,
		orNone(p.PresharedKey),
		orNone(p.Endpoint),
		orNone(allowed),
		strconv.FormatInt(p.LatestHandshake, 10),
		strconv.FormatInt(p.ReceiveBytes, 10),
		strconv.FormatInt(p.TransmitBytes, 10),
		keepalive,
	}, FieldSeparator) + "\n"
}

func orNone(s string) string {
	if s == "" {
		return noneValue
	}
	return s
}
