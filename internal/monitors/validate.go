package monitors

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/uppehq/node/pkg/types"
)

// ErrInvalidMonitor wraps every validation failure. Invalid monitors are never stored
// or scheduled.
var ErrInvalidMonitor = errors.New("invalid monitor")

const (
	MinIntervalSeconds = 10
	MaxIntervalSeconds = 86400
	MinTimeoutSeconds  = 1
	MaxTimeoutSeconds  = 300

	maxNameLength = 200
	maxHeaders    = 20
	maxHeaderSize = 8192
	maxBodyBytes  = 1 << 20
)

// blockedPorts are refused for TCP checks so the network cannot be used to scan
// remote administration and database services.
var blockedPorts = map[int]string{
	22:    "ssh",
	23:    "telnet",
	25:    "smtp",
	110:   "pop3",
	143:   "imap",
	445:   "smb",
	3389:  "rdp",
	5432:  "postgresql",
	5900:  "vnc",
	6379:  "redis",
	27017: "mongodb",
}

var documentationPrefixes = []netip.Prefix{
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("2001:db8::/32"),
}

type ValidationOptions struct {
	// AllowPrivateTargets permits loopback, private and link-local targets. Only useful
	// for networks where every node shares a private address space.
	AllowPrivateTargets bool
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidMonitor, fmt.Sprintf(format, args...))
}

// Validate checks a monitor definition before it is stored or accepted from a peer.
func Validate(m types.Monitor, opts ValidationOptions) error {
	if m.UUID != "" {
		if _, err := uuid.Parse(m.UUID); err != nil {
			return invalid("uuid %q: %v", m.UUID, err)
		}
	}
	if strings.TrimSpace(m.Name) == "" {
		return invalid("name is required")
	}
	if len(m.Name) > maxNameLength {
		return invalid("name exceeds %d characters", maxNameLength)
	}

	var err error
	switch m.CheckType {
	case types.CheckHTTP:
		err = validateHTTPTarget(m.Target, opts)
	case types.CheckTCP:
		err = validateTCPTarget(m.Target, opts)
	case types.CheckICMP:
		err = validateICMPTarget(m.Target, opts)
	default:
		return invalid("unsupported check type %q", m.CheckType)
	}
	if err != nil {
		return err
	}

	if m.IntervalSeconds < MinIntervalSeconds || m.IntervalSeconds > MaxIntervalSeconds {
		return invalid("interval %ds outside %d..%d", m.IntervalSeconds, MinIntervalSeconds, MaxIntervalSeconds)
	}
	if m.TimeoutSeconds < MinTimeoutSeconds || m.TimeoutSeconds > MaxTimeoutSeconds {
		return invalid("timeout %ds outside %d..%d", m.TimeoutSeconds, MinTimeoutSeconds, MaxTimeoutSeconds)
	}
	if m.TimeoutSeconds >= m.IntervalSeconds {
		return invalid("timeout %ds must be shorter than interval %ds", m.TimeoutSeconds, m.IntervalSeconds)
	}

	if m.CheckType != types.CheckHTTP && (len(m.ExpectedStatusCodes) > 0 || len(m.Headers) > 0 || m.Body != "") {
		return invalid("status codes, headers and body only apply to http checks")
	}
	for _, code := range m.ExpectedStatusCodes {
		if code < 100 || code > 599 {
			return invalid("expected status code %d out of range", code)
		}
	}
	if len(m.Headers) > maxHeaders {
		return invalid("too many headers: %d (max %d)", len(m.Headers), maxHeaders)
	}
	for k, v := range m.Headers {
		if strings.TrimSpace(k) == "" {
			return invalid("empty header name")
		}
		if len(k)+len(v) > maxHeaderSize {
			return invalid("header %q exceeds %d bytes", k, maxHeaderSize)
		}
	}
	if len(m.Body) > maxBodyBytes {
		return invalid("body exceeds %d bytes", maxBodyBytes)
	}
	return nil
}

func validateHTTPTarget(target string, opts ValidationOptions) error {
	u, err := url.Parse(target)
	if err != nil {
		return invalid("target url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return invalid("unsupported url scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return invalid("target url has no host")
	}
	if p := u.Port(); p != "" {
		if _, err := parsePort(p); err != nil {
			return err
		}
	}
	return checkHost(host, opts)
}

func validateTCPTarget(target string, opts ValidationOptions) error {
	host, portText, err := net.SplitHostPort(target)
	if err != nil || host == "" {
		return invalid("tcp target must be host:port")
	}
	port, err := parsePort(portText)
	if err != nil {
		return err
	}
	if name, ok := blockedPorts[port]; ok {
		return invalid("port %d (%s) is blocked", port, name)
	}
	return checkHost(host, opts)
}

func validateICMPTarget(target string, opts ValidationOptions) error {
	host := strings.TrimSpace(target)
	if host == "" || strings.ContainsAny(host, "/ ") {
		return invalid("icmp target must be a host name or address")
	}
	return checkHost(strings.Trim(host, "[]"), opts)
}

func parsePort(text string) (int, error) {
	port, err := strconv.Atoi(text)
	if err != nil || port < 1 || port > 65535 {
		return 0, invalid("invalid port %q", text)
	}
	return port, nil
}

func checkHost(host string, opts ValidationOptions) error {
	if opts.AllowPrivateTargets {
		return nil
	}
	if isPrivateOrLocal(host) {
		return invalid("private or local target %q is not allowed", host)
	}
	return nil
}

func isPrivateOrLocal(host string) bool {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	switch host {
	case "localhost", "local", "internal", "private":
		return true
	}
	for _, suffix := range []string{".localhost", ".local", ".internal", ".private"} {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() || addr.IsMulticast() {
		return true
	}
	if addr == netip.AddrFrom4([4]byte{255, 255, 255, 255}) {
		return true
	}
	for _, prefix := range documentationPrefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}
