package transport

import (
	"fmt"
	"net"
	"strings"

	"golang.org/x/sys/unix"
)

// dscpValues maps DSCP names (RFC 2474/4594) to their 6-bit code points.
// This is the DSCP code point itself, not the full TOS byte — callers shift
// it left by 2 before it goes in the socket option (TOS = DSCP<<2 | ECN).
var dscpValues = map[string]int{
	// Expedited Forwarding — low-latency acquisition traffic
	"EF": 46,

	// Assured Forwarding — classes 1-4, drop precedence 1-3
	"AF11": 10, "AF12": 12, "AF13": 14,
	"AF21": 18, "AF22": 20, "AF23": 22,
	"AF31": 26, "AF32": 28, "AF33": 30,
	"AF41": 34, "AF42": 36, "AF43": 38,

	// Class Selector (backward compatible with IP Precedence)
	"CS0": 0, "CS1": 8, "CS2": 16, "CS3": 24,
	"CS4": 32, "CS5": 40, "CS6": 48, "CS7": 56,
}

// ParseDSCP converts a DSCP name ("AF41", "EF", ...) to its numeric code
// point. An empty string returns 0, nil (DSCP tagging disabled).
func ParseDSCP(name string) (int, error) {
	name = strings.TrimSpace(strings.ToUpper(name))
	if name == "" {
		return 0, nil
	}
	val, ok := dscpValues[name]
	if !ok {
		return 0, fmt.Errorf("transport: unknown DSCP value %q (valid: EF, AF11..AF43, CS0..CS7)", name)
	}
	return val, nil
}

// ApplyDSCP tags a TCP connection's outgoing packets with the given DSCP
// code point, so a detector acquisition stream can be prioritized on a
// shared network path. dscp == 0 is a no-op.
func ApplyDSCP(conn net.Conn, dscp int) error {
	if dscp == 0 {
		return nil
	}

	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return fmt.Errorf("transport: cannot apply DSCP: conn is %T, not *net.TCPConn", conn)
	}

	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		return fmt.Errorf("transport: getting raw conn for DSCP: %w", err)
	}

	// TOS byte = DSCP (6 bits) << 2 | ECN (2 bits, left as 0).
	tosValue := dscp << 2

	var sysErr error
	if err := rawConn.Control(func(fd uintptr) {
		sysErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, tosValue)
	}); err != nil {
		return fmt.Errorf("transport: control fd for DSCP: %w", err)
	}
	if sysErr != nil {
		return fmt.Errorf("transport: setsockopt IP_TOS=%d: %w", tosValue, sysErr)
	}

	return nil
}
