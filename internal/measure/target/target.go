package target

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultPort is the port of the measurement server for TCP and UDP.
const DefaultPort = 5121

type Protocol string

const (
	TCP  Protocol = "tcp"
	UDP  Protocol = "udp"
	ICMP Protocol = "icmp"
)

var Protocols = []Protocol{TCP, UDP, ICMP}

func ParseProtocol(s string) (Protocol, error) {
	p := Protocol(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case TCP, UDP, ICMP:
		return p, nil
	default:
		return "", fmt.Errorf("unknown protocol %q (must be tcp, udp or icmp)", s)
	}
}

// Direction of a transfer relative to the client; also names the test role.
type Direction string

const (
	Download Direction = "download"
	Upload   Direction = "upload"
)

var Directions = []Direction{Download, Upload}

// Server is a candidate measurement server loaded from configuration.
type Server struct {
	Name      string     `yaml:"name"`
	Host      string     `yaml:"host"`
	Port      int        `yaml:"port"`
	Protocols []Protocol `yaml:"protocols"`
}

func (s Server) Address() string {
	port := s.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(s.Host, strconv.Itoa(port))
}

// Supports reports whether the server accepts the protocol. An empty
// affinity list means every protocol.
func (s Server) Supports(p Protocol) bool {
	if len(s.Protocols) == 0 {
		return true
	}
	for _, sp := range s.Protocols {
		if sp == p {
			return true
		}
	}
	return false
}

func (s Server) String() string {
	if s.Name != "" {
		return fmt.Sprintf("%s (%s)", s.Name, s.Host)
	}
	return s.Host
}
