//go:build !linux

package netctl

import (
	"net"

	"github.com/pkg/errors"
)

// SourceIP returns the first global unicast address of iface, preferring IPv4.
func SourceIP(iface string) (net.IP, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, errors.Wrapf(err, "find interface %s", iface)
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil, errors.Wrapf(err, "list addresses of %s", iface)
	}

	var v4, v6 []net.IP
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ipnet.IP.To4() != nil {
			v4 = append(v4, ipnet.IP)
		} else {
			v6 = append(v6, ipnet.IP)
		}
	}
	if ip := pickAddress(append(v4, v6...)); ip != nil {
		return ip, nil
	}
	return nil, errors.Wrapf(ErrNoAddress, "interface %s", iface)
}

type Route struct {
	Interface string
	Source    net.IP
	Gateway   net.IP
}

// RouteTo is only supported on linux.
func RouteTo(dst net.IP) (Route, error) {
	return Route{}, errors.New("route lookup requires netlink")
}
