//go:build linux

// Package netctl resolves local addresses used to bind measurement traffic.
package netctl

import (
	"net"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/vishvananda/netlink"
)

// SourceIP returns the first global unicast address of iface, preferring IPv4.
func SourceIP(iface string) (net.IP, error) {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return nil, errors.Wrapf(err, "find interface %s", iface)
	}
	if link.Attrs().OperState == netlink.OperDown {
		return nil, errors.Wrapf(ErrNoAddress, "interface %s is down", iface)
	}

	for _, family := range []int{netlink.FAMILY_V4, netlink.FAMILY_V6} {
		addrs, err := netlink.AddrList(link, family)
		if err != nil {
			return nil, errors.Wrapf(err, "list addresses of %s", iface)
		}
		if ip := pickAddress(addrIPs(addrs)); ip != nil {
			return ip, nil
		}
	}
	return nil, errors.Wrapf(ErrNoAddress, "interface %s", iface)
}

// Route describes how the kernel reaches a destination.
type Route struct {
	Interface string
	Source    net.IP
	Gateway   net.IP
}

// RouteTo asks the kernel which interface and source address reach dst.
func RouteTo(dst net.IP) (Route, error) {
	routes, err := netlink.RouteGet(dst)
	if err != nil {
		return Route{}, errors.Wrapf(err, "get route to %s", dst)
	}
	if len(routes) == 0 {
		return Route{}, errors.Errorf("no route to %s", dst)
	}

	r := routes[0]
	out := Route{Source: r.Src, Gateway: r.Gw}
	if link, err := netlink.LinkByIndex(r.LinkIndex); err == nil {
		out.Interface = link.Attrs().Name
	}
	return out, nil
}

func addrIPs(addrs []netlink.Addr) []net.IP {
	return lo.FilterMap(addrs, func(a netlink.Addr, _ int) (net.IP, bool) {
		if a.IPNet == nil {
			return nil, false
		}
		return a.IP, true
	})
}
