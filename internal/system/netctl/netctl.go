package netctl

import (
	"net"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

var ErrNoAddress = errors.New("no usable address")

// pickAddress returns the first global unicast address, or nil.
func pickAddress(ips []net.IP) net.IP {
	ip, ok := lo.Find(ips, func(ip net.IP) bool {
		return ip.IsGlobalUnicast() && !ip.IsLinkLocalUnicast()
	})
	if !ok {
		return nil
	}
	return ip
}
