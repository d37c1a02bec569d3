//go:build linux

package bandwidth

import (
	"net"

	"golang.org/x/sys/unix"
)

// retransmits reads the total retransmitted segments from TCP_INFO.
func retransmits(conn *net.TCPConn) uint64 {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return 0
	}

	var info *unix.TCPInfo
	var sockErr error
	if err := rawConn.Control(func(fd uintptr) {
		info, sockErr = unix.GetsockoptTCPInfo(int(fd), unix.IPPROTO_TCP, unix.TCP_INFO)
	}); err != nil || sockErr != nil || info == nil {
		return 0
	}

	if info.Total_retrans == 0 && info.Bytes_retrans > 0 && info.Snd_mss > 0 {
		mss := uint64(info.Snd_mss)
		return (info.Bytes_retrans + mss - 1) / mss
	}
	return uint64(info.Total_retrans)
}
