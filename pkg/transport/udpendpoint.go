package transport

import (
	"net"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

type UDPEndpoint struct {
	// 可选：本地绑定地址（如 "0.0.0.0" 或具体网卡 IP）。nil 表示让内核自行选择。
	SourceAddress *string

	// 目的组播地址（或单播地址），例如 "224.0.0.1"
	DestinationGroupAddress string

	// 目的端口
	Port uint16
}

func NewUDPEndpoint(src *string, dest string, port uint16) UDPEndpoint {
	return UDPEndpoint{
		SourceAddress:           src,
		DestinationGroupAddress: dest,
		Port:                    port,
	}
}

// BindAddr 返回用于 net.ListenPacket 的本地地址字符串。
func (e UDPEndpoint) BindAddr() string {
	if e.SourceAddress == nil || *e.SourceAddress == "" {
		return net.JoinHostPort("", strconv.Itoa(int(e.Port)))
	}
	return net.JoinHostPort(*e.SourceAddress, strconv.Itoa(int(e.Port)))
}

// DestAddr 返回 "ip:port" 形式的目的地址
func (e UDPEndpoint) DestAddr() string {
	return net.JoinHostPort(e.DestinationGroupAddress, strconv.Itoa(int(e.Port)))
}

// ResolveDest 解析为 *net.UDPAddr
func (e UDPEndpoint) ResolveDest() (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp", e.DestAddr())
}

// ReuseAddrControl 用于 net.ListenConfig，允许多个会话绑定同一端口
func ReuseAddrControl(_, _ string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return serr
}
