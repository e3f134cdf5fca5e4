package ipsec

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"

	logging "github.com/ipfs/go-log/v2"
	"github.com/vishvananda/netlink"
)

var log = logging.Logger("flute/ipsec")

// Direction ESP 策略方向
type Direction int

const (
	DirectionIn Direction = iota
	DirectionOut
)

const maxKeyLength = 64

var ErrKeyTooLong = errors.New("key is too long")

// EnableEsp 安装传输模式 ESP：一条 state 加一条 policy，
// 绑定 src=ANY, dst=destAddress/32, proto=ESP, reqid=spi, alg=aes。
// 密钥为十六进制编码的 AES key。
func EnableEsp(spi uint32, destAddress string, direction Direction, aesHexKey string) error {
	key, err := hex.DecodeString(aesHexKey)
	if err != nil {
		return fmt.Errorf("invalid hex key: %w", err)
	}
	if len(key) > maxKeyLength {
		return ErrKeyTooLong
	}

	dst := net.ParseIP(destAddress)
	if dst == nil {
		return fmt.Errorf("invalid destination address %q", destAddress)
	}

	if err := configureState(spi, dst, key); err != nil {
		return fmt.Errorf("configure xfrm state: %w", err)
	}
	if err := configurePolicy(spi, dst, direction); err != nil {
		return fmt.Errorf("configure xfrm policy: %w", err)
	}
	log.Debugf("installed ESP state and policy for %s spi=%d", destAddress, spi)
	return nil
}

func configureState(spi uint32, dst net.IP, key []byte) error {
	state := &netlink.XfrmState{
		Src:   net.IPv4zero,
		Dst:   dst,
		Proto: netlink.XFRM_PROTO_ESP,
		Mode:  netlink.XFRM_MODE_TRANSPORT,
		Spi:   int(spi),
		Reqid: int(spi),
		Crypt: &netlink.XfrmStateAlgo{
			Name: "aes",
			Key:  key,
		},
	}
	return netlink.XfrmStateAdd(state)
}

func configurePolicy(spi uint32, dst net.IP, direction Direction) error {
	dir := netlink.XFRM_DIR_OUT
	if direction == DirectionIn {
		dir = netlink.XFRM_DIR_IN
	}

	policy := &netlink.XfrmPolicy{
		Src: &net.IPNet{IP: net.IPv4zero, Mask: net.CIDRMask(0, 32)},
		Dst: &net.IPNet{IP: dst, Mask: net.CIDRMask(32, 32)},
		Dir: dir,
		Tmpls: []netlink.XfrmPolicyTmpl{
			{
				Src:   net.IPv4zero,
				Dst:   dst,
				Proto: netlink.XFRM_PROTO_ESP,
				Mode:  netlink.XFRM_MODE_TRANSPORT,
				Spi:   int(spi),
				Reqid: int(spi),
			},
		},
	}
	return netlink.XfrmPolicyUpdate(policy)
}
