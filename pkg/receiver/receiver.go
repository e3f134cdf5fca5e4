package receiver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/net/ipv4"

	"github.com/5G-MAG/rt-libflute/pkg/alc"
	"github.com/5G-MAG/rt-libflute/pkg/fdt"
	"github.com/5G-MAG/rt-libflute/pkg/ipsec"
	"github.com/5G-MAG/rt-libflute/pkg/lct"
	"github.com/5G-MAG/rt-libflute/pkg/object"
	"github.com/5G-MAG/rt-libflute/pkg/transport"
)

var log = logging.Logger("flute/receiver")

// 单个数据报的接收上限
const maxDatagramLength = 2048

// socket 接收缓冲区
const receiveBufferSize = 16 * 1024 * 1024

// 该文件永不被 RemoveExpiredFiles 清理
const bootstrapLocation = "bootstrap.multipart"

// CompletionCallback 对象接收完成回调，在分发锁内触发
type CompletionCallback func(file *object.File)

// Receiver FLUTE 接收引擎：绑定到 (iface, port) 并加入组播组，
// 解析到达的 ALC 包，驱动 FDT 发现与对象重组。
type Receiver struct {
	conn  net.PacketConn
	tsi   uint64
	mcast string

	mu    sync.Mutex
	fdt   *fdt.FileDeliveryTable
	files map[uint64]*object.File

	completionCb CompletionCallback

	running atomic.Bool
	wg      sync.WaitGroup
}

// NewReceiver 打开 socket、加入组播组并启动接收循环
func NewReceiver(iface string, address string, port uint16, tsi uint64) (*Receiver, error) {
	group := net.ParseIP(address)
	if group == nil {
		return nil, fmt.Errorf("invalid multicast address %q", address)
	}

	lc := net.ListenConfig{Control: transport.ReuseAddrControl}
	conn, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("%s:%d", iface, port))
	if err != nil {
		return nil, fmt.Errorf("bind receiver socket: %w", err)
	}

	udp := conn.(*net.UDPConn)
	if err := udp.SetReadBuffer(receiveBufferSize); err != nil {
		log.Warnf("failed to set receive buffer size: %v", err)
	}

	p := ipv4.NewPacketConn(udp)
	ifi := interfaceByIP(iface)
	if err := p.JoinGroup(ifi, &net.UDPAddr{IP: group}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("join multicast group %s: %w", address, err)
	}
	if err := p.SetMulticastLoopback(true); err != nil {
		log.Warnf("failed to enable multicast loopback: %v", err)
	}

	r := newReceiverState(conn, address, tsi)
	r.wg.Add(1)
	go r.receiveLoop()
	return r, nil
}

func newReceiverState(conn net.PacketConn, mcast string, tsi uint64) *Receiver {
	r := &Receiver{
		conn:  conn,
		tsi:   tsi,
		mcast: mcast,
		files: make(map[uint64]*object.File),
	}
	r.running.Store(true)
	return r
}

// EnableIpsec 为接收方向安装传输模式 ESP state + policy
func (r *Receiver) EnableIpsec(spi uint32, aesHexKey string) error {
	return ipsec.EnableEsp(spi, r.mcast, ipsec.DirectionIn, aesHexKey)
}

// RegisterCompletionCallback 注册对象接收完成回调
func (r *Receiver) RegisterCompletionCallback(cb CompletionCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completionCb = cb
}

// FileList 当前对象表快照
func (r *Receiver) FileList() []*object.File {
	r.mu.Lock()
	defer r.mu.Unlock()
	files := make([]*object.File, 0, len(r.files))
	for _, f := range r.files {
		files = append(files, f)
	}
	return files
}

// RemoveExpiredFiles 清理收到后超过 maxAge 的对象，bootstrap.multipart 除外
func (r *Receiver) RemoveExpiredFiles(maxAge time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for toi, f := range r.files {
		if f.Meta().ContentLocation == bootstrapLocation {
			continue
		}
		if now.Sub(f.ReceivedAt()) > maxAge {
			delete(r.files, toi)
		}
	}
}

// RemoveFileWithContentLocation 按 URI 清理对象
func (r *Receiver) RemoveFileWithContentLocation(contentLocation string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for toi, f := range r.files {
		if f.Meta().ContentLocation == contentLocation {
			delete(r.files, toi)
		}
	}
}

// Stop 停止接收：下一个到达的包之后不再重新挂起接收
func (r *Receiver) Stop() {
	r.running.Store(false)
}

// Close 停止接收并释放 socket
func (r *Receiver) Close() error {
	r.Stop()
	err := r.conn.Close()
	r.wg.Wait()
	return err
}

func (r *Receiver) receiveLoop() {
	defer r.wg.Done()
	buf := make([]byte, maxDatagramLength)
	for {
		n, _, err := r.conn.ReadFrom(buf)
		if !r.running.Load() {
			return
		}
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Errorf("receive error: %v", err)
			continue
		}
		log.Debugf("received %d bytes", n)

		data := make([]byte, n)
		copy(data, buf[:n])
		if err := r.handlePacket(data); err != nil {
			// 坏包只丢弃，会话继续
			log.Warnf("failed to decode ALC/FLUTE packet: %v", err)
		}
	}
}

// handlePacket 单个数据报的分发流程
func (r *Receiver) handlePacket(data []byte) error {
	alcPkt, err := alc.ParseAlcPkt(data)
	if err != nil {
		return err
	}

	if alcPkt.Lct.Tsi != r.tsi {
		log.Warnf("discarding packet for unknown TSI %d", alcPkt.Lct.Tsi)
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	toi := alcPkt.Lct.Toi

	// 新的 FDT 实例：为 TOI=0 开一个占位对象
	if toi == lct.TOIFdt && (r.fdt == nil || alcPkt.FdtInstanceID == nil || r.fdt.InstanceID() != *alcPkt.FdtInstanceID) {
		if _, known := r.files[toi]; !known {
			if alcPkt.FecOti == nil {
				return errors.New("FDT packet without EXT_FTI")
			}
			file, err := object.NewFileFromEntry(fdt.FileEntry{
				Toi:    lct.TOIFdt,
				FecOti: *alcPkt.FecOti,
			})
			if err != nil {
				return err
			}
			r.files[toi] = file
		}
	}

	file, known := r.files[toi]
	if !known || file.Complete() {
		log.Debugf("discarding packet for unknown or already completed file with TOI %d", toi)
		return nil
	}

	fecOti := file.Meta().FecOti
	symbols, err := alc.SymbolsFromPayload(alcPkt.Payload(), &fecOti, alcPkt.Cenc)
	if err != nil {
		return err
	}
	for i := range symbols {
		log.Debugf("received TOI %d SBN %d ID %d", toi, symbols[i].SourceBlockNumber, symbols[i].ID)
		if err := file.PutSymbol(&symbols[i]); err != nil {
			return err
		}
	}

	if !file.Complete() {
		return nil
	}

	// 同名旧对象让位于新完成的对象
	for other, f := range r.files {
		if f != file && f.Meta().ContentLocation == file.Meta().ContentLocation {
			log.Debugf("replacing file with TOI %d", other)
			delete(r.files, other)
		}
	}

	log.Debugf("file with TOI %d completed", toi)

	if toi != lct.TOIFdt {
		if r.completionCb != nil {
			r.completionCb(file)
		}
		delete(r.files, toi)
		return nil
	}

	// TOI=0：把收齐的缓冲区当作新的 FDT 实例解析
	var instanceID uint32
	if alcPkt.FdtInstanceID != nil {
		instanceID = *alcPkt.FdtInstanceID
	}
	delete(r.files, lct.TOIFdt)

	table, err := fdt.Parse(instanceID, file.Data())
	if err != nil {
		return err
	}
	r.fdt = table

	// 自动开始接收 FDT 中的所有文件
	for _, entry := range table.FileEntries() {
		if _, known := r.files[entry.Toi]; known {
			continue
		}
		log.Debugf("starting reception for file with TOI %d: %s (%s)",
			entry.Toi, entry.ContentLocation, entry.ContentType)
		f, err := object.NewFileFromEntry(entry)
		if err != nil {
			log.Errorf("failed to create reception context for TOI %d: %v", entry.Toi, err)
			continue
		}
		r.files[entry.Toi] = f
	}
	return nil
}

// interfaceByIP 找到持有给定 IP 的网卡；找不到时交给内核选默认网卡
func interfaceByIP(ip string) *net.Interface {
	target := net.ParseIP(ip)
	if target == nil || target.IsUnspecified() {
		return nil
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok && ipNet.IP.Equal(target) {
				return &ifaces[i]
			}
		}
	}
	return nil
}
