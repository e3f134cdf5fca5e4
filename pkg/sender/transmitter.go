package sender

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/net/ipv4"

	"github.com/5G-MAG/rt-libflute/pkg/alc"
	"github.com/5G-MAG/rt-libflute/pkg/fdt"
	"github.com/5G-MAG/rt-libflute/pkg/ipsec"
	"github.com/5G-MAG/rt-libflute/pkg/lct"
	"github.com/5G-MAG/rt-libflute/pkg/object"
	"github.com/5G-MAG/rt-libflute/pkg/oti"
	"github.com/5G-MAG/rt-libflute/pkg/tools"
	"github.com/5G-MAG/rt-libflute/pkg/transport"
)

var log = logging.Logger("flute/sender")

// 默认 FDT 轮播间隔
const defaultFdtRepeatInterval = 5 * time.Second

// 发包空转时的退避
const idleBackoff = 10 * time.Millisecond

// CompletionCallback 对象发送完成回调
type CompletionCallback func(toi uint64)

var ErrToiCollision = errors.New("TOI collision")

// Transmitter FLUTE 发送引擎：对象按 TOI 入表，FDT 以 TOI=0 轮播，
// 节拍器按速率上限从对象里抽符号发包。
type Transmitter struct {
	endpoint transport.UDPEndpoint
	conn     net.PacketConn
	raddr    net.Addr

	tsi       uint64
	mtu       uint16
	rateLimit uint32 // kbps，0 表示不限速
	fecScheme oti.FecScheme

	maxPayload uint32
	fecOti     oti.FecOti

	mu    sync.Mutex
	fdt   *fdt.FileDeliveryTable
	files map[uint64]*object.File
	toi   uint64

	fdtRepeatInterval time.Duration
	completionCb      CompletionCallback

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTransmitter 创建发送引擎并启动节拍器与 FDT 轮播。
// rateLimitKbps 为 0 时不限速。
func NewTransmitter(address string, port uint16, tsi uint64, mtu uint16, rateLimitKbps uint32, fecScheme oti.FecScheme) (*Transmitter, error) {
	endpoint := transport.NewUDPEndpoint(nil, address, port)
	raddr, err := endpoint.ResolveDest()
	if err != nil {
		return nil, fmt.Errorf("resolve destination: %w", err)
	}

	lc := net.ListenConfig{Control: transport.ReuseAddrControl}
	conn, err := lc.ListenPacket(context.Background(), "udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("open udp socket: %w", err)
	}

	p := ipv4.NewPacketConn(conn)
	if err := p.SetMulticastLoopback(true); err != nil {
		log.Warnf("failed to enable multicast loopback: %v", err)
	}

	t, err := newTransmitterWithConn(conn, raddr, endpoint, tsi, mtu, rateLimitKbps, fecScheme)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return t, nil
}

func newTransmitterWithConn(conn net.PacketConn, raddr net.Addr, endpoint transport.UDPEndpoint,
	tsi uint64, mtu uint16, rateLimitKbps uint32, fecScheme oti.FecScheme) (*Transmitter, error) {

	// MTU - IP 头 - UDP 头 - 最坏情况 ALC 头(含 EXT_FDT+EXT_FTI) - SBN/ESI
	maxPayload := uint32(mtu) - 20 - 8 - 32 - 4
	if fecScheme == oti.Raptor {
		// 符号长度须是 Al=4 的整数倍
		maxPayload -= maxPayload % 4
	}

	switch fecScheme {
	case oti.CompactNoCode, oti.Raptor:
	default:
		return nil, oti.ErrUnknownFecScheme
	}

	fecOti := oti.FecOti{
		EncodingID:           fecScheme,
		EncodingSymbolLength: maxPayload,
		MaxSourceBlockLength: 64,
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transmitter{
		endpoint:          endpoint,
		conn:              conn,
		raddr:             raddr,
		tsi:               tsi,
		mtu:               mtu,
		rateLimit:         rateLimitKbps,
		fecScheme:         fecScheme,
		maxPayload:        maxPayload,
		fecOti:            fecOti,
		fdt:               fdt.NewFileDeliveryTable(1, fecOti),
		files:             make(map[uint64]*object.File),
		toi:               1,
		fdtRepeatInterval: defaultFdtRepeatInterval,
		ctx:               ctx,
		cancel:            cancel,
	}

	t.wg.Add(2)
	go t.pacerLoop()
	go t.fdtLoop()
	return t, nil
}

// EnableIpsec 为发送方向安装传输模式 ESP state + policy
func (t *Transmitter) EnableIpsec(spi uint32, aesHexKey string) error {
	return ipsec.EnableEsp(spi, t.endpoint.DestinationGroupAddress, ipsec.DirectionOut, aesHexKey)
}

// RegisterCompletionCallback 注册对象发送完成回调
func (t *Transmitter) RegisterCompletionCallback(cb CompletionCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completionCb = cb
}

// SecondsSinceEpoch 当前 Unix 秒。FDT 的 Expires 使用 NTP 纪元，
// 需要时调用方自行加上 NTP 偏移 (2208988800)。
func (t *Transmitter) SecondsSinceEpoch() uint64 {
	return uint64(time.Now().Unix())
}

// Send 提交一个对象，返回分配的 TOI (>0)。
// 数据缓冲区被借用，在完成回调触发前须保持有效。
func (t *Transmitter) Send(contentLocation string, contentType string, expires uint64, data []byte) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	toi := t.toi
	if _, dup := t.files[toi]; dup {
		return 0, ErrToiCollision
	}

	file, err := object.NewFileFromData(toi, t.fecOti, contentLocation, contentType, expires, data, false)
	if err != nil {
		return 0, fmt.Errorf("failed to create file object for %s: %w", contentLocation, err)
	}

	// 48-bit 计数器，回绕跳过 0
	t.toi = (t.toi + 1) & 0xFFFFFFFFFFFF
	if t.toi == 0 {
		t.toi = 1
	}

	t.fdt.Add(*file.Meta())
	if err := t.sendFdtLocked(); err != nil {
		log.Errorf("failed to publish FDT: %v", err)
	}
	t.files[toi] = file
	return toi, nil
}

// NbObjects 当前在表对象数（含 FDT 自身）
func (t *Transmitter) NbObjects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.files)
}

// Close 停止节拍器并释放 socket
func (t *Transmitter) Close() error {
	t.cancel()
	err := t.conn.Close()
	t.wg.Wait()
	return err
}

// sendFdtLocked 用最新 FDT XML 重建 TOI=0 对象。FDT 总是以 Compact No-Code 明文发送。
func (t *Transmitter) sendFdtLocked() error {
	expires := tools.UnixToNTPSeconds(uint64(time.Now().Unix())) +
		2*uint64(t.fdtRepeatInterval/time.Second)
	t.fdt.SetExpires(expires)

	xmlData, err := t.fdt.ToXML()
	if err != nil {
		return err
	}

	fdtOti := oti.FecOti{
		EncodingID:           oti.CompactNoCode,
		EncodingSymbolLength: uint32(t.mtu) - 20 - 8 - 32 - 4,
		MaxSourceBlockLength: 64,
	}

	file, err := object.NewFileFromData(lct.TOIFdt, fdtOti, "", "", expires, xmlData, true)
	if err != nil {
		return err
	}
	file.SetFdtInstanceID(t.fdt.InstanceID() & 0xFFFFF)
	t.files[lct.TOIFdt] = file
	return nil
}

// fdtLoop FDT 轮播：每个周期重新盖戳并重新入队
func (t *Transmitter) fdtLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.fdtRepeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			if err := t.sendFdtLocked(); err != nil {
				log.Errorf("failed to publish FDT: %v", err)
			}
			t.mu.Unlock()
		}
	}
}

// pacerLoop 固定速率发包循环
func (t *Transmitter) pacerLoop() {
	defer t.wg.Done()
	for {
		delay := t.sendNextPacket()
		if delay == 0 {
			select {
			case <-t.ctx.Done():
				return
			default:
			}
			continue
		}
		select {
		case <-t.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// sendNextPacket 发送一个 ALC 包，返回下一次发送前的等待时长
func (t *Transmitter) sendNextPacket() time.Duration {
	t.mu.Lock()

	var (
		file    *object.File
		symbols []alc.EncodingSymbol
		pktData []byte
	)

	tois := make([]uint64, 0, len(t.files))
	for toi := range t.files {
		tois = append(tois, toi)
	}
	sort.Slice(tois, func(i, j int) bool { return tois[i] < tois[j] })

	var completed []uint64

	for _, toi := range tois {
		f := t.files[toi]
		if f == nil {
			continue
		}
		if f.Complete() {
			// 不经发送就完成的对象（如空对象）也要出表
			if toi != lct.TOIFdt {
				delete(t.files, toi)
				t.fdt.Remove(toi)
				if err := t.sendFdtLocked(); err != nil {
					log.Errorf("failed to publish FDT: %v", err)
				}
				completed = append(completed, toi)
			}
			continue
		}
		syms := f.GetNextSymbols(t.maxPayload)
		if len(syms) == 0 {
			continue
		}
		for i := range syms {
			log.Debugf("sending TOI %d SBN %d ID %d", toi, syms[i].SourceBlockNumber, syms[i].ID)
		}
		fecOti := f.Meta().FecOti
		pktData = alc.NewAlcPkt(t.tsi, toi, &fecOti, syms, f.FdtInstanceID())
		file = f
		symbols = syms
		break
	}
	cbSnapshot := t.completionCb
	t.mu.Unlock()

	if cbSnapshot != nil {
		for _, toi := range completed {
			cbSnapshot(toi)
		}
	}

	if pktData == nil {
		return idleBackoff
	}

	_, err := t.conn.WriteTo(pktData, t.raddr)
	if err != nil {
		log.Debugf("send error: %v", err)
	}

	var cb CompletionCallback
	var doneToi uint64

	t.mu.Lock()
	file.MarkCompleted(symbols, err == nil)
	if file.Complete() {
		toi := file.Meta().Toi
		if toi != lct.TOIFdt {
			delete(t.files, toi)
			t.fdt.Remove(toi)
			if err := t.sendFdtLocked(); err != nil {
				log.Errorf("failed to publish FDT: %v", err)
			}
			cb = t.completionCb
			doneToi = toi
		}
	}
	t.mu.Unlock()

	if cb != nil {
		cb(doneToi)
	}

	if t.rateLimit == 0 {
		return 0
	}
	// (bytes * 8) / (rate_kbps * 1000) 秒
	return time.Duration(uint64(len(pktData))*8000/uint64(t.rateLimit)) * time.Microsecond
}
