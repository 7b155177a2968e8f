package natlib

import (
	"net/netip"

	"github.com/bits-and-blooms/bitset"
	"go.uber.org/atomic"
)

// AddrPort 分配结果：公网地址 + 端口/标识符
//
// Gen 记录分配时条目的代数，地址删除后重新添加会得到新的代数，
// 旧会话迟到的释放因此不会清掉新条目上的端口。Gen为0时不校验。
type AddrPort struct {
	Addr netip.Addr `json:"addr"`
	Port uint16     `json:"port"`
	Gen  uint64     `json:"-"`
}

func (ap AddrPort) String() string {
	return netip.AddrPortFrom(ap.Addr, ap.Port).String()
}

// protoState 单个协议的端口位图与忙计数
type protoState struct {
	bitmap        PortBitmap
	busy          atomic.Uint32
	busyPerThread []atomic.Uint32
}

// AddressEntry 池地址条目
type AddressEntry struct {
	addr     netip.Addr
	fibIndex uint32
	gen      uint64
	protos   [numProtocols]protoState
	removed  atomic.Bool
}

func newAddressEntry(addr netip.Addr, fibIndex uint32, gen uint64, threads int) *AddressEntry {
	e := &AddressEntry{
		addr:     addr,
		fibIndex: fibIndex,
		gen:      gen,
	}
	for i := range e.protos {
		e.protos[i].busyPerThread = make([]atomic.Uint32, threads)
	}
	return e
}

// Addr 返回条目地址
func (e *AddressEntry) Addr() netip.Addr {
	return e.addr
}

// FIBIndex 返回条目所属路由域
func (e *AddressEntry) FIBIndex() uint32 {
	return e.fibIndex
}

// Busy 返回协议在所有线程上已占用的端口数
func (e *AddressEntry) Busy(proto Protocol) uint32 {
	if !proto.Valid() {
		return 0
	}
	return e.protos[proto].busy.Load()
}

// BusyThread 返回协议在某线程上已占用的端口数
func (e *AddressEntry) BusyThread(proto Protocol, threadIndex uint32) uint32 {
	if !proto.Valid() || int(threadIndex) >= len(e.protos[proto].busyPerThread) {
		return 0
	}
	return e.protos[proto].busyPerThread[threadIndex].Load()
}

// TotalBusy 返回所有协议已占用端口数之和
func (e *AddressEntry) TotalBusy() uint32 {
	var n uint32
	for i := range e.protos {
		n += e.protos[i].busy.Load()
	}
	return n
}

// InUse 端口是否已占用
func (e *AddressEntry) InUse(proto Protocol, port uint16) bool {
	if !proto.Valid() {
		return false
	}
	return e.protos[proto].bitmap.Test(port)
}

// PortSnapshot 返回协议位图拷贝
func (e *AddressEntry) PortSnapshot(proto Protocol) *bitset.BitSet {
	if !proto.Valid() {
		return nil
	}
	return e.protos[proto].bitmap.Snapshot()
}

// take 在线程区间[lo, hi)内随机选取一个空闲端口
func (e *AddressEntry) take(rng *ThreadRand, req AllocRequest, lo, hi uint32) (AddrPort, bool) {
	if e.removed.Load() {
		return AddrPort{}, false
	}
	ps := &e.protos[req.Protocol]
	counter := &ps.busyPerThread[req.ThreadIndex]
	if counter.Load() >= uint32(req.PortPerThread) {
		return AddrPort{}, false
	}

	size := int(hi - lo)
	for {
		start := lo + uint32(rng.IntN(size))
		port, ok := ps.bitmap.FirstClear(lo, hi, start)
		if !ok {
			return AddrPort{}, false
		}
		if !ps.bitmap.Set(port) {
			continue
		}
		counter.Inc()
		ps.busy.Inc()

		// 与删除操作的先标记再检查配对，二者至少有一方能看到对方
		if e.removed.Load() {
			e.release(req.Protocol, req.ThreadIndex, port)
			return AddrPort{}, false
		}
		return AddrPort{Addr: e.addr, Port: port, Gen: e.gen}, true
	}
}

// release 清除端口位并递减计数
//
// 端口未占用时返回ErrDoubleFree；线程计数已为0说明端口不属于该线程，
// 返回ErrInvalidThread。两种情况都不修改位图和计数。
func (e *AddressEntry) release(proto Protocol, threadIndex uint32, port uint16) error {
	ps := &e.protos[proto]
	if !ps.bitmap.Test(port) {
		return ErrDoubleFree
	}
	counter := &ps.busyPerThread[threadIndex]
	if !decNonZero(counter) {
		return ErrInvalidThread
	}
	if !ps.bitmap.Clear(port) {
		counter.Inc()
		return ErrDoubleFree
	}
	decNonZero(&ps.busy)
	return nil
}

// decNonZero 计数大于0时减1，计数已为0时返回false
func decNonZero(c *atomic.Uint32) bool {
	for {
		v := c.Load()
		if v == 0 {
			return false
		}
		if c.CompareAndSwap(v, v-1) {
			return true
		}
	}
}
