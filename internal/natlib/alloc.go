package natlib

import (
	"fmt"
	"math/rand/v2"
)

// AllocRequest 一次地址端口分配请求
type AllocRequest struct {
	FIBIndex uint32
	// ThreadIndex 调用线程，用于选择忙计数器
	ThreadIndex uint32
	// NATThreadIndex 决定线程独占的端口区间
	NATThreadIndex uint32
	PortPerThread  uint16
	Protocol       Protocol
}

// PortRange 返回请求对应的线程端口区间[lo, hi)
func (r AllocRequest) PortRange() (lo, hi uint32, err error) {
	return threadRange(r.NATThreadIndex, r.PortPerThread)
}

func threadRange(natThreadIndex uint32, portPerThread uint16) (uint32, uint32, error) {
	if portPerThread == 0 {
		return 0, 0, fmt.Errorf("%w: port_per_thread为0", ErrInvalidThread)
	}
	lo := uint64(natThreadIndex) * uint64(portPerThread)
	hi := lo + uint64(portPerThread)
	if hi > PortSpace {
		return 0, 0, fmt.Errorf("%w: 区间[%d, %d)超出端口空间", ErrInvalidThread, lo, hi)
	}
	return uint32(lo), uint32(hi), nil
}

// ThreadRand 线程私有的随机数状态，不在线程间共享
type ThreadRand struct {
	r *rand.Rand
}

// NewThreadRand 由种子和线程索引派生随机数状态
func NewThreadRand(seed uint64, threadIndex uint32) *ThreadRand {
	return &ThreadRand{r: rand.New(rand.NewPCG(seed, uint64(threadIndex)))}
}

// IntN 返回[0, n)内的随机数
func (t *ThreadRand) IntN(n int) int {
	return t.r.IntN(n)
}

// ThreadRand 为线程派生随机数状态
func (p *Pool) ThreadRand(threadIndex uint32) *ThreadRand {
	return NewThreadRand(p.seed, threadIndex)
}

// Allocator 地址端口分配策略
type Allocator interface {
	AllocAddrAndPort(pool *Pool, rng *ThreadRand, req AllocRequest) (AddrPort, error)
}

// AllocatorFunc 函数形式的分配策略
type AllocatorFunc func(pool *Pool, rng *ThreadRand, req AllocRequest) (AddrPort, error)

func (f AllocatorFunc) AllocAddrAndPort(pool *Pool, rng *ThreadRand, req AllocRequest) (AddrPort, error) {
	return f(pool, rng, req)
}

// DefaultAllocator 默认分配算法，其他策略可以回退到它
var DefaultAllocator Allocator = AllocatorFunc(AllocAddrAndPortDefault)

// AllocAddrAndPortDefault 默认分配算法
//
// 从随机偏移开始按池顺序遍历路由域匹配的地址，跳过本线程区间已满的地址，
// 在区间内从随机位置开始回绕扫描第一个空闲端口。精确匹配路由域的地址都满时，
// 再尝试AnyFIB地址。
func AllocAddrAndPortDefault(pool *Pool, rng *ThreadRand, req AllocRequest) (AddrPort, error) {
	if !req.Protocol.Valid() {
		return AddrPort{}, fmt.Errorf("%w: %d", ErrUnknownProtocol, uint8(req.Protocol))
	}
	lo, hi, err := req.PortRange()
	if err != nil {
		return AddrPort{}, err
	}
	if int(req.ThreadIndex) >= pool.threads {
		return AddrPort{}, fmt.Errorf("%w: thread_index %d", ErrInvalidThread, req.ThreadIndex)
	}

	entries := pool.table.Load().entries
	n := len(entries)
	if n == 0 {
		return AddrPort{}, ErrOutOfTranslations
	}
	start := rng.IntN(n)

	for i := 0; i < n; i++ {
		e := entries[(start+i)%n]
		if e.fibIndex != req.FIBIndex {
			continue
		}
		if ap, ok := e.take(rng, req, lo, hi); ok {
			return ap, nil
		}
	}
	if req.FIBIndex == AnyFIB {
		return AddrPort{}, ErrOutOfTranslations
	}
	for i := 0; i < n; i++ {
		e := entries[(start+i)%n]
		if e.fibIndex != AnyFIB {
			continue
		}
		if ap, ok := e.take(rng, req, lo, hi); ok {
			return ap, nil
		}
	}
	return AddrPort{}, ErrOutOfTranslations
}

// Allocate 使用池当前的分配策略分配地址和端口
func (p *Pool) Allocate(rng *ThreadRand, req AllocRequest) (AddrPort, error) {
	return p.allocator.AllocAddrAndPort(p, rng, req)
}

// Free 释放地址和端口
//
// 地址已从池中删除（或已删除后重新添加）时返回ErrNoSuchEntry；端口未被占用时返回ErrDoubleFree；
// 线程在该协议上没有已分配端口时返回ErrInvalidThread。Free不知道线程的端口区间，
// 工作线程应通过Worker.Free释放，由它校验端口属于本线程。
func (p *Pool) Free(threadIndex uint32, proto Protocol, ap AddrPort) error {
	if !proto.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownProtocol, uint8(proto))
	}
	if int(threadIndex) >= p.threads {
		return fmt.Errorf("%w: thread_index %d", ErrInvalidThread, threadIndex)
	}
	e, ok := p.table.Load().index[ap.Addr]
	if !ok || (ap.Gen != 0 && ap.Gen != e.gen) {
		return fmt.Errorf("%w: %s", ErrNoSuchEntry, ap.Addr)
	}
	if err := e.release(proto, threadIndex, ap.Port); err != nil {
		return fmt.Errorf("%w: thread %d %s %s", err, threadIndex, proto, ap)
	}
	return nil
}

// Worker 绑定到单个工作线程的分配入口
type Worker struct {
	pool           *Pool
	rng            *ThreadRand
	threadIndex    uint32
	natThreadIndex uint32
	portPerThread  uint16
}

// NewWorker 为工作线程创建分配入口，并校验线程端口区间
func (p *Pool) NewWorker(threadIndex, natThreadIndex uint32, portPerThread uint16) (*Worker, error) {
	if int(threadIndex) >= p.threads {
		return nil, fmt.Errorf("%w: thread_index %d >= %d", ErrInvalidThread, threadIndex, p.threads)
	}
	if _, _, err := threadRange(natThreadIndex, portPerThread); err != nil {
		return nil, err
	}
	return &Worker{
		pool:           p,
		rng:            p.ThreadRand(threadIndex),
		threadIndex:    threadIndex,
		natThreadIndex: natThreadIndex,
		portPerThread:  portPerThread,
	}, nil
}

// Allocate 在路由域内为协议分配地址和端口
func (w *Worker) Allocate(fibIndex uint32, proto Protocol) (AddrPort, error) {
	return w.pool.Allocate(w.rng, AllocRequest{
		FIBIndex:       fibIndex,
		ThreadIndex:    w.threadIndex,
		NATThreadIndex: w.natThreadIndex,
		PortPerThread:  w.portPerThread,
		Protocol:       proto,
	})
}

// Free 释放本线程分配的地址和端口，端口不在本线程区间内时返回ErrInvalidThread
func (w *Worker) Free(proto Protocol, ap AddrPort) error {
	lo, hi := w.PortRange()
	if uint32(ap.Port) < lo || uint32(ap.Port) >= hi {
		return fmt.Errorf("%w: 端口%d不在线程%d的区间[%d, %d)内", ErrInvalidThread, ap.Port, w.threadIndex, lo, hi)
	}
	return w.pool.Free(w.threadIndex, proto, ap)
}

// ThreadIndex 返回线程索引
func (w *Worker) ThreadIndex() uint32 {
	return w.threadIndex
}

// PortRange 返回线程端口区间[lo, hi)
func (w *Worker) PortRange() (lo, hi uint32) {
	lo, hi, _ = threadRange(w.natThreadIndex, w.portPerThread)
	return lo, hi
}

// Pool 返回所属地址池
func (w *Worker) Pool() *Pool {
	return w.pool
}
