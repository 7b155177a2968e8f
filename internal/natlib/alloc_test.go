package natlib

import (
	"errors"
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocate_ExhaustAndReuse(t *testing.T) {
	pool := newTestPool(t, Options{})
	addr := netip.MustParseAddr("198.51.100.1")
	require.NoError(t, pool.AddPoolAddress(addr, 0))

	w, err := pool.NewWorker(0, 0, 1000)
	require.NoError(t, err)

	seen := make(map[uint16]bool, 1000)
	var last AddrPort
	for i := 0; i < 1000; i++ {
		ap, err := w.Allocate(0, ProtocolUDP)
		require.NoError(t, err, "第%d次分配失败", i+1)
		assert.Equal(t, addr, ap.Addr)
		assert.Less(t, ap.Port, uint16(1000))
		assert.False(t, seen[ap.Port], "端口%d被重复分配", ap.Port)
		seen[ap.Port] = true
		last = ap
	}

	_, err = w.Allocate(0, ProtocolUDP)
	assert.ErrorIs(t, err, ErrOutOfTranslations)
	assert.True(t, IsExpected(err))

	require.NoError(t, w.Free(ProtocolUDP, last))
	ap, err := w.Allocate(0, ProtocolUDP)
	require.NoError(t, err)
	assert.Equal(t, last, ap, "释放后唯一的空闲端口应被重新分配")

	// 其他协议使用独立的位图
	_, err = w.Allocate(0, ProtocolTCP)
	assert.NoError(t, err)
}

func TestAllocate_StaysInThreadRange(t *testing.T) {
	pool := newTestPool(t, Options{Threads: 4})
	_, err := pool.AddDelPoolAddresses(netip.MustParseAddr("198.51.100.1"), 2, true, nil)
	require.NoError(t, err)

	for thread := uint32(0); thread < 4; thread++ {
		w, err := pool.NewWorker(thread, thread, 100)
		require.NoError(t, err)
		lo, hi := w.PortRange()
		assert.Equal(t, thread*100, lo)
		assert.Equal(t, thread*100+100, hi)

		for i := 0; i < 150; i++ {
			ap, err := w.Allocate(0, ProtocolTCP)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, uint32(ap.Port), lo)
			assert.Less(t, uint32(ap.Port), hi)
		}
	}
}

func TestAllocate_NoDuplicatesAcrossAddresses(t *testing.T) {
	pool := newTestPool(t, Options{})
	_, err := pool.AddDelPoolAddresses(netip.MustParseAddr("198.51.100.1"), 3, true, nil)
	require.NoError(t, err)

	w, err := pool.NewWorker(0, 0, 64)
	require.NoError(t, err)

	held := make(map[AddrPort]bool)
	for i := 0; i < 3*64; i++ {
		ap, err := w.Allocate(0, ProtocolICMP)
		require.NoError(t, err)
		require.False(t, held[ap], "重复分配 %s", ap)
		held[ap] = true
	}
	_, err = w.Allocate(0, ProtocolICMP)
	assert.ErrorIs(t, err, ErrOutOfTranslations)

	for _, e := range pool.Addresses() {
		assert.Equal(t, uint32(64), e.BusyThread(ProtocolICMP, 0))
	}
}

func TestAllocate_UnknownProtocol(t *testing.T) {
	pool := newTestPool(t, Options{})
	require.NoError(t, pool.AddPoolAddress(netip.MustParseAddr("198.51.100.1"), 0))

	_, err := pool.Allocate(pool.ThreadRand(0), AllocRequest{PortPerThread: 10, Protocol: Protocol(9)})
	assert.ErrorIs(t, err, ErrUnknownProtocol)
	assert.True(t, IsCallerError(err))
}

func TestFree_UnknownProtocolLeavesBitmap(t *testing.T) {
	pool := newTestPool(t, Options{})
	addr := netip.MustParseAddr("198.51.100.1")
	require.NoError(t, pool.AddPoolAddress(addr, 0))
	w, err := pool.NewWorker(0, 0, 10)
	require.NoError(t, err)
	ap, err := w.Allocate(0, ProtocolUDP)
	require.NoError(t, err)

	err = pool.Free(0, Protocol(200), ap)
	assert.ErrorIs(t, err, ErrUnknownProtocol)

	e, _ := pool.Lookup(addr)
	assert.True(t, e.InUse(ProtocolUDP, ap.Port))
	assert.Equal(t, uint32(1), e.Busy(ProtocolUDP))
}

func TestFree_DoubleFree(t *testing.T) {
	pool := newTestPool(t, Options{})
	require.NoError(t, pool.AddPoolAddress(netip.MustParseAddr("198.51.100.1"), 0))
	w, err := pool.NewWorker(0, 0, 10)
	require.NoError(t, err)
	ap, err := w.Allocate(0, ProtocolUDP)
	require.NoError(t, err)

	require.NoError(t, w.Free(ProtocolUDP, ap))
	err = w.Free(ProtocolUDP, ap)
	assert.ErrorIs(t, err, ErrDoubleFree)
	assert.Equal(t, CodeDoubleFree, CodeOf(err))

	e, _ := pool.Lookup(ap.Addr)
	assert.Equal(t, uint32(0), e.Busy(ProtocolUDP), "重复释放不应使计数下溢")
}

func TestFree_WrongThreadKeepsOwnerCapacity(t *testing.T) {
	pool := newTestPool(t, Options{Threads: 2})
	require.NoError(t, pool.AddPoolAddress(netip.MustParseAddr("198.51.100.1"), 0))
	w0, err := pool.NewWorker(0, 0, 4)
	require.NoError(t, err)
	w1, err := pool.NewWorker(1, 1, 4)
	require.NoError(t, err)

	var held []AddrPort
	for i := 0; i < 4; i++ {
		ap, err := w0.Allocate(0, ProtocolUDP)
		require.NoError(t, err)
		held = append(held, ap)
	}

	// 线程1释放线程0的端口
	err = w1.Free(ProtocolUDP, held[0])
	assert.ErrorIs(t, err, ErrInvalidThread)
	err = pool.Free(1, ProtocolUDP, held[0])
	assert.ErrorIs(t, err, ErrInvalidThread, "线程1没有已分配端口")

	// 线程1有自己的端口时，Worker.Free仍按区间拒绝
	own, err := w1.Allocate(0, ProtocolUDP)
	require.NoError(t, err)
	err = w1.Free(ProtocolUDP, held[1])
	assert.ErrorIs(t, err, ErrInvalidThread)

	e, _ := pool.Lookup(held[0].Addr)
	for _, ap := range held {
		assert.True(t, e.InUse(ProtocolUDP, ap.Port), "错误线程的释放不应清除端口%d", ap.Port)
	}
	assert.Equal(t, uint32(4), e.BusyThread(ProtocolUDP, 0))
	assert.Equal(t, uint32(1), e.BusyThread(ProtocolUDP, 1))
	assert.Equal(t, uint32(5), e.Busy(ProtocolUDP))

	// 线程0仍能用满自己的区间
	require.NoError(t, w0.Free(ProtocolUDP, held[0]))
	ap, err := w0.Allocate(0, ProtocolUDP)
	require.NoError(t, err)
	assert.Equal(t, held[0].Port, ap.Port)
	_, err = w0.Allocate(0, ProtocolUDP)
	assert.ErrorIs(t, err, ErrOutOfTranslations)

	require.NoError(t, w1.Free(ProtocolUDP, own))
	assert.Equal(t, uint32(0), e.BusyThread(ProtocolUDP, 1))
}

func TestFree_StaleAfterReAdd(t *testing.T) {
	pool := newTestPool(t, Options{})
	addr := netip.MustParseAddr("198.51.100.1")
	require.NoError(t, pool.AddPoolAddress(addr, 0))
	w, err := pool.NewWorker(0, 0, 1)
	require.NoError(t, err)

	old, err := w.Allocate(0, ProtocolTCP)
	require.NoError(t, err)
	require.NoError(t, pool.RemovePoolAddress(addr, true))
	require.NoError(t, pool.AddPoolAddress(addr, 0))

	// 区间只有一个端口，新会话必然拿到同一个端口
	cur, err := w.Allocate(0, ProtocolTCP)
	require.NoError(t, err)
	require.Equal(t, old.Port, cur.Port)
	assert.NotEqual(t, old.Gen, cur.Gen)

	err = w.Free(ProtocolTCP, old)
	assert.ErrorIs(t, err, ErrNoSuchEntry, "旧条目的释放不应作用于新条目")

	e, _ := pool.Lookup(addr)
	assert.True(t, e.InUse(ProtocolTCP, cur.Port))
	assert.Equal(t, uint32(1), e.Busy(ProtocolTCP))

	require.NoError(t, w.Free(ProtocolTCP, cur))
	assert.Equal(t, uint32(0), e.Busy(ProtocolTCP))
}

func TestAllocate_FIBSelection(t *testing.T) {
	pool := newTestPool(t, Options{})
	require.NoError(t, pool.AddPoolAddress(netip.MustParseAddr("198.51.100.1"), 1))
	require.NoError(t, pool.AddPoolAddress(netip.MustParseAddr("198.51.100.2"), 2))
	require.NoError(t, pool.AddPoolAddress(netip.MustParseAddr("198.51.100.3"), AnyFIB))

	w, err := pool.NewWorker(0, 0, 4)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		ap, err := w.Allocate(2, ProtocolTCP)
		require.NoError(t, err)
		assert.Equal(t, "198.51.100.2", ap.Addr.String(), "应优先使用路由域精确匹配的地址")
	}
	for i := 0; i < 4; i++ {
		ap, err := w.Allocate(2, ProtocolTCP)
		require.NoError(t, err)
		assert.Equal(t, "198.51.100.3", ap.Addr.String(), "精确匹配耗尽后回退到AnyFIB地址")
	}
	_, err = w.Allocate(2, ProtocolTCP)
	assert.ErrorIs(t, err, ErrOutOfTranslations)

	_, err = w.Allocate(5, ProtocolTCP)
	assert.ErrorIs(t, err, ErrOutOfTranslations, "AnyFIB地址已满，路由域5没有候选")
}

func TestAllocate_EmptyPool(t *testing.T) {
	pool := newTestPool(t, Options{})
	w, err := pool.NewWorker(0, 0, 10)
	require.NoError(t, err)
	_, err = w.Allocate(0, ProtocolUDP)
	assert.ErrorIs(t, err, ErrOutOfTranslations)
}

func TestNewWorker_InvalidRange(t *testing.T) {
	pool := newTestPool(t, Options{Threads: 2})

	_, err := pool.NewWorker(2, 0, 100)
	assert.ErrorIs(t, err, ErrInvalidThread)

	_, err = pool.NewWorker(0, 0, 0)
	assert.ErrorIs(t, err, ErrInvalidThread)

	_, err = pool.NewWorker(1, 2, 32768)
	assert.ErrorIs(t, err, ErrInvalidThread)

	_, err = pool.NewWorker(1, 1, 32768)
	assert.NoError(t, err)
}

func TestAllocate_CustomStrategyFallsBack(t *testing.T) {
	calls := 0
	custom := AllocatorFunc(func(pool *Pool, rng *ThreadRand, req AllocRequest) (AddrPort, error) {
		calls++
		if req.Protocol == ProtocolICMP {
			return AddrPort{}, ErrOutOfTranslations
		}
		return AllocAddrAndPortDefault(pool, rng, req)
	})
	pool := newTestPool(t, Options{Allocator: custom})
	require.NoError(t, pool.AddPoolAddress(netip.MustParseAddr("198.51.100.1"), 0))
	w, err := pool.NewWorker(0, 0, 10)
	require.NoError(t, err)

	_, err = w.Allocate(0, ProtocolUDP)
	assert.NoError(t, err)
	_, err = w.Allocate(0, ProtocolICMP)
	assert.ErrorIs(t, err, ErrOutOfTranslations)
	assert.Equal(t, 2, calls)
}

func TestAllocate_ConcurrentThreads(t *testing.T) {
	const threads = 8
	const perThread = 500
	pool := newTestPool(t, Options{Threads: threads})
	_, err := pool.AddDelPoolAddresses(netip.MustParseAddr("198.51.100.1"), 2, true, nil)
	require.NoError(t, err)

	// 端口区间不按64对齐，相邻线程共享位图字
	results := make([][]AddrPort, threads)
	var wg sync.WaitGroup
	for i := 0; i < threads; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w, err := pool.NewWorker(uint32(i), uint32(i), perThread)
			if err != nil {
				return
			}
			for {
				ap, err := w.Allocate(0, ProtocolUDP)
				if errors.Is(err, ErrOutOfTranslations) {
					return
				}
				results[i] = append(results[i], ap)
			}
		}(i)
	}
	wg.Wait()

	held := make(map[AddrPort]bool)
	for i, r := range results {
		assert.Len(t, r, 2*perThread, "线程%d应用满两个地址的区间", i)
		for _, ap := range r {
			assert.False(t, held[ap], "重复分配 %s", ap)
			held[ap] = true
		}
	}
	for _, e := range pool.Addresses() {
		assert.Equal(t, uint32(threads*perThread), e.Busy(ProtocolUDP))
		assert.Equal(t, uint(threads*perThread), e.PortSnapshot(ProtocolUDP).Count())
	}
}

func TestAllocate_RemovedSnapshotRollsBack(t *testing.T) {
	pool := newTestPool(t, Options{})
	addr := netip.MustParseAddr("198.51.100.1")
	require.NoError(t, pool.AddPoolAddress(addr, 0))
	e, _ := pool.Lookup(addr)

	// 模拟仍持有旧快照的线程
	e.removed.Store(true)
	req := AllocRequest{PortPerThread: 10, Protocol: ProtocolUDP}
	_, ok := e.take(pool.ThreadRand(0), req, 0, 10)
	assert.False(t, ok)
	assert.Equal(t, uint32(0), e.Busy(ProtocolUDP))
}

func BenchmarkAllocateFree(b *testing.B) {
	pool := newTestPool(b, Options{Threads: 1})
	_, _ = pool.AddDelPoolAddresses(netip.MustParseAddr("198.51.100.1"), 16, true, nil)
	w, _ := pool.NewWorker(0, 0, 60000)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ap, err := w.Allocate(0, ProtocolUDP)
		if err != nil {
			b.Fatal(err)
		}
		_ = w.Free(ProtocolUDP, ap)
	}
}

func BenchmarkAllocateParallel(b *testing.B) {
	const threads = 64
	pool := newTestPool(b, Options{Threads: threads})
	_, _ = pool.AddDelPoolAddresses(netip.MustParseAddr("198.51.100.1"), 16, true, nil)

	var mu sync.Mutex
	next := uint32(0)
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		mu.Lock()
		idx := next % threads
		next++
		mu.Unlock()
		w, _ := pool.NewWorker(idx, idx, 1000)
		for pb.Next() {
			ap, err := w.Allocate(0, ProtocolTCP)
			if err == nil {
				_ = w.Free(ProtocolTCP, ap)
			}
		}
	})
}

func TestProtocol_Parse(t *testing.T) {
	p, err := ParseProtocol("TCP")
	require.NoError(t, err)
	assert.Equal(t, ProtocolTCP, p)
	assert.Equal(t, "icmp", ProtocolICMP.String())

	_, err = ParseProtocol("sctp")
	assert.ErrorIs(t, err, ErrUnknownProtocol)
	assert.Equal(t, "unknown(7)", Protocol(7).String())
}
