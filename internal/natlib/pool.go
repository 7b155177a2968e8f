package natlib

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net/netip"
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// AnyFIB 不限定路由域的池地址，作为所有路由域的备选
const AnyFIB = ^uint32(0)

// RemovePolicy 删除仍有活跃端口的地址时的策略
type RemovePolicy int

const (
	// RemoveRejectBusy 拒绝删除，返回ErrAddressBusy
	RemoveRejectBusy RemovePolicy = iota
	// RemoveForce 强制删除，依赖该地址的会话由调用方视为失效
	RemoveForce
)

func (p RemovePolicy) String() string {
	if p == RemoveForce {
		return "force"
	}
	return "reject"
}

// ParseRemovePolicy 解析删除策略
func ParseRemovePolicy(s string) (RemovePolicy, error) {
	switch s {
	case "", "reject":
		return RemoveRejectBusy, nil
	case "force":
		return RemoveForce, nil
	}
	return 0, fmt.Errorf("无效的删除策略: %q", s)
}

// Options 地址池选项
type Options struct {
	// Threads 工作线程数，决定每个地址上线程忙计数器的数量
	Threads int
	// Seed 随机种子，为0时从crypto/rand生成
	Seed uint64
	// Notifier 地址变更通知，可为nil
	Notifier AddressNotifier
	// Allocator 分配策略，为nil时使用DefaultAllocator
	Allocator    Allocator
	RemovePolicy RemovePolicy
}

// addressTable 不可变的地址表快照，修改时整体替换
type addressTable struct {
	entries []*AddressEntry
	index   map[netip.Addr]*AddressEntry
}

func (t *addressTable) with(e *AddressEntry) *addressTable {
	next := &addressTable{
		entries: make([]*AddressEntry, 0, len(t.entries)+1),
		index:   make(map[netip.Addr]*AddressEntry, len(t.entries)+1),
	}
	next.entries = append(next.entries, t.entries...)
	next.entries = append(next.entries, e)
	for k, v := range t.index {
		next.index[k] = v
	}
	next.index[e.addr] = e
	return next
}

func (t *addressTable) without(addr netip.Addr) *addressTable {
	next := &addressTable{
		entries: make([]*AddressEntry, 0, len(t.entries)),
		index:   make(map[netip.Addr]*AddressEntry, len(t.entries)),
	}
	for _, e := range t.entries {
		if e.addr != addr {
			next.entries = append(next.entries, e)
			next.index[e.addr] = e
		}
	}
	return next
}

// Pool NAT公网地址池
//
// 分配与释放只读取地址表快照，不加锁；地址的添加和删除属于控制面操作，
// 在互斥锁下复制并替换整张表。
type Pool struct {
	logger       *logrus.Logger
	threads      int
	seed         uint64
	notifier     AddressNotifier
	allocator    Allocator
	removePolicy RemovePolicy

	mu      sync.Mutex
	nextGen uint64
	table   atomic.Pointer[addressTable]
}

// NewPool 创建新的地址池
func NewPool(opts Options, logger *logrus.Logger) *Pool {
	if opts.Threads <= 0 {
		opts.Threads = 1
	}
	if opts.Seed == 0 {
		opts.Seed = randomSeed()
	}
	if opts.Allocator == nil {
		opts.Allocator = DefaultAllocator
	}

	p := &Pool{
		logger:       logger,
		threads:      opts.Threads,
		seed:         opts.Seed,
		notifier:     opts.Notifier,
		allocator:    opts.Allocator,
		removePolicy: opts.RemovePolicy,
	}
	p.table.Store(&addressTable{index: make(map[netip.Addr]*AddressEntry)})
	return p
}

func randomSeed() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0x9e3779b97f4a7c15
	}
	return binary.LittleEndian.Uint64(b[:])
}

// Threads 返回工作线程数
func (p *Pool) Threads() int {
	return p.threads
}

// Seed 返回池的随机种子
func (p *Pool) Seed() uint64 {
	return p.seed
}

// RemovePolicy 返回默认删除策略
func (p *Pool) RemovePolicy() RemovePolicy {
	return p.removePolicy
}

// AddPoolAddress 添加一个池地址，地址已存在时返回ErrValueExist
func (p *Pool) AddPoolAddress(addr netip.Addr, fibIndex uint32) error {
	return p.addPoolAddress(addr, fibIndex, nil)
}

func (p *Pool) addPoolAddress(addr netip.Addr, fibIndex uint32, opaque interface{}) error {
	if !addr.Is4() {
		return fmt.Errorf("%w: %s", ErrInvalidAddress, addr)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	cur := p.table.Load()
	if _, exists := cur.index[addr]; exists {
		return fmt.Errorf("%w: %s", ErrValueExist, addr)
	}
	p.nextGen++
	p.table.Store(cur.with(newAddressEntry(addr, fibIndex, p.nextGen, p.threads)))

	p.logger.WithFields(logrus.Fields{
		"addr":      addr.String(),
		"fib_index": fibIndex,
	}).Info("添加池地址")

	if p.notifier != nil {
		p.notifier.PoolAddressChanged(addr, true, opaque)
	}
	return nil
}

// RemovePoolAddress 删除一个池地址，地址不存在时返回ErrNoSuchEntry
//
// force为false时沿用池的删除策略；策略为RemoveRejectBusy且地址仍有活跃端口时返回ErrAddressBusy。
// 强制删除后，依赖该地址的会话由调用方关闭。它们的AddrPort带着旧条目的代数，
// 即使地址随后被重新添加，迟到的Free也只会返回ErrNoSuchEntry，不会影响新条目。
func (p *Pool) RemovePoolAddress(addr netip.Addr, force bool) error {
	return p.removePoolAddress(addr, force || p.removePolicy == RemoveForce, nil)
}

func (p *Pool) removePoolAddress(addr netip.Addr, force bool, opaque interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur := p.table.Load()
	e, exists := cur.index[addr]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNoSuchEntry, addr)
	}

	// 先标记再检查忙计数，与分配路径的先计数再检查标记配对
	e.removed.Store(true)
	if busy := e.TotalBusy(); busy > 0 {
		if !force {
			e.removed.Store(false)
			return fmt.Errorf("%w: %s (%d)", ErrAddressBusy, addr, busy)
		}
		p.logger.WithFields(logrus.Fields{
			"addr": addr.String(),
			"busy": busy,
		}).Warn("强制删除仍有活跃端口的池地址")
	}
	p.table.Store(cur.without(addr))

	p.logger.WithField("addr", addr.String()).Info("删除池地址")

	if p.notifier != nil {
		p.notifier.PoolAddressChanged(addr, false, opaque)
	}
	return nil
}

// AddDelPoolAddresses 对从base开始的count个连续地址执行添加或删除
//
// 遇到第一个失败即停止，返回已成功处理的数量；已处理的地址不回滚。
// opaque原样传给通知。
func (p *Pool) AddDelPoolAddresses(base netip.Addr, count int, isAdd bool, opaque interface{}) (int, error) {
	return p.forRange(base, count, func(addr netip.Addr) error {
		if isAdd {
			return p.addPoolAddress(addr, 0, opaque)
		}
		return p.removePoolAddress(addr, p.removePolicy == RemoveForce, opaque)
	})
}

// AddPoolAddresses 批量添加并为地址指定路由域，语义同AddDelPoolAddresses
func (p *Pool) AddPoolAddresses(base netip.Addr, count int, fibIndex uint32, opaque interface{}) (int, error) {
	return p.forRange(base, count, func(addr netip.Addr) error {
		return p.addPoolAddress(addr, fibIndex, opaque)
	})
}

// RemovePoolAddresses 批量删除并显式指定是否强制，语义同AddDelPoolAddresses
func (p *Pool) RemovePoolAddresses(base netip.Addr, count int, force bool, opaque interface{}) (int, error) {
	return p.forRange(base, count, func(addr netip.Addr) error {
		return p.removePoolAddress(addr, force || p.removePolicy == RemoveForce, opaque)
	})
}

func (p *Pool) forRange(base netip.Addr, count int, fn func(netip.Addr) error) (int, error) {
	if !base.Is4() {
		return 0, fmt.Errorf("%w: %s", ErrInvalidAddress, base)
	}
	addr := base
	for i := 0; i < count; i++ {
		if !addr.Is4() {
			return i, fmt.Errorf("%w: 地址范围越界 %s + %d", ErrInvalidAddress, base, count)
		}
		if err := fn(addr); err != nil {
			return i, err
		}
		addr = addr.Next()
	}
	return count, nil
}

// Lookup 按地址查找条目
func (p *Pool) Lookup(addr netip.Addr) (*AddressEntry, bool) {
	e, ok := p.table.Load().index[addr]
	return e, ok
}

// Addresses 按池顺序返回所有条目
func (p *Pool) Addresses() []*AddressEntry {
	entries := p.table.Load().entries
	out := make([]*AddressEntry, len(entries))
	copy(out, entries)
	return out
}

// Len 返回池地址数量
func (p *Pool) Len() int {
	return len(p.table.Load().entries)
}

// AddressStatus 池地址状态
type AddressStatus struct {
	Addr     string            `json:"addr"`
	FIBIndex uint32            `json:"fib_index"`
	Busy     map[string]uint32 `json:"busy"`
}

// Status 返回池内所有地址的占用情况
func (p *Pool) Status() []AddressStatus {
	entries := p.table.Load().entries
	status := make([]AddressStatus, 0, len(entries))
	for _, e := range entries {
		busy := make(map[string]uint32, numProtocols)
		for _, proto := range Protocols() {
			busy[proto.String()] = e.Busy(proto)
		}
		status = append(status, AddressStatus{
			Addr:     e.addr.String(),
			FIBIndex: e.fibIndex,
			Busy:     busy,
		})
	}
	return status
}
