package session

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"natpool/internal/natlib"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"github.com/vishalkuo/bimap"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"
)

// Key 会话内侧标识
type Key struct {
	Protocol natlib.Protocol
	Inside   netip.AddrPort
	FIBIndex uint32
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s@%d", k.Protocol, k.Inside, k.FIBIndex)
}

// outsideKey 会话外侧标识，不含条目代数
type outsideKey struct {
	Protocol natlib.Protocol
	Addr     netip.Addr
	Port     uint16
}

func newOutsideKey(proto natlib.Protocol, ap natlib.AddrPort) outsideKey {
	return outsideKey{Protocol: proto, Addr: ap.Addr, Port: ap.Port}
}

// Session 转换会话
type Session struct {
	Key       Key             `json:"key"`
	Outside   natlib.AddrPort `json:"outside"`
	CreatedAt time.Time       `json:"created_at"`
}

// Config 会话表配置
type Config struct {
	MaxSessions int
	// IdleTimeout 空闲超时，为0时会话不过期
	IdleTimeout time.Duration
	// EvictOnExhaustion 端口耗尽时淘汰最旧的会话并重试一次
	EvictOnExhaustion bool
}

// Stats 会话表统计
type Stats struct {
	Active    int    `json:"active"`
	Created   uint64 `json:"created"`
	Released  uint64 `json:"released"`
	Exhausted uint64 `json:"exhausted"`
	Evicted   uint64 `json:"evicted"`
	Failed    uint64 `json:"failed"`
}

// Table 单个工作线程的会话表
//
// 会话在过期、被淘汰或关闭时统一在淘汰回调里释放端口。
// 过期回调可能来自LRU的清理协程，释放路径本身是无锁且线程安全的。
type Table struct {
	worker   *natlib.Worker
	logger   *logrus.Logger
	config   Config
	sessions *expirable.LRU[Key, *Session]
	outside  *bimap.BiMap[Key, outsideKey]
	limiter  *rate.Limiter

	created   atomic.Uint64
	released  atomic.Uint64
	exhausted atomic.Uint64
	evicted   atomic.Uint64
	failed    atomic.Uint64
}

// NewTable 创建会话表
//
// 底层的过期LRU为每张表启动一个清理协程，该协程没有停止接口，
// 会话表应与进程同生命周期，不要反复创建。
func NewTable(worker *natlib.Worker, config Config, logger *logrus.Logger) *Table {
	if config.MaxSessions <= 0 {
		config.MaxSessions = 65536
	}

	t := &Table{
		worker:  worker,
		logger:  logger,
		config:  config,
		outside: bimap.NewBiMap[Key, outsideKey](),
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	t.sessions = expirable.NewLRU[Key, *Session](config.MaxSessions, t.onEvict, config.IdleTimeout)
	return t
}

func (t *Table) onEvict(key Key, s *Session) {
	t.outside.Delete(key)
	t.released.Inc()

	err := t.worker.Free(key.Protocol, s.Outside)
	if err == nil {
		return
	}
	if natlib.IsExpected(err) {
		// 地址已从池中删除
		t.logger.WithFields(logrus.Fields{
			"session": key.String(),
			"outside": s.Outside.String(),
		}).Debug("会话地址已不在池中")
		return
	}
	t.logger.WithError(err).WithField("session", key.String()).Error("释放会话端口失败")
}

// Translate 查找或创建会话
func (t *Table) Translate(key Key) (*Session, error) {
	if s, ok := t.sessions.Get(key); ok {
		// 重新添加以刷新过期时间
		t.sessions.Add(key, s)
		return s, nil
	}

	ap, err := t.worker.Allocate(key.FIBIndex, key.Protocol)
	if errors.Is(err, natlib.ErrOutOfTranslations) {
		t.exhausted.Inc()
		if t.limiter.Allow() {
			t.logger.WithFields(logrus.Fields{
				"thread":    t.worker.ThreadIndex(),
				"protocol":  key.Protocol.String(),
				"fib_index": key.FIBIndex,
				"exhausted": t.exhausted.Load(),
			}).Warn("端口资源耗尽")
		}
		if t.config.EvictOnExhaustion && t.evictOldest() {
			ap, err = t.worker.Allocate(key.FIBIndex, key.Protocol)
		}
	}
	if err != nil {
		t.failed.Inc()
		if natlib.IsCallerError(err) {
			t.logger.WithError(err).WithField("session", key.String()).Error("创建会话失败")
		}
		return nil, err
	}

	s := &Session{
		Key:       key,
		Outside:   ap,
		CreatedAt: time.Now(),
	}
	t.sessions.Add(key, s)
	t.outside.Insert(key, newOutsideKey(key.Protocol, ap))
	t.created.Inc()
	return s, nil
}

func (t *Table) evictOldest() bool {
	key, _, ok := t.sessions.RemoveOldest()
	if !ok {
		return false
	}
	t.evicted.Inc()
	t.logger.WithField("session", key.String()).Debug("淘汰最旧的会话")
	return true
}

// Lookup 按内侧标识查找会话
func (t *Table) Lookup(key Key) (*Session, bool) {
	return t.sessions.Peek(key)
}

// LookupOutside 按外侧地址端口反查会话
func (t *Table) LookupOutside(proto natlib.Protocol, ap natlib.AddrPort) (*Session, bool) {
	key, ok := t.outside.GetInverse(newOutsideKey(proto, ap))
	if !ok {
		return nil, false
	}
	return t.sessions.Peek(key)
}

// Close 关闭会话并释放端口
func (t *Table) Close(key Key) bool {
	return t.sessions.Remove(key)
}

// Flush 关闭所有会话
func (t *Table) Flush() {
	for _, key := range t.sessions.Keys() {
		t.sessions.Remove(key)
	}
}

// Len 返回活跃会话数
func (t *Table) Len() int {
	return t.sessions.Len()
}

// Sessions 返回所有活跃会话
func (t *Table) Sessions() []*Session {
	return t.sessions.Values()
}

// Stats 返回会话表统计
func (t *Table) Stats() Stats {
	return Stats{
		Active:    t.sessions.Len(),
		Created:   t.created.Load(),
		Released:  t.released.Load(),
		Exhausted: t.exhausted.Load(),
		Evicted:   t.evicted.Load(),
		Failed:    t.failed.Load(),
	}
}

// Worker 返回会话表使用的分配入口
func (t *Table) Worker() *natlib.Worker {
	return t.worker
}

// CloseByOutside 关闭外侧地址满足条件的所有会话，返回关闭数量
func (t *Table) CloseByOutside(match func(natlib.AddrPort) bool) int {
	closed := 0
	for _, s := range t.sessions.Values() {
		if match(s.Outside) && t.sessions.Remove(s.Key) {
			closed++
		}
	}
	return closed
}
