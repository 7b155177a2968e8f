package service

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"natpool/config"
	"natpool/internal/discovery"
	"natpool/internal/natlib"
	"natpool/internal/notify"
	"natpool/internal/session"
	"natpool/internal/store"

	"github.com/sirupsen/logrus"
)

var _ Service = (*NATService)(nil)

// NATService NAT地址池服务
type NATService struct {
	config    *config.Config
	logger    *logrus.Logger
	pool      *natlib.Pool
	store     *store.StoreService
	filter    *discovery.PrefixFilter
	tables    []*session.Table
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewNATService 创建新的NAT地址池服务
func NewNATService(cfg *config.Config, logger *logrus.Logger) (*NATService, error) {
	filter, err := discovery.NewPrefixFilter(cfg.Pool.AllowedPrefixes)
	if err != nil {
		return nil, err
	}
	policy, err := natlib.ParseRemovePolicy(cfg.Pool.RemovePolicy)
	if err != nil {
		return nil, err
	}

	// 组装地址变更通知
	var notifiers natlib.MultiNotifier
	if cfg.Notify.Log {
		notifiers = append(notifiers, notify.NewLogNotifier(logger))
	}
	if cfg.Notify.Netlink.Enabled {
		notifiers = append(notifiers, notify.NewNetlinkNotifier(cfg.Notify.Netlink.Interface, logger))
	}

	var st *store.StoreService
	if cfg.Store.Enabled {
		st, err = store.NewStoreService(cfg.Store.DataDir, logger)
		if err != nil {
			return nil, fmt.Errorf("创建存储服务失败: %w", err)
		}
		notifiers = append(notifiers, st)
	}

	pool := natlib.NewPool(natlib.Options{
		Threads:      cfg.Pool.Threads,
		Seed:         cfg.Pool.Seed,
		Notifier:     notifiers,
		RemovePolicy: policy,
	}, logger)

	// 每个工作线程独占一段端口区间
	ppt := uint16(cfg.GetPortPerThread())
	tables := make([]*session.Table, 0, cfg.Pool.Threads)
	for i := 0; i < cfg.Pool.Threads; i++ {
		worker, err := pool.NewWorker(uint32(i), uint32(i), ppt)
		if err != nil {
			return nil, fmt.Errorf("创建工作线程 %d 失败: %w", i, err)
		}
		tables = append(tables, session.NewTable(worker, session.Config{
			MaxSessions:       cfg.Session.MaxSessionsPerWorker,
			IdleTimeout:       cfg.Session.IdleTimeout,
			EvictOnExhaustion: cfg.Session.EvictOnExhaustion,
		}, logger))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &NATService{
		config: cfg,
		logger: logger,
		pool:   pool,
		store:  st,
		filter: filter,
		tables: tables,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start 启动服务：恢复持久化地址，加载配置地址，按需发现公网地址
func (ns *NATService) Start() error {
	ns.logger.Info("启动NAT地址池服务")

	if ns.store != nil {
		if err := ns.store.Recover(ns.pool); err != nil {
			ns.logger.WithError(err).Warn("恢复池地址失败")
		}
	}

	for _, r := range ns.config.Pool.Addresses {
		n, err := ns.AddAddresses(r.Address, r.GetAddressCount(), r.FIBIndex, "config")
		if err != nil && !errors.Is(err, natlib.ErrValueExist) {
			return fmt.Errorf("加载池地址 %s 失败（已添加 %d 个）: %w", r.Address, n, err)
		}
		if err != nil {
			ns.logger.WithFields(logrus.Fields{
				"address": r.Address,
				"added":   n,
			}).Info("部分池地址已存在")
		}
	}

	if ns.config.Discovery.Enabled {
		timeout := ns.config.Discovery.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		ctx, cancel := context.WithTimeout(ns.ctx, timeout)
		addrs, err := ns.Discover(ctx)
		cancel()
		if err != nil {
			ns.logger.WithError(err).Warn("公网地址发现失败")
		}
		for _, addr := range addrs {
			err := ns.pool.AddPoolAddress(addr, ns.config.Discovery.FIBIndex)
			if err != nil && !errors.Is(err, natlib.ErrValueExist) {
				ns.logger.WithError(err).WithField("addr", addr.String()).Warn("添加发现的地址失败")
			}
		}
	}

	if ns.pool.Len() == 0 {
		ns.logger.Warn("地址池为空，所有分配都将失败")
	}

	ns.startTime = time.Now()
	ns.logger.WithFields(logrus.Fields{
		"threads":         ns.pool.Threads(),
		"port_per_thread": ns.config.GetPortPerThread(),
		"addresses":       ns.pool.Len(),
		"remove_policy":   ns.pool.RemovePolicy().String(),
	}).Info("NAT地址池服务启动完成")
	return nil
}

// Stop 停止服务并释放所有会话
func (ns *NATService) Stop() {
	ns.logger.Info("停止NAT地址池服务")
	ns.cancel()

	for _, t := range ns.tables {
		t.Flush()
	}
	ns.logger.Info("NAT地址池服务已停止")
}

// Discover 按配置查询公网地址来源
func (ns *NATService) Discover(ctx context.Context) ([]netip.Addr, error) {
	dc := ns.config.Discovery

	var sources []discovery.Source
	if len(dc.STUNServers) > 0 {
		sources = append(sources, &discovery.STUNSource{Servers: dc.STUNServers, Timeout: dc.Timeout})
	}
	if dc.UseUPnP {
		sources = append(sources, &discovery.UPnPSource{Logger: ns.logger})
	}
	if len(dc.TURNServers) > 0 {
		servers := make([]discovery.TURNServer, 0, len(dc.TURNServers))
		for _, s := range dc.TURNServers {
			servers = append(servers, discovery.TURNServer{
				Host:     s.Host,
				Port:     s.Port,
				Username: s.Username,
				Password: s.Password,
				Realm:    s.Realm,
			})
		}
		sources = append(sources, &discovery.TURNSource{Servers: servers})
	}

	return discovery.Run(ctx, ns.logger, sources, ns.filter)
}

// AddAddresses 添加从base开始的count个池地址，返回成功添加的数量
func (ns *NATService) AddAddresses(base string, count int, fibIndex uint32, opaque interface{}) (int, error) {
	addr, err := netip.ParseAddr(base)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", natlib.ErrInvalidAddress, base)
	}
	if count <= 0 {
		count = 1
	}
	if !ns.filter.AllowedRange(addr, count) {
		return 0, fmt.Errorf("%w: %s + %d 不在允许的前缀内", natlib.ErrInvalidAddress, addr, count)
	}
	return ns.pool.AddPoolAddresses(addr, count, fibIndex, opaque)
}

// RemoveAddresses 删除从base开始的count个池地址，返回成功删除的数量
//
// 强制删除时，依赖这些地址的会话会被关闭。
func (ns *NATService) RemoveAddresses(base string, count int, force bool, opaque interface{}) (int, error) {
	addr, err := netip.ParseAddr(base)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", natlib.ErrInvalidAddress, base)
	}
	if count <= 0 {
		count = 1
	}

	n, err := ns.pool.RemovePoolAddresses(addr, count, force, opaque)
	if n > 0 {
		removed := make(map[netip.Addr]struct{}, n)
		a := addr
		for i := 0; i < n; i++ {
			removed[a] = struct{}{}
			a = a.Next()
		}
		closed := 0
		for _, t := range ns.tables {
			closed += t.CloseByOutside(func(ap natlib.AddrPort) bool {
				_, ok := removed[ap.Addr]
				return ok
			})
		}
		if closed > 0 {
			ns.logger.WithFields(logrus.Fields{
				"address": base,
				"count":   n,
				"closed":  closed,
			}).Warn("删除池地址后关闭了失效会话")
		}
	}
	return n, err
}

// Pool 返回地址池
func (ns *NATService) Pool() *natlib.Pool {
	return ns.pool
}

// Tables 返回所有工作线程的会话表
func (ns *NATService) Tables() []*session.Table {
	return ns.tables
}

// GetStatus 获取服务状态
func (ns *NATService) GetStatus() map[string]interface{} {
	uptime := time.Duration(0)
	if !ns.startTime.IsZero() {
		uptime = time.Since(ns.startTime)
	}

	return map[string]interface{}{
		"uptime":          uptime.String(),
		"threads":         ns.pool.Threads(),
		"port_per_thread": ns.config.GetPortPerThread(),
		"remove_policy":   ns.pool.RemovePolicy().String(),
		"addresses":       ns.GetAddresses(),
		"sessions":        ns.GetSessionStats(),
	}
}

// GetAddresses 获取所有池地址状态
func (ns *NATService) GetAddresses() []AddressInfo {
	status := ns.pool.Status()
	infos := make([]AddressInfo, 0, len(status))
	for _, s := range status {
		infos = append(infos, AddressInfo{
			Address:  s.Addr,
			FIBIndex: s.FIBIndex,
			Busy:     s.Busy,
		})
	}
	return infos
}

// GetSessionStats 获取每个工作线程的会话统计
func (ns *NATService) GetSessionStats() []SessionInfo {
	infos := make([]SessionInfo, 0, len(ns.tables))
	for _, t := range ns.tables {
		stats := t.Stats()
		lo, hi := t.Worker().PortRange()
		infos = append(infos, SessionInfo{
			Thread:    t.Worker().ThreadIndex(),
			PortStart: lo,
			PortEnd:   hi,
			Active:    stats.Active,
			Created:   stats.Created,
			Released:  stats.Released,
			Exhausted: stats.Exhausted,
			Evicted:   stats.Evicted,
			Failed:    stats.Failed,
		})
	}
	return infos
}
