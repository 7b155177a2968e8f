package discovery

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Source 公网地址来源
type Source interface {
	// Name 返回来源名称
	Name() string

	// Discover 返回发现的公网IPv4地址
	Discover(ctx context.Context) ([]netip.Addr, error)
}

// Run 并发查询所有来源，过滤并去重后按地址排序返回
//
// 单个来源失败只记录日志；所有来源都失败时返回错误。
func Run(ctx context.Context, logger *logrus.Logger, sources []Source, filter *PrefixFilter) ([]netip.Addr, error) {
	if len(sources) == 0 {
		return nil, nil
	}

	var (
		mutex    sync.Mutex
		found    = make(map[netip.Addr]struct{})
		failures int
		lastErr  error
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, src := range sources {
		g.Go(func() error {
			addrs, err := src.Discover(gctx)
			mutex.Lock()
			defer mutex.Unlock()

			if err != nil {
				failures++
				lastErr = err
				logger.WithFields(logrus.Fields{
					"source": src.Name(),
					"error":  err,
				}).Warn("公网地址发现失败")
				return nil
			}

			for _, addr := range addrs {
				addr = addr.Unmap()
				if !addr.Is4() {
					continue
				}
				if filter != nil && !filter.Allowed(addr) {
					logger.WithFields(logrus.Fields{
						"source": src.Name(),
						"addr":   addr.String(),
					}).Info("发现的地址不在允许的前缀内，已忽略")
					continue
				}
				found[addr] = struct{}{}
			}
			logger.WithFields(logrus.Fields{
				"source": src.Name(),
				"count":  len(addrs),
			}).Info("公网地址发现完成")
			return nil
		})
	}
	_ = g.Wait()

	if failures == len(sources) {
		return nil, fmt.Errorf("所有地址来源都失败: %w", lastErr)
	}

	result := make([]netip.Addr, 0, len(found))
	for addr := range found {
		result = append(result, addr)
	}
	slices.SortFunc(result, func(a, b netip.Addr) int { return a.Compare(b) })
	return result, nil
}

func addrFromIP(ip net.IP) (netip.Addr, bool) {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
