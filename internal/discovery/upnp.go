package discovery

import (
	"context"
	"fmt"
	"net/netip"
	"strings"

	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/sirupsen/logrus"
)

// UPnPSource 从UPnP网关读取WAN口外部地址
type UPnPSource struct {
	Logger *logrus.Logger
}

// Name 返回来源名称
func (u *UPnPSource) Name() string {
	return "upnp"
}

// Discover 发现网关并读取外部地址
func (u *UPnPSource) Discover(ctx context.Context) ([]netip.Addr, error) {
	clients, errs, err := internetgateway1.NewWANIPConnection1ClientsCtx(ctx)
	if err != nil {
		return nil, fmt.Errorf("发现UPnP设备失败: %w", err)
	}
	for _, e := range errs {
		u.Logger.WithError(e).Debug("UPnP设备不可用")
	}
	if len(clients) == 0 {
		return nil, fmt.Errorf("未找到UPnP设备")
	}

	var addrs []netip.Addr
	for _, client := range clients {
		ip, err := client.GetExternalIPAddressCtx(ctx)
		if err != nil {
			u.Logger.WithFields(logrus.Fields{
				"device": client.RootDevice.Device.FriendlyName,
				"error":  err,
			}).Warn("读取外部地址失败")
			continue
		}
		addr, err := netip.ParseAddr(strings.TrimSpace(ip))
		if err != nil {
			continue
		}
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("UPnP设备未返回外部地址")
	}
	return addrs, nil
}
