package notify

import (
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
)

// linkOps 用到的netlink操作
type linkOps interface {
	LinkByName(name string) (netlink.Link, error)
	AddrReplace(link netlink.Link, addr *netlink.Addr) error
	AddrDel(link netlink.Link, addr *netlink.Addr) error
}

type defaultLinkOps struct{}

func (defaultLinkOps) LinkByName(name string) (netlink.Link, error) {
	return netlink.LinkByName(name)
}

func (defaultLinkOps) AddrReplace(link netlink.Link, addr *netlink.Addr) error {
	return netlink.AddrReplace(link, addr)
}

func (defaultLinkOps) AddrDel(link netlink.Link, addr *netlink.Addr) error {
	return netlink.AddrDel(link, addr)
}

// NetlinkNotifier 将池地址以/32配置到指定网卡，使内核应答ARP
type NetlinkNotifier struct {
	linkName string
	logger   *logrus.Logger
	ops      linkOps

	mutex sync.Mutex
	link  netlink.Link
}

// NewNetlinkNotifier 创建netlink通知
func NewNetlinkNotifier(linkName string, logger *logrus.Logger) *NetlinkNotifier {
	return &NetlinkNotifier{
		linkName: linkName,
		logger:   logger,
		ops:      defaultLinkOps{},
	}
}

// PoolAddressChanged 实现natlib.AddressNotifier，失败只记录日志
func (nn *NetlinkNotifier) PoolAddressChanged(addr netip.Addr, isAdd bool, opaque interface{}) {
	if err := nn.apply(addr, isAdd); err != nil {
		nn.logger.WithFields(logrus.Fields{
			"addr":   addr.String(),
			"link":   nn.linkName,
			"is_add": isAdd,
			"error":  err,
		}).Warn("同步网卡地址失败")
		return
	}

	nn.logger.WithFields(logrus.Fields{
		"addr":   addr.String(),
		"link":   nn.linkName,
		"is_add": isAdd,
	}).Debug("同步网卡地址成功")
}

func (nn *NetlinkNotifier) apply(addr netip.Addr, isAdd bool) error {
	link, err := nn.getLink()
	if err != nil {
		return err
	}

	nlAddr := &netlink.Addr{
		IPNet: &net.IPNet{
			IP:   net.IP(addr.AsSlice()),
			Mask: net.CIDRMask(addr.BitLen(), addr.BitLen()),
		},
	}
	if isAdd {
		return nn.ops.AddrReplace(link, nlAddr)
	}
	return nn.ops.AddrDel(link, nlAddr)
}

func (nn *NetlinkNotifier) getLink() (netlink.Link, error) {
	nn.mutex.Lock()
	defer nn.mutex.Unlock()

	if nn.link != nil {
		return nn.link, nil
	}
	link, err := nn.ops.LinkByName(nn.linkName)
	if err != nil {
		return nil, fmt.Errorf("查找网卡 %s 失败: %w", nn.linkName, err)
	}
	nn.link = link
	return link, nil
}
