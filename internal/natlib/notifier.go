package natlib

import "net/netip"

// AddressNotifier 池地址变更通知
//
// 在添加或删除地址时同步调用，调用方借此维护ARP、路由等外部状态。
// 分配器不检查通知结果。实现中不能再调用池的添加/删除操作。
type AddressNotifier interface {
	PoolAddressChanged(addr netip.Addr, isAdd bool, opaque interface{})
}

// NotifierFunc 函数形式的通知
type NotifierFunc func(addr netip.Addr, isAdd bool, opaque interface{})

func (f NotifierFunc) PoolAddressChanged(addr netip.Addr, isAdd bool, opaque interface{}) {
	f(addr, isAdd, opaque)
}

// MultiNotifier 按顺序依次通知
type MultiNotifier []AddressNotifier

func (m MultiNotifier) PoolAddressChanged(addr netip.Addr, isAdd bool, opaque interface{}) {
	for _, n := range m {
		if n != nil {
			n.PoolAddressChanged(addr, isAdd, opaque)
		}
	}
}
