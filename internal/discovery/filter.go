package discovery

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/yl2chen/cidranger"
)

// PrefixFilter 允许作为池地址的前缀集合，为空时允许所有地址
type PrefixFilter struct {
	ranger cidranger.Ranger
	count  int
}

// NewPrefixFilter 由CIDR列表创建前缀过滤器
func NewPrefixFilter(prefixes []string) (*PrefixFilter, error) {
	f := &PrefixFilter{ranger: cidranger.NewPCTrieRanger()}
	for _, p := range prefixes {
		_, network, err := net.ParseCIDR(p)
		if err != nil {
			return nil, fmt.Errorf("无效的前缀 %q: %w", p, err)
		}
		if err := f.ranger.Insert(cidranger.NewBasicRangerEntry(*network)); err != nil {
			return nil, fmt.Errorf("添加前缀 %q 失败: %w", p, err)
		}
		f.count++
	}
	return f, nil
}

// Allowed 判断地址是否在允许的前缀内
func (f *PrefixFilter) Allowed(addr netip.Addr) bool {
	if f == nil || f.count == 0 {
		return true
	}
	contains, err := f.ranger.Contains(net.IP(addr.AsSlice()))
	if err != nil {
		return false
	}
	return contains
}

// AllowedRange 判断从base开始的count个地址是否都在允许的前缀内
func (f *PrefixFilter) AllowedRange(base netip.Addr, count int) bool {
	addr := base
	for i := 0; i < count; i++ {
		if !addr.IsValid() || !f.Allowed(addr) {
			return false
		}
		addr = addr.Next()
	}
	return true
}
