package notify

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
)

type fakeLinkOps struct {
	lookups  int
	replaced []string
	deleted  []string
	failDel  bool
}

func (f *fakeLinkOps) LinkByName(name string) (netlink.Link, error) {
	f.lookups++
	if name != "nat0" {
		return nil, errors.New("no such link")
	}
	return &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: name}}, nil
}

func (f *fakeLinkOps) AddrReplace(link netlink.Link, addr *netlink.Addr) error {
	f.replaced = append(f.replaced, addr.IPNet.String())
	return nil
}

func (f *fakeLinkOps) AddrDel(link netlink.Link, addr *netlink.Addr) error {
	if f.failDel {
		return errors.New("address not found")
	}
	f.deleted = append(f.deleted, addr.IPNet.String())
	return nil
}

func newBufferLogger() (*logrus.Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	logger := logrus.New()
	logger.SetOutput(buf)
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.DebugLevel)
	return logger, buf
}

func TestNetlinkNotifier_AddDel(t *testing.T) {
	logger, _ := newBufferLogger()
	ops := &fakeLinkOps{}
	nn := NewNetlinkNotifier("nat0", logger)
	nn.ops = ops

	addr := netip.MustParseAddr("198.51.100.7")
	nn.PoolAddressChanged(addr, true, nil)
	nn.PoolAddressChanged(addr, false, nil)

	assert.Equal(t, []string{"198.51.100.7/32"}, ops.replaced)
	assert.Equal(t, []string{"198.51.100.7/32"}, ops.deleted)
	assert.Equal(t, 1, ops.lookups, "网卡只应查找一次")
}

func TestNetlinkNotifier_ErrorsAreLogged(t *testing.T) {
	logger, buf := newBufferLogger()
	ops := &fakeLinkOps{failDel: true}
	nn := NewNetlinkNotifier("nat0", logger)
	nn.ops = ops

	nn.PoolAddressChanged(netip.MustParseAddr("198.51.100.7"), false, nil)
	assert.Contains(t, buf.String(), "同步网卡地址失败")

	missing := NewNetlinkNotifier("eth9", logger)
	missing.ops = ops
	missing.PoolAddressChanged(netip.MustParseAddr("198.51.100.8"), true, nil)
	assert.Contains(t, buf.String(), "eth9")
	require.Empty(t, ops.replaced)
}

func TestLogNotifier(t *testing.T) {
	logger, buf := newBufferLogger()
	NewLogNotifier(logger).PoolAddressChanged(netip.MustParseAddr("203.0.113.1"), true, "batch")

	out := buf.String()
	assert.Contains(t, out, `"addr":"203.0.113.1"`)
	assert.Contains(t, out, `"opaque":"batch"`)
	assert.Contains(t, out, `"is_add":true`)
}
