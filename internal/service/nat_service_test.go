package service

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"natpool/config"
	"natpool/internal/natlib"
	"natpool/internal/session"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Pool.Threads = 2
	cfg.Pool.PortPerThread = 1000
	cfg.Pool.Seed = 99
	cfg.Pool.Addresses = []config.AddressRange{
		{Address: "198.51.100.1", Count: 2},
	}
	cfg.Notify.Log = false
	cfg.Store.Enabled = true
	cfg.Store.DataDir = t.TempDir()
	return cfg
}

func newTestService(t *testing.T, cfg *config.Config) *NATService {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	ns, err := NewNATService(cfg, logger)
	require.NoError(t, err)
	require.NoError(t, ns.Start())
	t.Cleanup(ns.Stop)
	return ns
}

func TestNATService_StartLoadsConfiguredAddresses(t *testing.T) {
	ns := newTestService(t, testConfig(t))

	addrs := ns.GetAddresses()
	require.Len(t, addrs, 2)
	assert.Equal(t, "198.51.100.1", addrs[0].Address)
	assert.Equal(t, "198.51.100.2", addrs[1].Address)

	stats := ns.GetSessionStats()
	require.Len(t, stats, 2)
	assert.Equal(t, uint32(1000), stats[1].PortStart)
	assert.Equal(t, uint32(2000), stats[1].PortEnd)

	status := ns.GetStatus()
	for _, field := range []string{"uptime", "threads", "port_per_thread", "addresses", "sessions"} {
		assert.Contains(t, status, field)
	}
}

func TestNATService_RestartRecoversStore(t *testing.T) {
	cfg := testConfig(t)
	ns := newTestService(t, cfg)
	_, err := ns.AddAddresses("203.0.113.1", 1, 3, "test")
	require.NoError(t, err)

	// 配置地址已由存储恢复，重复添加不应导致启动失败
	ns2 := newTestService(t, cfg)
	assert.Equal(t, 3, ns2.Pool().Len())
	e, ok := ns2.Pool().Lookup(netip.MustParseAddr("203.0.113.1"))
	require.True(t, ok)
	assert.Equal(t, uint32(3), e.FIBIndex())
}

func TestNATService_AllowedPrefixes(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pool.AllowedPrefixes = []string{"198.51.100.0/24"}
	ns := newTestService(t, cfg)

	_, err := ns.AddAddresses("192.0.2.1", 1, 0, nil)
	assert.ErrorIs(t, err, natlib.ErrInvalidAddress)

	n, err := ns.AddAddresses("198.51.100.10", 2, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestNATService_ForceRemoveClosesSessions(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pool.Addresses = []config.AddressRange{{Address: "198.51.100.1", Count: 1}}
	ns := newTestService(t, cfg)

	table := ns.Tables()[0]
	key := session.Key{
		Protocol: natlib.ProtocolTCP,
		Inside:   netip.MustParseAddrPort("10.0.0.1:40000"),
	}
	_, err := table.Translate(key)
	require.NoError(t, err)

	_, err = ns.RemoveAddresses("198.51.100.1", 1, false, nil)
	assert.ErrorIs(t, err, natlib.ErrAddressBusy)
	assert.Equal(t, 1, table.Len())

	n, err := ns.RemoveAddresses("198.51.100.1", 1, true, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, table.Len(), "强制删除后依赖的会话应被关闭")

	_, err = table.Translate(key)
	assert.ErrorIs(t, err, natlib.ErrOutOfTranslations)
}

func TestNATService_Simulate(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pool.PortPerThread = 100
	ns := newTestService(t, cfg)

	// 每个线程每个协议最多 2 * 100 个端口
	result, err := ns.Simulate(context.Background(), 300, 0)
	require.NoError(t, err)
	assert.Equal(t, 600, result.Sessions)
	assert.Equal(t, result.Sessions, result.Succeeded+result.Exhausted)

	var active int
	for _, s := range ns.GetSessionStats() {
		active += s.Active
	}
	assert.Equal(t, result.Succeeded, active)

	var busy uint32
	for _, e := range ns.Pool().Addresses() {
		busy += e.TotalBusy()
	}
	assert.Equal(t, uint32(active), busy)
}

func TestNATService_SimulateCancelled(t *testing.T) {
	ns := newTestService(t, testConfig(t))
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	_, err := ns.Simulate(ctx, 10, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNATService_StopReleasesSessions(t *testing.T) {
	ns := newTestService(t, testConfig(t))

	for i, table := range ns.Tables() {
		_, err := table.Translate(session.Key{
			Protocol: natlib.ProtocolUDP,
			Inside:   netip.AddrPortFrom(netip.MustParseAddr("10.0.0.1"), uint16(1000+i)),
		})
		require.NoError(t, err)
	}

	ns.Stop()
	for _, table := range ns.Tables() {
		assert.Equal(t, 0, table.Len())
	}
	for _, e := range ns.Pool().Addresses() {
		assert.Equal(t, uint32(0), e.TotalBusy(), "停止服务后端口应全部释放")
	}
}
