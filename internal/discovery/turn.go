package discovery

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/pion/turn/v2"
)

// TURNServer TURN服务器
type TURNServer struct {
	Host     string
	Port     int
	Username string
	Password string
	Realm    string
}

// TURNSource 通过TURN服务器的绑定请求获取本机公网地址
type TURNSource struct {
	Servers []TURNServer
}

// Name 返回来源名称
func (t *TURNSource) Name() string {
	return "turn"
}

// Discover 依次询问TURN服务器
func (t *TURNSource) Discover(ctx context.Context) ([]netip.Addr, error) {
	var addrs []netip.Addr
	var lastErr error
	for _, server := range t.Servers {
		if err := ctx.Err(); err != nil {
			return addrs, err
		}
		addr, err := t.query(server)
		if err != nil {
			lastErr = err
			continue
		}
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 && lastErr != nil {
		return nil, fmt.Errorf("所有TURN服务器查询失败: %w", lastErr)
	}
	return addrs, nil
}

func (t *TURNSource) query(server TURNServer) (netip.Addr, error) {
	conn, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return netip.Addr{}, fmt.Errorf("创建本地UDP连接失败: %w", err)
	}
	defer conn.Close()

	serverAddr := fmt.Sprintf("%s:%d", server.Host, server.Port)
	client, err := turn.NewClient(&turn.ClientConfig{
		STUNServerAddr: serverAddr,
		TURNServerAddr: serverAddr,
		Username:       server.Username,
		Password:       server.Password,
		Realm:          server.Realm,
		Software:       "natpool",
		Conn:           conn,
	})
	if err != nil {
		return netip.Addr{}, fmt.Errorf("创建TURN客户端失败: %w", err)
	}
	defer client.Close()

	if err := client.Listen(); err != nil {
		return netip.Addr{}, fmt.Errorf("启动TURN客户端失败: %w", err)
	}

	mapped, err := client.SendBindingRequest()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%s 绑定请求失败: %w", serverAddr, err)
	}
	udpAddr, ok := mapped.(*net.UDPAddr)
	if !ok {
		return netip.Addr{}, fmt.Errorf("%s 返回了非UDP地址: %s", serverAddr, mapped)
	}
	addr, ok := addrFromIP(udpAddr.IP)
	if !ok {
		return netip.Addr{}, fmt.Errorf("%s 返回了无效地址", serverAddr)
	}
	return addr, nil
}
