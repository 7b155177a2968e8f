package discovery

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/pion/stun"
)

// STUNSource 通过STUN绑定请求获取本机的公网映射地址
type STUNSource struct {
	Servers []string
	Timeout time.Duration
}

// Name 返回来源名称
func (s *STUNSource) Name() string {
	return "stun"
}

// Discover 依次查询STUN服务器，返回所有成功结果
func (s *STUNSource) Discover(ctx context.Context) ([]netip.Addr, error) {
	var addrs []netip.Addr
	var lastErr error
	for _, server := range s.Servers {
		if err := ctx.Err(); err != nil {
			return addrs, err
		}
		ip, err := s.query(ctx, server)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", server, err)
			continue
		}
		if addr, ok := addrFromIP(ip); ok {
			addrs = append(addrs, addr)
		}
	}
	if len(addrs) == 0 && lastErr != nil {
		return nil, fmt.Errorf("所有STUN服务器查询失败: %w", lastErr)
	}
	return addrs, nil
}

// query 查询单个STUN服务器
func (s *STUNSource) query(ctx context.Context, server string) (net.IP, error) {
	dialer := net.Dialer{Timeout: s.timeout()}
	conn, err := dialer.DialContext(ctx, "udp4", server)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	deadline := time.Now().Add(s.timeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	message := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	if _, err := conn.Write(message.Raw); err != nil {
		return nil, err
	}

	buffer := make([]byte, 1024)
	n, err := conn.Read(buffer)
	if err != nil {
		return nil, err
	}

	var response stun.Message
	if err := stun.Decode(buffer[:n], &response); err != nil {
		return nil, err
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(&response); err != nil {
		return nil, err
	}
	return xorAddr.IP, nil
}

func (s *STUNSource) timeout() time.Duration {
	if s.Timeout <= 0 {
		return 5 * time.Second
	}
	return s.Timeout
}
