package natlib

import (
	"fmt"
	"strings"
)

// Protocol NAT协议，每个协议在池地址上拥有独立的端口位图
type Protocol uint8

const (
	ProtocolUDP Protocol = iota
	ProtocolTCP
	ProtocolICMP // ICMP使用查询标识符作为"端口"

	numProtocols
)

var protocolNames = [numProtocols]string{
	ProtocolUDP:  "udp",
	ProtocolTCP:  "tcp",
	ProtocolICMP: "icmp",
}

func (p Protocol) String() string {
	if !p.Valid() {
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
	return protocolNames[p]
}

// Valid 判断协议是否属于已知枚举
func (p Protocol) Valid() bool {
	return p < numProtocols
}

// ParseProtocol 解析协议名称（不区分大小写）
func ParseProtocol(s string) (Protocol, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range protocolNames {
		if n == name {
			return Protocol(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownProtocol, s)
}

// Protocols 返回所有已知协议
func Protocols() []Protocol {
	return []Protocol{ProtocolUDP, ProtocolTCP, ProtocolICMP}
}
