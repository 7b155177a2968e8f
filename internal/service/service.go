package service

// Service 服务接口
type Service interface {
	// Start 启动服务
	Start() error

	// Stop 停止服务
	Stop()

	// GetStatus 获取服务状态
	GetStatus() map[string]interface{}

	// AddAddresses 添加连续的池地址
	AddAddresses(base string, count int, fibIndex uint32, opaque interface{}) (int, error)

	// RemoveAddresses 删除连续的池地址
	RemoveAddresses(base string, count int, force bool, opaque interface{}) (int, error)

	// GetAddresses 获取所有池地址状态
	GetAddresses() []AddressInfo

	// GetSessionStats 获取每个工作线程的会话统计
	GetSessionStats() []SessionInfo
}

// AddressInfo 池地址信息
type AddressInfo struct {
	Address  string            `json:"address"`
	FIBIndex uint32            `json:"fib_index"`
	Busy     map[string]uint32 `json:"busy"`
}

// SessionInfo 工作线程会话信息
type SessionInfo struct {
	Thread    uint32 `json:"thread"`
	PortStart uint32 `json:"port_start"`
	PortEnd   uint32 `json:"port_end"`
	Active    int    `json:"active"`
	Created   uint64 `json:"created"`
	Released  uint64 `json:"released"`
	Exhausted uint64 `json:"exhausted"`
	Evicted   uint64 `json:"evicted"`
	Failed    uint64 `json:"failed"`
}
