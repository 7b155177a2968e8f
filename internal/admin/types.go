package admin

// AddAddressRequest 添加池地址请求
type AddAddressRequest struct {
	Address  string `json:"address"`
	Count    int    `json:"count"`
	FIBIndex uint32 `json:"fib_index"`
}

// AddressChangeResult 池地址变更结果
type AddressChangeResult struct {
	Applied int `json:"applied"`
	Code    int `json:"code"`
}

// APIResponse API响应
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}
