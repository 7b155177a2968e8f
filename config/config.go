package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 配置结构体
type Config struct {
	Pool      PoolConfig      `mapstructure:"pool"`
	Session   SessionConfig   `mapstructure:"session"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Store     StoreConfig     `mapstructure:"store"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Log       LogConfig       `mapstructure:"log"`
}

// PoolConfig 地址池配置
type PoolConfig struct {
	Threads int `mapstructure:"threads"`
	// PortPerThread 为0时按线程数平分端口空间
	PortPerThread   int            `mapstructure:"port_per_thread"`
	Seed            uint64         `mapstructure:"seed"`
	RemovePolicy    string         `mapstructure:"remove_policy"`
	Addresses       []AddressRange `mapstructure:"addresses"`
	AllowedPrefixes []string       `mapstructure:"allowed_prefixes"`
}

// AddressRange 连续的池地址
type AddressRange struct {
	Address  string `mapstructure:"address"`
	Count    int    `mapstructure:"count"`
	FIBIndex uint32 `mapstructure:"fib_index"`
}

// SessionConfig 会话表配置
type SessionConfig struct {
	MaxSessionsPerWorker int           `mapstructure:"max_sessions_per_worker"`
	IdleTimeout          time.Duration `mapstructure:"idle_timeout"`
	EvictOnExhaustion    bool          `mapstructure:"evict_on_exhaustion"`
}

// NotifyConfig 地址变更通知配置
type NotifyConfig struct {
	Log     bool          `mapstructure:"log"`
	Netlink NetlinkConfig `mapstructure:"netlink"`
}

// NetlinkConfig 网卡地址同步配置
type NetlinkConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Interface string `mapstructure:"interface"`
}

// StoreConfig 持久化配置
type StoreConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DataDir string `mapstructure:"data_dir"`
}

// DiscoveryConfig 公网地址发现配置
type DiscoveryConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Timeout     time.Duration `mapstructure:"timeout"`
	FIBIndex    uint32        `mapstructure:"fib_index"`
	STUNServers []string      `mapstructure:"stun_servers"`
	UseUPnP     bool          `mapstructure:"use_upnp"`
	TURNServers []TURNServer  `mapstructure:"turn_servers"`
}

// TURNServer TURN服务器配置
type TURNServer struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Realm    string `mapstructure:"realm"`
}

// AdminConfig 管理服务配置
type AdminConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("NATPOOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 设置默认值
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Default 返回只包含默认值的配置
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var config Config
	_ = v.Unmarshal(&config)
	return &config
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	// 地址池默认值
	v.SetDefault("pool.threads", 1)
	v.SetDefault("pool.port_per_thread", 0)
	v.SetDefault("pool.seed", 0)
	v.SetDefault("pool.remove_policy", "reject")

	// 会话默认值
	v.SetDefault("session.max_sessions_per_worker", 65536)
	v.SetDefault("session.idle_timeout", "5m")
	v.SetDefault("session.evict_on_exhaustion", false)

	// 通知默认值
	v.SetDefault("notify.log", true)
	v.SetDefault("notify.netlink.enabled", false)
	v.SetDefault("notify.netlink.interface", "lo")

	// 持久化默认值
	v.SetDefault("store.enabled", false)
	v.SetDefault("store.data_dir", "data")

	// 地址发现默认值
	v.SetDefault("discovery.enabled", false)
	v.SetDefault("discovery.timeout", "10s")
	v.SetDefault("discovery.fib_index", 0)
	v.SetDefault("discovery.stun_servers", []string{"stun.l.google.com:19302"})
	v.SetDefault("discovery.use_upnp", false)

	// 管理服务默认值
	v.SetDefault("admin.enabled", false)
	v.SetDefault("admin.host", "127.0.0.1")
	v.SetDefault("admin.port", 8686)
	v.SetDefault("admin.username", "admin")
	v.SetDefault("admin.password", "admin")

	// 日志默认值
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
}

// Validate 检查配置
func (c *Config) Validate() error {
	if c.Pool.Threads <= 0 {
		return fmt.Errorf("pool.threads 必须大于0: %d", c.Pool.Threads)
	}
	ppt := c.GetPortPerThread()
	if ppt <= 0 || ppt > 0xffff {
		return fmt.Errorf("pool.port_per_thread 超出范围: %d", ppt)
	}
	if ppt*c.Pool.Threads > 1<<16 {
		return fmt.Errorf("pool.port_per_thread(%d) * pool.threads(%d) 超出端口空间", ppt, c.Pool.Threads)
	}
	switch c.Pool.RemovePolicy {
	case "", "reject", "force":
	default:
		return fmt.Errorf("无效的 pool.remove_policy: %q", c.Pool.RemovePolicy)
	}
	for i, r := range c.Pool.Addresses {
		addr, err := netip.ParseAddr(r.Address)
		if err != nil || !addr.Is4() {
			return fmt.Errorf("pool.addresses[%d] 不是有效的IPv4地址: %q", i, r.Address)
		}
		if r.Count < 0 {
			return fmt.Errorf("pool.addresses[%d].count 不能为负数", i)
		}
	}
	return nil
}

// GetPortPerThread 获取每个线程的端口数
func (c *Config) GetPortPerThread() int {
	if c.Pool.PortPerThread > 0 {
		return c.Pool.PortPerThread
	}
	if c.Pool.Threads <= 0 {
		return 0
	}
	ppt := (1 << 16) / c.Pool.Threads
	if ppt > 0xffff {
		ppt = 0xffff
	}
	return ppt
}

// GetAddressCount 返回地址范围包含的地址数，count为0视为1
func (r AddressRange) GetAddressCount() int {
	if r.Count <= 0 {
		return 1
	}
	return r.Count
}
