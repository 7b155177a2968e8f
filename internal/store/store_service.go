package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sync"

	"natpool/internal/natlib"

	"github.com/sirupsen/logrus"
)

// StoreService 池地址持久化服务
type StoreService struct {
	filePath string
	logger   *logrus.Logger
	mutex    sync.Mutex
	pool     *natlib.Pool
}

// StoredAddress 存储的池地址
type StoredAddress struct {
	Address  string `json:"address"`
	FIBIndex uint32 `json:"fib_index"`
}

// NewStoreService 创建新的存储服务
func NewStoreService(dataDir string, logger *logrus.Logger) (*StoreService, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := ensureDataDir(dataDir, logger); err != nil {
		return nil, err
	}

	return &StoreService{
		filePath: filepath.Join(dataDir, "pool.json"),
		logger:   logger,
	}, nil
}

// ensureDataDir 确保数据目录存在且有写权限
func ensureDataDir(dataDir string, logger *logrus.Logger) error {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("创建目录失败: %w", err)
	}

	testFile := filepath.Join(dataDir, ".test_write")
	if err := os.WriteFile(testFile, []byte("test"), 0644); err != nil {
		return fmt.Errorf("目录无写权限: %w", err)
	}
	os.Remove(testFile)

	logger.Infof("使用数据目录: %s", dataDir)
	return nil
}

// FilePath 返回存储文件路径
func (ss *StoreService) FilePath() string {
	return ss.filePath
}

// Recover 将存储的地址恢复到地址池，并开始跟踪该池的变更
func (ss *StoreService) Recover(pool *natlib.Pool) error {
	ss.mutex.Lock()
	ss.pool = pool
	stored, err := ss.loadFromFile()
	ss.mutex.Unlock()
	if err != nil {
		return err
	}
	if len(stored) == 0 {
		ss.logger.Info("没有找到存储的池地址")
		return nil
	}

	ss.logger.Infof("找到 %d 个存储的池地址，开始恢复", len(stored))

	successCount := 0
	failCount := 0
	for _, s := range stored {
		addr, err := netip.ParseAddr(s.Address)
		if err != nil {
			ss.logger.WithError(err).Warnf("跳过无效的存储地址: %s", s.Address)
			failCount++
			continue
		}
		err = pool.AddPoolAddress(addr, s.FIBIndex)
		if err != nil && !errors.Is(err, natlib.ErrValueExist) {
			ss.logger.WithError(err).Warnf("恢复池地址失败: %s", s.Address)
			failCount++
			continue
		}
		successCount++
	}

	ss.logger.Infof("池地址恢复完成: 成功 %d 个, 失败 %d 个", successCount, failCount)
	return nil
}

// PoolAddressChanged 实现natlib.AddressNotifier，记录地址变更
func (ss *StoreService) PoolAddressChanged(addr netip.Addr, isAdd bool, opaque interface{}) {
	var err error
	if isAdd {
		err = ss.Add(addr, ss.fibIndexOf(addr))
	} else {
		err = ss.Remove(addr)
	}
	if err != nil {
		ss.logger.WithError(err).WithField("addr", addr.String()).Error("持久化池地址失败")
	}
}

func (ss *StoreService) fibIndexOf(addr netip.Addr) uint32 {
	ss.mutex.Lock()
	pool := ss.pool
	ss.mutex.Unlock()

	if pool != nil {
		if e, ok := pool.Lookup(addr); ok {
			return e.FIBIndex()
		}
	}
	return 0
}

// Add 记录一个池地址，已存在时忽略
func (ss *StoreService) Add(addr netip.Addr, fibIndex uint32) error {
	ss.mutex.Lock()
	defer ss.mutex.Unlock()

	stored, err := ss.loadFromFile()
	if err != nil {
		return err
	}
	for _, s := range stored {
		if s.Address == addr.String() {
			return nil
		}
	}
	stored = append(stored, &StoredAddress{Address: addr.String(), FIBIndex: fibIndex})
	return ss.saveToFile(stored)
}

// Remove 删除一个池地址记录
func (ss *StoreService) Remove(addr netip.Addr) error {
	ss.mutex.Lock()
	defer ss.mutex.Unlock()

	stored, err := ss.loadFromFile()
	if err != nil {
		return err
	}
	kept := make([]*StoredAddress, 0, len(stored))
	for _, s := range stored {
		if s.Address != addr.String() {
			kept = append(kept, s)
		}
	}
	if len(kept) == len(stored) {
		return nil
	}
	return ss.saveToFile(kept)
}

// List 返回所有存储的池地址
func (ss *StoreService) List() ([]*StoredAddress, error) {
	ss.mutex.Lock()
	defer ss.mutex.Unlock()
	return ss.loadFromFile()
}

func (ss *StoreService) loadFromFile() ([]*StoredAddress, error) {
	ss.logger.Debugf("从文件加载池地址: %s", ss.filePath)

	data, err := os.ReadFile(ss.filePath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("读取文件失败: %w", err)
	}

	var stored []*StoredAddress
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("解析文件失败: %w", err)
	}
	return stored, nil
}

func (ss *StoreService) saveToFile(stored []*StoredAddress) error {
	ss.logger.Debugf("保存池地址到文件: %s", ss.filePath)

	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("编码JSON失败: %w", err)
	}

	tmp := ss.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("写入文件失败: %w", err)
	}
	return os.Rename(tmp, ss.filePath)
}
