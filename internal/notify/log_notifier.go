package notify

import (
	"net/netip"

	"github.com/sirupsen/logrus"
)

// LogNotifier 记录池地址变更
type LogNotifier struct {
	logger *logrus.Logger
}

// NewLogNotifier 创建日志通知
func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// PoolAddressChanged 实现natlib.AddressNotifier
func (ln *LogNotifier) PoolAddressChanged(addr netip.Addr, isAdd bool, opaque interface{}) {
	fields := logrus.Fields{
		"addr":   addr.String(),
		"is_add": isAdd,
	}
	if opaque != nil {
		fields["opaque"] = opaque
	}
	ln.logger.WithFields(fields).Info("池地址变更")
}
