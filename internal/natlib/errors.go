package natlib

import "errors"

// ErrorCode 分配器错误码，前四个与NAT错误枚举的取值一致
type ErrorCode int

const (
	CodeValueExist        ErrorCode = -1
	CodeNoSuchEntry       ErrorCode = -2
	CodeUnknownProtocol   ErrorCode = -3
	CodeOutOfTranslations ErrorCode = -4
	CodeAddressBusy       ErrorCode = -5
	CodeDoubleFree        ErrorCode = -6
	CodeInvalidThread     ErrorCode = -7
	CodeInvalidAddress    ErrorCode = -8
)

// Error 分配器错误
type Error struct {
	Code ErrorCode
	Msg  string
}

func (e *Error) Error() string {
	return e.Msg
}

var (
	ErrValueExist        = &Error{Code: CodeValueExist, Msg: "地址已存在"}
	ErrNoSuchEntry       = &Error{Code: CodeNoSuchEntry, Msg: "地址不存在"}
	ErrUnknownProtocol   = &Error{Code: CodeUnknownProtocol, Msg: "未知协议"}
	ErrOutOfTranslations = &Error{Code: CodeOutOfTranslations, Msg: "转换资源已耗尽"}
	ErrAddressBusy       = &Error{Code: CodeAddressBusy, Msg: "地址仍有活跃端口"}
	ErrDoubleFree        = &Error{Code: CodeDoubleFree, Msg: "端口未被分配"}
	ErrInvalidThread     = &Error{Code: CodeInvalidThread, Msg: "线程索引或线程端口范围无效"}
	ErrInvalidAddress    = &Error{Code: CodeInvalidAddress, Msg: "仅支持IPv4地址"}
)

// CodeOf 提取错误链中的分配器错误码，非分配器错误返回0
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}

// IsExpected 判断是否为负载或管理操作竞争下的正常结果，不应按错误级别告警
func IsExpected(err error) bool {
	switch CodeOf(err) {
	case CodeOutOfTranslations, CodeNoSuchEntry:
		return true
	}
	return false
}

// IsCallerError 判断是否为调用方或配置错误
func IsCallerError(err error) bool {
	switch CodeOf(err) {
	case 0, CodeOutOfTranslations, CodeNoSuchEntry:
		return false
	}
	return true
}
