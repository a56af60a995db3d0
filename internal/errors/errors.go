package errors

import (
	stdErrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Code 表示插件运行时内统一的错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

const (
	CodeUnknown            Code = "UNKNOWN"
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
	CodeNotFound           Code = "NOT_FOUND"
	CodeInvalidDescriptor  Code = "INVALID_DESCRIPTOR"
	CodeToolchainMissing   Code = "TOOLCHAIN_MISSING"
	CodeFetchFailed        Code = "FETCH_FAILED"
	CodeBuildFailed        Code = "BUILD_FAILED"
	CodeInstallFailed      Code = "INSTALL_FAILED"
	CodeProcessNotFound    Code = "PROCESS_NOT_FOUND"
	CodeProcessStartFailed Code = "PROCESS_START_FAILED"
	CodeRestartExhausted   Code = "RESTART_EXHAUSTED"
	CodeProcessCrashed     Code = "PROCESS_CRASHED"
	CodePluginUnavailable  Code = "PLUGIN_UNAVAILABLE"
	CodeRequestTimeout     Code = "REQUEST_TIMEOUT"
	CodeRemoteError        Code = "REMOTE_ERROR"
	CodeDuplicatePlugin    Code = "DUPLICATE_PLUGIN"
	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodeProtocolError      Code = "PROTOCOL_ERROR"
	CodeStorageFailure     Code = "STORAGE_FAILURE"
	CodeQueueFailure       Code = "QUEUE_FAILURE"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:            {Message: "unknown error", Severity: SeverityCritical, Alert: true},
		CodeInvalidArgument:    {Message: "invalid argument", Severity: SeverityInfo},
		CodeNotFound:           {Message: "resource not found", Severity: SeverityInfo},
		CodeInvalidDescriptor:  {Message: "invalid plugin descriptor", Severity: SeverityInfo},
		CodeToolchainMissing:   {Message: "required toolchain is not installed on host", Severity: SeverityWarning, Alert: true},
		CodeFetchFailed:        {Message: "failed to fetch plugin source", Severity: SeverityWarning, Retryable: true},
		CodeBuildFailed:        {Message: "plugin build failed", Severity: SeverityWarning},
		CodeInstallFailed:      {Message: "plugin install failed", Severity: SeverityWarning},
		CodeProcessNotFound:    {Message: "plugin process not managed", Severity: SeverityInfo},
		CodeProcessStartFailed: {Message: "failed to start plugin process", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeRestartExhausted:   {Message: "plugin restart limit reached", Severity: SeverityCritical, Alert: true},
		CodeProcessCrashed:     {Message: "plugin process exited unexpectedly", Severity: SeverityWarning, Alert: true},
		CodePluginUnavailable:  {Message: "plugin unavailable", Severity: SeverityInfo, Retryable: true},
		CodeRequestTimeout:     {Message: "plugin request timed out", Severity: SeverityWarning, Retryable: true},
		CodeRemoteError:        {Message: "plugin returned an error", Severity: SeverityWarning},
		CodeDuplicatePlugin:    {Message: "plugin already registered", Severity: SeverityWarning},
		CodeUnauthorized:       {Message: "plugin registration unauthorized", Severity: SeverityWarning},
		CodeProtocolError:      {Message: "protocol violation", Severity: SeverityWarning},
		CodeStorageFailure:     {Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeQueueFailure:       {Message: "queue failure", Severity: SeverityCritical, Retryable: true, Alert: true},
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是运行时内统一的错误类型。
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string
	severity *Severity
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息，例如 plugin_id、tool。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.severity = &sev
	}
}

// New 创建一个新的错误实例。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Error 实现 error 接口，metadata 按 key 排序输出。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.code, e.message)
	if len(e.metadata) > 0 {
		keys := make([]string, 0, len(e.metadata))
		for k := range e.metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%s", k, e.metadata[k])
		}
	}
	if e.cause != nil {
		fmt.Fprintf(&b, ": %v", e.cause)
	}
	return b.String()
}

// Unwrap 实现 errors.Unwrap。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 允许通过 errors.Is 判断是否相同错误码。
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回错误信息。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加信息的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.severity != nil {
		return *e.severity
	}
	return AttributesOf(e.code).Severity
}

// From 尝试从 error 中解析统一错误类型。
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误对应的错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// HasCode 判断错误链中是否包含指定错误码。
func HasCode(err error, code Code) bool {
	return stdErrors.Is(err, &Error{code: code})
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return AttributesOf(e.Code()).Retryable
	}
	return false
}

// ShouldAlert 判断是否需要触发告警。
func ShouldAlert(err error) bool {
	if e, ok := From(err); ok {
		return AttributesOf(e.Code()).Alert
	}
	return false
}
