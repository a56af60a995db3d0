package api

import (
	"encoding/json"
	"errors"
	"net/http"

	xerrors "plugin-runtime/internal/errors"
	"plugin-runtime/pkg/plugin"
)

var errServiceClosing = xerrors.New(xerrors.CodePluginUnavailable, "服务正在关闭")

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// 管理器返回的哨兵错误按调用方视角映射为“不可用”类状态码。
var sentinelStatus = []struct {
	err    error
	code   xerrors.Code
	status int
}{
	{plugin.ErrUnavailable, xerrors.CodePluginUnavailable, http.StatusServiceUnavailable},
	{plugin.ErrCancelled, xerrors.CodePluginUnavailable, http.StatusServiceUnavailable},
	{plugin.ErrTimeout, xerrors.CodeRequestTimeout, http.StatusGatewayTimeout},
	{plugin.ErrRemote, xerrors.CodeRemoteError, http.StatusBadGateway},
	{plugin.ErrMalformedResponse, xerrors.CodeProtocolError, http.StatusBadGateway},
	{plugin.ErrInvalidCapability, xerrors.CodeInvalidArgument, http.StatusBadRequest},
}

var codeStatus = map[xerrors.Code]int{
	xerrors.CodeInvalidArgument:    http.StatusBadRequest,
	xerrors.CodeInvalidDescriptor:  http.StatusBadRequest,
	xerrors.CodeNotFound:           http.StatusNotFound,
	xerrors.CodeProcessNotFound:    http.StatusNotFound,
	xerrors.CodeToolchainMissing:   http.StatusUnprocessableEntity,
	xerrors.CodeBuildFailed:        http.StatusUnprocessableEntity,
	xerrors.CodeFetchFailed:        http.StatusBadGateway,
	xerrors.CodePluginUnavailable:  http.StatusServiceUnavailable,
	xerrors.CodeRequestTimeout:     http.StatusGatewayTimeout,
	xerrors.CodeRemoteError:        http.StatusBadGateway,
	xerrors.CodeDuplicatePlugin:    http.StatusConflict,
	xerrors.CodeUnauthorized:       http.StatusUnauthorized,
	xerrors.CodeProcessStartFailed: http.StatusInternalServerError,
	xerrors.CodeInstallFailed:      http.StatusInternalServerError,
	xerrors.CodeStorageFailure:     http.StatusInternalServerError,
}

func classify(err error) (int, errorDetail) {
	for _, s := range sentinelStatus {
		if errors.Is(err, s.err) {
			return s.status, errorDetail{Code: string(s.code), Message: err.Error()}
		}
	}
	if xe, ok := xerrors.From(err); ok {
		status, known := codeStatus[xe.Code()]
		if !known {
			status = http.StatusInternalServerError
		}
		msg := xe.Message()
		if cause := errors.Unwrap(xe); cause != nil {
			msg += ": " + cause.Error()
		}
		return status, errorDetail{Code: string(xe.Code()), Message: msg, Metadata: xe.Metadata()}
	}
	return http.StatusInternalServerError, errorDetail{Code: string(xerrors.CodeUnknown), Message: err.Error()}
}

func writeError(w http.ResponseWriter, err error) {
	status, detail := classify(err)
	writeJSON(w, status, errorBody{Error: detail})
}

func badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{Code: string(xerrors.CodeInvalidArgument), Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
