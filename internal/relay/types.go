package relay

import (
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Код ошибки ретранслятора "too many requests"
const rateLimitErrorCode = -32097

// rpcRequest - JSON-RPC запрос к ретранслятору
type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

// rpcError - структурированная ошибка из ответа
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// rpcResponse - ответ ретранслятора: ровно одно из Result/Error
type rpcResponse struct {
	JSONRPC string              `json:"jsonrpc"`
	ID      int64               `json:"id"`
	Result  jsoniter.RawMessage `json:"result"`
	Error   *rpcError           `json:"error"`
}

// RateLimitError - сигнал rate limit от endpoint'а; единственный класс
// ошибок, при котором клиент ротирует endpoint и повторяет попытку
type RateLimitError struct {
	Endpoint string
	Status   int
	Message  string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited by %s (status %d): %s", e.Endpoint, e.Status, e.Message)
}

// IsRateLimited сообщает, является ли ошибка сигналом rate limit
func IsRateLimited(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// isRateLimitRPCError распознаёт rate limit в теле JSON-RPC ошибки:
// по коду или по упоминанию rate в тексте
func isRateLimitRPCError(e *rpcError) bool {
	if e == nil {
		return false
	}
	if e.Code == rateLimitErrorCode {
		return true
	}
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "rate") || strings.Contains(msg, "429")
}
