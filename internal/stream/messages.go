package stream

import (
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// wsRequest - исходящий JSON-RPC запрос по WebSocket
type wsRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

// wsError - ошибка из ответа сервера
type wsError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// wsMessage - любое входящее сообщение: ответ на запрос (есть ID)
// или нотификация подписки (есть Method)
type wsMessage struct {
	JSONRPC string              `json:"jsonrpc"`
	ID      *int64              `json:"id,omitempty"`
	Method  string              `json:"method,omitempty"`
	Result  jsoniter.RawMessage `json:"result,omitempty"`
	Error   *wsError            `json:"error,omitempty"`
	Params  *notificationParams `json:"params,omitempty"`
}

// notificationParams - полезная нагрузка accountNotification
type notificationParams struct {
	Subscription int64              `json:"subscription"`
	Result       notificationResult `json:"result"`
}

// notificationResult - состояние аккаунта вместе со слотом, на котором
// оно наблюдалось
type notificationResult struct {
	Context notificationContext `json:"context"`
	Value   jsoniter.RawMessage `json:"value"`
}

type notificationContext struct {
	Slot uint64 `json:"slot"`
}

// CallStatus - исход запроса по стриму
type CallStatus int

const (
	// CallOK - получен ответ сервера (возможно с ошибкой в Err)
	CallOK CallStatus = iota
	// CallTimedOut - ответ не пришёл за отведённое время
	CallTimedOut
	// CallConnClosed - соединение закрылось до ответа
	CallConnClosed
)

func (s CallStatus) String() string {
	switch s {
	case CallOK:
		return "ok"
	case CallTimedOut:
		return "timed out"
	case CallConnClosed:
		return "connection closed"
	default:
		return "unknown"
	}
}

// CallResult - типизированный результат запроса: таймаут и разрыв
// соединения различимы для вызывающего, а не схлопнуты в один случай
type CallResult struct {
	Status CallStatus
	Result jsoniter.RawMessage
	Err    error
}
