// Package chain определяет узкую границу к SDK блокчейна.
//
// Сборка и сериализация инструкций ликвидности (add/remove/claim) живёт
// за этой границей и ядром не реализуется. Ядру от транзакции нужно ровно
// три вещи: дописать перевод чаевых, подписать и сериализовать.
package chain

import (
	"context"
	"errors"
)

// Ошибки границы SDK
var (
	// ErrVersionedNoAppend - в versioned (v0) транзакцию нельзя дописать
	// инструкцию после компиляции сообщения
	ErrVersionedNoAppend = errors.New("cannot append instruction to a versioned transaction")
)

// Signer подписывает транзакции своим ключом
type Signer interface {
	// PublicKey возвращает base58-адрес подписанта
	PublicKey() string
	// Sign подписывает сериализованное сообщение транзакции
	Sign(message []byte) ([]byte, error)
}

// Transaction - минимальный контракт SDK-транзакции.
type Transaction interface {
	// Versioned сообщает формат: true для v0, false для legacy
	Versioned() bool
	// AppendTransfer дописывает system transfer (используется для чаевых).
	// Для versioned транзакций возвращает ErrVersionedNoAppend.
	AppendTransfer(from, to string, lamports uint64) error
	// Sign подписывает транзакцию всеми переданными подписантами
	Sign(signers ...Signer) error
	// Serialize возвращает wire-формат транзакции
	Serialize() ([]byte, error)
}

// TxFactory строит новые транзакции (standalone tip-транзакция бандла).
// Реализация берёт свежий blockhash сама.
type TxFactory interface {
	NewTransfer(ctx context.Context, payer Signer, to string, lamports uint64) (Transaction, error)
}

// SignatureStatus - статус подтверждения транзакции в сети
type SignatureStatus struct {
	// Confirmations - число подтверждений; nil означает "rooted"
	// (финализирована, глубина больше не отслеживается)
	Confirmations *int
	// ConfirmationStatus: processed | confirmed | finalized
	ConfirmationStatus string
	// Err - ошибка исполнения транзакции он-чейн (пустая строка = успех)
	Err string
}

// Rooted сообщает, финализирована ли транзакция
func (s SignatureStatus) Rooted() bool {
	return s.ConfirmationStatus == "finalized" || s.Confirmations == nil
}

// RPC - операции чтения/симуляции, которые ядро запрашивает у ноды
type RPC interface {
	// Simulate прогоняет транзакцию без отправки; ошибка симуляции
	// возвращается как error
	Simulate(ctx context.Context, tx Transaction) error
	// SignatureStatus возвращает статус подтверждения подписи
	SignatureStatus(ctx context.Context, signature string) (SignatureStatus, error)
	// LatestBlockhash возвращает свежий blockhash
	LatestBlockhash(ctx context.Context) (string, error)
}
