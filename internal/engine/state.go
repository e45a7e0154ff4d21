package engine

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// positionState - эфемерное состояние гистерезиса позиции.
// Живёт только в памяти процесса: после рестарта флаги сторон нулевые,
// поэтому уже-нарушенный порог срабатывает заново на первом тике.
// Повторное закрытие безопасно: "позиции нет он-чейн" для исполнителя
// считается успехом.
type positionState struct {
	lastPrice  decimal.Decimal
	wasBelowSL bool // цена была не выше stop loss на предыдущем тике
	wasAboveTP bool // цена была не ниже take profit на предыдущем тике
	busy       bool // действие в полёте
	lastAction time.Time
}

// stateTable - таблица эфемерных состояний по id позиции.
// Явное состояние экземпляра движка, не глобальная переменная.
type stateTable struct {
	mu     sync.Mutex
	states map[int]*positionState
}

func newStateTable() *stateTable {
	return &stateTable{states: make(map[int]*positionState)}
}

// locked возвращает состояние позиции, создавая его с нулевыми
// значениями при первом обращении. Вызывается под t.mu.
func (t *stateTable) locked(positionID int) *positionState {
	st, exists := t.states[positionID]
	if !exists {
		st = &positionState{}
		t.states[positionID] = st
	}
	return st
}

// clearBusy снимает busy-флаг, не трогая остальное состояние.
// Таймштамп последнего срабатывания сознательно сохраняется:
// cooldown действует и после неудачной попытки.
func (t *stateTable) clearBusy(positionID int) {
	t.mu.Lock()
	if st, exists := t.states[positionID]; exists {
		st.busy = false
	}
	t.mu.Unlock()
}

// markTriggered фиксирует момент срабатывания
func (t *stateTable) markTriggered(positionID int, at time.Time) {
	t.mu.Lock()
	if st, exists := t.states[positionID]; exists {
		st.lastAction = at
	}
	t.mu.Unlock()
}

// delete уничтожает состояние позиции (успешное закрытие)
func (t *stateTable) delete(positionID int) {
	t.mu.Lock()
	delete(t.states, positionID)
	t.mu.Unlock()
}

// size возвращает число отслеживаемых позиций
func (t *stateTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}
