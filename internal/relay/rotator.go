package relay

import (
	"errors"
	"sync"
)

// ErrNoEndpoints - не сконфигурирован ни один base URL ретранслятора
var ErrNoEndpoints = errors.New("no relay endpoints configured")

// Rotator - круговой список base URL ретранслятора.
// Advance вызывается при rate limit, чтобы следующая попытка ушла
// на другой регион.
type Rotator struct {
	mu   sync.Mutex
	urls []string
	idx  int
}

// NewRotator создает ротатор по списку base URL
func NewRotator(urls []string) (*Rotator, error) {
	if len(urls) == 0 {
		return nil, ErrNoEndpoints
	}
	return &Rotator{urls: urls}, nil
}

// Current возвращает текущий endpoint
func (r *Rotator) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.urls[r.idx]
}

// Advance переключается на следующий endpoint и возвращает его
func (r *Rotator) Advance() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.idx = (r.idx + 1) % len(r.urls)
	return r.urls[r.idx]
}

// Len возвращает количество сконфигурированных endpoint'ов
func (r *Rotator) Len() int {
	return len(r.urls)
}
