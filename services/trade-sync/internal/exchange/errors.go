package exchange

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedMessage — сообщение стрима не удалось разобрать.
	ErrMalformedMessage = errors.New("exchange: malformed message")
	// ErrSessionExpired — биржа закрыла listen-токен, нужен новый.
	ErrSessionExpired = errors.New("exchange: session expired")
	// ErrUnsupportedExchange — для биржи нет адаптера.
	ErrUnsupportedExchange = errors.New("exchange: unsupported exchange")
	// ErrInvalidCredential — учётка неполная.
	ErrInvalidCredential = errors.New("exchange: invalid credential")
)

// APIError — REST-ответ биржи с ошибкой.
type APIError struct {
	Exchange string
	Endpoint string
	Status   int
	Code     string
	Message  string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s %s: status %d code %s: %s", e.Exchange, e.Endpoint, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Exchange, e.Endpoint, e.Status, e.Message)
}

// Malformed оборачивает причину в ErrMalformedMessage.
func Malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedMessage, fmt.Sprintf(format, args...))
}
