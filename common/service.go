// common/service.go
package common

import (
	"github.com/YaganovValera/exchange-sync/common/backoff"
	producer "github.com/YaganovValera/exchange-sync/common/kafka/producer"
)

// ServiceNameKey — ключ лейбла для метрик всех подсистем.
const ServiceNameKey = "service"

// InitServiceName задаёт единое имя сервиса для backoff и Kafka-producer.
// Нужно вызывать в main() до любых попыток логирования или отправки метрик.
func InitServiceName(name string) {
	backoff.SetServiceLabel(name)
	producer.SetServiceLabel(name)
}
