package prometheus

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DefaultRegistry — стандартный глобальный реестр метрик.
	DefaultRegistry = prometheus.DefaultRegisterer

	// DefaultGatherer используется promhttp.Handler'ом.
	DefaultGatherer = prometheus.DefaultGatherer
)

// Handler возвращает HTTP-обработчик для /metrics.
// Подключается в common/httpserver по пути из конфига.
func Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(
		DefaultRegistry,
		promhttp.HandlerFor(DefaultGatherer, promhttp.HandlerOpts{}),
	)
}

// MustRegisterMany регистрирует метрики в reg (nil → дефолтный реестр).
// Повторная регистрация того же коллектора не считается ошибкой:
// сервисные Register() могут вызываться из тестов несколько раз.
func MustRegisterMany(reg prometheus.Registerer, cs ...prometheus.Collector) {
	if reg == nil {
		reg = DefaultRegistry
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			panic(err)
		}
	}
}
