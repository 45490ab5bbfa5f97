// Package metrics отдаёт метрики харнесса: HTTP-обработчик для /metrics и
// текстовый дамп для CLI.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

// Namespace — общий префикс метрик producer'а, consumer'а и backoff.
const Namespace = "kafkatest"

// DefaultGatherer — глобальный реестр, куда пишут promauto-метрики.
var DefaultGatherer prometheus.Gatherer = prometheus.DefaultGatherer

// Handler возвращает HTTP-обработчик для /metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(DefaultGatherer, promhttp.HandlerOpts{})
}

// WriteText пишет в w семейства метрик, чьё имя начинается с prefix,
// в текстовом формате Prometheus. Пустой prefix — все семейства.
func WriteText(w io.Writer, g prometheus.Gatherer, prefix string) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("metrics: gather: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), prefix) {
			continue
		}
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("metrics: encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
