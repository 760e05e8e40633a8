package metrics

import (
	"github.com/foxseedlab/pokerpoints/internal/metrics"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*PrometheusRecorder, error) {
		return NewPrometheusRecorder(), nil
	})
	do.Provide(injector, func(i do.Injector) (metrics.Recorder, error) {
		return do.MustInvoke[*PrometheusRecorder](i), nil
	})
}
