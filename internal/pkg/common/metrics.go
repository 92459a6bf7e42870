package common

import (
	"net/http"

	"github.com/labstack/echo/v4"
	metrics "github.com/rcrowley/go-metrics"
	"github.com/samber/do/v2"
)

type MetricsService struct {
	Registry metrics.Registry
}

func NewMetricsService(_ do.Injector) (*MetricsService, error) {
	return &MetricsService{
		Registry: metrics.NewRegistry(),
	}, nil
}

func (s *MetricsService) Counter(name string) metrics.Counter {
	return metrics.GetOrRegisterCounter(name, s.Registry)
}

func (s *MetricsService) Timer(name string) metrics.Timer {
	return metrics.GetOrRegisterTimer(name, s.Registry)
}

func (s *MetricsService) GetMetrics(c echo.Context) error {
	//nolint:wrapcheck
	return c.JSONPretty(http.StatusOK, s.Registry.GetAll(), "  ")
}
