package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/logging"
)

func TestHTTPMetrics_MetricsMiddleware(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	m := newHTTPMetrics(mp.Meter(httpInstrumentationName), logging.NewNop())

	e := echo.New()
	e.Use(m.MetricsMiddleware())
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/api/v1/runs/:id", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"run_id": c.Param("id")})
	})

	for _, path := range []string{"/health", "/api/v1/runs/a", "/api/v1/runs/b"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}

	foundRequests := false
	foundDuration := false
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch m.Name {
			case "orchestrator.http.requests_total":
				foundRequests = true
				sum, ok := m.Data.(metricdata.Sum[int64])
				if !ok {
					t.Fatalf("unexpected data type %T", m.Data)
				}
				byRoute := map[string]int64{}
				for _, dp := range sum.DataPoints {
					route, _ := dp.Attributes.Value(attribute.Key("endpoint"))
					byRoute[route.AsString()] += dp.Value
				}
				if byRoute["/api/v1/runs/:id"] != 2 {
					t.Errorf("expected run ids folded into the route label, got %v", byRoute)
				}
				if byRoute["/health"] != 1 {
					t.Errorf("expected 1 health request, got %v", byRoute)
				}
			case "orchestrator.http.request_duration_seconds":
				foundDuration = true
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					total := uint64(0)
					for _, dp := range hist.DataPoints {
						total += dp.Count
					}
					if total != 3 {
						t.Errorf("expected 3 duration recordings, got %d", total)
					}
				}
			}
		}
	}

	if !foundRequests {
		t.Error("requests counter not found")
	}
	if !foundDuration {
		t.Error("duration histogram not found")
	}
}

func TestRouteLabel(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"", "unmatched"},
		{"/health", "/health"},
		{"/api/v1/runs/:id", "/api/v1/runs/:id"},
	}

	for _, tt := range tests {
		if got := routeLabel(tt.input); got != tt.expected {
			t.Errorf("routeLabel(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}
