package health

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/surveymill/conveyor/ops"
)

// NewHandler serves the operational surface of a conveyor instance:
//
//	GET /health          summary verdict and process uptime; 503 when unhealthy
//	GET /health/detailed full Report
//	GET /metrics         prometheus registry
func NewHandler(checker *Checker, publisher ops.Publisher) http.Handler {
	var mux = http.NewServeMux()
	var started = time.Now()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		var report = checker.Check(r.Context())
		serveJSON(w, statusCode(report.Status), struct {
			Status    State     `json:"status"`
			UptimeS   int64     `json:"uptime_s"`
			Timestamp time.Time `json:"timestamp"`
		}{report.Status, int64(time.Since(started).Seconds()), report.Timestamp})

		if report.Status != StateHealthy {
			ops.PublishLog(publisher, logrus.WarnLevel, "health", "health_check_not_ok",
				"status", string(report.Status), "diagnostics", report.Diagnostics)
		}
	})

	mux.HandleFunc("/health/detailed", func(w http.ResponseWriter, r *http.Request) {
		var report = checker.Check(r.Context())
		serveJSON(w, statusCode(report.Status), report)
	})

	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func statusCode(state State) int {
	if state == StateUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func serveJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
