package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/autopost/internal/alert"
	"github.com/kiranshivaraju/autopost/internal/api/response"
	"github.com/kiranshivaraju/autopost/internal/dispatch"
	"github.com/kiranshivaraju/autopost/internal/monitor"
)

// Dispatcher runs one dispatch batch.
type Dispatcher interface {
	RunOnce(ctx context.Context) (*dispatch.Summary, error)
}

// MonitorRunner runs the anomaly queries.
type MonitorRunner interface {
	Run(ctx context.Context) (*monitor.RunResult, error)
}

// Reporter raises an alert for an externally observed trigger failure.
type Reporter interface {
	Report(ctx context.Context, status int, url, responseText string) (alert.Result, error)
}

// NewDispatchHandler returns an http.HandlerFunc for the dispatch trigger.
// Operator run-now uses the same handler.
func NewDispatchHandler(d Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := d.RunOnce(r.Context())
		if err != nil {
			response.Unavailable(w, "Dispatch could not read the job store")
			return
		}
		if summary.Results == nil {
			summary.Results = []dispatch.Result{}
		}
		response.JSON(w, summary)
	}
}

type monitorResponse struct {
	Anomalies  int               `json:"anomalies"`
	Sent       bool              `json:"sent"`
	Suppressed bool              `json:"suppressed"`
	Reason     string            `json:"reason,omitempty"`
	Sections   []monitor.Section `json:"sections"`
}

// NewMonitorHandler returns an http.HandlerFunc for the monitor trigger.
func NewMonitorHandler(m MonitorRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := m.Run(r.Context())
		if err != nil {
			response.Unavailable(w, "Monitor could not read the job store")
			return
		}

		out := monitorResponse{Anomalies: res.Anomalies, Sections: res.Sections}
		if res.Alert != nil {
			out.Sent = res.Alert.Sent
			out.Suppressed = res.Alert.Suppressed
			out.Reason = res.Alert.Reason
		}
		response.JSON(w, out)
	}
}

// NewReportHandler returns an http.HandlerFunc for POST /api/v1/cron/report.
func NewReportHandler(rep Reporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Status            int    `json:"status"`
			URL               string `json:"url"`
			ResponseText      string `json:"response_text"`
			ResponseTextCamel string `json:"responseText"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Status <= 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "status is required", nil)
			return
		}
		if strings.TrimSpace(req.URL) == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "url is required", nil)
			return
		}

		text := req.ResponseText
		if text == "" {
			text = req.ResponseTextCamel
		}

		res, err := rep.Report(r.Context(), req.Status, req.URL, text)
		if err != nil {
			if res.Reason == alert.ReasonSinkError {
				response.Error(w, http.StatusBadGateway, "ALERT_DELIVERY_FAILED",
					"Alert was recorded but could not be delivered", res)
				return
			}
			response.Internal(w)
			return
		}
		response.JSON(w, res)
	}
}
