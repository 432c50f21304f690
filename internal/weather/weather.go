// Package weather serves the paid London forecast.
package weather

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	x402 "github.com/becomeliminal/x402-router"
)

// Day is one forecast entry.
type Day struct {
	DayOfWeek string `json:"dayOfWeek"`
	Date      string `json:"date"`
	MinTemp   int    `json:"minTemp"`
	MaxTemp   int    `json:"maxTemp"`
	Condition string `json:"condition"`
}

// Report is a city forecast.
type Report struct {
	City     string `json:"city"`
	Forecast []Day  `json:"forecast"`
}

// Response is the body of GET /api/weather.
type Response struct {
	Success   bool   `json:"success"`
	Timestamp string `json:"timestamp"`
	Data      Report `json:"data"`
}

// London is the fixed seven-day forecast.
var London = Report{
	City: "London",
	Forecast: []Day{
		{DayOfWeek: "Monday", Date: "2026-01-13", MinTemp: 8, MaxTemp: 12, Condition: "rainy"},
		{DayOfWeek: "Tuesday", Date: "2026-01-14", MinTemp: 6, MaxTemp: 10, Condition: "rainy"},
		{DayOfWeek: "Wednesday", Date: "2026-01-15", MinTemp: 7, MaxTemp: 11, Condition: "sunny"},
		{DayOfWeek: "Thursday", Date: "2026-01-16", MinTemp: 9, MaxTemp: 13, Condition: "sunny"},
		{DayOfWeek: "Friday", Date: "2026-01-17", MinTemp: 8, MaxTemp: 12, Condition: "rainy"},
		{DayOfWeek: "Saturday", Date: "2026-01-18", MinTemp: 7, MaxTemp: 11, Condition: "rainy"},
		{DayOfWeek: "Sunday", Date: "2026-01-19", MinTemp: 10, MaxTemp: 14, Condition: "sunny"},
	},
}

// Handler serves the London forecast. It is meant to sit behind the payment
// gate and logs the payer when one is attached.
type Handler struct {
	Now    func() time.Time
	Logger *slog.Logger
}

// Serve matches runtime.HandlerFunc so it can be mounted on a grpc-gateway mux.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}

	if payment, ok := x402.GetPaymentFromContext(r.Context()); ok {
		logger.Info("weather request received", "payer", payment.PayerAddress, "network", payment.Network)
	} else {
		logger.Info("weather request received")
	}

	body, err := json.Marshal(Response{
		Success:   true,
		Timestamp: now().UTC().Format(time.RFC3339Nano),
		Data:      London,
	})
	if err != nil {
		http.Error(w, `{"error":"failed to encode forecast"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}
