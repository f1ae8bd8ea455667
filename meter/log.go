package meter

import (
	"log/slog"

	tb "github.com/ineyio/tryonbroker"
)

// LogMeter logs broker events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ tb.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnAttempt(e tb.AttemptEvent) {
	m.Logger.Info("reserve",
		"uid", e.RequestorID,
		"credential", e.CredentialID,
		"reservation", e.ReservationID,
		"attempt", e.AttemptNum,
	)
}

func (m *LogMeter) OnResult(e tb.ResultEvent) {
	if e.Success {
		m.Logger.Info("result",
			"uid", e.RequestorID,
			"credential", e.CredentialID,
			"reservation", e.ReservationID,
			"attempt", e.AttemptNum,
			"duration_ms", e.Duration.Milliseconds(),
			"images", e.Images,
		)
		if e.Images == 0 {
			m.Logger.Warn("result_empty",
				"credential", e.CredentialID,
				"payload_keys", e.PayloadKeys,
			)
		}
		return
	}

	m.Logger.Warn("result_error",
		"uid", e.RequestorID,
		"credential", e.CredentialID,
		"reservation", e.ReservationID,
		"attempt", e.AttemptNum,
		"duration_ms", e.Duration.Milliseconds(),
		"health", e.Health.String(),
		"error", e.Error,
	)
	if e.RefundError != nil {
		m.Logger.Error("refund_failed",
			"credential", e.CredentialID,
			"reservation", e.ReservationID,
			"error", e.RefundError,
		)
	}
}

func (m *LogMeter) OnUsage(e tb.UsageEvent) {
	if e.Error != nil {
		m.Logger.Error("usage_write_failed",
			"uid", e.Record.RequestorID,
			"credential", e.Record.CredentialID,
			"cost", e.Record.Cost.String(),
			"error", e.Error,
		)
		return
	}
	m.Logger.Debug("usage",
		"uid", e.Record.RequestorID,
		"credential", e.Record.CredentialID,
		"cost", e.Record.Cost.String(),
	)
}
