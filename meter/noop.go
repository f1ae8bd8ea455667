package meter

import tb "github.com/ineyio/tryonbroker"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ tb.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnAttempt(tb.AttemptEvent) {}
func (m *NoopMeter) OnResult(tb.ResultEvent)   {}
func (m *NoopMeter) OnUsage(tb.UsageEvent)     {}
