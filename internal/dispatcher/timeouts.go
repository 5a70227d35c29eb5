package dispatcher

import (
	"time"

	"github.com/relaycore/kumogo/internal/policy"
)

// phaseTimeouts resolves each SMTP phase's configured timeout from
// EgressPathConfig, defaulting anything left at zero to a conservative
// value so a misconfigured path fails fast rather than hanging forever.
type phaseTimeouts struct {
	Connect  time.Duration
	EHLO     time.Duration
	MailFrom time.Duration
	RcptTo   time.Duration
	Data     time.Duration
	DataDot  time.Duration
	Idle     time.Duration
}

func secs(v float64, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return time.Duration(v * float64(time.Second))
}

func newPhaseTimeouts(cfg policy.EgressPathConfig) phaseTimeouts {
	return phaseTimeouts{
		Connect:  secs(cfg.ConnectTimeoutSecs, 30*time.Second),
		EHLO:     secs(cfg.EHLOTimeoutSecs, 30*time.Second),
		MailFrom: secs(cfg.MailFromTimeoutSecs, 30*time.Second),
		RcptTo:   secs(cfg.RcptToTimeoutSecs, 30*time.Second),
		Data:     secs(cfg.DataTimeoutSecs, 60*time.Second),
		DataDot:  secs(cfg.DataDotTimeoutSecs, 300*time.Second),
		Idle:     secs(cfg.IdleTimeoutSecs, 300*time.Second),
	}
}
