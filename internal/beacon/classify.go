// Package beacon watches server advertisement datagrams and reports servers
// that are new or recently restarted. It never sends anything.
package beacon

import (
	"net/netip"
	"time"

	"github.com/danmuck/pvagate/internal/settings"
	"github.com/google/uuid"
)

type Config struct {
	FastMin time.Duration
	FastMax time.Duration
	MaxAge  time.Duration
}

func ConfigFrom(s *settings.Settings) Config {
	return Config{FastMin: s.FastBeaconMin, FastMax: s.FastBeaconMax, MaxAge: s.MaxBeaconAge}
}

// Record is what the tracker remembers about one (address, token) pair.
type Record struct {
	Addr      netip.AddrPort
	Token     uuid.UUID
	Change    uint16
	Sequence  uint8
	FirstSeen time.Time
	LastSeen  time.Time
	Period    time.Duration
}

// Observation is one received beacon.
type Observation struct {
	Addr     netip.AddrPort
	Token    uuid.UUID
	Change   uint16
	Sequence uint8
	At       time.Time
}

type Reason string

const (
	ReasonRoutine       Reason = ""
	ReasonUnknownServer Reason = "unknown-server"
	ReasonNewToken      Reason = "new-token"
	ReasonChanged       Reason = "changed"
	ReasonFastPeriod    Reason = "fast-period"
)

// IsNew reports whether the beacon should trigger a search retry.
func (r Reason) IsNew() bool { return r != ReasonRoutine }

// Classify folds a beacon into the previous record for the same server and
// reports whether it marks a new or restarted server. prev may be nil.
func Classify(prev *Record, obs Observation, cfg Config) (Record, Reason) {
	fresh := Record{
		Addr:      obs.Addr,
		Token:     obs.Token,
		Change:    obs.Change,
		Sequence:  obs.Sequence,
		FirstSeen: obs.At,
		LastSeen:  obs.At,
	}
	if prev == nil {
		return fresh, ReasonUnknownServer
	}
	if prev.Token != obs.Token {
		return fresh, ReasonNewToken
	}

	rec := *prev
	rec.Addr = obs.Addr
	rec.Period = obs.At.Sub(prev.LastSeen)
	rec.LastSeen = obs.At
	rec.Sequence = obs.Sequence
	rec.Change = obs.Change

	switch {
	case prev.Change != obs.Change:
		return rec, ReasonChanged
	case rec.Period >= cfg.FastMin && rec.Period <= cfg.FastMax && cfg.FastMax > 0:
		return rec, ReasonFastPeriod
	default:
		return rec, ReasonRoutine
	}
}
