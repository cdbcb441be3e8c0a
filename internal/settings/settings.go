// Package settings resolves the process-wide transport configuration once
// at startup. Each value comes from an explicit override, else the
// environment, else a built-in default, and the winning source is kept so it
// can be logged.
package settings

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/pvagate/internal/protocol"
	"github.com/danmuck/pvagate/internal/protocol/session"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

type Source string

const (
	SourceDefault  Source = "default"
	SourceEnv      Source = "env"
	SourceOverride Source = "override"
)

// Setting names double as environment variable names.
const (
	KeyAddrList           = "EPICS_PVA_ADDR_LIST"
	KeyAutoAddrList       = "EPICS_PVA_AUTO_ADDR_LIST"
	KeyNameServers        = "EPICS_PVA_NAME_SERVERS"
	KeyBroadcastPort      = "EPICS_PVA_BROADCAST_PORT"
	KeyServerBroadcast    = "EPICS_PVAS_BROADCAST_PORT"
	KeyServerPort         = "EPICS_PVA_SERVER_PORT"
	KeyTLSPort            = "EPICS_PVAS_TLS_PORT"
	KeyIntfAddrList       = "EPICS_PVAS_INTF_ADDR_LIST"
	KeyMulticastGroup     = "EPICS_PVA_MCAST_GROUP"
	KeyTLSCert            = "EPICS_PVA_TLS_CERT"
	KeyTLSKey             = "EPICS_PVA_TLS_KEY"
	KeyTLSCA              = "EPICS_PVA_TLS_CA"
	KeyTLSRequirePeer     = "EPICS_PVA_TLS_REQUIRE_PEER"
	KeySendBuffer         = "EPICS_PVA_SEND_BUFFER_SIZE"
	KeyReceiveBuffer      = "EPICS_PVA_RECEIVE_BUFFER_SIZE"
	KeyConnTimeout        = "EPICS_PVA_CONN_TMO"
	KeySocketTimeout      = "EPICS_PVA_SOCKET_TMO"
	KeySendTimeout        = "EPICS_PVA_SEND_TMO"
	KeyEchoTimeout        = "EPICS_PVA_ECHO_TMO"
	KeyMaxArrayFormatting = "EPICS_PVA_MAX_ARRAY_FORMATTING"
	KeyFastBeaconMin      = "EPICS_PVA_FAST_BEACON_MIN"
	KeyFastBeaconMax      = "EPICS_PVA_FAST_BEACON_MAX"
	KeyMaxBeaconAge       = "EPICS_PVA_MAX_BEACON_AGE"
	KeyEnableIPv6         = "EPICS_PVA_ENABLE_IPV6"
	KeyMaxUDPSend         = "EPICS_PVA_MAX_UDP_SEND"
	KeySearchMin          = "EPICS_PVA_SEARCH_MIN"
	KeySearchMax          = "EPICS_PVA_SEARCH_MAX"
	KeySearchTick         = "EPICS_PVA_SEARCH_TICK"
	KeySearchRate         = "EPICS_PVA_SEARCH_RATE"
	KeyBeaconPeriod       = "EPICS_PVAS_BEACON_PERIOD"
	KeyBeaconFastPeriod   = "EPICS_PVAS_BEACON_FAST_PERIOD"
	KeyBeaconFastDuration = "EPICS_PVAS_BEACON_FAST_DURATION"
	KeyMonitorQueue       = "EPICS_PVA_MONITOR_QUEUE"
)

var defaults = []struct {
	key string
	def string
}{
	{KeyAddrList, ""},
	{KeyAutoAddrList, "YES"},
	{KeyNameServers, ""},
	{KeyBroadcastPort, "5076"},
	{KeyServerBroadcast, "5076"},
	{KeyServerPort, "5075"},
	{KeyTLSPort, "5077"},
	{KeyIntfAddrList, "0.0.0.0"},
	{KeyMulticastGroup, "224.0.0.128"},
	{KeyTLSCert, ""},
	{KeyTLSKey, ""},
	{KeyTLSCA, ""},
	{KeyTLSRequirePeer, "NO"},
	{KeySendBuffer, "16KiB"},
	{KeyReceiveBuffer, "16KiB"},
	{KeyConnTimeout, "30s"},
	{KeySocketTimeout, "5s"},
	{KeySendTimeout, "5s"},
	{KeyEchoTimeout, "5s"},
	{KeyMaxArrayFormatting, "256"},
	{KeyFastBeaconMin, "500ms"},
	{KeyFastBeaconMax, "5s"},
	{KeyMaxBeaconAge, "5m"},
	{KeyEnableIPv6, "NO"},
	{KeyMaxUDPSend, "1440"},
	{KeySearchMin, "500ms"},
	{KeySearchMax, "30s"},
	{KeySearchTick, "225ms"},
	{KeySearchRate, "100"},
	{KeyBeaconPeriod, "15s"},
	{KeyBeaconFastPeriod, "1s"},
	{KeyBeaconFastDuration, "2m"},
	{KeyMonitorQueue, "16"},
}

// Overrides holds explicit values keyed by setting name.
type Overrides map[string]string

// Settings is the resolved configuration. It is built once by Resolve and
// shared by pointer; nothing mutates it afterwards.
type Settings struct {
	AddrList     []string
	AutoAddrList bool
	NameServers  []string
	IntfAddrList []string

	BroadcastPort       uint16
	ServerBroadcastPort uint16
	ServerPort          uint16
	TLSPort             uint16
	MulticastGroup      string
	EnableIPv6          bool

	TLSCertFile        string
	TLSKeyFile         string
	TLSCAFile          string
	TLSRequirePeerCert bool

	SendBufferSize    int
	ReceiveBufferSize int
	MaxUDPSend        int

	ConnTimeout   time.Duration
	SocketTimeout time.Duration
	SendTimeout   time.Duration
	EchoTimeout   time.Duration

	MaxArrayFormatting int
	MonitorQueueSize   int

	FastBeaconMin time.Duration
	FastBeaconMax time.Duration
	MaxBeaconAge  time.Duration

	SearchMinInterval time.Duration
	SearchMaxInterval time.Duration
	SearchTick        time.Duration
	SearchRate        float64

	BeaconPeriod       time.Duration
	BeaconFastPeriod   time.Duration
	BeaconFastDuration time.Duration

	raw     map[string]string
	sources map[string]Source
}

// Resolve layers overrides over the environment over defaults.
func Resolve(overrides Overrides) (*Settings, error) {
	v := viper.New()
	v.AllowEmptyEnv(false)
	for _, d := range defaults {
		v.SetDefault(d.key, d.def)
		if err := v.BindEnv(d.key); err != nil {
			return nil, fmt.Errorf("%w: bind %s: %v", ErrInvalidSetting, d.key, err)
		}
	}
	for key, val := range overrides {
		if !known(key) {
			return nil, fmt.Errorf("%w: unknown setting %q", ErrInvalidSetting, key)
		}
		v.Set(key, val)
	}

	s := &Settings{
		raw:     make(map[string]string, len(defaults)),
		sources: make(map[string]Source, len(defaults)),
	}
	for _, d := range defaults {
		s.raw[d.key] = strings.TrimSpace(v.GetString(d.key))
		switch {
		case hasKey(overrides, d.key):
			s.sources[d.key] = SourceOverride
		case envSet(d.key):
			s.sources[d.key] = SourceEnv
		default:
			s.sources[d.key] = SourceDefault
		}
	}
	if err := s.parse(); err != nil {
		return nil, err
	}
	return s, nil
}

// Default resolves with no overrides and ignores the environment's
// failures by falling back to the built-in values.
func Default() *Settings {
	s, err := Resolve(nil)
	if err == nil {
		return s
	}
	s = &Settings{raw: map[string]string{}, sources: map[string]Source{}}
	for _, d := range defaults {
		s.raw[d.key] = d.def
		s.sources[d.key] = SourceDefault
	}
	if err := s.parse(); err != nil {
		panic(err)
	}
	return s
}

func (s *Settings) parse() error {
	p := parser{raw: s.raw}
	s.AddrList = p.list(KeyAddrList)
	s.AutoAddrList = p.boolean(KeyAutoAddrList)
	s.NameServers = p.list(KeyNameServers)
	s.IntfAddrList = p.list(KeyIntfAddrList)
	s.BroadcastPort = p.port(KeyBroadcastPort)
	s.ServerBroadcastPort = p.port(KeyServerBroadcast)
	s.ServerPort = p.port(KeyServerPort)
	s.TLSPort = p.port(KeyTLSPort)
	s.MulticastGroup = p.str(KeyMulticastGroup)
	s.EnableIPv6 = p.boolean(KeyEnableIPv6)
	s.TLSCertFile = p.str(KeyTLSCert)
	s.TLSKeyFile = p.str(KeyTLSKey)
	s.TLSCAFile = p.str(KeyTLSCA)
	s.TLSRequirePeerCert = p.boolean(KeyTLSRequirePeer)
	s.SendBufferSize = p.bytes(KeySendBuffer)
	s.ReceiveBufferSize = p.bytes(KeyReceiveBuffer)
	s.MaxUDPSend = p.bytes(KeyMaxUDPSend)
	s.ConnTimeout = p.duration(KeyConnTimeout)
	s.SocketTimeout = p.duration(KeySocketTimeout)
	s.SendTimeout = p.duration(KeySendTimeout)
	s.EchoTimeout = p.duration(KeyEchoTimeout)
	s.MaxArrayFormatting = p.integer(KeyMaxArrayFormatting)
	s.MonitorQueueSize = p.integer(KeyMonitorQueue)
	s.FastBeaconMin = p.duration(KeyFastBeaconMin)
	s.FastBeaconMax = p.duration(KeyFastBeaconMax)
	s.MaxBeaconAge = p.duration(KeyMaxBeaconAge)
	s.SearchMinInterval = p.duration(KeySearchMin)
	s.SearchMaxInterval = p.duration(KeySearchMax)
	s.SearchTick = p.duration(KeySearchTick)
	s.SearchRate = p.float(KeySearchRate)
	s.BeaconPeriod = p.duration(KeyBeaconPeriod)
	s.BeaconFastPeriod = p.duration(KeyBeaconFastPeriod)
	s.BeaconFastDuration = p.duration(KeyBeaconFastDuration)
	if p.err != nil {
		return p.err
	}
	return s.validate()
}

func (s *Settings) validate() error {
	switch {
	case s.FastBeaconMin > s.FastBeaconMax:
		return fmt.Errorf("%w: %s %v exceeds %s %v", ErrInvalidSetting, KeyFastBeaconMin, s.FastBeaconMin, KeyFastBeaconMax, s.FastBeaconMax)
	case s.SearchMinInterval <= 0 || s.SearchMinInterval > s.SearchMaxInterval:
		return fmt.Errorf("%w: search interval range %v..%v", ErrInvalidSetting, s.SearchMinInterval, s.SearchMaxInterval)
	case s.SearchTick <= 0:
		return fmt.Errorf("%w: %s must be positive", ErrInvalidSetting, KeySearchTick)
	case s.MaxUDPSend < 64:
		return fmt.Errorf("%w: %s %d too small", ErrInvalidSetting, KeyMaxUDPSend, s.MaxUDPSend)
	case s.MonitorQueueSize < 1:
		return fmt.Errorf("%w: %s must be at least 1", ErrInvalidSetting, KeyMonitorQueue)
	case s.ConnTimeout <= 0:
		return fmt.Errorf("%w: %s must be positive", ErrInvalidSetting, KeyConnTimeout)
	}
	return nil
}

// Source reports where the effective value of key came from.
func (s *Settings) Source(key string) Source { return s.sources[key] }

// Raw returns the effective unparsed value of key.
func (s *Settings) Raw(key string) string { return s.raw[key] }

// Log writes every effective value and its source once.
func (s *Settings) Log(logger zerolog.Logger) {
	for _, d := range defaults {
		logger.Info().
			Str("setting", d.key).
			Str("value", s.raw[d.key]).
			Str("source", string(s.sources[d.key])).
			Msg("effective setting")
	}
}

// TLS projects the TLS material onto a session TLS config.
func (s *Settings) TLS() session.TLSConfig {
	return session.TLSConfig{
		Enabled:         s.TLSCertFile != "" || s.TLSCAFile != "",
		RequirePeerCert: s.TLSRequirePeerCert,
		CAFile:          s.TLSCAFile,
		CertFile:        s.TLSCertFile,
		KeyFile:         s.TLSKeyFile,
	}
}

// Session projects timeouts and buffers onto a session config.
func (s *Settings) Session() session.Config {
	return session.Config{
		ConnectTimeout:    s.SocketTimeout,
		HandshakeTimeout:  s.SocketTimeout,
		WriteTimeout:      s.SocketTimeout,
		ConnTimeout:       s.ConnTimeout,
		EchoTimeout:       s.EchoTimeout,
		SendBufferSize:    s.SendBufferSize,
		ReceiveBufferSize: s.ReceiveBufferSize,
		Backoff: session.BackoffConfig{
			InitialDelay: s.SearchMinInterval,
			Multiplier:   2,
			MaxDelay:     s.SearchMaxInterval,
		},
		TLS: s.TLS(),
	}.WithDefaults()
}

// ErrInvalidSetting is configuration-fatal.
var ErrInvalidSetting = fmt.Errorf("settings: %w", protocol.ErrConfig)

func known(key string) bool {
	for _, d := range defaults {
		if d.key == key {
			return true
		}
	}
	return false
}

func hasKey(o Overrides, key string) bool {
	_, ok := o[key]
	return ok
}

func envSet(key string) bool {
	v, ok := os.LookupEnv(key)
	return ok && v != ""
}
