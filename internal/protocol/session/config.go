package session

import "time"

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// Jitter spreads each delay uniformly by this fraction (0.1 = ±10%).
	Jitter float64
}

// TLSConfig names the TLS material for one end of a session.
type TLSConfig struct {
	Enabled            bool
	RequirePeerCert    bool
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// Config defines session reliability defaults.
type Config struct {
	ConnectTimeout    time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	ConnTimeout       time.Duration
	EchoTimeout       time.Duration
	SendBufferSize    int
	ReceiveBufferSize int
	QueueDepth        int
	Backoff           BackoffConfig
	TLS               TLSConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    5 * time.Second,
		HandshakeTimeout:  5 * time.Second,
		WriteTimeout:      5 * time.Second,
		ConnTimeout:       30 * time.Second,
		EchoTimeout:       5 * time.Second,
		SendBufferSize:    16 * 1024,
		ReceiveBufferSize: 16 * 1024,
		QueueDepth:        256,
		Backoff: BackoffConfig{
			InitialDelay: 500 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     30 * time.Second,
		},
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ConnTimeout <= 0 {
		c.ConnTimeout = d.ConnTimeout
	}
	if c.EchoTimeout <= 0 {
		c.EchoTimeout = d.EchoTimeout
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = d.SendBufferSize
	}
	if c.ReceiveBufferSize <= 0 {
		c.ReceiveBufferSize = d.ReceiveBufferSize
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = d.QueueDepth
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = d.Backoff
	}
	return c
}
