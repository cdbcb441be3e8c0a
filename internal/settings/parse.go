package settings

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// parser records the first failure; later calls become no-ops.
type parser struct {
	raw map[string]string
	err error
}

func (p *parser) fail(key, val string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("%w: %s=%q: %v", ErrInvalidSetting, key, val, err)
	}
}

func (p *parser) str(key string) string { return p.raw[key] }

// list splits on whitespace and commas.
func (p *parser) list(key string) []string {
	fields := strings.FieldsFunc(p.raw[key], func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func (p *parser) boolean(key string) bool {
	val := p.raw[key]
	switch strings.ToLower(val) {
	case "yes", "y", "true", "1", "on":
		return true
	case "no", "n", "false", "0", "off", "":
		return false
	}
	p.fail(key, val, fmt.Errorf("not a boolean"))
	return false
}

func (p *parser) integer(key string) int {
	val := p.raw[key]
	n, err := strconv.Atoi(val)
	if err != nil {
		p.fail(key, val, err)
	}
	return n
}

func (p *parser) float(key string) float64 {
	val := p.raw[key]
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		p.fail(key, val, err)
	}
	return f
}

func (p *parser) port(key string) uint16 {
	val := p.raw[key]
	n, err := strconv.Atoi(val)
	if err != nil {
		p.fail(key, val, err)
		return 0
	}
	if n < 1 || n > 65535 {
		p.fail(key, val, fmt.Errorf("port out of range"))
		return 0
	}
	return uint16(n)
}

// bytes accepts plain integers and humanized sizes such as 16KiB.
func (p *parser) bytes(key string) int {
	val := p.raw[key]
	n, err := humanize.ParseBytes(val)
	if err != nil {
		p.fail(key, val, err)
		return 0
	}
	if n > 1<<31-1 {
		p.fail(key, val, fmt.Errorf("size too large"))
		return 0
	}
	return int(n)
}

// duration accepts Go durations and plain (fractional) seconds.
func (p *parser) duration(key string) time.Duration {
	val := p.raw[key]
	if secs, err := strconv.ParseFloat(val, 64); err == nil {
		if secs < 0 {
			p.fail(key, val, fmt.Errorf("negative duration"))
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		p.fail(key, val, err)
		return 0
	}
	if d < 0 {
		p.fail(key, val, fmt.Errorf("negative duration"))
		return 0
	}
	return d
}
