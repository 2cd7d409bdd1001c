package model

import (
	"fmt"
	"strings"
	"time"
)

type BarSize uint8

const (
	Tick BarSize = iota
	OneSecond
	FiveSeconds
	FifteenSeconds
	ThirtySeconds
	OneMinute
	FiveMinutes
	FifteenMinutes
	ThirtyMinutes
	OneHour
	OneDay
)

var barSizeNames = [...]string{
	Tick:           "tick",
	OneSecond:      "1s",
	FiveSeconds:    "5s",
	FifteenSeconds: "15s",
	ThirtySeconds:  "30s",
	OneMinute:      "1m",
	FiveMinutes:    "5m",
	FifteenMinutes: "15m",
	ThirtyMinutes:  "30m",
	OneHour:        "1h",
	OneDay:         "1d",
}

func (b BarSize) String() string {
	if int(b) < len(barSizeNames) {
		return barSizeNames[b]
	}
	return fmt.Sprintf("barsize(%d)", uint8(b))
}

// Duration tick 返回 0
func (b BarSize) Duration() time.Duration {
	switch b {
	case OneSecond:
		return time.Second
	case FiveSeconds:
		return 5 * time.Second
	case FifteenSeconds:
		return 15 * time.Second
	case ThirtySeconds:
		return 30 * time.Second
	case OneMinute:
		return time.Minute
	case FiveMinutes:
		return 5 * time.Minute
	case FifteenMinutes:
		return 15 * time.Minute
	case ThirtyMinutes:
		return 30 * time.Minute
	case OneHour:
		return time.Hour
	case OneDay:
		return 24 * time.Hour
	default:
		return 0
	}
}

func ParseBarSize(s string) (BarSize, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range barSizeNames {
		if name == s {
			return BarSize(i), nil
		}
	}
	switch s {
	case "fiveseconds", "five_seconds":
		return FiveSeconds, nil
	case "oneminute", "one_minute":
		return OneMinute, nil
	}
	return 0, fmt.Errorf("unknown bar size %q", s)
}

func (b BarSize) MarshalText() ([]byte, error) { return []byte(b.String()), nil }

func (b *BarSize) UnmarshalText(text []byte) error {
	v, err := ParseBarSize(string(text))
	if err != nil {
		return err
	}
	*b = v
	return nil
}
