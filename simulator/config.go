package main

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"strconv"
	"time"
)

// Config is the simulator's externally tunable surface, read from the
// environment. Injection rates are clamped to [0,1] downstream.
type Config struct {
	Devices         int
	EventsPerSecond int
	DropConnEvery   time.Duration
	DupRate         float64
	OOORate         float64

	WSAddr  string
	APIAddr string

	// Optional backends. Empty means in-process defaults.
	RedisAddr     string
	DatabaseURL   string
	IdemRetention time.Duration // 0 = keep keys forever
}

// LoadConfig reads configuration from the environment, falling back to the
// standard demo profile (2000 devices, 1200 eps, 60s forced drops, 1% fault
// rates). Unparseable values are logged and ignored.
func LoadConfig() Config {
	cfg := Config{
		Devices:         2000,
		EventsPerSecond: 1200,
		DropConnEvery:   60 * time.Second,
		DupRate:         0.01,
		OOORate:         0.01,
		WSAddr:          ":4001",
		APIAddr:         ":4002",
	}

	intVar(&cfg.Devices, "PULSE_DEVICES")
	intVar(&cfg.EventsPerSecond, "PULSE_EPS")
	floatVar(&cfg.DupRate, "PULSE_DUP_RATE")
	floatVar(&cfg.OOORate, "PULSE_OOO_RATE")
	stringVar(&cfg.WSAddr, "PULSE_WS_ADDR")
	stringVar(&cfg.APIAddr, "PULSE_API_ADDR")
	stringVar(&cfg.RedisAddr, "PULSE_REDIS_ADDR")
	stringVar(&cfg.DatabaseURL, "PULSE_DATABASE_URL")

	if v := os.Getenv("PULSE_DROP_CONN_EVERY"); v != "" {
		d, err := parseDropEvery(v)
		if err != nil {
			log.Printf("[CONFIG] PULSE_DROP_CONN_EVERY=%q: %v (keeping %v)", v, err, cfg.DropConnEvery)
		} else {
			cfg.DropConnEvery = d
		}
	}
	if v := os.Getenv("PULSE_IDEM_RETENTION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			log.Printf("[CONFIG] PULSE_IDEM_RETENTION=%q ignored", v)
		} else {
			cfg.IdemRetention = d
		}
	}
	return cfg
}

var dropEveryRE = regexp.MustCompile(`^(\d+)(ms|s|m)$`)

// parseDropEvery accepts a compact Nms/Ns/Nm duration grammar, plus a bare
// number meaning milliseconds. "0" disables forced drops.
func parseDropEvery(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative duration")
		}
		return time.Duration(n) * time.Millisecond, nil
	}
	m := dropEveryRE.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("want <number>(ms|s|m)")
	}
	n, _ := strconv.Atoi(m[1])
	switch m[2] {
	case "ms":
		return time.Duration(n) * time.Millisecond, nil
	case "s":
		return time.Duration(n) * time.Second, nil
	default:
		return time.Duration(n) * time.Minute, nil
	}
}

func intVar(dst *int, name string) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("[CONFIG] %s=%q ignored", name, v)
		return
	}
	*dst = n
}

func floatVar(dst *float64, name string) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[CONFIG] %s=%q ignored", name, v)
		return
	}
	*dst = f
}

func stringVar(dst *string, name string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}
