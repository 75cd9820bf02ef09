package envutil

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Each helper leaves *dst untouched when the variable is unset or unparseable.

func String(name string, dst *string) {
	if v, ok := lookup(name); ok {
		*dst = v
	}
}

func Int(name string, dst *int) {
	if v, ok := lookup(name); ok {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func Int64(name string, dst *int64) {
	if v, ok := lookup(name); ok {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = i
		}
	}
}

func Float(name string, dst *float64) {
	if v, ok := lookup(name); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func Bool(name string, dst *bool) {
	if v, ok := lookup(name); ok {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		}
	}
}

func Duration(name string, dst *time.Duration) {
	if v, ok := lookup(name); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// List splits a comma-separated value, dropping blanks.
func List(name string, dst *[]string) {
	v, ok := lookup(name)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) > 0 {
		*dst = out
	}
}

func lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}
