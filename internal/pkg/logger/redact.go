package logger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const redacted = "[REDACTED]"

var secretKeyParts = []string{"token", "authorization", "secret", "api_key", "apikey", "password", "email"}

// Redact wraps core so that fields are scrubbed on With and Write. Export owners are
// identified by a salted hash of their user id.
func Redact(core zapcore.Core, salt string) zapcore.Core {
	return &redactCore{Core: core, salt: salt}
}

type redactCore struct {
	zapcore.Core
	salt string
}

func (c *redactCore) With(fields []zapcore.Field) zapcore.Core {
	return &redactCore{Core: c.Core.With(c.scrub(fields)), salt: c.salt}
}

func (c *redactCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(e.Level) {
		return ce.AddCore(e, c)
	}
	return ce
}

func (c *redactCore) Write(e zapcore.Entry, fields []zapcore.Field) error {
	return c.Core.Write(e, c.scrub(fields))
}

// scrub copies fields only when one of them changes.
func (c *redactCore) scrub(fields []zapcore.Field) []zapcore.Field {
	out, copied := fields, false
	for i, f := range fields {
		nf, changed := c.field(f)
		if !changed {
			continue
		}
		if !copied {
			out, copied = append([]zapcore.Field(nil), fields...), true
		}
		out[i] = nf
	}
	return out
}

func (c *redactCore) field(f zapcore.Field) (zapcore.Field, bool) {
	key := strings.ToLower(f.Key)
	switch {
	case isSecretKey(key):
		return zap.String(f.Key, redacted), true
	case strings.Contains(key, "user_id"):
		return zap.String(f.Key, c.pseudonym(fieldText(f))), true
	case f.Type == zapcore.StringType && looksLikeJWT(f.String):
		return zap.String(f.Key, redacted), true
	}
	return f, false
}

func isSecretKey(key string) bool {
	for _, part := range secretKeyParts {
		if !strings.Contains(key, part) {
			continue
		}
		// prompt_tokens, token_count and friends are usage numbers
		if part == "token" && (strings.HasSuffix(key, "tokens") || strings.Contains(key, "token_count")) {
			continue
		}
		return true
	}
	return false
}

func (c *redactCore) pseudonym(v string) string {
	if v == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(c.salt + v))
	return "hash:" + hex.EncodeToString(sum[:6])
}

func fieldText(f zapcore.Field) string {
	switch f.Type {
	case zapcore.StringType:
		return f.String
	case zapcore.StringerType:
		if s, ok := f.Interface.(fmt.Stringer); ok {
			return s.String()
		}
	case zapcore.Int64Type, zapcore.Int32Type, zapcore.Int16Type, zapcore.Int8Type:
		return strconv.FormatInt(f.Integer, 10)
	}
	if f.Interface != nil {
		return fmt.Sprint(f.Interface)
	}
	return ""
}

func looksLikeJWT(s string) bool {
	parts := strings.Split(s, ".")
	return len(parts) == 3 && len(parts[0]) > 10 && len(parts[1]) > 10
}
