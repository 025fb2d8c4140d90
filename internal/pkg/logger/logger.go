// Package logger is a thin facade over logrus: JSON entries on stderr with
// key-value fields, plus phone number redaction applied to every field
// value. Redaction stays on unless the deployment opts out.
package logger

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

var std = newLogger()

// redactPII is set once at startup, before any concurrent logging.
var redactPII = true

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.JSONFormatter{})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// ParseLevel maps a config string to a logrus level. Unknown values fall
// back to info rather than failing startup.
func ParseLevel(s string) logrus.Level {
	level, err := logrus.ParseLevel(strings.TrimSpace(s))
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// SetLevel sets the minimum level emitted.
func SetLevel(level logrus.Level) { std.SetLevel(level) }

// SetRedactPII enables or disables phone number redaction.
func SetRedactPII(r bool) { redactPII = r }

// Debug emits a debug entry with key-value fields.
func Debug(msg string, kv ...interface{}) { std.WithFields(fieldsFrom(kv)).Debug(msg) }

// Info emits an info entry with key-value fields.
func Info(msg string, kv ...interface{}) { std.WithFields(fieldsFrom(kv)).Info(msg) }

// Warn emits a warning entry with key-value fields.
func Warn(msg string, kv ...interface{}) { std.WithFields(fieldsFrom(kv)).Warn(msg) }

// Error emits an error entry with key-value fields.
func Error(msg string, kv ...interface{}) { std.WithFields(fieldsFrom(kv)).Error(msg) }

// Critical emits an error entry flagged critical. Reserved for
// operation-level dispatch failures that need operator attention.
func Critical(msg string, kv ...interface{}) {
	fields := fieldsFrom(kv)
	fields["critical"] = true
	std.WithFields(fields).Error(msg)
}

// fieldsFrom converts variadic key-value pairs into logrus fields,
// redacting phone numbers on the way. A trailing key with no value is
// dropped.
func fieldsFrom(kv []interface{}) logrus.Fields {
	fields := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key := fmt.Sprintf("%v", kv[i])
		val := fmt.Sprintf("%v", kv[i+1])
		if redactPII {
			val = redactValue(key, val)
		}
		fields[key] = val
	}
	return fields
}

var phoneRegex = regexp.MustCompile(`\+?\d[\d\s-]{7,17}\d`)

// redactValue masks the whole value for fields named after recipients and
// any embedded phone number in the rest.
func redactValue(key, val string) string {
	key = strings.ToLower(key)
	if strings.Contains(key, "phone") || strings.Contains(key, "number") || strings.Contains(key, "recipient") {
		return RedactPhone(val)
	}
	return phoneRegex.ReplaceAllStringFunc(val, RedactPhone)
}
