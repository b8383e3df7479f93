package internal

import (
	"fmt"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// NewRetryLogger lets a retryablehttp client log through logrus, keeping
// request chatter at debug level.
func NewRetryLogger(logger logrus.FieldLogger) retryablehttp.LeveledLogger {
	return &retryLogger{logger: logger}
}

type retryLogger struct {
	logger logrus.FieldLogger
}

func (l *retryLogger) with(keysAndValues []interface{}) logrus.FieldLogger {
	entry := l.logger
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		entry = entry.WithField(fmt.Sprint(keysAndValues[i]), keysAndValues[i+1])
	}

	return entry
}

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Error(msg)
}

func (l *retryLogger) Info(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Info(msg)
}

func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Debug(msg)
}

func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Warn(msg)
}
