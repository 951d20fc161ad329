package chatsync

import (
	"github.com/sirupsen/logrus"
)

func defaultLogger(l logrus.FieldLogger) logrus.FieldLogger {
	if l == nil {
		return logrus.StandardLogger()
	}
	return l
}

func componentLogger(l logrus.FieldLogger, component string) logrus.FieldLogger {
	return defaultLogger(l).WithField("component", component)
}
