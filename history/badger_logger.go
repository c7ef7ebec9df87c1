package history

import "go.uber.org/zap"

// badgerLogger adapts the sugared logger to badger's logging interface.
type badgerLogger struct {
	logger *zap.SugaredLogger
}

func newBadgerLogger(logger *zap.SugaredLogger) *badgerLogger {
	return &badgerLogger{
		logger: logger,
	}
}

func (l *badgerLogger) Errorf(format string, v ...interface{}) {
	l.logger.Errorf(format, v...)
}

func (l *badgerLogger) Infof(format string, v ...interface{}) {
	l.logger.Infof(format, v...)
}

func (l *badgerLogger) Warningf(format string, v ...interface{}) {
	l.logger.Warnf(format, v...)
}

func (l *badgerLogger) Debugf(format string, v ...interface{}) {
	l.logger.Debugf(format, v...)
}
