package log

import (
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Verbosity levels. Level 0 messages are always emitted; higher levels
// are emitted only when the global log level is at least that high.
const (
	LEVEL_0 = iota
	LEVEL_1
	LEVEL_2
	LEVEL_3
	LEVEL_4
	LEVEL_5
)

var globalLogLevel uint32 = LEVEL_2

func SetGlobalLogLevel(level uint) {
	if level > LEVEL_5 {
		level = LEVEL_5
	}
	atomic.StoreUint32(&globalLogLevel, uint32(level))
	if level >= LEVEL_3 {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
}

func GlobalLogLevel() uint {
	return uint(atomic.LoadUint32(&globalLogLevel))
}

// Logger carries a fixed set of fields appended to every line.
type Logger struct {
	Fields logrus.Fields
}

func NewLogger() *Logger {
	return &Logger{Fields: logrus.Fields{}}
}

func (l *Logger) entry() *logrus.Entry {
	return logrus.WithFields(l.Fields)
}

func (l *Logger) infoLeveled(level uint, message string) {
	if GlobalLogLevel() < level {
		return
	}
	l.entry().Info(message)
}

func (l *Logger) Info0(message string)                   { l.infoLeveled(LEVEL_0, message) }
func (l *Logger) Info1(message string)                   { l.infoLeveled(LEVEL_1, message) }
func (l *Logger) Info2(message string)                   { l.infoLeveled(LEVEL_2, message) }
func (l *Logger) Infof0(format string, v ...interface{}) { l.Info0(fmt.Sprintf(format, v...)) }
func (l *Logger) Infof1(format string, v ...interface{}) { l.Info1(fmt.Sprintf(format, v...)) }
func (l *Logger) Infof2(format string, v ...interface{}) { l.Info2(fmt.Sprintf(format, v...)) }

func (l *Logger) Debug(message string) {
	if GlobalLogLevel() < LEVEL_3 {
		return
	}
	l.entry().Debug(message)
}

func (l *Logger) Debugf(format string, v ...interface{}) { l.Debug(fmt.Sprintf(format, v...)) }

func (l *Logger) Trace(v ...interface{}) {
	if GlobalLogLevel() < LEVEL_5 {
		return
	}
	l.entry().Debug(fmt.Sprint(v...))
}

func (l *Logger) Warn(message string)                    { l.entry().Warn(message) }
func (l *Logger) Warnf(format string, v ...interface{})  { l.Warn(fmt.Sprintf(format, v...)) }
func (l *Logger) Error(message string)                   { l.entry().Error(message) }
func (l *Logger) Errorf(format string, v ...interface{}) { l.Error(fmt.Sprintf(format, v...)) }
func (l *Logger) Fatalf(format string, v ...interface{}) { l.entry().Fatalf(format, v...) }

var defaultLogger = NewLogger()

func Info0(message string)                   { defaultLogger.Info0(message) }
func Info1(message string)                   { defaultLogger.Info1(message) }
func Info2(message string)                   { defaultLogger.Info2(message) }
func Infof0(format string, v ...interface{}) { defaultLogger.Infof0(format, v...) }
func Infof1(format string, v ...interface{}) { defaultLogger.Infof1(format, v...) }
func Infof2(format string, v ...interface{}) { defaultLogger.Infof2(format, v...) }
func Debug(message string)                   { defaultLogger.Debug(message) }
func Debugf(format string, v ...interface{}) { defaultLogger.Debugf(format, v...) }
func Trace(v ...interface{})                 { defaultLogger.Trace(v...) }
func Warn(message string)                    { defaultLogger.Warn(message) }
func Warnf(format string, v ...interface{})  { defaultLogger.Warnf(format, v...) }
func Error(message string)                   { defaultLogger.Error(message) }
func Errorf(format string, v ...interface{}) { defaultLogger.Errorf(format, v...) }
func Fatalf(format string, v ...interface{}) { defaultLogger.Fatalf(format, v...) }

func InfoMap(tags map[string]interface{}, message string) {
	logrus.WithFields(logrus.Fields(tags)).Info(message)
}

func DebugMap(tags map[string]interface{}, message string) {
	if GlobalLogLevel() < LEVEL_3 {
		return
	}
	logrus.WithFields(logrus.Fields(tags)).Debug(message)
}
