package modbus

import (
	"fmt"
	"log"
	"os"
)

// logger is a tiny logging shim used by every transport, the master
// and the slave. It writes to os.Stdout unless a caller-supplied
// *log.Logger is attached, in which case output goes there instead.
type logger struct {
	prefix       string
	customLogger *log.Logger
}

func newLogger(prefix string, customLogger *log.Logger) (l *logger) {
	l = &logger{
		prefix:       prefix,
		customLogger: customLogger,
	}

	return
}

func (l *logger) Info(msg string) {
	l.write(fmt.Sprintf("%s [info]: %s\n", l.prefix, msg))
}

func (l *logger) Infof(format string, msg ...interface{}) {
	l.write(fmt.Sprintf("%s [info]: %s\n", l.prefix, fmt.Sprintf(format, msg...)))
}

func (l *logger) Warning(msg string) {
	l.write(fmt.Sprintf("%s [warn]: %s\n", l.prefix, msg))
}

func (l *logger) Warningf(format string, msg ...interface{}) {
	l.write(fmt.Sprintf("%s [warn]: %s\n", l.prefix, fmt.Sprintf(format, msg...)))
}

func (l *logger) Error(msg string) {
	l.write(fmt.Sprintf("%s [error]: %s\n", l.prefix, msg))
}

func (l *logger) Errorf(format string, msg ...interface{}) {
	l.write(fmt.Sprintf("%s [error]: %s\n", l.prefix, fmt.Sprintf(format, msg...)))
}

func (l *logger) write(msg string) {
	if l.customLogger == nil {
		os.Stdout.WriteString(msg)
	} else {
		l.customLogger.Print(msg)
	}
}
