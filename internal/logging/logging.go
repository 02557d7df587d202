package logging

import (
	"log"
	"os"
	"strings"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelError
)

var current Level = LevelInfo

// InitFromEnv sets the log level based on LOG_LEVEL (debug|info|error).
func InitFromEnv() {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "error":
		current = LevelError
	case "debug":
		current = LevelDebug
	default:
		current = LevelInfo
	}
}

func Debugf(format string, args ...interface{}) {
	if current <= LevelDebug {
		log.Printf(format, args...)
	}
}

func Infof(format string, args ...interface{}) {
	if current <= LevelInfo {
		log.Printf(format, args...)
	}
}

func Errorf(format string, args ...interface{}) {
	log.Printf(format, args...)
}

func Fatalf(format string, args ...interface{}) {
	log.Fatalf(format, args...)
}

// Component returns a logger that prefixes every line with the
// component tag, e.g. "[scheduler]".
func Component(name string) *Tagged {
	return &Tagged{prefix: "[" + name + "] "}
}

// Tagged is a component-scoped logger.
type Tagged struct {
	prefix string
}

func (t *Tagged) Debugf(format string, args ...interface{}) {
	Debugf(t.prefix+format, args...)
}

func (t *Tagged) Infof(format string, args ...interface{}) {
	Infof(t.prefix+format, args...)
}

func (t *Tagged) Errorf(format string, args ...interface{}) {
	Errorf(t.prefix+format, args...)
}
