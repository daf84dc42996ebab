package config

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	logg *logrus.Logger
)

func GetLogger() *logrus.Logger {
	return logg
}

func init() {
	logg = logrus.New()
	logg.SetFormatter(&logrus.JSONFormatter{})
	logg.SetLevel(LogLevel(os.Getenv("LOG_LEVEL")))
	logg.SetOutput(os.Stdout)
}

// LogLevel parses a LOG_LEVEL value; anything unrecognised is info.
func LogLevel(v string) logrus.Level {
	lvl, err := logrus.ParseLevel(strings.TrimSpace(v))
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

func LogError(logger logrus.FieldLogger, moduleName string, funcName string, context string, data any, err error) {
	fields := logrus.Fields{
		"module":   moduleName,
		"funcName": funcName,
		"context":  context,
	}
	if data != nil {
		fields["data"] = data
	}
	logger.WithFields(fields).Error(err.Error())
}
