/*
Copyright MatrixInfer-AI Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	logSubsys = "subsys"

	DefaultLoggerName  = "default"
	FileOnlyLoggerName = "fileOnly"
)

var (
	defaultLogLevel = logrus.InfoLevel
	defaultLogFile  = "/var/log/pd-router/access.log"

	defaultLogFormat = &logrus.TextFormatter{
		DisableColors:    true,
		DisableTimestamp: false,
		FullTimestamp:    true,
	}

	defaultLogger = initDefaultLogger()

	fileLoggerOnce sync.Once
	fileOnlyLogger *logrus.Logger

	loggerMu  sync.RWMutex
	loggerMap = map[string]*logrus.Logger{
		DefaultLoggerName: defaultLogger,
	}
)

// SetLoggerLevel changes the level of a named logger.
func SetLoggerLevel(loggerName string, level logrus.Level) error {
	loggerMu.RLock()
	logger, exists := loggerMap[loggerName]
	loggerMu.RUnlock()
	if !exists || logger == nil {
		return fmt.Errorf("logger %s does not exist", loggerName)
	}
	logger.SetLevel(level)
	return nil
}

// SetLevelByName parses a level such as "debug" and applies it to the default logger.
func SetLevelByName(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	return SetLoggerLevel(DefaultLoggerName, lvl)
}

func GetLoggerLevel(loggerName string) (logrus.Level, error) {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	logger, exists := loggerMap[loggerName]
	if !exists || logger == nil {
		return 0, fmt.Errorf("logger %s does not exist", loggerName)
	}
	return logger.Level, nil
}

func GetLoggerNames() []string {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	names := make([]string, 0, len(loggerMap))
	for loggerName := range loggerMap {
		names = append(names, loggerName)
	}
	sort.Strings(names)
	return names
}

// SetOutput redirects the default logger, mostly used by tests.
func SetOutput(w io.Writer) {
	defaultLogger.SetOutput(w)
}

func initDefaultLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(defaultLogFormat)
	logger.SetLevel(defaultLogLevel)
	return logger
}

// SetFileLoggerPath overrides the file used by the file only logger. It must
// be called before the first NewFileLogger call to take effect.
func SetFileLoggerPath(path string) {
	if path != "" {
		defaultLogFile = path
	}
}

func initFileLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)
	logFilePath := defaultLogFile
	path, fileName := filepath.Split(logFilePath)
	if err := os.MkdirAll(path, 0o700); err != nil {
		defaultLogger.Warnf("failed to create log directory %s: %v, falling back to working directory", path, err)
		logFilePath = fileName
	}

	logfile := &lumberjack.Logger{
		Filename:   logFilePath,
		MaxSize:    500, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   false,
	}
	logger.SetOutput(io.Writer(logfile))
	return logger
}

// NewLogger allocates a new log entry for a specific scope.
func NewLogger(subsys string) *logrus.Entry {
	if subsys == "" {
		return logrus.NewEntry(defaultLogger)
	}
	return defaultLogger.WithField(logSubsys, subsys)
}

// NewFileLogger returns an entry that writes only to the rotating log file.
func NewFileLogger(pkgSubsys string) *logrus.Entry {
	fileLoggerOnce.Do(func() {
		fileOnlyLogger = initFileLogger()
		loggerMu.Lock()
		loggerMap[FileOnlyLoggerName] = fileOnlyLogger
		loggerMu.Unlock()
	})
	if pkgSubsys == "" {
		return logrus.NewEntry(fileOnlyLogger)
	}
	return fileOnlyLogger.WithField(logSubsys, pkgSubsys)
}
