package config

import (
	"bytes"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// SetupLogging configures logrus for a command.  DEBUG=1 selects
// debug level with caller and goroutine id on every line; otherwise
// level applies.
func SetupLogging(level log.Level) {
	formatter := &log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.999999999",
	}
	if os.Getenv("DEBUG") == "1" {
		level = log.DebugLevel
		log.SetReportCaller(true)
		formatter.CallerPrettyfier = caller()
	}
	log.SetLevel(level)
	log.SetFormatter(formatter)
}

// caller returns string presentation of log caller which is formatted as
// `/path/to/file.go:line_number`. e.g. `/internal/app/api.go:25`
func caller() func(*runtime.Frame) (function string, file string) {
	return func(f *runtime.Frame) (function string, file string) {
		p, _ := os.Getwd()
		return "", fmt.Sprintf("%s:%d gid %d", strings.TrimPrefix(f.File, p), f.Line, GetGID())
	}
}

// GetGID returns the goroutine ID of its calling function, for logging purposes.
func GetGID() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	b = b[:bytes.IndexByte(b, ' ')]
	n, _ := strconv.ParseUint(string(b), 10, 64)
	return n
}
