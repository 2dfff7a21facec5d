package daemonutil

import (
	"io"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogFileName is the daemon's log file name under WORKDIR.
const LogFileName = "server.log"

const (
	logMaxSizeMB  = 1
	logMaxBackups = 5
)

// LogFilePath returns the conventional log file location under workdir.
func LogFilePath(workdir string) string {
	return filepath.Join(workdir, LogFileName)
}

// NewLogWriter returns a size-rotating writer for the daemon log: 1 MB per
// file, 5 backups kept.
func NewLogWriter(path string) io.WriteCloser {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    logMaxSizeMB,
		MaxBackups: logMaxBackups,
	}
}
