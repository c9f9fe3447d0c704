package core

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
)

// SetupLogging configures log output to both stdout and a file named
// filename inside logDir. Relative file paths referenced elsewhere in the
// logging configuration are expected to be resolved against logDir by the
// caller before this is invoked. The caller should close the returned
// io.Closer on shutdown.
func SetupLogging(logDir, filename string) (io.Closer, error) {
	dir := logDir
	if dir == "" {
		dir = "./"
	}
	if filename == "" {
		filename = "worker.log"
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log dir %s: %w", dir, err)
	}

	path := filepath.Join(dir, filename)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}

	mw := io.MultiWriter(os.Stdout, f)
	log.SetOutput(mw)
	gin.DefaultWriter = mw
	gin.DefaultErrorWriter = mw

	return f, nil
}
