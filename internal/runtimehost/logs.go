package runtimehost

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/deployengine/core/internal/deploy/capability"
)

// FileLoggerFactory writes each deployment's raw stdout/stderr lines to its
// own file under root, mirroring pkg/logger's file-output mode but scoped
// per deployment rather than per process.
type FileLoggerFactory struct {
	root string
}

// NewFileLoggerFactory builds a FileLoggerFactory rooted at root.
func NewFileLoggerFactory(root string) *FileLoggerFactory {
	return &FileLoggerFactory{root: root}
}

// GetLogger implements capability.RuntimeLoggerFactory.
func (f *FileLoggerFactory) GetLogger(id uuid.UUID) capability.RuntimeLogger {
	return &fileLogger{path: filepath.Join(f.root, fmt.Sprintf("%s.log", id.String()))}
}

type fileLogger struct {
	mu   sync.Mutex
	path string
	file *os.File
}

func (l *fileLogger) WriteLine(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
			return
		}
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return
		}
		l.file = f
	}
	fmt.Fprintln(l.file, line)
}
