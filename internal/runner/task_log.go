// internal/runner/task_log.go
package runner

import (
	"bytes"
	"sync"
)

// taskLog appends everything written to it to the log of one attempt and
// remembers the position of the last chunk
type taskLog struct {
	logs     LogStore
	logPath  string
	mu       sync.Mutex
	position string
}

func newTaskLog(logs LogStore, logPath, position string) *taskLog {
	return &taskLog{
		logs:     logs,
		logPath:  logPath,
		position: position,
	}
}

func (l *taskLog) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	position, err := l.logs.Append(l.logPath, bytes.Clone(p))
	if err != nil {
		return 0, err
	}
	l.position = position
	return len(p), nil
}

func (l *taskLog) Position() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.position
}
