package log

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// fileHookBufferSize bounds the loglines channel; Fire blocks once the
// listener falls this far behind.
const fileHookBufferSize = 100

// fileHook mirrors every log entry into a local file. Stderr stays the
// primary stream; the file is for post-mortem reading of long sessions.
type fileHook struct {
	fs             afero.Fs
	fallbackLogger logrus.FieldLogger
	loglines       chan []byte
	path           string
	w              io.WriteCloser
	bw             *bufio.Writer
	levels         []logrus.Level
}

// AsyncHook is a logrus hook with a background flush loop.
type AsyncHook interface {
	logrus.Hook
	Listen(ctx context.Context)
}

// NewFileHook opens path for appending and returns a hook that copies
// entries at or above minLevel into it. Run Listen to start flushing.
func NewFileHook(fsys afero.Fs, path, minLevel string, fallback logrus.FieldLogger) (AsyncHook, error) {
	levels, err := parseLevels(minLevel)
	if err != nil {
		return nil, err
	}

	hook := &fileHook{
		fs:             fsys,
		fallbackLogger: fallback,
		levels:         levels,
		loglines:       make(chan []byte, fileHookBufferSize),
		path:           path,
	}
	if err := hook.openFile(); err != nil {
		return nil, err
	}
	return hook, nil
}

func (h *fileHook) openFile() error {
	path := h.path
	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("%q is a relative path but could not determine CWD: %w", path, err)
		}
		path = filepath.Join(cwd, path)
	}

	if _, err := h.fs.Stat(filepath.Dir(path)); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("log directory %q does not exist", filepath.Dir(path))
	}

	file, err := h.fs.OpenFile(path, syscall.O_WRONLY|syscall.O_APPEND|syscall.O_CREAT, 0o600)
	if err != nil {
		return fmt.Errorf("opening logfile %s: %w", path, err)
	}

	h.w = file
	h.bw = bufio.NewWriter(file)

	return nil
}

// Listen flushes queued lines until ctx is cancelled, then drains the
// buffered remainder and closes the file.
func (h *fileHook) Listen(ctx context.Context) {
	for {
		select {
		case entry := <-h.loglines:
			if _, err := h.bw.Write(entry); err != nil {
				h.fallbackLogger.Errorf("writing log line to file: %v", err)
			}
		case <-ctx.Done():
		drainloop:
			for {
				select {
				case entry := <-h.loglines:
					if _, err := h.bw.Write(entry); err != nil {
						h.fallbackLogger.Errorf("writing log line to file: %v", err)
					}
				default:
					break drainloop
				}
			}

			if err := h.bw.Flush(); err != nil {
				h.fallbackLogger.Errorf("flushing logfile: %v", err)
			}

			if err := h.w.Close(); err != nil {
				h.fallbackLogger.Errorf("closing logfile: %v", err)
			}

			return
		}
	}
}

// Fire queues one rendered entry for the listener.
func (h *fileHook) Fire(entry *logrus.Entry) error {
	message, err := entry.Bytes()
	if err != nil {
		return fmt.Errorf("rendering log entry: %w", err)
	}

	h.loglines <- message
	return nil
}

// Levels returns the levels the hook is subscribed to.
func (h *fileHook) Levels() []logrus.Level {
	return h.levels
}
