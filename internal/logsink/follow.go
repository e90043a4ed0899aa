package logsink

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// followPoll backs up fsnotify on filesystems that miss write events.
const followPoll = 500 * time.Millisecond

// Follow emits the last n lines of the log at path, then every line appended
// afterwards until ctx is done. It only opens the file for reading, so the
// writer and other readers are never blocked. Rotation is detected by a
// changed file identity or a shrinking size, after which the new active file
// is read from its start.
func Follow(ctx context.Context, path string, n int, emit func(string)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		return err
	}

	f := &follower{path: filepath.Clean(path), emit: emit}
	if err := f.start(n); err != nil {
		return err
	}
	defer f.close()

	poll := time.NewTicker(followPoll)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			f.check()
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) == f.path {
				f.check()
			}
		case _, ok := <-w.Errors:
			if !ok {
				return nil
			}
		case <-poll.C:
			f.check()
		}
	}
}

type follower struct {
	path    string
	emit    func(string)
	file    *os.File
	info    os.FileInfo
	offset  int64
	partial []byte
}

func (f *follower) start(n int) error {
	file, err := os.Open(f.path) // #nosec G304 -- path is a managed log file
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	fi, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return err
	}
	lines, end, err := tailAt(file, fi.Size(), n)
	if err != nil {
		_ = file.Close()
		return err
	}
	for _, l := range lines {
		f.emit(l)
	}
	f.file, f.info, f.offset = file, fi, end
	return nil
}

func (f *follower) check() {
	fi, err := os.Stat(f.path)
	if err != nil {
		// active file moved away mid-rotation; finish what the old handle holds
		f.read()
		return
	}
	if f.file == nil {
		f.openFromStart()
		f.read()
		return
	}
	if !os.SameFile(fi, f.info) {
		f.read()
		f.close()
		f.openFromStart()
	} else if fi.Size() < f.offset {
		f.offset = 0
		f.partial = nil
	}
	f.read()
}

func (f *follower) openFromStart() {
	file, err := os.Open(f.path) // #nosec G304 -- path is a managed log file
	if err != nil {
		return
	}
	fi, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return
	}
	f.file, f.info, f.offset, f.partial = file, fi, 0, nil
}

func (f *follower) read() {
	if f.file == nil {
		return
	}
	buf := make([]byte, 32*1024)
	for {
		n, err := f.file.ReadAt(buf, f.offset)
		if n > 0 {
			f.offset += int64(n)
			f.consume(buf[:n])
		}
		if err != nil || n == 0 {
			return
		}
	}
}

func (f *follower) consume(b []byte) {
	data := append(f.partial, b...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		f.emit(string(bytes.TrimRight(data[:i], "\r")))
		data = data[i+1:]
	}
	f.partial = append([]byte(nil), data...)
}

func (f *follower) close() {
	if f.file != nil {
		_ = f.file.Close()
		f.file = nil
	}
}
