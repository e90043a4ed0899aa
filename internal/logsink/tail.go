package logsink

import (
	"bytes"
	"errors"
	"io"
	"os"
)

const tailChunk = 64 * 1024

// TailFile returns up to n trailing lines of the file at path, oldest first.
// A missing file yields no lines and no error.
func TailFile(path string, n int) ([]string, error) {
	f, err := os.Open(path) // #nosec G304 -- path is a managed log file
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	lines, _, err := tailAt(f, fi.Size(), n)
	return lines, err
}

// tailAt reads backwards from end in chunks until it has n complete lines.
// It also returns the offset the lines were taken up to.
func tailAt(r io.ReaderAt, end int64, n int) ([]string, int64, error) {
	if end == 0 {
		return nil, 0, nil
	}
	var buf []byte
	pos := end
	for pos > 0 {
		size := int64(tailChunk)
		if pos < size {
			size = pos
		}
		pos -= size
		chunk := make([]byte, size)
		if _, err := r.ReadAt(chunk, pos); err != nil && !errors.Is(err, io.EOF) {
			return nil, end, err
		}
		buf = append(chunk, buf...)
		if n > 0 && bytes.Count(buf, []byte{'\n'}) > n {
			break
		}
	}
	text := string(bytes.TrimRight(buf, "\n"))
	if text == "" {
		return nil, end, nil
	}
	all := splitLines(text)
	if pos > 0 {
		// first element is a partial line from inside the last chunk read
		all = all[1:]
	}
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all, end, nil
}

func splitLines(s string) []string {
	out := bytes.Split([]byte(s), []byte{'\n'})
	lines := make([]string, len(out))
	for i, b := range out {
		lines[i] = string(bytes.TrimRight(b, "\r"))
	}
	return lines
}
