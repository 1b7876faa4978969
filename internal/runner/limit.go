package runner

import (
	"io"
)

// 50 MB limit
const MaxLogSize = 50 * 1024 * 1024

// LimitWriter stops forwarding once limit bytes have been written and
// swallows everything after that.
type LimitWriter struct {
	w       io.Writer
	written int64
	limit   int64
}

func NewLimitWriter(w io.Writer, limit int64) *LimitWriter {
	return &LimitWriter{w: w, limit: limit}
}

func (l *LimitWriter) Write(p []byte) (n int, err error) {
	if l.written >= l.limit {
		return len(p), nil
	}
	if l.written+int64(len(p)) > l.limit {
		remaining := l.limit - l.written
		l.w.Write(p[:remaining])
		io.WriteString(l.w, "\n[LOG LIMIT EXCEEDED - TRUNCATED]\n")
		l.written += int64(len(p))
		return len(p), nil
	}
	n, err = l.w.Write(p)
	l.written += int64(n)
	return n, err
}
