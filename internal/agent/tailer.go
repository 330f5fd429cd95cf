// Package agent implements the node-side daemon: tail the VPN access log,
// upload parsed events to the controller, and serve the firewall control
// API.
package agent

import (
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/tetherguard/tether/internal/logparse"
)

const (
	tailReadChunk  = 64 * 1024
	tailMaxBackoff = 2 * time.Second
)

// tailState is the persisted tail position: the identity of the file the
// offset belongs to, so a rotation during downtime is detected on restart.
type tailState struct {
	Dev    uint64 `json:"dev"`
	Ino    uint64 `json:"ino"`
	Offset int64  `json:"offset"`
}

func fileIdent(fi os.FileInfo) (dev, ino uint64, ok bool) {
	st, isStat := fi.Sys().(*syscall.Stat_t)
	if !isStat {
		return 0, 0, false
	}
	return uint64(st.Dev), st.Ino, true
}

// Tailer follows one access-log file across rotation, truncation, and
// temporary absence, emitting parsed entries.
type Tailer struct {
	path      string
	statePath string
	poll      time.Duration
	parser    *logparse.Parser
	emit      func(logparse.Entry)

	file    *os.File
	offset  int64
	partial []byte
	misses  atomic.Uint64
}

// NewTailer creates a tailer for path. statePath persists the tail offset
// across restarts; empty disables persistence. Parsed entries go to emit.
func NewTailer(path, statePath string, poll time.Duration, parser *logparse.Parser, emit func(logparse.Entry)) *Tailer {
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	return &Tailer{
		path:      path,
		statePath: statePath,
		poll:      poll,
		parser:    parser,
		emit:      emit,
	}
}

// Run tails the file until stopCh closes. It never returns an error: a
// missing file is polled with bounded backoff, not a failure.
func (t *Tailer) Run(stopCh <-chan struct{}) {
	defer t.closeFile()

	backoff := t.poll
	for {
		if t.file == nil {
			if !t.openFile() {
				if !sleep(stopCh, backoff) {
					return
				}
				if backoff *= 2; backoff > tailMaxBackoff {
					backoff = tailMaxBackoff
				}
				continue
			}
			backoff = t.poll
		}

		read := t.readAvailable()
		t.checkRollover()
		if read == 0 {
			t.saveState()
			if !sleep(stopCh, t.poll) {
				return
			}
		} else {
			select {
			case <-stopCh:
				t.saveState()
				return
			default:
			}
		}
	}
}

// openFile opens the log and positions the offset: at the persisted offset
// when the state matches this exact file, at end-of-file otherwise.
func (t *Tailer) openFile() bool {
	f, err := os.Open(t.path)
	if err != nil {
		return false
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return false
	}

	offset := fi.Size()
	if st, ok := t.loadState(); ok {
		if dev, ino, identOK := fileIdent(fi); identOK && dev == st.Dev && ino == st.Ino && st.Offset <= fi.Size() {
			offset = st.Offset
		}
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return false
	}

	t.file = f
	t.offset = offset
	t.partial = nil
	log.Printf("[tailer] following %s from offset %d", t.path, offset)
	return true
}

// readAvailable drains the file to EOF, emitting complete lines and holding
// a trailing partial line for the next pass.
func (t *Tailer) readAvailable() (read int) {
	buf := make([]byte, tailReadChunk)
	for {
		n, err := t.file.Read(buf)
		if n > 0 {
			read += n
			t.offset += int64(n)
			t.consume(buf[:n])
		}
		if err != nil {
			return read
		}
		if n == 0 {
			return read
		}
	}
}

func (t *Tailer) consume(data []byte) {
	start := 0
	for i, b := range data {
		if b != '\n' {
			continue
		}
		line := data[start:i]
		if len(t.partial) > 0 {
			line = append(t.partial, line...)
			t.partial = nil
		}
		t.emitLine(string(line))
		start = i + 1
	}
	if start < len(data) {
		t.partial = append(t.partial, data[start:]...)
	}
}

func (t *Tailer) emitLine(line string) {
	entry, ok := t.parser.Parse(line)
	if !ok {
		t.misses.Add(1)
		return
	}
	t.emit(entry)
}

// checkRollover handles rotation (path now names a different file),
// truncation (file shrank below our offset), and deletion.
func (t *Tailer) checkRollover() {
	cur, err := t.file.Stat()
	if err != nil {
		t.closeFile()
		return
	}

	onDisk, err := os.Stat(t.path)
	if errors.Is(err, fs.ErrNotExist) {
		// Keep draining the open handle until the path reappears.
		return
	}
	if err != nil {
		return
	}

	if !os.SameFile(cur, onDisk) {
		log.Printf("[tailer] %s rotated, reopening", t.path)
		t.closeFile()
		if f, err := os.Open(t.path); err == nil {
			t.file = f
			t.offset = 0
			t.partial = nil
		}
		return
	}

	if cur.Size() < t.offset {
		log.Printf("[tailer] %s truncated, resetting offset", t.path)
		if _, err := t.file.Seek(0, io.SeekStart); err != nil {
			t.closeFile()
			return
		}
		t.offset = 0
		t.partial = nil
	}
}

func (t *Tailer) closeFile() {
	if t.file != nil {
		t.file.Close()
		t.file = nil
	}
}

func (t *Tailer) loadState() (tailState, bool) {
	if t.statePath == "" {
		return tailState{}, false
	}
	data, err := os.ReadFile(t.statePath)
	if err != nil {
		return tailState{}, false
	}
	var st tailState
	if err := json.Unmarshal(data, &st); err != nil {
		return tailState{}, false
	}
	return st, true
}

func (t *Tailer) saveState() {
	if t.statePath == "" || t.file == nil {
		return
	}
	fi, err := t.file.Stat()
	if err != nil {
		return
	}
	dev, ino, ok := fileIdent(fi)
	if !ok {
		return
	}

	data, err := json.Marshal(tailState{Dev: dev, Ino: ino, Offset: t.offset})
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(t.statePath), 0o755); err != nil {
		return
	}
	tmp := t.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, t.statePath)
}

// Misses returns how many lines failed to parse. Health output only.
func (t *Tailer) Misses() uint64 {
	return t.misses.Load()
}

// sleep waits for d or until stopCh closes; it reports whether to continue.
func sleep(stopCh <-chan struct{}, d time.Duration) bool {
	select {
	case <-stopCh:
		return false
	case <-time.After(d):
		return true
	}
}
