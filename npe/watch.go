package npe

import (
	"github.com/teplo/navitele/log2"
)

// Watch tracks frame bytes with unknown meaning and logs value changes
// between frames. Helps map the rest of the protocol. Nil receiver is a
// no-op so callers keep a single code path.
type Watch struct {
	log  *log2.Log
	tag  string
	offs []int
	prev []byte
}

func NewWatch(tag string, offs []int, log *log2.Log) *Watch {
	return &Watch{log: log, tag: tag, offs: offs, prev: make([]byte, len(offs))}
}

func (w *Watch) Observe(f *Frame) {
	if w == nil {
		return
	}
	for i, off := range w.offs {
		if off >= f.l {
			continue
		}
		b := f.b[off]
		if b != w.prev[i] {
			w.log.Infof("%s byte %d changed %02x -> %02x", w.tag, off, w.prev[i], b)
			w.prev[i] = b
		}
	}
}
