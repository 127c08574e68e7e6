// Package klog is the kernel's boot-time logger: a leveled, structured
// logrus.Logger (the logging stack the moby/moby and sysbox-fs example
// trees standardize on) writing through a fixed-capacity ring buffer, the
// same role original_source/kernel's pervasive log::info!/debug!/warn!
// macros play, before the kernel has a filesystem or any allocator beyond
// its own frame allocator to trust.
//
// The ring buffer is Ring adapted from circbuf.Circbuf_t: the same
// head/tail modulo-bufsz indexing, but backed by a plain byte slice
// instead of a physical page reference-counted through mem.Page_i, and
// never refusing a write — a log line that would overflow the buffer
// drops the oldest bytes instead of blocking, since nothing downstream of
// a kernel log call can wait for a reader to catch up.
package klog

import "sync"

import "github.com/sirupsen/logrus"

/// Ring is a fixed-capacity byte ring buffer. It is safe for concurrent
/// use, unlike circbuf.Circbuf_t, since multiple kernel subsystems log
/// concurrently with only spec.md's single-CPU Non-goal protecting them
/// from true parallelism, and a future SMP build should not have to
/// revisit this package to get logging right.
type Ring struct {
	mu   sync.Mutex
	buf  []byte
	head int
	tail int
}

/// NewRing allocates a ring buffer of the given capacity in bytes.
func NewRing(size int) *Ring {
	if size <= 0 {
		panic("bad ring size")
	}
	return &Ring{buf: make([]byte, size)}
}

// Write implements io.Writer. It always reports success: a line longer
// than the remaining capacity overwrites the oldest retained bytes rather
// than failing the log call.
func (r *Ring) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(p)
	bufsz := len(r.buf)
	if n >= bufsz {
		// p alone fills (or overflows) the ring: keep only its tail.
		copy(r.buf, p[n-bufsz:])
		r.head = bufsz
		r.tail = 0
		return n, nil
	}
	for _, b := range p {
		r.buf[r.head%bufsz] = b
		r.head++
		if r.head-r.tail > bufsz {
			r.tail++
		}
	}
	return n, nil
}

/// Bytes returns a copy of the currently retained log data, oldest byte
/// first, for a panic dump or a diagnostics read.
func (r *Ring) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	used := r.head - r.tail
	out := make([]byte, used)
	bufsz := len(r.buf)
	for i := 0; i < used; i++ {
		out[i] = r.buf[(r.tail+i)%bufsz]
	}
	return out
}

/// SerialPort is the hardware collaborator every log line is echoed to
/// immediately, in addition to being retained in the ring buffer (the
/// boot sequence's equivalent of original_source's serial console). Left
/// nil, log output is retained only in the ring buffer, which is enough
/// for tests and for kpanic's diagnostics dump.
var SerialPort Writer

/// Writer is the minimal collaborator boundary klog needs from a serial
/// port: just enough to avoid importing io for a single method and to
/// keep SerialPort nil-checkable the same way every other deferred
/// collaborator hook in this tree is (sched.DeliveryCheck,
/// syscalls.ResolveImage, trap.Panic).
type Writer interface {
	Write(p []byte) (int, error)
}

type sink struct {
	ring *Ring
}

func (s sink) Write(p []byte) (int, error) {
	n, err := s.ring.Write(p)
	if err != nil {
		return n, err
	}
	if SerialPort != nil {
		SerialPort.Write(p)
	}
	return n, nil
}

/// DefaultRingBytes sizes the boot-log retention buffer generously enough
/// to hold several screens of startup logging without config having to
/// size it per platform.
const DefaultRingBytes = 64 * 1024

var ring = NewRing(DefaultRingBytes)

/// Log is the kernel's structured logger. Every subsystem logs through
/// this instance rather than logrus's package-level default, so klog.Init
/// can replace its output ring and set its level without reaching into
/// every caller.
var Log = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(sink{ring: ring})
	l.SetFormatter(&logrus.TextFormatter{
		DisableColors:    true,
		FullTimestamp:    false,
		DisableTimestamp: true,
	})
	l.SetLevel(logrus.InfoLevel)
	return l
}

/// Init reconfigures Log's ring buffer capacity and minimum level; the
/// boot sequence calls this once config has parsed the platform's
/// BootInfo. Calling it discards whatever the previous ring buffer had
/// retained.
func Init(ringBytes int, level logrus.Level) {
	ring = NewRing(ringBytes)
	Log.SetOutput(sink{ring: ring})
	Log.SetLevel(level)
}

/// Retained returns a copy of the boot log's current contents, oldest
/// line first.
func Retained() []byte {
	return ring.Bytes()
}
