package hotplug

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/s-urbaniak/uevent"

	"k8s.io/klog/v2"
)

// maxMessageSize covers the largest uevent the kernel emits (UEVENT_BUFFER_SIZE is 2048)
// with plenty of headroom for vendor kernels.
const maxMessageSize = 64 * 1024

type Handler interface {
	Handle(Event)
}

type HandlerFunc func(Event)

func (f HandlerFunc) Handle(ev Event) {
	f(ev)
}

// Source opens the channel kernel events are read from. Every Read is
// expected to return exactly one message.
type Source func() (io.ReadCloser, error)

// NetlinkSource binds a NETLINK_KOBJECT_UEVENT socket to the kernel multicast group.
func NetlinkSource() (io.ReadCloser, error) {
	return uevent.NewReader()
}

type Listener struct {
	open       Source
	handler    Handler
	retryDelay time.Duration

	mu     sync.Mutex
	conn   io.ReadCloser
	closed bool
	done   chan struct{}
}

func NewListener(open Source, handler Handler) *Listener {
	return &Listener{
		open:       open,
		handler:    handler,
		retryDelay: 1 * time.Second,
		done:       make(chan struct{}),
	}
}

// WithRetryDelay overrides the pause between reconnection attempts.
func (l *Listener) WithRetryDelay(d time.Duration) *Listener {
	l.retryDelay = d
	return l
}

// Start connects to the source and keeps dispatching events on a detached
// goroutine until Close is called.
func (l *Listener) Start() error {
	conn, err := l.open()
	if err != nil {
		klog.Errorf("Failed to open kernel event channel: %v", err)
		return err
	}
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()

	go l.run(conn)
	return nil
}

// Done is closed once the listener goroutine exits.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

func (l *Listener) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	if l.conn != nil {
		l.conn.Close()
	}
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Listener) run(conn io.ReadCloser) {
	defer close(l.done)

	buf := make([]byte, maxMessageSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			l.dispatch(buf[:n])
		}
		if err == nil {
			continue
		}
		if l.isClosed() {
			return
		}
		if errors.Is(err, io.EOF) {
			klog.Warningf("Kernel event channel closed, reconnecting")
		} else {
			klog.Errorf("Error reading kernel events, will try to reconnect: %v", err)
		}
		conn.Close()
		if conn = l.reconnect(); conn == nil {
			return
		}
		klog.Infof("Successfully reconnected to kernel event channel")
	}
}

func (l *Listener) reconnect() io.ReadCloser {
	for {
		time.Sleep(l.retryDelay)
		if l.isClosed() {
			return nil
		}
		conn, err := l.open()
		if err != nil {
			klog.Errorf("Failed to reopen kernel event channel, retrying: %v", err)
			continue
		}
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			conn.Close()
			return nil
		}
		l.conn = conn
		l.mu.Unlock()
		return conn
	}
}

func (l *Listener) dispatch(raw []byte) {
	ev := Decode(raw)
	if ev.Subsystem == BlockSubsystem {
		klog.V(4).Infof("Received block event:\n%s", ev.Dump())
	} else {
		klog.V(5).Infof("Received event (%s) for subsystem %q", ev.Action, ev.Subsystem)
	}
	l.handler.Handle(ev)
}
