// Package wire implements the newline-delimited JSON framing used to talk
// to a hypervisor process's control socket. It is deliberately ignorant of
// the verbs and arguments any particular hypervisor understands — that
// vocabulary belongs to the session layer (see internal/hypervisor) — and
// only handles framing, request/response correlation, and asynchronous
// event demultiplexing.
//
// Per spec, a session allows at most one outstanding request at a time;
// the caller is expected to already be holding a job slot that serializes
// callers. Conn enforces this with a single in-flight mutex rather than
// the request queue a multi-writer protocol would need.
package wire

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// Logger is the minimal logging surface Conn needs; *logrus.Entry
// satisfies it.
type Logger interface {
	Debugf(format string, args ...interface{})
	Warningf(format string, args ...interface{})
}

// Event is a single asynchronous notification from the hypervisor process,
// decoded but not otherwise interpreted.
type Event struct {
	Name      string
	Data      map[string]interface{}
	Timestamp time.Time
}

type request struct {
	Execute   string                 `json:"execute"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

type response struct {
	Return json.RawMessage        `json:"return"`
	Error  *wireError              `json:"error"`
	Event  string                  `json:"event"`
	Data   map[string]interface{}  `json:"data"`
	TS     map[string]float64      `json:"timestamp"`
}

type wireError struct {
	Class string `json:"class"`
	Desc  string `json:"desc"`
}

func (e *wireError) Error() string { return fmt.Sprintf("%s: %s", e.Class, e.Desc) }

// Conn is a framed, correlated connection to a hypervisor control socket.
type Conn struct {
	conn   io.ReadWriteCloser
	log    Logger
	events chan<- Event

	mu      sync.Mutex // serializes Execute calls: one in flight at a time
	pending chan response
	closed  chan struct{}
	once    sync.Once
}

// Open attaches framing to an already-connected stream (the transport
// itself — unix socket dial, vsock, whatever — is the caller's concern).
func Open(conn io.ReadWriteCloser, log Logger, events chan<- Event) *Conn {
	c := &Conn{
		conn:    conn,
		log:     log,
		events:  events,
		pending: make(chan response, 1),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r response
		if err := json.Unmarshal(line, &r); err != nil {
			c.log.Warningf("wire: undecodable line from control socket: %v", err)
			continue
		}
		if r.Event != "" {
			if c.events != nil {
				ts := time.Time{}
				if secs, ok := r.TS["seconds"]; ok {
					ts = time.Unix(int64(secs), int64(r.TS["microseconds"])*1000)
				}
				select {
				case c.events <- Event{Name: r.Event, Data: r.Data, Timestamp: ts}:
				default:
					c.log.Warningf("wire: event channel full, dropping %s", r.Event)
				}
			}
			continue
		}
		select {
		case c.pending <- r:
		default:
			c.log.Warningf("wire: unsolicited reply dropped")
		}
	}
	c.once.Do(func() { close(c.closed) })
}

// Closed returns a channel that is closed when the underlying transport's
// read loop has exited — i.e. the session is gone.
func (c *Conn) Closed() <-chan struct{} { return c.closed }

// Execute sends verb(args) and blocks for the single reply. Only one
// Execute may be outstanding on a Conn at a time; concurrent callers
// serialize on c.mu, matching the "one job holds the session" discipline
// the session layer above enforces with Enter-monitor/Exit-monitor.
func (c *Conn) Execute(verb string, args map[string]interface{}) (json.RawMessage, error) {
	return c.ExecuteContext(context.Background(), verb, args)
}

// ExecuteContext is Execute with a caller-supplied deadline; ctx.Err()
// becoming non-nil while waiting for the reply is reported back to the
// caller so the session layer can translate it into MonitorIO.
func (c *Conn) ExecuteContext(ctx context.Context, verb string, args map[string]interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := request{Execute: verb, Arguments: args}
	encoded, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("wire: encoding %s: %w", verb, err)
	}
	encoded = append(encoded, '\n')

	if _, err := c.conn.Write(encoded); err != nil {
		return nil, fmt.Errorf("wire: writing %s: %w", verb, err)
	}

	select {
	case r := <-c.pending:
		if r.Error != nil {
			return nil, r.Error
		}
		return r.Return, nil
	case <-c.closed:
		return nil, fmt.Errorf("wire: connection closed while waiting for %s", verb)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears down the transport.
func (c *Conn) Close() error {
	return c.conn.Close()
}
