// Package redisstub is a small RESP server holding the expiring counters the
// create-rate limiter keeps in Redis. Tests control its clock and can make
// individual commands fail.
package redisstub

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password string
	// Now replaces the wall clock used for key expiry.
	Now func() time.Time
}

type Server struct {
	password string
	listener net.Listener

	mu       sync.Mutex
	now      func() time.Time
	offset   time.Duration
	counters map[string]*counter
	calls    map[string]int
	faults   map[string]string
	closed   bool
}

type counter struct {
	value    int64
	deadline time.Time
}

// reply is one encoded RESP value.
type reply string

func simple(value string) reply { return reply("+" + value + "\r\n") }
func integer(value int64) reply { return reply(":" + strconv.FormatInt(value, 10) + "\r\n") }
func failure(message string) reply { return reply("-" + message + "\r\n") }
func bulk(value string) reply {
	return reply("$" + strconv.Itoa(len(value)) + "\r\n" + value + "\r\n")
}

const nilBulk reply = "$-1\r\n"

func arityError(cmd string) reply {
	return failure(fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(cmd)))
}

// Start listens on a loopback port and serves until Close.
func Start(opts Options) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Server{
		password: opts.Password,
		listener: ln,
		now:      now,
		counters: make(map[string]*counter),
		calls:    make(map[string]int),
		faults:   make(map[string]string),
	}
	go s.acceptLoop()
	return s, nil
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Advance moves the stub clock forward so windows expire without sleeping.
func (s *Server) Advance(d time.Duration) {
	s.mu.Lock()
	s.offset += d
	s.mu.Unlock()
}

// Fail makes every later cmd reply with an error carrying message.
// An empty message clears the fault.
func (s *Server) Fail(cmd, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd = strings.ToUpper(cmd)
	if message == "" {
		delete(s.faults, cmd)
		return
	}
	s.faults[cmd] = message
}

// Value returns the live counter for key, or zero once it has expired.
func (s *Server) Value(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.liveLocked(key); c != nil {
		return c.value
	}
	return 0
}

// Commands reports how many times cmd was received.
func (s *Server) Commands(cmd string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[strings.ToUpper(cmd)]
}

func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.listener.Close()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	authed := s.password == ""
	for {
		args, err := readCommand(reader)
		if err != nil {
			return
		}
		var out reply
		if len(args) == 0 {
			out = failure("ERR empty command")
		} else {
			out, authed = s.execute(strings.ToUpper(args[0]), args[1:], authed)
		}
		if _, err := io.WriteString(conn, string(out)); err != nil {
			return
		}
	}
}

func (s *Server) execute(cmd string, args []string, authed bool) (reply, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[cmd]++
	if message, ok := s.faults[cmd]; ok {
		return failure(message), authed
	}

	switch cmd {
	case "HELLO":
		// Only RESP2 is spoken; clients fall back to AUTH.
		return failure("ERR unknown command 'hello'"), authed
	case "AUTH":
		if len(args) < 1 || len(args) > 2 {
			return arityError(cmd), authed
		}
		if s.password != "" && args[len(args)-1] != s.password {
			return failure("WRONGPASS invalid username-password pair or user is disabled."), authed
		}
		return simple("OK"), true
	case "CLIENT", "SELECT":
		return simple("OK"), authed
	case "PING":
		return simple("PONG"), authed
	}
	if !authed {
		return failure("NOAUTH Authentication required."), authed
	}

	switch cmd {
	case "INCR":
		if len(args) != 1 {
			return arityError(cmd), authed
		}
		c := s.liveLocked(args[0])
		if c == nil {
			c = &counter{}
			s.counters[args[0]] = c
		}
		c.value++
		return integer(c.value), authed
	case "EXPIRE":
		if len(args) < 2 {
			return arityError(cmd), authed
		}
		seconds, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return failure("ERR value is not an integer or out of range"), authed
		}
		c := s.liveLocked(args[0])
		if c == nil {
			return integer(0), authed
		}
		c.deadline = s.clockLocked().Add(time.Duration(seconds) * time.Second)
		return integer(1), authed
	case "TTL":
		if len(args) != 1 {
			return arityError(cmd), authed
		}
		c := s.liveLocked(args[0])
		switch {
		case c == nil:
			return integer(-2), authed
		case c.deadline.IsZero():
			return integer(-1), authed
		}
		remaining := c.deadline.Sub(s.clockLocked())
		return integer(int64((remaining + time.Second - 1) / time.Second)), authed
	case "GET":
		if len(args) != 1 {
			return arityError(cmd), authed
		}
		if c := s.liveLocked(args[0]); c != nil {
			return bulk(strconv.FormatInt(c.value, 10)), authed
		}
		return nilBulk, authed
	case "DEL":
		var removed int64
		for _, key := range args {
			if s.liveLocked(key) != nil {
				removed++
			}
			delete(s.counters, key)
		}
		return integer(removed), authed
	default:
		return failure(fmt.Sprintf("ERR unknown command '%s'", strings.ToLower(cmd))), authed
	}
}

func (s *Server) clockLocked() time.Time {
	return s.now().Add(s.offset)
}

func (s *Server) liveLocked(key string) *counter {
	c, ok := s.counters[key]
	if !ok {
		return nil
	}
	if !c.deadline.IsZero() && !s.clockLocked().Before(c.deadline) {
		delete(s.counters, key)
		return nil
	}
	return c
}

// readCommand parses one RESP array of bulk strings.
func readCommand(r *bufio.Reader) ([]string, error) {
	count, err := readHeader(r, '*')
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, count)
	for i := 0; i < count; i++ {
		size, err := readHeader(r, '$')
		if err != nil {
			return nil, err
		}
		if size < 0 {
			args = append(args, "")
			continue
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func readHeader(r *bufio.Reader, prefix byte) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" || line[0] != prefix {
		return 0, fmt.Errorf("expected %q header, got %q", prefix, line)
	}
	return strconv.Atoi(line[1:])
}
