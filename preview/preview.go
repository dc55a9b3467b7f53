// Package preview implements PreviewServer: a localhost-only HTTP server
// that streams a partially-downloaded file to a media player,
// prioritising the ranges the player is waiting on via the scheduler.
package preview

import (
	"bufio"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"

	"github.com/flylinkdc/queuecore/qerr"
	"github.com/flylinkdc/queuecore/queue"
	"github.com/flylinkdc/queuecore/sharedfile"
)

// State is PreviewServer's lifecycle state: Idle -> Listening ->
// (Running <-> ConnectivityLost) -> Stopped.
type State int

const (
	StateIdle State = iota
	StateListening
	StateRunning
	StateConnectivityLost
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateListening:
		return "Listening"
	case StateRunning:
		return "Running"
	case StateConnectivityLost:
		return "ConnectivityLost"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// BlockSize is how many bytes a per-connection worker reads and sends at a
// time from the temp file.
const BlockSize = 64 * 1024

const (
	acceptPollTimeout = 250 * time.Millisecond
	acceptRetryDelay  = 60 * time.Second
	notReadyPoll      = time.Second
)

// Hinter is the minimal scheduler surface PreviewServer needs: prioritise a
// range so the transfer layer fetches it ahead of the normal schedule.
type Hinter interface {
	Hint(qi *queue.QueueItem, start, size int64)
}

// Server is a bound TCP listener serving one file per accepted connection,
// resolved by FindByTarget.
type Server struct {
	logger      log.Logger
	scheduler   Hinter
	findByTTH   func(target string) (*queue.QueueItem, bool)
	speedKBs    int64
	openFlags   sharedfile.Flags

	state State

	stop chansync.SetOnce
}

// New creates a Server. findByTarget resolves the request path to a
// QueueItem; Core passes FileQueue.Find, so the request path is looked up
// as the target unchanged.
func New(findByTarget func(target string) (*queue.QueueItem, bool), scheduler Hinter, speedKBs int64, logger log.Logger) *Server {
	return &Server{
		findByTTH: findByTarget,
		scheduler: scheduler,
		speedKBs:  speedKBs,
		logger:    logger,
		state:     StateIdle,
	}
}

// State returns the server's current lifecycle state.
func (s *Server) State() State { return s.state }

// Stop signals the accept loop and every in-flight connection worker to
// exit.
func (s *Server) Stop() {
	s.stop.Set()
	s.state = StateStopped
}

// ListenAndServe binds port and runs the accept loop until Stop is called.
// On accept failure it sleeps acceptRetryDelay and recreates the
// listener.
func (s *Server) ListenAndServe(port int) error {
	for {
		if s.stop.IsSet() {
			return nil
		}
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			s.logger.Levelf(log.Warning, "preview: listen failed: %v, retrying in %s", err, acceptRetryDelay)
			s.state = StateConnectivityLost
			select {
			case <-s.stop.Done():
				return nil
			case <-time.After(acceptRetryDelay):
				continue
			}
		}
		s.state = StateListening
		s.acceptLoop(ln)
		ln.Close()
		if s.stop.IsSet() {
			return nil
		}
		s.state = StateConnectivityLost
		select {
		case <-s.stop.Done():
			return nil
		case <-time.After(acceptRetryDelay):
		}
	}
}

func (s *Server) acceptLoop(ln net.Listener) {
	tcpLn, ok := ln.(*net.TCPListener)
	for {
		if s.stop.IsSet() {
			return
		}
		var conn net.Conn
		var err error
		if ok {
			tcpLn.SetDeadline(time.Now().Add(acceptPollTimeout))
			conn, err = tcpLn.Accept()
		} else {
			conn, err = ln.Accept()
		}
		if err != nil {
			if ne, isNet := err.(net.Error); isNet && ne.Timeout() {
				continue
			}
			s.logger.Levelf(log.Debug, "preview: accept error: %v", err)
			return
		}
		s.state = StateRunning
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer conn.Close()
	req, err := parseRequest(conn)
	if err != nil {
		s.logger.Levelf(log.Debug, "preview: bad request: %v", err)
		return
	}

	qi, ok := s.findByTTH(req.path)
	if !ok {
		fmt.Fprint(conn, "HTTP/1.1 404 Not Found\r\n\r\n")
		return
	}

	start, end := req.rangeStart, req.rangeEnd
	size := qi.Size()
	if end <= 0 || end >= size {
		end = size - 1
	}
	if start < 0 {
		start = 0
	}

	header := fmt.Sprintf(
		"HTTP/1.1 200 OK\r\nContent-Type: application/avi\r\nContent-Length: %d\r\nAccept-Ranges: bytes\r\nContent-Range: bytes %d-%d/%d\r\nContent-Disposition: attachment; filename=%s\r\n\r\n",
		size, start, end, size, filepath.Base(qi.Target()),
	)
	if _, err := conn.Write([]byte(header)); err != nil {
		return
	}

	stream, err := sharedfile.Open(qi.TempTarget(), size, s.openFlags, s.logger)
	if err != nil {
		s.logger.Levelf(log.Warning, "preview: open %s: %v", qi.TempTarget(), err)
		return
	}
	defer stream.Close()

	s.streamRange(conn, qi, stream, start, end+1)
}

// streamRange paces sends at speedKBs, hinting the scheduler and backing
// off when the next block isn't ready yet.
func (s *Server) streamRange(conn net.Conn, qi *queue.QueueItem, stream *sharedfile.Stream, pos, end int64) {
	buf := make([]byte, BlockSize)
	pacing := paceDelay(s.speedKBs, int64(len(buf)))
	for pos < end {
		if s.stop.IsSet() {
			return
		}
		want := int64(len(buf))
		if pos+want > end {
			want = end - pos
		}
		if !qi.Done().Contains(pos, want) {
			if s.scheduler != nil {
				s.scheduler.Hint(qi, pos, BlockSize)
			}
			time.Sleep(notReadyPoll)
			continue
		}
		n, err := stream.ReadAt(buf[:want], pos)
		if err != nil && n == 0 {
			s.logger.Levelf(log.Debug, "preview: read at %d: %v", pos, err)
			return
		}
		if _, err := conn.Write(buf[:n]); err != nil {
			return
		}
		pos += int64(n)
		if pacing > 0 {
			time.Sleep(pacing)
		}
	}
}

func paceDelay(speedKBs, chunk int64) time.Duration {
	if speedKBs <= 0 {
		return 0
	}
	bytesPerSec := speedKBs * 1024
	return time.Duration(chunk) * time.Second / time.Duration(bytesPerSec)
}

// noopHinter is a Hinter whose Hint does nothing, for when no real
// scheduler is wired (e.g. unit tests).
type noopHinter struct{}

func (noopHinter) Hint(*queue.QueueItem, int64, int64) {}

// NoopHinter is a Hinter that does nothing, useful as a default.
var NoopHinter Hinter = noopHinter{}

type httpRequest struct {
	path       string
	rangeStart int64
	rangeEnd   int64
}

// parseRequest reads a minimal HTTP request line + headers, case-sensitive
// on header names.
func parseRequest(conn net.Conn) (httpRequest, error) {
	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	if err != nil {
		return httpRequest{}, err
	}
	parts := strings.Fields(line)
	if len(parts) < 2 {
		return httpRequest{}, qerr.Wrap(qerr.KindNetwork, "parseRequest", qerr.ErrConnectionReset)
	}
	req := httpRequest{path: parts[1], rangeStart: 0, rangeEnd: -1}
	for {
		h, err := r.ReadString('\n')
		if err != nil || strings.TrimSpace(h) == "" {
			break
		}
		if strings.HasPrefix(h, "Range:") {
			start, end := parseRange(h)
			req.rangeStart, req.rangeEnd = start, end
		}
	}
	return req, nil
}

// parseRange parses "Range: bytes=a-b" where either a or b may be empty,
// clamped by the caller to [0, size-1].
func parseRange(header string) (start, end int64) {
	idx := strings.Index(header, "bytes=")
	if idx < 0 {
		return 0, -1
	}
	spec := strings.TrimSpace(header[idx+len("bytes="):])
	pieces := strings.SplitN(spec, "-", 2)
	if len(pieces) != 2 {
		return 0, -1
	}
	if pieces[0] != "" {
		if v, err := strconv.ParseInt(pieces[0], 10, 64); err == nil {
			start = v
		}
	}
	end = -1
	if pieces[1] != "" {
		if v, err := strconv.ParseInt(pieces[1], 10, 64); err == nil {
			end = v
		}
	}
	return start, end
}
