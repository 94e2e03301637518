package carabiner

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"time"
)

const (
	connectTimeout = 5 * time.Second
	readTimeout    = 2 * time.Second
	// watchdogDelay is how long after connecting we wait for the first
	// status message before declaring the peer not to be a Carabiner daemon.
	watchdogDelay = time.Second
	readChunk     = 1024
)

// safeFailure invokes the caller-supplied failure callback, recovering and
// logging anything it throws.
func safeFailure(failure func(string), message string) {
	if failure == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[link] failure callback panicked: %v", r)
		}
	}()
	failure(message)
}

// Connect opens a session with the Carabiner daemon. It returns true when a
// session is (already) live. Connection problems are reported through the
// failure callback rather than an error return: dial failures immediately,
// and a watchdog reports a peer that never sends a status message within
// one second, disconnecting from it.
func (e *Engine) Connect(failure func(message string)) bool {
	if e.Active() {
		return true
	}
	port := e.state.Load().port
	addr := net.JoinHostPort("127.0.0.1", fmt.Sprintf("%d", port))
	sock, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		safeFailure(failure, fmt.Sprintf(
			"Unable to connect to Carabiner daemon on port %d; is it running? (%v)", port, err))
		return false
	}

	raced := false
	ns := e.updateState(func(s clientState) clientState {
		if s.conn != nil {
			// Another caller connected while we were dialing; theirs wins.
			raced = true
			return s
		}
		raced = false
		s.lastRunID++
		s.conn = &connection{sock: sock, runID: s.lastRunID}
		return s
	})
	if raced {
		sock.Close()
		return true
	}

	runID := ns.conn.runID
	log.Printf("[link] connected to Carabiner daemon on port %d (session %d)", port, runID)
	go e.readLoop(sock, runID)
	go e.watchdog(failure)
	return true
}

// watchdog gives the daemon one second to identify itself with a status
// message. Anything listening on the port that is not Carabiner stays
// silent, and we walk away from it. It checks the engine's current state,
// not its own session, so a session torn down within that second is
// reported to the failure callback the same way.
func (e *Engine) watchdog(failure func(string)) {
	time.Sleep(watchdogDelay)
	if e.state.Load().linkBPM == nil {
		safeFailure(failure,
			"Did not receive expected response from Carabiner daemon within 1 second of connecting; disconnecting.")
		e.Disconnect()
		return
	}
	if err := e.send(cmdVersion()); err != nil {
		log.Printf("[link] version probe: %v", err)
		return
	}
	if err := e.send(cmdEnableStartStopSync()); err != nil {
		log.Printf("[link] enable-start-stop-sync: %v", err)
	}
}

// Disconnect ends the current session. It only clears the connection
// record; the read loop notices the mismatch on its next timeout tick and
// closes the socket.
func (e *Engine) Disconnect() {
	e.updateState(func(s clientState) clientState {
		s.conn = nil
		s.linkBPM = nil
		s.linkPeers = nil
		return s
	})
}

// send writes one command line to the daemon. The socket reference is taken
// from the current state; a concurrent close surfaces as a write error.
func (e *Engine) send(line []byte) error {
	conn := e.state.Load().conn
	if conn == nil {
		return fmt.Errorf("%w: not connected to Carabiner daemon", ErrInvalidState)
	}
	if _, err := conn.sock.Write(line); err != nil {
		return fmt.Errorf("sending %q: %w", string(line), err)
	}
	return nil
}

// readLoop consumes daemon responses until its run id is no longer the one
// recorded in state (caller-initiated disconnect) or the peer closes. It
// owns the socket and closes it on the way out.
func (e *Engine) readLoop(sock net.Conn, runID uint64) {
	unexpected := false
	buf := make([]byte, readChunk)
	var carry []byte

	for {
		cur := e.state.Load()
		if cur.conn == nil || cur.conn.runID != runID {
			// A newer session (or none) owns the state now; this loop is
			// stale and just goes away.
			break
		}
		if err := sock.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			log.Printf("[link] session %d: set deadline: %v", runID, err)
		}
		n, err := sock.Read(buf)
		if n > 0 {
			carry = append(carry, buf[:n]...)
			var msgs []Message
			var perr error
			msgs, carry, perr = parseMessages(carry)
			if perr != nil {
				log.Printf("[link] session %d: discarding unparseable input: %v", runID, perr)
			}
			for _, msg := range msgs {
				e.dispatch(msg)
			}
		}
		if err == nil {
			continue
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() || errors.Is(err, os.ErrDeadlineExceeded) {
			continue // quiet interval; re-check the stop condition
		}
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			log.Printf("[link] session %d: Carabiner daemon closed the connection", runID)
			unexpected = true
			break
		}
		log.Printf("[link] session %d: read: %v", runID, err)
	}

	// Only the loop that still owns the connection record clears it; after
	// a caller-initiated disconnect (possibly with a new session already
	// attached) the state is not ours to touch.
	e.updateState(func(s clientState) clientState {
		if s.conn != nil && s.conn.runID == runID {
			s.conn = nil
			s.linkBPM = nil
			s.linkPeers = nil
		}
		return s
	})
	sock.Close()
	log.Printf("[link] session %d ended (unexpected=%v)", runID, unexpected)
	e.notifyDisconnected(unexpected)
}

// dispatch routes one parsed daemon response to its handler.
func (e *Engine) dispatch(msg Message) {
	e.metrics.messagesParsed.Add(1)
	switch msg.Kind {
	case MsgStatus:
		e.handleStatus(msg)
	case MsgBeatAtTime:
		e.handleBeatResponse(msg.Beat, msg.When)
	case MsgPhaseAtTime:
		e.handlePhaseResponse(msg.Phase, msg.When)
	case MsgVersion:
		e.handleVersion(msg.Version)
	case MsgUnsupported:
		e.handleUnsupported(msg.Unsupported)
	default:
		log.Printf("[link] ignoring unrecognized response %q", msg.Symbol)
	}
}
