package tftp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/tcc-grupo-4-pes/gse-fls/internal/common"
)

// Hardware part number embedded in the first firmware block, per the
// load-file layout: 20 bytes starting at byte 20.
const (
	hardwarePNOffset = 20
	hardwarePNSize   = 20
)

var ErrHardwarePN = errors.New("firmware hardware part number mismatch")

// FailureCounter records recoverable protocol anomalies. The controller
// aggregates them across a maintenance cycle.
type FailureCounter interface {
	Inc(reason string)
}

// Options tune an Engine. Zero values select the protocol defaults.
type Options struct {
	Timeout    time.Duration
	RetryLimit int
	HardwarePN string
	Failures   FailureCounter
	Metrics    *common.Metrics
}

// Engine runs transfer operations over a long-lived listening socket.
// Operations that need a transfer identifier open an ephemeral socket
// scoped to that single operation. The engine is not safe for concurrent
// operations; the controller serializes all protocol activity.
type Engine struct {
	conn       *net.UDPConn
	timeout    time.Duration
	retryLimit int
	hardwarePN []byte
	failures   FailureCounter
	metrics    *common.Metrics
}

// NewEngine wraps the listening socket. The socket stays owned by the
// caller; the engine never closes it.
func NewEngine(conn *net.UDPConn, opts Options) *Engine {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.RetryLimit <= 0 {
		opts.RetryLimit = RetryLimit
	}
	e := &Engine{
		conn:       conn,
		timeout:    opts.Timeout,
		retryLimit: opts.RetryLimit,
		failures:   opts.Failures,
		metrics:    opts.Metrics,
	}
	if opts.HardwarePN != "" {
		e.hardwarePN = hardwarePNField(opts.HardwarePN)
	}
	return e
}

// SetMetrics attaches a metrics recorder for subsequent operations.
func (e *Engine) SetMetrics(m *common.Metrics) {
	e.metrics = m
}

// ServeRead answers a read request from the peer: it sends the encoded
// payload as DATA block 1 from a fresh transfer socket and waits for the
// matching ACK, retransmitting at most once on timeout.
func (e *Engine) ServeRead(peer *net.UDPAddr, payload []byte) error {
	ts, err := newTransferSocket()
	if err != nil {
		return fmt.Errorf("transfer socket: %w", err)
	}
	defer ts.Close()
	common.Logf("tftp: serving read from TID %s", ts.LocalAddr())

	data := EncodeData(1, payload)
	if _, err := ts.WriteToUDP(data, peer); err != nil {
		return fmt.Errorf("send block 1: %w", err)
	}

	buf := make([]byte, maxPacketSize)
	retries := 0
	var n int
	for {
		n, _, err = e.recv(ts, buf)
		if err == nil {
			break
		}
		if errors.Is(err, ErrTimeout) && retries < e.retryLimit {
			retries++
			e.countRetry()
			common.Logf("tftp: timeout waiting for ACK(1), resending (%d/%d)", retries, e.retryLimit)
			if _, err := ts.WriteToUDP(data, peer); err != nil {
				return fmt.Errorf("resend block 1: %w", err)
			}
			continue
		}
		return fmt.Errorf("receive ACK(1): %w", err)
	}

	ack, err := Decode(buf[:n])
	if err != nil {
		return fmt.Errorf("decode ACK(1): %w", err)
	}
	if ack.Op != OpAck || ack.Block != 1 {
		return fmt.Errorf("expected ACK(1), got %s block %d", ack.Op, ack.Block)
	}
	return nil
}

// ServeWrite answers a write request from the peer: it opens a transfer
// socket, sends ACK(0) and collects DATA blocks in strict sequence until
// a short block arrives. Blocks out of sequence are ignored and counted
// as anomalies, never acknowledged as accepted.
func (e *Engine) ServeWrite(peer *net.UDPAddr) ([]byte, error) {
	ts, err := newTransferSocket()
	if err != nil {
		return nil, fmt.Errorf("transfer socket: %w", err)
	}
	defer ts.Close()
	common.Logf("tftp: serving write from TID %s", ts.LocalAddr())

	if _, err := ts.WriteToUDP(EncodeAck(0), peer); err != nil {
		return nil, fmt.Errorf("send ACK(0): %w", err)
	}

	var out bytes.Buffer
	expected := uint16(1)
	buf := make([]byte, maxPacketSize)
	for {
		n, _, err := e.recv(ts, buf)
		if err != nil {
			common.Logf("tftp: write transfer receive ended: %v", err)
			break
		}
		pkt, err := Decode(buf[:n])
		if err != nil || pkt.Op != OpData || pkt.Block != expected {
			e.countFailure("unexpected packet during write transfer")
			continue
		}
		out.Write(pkt.Data)
		if _, err := ts.WriteToUDP(EncodeAck(expected), peer); err != nil {
			return nil, fmt.Errorf("send ACK(%d): %w", expected, err)
		}
		e.countBlock(len(pkt.Data))
		expected++
		if len(pkt.Data) < BlockSize {
			return out.Bytes(), nil
		}
	}
	// Only a short block ends a transfer cleanly; anything else is a
	// truncated file, not a success.
	if out.Len() == 0 {
		return nil, ErrNoData
	}
	return nil, fmt.Errorf("write transfer truncated after %d bytes: %w", out.Len(), ErrTimeout)
}

// SendFile pushes a single-block file to the peer: WRQ, wait for ACK(0),
// pin the peer's transfer identifier from the ACK source, send the
// payload as DATA block 1 and wait for its ACK. Each wait allows one
// retransmission on timeout.
func (e *Engine) SendFile(peer *net.UDPAddr, filename string, payload []byte) error {
	common.Logf("tftp: sending %s (%d bytes)", filename, len(payload))
	wrq := EncodeRequest(OpWRQ, filename)
	if _, err := e.conn.WriteToUDP(wrq, peer); err != nil {
		return fmt.Errorf("send WRQ: %w", err)
	}

	tid, err := e.awaitAck(0, wrq, peer)
	if err != nil {
		return fmt.Errorf("%s: %w", filename, err)
	}
	common.Logf("tftp: peer moved to TID %s", tid)

	data := EncodeData(1, payload)
	if _, err := e.conn.WriteToUDP(data, tid); err != nil {
		return fmt.Errorf("send block 1: %w", err)
	}
	if _, err := e.awaitAck(1, data, tid); err != nil {
		return fmt.Errorf("%s block 1: %w", filename, err)
	}
	common.Logf("tftp: %s sent", filename)
	return nil
}

// FetchFile pulls the named file from the peer: RRQ, then DATA blocks
// acknowledged one by one to the transfer identifier the first block
// arrives from. Every payload is streamed into sink as it is accepted.
// On the first block the embedded hardware part number is checked when
// the engine was configured with one.
func (e *Engine) FetchFile(peer *net.UDPAddr, filename string, sink io.Writer) (int64, error) {
	common.Logf("tftp: fetching %s", filename)
	if _, err := e.conn.WriteToUDP(EncodeRequest(OpRRQ, filename), peer); err != nil {
		return 0, fmt.Errorf("send RRQ: %w", err)
	}

	var (
		tid       *net.UDPAddr
		total     int64
		pnChecked bool
	)
	expected := uint16(1)
	buf := make([]byte, maxPacketSize)
	for {
		n, from, err := e.recv(e.conn, buf)
		if err != nil {
			return total, fmt.Errorf("receive data: %w", err)
		}
		if tid == nil {
			tid = from
			common.Logf("tftp: peer serving %s from TID %s", filename, tid)
		}
		pkt, err := Decode(buf[:n])
		if err != nil || pkt.Op != OpData {
			common.Logf("tftp: ignoring unexpected packet during fetch")
			continue
		}
		if pkt.Block != expected {
			// A stale block means the peer missed our ACK. Re-ACK it so
			// the peer advances, but never hash or persist it again.
			common.Logf("tftp: ignoring block %d during fetch, expecting %d", pkt.Block, expected)
			if _, err := e.conn.WriteToUDP(EncodeAck(pkt.Block), tid); err != nil {
				return total, fmt.Errorf("re-ACK block %d: %w", pkt.Block, err)
			}
			continue
		}

		if !pnChecked && total == 0 {
			if len(pkt.Data) >= hardwarePNOffset+hardwarePNSize {
				if e.hardwarePN != nil && !bytes.Equal(pkt.Data[hardwarePNOffset:hardwarePNOffset+hardwarePNSize], e.hardwarePN) {
					e.countFailure("hardware part number mismatch in firmware stream")
					return total, ErrHardwarePN
				}
				pnChecked = true
			} else {
				common.Logf("tftp: first block too small for hardware PN check (%d bytes)", len(pkt.Data))
			}
		}

		if _, err := sink.Write(pkt.Data); err != nil {
			return total, fmt.Errorf("store block %d: %w", pkt.Block, err)
		}
		total += int64(len(pkt.Data))
		e.countBlock(len(pkt.Data))

		if _, err := e.conn.WriteToUDP(EncodeAck(pkt.Block), tid); err != nil {
			return total, fmt.Errorf("send ACK(%d): %w", pkt.Block, err)
		}
		expected++
		if len(pkt.Data) < BlockSize {
			break
		}
	}
	if total == 0 {
		return 0, ErrNoData
	}
	common.Logf("tftp: %s fetched (%d bytes)", filename, total)
	return total, nil
}

// awaitAck waits on the main socket for an ACK with the given block
// number, retransmitting resend once on timeout. It returns the address
// the ACK came from.
func (e *Engine) awaitAck(block uint16, resend []byte, dest *net.UDPAddr) (*net.UDPAddr, error) {
	buf := make([]byte, maxPacketSize)
	retries := 0
	for {
		n, from, err := e.recv(e.conn, buf)
		if err != nil {
			if errors.Is(err, ErrTimeout) && retries < e.retryLimit {
				retries++
				e.countRetry()
				common.Logf("tftp: timeout waiting for ACK(%d), resending (%d/%d)", block, retries, e.retryLimit)
				if _, err := e.conn.WriteToUDP(resend, dest); err != nil {
					return nil, fmt.Errorf("resend: %w", err)
				}
				continue
			}
			return nil, fmt.Errorf("receive ACK(%d): %w", block, err)
		}
		ack, err := Decode(buf[:n])
		if err != nil {
			return nil, fmt.Errorf("decode ACK(%d): %w", block, err)
		}
		if ack.Op != OpAck || ack.Block != block {
			return nil, fmt.Errorf("expected ACK(%d), got %s block %d", block, ack.Op, ack.Block)
		}
		return from, nil
	}
}

// recv reads one datagram with the engine timeout applied. Timeouts are
// reported as ErrTimeout so callers can apply the retry budget.
func (e *Engine) recv(conn *net.UDPConn, buf []byte) (int, *net.UDPAddr, error) {
	if err := conn.SetReadDeadline(time.Now().Add(e.timeout)); err != nil {
		return 0, nil, err
	}
	n, from, err := conn.ReadFromUDP(buf)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			if e.metrics != nil {
				e.metrics.IncTimeout()
			}
			return 0, nil, ErrTimeout
		}
		return 0, nil, err
	}
	return n, from, nil
}

func (e *Engine) countFailure(reason string) {
	common.Logf("tftp: %s", reason)
	if e.failures != nil {
		e.failures.Inc(reason)
	}
}

func (e *Engine) countRetry() {
	if e.metrics != nil {
		e.metrics.IncRetry()
	}
}

func (e *Engine) countBlock(n int) {
	if e.metrics != nil {
		e.metrics.AddBlock(int64(n))
	}
}

func newTransferSocket() (*net.UDPConn, error) {
	return net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
}

// hardwarePNField pads the configured part number to the fixed field
// width the firmware image carries.
func hardwarePNField(pn string) []byte {
	field := make([]byte, hardwarePNSize)
	copy(field, pn)
	return field
}
