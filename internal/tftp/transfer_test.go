package tftp

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"
)

const testTimeout = 300 * time.Millisecond

type recordedFailures struct {
	reasons []string
}

func (r *recordedFailures) Inc(reason string) {
	r.reasons = append(r.reasons, reason)
}

func newLoopback(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func udpAddr(conn *net.UDPConn) *net.UDPAddr {
	return conn.LocalAddr().(*net.UDPAddr)
}

func readFrom(t *testing.T, conn *net.UDPConn) (Packet, *net.UDPAddr) {
	t.Helper()
	buf := make([]byte, maxPacketSize)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, from, err := conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP: %v", err)
	}
	pkt, err := Decode(buf[:n])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return pkt, from
}

func TestServeReadDeliversPayload(t *testing.T) {
	device := newLoopback(t)
	peer := newLoopback(t)
	engine := NewEngine(device, Options{Timeout: testTimeout})

	payload := []byte("load upload initialization")
	done := make(chan error, 1)
	go func() {
		done <- engine.ServeRead(udpAddr(peer), payload)
	}()

	pkt, tid := readFrom(t, peer)
	if pkt.Op != OpData || pkt.Block != 1 {
		t.Fatalf("got %s block %d, want DATA block 1", pkt.Op, pkt.Block)
	}
	if !bytes.Equal(pkt.Data, payload) {
		t.Fatal("payload mismatch")
	}
	if tid.Port == udpAddr(device).Port {
		t.Fatal("DATA sent from listening socket, want ephemeral TID")
	}
	if _, err := peer.WriteToUDP(EncodeAck(1), tid); err != nil {
		t.Fatalf("send ACK: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("ServeRead: %v", err)
	}
}

func TestServeReadRetriesOnceThenSucceeds(t *testing.T) {
	device := newLoopback(t)
	peer := newLoopback(t)
	engine := NewEngine(device, Options{Timeout: testTimeout})

	done := make(chan error, 1)
	go func() {
		done <- engine.ServeRead(udpAddr(peer), []byte("payload"))
	}()

	// Ignore the first send; ACK only the retransmission.
	readFrom(t, peer)
	pkt, tid := readFrom(t, peer)
	if pkt.Op != OpData || pkt.Block != 1 {
		t.Fatalf("retransmit = %s block %d", pkt.Op, pkt.Block)
	}
	peer.WriteToUDP(EncodeAck(1), tid)
	if err := <-done; err != nil {
		t.Fatalf("ServeRead after one retry: %v", err)
	}
}

func TestServeReadFailsAfterRetryBudget(t *testing.T) {
	device := newLoopback(t)
	peer := newLoopback(t)
	engine := NewEngine(device, Options{Timeout: testTimeout})

	done := make(chan error, 1)
	go func() {
		done <- engine.ServeRead(udpAddr(peer), []byte("payload"))
	}()

	sends := 0
	for {
		buf := make([]byte, maxPacketSize)
		peer.SetReadDeadline(time.Now().Add(2 * testTimeout))
		if _, _, err := peer.ReadFromUDP(buf); err != nil {
			break
		}
		sends++
	}
	if sends != 2 {
		t.Fatalf("peer saw %d sends, want initial + exactly one retry", sends)
	}
	if err := <-done; !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestServeWriteCollectsBlocksInSequence(t *testing.T) {
	device := newLoopback(t)
	peer := newLoopback(t)
	engine := NewEngine(device, Options{Timeout: testTimeout})

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := engine.ServeWrite(udpAddr(peer))
		done <- result{data, err}
	}()

	ack, tid := readFrom(t, peer)
	if ack.Op != OpAck || ack.Block != 0 {
		t.Fatalf("got %s block %d, want ACK(0)", ack.Op, ack.Block)
	}

	block1 := bytes.Repeat([]byte{0x11}, BlockSize)
	block2 := []byte("tail")
	peer.WriteToUDP(EncodeData(1, block1), tid)
	if ack, _ := readFrom(t, peer); ack.Op != OpAck || ack.Block != 1 {
		t.Fatalf("got %s block %d, want ACK(1)", ack.Op, ack.Block)
	}
	peer.WriteToUDP(EncodeData(2, block2), tid)
	if ack, _ := readFrom(t, peer); ack.Op != OpAck || ack.Block != 2 {
		t.Fatalf("got %s block %d, want ACK(2)", ack.Op, ack.Block)
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("ServeWrite: %v", res.err)
	}
	if !bytes.Equal(res.data, append(append([]byte{}, block1...), block2...)) {
		t.Fatal("assembled data mismatch")
	}
}

// A block arriving out of sequence must not advance the expected block
// counter and must not be persisted or acknowledged as accepted.
func TestServeWriteIgnoresOutOfOrderBlock(t *testing.T) {
	device := newLoopback(t)
	peer := newLoopback(t)
	failures := &recordedFailures{}
	engine := NewEngine(device, Options{Timeout: testTimeout, Failures: failures})

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := engine.ServeWrite(udpAddr(peer))
		done <- result{data, err}
	}()

	_, tid := readFrom(t, peer)

	// Block 2 before block 1 was ever sent.
	peer.WriteToUDP(EncodeData(2, []byte("premature")), tid)
	peer.WriteToUDP(EncodeData(1, []byte("short final")), tid)
	if ack, _ := readFrom(t, peer); ack.Op != OpAck || ack.Block != 1 {
		t.Fatalf("got %s block %d, want ACK(1)", ack.Op, ack.Block)
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("ServeWrite: %v", res.err)
	}
	if !bytes.Equal(res.data, []byte("short final")) {
		t.Fatalf("data = %q, premature block leaked into the transfer", res.data)
	}
	if len(failures.reasons) != 1 {
		t.Fatalf("failure count = %d, want 1", len(failures.reasons))
	}
}

// A transfer that goes quiet before the short terminating block is a
// truncated file and must not be reported as a success.
func TestServeWriteFailsWithoutTerminatingBlock(t *testing.T) {
	device := newLoopback(t)
	peer := newLoopback(t)
	engine := NewEngine(device, Options{Timeout: testTimeout})

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := engine.ServeWrite(udpAddr(peer))
		done <- result{data, err}
	}()

	_, tid := readFrom(t, peer)
	peer.WriteToUDP(EncodeData(1, bytes.Repeat([]byte{0x22}, BlockSize)), tid)
	readFrom(t, peer) // ACK(1); then go silent

	res := <-done
	if !errors.Is(res.err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", res.err)
	}
	if res.data != nil {
		t.Fatal("truncated transfer returned data as success")
	}
}

func TestSendFile(t *testing.T) {
	device := newLoopback(t)
	peer := newLoopback(t)
	engine := NewEngine(device, Options{Timeout: testTimeout})

	payload := []byte("final load status")
	done := make(chan error, 1)
	go func() {
		done <- engine.SendFile(udpAddr(peer), "FINAL_LOAD.LUS", payload)
	}()

	wrq, deviceAddr := readFrom(t, peer)
	if wrq.Op != OpWRQ || wrq.Filename != "FINAL_LOAD.LUS" {
		t.Fatalf("got %s %q", wrq.Op, wrq.Filename)
	}

	transfer := newLoopback(t)
	transfer.WriteToUDP(EncodeAck(0), deviceAddr)

	data, _ := readFrom(t, transfer)
	if data.Op != OpData || data.Block != 1 || !bytes.Equal(data.Data, payload) {
		t.Fatalf("got %s block %d", data.Op, data.Block)
	}
	transfer.WriteToUDP(EncodeAck(1), deviceAddr)

	if err := <-done; err != nil {
		t.Fatalf("SendFile: %v", err)
	}
}

func TestSendFileFailsAfterTwoTimeouts(t *testing.T) {
	device := newLoopback(t)
	peer := newLoopback(t)
	engine := NewEngine(device, Options{Timeout: testTimeout})

	done := make(chan error, 1)
	go func() {
		done <- engine.SendFile(udpAddr(peer), "INIT_LOAD.LUS", []byte("x"))
	}()

	sends := 0
	for {
		buf := make([]byte, maxPacketSize)
		peer.SetReadDeadline(time.Now().Add(2 * testTimeout))
		if _, _, err := peer.ReadFromUDP(buf); err != nil {
			break
		}
		sends++
	}
	if sends != 2 {
		t.Fatalf("peer saw %d WRQ sends, want 2", sends)
	}
	if err := <-done; !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func firmwareImage(hardwarePN string, size int) []byte {
	img := bytes.Repeat([]byte{0x5A}, size)
	copy(img[hardwarePNOffset:hardwarePNOffset+hardwarePNSize], hardwarePNField(hardwarePN))
	return img
}

func serveFirmware(t *testing.T, peer *net.UDPConn, img []byte) {
	t.Helper()
	rrq, deviceAddr := readFrom(t, peer)
	if rrq.Op != OpRRQ {
		t.Errorf("got %s, want RRQ", rrq.Op)
		return
	}
	transfer := newLoopback(t)
	block := uint16(1)
	for off := 0; ; off += BlockSize {
		end := off + BlockSize
		if end > len(img) {
			end = len(img)
		}
		transfer.WriteToUDP(EncodeData(block, img[off:end]), deviceAddr)
		ack, _ := readFrom(t, transfer)
		if ack.Op != OpAck || ack.Block != block {
			t.Errorf("got %s block %d, want ACK(%d)", ack.Op, ack.Block, block)
			return
		}
		if end-off < BlockSize {
			return
		}
		block++
	}
}

func TestFetchFileStreamsAllBlocks(t *testing.T) {
	device := newLoopback(t)
	peer := newLoopback(t)
	engine := NewEngine(device, Options{Timeout: testTimeout, HardwarePN: "EMB-HW-007-137-001"})

	// 3 full blocks: the peer must terminate with an empty block.
	img := firmwareImage("EMB-HW-007-137-001", 3*BlockSize)

	var sink bytes.Buffer
	type result struct {
		n   int64
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := engine.FetchFile(udpAddr(peer), "fw.bin", &sink)
		done <- result{n, err}
	}()

	serveFirmware(t, peer, img)

	res := <-done
	if res.err != nil {
		t.Fatalf("FetchFile: %v", res.err)
	}
	if res.n != int64(len(img)) {
		t.Fatalf("transferred %d bytes, want %d", res.n, len(img))
	}
	if !bytes.Equal(sink.Bytes(), img) {
		t.Fatal("stored image differs from sent image")
	}
}

// A block retransmitted after a lost ACK must be re-acknowledged but
// never hashed or persisted a second time.
func TestFetchFileIgnoresRetransmittedBlock(t *testing.T) {
	device := newLoopback(t)
	peer := newLoopback(t)
	engine := NewEngine(device, Options{Timeout: testTimeout, HardwarePN: "EMB-HW-007-137-001"})

	img := firmwareImage("EMB-HW-007-137-001", BlockSize+7)

	var sink bytes.Buffer
	type result struct {
		n   int64
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := engine.FetchFile(udpAddr(peer), "fw.bin", &sink)
		done <- result{n, err}
	}()

	rrq, deviceAddr := readFrom(t, peer)
	if rrq.Op != OpRRQ {
		t.Fatalf("got %s, want RRQ", rrq.Op)
	}
	transfer := newLoopback(t)

	transfer.WriteToUDP(EncodeData(1, img[:BlockSize]), deviceAddr)
	if ack, _ := readFrom(t, transfer); ack.Op != OpAck || ack.Block != 1 {
		t.Fatalf("got %s block %d, want ACK(1)", ack.Op, ack.Block)
	}
	// Pretend the ACK was lost and retransmit block 1.
	transfer.WriteToUDP(EncodeData(1, img[:BlockSize]), deviceAddr)
	if ack, _ := readFrom(t, transfer); ack.Op != OpAck || ack.Block != 1 {
		t.Fatalf("retransmit: got %s block %d, want ACK(1)", ack.Op, ack.Block)
	}
	transfer.WriteToUDP(EncodeData(2, img[BlockSize:]), deviceAddr)
	if ack, _ := readFrom(t, transfer); ack.Op != OpAck || ack.Block != 2 {
		t.Fatalf("got %s block %d, want ACK(2)", ack.Op, ack.Block)
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("FetchFile: %v", res.err)
	}
	if res.n != int64(len(img)) {
		t.Fatalf("transferred %d bytes, want %d", res.n, len(img))
	}
	if !bytes.Equal(sink.Bytes(), img) {
		t.Fatal("retransmitted block was persisted twice")
	}
}

func TestFetchFileRejectsForeignHardwarePN(t *testing.T) {
	device := newLoopback(t)
	peer := newLoopback(t)
	failures := &recordedFailures{}
	engine := NewEngine(device, Options{
		Timeout:    testTimeout,
		HardwarePN: "EMB-HW-007-137-001",
		Failures:   failures,
	})

	img := firmwareImage("EMB-HW-999-000-000", 2*BlockSize)

	var sink bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := engine.FetchFile(udpAddr(peer), "fw.bin", &sink)
		done <- err
	}()

	rrq, deviceAddr := readFrom(t, peer)
	if rrq.Op != OpRRQ {
		t.Fatalf("got %s, want RRQ", rrq.Op)
	}
	transfer := newLoopback(t)
	transfer.WriteToUDP(EncodeData(1, img[:BlockSize]), deviceAddr)

	if err := <-done; !errors.Is(err, ErrHardwarePN) {
		t.Fatalf("err = %v, want ErrHardwarePN", err)
	}
	if sink.Len() != 0 {
		t.Fatalf("rejected block was persisted (%d bytes)", sink.Len())
	}
	if len(failures.reasons) != 1 {
		t.Fatalf("failure count = %d, want 1", len(failures.reasons))
	}
}
