// Command gsectl is the ground-side loader: it authenticates against a
// B/C module in maintenance mode and drives one full firmware load
// session from the bench.
package main

import (
	"bytes"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/tcc-grupo-4-pes/gse-fls/internal/arinc"
	"github.com/tcc-grupo-4-pes/gse-fls/internal/auth"
	"github.com/tcc-grupo-4-pes/gse-fls/internal/common"
	"github.com/tcc-grupo-4-pes/gse-fls/internal/tftp"
)

func main() {
	deviceFlag := flag.String("device", "192.168.4.1:69", "device address")
	firmware := flag.String("firmware", "", "firmware image to load")
	pn := flag.String("pn", "", "load part number")
	keysDir := flag.String("keys", "keys", "key directory")
	timeout := flag.Duration("timeout", 5*time.Second, "per-packet receive timeout")
	flag.Parse()

	if *firmware == "" || *pn == "" {
		fmt.Fprintln(os.Stderr, "usage: gsectl -firmware <image> -pn <part number> [-device addr]")
		os.Exit(2)
	}

	device, err := net.ResolveUDPAddr("udp4", *deviceFlag)
	if err != nil {
		common.Fatalf("resolve device address: %v", err)
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		common.Fatalf("open socket: %v", err)
	}
	defer conn.Close()

	img, err := os.ReadFile(*firmware)
	if err != nil {
		common.Fatalf("read firmware: %v", err)
	}
	digestHex, size, err := common.Sha256OfFile(*firmware)
	if err != nil {
		common.Fatalf("hash firmware: %v", err)
	}
	digest, err := hex.DecodeString(digestHex)
	if err != nil {
		common.Fatalf("decode digest: %v", err)
	}
	common.Logf("gsectl: loading %s (%d bytes, sha256 %s)", *firmware, size, digestHex[:16])

	c := &client{conn: conn, device: device, timeout: *timeout}
	if err := c.run(*keysDir, filepath.Base(*firmware), *pn, img, digest); err != nil {
		common.Fatalf("load session: %v", err)
	}
	common.Logf("gsectl: load complete")
}

type client struct {
	conn    *net.UDPConn
	device  *net.UDPAddr
	timeout time.Duration
}

func (c *client) run(keysDir, firmwareName, pn string, img, digest []byte) error {
	keys, err := auth.NewStore(keysDir).Load()
	if err != nil {
		return fmt.Errorf("load keys: %w", err)
	}
	err = c.handshake(keys)
	keys.Zero()
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	if err := c.fetchInfoFile(); err != nil {
		return fmt.Errorf("info file: %w", err)
	}
	if err := c.receiveStatus(arinc.InitStatusFile); err != nil {
		return fmt.Errorf("init status: %w", err)
	}
	if err := c.sendLoadRequest(firmwareName, pn); err != nil {
		return fmt.Errorf("load request: %w", err)
	}
	if err := c.serveFirmware(firmwareName, img); err != nil {
		return fmt.Errorf("firmware transfer: %w", err)
	}
	if err := c.sendDigest(digest); err != nil {
		return fmt.Errorf("digest: %w", err)
	}
	if err := c.receiveStatus(arinc.FinalStatusFile); err != nil {
		return fmt.Errorf("final status: %w", err)
	}
	return nil
}

// handshake authenticates mutually: our key first, the device's key
// back. The role is mirrored from the device side, so the key we send
// is the one the device stores as its peer key.
func (c *client) handshake(keys *auth.Keys) error {
	common.Logf("gsectl: authenticating")
	if err := c.send(tftp.EncodeData(1, keys.Peer[:]), c.device); err != nil {
		return err
	}
	ack, _, err := c.read()
	if err != nil {
		return err
	}
	if ack.Op != tftp.OpAck {
		return fmt.Errorf("key not acknowledged, got %s", ack.Op)
	}
	data, from, err := c.read()
	if err != nil {
		return err
	}
	if data.Op != tftp.OpData || !bytes.Equal(data.Data, keys.Device[:]) {
		return errors.New("device key mismatch")
	}
	return c.send(tftp.EncodeAck(data.Block), from)
}

// fetchInfoFile asks for the initialization info file and checks the
// device is ready to accept a load.
func (c *client) fetchInfoFile() error {
	if err := c.send(tftp.EncodeRequest(tftp.OpRRQ, "UPLOAD"+arinc.InfoFileSuffix), c.device); err != nil {
		return err
	}
	data, tid, err := c.read()
	if err != nil {
		return err
	}
	if data.Op != tftp.OpData {
		return fmt.Errorf("got %s, want DATA", data.Op)
	}
	lui, err := arinc.DecodeLUI(data.Data)
	if err != nil {
		return err
	}
	if err := c.send(tftp.EncodeAck(data.Block), tid); err != nil {
		return err
	}
	if lui.Status != arinc.StatusAcceptedNotStarted {
		return fmt.Errorf("device not ready: status %#x %q", uint16(lui.Status), lui.Description)
	}
	common.Logf("gsectl: device ready: %s", lui.Description)
	return nil
}

// receiveStatus plays server for the status file the device pushes: ACK
// its write request from a fresh transfer socket, take the single
// block, acknowledge it.
func (c *client) receiveStatus(wantFile string) error {
	wrq, _, err := c.read()
	if err != nil {
		return err
	}
	if wrq.Op != tftp.OpWRQ || wrq.Filename != wantFile {
		return fmt.Errorf("got %s %q, want WRQ %q", wrq.Op, wrq.Filename, wantFile)
	}
	transfer, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return err
	}
	defer transfer.Close()

	if _, err := transfer.WriteToUDP(tftp.EncodeAck(0), c.device); err != nil {
		return err
	}
	buf := make([]byte, 4+tftp.BlockSize)
	transfer.SetReadDeadline(time.Now().Add(c.timeout))
	n, _, err := transfer.ReadFromUDP(buf)
	if err != nil {
		return err
	}
	data, err := tftp.Decode(buf[:n])
	if err != nil {
		return err
	}
	if data.Op != tftp.OpData {
		return fmt.Errorf("got %s, want DATA", data.Op)
	}
	if _, err := transfer.WriteToUDP(tftp.EncodeAck(data.Block), c.device); err != nil {
		return err
	}

	lus, err := arinc.DecodeLUS(data.Data)
	if err != nil {
		return err
	}
	common.Logf("gsectl: %s: status %#x counter %d ratio %s",
		wantFile, uint16(lus.Status), lus.Counter, lus.Ratio)
	if lus.Status >= arinc.StatusRejected {
		return fmt.Errorf("device reported failure: %q", lus.Description)
	}
	return nil
}

func (c *client) sendLoadRequest(firmwareName, pn string) error {
	if err := c.send(tftp.EncodeRequest(tftp.OpWRQ, "request"+arinc.RequestFileSuffix), c.device); err != nil {
		return err
	}
	ack, tid, err := c.read()
	if err != nil {
		return err
	}
	if ack.Op != tftp.OpAck || ack.Block != 0 {
		return fmt.Errorf("got %s block %d, want ACK(0)", ack.Op, ack.Block)
	}
	if err := c.send(tftp.EncodeData(1, arinc.EncodeLUR(firmwareName, pn)), tid); err != nil {
		return err
	}
	ack, _, err = c.read()
	if err != nil {
		return err
	}
	if ack.Op != tftp.OpAck || ack.Block != 1 {
		return fmt.Errorf("got %s block %d, want ACK(1)", ack.Op, ack.Block)
	}
	common.Logf("gsectl: load request for %s accepted", pn)
	return nil
}

// serveFirmware answers the device's read request for the image, block
// by block. An image that is a multiple of the block size gets an empty
// terminating block.
func (c *client) serveFirmware(firmwareName string, img []byte) error {
	rrq, _, err := c.read()
	if err != nil {
		return err
	}
	if rrq.Op != tftp.OpRRQ || rrq.Filename != firmwareName {
		return fmt.Errorf("got %s %q, want RRQ %q", rrq.Op, rrq.Filename, firmwareName)
	}
	transfer, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return err
	}
	defer transfer.Close()

	buf := make([]byte, 4+tftp.BlockSize)
	block := uint16(1)
	for off := 0; ; off += tftp.BlockSize {
		end := off + tftp.BlockSize
		if end > len(img) {
			end = len(img)
		}
		if _, err := transfer.WriteToUDP(tftp.EncodeData(block, img[off:end]), c.device); err != nil {
			return err
		}
		transfer.SetReadDeadline(time.Now().Add(c.timeout))
		n, _, err := transfer.ReadFromUDP(buf)
		if err != nil {
			return fmt.Errorf("block %d: %w", block, err)
		}
		ack, err := tftp.Decode(buf[:n])
		if err != nil || ack.Op != tftp.OpAck || ack.Block != block {
			return fmt.Errorf("block %d not acknowledged", block)
		}
		if end-off < tftp.BlockSize {
			common.Logf("gsectl: firmware sent in %d blocks", block)
			return nil
		}
		block++
	}
}

func (c *client) sendDigest(digest []byte) error {
	if err := c.send(tftp.EncodeData(1, digest), c.device); err != nil {
		return err
	}
	ack, _, err := c.read()
	if err != nil {
		return err
	}
	if ack.Op != tftp.OpAck {
		return fmt.Errorf("digest not acknowledged, got %s", ack.Op)
	}
	return nil
}

func (c *client) send(raw []byte, to *net.UDPAddr) error {
	_, err := c.conn.WriteToUDP(raw, to)
	return err
}

func (c *client) read() (tftp.Packet, *net.UDPAddr, error) {
	buf := make([]byte, 4+tftp.BlockSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return tftp.Packet{}, nil, err
	}
	n, from, err := c.conn.ReadFromUDP(buf)
	if err != nil {
		return tftp.Packet{}, nil, err
	}
	pkt, err := tftp.Decode(buf[:n])
	if err != nil {
		return tftp.Packet{}, from, err
	}
	return pkt, from, nil
}
