// Package auth implements the mutual pre-shared-key handshake that
// gates maintenance mode. The exchange rides on the transfer protocol's
// DATA/ACK packets but carries no file semantics: a single 32-byte key
// in each direction.
package auth

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/tcc-grupo-4-pes/gse-fls/internal/common"
	"github.com/tcc-grupo-4-pes/gse-fls/internal/tftp"
)

// KeySize is the length of each pre-shared key.
const KeySize = 32

const (
	deviceKeyFile = "bc_key.bin"
	peerKeyFile   = "gse_key.bin"

	// DefaultWaitBudget bounds each handshake wait for a peer packet.
	DefaultWaitBudget = 60 * time.Second
)

// Factory defaults, replaced in the field by provisioning.
var (
	defaultDeviceKey = []byte("BC_SECRET_KEY_32_BYTES_EXACTLY!!")
	defaultPeerKey   = []byte("GSE_SECRET_KEY_32_BYTES_EXACTLY!")
)

var (
	ErrTimeout     = errors.New("handshake timed out waiting for peer")
	ErrKeyMismatch = errors.New("peer key does not match expected key")
	ErrKeySize     = errors.New("key file is not exactly 32 bytes")
)

// Keys holds both handshake secrets in transient memory. Zero wipes
// them; callers must zero a Keys value as soon as a handshake attempt
// finishes, whatever the outcome.
type Keys struct {
	Device [KeySize]byte // key sent to authenticate this device
	Peer   [KeySize]byte // key expected from the ground tool
}

// Zero overwrites both keys in place.
func (k *Keys) Zero() {
	for i := range k.Device {
		k.Device[i] = 0
	}
	for i := range k.Peer {
		k.Peer[i] = 0
	}
}

// Store reads and seeds the key files in the persistent key directory.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// SeedDefaults writes the factory keys for any key file that does not
// exist yet. Existing files are left untouched.
func (s *Store) SeedDefaults() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("key dir: %w", err)
	}
	for _, kf := range []struct {
		name string
		key  []byte
	}{
		{deviceKeyFile, defaultDeviceKey},
		{peerKeyFile, defaultPeerKey},
	} {
		path := filepath.Join(s.dir, kf.name)
		if _, err := os.Stat(path); err == nil {
			continue
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("stat %s: %w", kf.name, err)
		}
		if err := os.WriteFile(path, kf.key, 0o600); err != nil {
			return fmt.Errorf("seed %s: %w", kf.name, err)
		}
		common.Logf("auth: seeded %s", kf.name)
	}
	return nil
}

// Load reads both key files into memory for a handshake attempt.
func (s *Store) Load() (*Keys, error) {
	keys := &Keys{}
	if err := readKeyFile(filepath.Join(s.dir, deviceKeyFile), keys.Device[:]); err != nil {
		return nil, fmt.Errorf("device key: %w", err)
	}
	if err := readKeyFile(filepath.Join(s.dir, peerKeyFile), keys.Peer[:]); err != nil {
		keys.Zero()
		return nil, fmt.Errorf("peer key: %w", err)
	}
	return keys, nil
}

func readKeyFile(path string, dst []byte) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(raw) != KeySize {
		return fmt.Errorf("%s has %d bytes: %w", filepath.Base(path), len(raw), ErrKeySize)
	}
	copy(dst, raw)
	for i := range raw {
		raw[i] = 0
	}
	return nil
}

// Handshake runs the mutual key exchange over the listening socket:
//
//  1. wait for a DATA packet holding exactly the expected peer key
//     (non-DATA packets are ignored, a wrong key is a hard failure)
//  2. acknowledge it
//  3. send the device key as DATA block 1
//  4. wait for the peer's ACK
//
// It returns the authenticated peer address. waitBudget bounds each of
// the two waits; expiry is reported as ErrTimeout so the controller can
// keep listening across attempts.
func Handshake(conn *net.UDPConn, keys *Keys, waitBudget time.Duration) (*net.UDPAddr, error) {
	if waitBudget <= 0 {
		waitBudget = DefaultWaitBudget
	}

	common.Logf("auth: waiting for peer key")
	pkt, peer, err := awaitPacket(conn, waitBudget, func(p tftp.Packet) bool {
		return p.Op == tftp.OpData
	})
	if err != nil {
		return nil, err
	}
	if len(pkt.Data) != KeySize || !bytes.Equal(pkt.Data, keys.Peer[:]) {
		return nil, ErrKeyMismatch
	}
	common.Logf("auth: peer key accepted")

	if _, err := conn.WriteToUDP(tftp.EncodeAck(pkt.Block), peer); err != nil {
		return nil, fmt.Errorf("acknowledge peer key: %w", err)
	}

	common.Logf("auth: sending device key")
	if _, err := conn.WriteToUDP(tftp.EncodeData(1, keys.Device[:]), peer); err != nil {
		return nil, fmt.Errorf("send device key: %w", err)
	}

	ack, _, err := awaitPacket(conn, waitBudget, func(p tftp.Packet) bool {
		return true
	})
	if err != nil {
		return nil, err
	}
	if ack.Op != tftp.OpAck || ack.Block != 1 {
		return nil, fmt.Errorf("peer did not acknowledge device key: got %s block %d", ack.Op, ack.Block)
	}

	common.Logf("auth: handshake complete with %s", peer)
	return peer, nil
}

// awaitPacket reads packets until accept returns true or the budget
// expires. Undecodable packets are skipped.
func awaitPacket(conn *net.UDPConn, budget time.Duration, accept func(tftp.Packet) bool) (tftp.Packet, *net.UDPAddr, error) {
	deadline := time.Now().Add(budget)
	buf := make([]byte, 4+tftp.BlockSize)
	for {
		if time.Now().After(deadline) {
			return tftp.Packet{}, nil, ErrTimeout
		}
		if err := conn.SetReadDeadline(time.Now().Add(tftp.DefaultTimeout)); err != nil {
			return tftp.Packet{}, nil, err
		}
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return tftp.Packet{}, nil, err
		}
		pkt, err := tftp.Decode(buf[:n])
		if err != nil {
			common.Logf("auth: ignoring undecodable packet: %v", err)
			continue
		}
		if !accept(pkt) {
			common.Logf("auth: ignoring %s while waiting", pkt.Op)
			continue
		}
		return pkt, from, nil
	}
}
