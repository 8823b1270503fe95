// Package fsm drives the maintenance life cycle of the B/C module: a
// polled state machine that takes the device from operational duty
// through an authenticated firmware upload and back, or into a terminal
// error state when the anomaly budget is spent.
package fsm

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/tcc-grupo-4-pes/gse-fls/internal/arinc"
	"github.com/tcc-grupo-4-pes/gse-fls/internal/auth"
	"github.com/tcc-grupo-4-pes/gse-fls/internal/button"
	"github.com/tcc-grupo-4-pes/gse-fls/internal/common"
	"github.com/tcc-grupo-4-pes/gse-fls/internal/report"
	"github.com/tcc-grupo-4-pes/gse-fls/internal/storage"
	"github.com/tcc-grupo-4-pes/gse-fls/internal/tftp"
	"github.com/tcc-grupo-4-pes/gse-fls/internal/wifi"
)

// DefaultPollInterval is the state machine tick.
const DefaultPollInterval = 50 * time.Millisecond

// ErrHalted reports that the machine reached its terminal error state.
var ErrHalted = errors.New("state machine halted in ERROR")

// Config assembles everything the controller needs.
type Config struct {
	KeysDir          string
	FirmwareDir      string
	ReportDir        string
	SupportedPNs     []string
	HardwarePN       string
	MinFreeBytes     uint64
	PollInterval     time.Duration
	RecvTimeout      time.Duration
	HandshakeTimeout time.Duration
	AP               wifi.APConfig
}

// Controller owns the listening socket and walks the state machine.
type Controller struct {
	cfg     Config
	conn    *net.UDPConn
	engine  *tftp.Engine
	store   *storage.Store
	keys    *auth.Store
	trigger button.Trigger
	ap      wifi.Applier

	session *Session
	staging *storage.Staging
	metrics *common.Metrics
	cur     State
	apUp    bool
}

// NewController wires the controller onto an already-bound listening
// socket. The socket stays owned by the caller.
func NewController(cfg Config, conn *net.UDPConn, trigger button.Trigger, ap wifi.Applier) (*Controller, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.RecvTimeout <= 0 {
		cfg.RecvTimeout = tftp.DefaultTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = auth.DefaultWaitBudget
	}
	if cfg.AP == (wifi.APConfig{}) {
		cfg.AP = wifi.DefaultAPConfig()
	}
	if len(cfg.SupportedPNs) == 0 {
		return nil, fmt.Errorf("no supported load part numbers configured")
	}

	store, err := storage.NewStore(cfg.FirmwareDir, cfg.MinFreeBytes)
	if err != nil {
		return nil, err
	}

	session := &Session{}
	c := &Controller{
		cfg:     cfg,
		conn:    conn,
		store:   store,
		keys:    auth.NewStore(cfg.KeysDir),
		trigger: trigger,
		ap:      ap,
		session: session,
		cur:     StateInit,
	}
	c.engine = tftp.NewEngine(conn, tftp.Options{
		Timeout:    cfg.RecvTimeout,
		HardwarePN: cfg.HardwarePN,
		Failures:   session,
	})
	return c, nil
}

// State returns the current state. Intended for status reporting.
func (c *Controller) State() State { return c.cur }

// Run executes the state machine until the context is cancelled or the
// machine halts in ERROR.
func (c *Controller) Run(ctx context.Context) error {
	if err := stateOps[StateInit].enter(c); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case <-ticker.C:
		}
		if err := c.step(); err != nil {
			return err
		}
	}
}

// step runs one poll tick: the current state's run op, the anomaly
// budget check, and any resulting transition. A step in ERROR returns
// ErrHalted.
func (c *Controller) step() error {
	if c.cur == StateError {
		return ErrHalted
	}
	next, err := stateOps[c.cur].run(c)
	if err != nil {
		c.session.Inc(err.Error())
	}
	if c.session.Exhausted() {
		next = StateError
	}
	if next != c.cur {
		c.transitionTo(next)
	}
	return nil
}

func (c *Controller) transitionTo(next State) {
	if exit := stateOps[c.cur].exit; exit != nil {
		if err := exit(c); err != nil {
			common.Logf("fsm: exit %s: %v", c.cur, err)
		}
	}
	common.Logf("fsm: %s -> %s", c.cur, next)
	c.cur = next
	if enter := stateOps[next].enter; enter != nil {
		if err := enter(c); err != nil {
			common.Logf("fsm: enter %s: %v", next, err)
			// Entry failures are operation-fatal.
			if next != StateError {
				c.session.LastFailure = fmt.Sprintf("enter %s: %v", next, err)
				c.transitionTo(StateError)
			}
		}
	}
}

func (c *Controller) shutdown() {
	if c.staging != nil {
		c.staging.Close()
		c.staging = nil
	}
	if c.apUp {
		if err := c.ap.Down(); err != nil {
			common.Logf("fsm: AP down: %v", err)
		}
		c.apUp = false
	}
}

// readPacket waits up to the receive timeout for one decodable packet.
func (c *Controller) readPacket() (tftp.Packet, *net.UDPAddr, error) {
	buf := make([]byte, 4+tftp.BlockSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.RecvTimeout)); err != nil {
		return tftp.Packet{}, nil, err
	}
	n, from, err := c.conn.ReadFromUDP(buf)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return tftp.Packet{}, nil, tftp.ErrTimeout
		}
		return tftp.Packet{}, nil, err
	}
	pkt, err := tftp.Decode(buf[:n])
	if err != nil {
		return tftp.Packet{}, from, err
	}
	return pkt, from, nil
}

func (c *Controller) partNumberSupported(pn string) bool {
	for _, s := range c.cfg.SupportedPNs {
		if s == pn {
			return true
		}
	}
	return false
}

// sendStatus pushes an LUS to the peer. Used on paths where delivery is
// best effort; the caller decides whether failure matters.
func (c *Controller) sendStatus(status arinc.StatusCode, desc string, counter uint16, ratio string) error {
	lus, err := arinc.EncodeLUS(status, desc, counter, ratio)
	if err != nil {
		return err
	}
	return c.engine.SendFile(c.session.Peer, pickStatusFile(counter), lus)
}

func pickStatusFile(counter uint16) string {
	if counter == 0 {
		return arinc.InitStatusFile
	}
	return arinc.FinalStatusFile
}

func (c *Controller) writeRecord(outcome report.Outcome, detail string) {
	rec := report.LoadRecord{
		PartNumber:     c.session.Request.LoadPartNumber,
		HeaderFileName: c.session.Request.HeaderFileName,
		SizeBytes:      c.session.Size,
		Outcome:        outcome,
		FailureCount:   c.session.Failures,
		StartedAt:      c.session.StartedAt,
		FinishedAt:     time.Now(),
		Detail:         detail,
	}
	if c.session.Size > 0 {
		rec.SHA256 = hex.EncodeToString(c.session.Digest[:])
	}
	if base, err := report.Save(rec, c.cfg.ReportDir); err != nil {
		common.Logf("fsm: save load record: %v", err)
	} else {
		common.Logf("fsm: load record %s saved", base)
	}
}

// --- state operations -------------------------------------------------

func enterInit(c *Controller) error {
	common.Logf("fsm: initializing")
	if err := c.keys.SeedDefaults(); err != nil {
		return err
	}
	// A stale staged image means the previous cycle died mid-upload.
	if err := c.store.Discard(); err != nil {
		common.Logf("fsm: discard stale staging: %v", err)
	}
	return nil
}

func runInit(c *Controller) (State, error) {
	return StateOperational, nil
}

func runOperational(c *Controller) (State, error) {
	if c.trigger.Pressed() {
		common.Logf("fsm: maintenance requested")
		return StateMaintWait, nil
	}
	return StateOperational, nil
}

func enterMaintWait(c *Controller) error {
	if c.apUp {
		return nil
	}
	if err := c.ap.Up(c.cfg.AP); err != nil {
		return fmt.Errorf("bring AP up: %w", err)
	}
	c.apUp = true
	return nil
}

// runMaintWait first authenticates the peer, then waits for its read
// request for the initialization info file.
func runMaintWait(c *Controller) (State, error) {
	if !c.session.Authenticated {
		keys, err := c.keys.Load()
		if err != nil {
			return StateMaintWait, fmt.Errorf("load keys: %w", err)
		}
		peer, err := auth.Handshake(c.conn, keys, c.cfg.HandshakeTimeout)
		keys.Zero()
		if err != nil {
			if errors.Is(err, auth.ErrTimeout) {
				return StateMaintWait, nil
			}
			c.session.LastFailure = fmt.Sprintf("handshake: %v", err)
			return StateError, nil
		}
		c.session.Peer = peer
		c.session.Authenticated = true
		c.session.StartedAt = time.Now()
		return StateMaintWait, nil
	}

	pkt, from, err := c.readPacket()
	if err != nil {
		if errors.Is(err, tftp.ErrTimeout) {
			return StateMaintWait, nil
		}
		return StateMaintWait, fmt.Errorf("await info request: %w", err)
	}
	if pkt.Op != tftp.OpRRQ || !strings.HasSuffix(pkt.Filename, arinc.InfoFileSuffix) {
		return StateMaintWait, fmt.Errorf("expected info file read request, got %s %q", pkt.Op, pkt.Filename)
	}

	lui := arinc.EncodeLUI(arinc.StatusAcceptedNotStarted, "ready for load upload")
	if err := c.engine.ServeRead(from, lui); err != nil {
		return StateMaintWait, fmt.Errorf("serve info file: %w", err)
	}
	c.session.Peer = from
	return StateUploadPrep, nil
}

func enterUploadPrep(c *Controller) error {
	if err := c.sendStatus(arinc.StatusAcceptedNotStarted, "load accepted", 0, "000"); err != nil {
		return fmt.Errorf("send init status: %w", err)
	}
	return nil
}

// runUploadPrep waits for the load request and gates it on the
// configured set of loadable part numbers.
func runUploadPrep(c *Controller) (State, error) {
	pkt, from, err := c.readPacket()
	if err != nil {
		if errors.Is(err, tftp.ErrTimeout) {
			return StateUploadPrep, nil
		}
		return StateUploadPrep, fmt.Errorf("await load request: %w", err)
	}
	if pkt.Op != tftp.OpWRQ || !strings.HasSuffix(pkt.Filename, arinc.RequestFileSuffix) {
		return StateUploadPrep, fmt.Errorf("expected load request write, got %s %q", pkt.Op, pkt.Filename)
	}

	raw, err := c.engine.ServeWrite(from)
	if err != nil {
		c.session.LastFailure = fmt.Sprintf("receive load request: %v", err)
		return StateError, nil
	}
	lur, err := arinc.DecodeLUR(raw)
	if err != nil {
		c.session.LastFailure = fmt.Sprintf("decode load request: %v", err)
		return StateError, nil
	}
	if !c.partNumberSupported(lur.LoadPartNumber) {
		common.Logf("fsm: part number %q not loadable on this device", lur.LoadPartNumber)
		c.session.Request = lur
		c.session.LastFailure = fmt.Sprintf("unsupported part number %q", lur.LoadPartNumber)
		return StateError, nil
	}
	c.session.Request = lur
	common.Logf("fsm: load request for %s (%s)", lur.LoadPartNumber, lur.HeaderFileName)
	return StateUploading, nil
}

func enterUploading(c *Controller) error {
	c.metrics = common.NewMetrics()
	c.engine.SetMetrics(c.metrics)
	c.metrics.Start()

	st, err := c.store.OpenStaging()
	if err != nil {
		return err
	}
	c.staging = st

	if _, err := c.engine.FetchFile(c.session.Peer, c.session.Request.HeaderFileName, st); err != nil {
		st.Close()
		c.staging = nil
		return fmt.Errorf("fetch %s: %w", c.session.Request.HeaderFileName, err)
	}
	sum, size, err := st.Finalize()
	if err != nil {
		return err
	}
	c.session.Digest = sum
	c.session.Size = size
	return nil
}

// runUploading waits for the expected image digest, sent by the tool as
// a bare data packet after the image transfer.
func runUploading(c *Controller) (State, error) {
	pkt, from, err := c.readPacket()
	if err != nil {
		if errors.Is(err, tftp.ErrTimeout) {
			return StateUploading, nil
		}
		return StateUploading, fmt.Errorf("await image digest: %w", err)
	}
	if pkt.Op != tftp.OpData || len(pkt.Data) != len(c.session.Digest) {
		return StateUploading, fmt.Errorf("expected %d-byte digest, got %s with %d bytes", len(c.session.Digest), pkt.Op, len(pkt.Data))
	}
	c.session.ExpectedDigest = pkt.Data
	if _, err := c.conn.WriteToUDP(tftp.EncodeAck(pkt.Block), from); err != nil {
		return StateUploading, fmt.Errorf("acknowledge digest: %w", err)
	}
	return StateVerify, nil
}

func runVerify(c *Controller) (State, error) {
	if subtle.ConstantTimeCompare(c.session.Digest[:], c.session.ExpectedDigest) != 1 {
		c.session.LastFailure = "image digest verification failed"
		common.Logf("fsm: %s", c.session.LastFailure)
		return StateError, nil
	}
	common.Logf("fsm: image digest verified (%s)", hex.EncodeToString(c.session.Digest[:8]))
	return StateSave, nil
}

func runSave(c *Controller) (State, error) {
	if err := c.store.Promote(c.staging); err != nil {
		c.session.LastFailure = fmt.Sprintf("promote image: %v", err)
		common.Logf("fsm: %s", c.session.LastFailure)
		return StateError, nil
	}
	c.staging = nil
	return StateTeardown, nil
}

func enterTeardown(c *Controller) error {
	if c.metrics != nil {
		c.metrics.Stop()
		common.Logf("fsm: transfer metrics: %s", c.metrics.Snapshot())
	}
	if err := c.sendStatus(arinc.StatusCompletedOK, "load complete", 2, "100"); err != nil {
		// The image is already committed; a lost status file is the
		// tool's problem to retry, not grounds for ERROR.
		common.Logf("fsm: send final status: %v", err)
	}
	c.writeRecord(report.OutcomeCompleted, "")
	return nil
}

func runTeardown(c *Controller) (State, error) {
	c.session.Reset()
	c.engine.SetMetrics(nil)
	c.metrics = nil
	common.Logf("fsm: maintenance cycle complete, awaiting next session")
	return StateMaintWait, nil
}

// enterError is terminal: staged data is destroyed, the failure is
// recorded and the process stops making progress until a power cycle.
func enterError(c *Controller) error {
	common.Logf("fsm: entering terminal error state: %s", c.session.LastFailure)
	if c.metrics != nil {
		c.metrics.Stop()
	}
	if c.staging != nil {
		c.staging.Close()
		c.staging = nil
	}
	if err := c.store.Discard(); err != nil {
		common.Logf("fsm: discard staging: %v", err)
	}
	if c.session.Authenticated && c.session.Peer != nil {
		if err := c.sendStatus(arinc.StatusAbortedByTarget, c.session.LastFailure, 2, "000"); err != nil {
			common.Logf("fsm: send abort status: %v", err)
		}
	}
	c.writeRecord(report.OutcomeFailed, c.session.LastFailure)
	if c.apUp {
		if err := c.ap.Down(); err != nil {
			common.Logf("fsm: AP down: %v", err)
		}
		c.apUp = false
	}
	return nil
}

func runError(c *Controller) (State, error) {
	return StateError, nil
}
