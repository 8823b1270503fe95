package fsm

import (
	"crypto/sha256"
	"net"
	"time"

	"github.com/tcc-grupo-4-pes/gse-fls/internal/arinc"
	"github.com/tcc-grupo-4-pes/gse-fls/internal/common"
)

// maxFailures is the number of recoverable anomalies tolerated within
// one maintenance cycle. One more forces the ERROR state.
const maxFailures = 2

// Session carries everything accumulated during one maintenance cycle.
// It implements the transfer engine's failure counter so protocol
// anomalies and state machine anomalies share one budget.
type Session struct {
	Peer           *net.UDPAddr
	Authenticated  bool
	Request        arinc.LUR
	Digest         [sha256.Size]byte
	ExpectedDigest []byte
	Size           int64
	Failures       int
	LastFailure    string
	StartedAt      time.Time
}

// Inc records one recoverable anomaly.
func (s *Session) Inc(reason string) {
	s.Failures++
	s.LastFailure = reason
	common.Logf("session: anomaly %d/%d: %s", s.Failures, maxFailures, reason)
}

// Exhausted reports whether the anomaly budget is spent.
func (s *Session) Exhausted() bool {
	return s.Failures > maxFailures
}

// Reset clears the session for the next maintenance cycle.
func (s *Session) Reset() {
	*s = Session{}
}
