// Package wifi describes the maintenance access point the device brings
// up so the ground support equipment can reach it. On the bench the
// Applier is a logger; on the target it shells out to the platform's
// network stack.
package wifi

import (
	"fmt"
	"net"

	"github.com/tcc-grupo-4-pes/gse-fls/internal/common"
)

// APConfig is the soft-AP profile for a maintenance session.
type APConfig struct {
	SSID       string `yaml:"ssid"`
	Passphrase string `yaml:"passphrase"`
	Channel    int    `yaml:"channel"`
	MaxClients int    `yaml:"maxClients"`
	Gateway    string `yaml:"gateway"`
	Netmask    string `yaml:"netmask"`
}

// DefaultAPConfig is the profile the loader ships with. Only one client
// is admitted: the ground tool.
func DefaultAPConfig() APConfig {
	return APConfig{
		SSID:       "FCC01",
		Passphrase: "embraerBC",
		Channel:    1,
		MaxClients: 1,
		Gateway:    "192.168.4.1",
		Netmask:    "255.255.255.0",
	}
}

// Validate checks the profile before it is handed to an Applier.
func (c APConfig) Validate() error {
	if c.SSID == "" {
		return fmt.Errorf("access point: empty SSID")
	}
	if len(c.Passphrase) < 8 {
		return fmt.Errorf("access point: passphrase under 8 characters")
	}
	if c.Channel < 1 || c.Channel > 13 {
		return fmt.Errorf("access point: channel %d out of range", c.Channel)
	}
	if c.MaxClients < 1 {
		return fmt.Errorf("access point: max clients %d", c.MaxClients)
	}
	if net.ParseIP(c.Gateway) == nil {
		return fmt.Errorf("access point: bad gateway %q", c.Gateway)
	}
	if net.ParseIP(c.Netmask) == nil {
		return fmt.Errorf("access point: bad netmask %q", c.Netmask)
	}
	return nil
}

// Applier brings the access point up and down.
type Applier interface {
	Up(cfg APConfig) error
	Down() error
}

// LogApplier records AP transitions without touching the host network.
// It stands in for the platform driver during bench runs and tests.
type LogApplier struct{}

func (LogApplier) Up(cfg APConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	common.Logf("wifi: AP up ssid=%s channel=%d gateway=%s maxClients=%d",
		cfg.SSID, cfg.Channel, cfg.Gateway, cfg.MaxClients)
	return nil
}

func (LogApplier) Down() error {
	common.Logf("wifi: AP down")
	return nil
}
