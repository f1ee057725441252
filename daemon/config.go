// Package daemon wires components C1 through C9 into one running process:
// one vault registry, one revocation engine, one chain watcher, and one
// spend coordinator, sharing a single node RPC connection and a single
// signature-exchange client, per the "shared resource discipline" in
// spec.md §5.
package daemon

import (
	"fmt"
	"time"

	flags "github.com/jessevdk/go-flags"
)

// Config is the full set of knobs a stakeholder's vaultd process needs.
// Field tags follow jessevdk/go-flags conventions, the library the
// teacher's config.go is built on.
type Config struct {
	Network string `long:"network" description:"mainnet, testnet3, or regtest" default:"regtest"`

	RPCHost       string `long:"rpchost" description:"host:port of the backing bitcoind's RPC server"`
	RPCUser       string `long:"rpcuser"`
	RPCPass       string `long:"rpcpass"`
	RPCNoTLS      bool   `long:"rpcnotls" description:"connect to bitcoind over plaintext HTTP"`

	SigExchangeURL string `long:"sigexchangeurl" description:"base URL of the signature-exchange server"`
	CosignURL      string `long:"cosignurl" description:"base URL of the cosigning server"`

	Position uint8 `long:"position" description:"this stakeholder's position, 1-4"`

	OnlineXprivPath    string   `long:"onlinexprivpath" description:"path to a file holding this stakeholder's online account xpriv"`
	EmergencyKeyPath   string   `long:"emergencykeypath" description:"path to a file holding this stakeholder's offline emergency private key (WIF)"`
	XPubs              []string `long:"xpub" description:"one of the four stakeholders' online xpubs, position order, repeated four times"`
	EmergencyPubKeys   []string `long:"emergencypubkey" description:"one of the four stakeholders' emergency pubkeys, position order, repeated four times"`
	AcknowledgedAddrs  []string `long:"ackaddr" description:"a destination address this stakeholder pre-approves for spends, repeatable"`

	PollInterval time.Duration `long:"pollinterval" default:"15s" description:"chain watcher and spend approval poll period"`

	MetricsAddr string `long:"metricsaddr" description:"host:port to serve Prometheus metrics on; empty disables the endpoint"`

	LogDir       string `long:"logdir" default:"./logs"`
	DebugLevel   string `long:"debuglevel" default:"info"`
}

// LoadConfig parses command-line flags into a Config. No config file is
// read.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	parser := flags.NewParser(cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Position < 1 || c.Position > 4 {
		return fmt.Errorf("daemon: --position must be 1-4, got %d", c.Position)
	}
	if len(c.XPubs) != 4 {
		return fmt.Errorf("daemon: exactly four --xpub flags are required, got %d", len(c.XPubs))
	}
	if len(c.EmergencyPubKeys) != 4 {
		return fmt.Errorf("daemon: exactly four --emergencypubkey flags are required, got %d", len(c.EmergencyPubKeys))
	}
	if c.RPCHost == "" {
		return fmt.Errorf("daemon: --rpchost is required")
	}
	if c.SigExchangeURL == "" {
		return fmt.Errorf("daemon: --sigexchangeurl is required")
	}
	if c.CosignURL == "" {
		return fmt.Errorf("daemon: --cosignurl is required")
	}
	return nil
}
