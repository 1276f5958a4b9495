package config

import (
	_ "embed"
	"strconv"
	"time"

	"github.com/juju/errors"
	"github.com/zeromicro/go-zero/core/conf"
	"github.com/zeromicro/go-zero/core/proc"
	"github.com/zeromicro/go-zero/core/service"
)

//go:embed peer.yaml
var defaultConfig []byte

type Config struct {
	service.ServiceConf
	Host        string `json:",default=0.0.0.0"`
	DataPort    int    `json:",optional"`
	ControlHost string `json:",default=127.0.0.1"`
	ControlPort int    `json:",optional"`
	// Tracker is host:port, normally set later with the tracker command.
	Tracker   string `json:",optional"`
	PieceSize int    `json:",default=262144"`

	ConnectTimeout    time.Duration `json:",default=3s"`
	RequestTimeout    time.Duration `json:",default=10s"`
	KeepAliveInterval time.Duration `json:",default=30s"`

	RefreshInterval time.Duration `json:",default=5s"`
	PieceCooldown   time.Duration `json:",default=2s"`
	DiscoverRetries int           `json:",default=5"`
	DiscoverBackoff time.Duration `json:",default=200ms"`
	MaxPeerFailures int           `json:",default=3"`
	PeerBanTime     time.Duration `json:",default=30s"`
	StallTimeout    time.Duration `json:",default=60s"`

	MaxDownloads        int           `json:",default=8"`
	DownloadQueueSize   int           `json:",default=16"`
	FinishedSessionTTL  time.Duration `json:",default=10m"`
	MaxFinishedSessions int           `json:",default=1024"`

	Socks5Proxy      string `json:",optional"`
	ForceQuitSeconds int    `json:",default=20"`
}

// MustLoad reads file, or the built-in peer.yaml when file is empty.
func MustLoad(file string) Config {
	var c Config
	if len(file) > 0 {
		conf.MustLoad(file, &c)
		return c
	}
	if err := conf.LoadFromYamlBytes(defaultConfig, &c); err != nil {
		panic(err)
	}
	return c
}

// ApplyArgs takes the positional <data-port> <control-port> arguments,
// which override the file. Without arguments both ports must come from the
// file.
func (c *Config) ApplyArgs(args []string) error {
	switch len(args) {
	case 0:
	case 2:
		dataPort, err := parsePort(args[0])
		if err != nil {
			return errors.Trace(err)
		}
		controlPort, err := parsePort(args[1])
		if err != nil {
			return errors.Trace(err)
		}
		c.DataPort, c.ControlPort = dataPort, controlPort
	default:
		return errors.BadRequestf("expected <data-port> <control-port>, got %d arguments", len(args))
	}
	if c.DataPort == 0 || c.ControlPort == 0 {
		return errors.BadRequestf("data and control ports are required")
	}
	if c.DataPort == c.ControlPort {
		return errors.BadRequestf("data and control ports must differ")
	}
	return nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.ParseUint(s, 10, 16)
	if err != nil || port == 0 {
		return 0, errors.NotValidf("port %q", s)
	}
	return int(port), nil
}

func (c *Config) MustSetUp() {
	c.ServiceConf.MustSetUp()
	proc.SetTimeToForceQuit(time.Duration(c.ForceQuitSeconds) * time.Second)
}
