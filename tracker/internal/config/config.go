package config

import (
	_ "embed"
	"time"

	"github.com/zeromicro/go-zero/core/conf"
	"github.com/zeromicro/go-zero/core/proc"
	"github.com/zeromicro/go-zero/core/service"
)

//go:embed tracker.yaml
var defaultConfig []byte

type Config struct {
	service.ServiceConf
	Listen           string        `json:",default=0.0.0.0:8080"`
	PeerTTL          time.Duration `json:",default=60s"`
	ReapInterval     time.Duration `json:",default=10s"`
	IdleTimeout      time.Duration `json:",default=30s"`
	ForceQuitSeconds int           `json:",default=20"`
}

// MustLoad reads file, or the built-in tracker.yaml when file is empty.
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

func (c *Config) MustSetUp() {
	c.ServiceConf.MustSetUp()
	proc.SetTimeToForceQuit(time.Duration(c.ForceQuitSeconds) * time.Second)
}
