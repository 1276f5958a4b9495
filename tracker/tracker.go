package main

import (
	"flag"

	"swarmcast/tracker/internal/config"
	"swarmcast/tracker/internal/svc"

	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/service"
)

var configFile = flag.String("f", "", "the config file, built-in defaults when empty")

func main() {
	flag.Parse()

	c := config.MustLoad(*configFile)
	c.MustSetUp()
	ctx := svc.NewServiceContext(c)

	group := service.NewServiceGroup()
	group.Add(ctx.Server)
	group.Add(ctx.Reaper)
	defer group.Stop()

	logx.Infof("Starting tracker on %s...", c.Listen)
	group.Start()
}
