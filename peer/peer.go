package main

import (
	"flag"
	"fmt"
	"os"

	"swarmcast/peer/internal/config"
	"swarmcast/peer/internal/svc"

	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/service"
)

var configFile = flag.String("f", "", "the config file, built-in defaults when empty")

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [-f peer.yaml] <data-port> <control-port>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	c := config.MustLoad(*configFile)
	if err := c.ApplyArgs(flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}
	c.MustSetUp()
	ctx := svc.NewServiceContext(c)

	group := service.NewServiceGroup()
	group.Add(ctx.Events)
	group.Add(ctx.DataPlane)
	group.Add(ctx.ControlPlane)
	group.Add(ctx.Downloader)
	group.Add(ctx.KeepAlive)
	defer group.Stop()

	logx.Infof("Starting peer daemon, data port %d, control port %d...", ctx.DataPort(), c.ControlPort)
	group.Start()
}
