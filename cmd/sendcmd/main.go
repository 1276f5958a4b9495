package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"swarmcast/common/control"

	"github.com/sirupsen/logrus"
)

var (
	host    = flag.String("host", "127.0.0.1", "control host of the peer daemon")
	timeout = flag.Duration("timeout", 30*time.Second, "time to wait for the reply")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [-host h] [-timeout d] <control-port> <command...>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() < 2 {
		flag.Usage()
		os.Exit(2)
	}
	port, err := strconv.ParseUint(flag.Arg(0), 10, 16)
	if err != nil {
		logrus.Errorf("Illegal control port %q", flag.Arg(0))
		os.Exit(2)
	}
	cmd := strings.Join(flag.Args()[1:], " ")
	if _, err := control.Parse(cmd); err != nil {
		logrus.Errorf("Illegal command: %v", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	addr := net.JoinHostPort(*host, strconv.Itoa(int(port)))
	reply, err := control.Send(ctx, addr, cmd, *timeout)
	if err != nil {
		logrus.Errorf("Failed to send command to %s. %v", addr, err)
		os.Exit(1)
	}
	fmt.Println(reply)
	if strings.HasPrefix(reply, "error: ") {
		os.Exit(1)
	}
}
