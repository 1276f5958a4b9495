// Package control decodes the text commands accepted on a peer daemon's
// control port.
package control

import (
	"strconv"
	"strings"

	"swarmcast/common/chunk"
	"swarmcast/common/errs"
)

// Command is one of SetTracker, Seed, Download, Status or Ping.
type Command interface {
	Name() string
	String() string
}

type SetTracker struct {
	Host string
	Port uint16
}

type Seed struct {
	Path string
}

type Download struct {
	Hash   chunk.Hash
	Output string
}

type Status struct {
	Hash chunk.Hash
}

type Ping struct{}

func (c *SetTracker) Name() string { return "tracker" }
func (c *Seed) Name() string       { return "seed" }
func (c *Download) Name() string   { return "download" }
func (c *Status) Name() string     { return "status" }
func (c *Ping) Name() string       { return "ping" }

func (c *SetTracker) String() string {
	return "tracker " + c.Host + " " + strconv.Itoa(int(c.Port))
}

func (c *Seed) String() string {
	return "seed " + c.Path
}

func (c *Download) String() string {
	return "download " + c.Hash.String() + " " + c.Output
}

func (c *Status) String() string {
	return "status " + c.Hash.String()
}

func (c *Ping) String() string {
	return "ping"
}

// Addr is host:port of the tracker.
func (c *SetTracker) Addr() string {
	return joinHostPort(c.Host, c.Port)
}

// Parse decodes a command line. Paths are the remainder of the line so
// they may contain spaces, except the download output which comes after
// the hash.
func Parse(line string) (Command, error) {
	line = strings.TrimSpace(line)
	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch strings.ToLower(name) {
	case "tracker":
		fields := strings.Fields(rest)
		if len(fields) != 2 {
			return nil, errs.Protocolf("usage: tracker <host> <port>")
		}
		port, err := strconv.ParseUint(fields[1], 10, 16)
		if err != nil || port == 0 {
			return nil, errs.Protocolf("invalid tracker port %q", fields[1])
		}
		return &SetTracker{Host: fields[0], Port: uint16(port)}, nil
	case "seed":
		if rest == "" {
			return nil, errs.Protocolf("usage: seed <path>")
		}
		return &Seed{Path: rest}, nil
	case "download":
		hash, output, _ := strings.Cut(rest, " ")
		output = strings.TrimSpace(output)
		if hash == "" || output == "" {
			return nil, errs.Protocolf("usage: download <hash> <outputPath>")
		}
		h, err := chunk.ParseHash(hash)
		if err != nil {
			return nil, errs.Protocol(err)
		}
		return &Download{Hash: h, Output: output}, nil
	case "status":
		if rest == "" {
			return nil, errs.Protocolf("usage: status <hash>")
		}
		h, err := chunk.ParseHash(rest)
		if err != nil {
			return nil, errs.Protocol(err)
		}
		return &Status{Hash: h}, nil
	case "ping":
		return &Ping{}, nil
	case "":
		return nil, errs.Protocolf("empty command")
	}
	return nil, errs.Protocolf("unknown command %q", name)
}

func joinHostPort(host string, port uint16) string {
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}
	return host + ":" + strconv.Itoa(int(port))
}
