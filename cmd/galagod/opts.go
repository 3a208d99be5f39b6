package main

import (
	"strings"
)

var opts struct {
	Node struct {
		Name    string `long:"name" env:"NAME" required:"true" description:"unique node name"`
		DataDir string `long:"data-dir" env:"DATA_DIR" default:"/var/lib/galago" description:"directory for persistent node state"`
	} `group:"node" namespace:"node" env-namespace:"NODE"`

	Gossip struct {
		BindAddr  string `long:"bind-addr" env:"BIND_ADDR" default:"0.0.0.0:4567" description:"address to bind the group channel"`
		JoinAddrs string `long:"join-addrs" env:"JOIN_ADDRS" description:"comma-separated list of members to join"`
	} `group:"gossip" namespace:"gossip" env-namespace:"GOSSIP"`

	IST struct {
		BindAddr      string `long:"bind-addr" env:"BIND_ADDR" default:"0.0.0.0:4568" description:"address to bind the incremental transfer receiver"`
		AdvertiseHost string `long:"advertise-host" env:"ADVERTISE_HOST" description:"host to advertise for incremental transfers"`
	} `group:"ist" namespace:"ist" env-namespace:"IST"`

	SST struct {
		Donor         string `long:"donor" env:"DONOR" description:"preferred donor name"`
		RetryInterval int    `long:"retry-interval" env:"RETRY_INTERVAL" default:"1000" description:"request retry interval (ms)"`
	} `group:"sst" namespace:"sst" env-namespace:"SST"`

	Metrics struct {
		Enabled  bool   `long:"enabled" env:"ENABLED" description:"serve prometheus metrics"`
		BindAddr string `long:"bind-addr" env:"BIND_ADDR" default:":9100" description:"address to bind the metrics endpoint"`
	} `group:"metrics" namespace:"metrics" env-namespace:"METRICS"`

	Verbose bool `long:"verbose" env:"VERBOSE" description:"verbose mode"`
}

func parseAddrs(addrs string) []string {
	sl := strings.Split(addrs, ",")
	res := make([]string, 0, len(sl))

	for _, addr := range sl {
		trimmed := strings.TrimSpace(addr)
		if trimmed != "" {
			res = append(res, trimmed)
		}
	}

	return res
}
