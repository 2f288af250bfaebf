// Copyright 2015 Prometheus Team
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/promlog"
	promlogflag "github.com/prometheus/common/promlog/flag"

	"github.com/me3ke/quorumpeer/cluster"
)

var promlogConfig = promlog.Config{}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		selfIP     = kingpin.Flag("peer.ip", "This peer's own address, as the others see it.").Required().String()
		peers      = kingpin.Flag("peer.server", "Address of a peer in the configured membership (may be repeated).").Required().Strings()
		metricsBnd = kingpin.Flag("web.listen-address", "Address to serve /metrics on.").Default(":9094").String()
	)

	promlogflag.AddFlags(kingpin.CommandLine, &promlogConfig)
	kingpin.CommandLine.GetFlag("help").Short('h')
	kingpin.Parse()

	logger := promlog.New(&promlogConfig)

	level.Info(logger).Log("msg", "starting quorumd", "ip", *selfIP)

	p, err := cluster.New(*selfIP, *peers, logger, prometheus.DefaultRegisterer)
	if err != nil {
		level.Error(logger).Log("msg", "unable to start peer", "err", err)
		return 1
	}

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(*metricsBnd, nil); err != nil {
			level.Error(logger).Log("msg", "metrics server error", "err", err)
		}
	}()

	go p.Start()

	term := make(chan os.Signal, 1)
	signal.Notify(term, os.Interrupt, syscall.SIGTERM)
	<-term

	level.Info(logger).Log("msg", "received termination signal, shutting down")
	p.Shutdown()

	return 0
}
