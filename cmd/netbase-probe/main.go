// Command netbase-probe drives a single batch DNS lookup through the
// netbase cache and resolver, printing a structured log line per server.
// It is a minimal demo binary, not a dig replacement: it never
// pretty-prints decoded records.
package main

import (
	"context"
	"flag"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mattias-p/netbase/internal/cache"
	"github.com/mattias-p/netbase/internal/question"
	"github.com/mattias-p/netbase/internal/resolver"
)

func main() {
	qname := flag.String("qname", "", "Question name to look up (required)")
	qtype := flag.String("qtype", "A", "Question type, e.g. A, AAAA, MX")
	proto := flag.String("proto", "udp", "Transport: udp or tcp")
	servers := flag.String("servers", "", "Comma-separated server addresses (required)")
	recurse := flag.Bool("recurse", true, "Set the recursion-desired flag")
	timeout := flag.Duration("timeout", time.Second, "Per-attempt timeout")
	retry := flag.Uint("retry", 3, "Number of attempts per server")
	retrans := flag.Duration("retrans", 500*time.Millisecond, "Delay between retries")
	cacheFile := flag.String("cache-file", "", "Optional path to load/save a persisted cache")
	logLevel := flag.String("log-level", "info", "Log level: debug/info/warn/error")

	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	switch *logLevel {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if *qname == "" || *servers == "" {
		log.Fatal().Msg("-qname and -servers are required")
	}

	qtypeCode, ok := dns.StringToType[strings.ToUpper(*qtype)]
	if !ok {
		log.Fatal().Str("qtype", *qtype).Msg("unknown question type")
	}

	var transport question.Protocol
	switch strings.ToLower(*proto) {
	case "udp":
		transport = question.ProtoUDP
	case "tcp":
		transport = question.ProtoTCP
	default:
		log.Fatal().Str("proto", *proto).Msg("proto must be udp or tcp")
	}

	var serverAddrs []netip.Addr
	for _, s := range strings.Split(*servers, ",") {
		addr, err := netip.ParseAddr(strings.TrimSpace(s))
		if err != nil {
			log.Fatal().Str("server", s).Err(err).Msg("invalid server address")
		}
		serverAddrs = append(serverAddrs, addr)
	}

	c := cache.New()
	if *cacheFile != "" {
		if data, err := os.ReadFile(*cacheFile); err == nil {
			loaded, err := cache.FromBytes(data)
			if err != nil {
				log.Fatal().Err(err).Str("file", *cacheFile).Msg("failed to load cache file")
			}
			c = loaded
		} else if !os.IsNotExist(err) {
			log.Fatal().Err(err).Str("file", *cacheFile).Msg("failed to read cache file")
		}
	}

	n := resolver.New(resolver.Config{
		Timeout: *timeout,
		Retry:   uint16(*retry),
		Retrans: *retrans,
	})

	q := question.New(dns.Fqdn(*qname), qtypeCode, transport, *recurse)

	results := c.Lookup(context.Background(), n, q, serverAddrs)

	for _, addr := range serverAddrs {
		res, ok := results[addr]
		ev := log.Info().Str("server", addr.String()).Str("question", q.String())
		if !ok {
			ev.Msg("no result (no net and no cached entry)")
			continue
		}
		if res.Err != 0 {
			ev.Str("error", res.Err.String()).
				Uint64("started", res.Started).
				Uint32("duration_ms", res.Duration).
				Msg("lookup failed")
			continue
		}
		ev.Uint64("started", res.Started).
			Uint32("duration_ms", res.Duration).
			Str("size", strconv.Itoa(int(res.Size))).
			Msg("lookup succeeded")
	}

	if *cacheFile != "" {
		data, err := c.ToBytes()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to serialize cache")
		}
		if err := os.WriteFile(*cacheFile, data, 0o644); err != nil {
			log.Fatal().Err(err).Str("file", *cacheFile).Msg("failed to write cache file")
		}
	}
}
