package resolver

import (
	"net"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
)

// errorLogLimiter deduplicates repeated connect/exchange diagnostic lines for
// a server stuck failing every attempt, so one bad server doesn't flood
// stderr. Adapted from the teacher's SessionManager use of patrickmn/go-cache
// as a TTL-bounded keyed store; here the value carried is irrelevant, only
// presence/expiry matters.
var errorLogLimiter = gocache.New(30*time.Second, time.Minute)

func shouldLog(key string) bool {
	if _, found := errorLogLimiter.Get(key); found {
		return false
	}
	errorLogLimiter.Set(key, struct{}{}, gocache.DefaultExpiration)
	return true
}

func logConnectError(server interface{ String() string }, err error) {
	key := "connect:" + server.String() + ":" + err.Error()
	if !shouldLog(key) {
		return
	}
	log.Warn().Str("server", server.String()).Err(err).Msg("dns connect failed")
}

func logExchangeError(remote net.Addr, err error) {
	addr := "unknown"
	if remote != nil {
		addr = remote.String()
	}
	key := "exchange:" + addr + ":" + err.Error()
	if !shouldLog(key) {
		return
	}
	log.Warn().Str("server", addr).Err(err).Msg("dns exchange failed")
}
