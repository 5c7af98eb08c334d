package reader

import (
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"ingestflow/logger"
)

// RateObserver is told about REST rate limit usage seen on discovery
// responses. *metrics.Registry implements it.
type RateObserver interface {
	RESTWeight(venue string, used int64)
	RateLimited(venue string, ban bool)
}

type observerBox struct{ obs RateObserver }

var rateObserver atomic.Pointer[observerBox]

// ObserveRateLimits installs the process wide rate limit observer. Pass nil
// to stop reporting.
func ObserveRateLimits(obs RateObserver) {
	if obs == nil {
		rateObserver.Store(nil)
		return
	}
	rateObserver.Store(&observerBox{obs: obs})
}

// rateLimitTransport inspects every response of a venue's REST client.
type rateLimitTransport struct {
	venue string
	kind  string
	base  http.RoundTripper
}

func (t rateLimitTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	res, err := t.base.RoundTrip(req)
	if err != nil {
		return res, err
	}
	inspectRateLimit(t.venue, t.kind, res)
	return res, nil
}

// UsedWeight extracts the consumed REST request weight from venue response
// headers.
func UsedWeight(kind string, h http.Header) (int64, bool) {
	switch strings.ToLower(kind) {
	case "binance":
		return headerInt(h, "X-MBX-USED-WEIGHT-1m")
	case "bybit":
		// older responses carry X-Bapi-*, newer ones X-RateLimit-*
		limit, ok := headerInt(h, "X-Bapi-Limit", "X-RateLimit-Limit")
		if !ok {
			return 0, false
		}
		remaining, ok := headerInt(h, "X-Bapi-Limit-Status", "X-RateLimit-Remaining")
		if !ok {
			return 0, false
		}
		if used := limit - remaining; used > 0 {
			return used, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func headerInt(h http.Header, keys ...string) (int64, bool) {
	for _, k := range keys {
		v := strings.TrimSpace(h.Get(k))
		if v == "" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func inspectRateLimit(venue, kind string, res *http.Response) {
	var obs RateObserver
	if box := rateObserver.Load(); box != nil {
		obs = box.obs
	}
	log := logger.GetLogger().WithComponent("reader").WithFields(logger.Fields{"venue": venue})

	if used, ok := UsedWeight(kind, res.Header); ok {
		log.LogMetric("reader", "used_weight", used, "gauge", logger.Fields{"path": res.Request.URL.Path})
		if obs != nil {
			obs.RESTWeight(venue, used)
		}
	}

	switch res.StatusCode {
	case http.StatusTooManyRequests:
		log.WithFields(logger.Fields{"status": res.StatusCode}).Warn("rate limit exceeded")
		if obs != nil {
			obs.RateLimited(venue, false)
		}
	case http.StatusTeapot:
		// binance answers 418 once an address is banned for ignoring 429s
		log.WithFields(logger.Fields{"status": res.StatusCode}).Error("ip banned")
		if obs != nil {
			obs.RateLimited(venue, true)
		}
	}
}
