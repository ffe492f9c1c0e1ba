package stats

import (
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/shunt-proxy/shunt/internal/buildinfo"
	"github.com/shunt-proxy/shunt/internal/querylog"
)

// HandleHealthz returns a handler for GET /healthz.
// No authentication is required.
func HandleHealthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// HandleStats handles GET /api/v1/stats.
func HandleStats(cfg Config) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := statsResponse{Version: buildinfo.Version}
		if cfg.DNS != nil {
			c := cfg.DNS()
			resp.DNS = dnsStats{
				Queries:   c.Queries,
				CacheHits: c.CacheHits,
				Rejected:  c.Rejected,
				Hijacked:  c.Hijacked,
				Upstream:  c.Upstream,
				Failures:  c.Failures,
			}
		}
		if cfg.CacheLen != nil {
			resp.DNS.CacheEntries = cfg.CacheLen()
		}
		if cfg.THP != nil {
			c := cfg.THP()
			resp.THP = thpStats{
				Active:        c.Active,
				Accepted:      c.Accepted,
				SniffFailures: c.SniffFailures,
				NoUpstream:    c.NoUpstream,
				DialFailures:  c.DialFailures,
			}
		}
		if cfg.PoolSize != nil {
			resp.Pool.Alive = cfg.PoolSize()
		}
		WriteJSON(w, http.StatusOK, resp)
	})
}

// HandleTunnels handles GET /api/v1/tunnels.
func HandleTunnels(cfg Config) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		items := []tunnelItem{}
		if cfg.Tunnels != nil {
			for _, rec := range cfg.Tunnels() {
				item := tunnelItem{
					Name:                rec.Name,
					Endpoint:            rec.Endpoint,
					Alive:               rec.Alive,
					RTTMs:               rec.RTT.Milliseconds(),
					ConsecutiveFailures: rec.ConsecutiveFailures,
				}
				if !rec.LastCheck.IsZero() {
					item.LastCheck = rec.LastCheck.UTC().Format(time.RFC3339Nano)
				}
				if cfg.Country != nil {
					item.Country = cfg.Country(endpointHost(rec.Endpoint))
				}
				items = append(items, item)
			}
		}
		sort.Slice(items, func(i, j int) bool {
			if items[i].Name != items[j].Name {
				return items[i].Name < items[j].Name
			}
			return items[i].Endpoint < items[j].Endpoint
		})
		WriteJSON(w, http.StatusOK, tunnelsResponse{Tunnels: items, Total: len(items)})
	})
}

// HandleQueryLog handles GET /api/v1/querylog.
// Query params: name, decision, from, to (RFC3339Nano), limit, offset.
func HandleQueryLog(repo *querylog.Repo) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := querylog.ListFilter{
			Name:     q.Get("name"),
			Decision: q.Get("decision"),
		}

		if v := q.Get("from"); v != "" {
			t, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				writeInvalidArgument(w, "from: invalid RFC3339 timestamp")
				return
			}
			f.After = t.UnixNano()
		}
		if v := q.Get("to"); v != "" {
			t, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				writeInvalidArgument(w, "to: invalid RFC3339 timestamp")
				return
			}
			f.Before = t.UnixNano()
		}
		if f.After > 0 && f.Before > 0 && f.After >= f.Before {
			writeInvalidArgument(w, "from: must be before to")
			return
		}

		limit, ok := parseNonNegativeIntQuery(w, r, "limit")
		if !ok {
			return
		}
		f.Limit = limit
		offset, ok := parseNonNegativeIntQuery(w, r, "offset")
		if !ok {
			return
		}
		f.Offset = offset

		rows, err := repo.List(f)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
			return
		}

		items := make([]queryLogItem, 0, len(rows))
		for _, row := range rows {
			items = append(items, queryLogItem{
				ID:       row.ID,
				Ts:       time.Unix(0, row.TsNs).UTC().Format(time.RFC3339Nano),
				Name:     row.Name,
				Qtype:    row.Qtype,
				Decision: row.Decision,
			})
		}
		WriteJSON(w, http.StatusOK, queryLogResponse{Items: items})
	})
}

func parseNonNegativeIntQuery(w http.ResponseWriter, r *http.Request, key string) (int, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		writeInvalidArgument(w, key+": must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func endpointHost(endpoint string) string {
	host, _, err := net.SplitHostPort(endpoint)
	if err != nil {
		return endpoint
	}
	return host
}

// --- Response types ---

type statsResponse struct {
	Version string    `json:"version"`
	DNS     dnsStats  `json:"dns"`
	THP     thpStats  `json:"thp"`
	Pool    poolStats `json:"pool"`
}

type dnsStats struct {
	Queries      uint64 `json:"queries"`
	CacheHits    uint64 `json:"cache_hits"`
	Rejected     uint64 `json:"rejected"`
	Hijacked     uint64 `json:"hijacked"`
	Upstream     uint64 `json:"upstream"`
	Failures     uint64 `json:"failures"`
	CacheEntries int    `json:"cache_entries"`
}

type thpStats struct {
	Active        int64  `json:"active"`
	Accepted      uint64 `json:"accepted"`
	SniffFailures uint64 `json:"sniff_failures"`
	NoUpstream    uint64 `json:"no_upstream"`
	DialFailures  uint64 `json:"dial_failures"`
}

type poolStats struct {
	Alive int `json:"alive"`
}

type tunnelsResponse struct {
	Tunnels []tunnelItem `json:"tunnels"`
	Total   int          `json:"total"`
}

type tunnelItem struct {
	Name                string `json:"name"`
	Endpoint            string `json:"endpoint"`
	Country             string `json:"country,omitempty"`
	Alive               bool   `json:"alive"`
	RTTMs               int64  `json:"rtt_ms"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	LastCheck           string `json:"last_check,omitempty"`
}

type queryLogItem struct {
	ID       string `json:"id"`
	Ts       string `json:"ts"`
	Name     string `json:"name"`
	Qtype    string `json:"qtype"`
	Decision string `json:"decision"`
}

type queryLogResponse struct {
	Items []queryLogItem `json:"items"`
}
