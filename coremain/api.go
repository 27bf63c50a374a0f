package coremain

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/pmkol/imgcache/pkg/asset"
	"github.com/pmkol/imgcache/pkg/imgcache"
	"github.com/pmkol/imgcache/pkg/utils"
)

const maxPreloadBody = 4 << 20

type preloadReq struct {
	URLs           []string    `json:"urls"`
	Keys           []asset.Key `json:"keys"`
	Priority       string      `json:"priority"`
	MaxConcurrency int         `json:"max_concurrency"`
	FetchTimeout   string      `json:"fetch_timeout"`
}

type errResp struct {
	Error string `json:"error"`
}

func (m *Imgcache) registerAPI(mux *http.ServeMux) {
	mux.HandleFunc("POST /preload", m.handlePreload)
	mux.HandleFunc("GET /lookup", m.handleLookup)
	mux.HandleFunc("GET /stats", m.handleStats)
	mux.HandleFunc("POST /maintenance", m.handleMaintenance)
	mux.HandleFunc("POST /clear", m.handleClear)
}

func (m *Imgcache) handlePreload(w http.ResponseWriter, r *http.Request) {
	req := new(preloadReq)
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPreloadBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(req); err != nil {
		m.writeJSON(w, http.StatusBadRequest, errResp{Error: err.Error()})
		return
	}

	p, err := asset.ParsePriority(req.Priority)
	if err != nil {
		m.writeJSON(w, http.StatusBadRequest, errResp{Error: err.Error()})
		return
	}
	timeout, err := utils.ParseDurationOr(req.FetchTimeout, 0)
	if err != nil {
		m.writeJSON(w, http.StatusBadRequest, errResp{Error: err.Error()})
		return
	}

	keys := make([]asset.Key, 0, len(req.URLs)+len(req.Keys))
	for _, u := range req.URLs {
		keys = append(keys, asset.URLKey(u))
	}
	keys = append(keys, req.Keys...)

	res, err := m.svc.ScheduleKeys(r.Context(), keys, p, imgcache.ScheduleOpts{
		MaxConcurrency: req.MaxConcurrency,
		FetchTimeout:   timeout,
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, imgcache.ErrInvalidInput) {
			status = http.StatusBadRequest
		}
		m.writeJSON(w, status, errResp{Error: err.Error()})
		return
	}
	m.writeJSON(w, http.StatusOK, res)
}

func (m *Imgcache) handleLookup(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := asset.Key{
		URL: q.Get("url"),
		Transform: asset.Transform{
			Format: q.Get("fmt"),
		},
	}
	for name, p := range map[string]*int{"w": &key.Transform.Width, "h": &key.Transform.Height} {
		if v := q.Get(name); len(v) > 0 {
			n, err := strconv.Atoi(v)
			if err != nil {
				m.writeJSON(w, http.StatusBadRequest, errResp{Error: "invalid " + name})
				return
			}
			*p = n
		}
	}
	if err := key.Validate(); err != nil {
		m.writeJSON(w, http.StatusBadRequest, errResp{Error: err.Error()})
		return
	}

	e, ok := m.svc.LookupKey(key)
	if !ok {
		m.writeJSON(w, http.StatusNotFound, errResp{Error: "not cached"})
		return
	}
	m.writeJSON(w, http.StatusOK, e)
}

func (m *Imgcache) handleStats(w http.ResponseWriter, _ *http.Request) {
	m.writeJSON(w, http.StatusOK, m.svc.GetStats())
}

func (m *Imgcache) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	mode, err := imgcache.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		m.writeJSON(w, http.StatusBadRequest, errResp{Error: err.Error()})
		return
	}
	n, err := m.svc.RunMaintenance(r.Context(), mode)
	if err != nil {
		m.writeJSON(w, http.StatusBadRequest, errResp{Error: err.Error()})
		return
	}
	m.writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (m *Imgcache) handleClear(w http.ResponseWriter, r *http.Request) {
	m.svc.ClearAll(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (m *Imgcache) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.logger.Debug("failed to write response", zap.Error(err))
	}
}
