package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"

	"nuha.dev/gpsfeed/internal/fix"
	"nuha.dev/gpsfeed/internal/geo"
	"nuha.dev/gpsfeed/internal/hub"
	"nuha.dev/gpsfeed/internal/pipeline"
	"nuha.dev/gpsfeed/internal/session"
	"nuha.dev/gpsfeed/internal/store"
	"nuha.dev/gpsfeed/internal/util"
)

type ApiConfig struct {
	ListenAddr string
}

type Api struct {
	pipe      *pipeline.Pipeline
	store     store.HistoryStore
	reg       *session.Registry
	hub       *hub.Hub
	validator *validator.Validate
	server    *http.Server
	log       log.Logger
}

func NewApi(pipe *pipeline.Pipeline, st store.HistoryStore, reg *session.Registry, h *hub.Hub, stream http.Handler, config ApiConfig) *Api {
	a := &Api{}
	a.pipe = pipe
	a.store = st
	a.reg = reg
	a.hub = h
	a.validator = validator.New()
	a.log = log.DefaultLogger
	a.log.Context = log.NewContext(nil).Str("module", "web").Value()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	}))
	r.Post("/api/gps", a.reportFix)
	r.Get("/api/history", a.history)
	r.Get("/api/last", a.lastFix)
	r.Get("/api/status", a.status)
	r.Post("/api/visibility", a.setVisible)
	if stream != nil {
		r.Get("/ws", stream.ServeHTTP)
	}

	a.server = &http.Server{
		Addr:           config.ListenAddr,
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return a
}

func (a *Api) Run() {
	a.log.Info().Msgf("starting web api on %s", a.server.Addr)
	err := a.server.ListenAndServe()
	if err != nil {
		a.log.Error().Err(err).Msg("")
		panic(err)
	}
}

func (a *Api) Handler() http.Handler {
	return a.server.Handler
}

// GpsReportModel is the ingest payload. Coordinates and accuracy are
// pointers so a missing field is a malformed request, not a zero reading.
type GpsReportModel struct {
	DeviceId  string   `json:"device_id" validate:"required"`
	Latitude  *float64 `json:"latitude" validate:"required"`
	Longitude *float64 `json:"longitude" validate:"required"`
	Accuracy  *float32 `json:"accuracy" validate:"required,gte=0"`
	Speed     *float32 `json:"speed"`
	Timestamp int64    `json:"timestamp"`
	Provider  string   `json:"provider"`
	Mock      bool     `json:"mock"`
}

func (a *Api) reportFix(w http.ResponseWriter, r *http.Request) {
	req := GpsReportModel{}
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = a.validator.Struct(&req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ts := req.Timestamp
	if ts == 0 {
		ts = time.Now().UnixNano() / int64(time.Millisecond)
	}
	res := a.pipe.ReportFix(fix.RawFix{
		DeviceId:  req.DeviceId,
		Latitude:  *req.Latitude,
		Longitude: *req.Longitude,
		Accuracy:  *req.Accuracy,
		Speed:     req.Speed,
		Timestamp: ts,
		Provider:  req.Provider,
		Mock:      req.Mock,
	})
	util.JsonWrite(w, res)
}

type HistoryPointModel struct {
	DeviceId   string  `json:"device_id"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Accuracy   float32 `json:"accuracy"`
	Timestamp  int64   `json:"timestamp"`
	ServerTime int64   `json:"server_time"`
}

func (a *Api) history(w http.ResponseWriter, r *http.Request) {
	deviceId := r.URL.Query().Get("device_id")
	from, err1 := parseTimeParam(r.URL.Query().Get("from"), time.Time{})
	to, err2 := parseTimeParam(r.URL.Query().Get("to"), time.Now().UTC())
	if err1 != nil || err2 != nil {
		http.Error(w, "invalid time range", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	fixes, err := a.store.QueryRange(r.Context(), deviceId, from, to, limit)
	if err != nil {
		a.log.Error().Err(err).Str("event", "history_query_error").Msg("")
		http.Error(w, "history query failed", http.StatusInternalServerError)
		return
	}

	points := make([]HistoryPointModel, 0, len(fixes))
	if r.URL.Query().Get("smooth") == "1" {
		// replay smoothing only makes sense per device
		smoothers := make(map[string]*pipeline.PathSmoother)
		for _, f := range fixes {
			ps, ok := smoothers[f.DeviceId]
			if !ok {
				ps = pipeline.NewPathSmoother(pipeline.DefaultPathSmootherConfig())
				smoothers[f.DeviceId] = ps
			}
			p := ps.Next(geo.Point{Latitude: f.Latitude, Longitude: f.Longitude})
			points = append(points, historyPoint(f, p.Latitude, p.Longitude))
		}
	} else {
		for _, f := range fixes {
			points = append(points, historyPoint(f, f.Latitude, f.Longitude))
		}
	}
	util.JsonWrite(w, points)
}

func historyPoint(f fix.ValidatedFix, lat, lon float64) HistoryPointModel {
	return HistoryPointModel{
		DeviceId:   f.DeviceId,
		Latitude:   lat,
		Longitude:  lon,
		Accuracy:   f.Accuracy,
		Timestamp:  f.Timestamp,
		ServerTime: f.AcceptedAt,
	}
}

func (a *Api) lastFix(w http.ResponseWriter, r *http.Request) {
	deviceId := r.URL.Query().Get("device_id")
	if deviceId == "" {
		http.Error(w, "device_id required", http.StatusBadRequest)
		return
	}
	// prefer the live session over a store round trip
	if sum, ok := a.reg.Get(deviceId); ok && sum.Timestamp != 0 {
		util.JsonWrite(w, sum)
		return
	}
	f, err := a.store.LastFix(r.Context(), deviceId)
	if err != nil {
		a.log.Error().Err(err).Str("event", "last_fix_query_error").Msg("")
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	if f == nil {
		http.Error(w, "device not found", http.StatusNotFound)
		return
	}
	util.JsonWrite(w, historyPoint(*f, f.Latitude, f.Longitude))
}

type StatusModel struct {
	Devices   []session.Summary `json:"devices"`
	Viewers   int               `json:"viewers"`
	Published uint64            `json:"published"`
}

func (a *Api) status(w http.ResponseWriter, r *http.Request) {
	res := StatusModel{Devices: a.reg.Snapshot()}
	if a.hub != nil {
		res.Viewers = a.hub.ViewerCount()
		res.Published = a.hub.Published()
	}
	util.JsonWrite(w, res)
}

type SetVisibilityModel struct {
	DeviceId string `json:"device_id" validate:"required"`
	Visible  *bool  `json:"visible" validate:"required"`
}

func (a *Api) setVisible(w http.ResponseWriter, r *http.Request) {
	req := SetVisibilityModel{}
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = a.validator.Struct(&req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !a.reg.SetVisible(req.DeviceId, *req.Visible) {
		http.Error(w, "device not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// parseTimeParam accepts RFC3339 or epoch milliseconds.
func parseTimeParam(s string, def time.Time) (time.Time, error) {
	if s == "" {
		return def, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(0, ms*int64(time.Millisecond)).UTC(), nil
	}
	return time.Parse(time.RFC3339, s)
}
