package server

import (
	"encoding/json"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"

	"tidbyt.dev/gtfslive"
	"tidbyt.dev/gtfslive/metrics"
	"tidbyt.dev/gtfslive/model"
)

const DefaultUpstreamURL = "https://api.transport.nsw.gov.au/v1/gtfs"

// Reports the size and age of a stop table. Implemented by
// gtfslive.StopIndex.
type IndexStatus interface {
	Status() (int, time.Time)
}

// HTTP surface of a gtfslive process: the stop name lookup service,
// an authenticated pass-through to the upstream GTFS API, and JSON views
// of a server-side Tracker.
type Server struct {
	// Serves /api/stop-names.
	Stops gtfslive.StopNameLookup

	// Optional. Enables the vehicle, departure and status endpoints.
	Tracker *gtfslive.Tracker

	// Upstream GTFS API base for /api/gtfs/*path. The pass-through is
	// only enabled when an APIKey is set.
	UpstreamURL string
	APIKey      string

	Metrics *metrics.Collector
	Logger  zerolog.Logger
	TimeNow func() time.Time
}

func New(stops gtfslive.StopNameLookup, tracker *gtfslive.Tracker) *Server {
	return &Server{
		Stops:       stops,
		Tracker:     tracker,
		UpstreamURL: DefaultUpstreamURL,
		Logger:      zerolog.Nop(),
		TimeNow:     time.Now,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

type vehiclesResponse struct {
	Vehicles []model.VehiclePosition         `json:"vehicles"`
	Status   map[string]gtfslive.FeedStatus `json:"status"`
}

type departuresResponse struct {
	Vehicle    model.VehiclePosition `json:"vehicle"`
	Departures model.Departures      `json:"departures"`
	Warning    string                `json:"warning,omitempty"`
}

type indexStatusResponse struct {
	Stops    int        `json:"stops"`
	LoadedAt *time.Time `json:"loadedAt,omitempty"`
}

type statusResponse struct {
	Feeds     map[string]gtfslive.FeedStatus `json:"feeds,omitempty"`
	Tracking  string                         `json:"tracking,omitempty"`
	StopIndex *indexStatusResponse           `json:"stopIndex,omitempty"`
}

func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{"Method not allowed"})
	})
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{"Not found"})
	})

	router.GET("/healthz", s.healthz)
	router.Handler(http.MethodGet, "/metrics", s.Metrics.Handler())
	router.GET("/api/status", s.status)

	if s.Stops != nil {
		router.GET(gtfslive.StopNamesPath, s.stopNames)
	}

	if s.APIKey != "" {
		proxy, err := s.upstreamProxy()
		if err != nil {
			s.Logger.Error().Err(err).Str("upstream", s.UpstreamURL).Msg("GTFS pass-through disabled")
		} else {
			router.Handler(http.MethodGet, "/api/gtfs/*path", proxy)
		}
	}

	if s.Tracker != nil {
		router.GET("/api/vehicles", s.vehicles)
		router.GET("/api/vehicles/:id/departures", s.departures)
	}

	return s.accessLog(router)
}

func (s *Server) now() time.Time {
	if s.TimeNow != nil {
		return s.TimeNow()
	}
	return time.Now()
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok\n"))
}

// Collects requested stop IDs from every ids and id parameter. Each
// may hold a comma separated list.
func requestedStopIDs(query url.Values) []string {
	raw := append(append([]string{}, query["ids"]...), query["id"]...)

	ids := []string{}
	for _, value := range raw {
		ids = append(ids, strings.Split(value, ",")...)
	}
	return gtfslive.NormalizeStopIDs(ids)
}

func (s *Server) stopNames(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ids := requestedStopIDs(r.URL.Query())
	if len(ids) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{"Provide at least one stop id via ?ids=id1,id2"})
		return
	}

	result, err := s.Stops.LookupStopNames(r.Context(), ids)
	if err != nil {
		if gtfslive.IsCancelled(err) {
			return
		}
		s.Logger.Warn().Err(err).Int("ids", len(ids)).Msg("stop name lookup failed")
		writeJSON(w, http.StatusBadGateway, errorResponse{err.Error()})
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) upstreamProxy() (http.Handler, error) {
	target, err := url.Parse(s.UpstreamURL)
	if err != nil {
		return nil, err
	}

	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			path := httprouter.ParamsFromContext(pr.In.Context()).ByName("path")

			pr.SetURL(target)
			pr.Out.URL.Path = strings.TrimRight(target.Path, "/") + path
			pr.Out.URL.RawPath = ""
			pr.Out.Header.Set("Authorization", "apikey "+s.APIKey)
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if gtfslive.IsCancelled(err) {
				return
			}
			s.Logger.Warn().Err(err).Str("path", r.URL.Path).Msg("upstream request failed")
			writeJSON(w, http.StatusBadGateway, errorResponse{"upstream unavailable"})
		},
	}, nil
}

func (s *Server) vehicles(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	snapshot := s.Tracker.Snapshot()

	route := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("route")))

	vehicles := []model.VehiclePosition{}
	for _, v := range snapshot.Vehicles {
		if route != "" && !strings.Contains(strings.ToLower(v.RouteID), route) {
			continue
		}
		vehicles = append(vehicles, v)
	}

	sort.SliceStable(vehicles, func(i, j int) bool {
		if vehicles[i].RouteID != vehicles[j].RouteID {
			return vehicles[i].RouteID < vehicles[j].RouteID
		}
		return vehicles[i].ID < vehicles[j].ID
	})

	writeJSON(w, http.StatusOK, vehiclesResponse{
		Vehicles: vehicles,
		Status:   snapshot.Status,
	})
}

func (s *Server) departures(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id := params.ByName("id")

	vehicle := s.Tracker.Vehicle(id)
	if vehicle == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{"No such vehicle: " + id})
		return
	}

	query := r.URL.Query()

	limit := s.Tracker.DepartureLimit
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, errorResponse{"limit must be a positive integer"})
			return
		}
		limit = n
	}

	routeFallback := s.Tracker.RouteFallback
	if raw := query.Get("routeFallback"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{"routeFallback must be a boolean"})
			return
		}
		routeFallback = b
	}

	opts := gtfslive.DepartureOptions{
		Now:           s.now(),
		Limit:         limit,
		RouteFallback: routeFallback,
	}
	departures := gtfslive.ResolveDepartures(vehicle, s.Tracker.Snapshot().TripUpdates, opts)

	resp := departuresResponse{
		Vehicle:    *vehicle,
		Departures: departures,
	}

	if s.Tracker.StopNames != nil && len(departures.Items) > 0 {
		names, err := s.Tracker.StopNames.Resolve(r.Context(), departures.StopIDs())
		if err != nil && !gtfslive.IsCancelled(err) {
			s.Logger.Warn().Err(err).Msg("resolving departure stop names")
			resp.Warning = "Stop names unavailable"
		}
		for i := range resp.Departures.Items {
			resp.Departures.Items[i].StopName = names[resp.Departures.Items[i].StopID]
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	resp := statusResponse{}

	if s.Tracker != nil {
		resp.Feeds = s.Tracker.Snapshot().Status
		resp.Tracking = s.Tracker.TrackingStatus()
	}

	if index, ok := s.Stops.(IndexStatus); ok {
		size, loadedAt := index.Status()
		resp.StopIndex = &indexStatusResponse{Stops: size}
		if !loadedAt.IsZero() {
			resp.StopIndex.LoadedAt = &loadedAt
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// The reverse proxy streams, so it must still see a Flusher.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		s.Logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}
