package ws

import (
	"context"
	"net/http"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"

	"github.com/hut8/soar-sub008/lib/fix"
	"github.com/hut8/soar-sub008/lib/geom"
	"github.com/hut8/soar-sub008/lib/live"
)

type (
	Server struct {
		Addr             string
		OriginPatterns   []string
		SendTickDuration time.Duration

		dist *live.Distributor

		serveMux   http.ServeMux
		httpServer http.Server
		listening  bool
	}
)

func NewServer(addr string, dist *live.Distributor) *Server {
	s := &Server{
		Addr:             addr,
		SendTickDuration: time.Second,
		dist:             dist,
	}
	s.configureWeb()
	return s
}

func (s *Server) configureWeb() {
	s.serveMux.HandleFunc("/", s.indexPage)
	s.serveMux.HandleFunc("/live", s.serveLive)
	s.serveMux.HandleFunc("/snapshot", s.serveSnapshot)
	s.serveMux.HandleFunc("/snapshot.geojson", s.serveSnapshotGeoJSON)

	if 0 == len(s.OriginPatterns) {
		s.OriginPatterns = []string{"localhost", "localhost:*"}
	}

	s.httpServer = http.Server{
		Addr:         s.Addr,
		Handler:      &s.serveMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// ListenAndServe blocks until the server stops
func (s *Server) ListenAndServe(exitChan chan bool) {
	log.Info().Str("HttpAddr", s.Addr).Msg("HTTP Listening on")
	s.listening = true
	if err := s.httpServer.ListenAndServe(); nil != err {
		s.listening = false
		if http.ErrServerClosed != err {
			log.Error().Err(err).Msg("web server error")
		}
	}
	exitChan <- true
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.serveMux.ServeHTTP(w, r)
}

func (s *Server) indexPage(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(200)
	_, _ = w.Write([]byte("Soar Live Websocket Broker"))
}

func (s *Server) serveLive(w http.ResponseWriter, r *http.Request) {
	log.Debug().Str("New Connection", r.RemoteAddr).Msg("New /live WS")
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:    []string{ProtocolLive},
		OriginPatterns:  s.OriginPatterns,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if nil != err {
		log.Error().Err(err).Msg("Failed to setup websocket connection")
		w.WriteHeader(500)
		_, _ = w.Write([]byte("Failed to setup websocket connection"))
		return
	}

	if ProtocolLive != conn.Subprotocol() {
		_ = conn.Close(websocket.StatusPolicyViolation, "Unknown Sub Protocol")
		log.Debug().Str("proto", conn.Subprotocol()).Msg("Bad connection, could not speak protocol")
		return
	}

	client := newClient(conn, s.dist, r.RemoteAddr, s.SendTickDuration)
	client.Handle(r.Context())
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

// viewportFromQuery reads ?north=&east=&south=&west=, falling back to the
// whole globe
func viewportFromQuery(r *http.Request) (geom.Bounds, bool) {
	q := r.URL.Query()
	if "" == q.Get("north") {
		return geom.Bounds{North: 90, East: 180, South: -90, West: -180}, true
	}
	var view geom.Bounds
	var err error
	if view.North, err = strconv.ParseFloat(q.Get("north"), 64); nil != err {
		return view, false
	}
	if view.East, err = strconv.ParseFloat(q.Get("east"), 64); nil != err {
		return view, false
	}
	if view.South, err = strconv.ParseFloat(q.Get("south"), 64); nil != err {
		return view, false
	}
	if view.West, err = strconv.ParseFloat(q.Get("west"), 64); nil != err {
		return view, false
	}
	return view, view.Valid()
}

func (s *Server) serveSnapshot(w http.ResponseWriter, r *http.Request) {
	view, ok := viewportFromQuery(r)
	if !ok {
		w.WriteHeader(400)
		_, _ = w.Write([]byte("bad viewport"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	json := jsoniter.ConfigFastest
	buf, err := json.Marshal(s.dist.Snapshot(view))
	if nil != err {
		w.WriteHeader(500)
		return
	}
	_, _ = w.Write(buf)
}

func (s *Server) serveSnapshotGeoJSON(w http.ResponseWriter, r *http.Request) {
	view, ok := viewportFromQuery(r)
	if !ok {
		w.WriteHeader(400)
		_, _ = w.Write([]byte("bad viewport"))
		return
	}

	buf, err := fix.ToGeoJSON(s.dist.Snapshot(view))
	if nil != err {
		w.WriteHeader(500)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	_, _ = w.Write(buf)
}

func (s *Server) HealthCheckName() string {
	return "ws-server"
}

func (s *Server) HealthCheck() bool {
	return s.listening
}
