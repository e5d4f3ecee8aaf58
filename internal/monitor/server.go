package monitor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"tailscale.com/tsweb"

	"github.com/shrec5450/shrecvision/internal/events"
	"github.com/shrec5450/shrecvision/internal/monitoring"
	"github.com/shrec5450/shrecvision/internal/target"
	"github.com/shrec5450/shrecvision/internal/telemetry"
	"github.com/shrec5450/shrecvision/internal/vision"
)

// Link is the view of the telemetry engine the status page needs.
type Link interface {
	State() telemetry.State
	SessionID() string
	Role() telemetry.Role
	Stats() telemetry.Stats
}

// Frames is the view of the processing loop the status page needs.
type Frames interface {
	Stats() vision.Stats
}

// Config wires a Server to the running components. Link and Frames may be
// nil when the corresponding loop is not running.
type Config struct {
	Link      Link
	Frames    Frames
	Mode      *telemetry.ModeState
	Value     *telemetry.ValueStore
	Selector  *target.Selector
	History   *History
	Bus       *events.Bus
	StartTime time.Time
}

// Server renders the debug routes.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
}

// NewServer creates a Server.
func NewServer(cfg Config) *Server {
	if cfg.History == nil {
		cfg.History = NewHistory(1)
	}
	if cfg.StartTime.IsZero() {
		cfg.StartTime = time.Now()
	}
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// AttachAdminRoutes attaches the debug endpoints to mux under /debug/. They
// are only reachable from localhost or over Tailscale.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.Handle("vision-status", "vision node status (JSON)", http.HandlerFunc(s.handleStatus))
	debug.Handle("angles", "angle history chart", http.HandlerFunc(s.handleAngleChart))
	debug.Handle("outlines.png", "outlines from the last processed frame", http.HandlerFunc(s.handleOutlinesPlot))
	debug.Handle("feed", "live event feed", http.HandlerFunc(s.handleFeedPage))
	debug.HandleSilent("ws", http.HandlerFunc(s.handleFeed))
}

// Status is the JSON body of /debug/vision-status.
type Status struct {
	Uptime      string              `json:"uptime"`
	Mode        telemetry.Mode      `json:"mode"`
	Halted      bool                `json:"halted"`
	Value       telemetry.Value     `json:"value"`
	Link        *LinkStatus         `json:"link,omitempty"`
	Frames      *vision.Stats       `json:"frames,omitempty"`
	Thresholds  *target.Thresholds  `json:"thresholds,omitempty"`
	Angles      AngleSummary        `json:"angles"`
	NoTarget    uint64              `json:"no_target"`
	LastChange  *events.StateChange `json:"last_change,omitempty"`
	Subscribers int                 `json:"subscribers"`
}

// LinkStatus describes the telemetry link.
type LinkStatus struct {
	Role      string          `json:"role"`
	State     telemetry.State `json:"state"`
	SessionID string          `json:"session_id,omitempty"`
	Stats     telemetry.Stats `json:"stats"`
}

// Snapshot assembles the current status.
func (s *Server) Snapshot() Status {
	st := Status{
		Uptime:     time.Since(s.cfg.StartTime).Round(time.Second).String(),
		Angles:     s.cfg.History.Angles(),
		NoTarget:   s.cfg.History.NoTarget(),
		LastChange: s.cfg.History.LastState(),
	}
	if s.cfg.Mode != nil {
		st.Mode = s.cfg.Mode.Get()
		st.Halted = s.cfg.Mode.Halted()
	}
	if s.cfg.Value != nil {
		st.Value = s.cfg.Value.Load()
	}
	if s.cfg.Link != nil {
		st.Link = &LinkStatus{
			Role:      s.cfg.Link.Role().String(),
			State:     s.cfg.Link.State(),
			SessionID: s.cfg.Link.SessionID(),
			Stats:     s.cfg.Link.Stats(),
		}
	}
	if s.cfg.Frames != nil {
		fs := s.cfg.Frames.Stats()
		st.Frames = &fs
	}
	if s.cfg.Selector != nil {
		th := s.cfg.Selector.Thresholds()
		st.Thresholds = &th
	}
	if s.cfg.Bus != nil {
		st.Subscribers = s.cfg.Bus.Subscribers()
	}
	return st
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		monitoring.Logf("monitor: encode response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleFeedPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, feedHTML)
}

const feedHTML = `<!doctype html>
<html><head><title>vision feed</title>
<style>body{font-family:monospace;background:#111;color:#ddd}pre{margin:0}</style></head>
<body><h3>vision event feed</h3><div id="log"></div>
<script>
const log = document.getElementById("log");
const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/debug/ws");
ws.onmessage = (m) => {
  const line = document.createElement("pre");
  line.textContent = m.data;
  log.prepend(line);
  while (log.childNodes.length > 200) log.removeChild(log.lastChild);
};
</script></body></html>
`
