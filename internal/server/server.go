package server

import (
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shaunagostinho/kwp1281-tool/internal/kline"
	"github.com/shaunagostinho/kwp1281-tool/internal/kwp"
	"github.com/shaunagostinho/kwp1281-tool/internal/logger"
	"github.com/shaunagostinho/kwp1281-tool/internal/runner"
)

// maxHistory is how many attempts are kept for /api/attempts.
const maxHistory = 100

// Server runs unlock attempts on request and streams their progress to
// WebSocket clients.
type Server struct {
	cfg    *Config
	runner *runner.Runner
	webFS  fs.FS
	logger *logger.Logger

	ctx  context.Context
	busy atomic.Bool
	wg   sync.WaitGroup

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	// Attempt history, persisted next to the config
	histMu   sync.Mutex
	history  []*runner.Attempt
	histPath string
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Event  *runner.Event    `json:"event,omitempty"`
	Status *StatusData      `json:"status,omitempty"`
	Config *json.RawMessage `json:"config,omitempty"`
	Stamp  int64            `json:"stamp"` // Unix ms
}

// StatusData tells clients what the tool is connected to.
type StatusData struct {
	Busy    bool     `json:"busy"`
	Line    string   `json:"line"`    // port path or "demo"
	Radio   string   `json:"radio"`   // "demo" or "none"
	Preset  string   `json:"preset"`  // demo radio preset
	Presets []string `json:"presets"` // selectable demo radios
}

// New creates a new Server. The server subscribes to r's events.
func New(cfg *Config, r *runner.Runner, webFS fs.FS) *Server {
	histPath := filepath.Join(filepath.Dir(cfg.Path()), "attempts.json")

	s := &Server{
		cfg:    cfg,
		runner: r,
		webFS:  webFS,
		logger: logger.New(logger.Config{
			Enabled: cfg.Logging.Enabled,
			Path:    cfg.Logging.Path,
		}),
		ctx:     context.Background(),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		histPath: histPath,
	}
	s.loadHistory()
	r.Subscribe(func(ev runner.Event) {
		s.broadcast(Frame{Event: &ev, Stamp: ev.Stamp})
	})
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Serve embedded web files
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}

	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/unlock", s.handleUnlock)
	mux.HandleFunc("/api/attempts", s.handleAttempts)
	mux.HandleFunc("/api/ports", s.handlePorts)
	return mux
}

// Run starts the HTTP server. Attempts started over the API are cancelled
// when ctx is done.
func (s *Server) Run(ctx context.Context) error {
	s.ctx = ctx

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		s.wg.Wait()
		s.logger.Close()
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	return srv.ListenAndServe()
}

func (s *Server) status() *StatusData {
	radio := s.cfg.SessionType()

	s.cfg.mu.RLock()
	defer s.cfg.mu.RUnlock()

	line := s.cfg.KLine.PortPath
	if s.cfg.KLine.Type == "demo" {
		line = "demo"
	}
	return &StatusData{
		Busy:    s.busy.Load(),
		Line:    line,
		Radio:   radio,
		Preset:  s.cfg.Radio.Preset,
		Presets: kwp.PresetNames(),
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", n)

	// Send initial status
	if data, err := json.Marshal(Frame{Status: s.status(), Stamp: time.Now().UnixMilli()}); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive only)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		// Logging and the demo preset apply immediately, line settings on restart.
		s.logger.SetEnabled(s.cfg.LoggingEnabled())

		if data, err := s.cfg.ToJSON(); err == nil {
			raw := json.RawMessage(data)
			s.broadcast(Frame{Config: &raw, Status: s.status(), Stamp: time.Now().UnixMilli()})
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", 405)
	}
}

// handleUnlock starts an attempt in the background. Progress is streamed
// over /ws; the finished attempt appears in /api/attempts.
func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	if !s.busy.CompareAndSwap(false, true) {
		http.Error(w, "attempt already in progress", http.StatusConflict)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		a, _ := s.runner.Run(s.ctx)
		s.record(a)
		s.busy.Store(false)
		s.broadcast(Frame{Status: s.status(), Stamp: time.Now().UnixMilli()})
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte(`{"status":"started"}`))
}

func (s *Server) handleAttempts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	s.histMu.Lock()
	data, err := json.Marshal(s.history)
	s.histMu.Unlock()
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	ports, err := kline.ListPorts()
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	data, err := json.Marshal(ports)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// Wait blocks until attempts started over the API have finished.
func (s *Server) Wait() { s.wg.Wait() }

// record appends a finished attempt to the history and the CSV log.
func (s *Server) record(a *runner.Attempt) {
	if a == nil {
		return
	}
	s.logger.Record(a)

	s.histMu.Lock()
	s.history = append(s.history, a)
	if len(s.history) > maxHistory {
		s.history = s.history[len(s.history)-maxHistory:]
	}
	s.histMu.Unlock()
	s.saveHistory()
}

// loadHistory reads persisted attempts from disk.
func (s *Server) loadHistory() {
	data, err := os.ReadFile(s.histPath)
	if err != nil {
		log.Printf("[history] no saved attempts at %s", s.histPath)
		return
	}
	var hist []*runner.Attempt
	if err := json.Unmarshal(data, &hist); err != nil {
		log.Printf("[history] ignoring %s: %v", s.histPath, err)
		return
	}
	if len(hist) > maxHistory {
		hist = hist[len(hist)-maxHistory:]
	}
	s.history = hist
	log.Printf("[history] loaded %d attempts", len(hist))
}

// saveHistory persists the attempt history to disk.
func (s *Server) saveHistory() {
	s.histMu.Lock()
	data, err := json.MarshalIndent(s.history, "", "  ")
	s.histMu.Unlock()
	if err != nil {
		log.Printf("[history] encode failed: %v", err)
		return
	}

	os.MkdirAll(filepath.Dir(s.histPath), 0755)
	if err := os.WriteFile(s.histPath, data, 0644); err != nil {
		log.Printf("[history] save failed: %v", err)
	}
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
