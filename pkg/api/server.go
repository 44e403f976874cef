package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"
	"github.com/shopspring/decimal"

	"github.com/luxfi/perp/pkg/fixed"
	"github.com/luxfi/perp/pkg/perp"
)

// Server exposes the engine over HTTP JSON endpoints and a WebSocket feed
// that broadcasts mark-price snapshots and close events.
type Server struct {
	engine *perp.Engine
	oracle perp.Oracle
	logger log.Logger

	upgrader  websocket.Upgrader
	clients   map[*client]bool
	broadcast chan []byte

	mu sync.RWMutex
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewServer wires the API to the engine and the oracle it quotes from.
func NewServer(engine *perp.Engine, oracle perp.Oracle, logger log.Logger) *Server {
	return &Server{
		engine: engine,
		oracle: oracle,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients:   make(map[*client]bool),
		broadcast: make(chan []byte, 256),
	}
}

// Routes returns the HTTP handler for the full API surface.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/products", s.handleProducts)
	mux.HandleFunc("/v1/positions", s.handlePositions)
	mux.HandleFunc("/v1/positions/open", s.handleOpen)
	mux.HandleFunc("/v1/positions/close", s.handleClose)
	mux.HandleFunc("/v1/positions/margin", s.handleAddMargin)
	mux.HandleFunc("/v1/liquidate", s.handleLiquidate)
	mux.HandleFunc("/v1/rewards", s.handleRewards)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// Start runs the broadcast fan-out and the periodic mark snapshots until
// ctx is done.
func (s *Server) Start(ctx context.Context, snapshotEvery time.Duration) {
	go s.fanOut(ctx)
	go s.snapshotLoop(ctx, snapshotEvery)
}

func (s *Server) handleProducts(w http.ResponseWriter, r *http.Request) {
	products := s.engine.Products()
	out := make([]ProductView, 0, len(products))
	for _, p := range products {
		out = append(out, productView(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("id"); id != "" {
		pos, err := s.engine.Position(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, positionView(pos))
		return
	}
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		http.Error(w, "id or owner required", http.StatusBadRequest)
		return
	}
	positions := s.engine.PositionsOf(owner)
	out := make([]PositionView, 0, len(positions))
	for _, p := range positions {
		out = append(out, positionView(p))
	}
	writeJSON(w, http.StatusOK, out)
}

type openRequest struct {
	Sender    string          `json:"sender"`
	Owner     string          `json:"owner"`
	ProductID string          `json:"product_id"`
	Margin    decimal.Decimal `json:"margin"`
	IsLong    bool            `json:"is_long"`
	Leverage  decimal.Decimal `json:"leverage"`
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Owner == "" {
		req.Owner = req.Sender
	}
	id, err := s.engine.OpenPosition(req.Sender, req.Owner, req.ProductID,
		fixed.FromDecimal(req.Margin), req.IsLong, fixed.FromDecimal(req.Leverage))
	if err != nil {
		writeError(w, err)
		return
	}
	pos, err := s.engine.Position(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positionView(pos))
}

type closeRequest struct {
	Sender     string          `json:"sender"`
	PositionID string          `json:"position_id"`
	Margin     decimal.Decimal `json:"margin"`
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	closure, err := s.engine.ClosePosition(req.Sender, req.PositionID, fixed.FromDecimal(req.Margin))
	if err != nil {
		writeError(w, err)
		return
	}
	s.BroadcastClosure(closure)
	writeJSON(w, http.StatusOK, closureView(closure))
}

func (s *Server) handleAddMargin(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.engine.AddMargin(req.Sender, req.PositionID, fixed.FromDecimal(req.Margin)); err != nil {
		writeError(w, err)
		return
	}
	pos, err := s.engine.Position(req.PositionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positionView(pos))
}

type liquidateRequest struct {
	Liquidator  string   `json:"liquidator"`
	PositionIDs []string `json:"position_ids"`
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	reward, err := s.engine.LiquidatePositions(req.Liquidator, req.PositionIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{
		"reward": fixed.ToDecimal(reward),
	})
}

func (s *Server) handleRewards(w http.ResponseWriter, r *http.Request) {
	protocol, token, vault := s.engine.PendingRewards()
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{
		"protocol": fixed.ToDecimal(protocol),
		"token":    fixed.ToDecimal(token),
		"vault":    fixed.ToDecimal(vault),
	})
}

// WebSocket feed

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 64)}

	s.mu.Lock()
	s.clients[c] = true
	s.mu.Unlock()

	go s.writePump(c)
	go s.readPump(c)

	s.sendTo(c, Message{Type: "connected", Timestamp: time.Now().Unix()})
}

func (s *Server) readPump(c *client) {
	defer s.dropClient(c)
	c.conn.SetReadLimit(1 << 16)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		// The feed is one-way; inbound frames only keep the connection
		// alive.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case raw, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) dropClient(c *client) {
	s.mu.Lock()
	if s.clients[c] {
		delete(s.clients, c)
		close(c.send)
	}
	s.mu.Unlock()
	c.conn.Close()
}

func (s *Server) sendTo(c *client, msg Message) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- raw:
	default:
	}
}

// BroadcastClosure pushes a close or liquidation event to every client.
func (s *Server) BroadcastClosure(c *perp.Closure) {
	s.publish(Message{
		Type:      "closure",
		Data:      closureView(c),
		Timestamp: time.Now().Unix(),
	})
}

func (s *Server) publish(msg Message) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case s.broadcast <- raw:
	default:
		s.logger.Warn("broadcast queue full, frame dropped", "type", msg.Type)
	}
}

func (s *Server) fanOut(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-s.broadcast:
			s.mu.RLock()
			for c := range s.clients {
				select {
				case c.send <- raw:
				default:
				}
			}
			s.mu.RUnlock()
		}
	}
}

func (s *Server) snapshotLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publishSnapshots()
		}
	}
}

func (s *Server) publishSnapshots() {
	now := time.Now().Unix()
	for _, p := range s.engine.Products() {
		price, err := s.oracle.GetPrice(p.Token)
		if err != nil {
			continue
		}
		s.publish(Message{
			Type: "mark",
			Data: MarkSnapshot{
				ProductID:         p.ID,
				OraclePrice:       fixed.ToDecimal(price),
				OpenInterestLong:  fixed.ToDecimal(p.OpenInterestLong),
				OpenInterestShort: fixed.ToDecimal(p.OpenInterestShort),
				Timestamp:         now,
			},
			Timestamp: now,
		})
	}
}

// HTTP helpers

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, perp.ErrProductNotFound), errors.Is(err, perp.ErrPositionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, perp.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, perp.ErrTradingPaused):
		status = http.StatusServiceUnavailable
	case errors.Is(err, perp.ErrExposureExceeded), errors.Is(err, perp.ErrUtilizationExceeded):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
