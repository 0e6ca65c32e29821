// Package bridge connects the page mirror to the browser tab through a
// websocket. A shim injected into the page reports the page's state and
// changes; the server answers with identity tag writes.
package bridge

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"commentsync/dom"
	"commentsync/logger"
	"commentsync/models"

	"github.com/gorilla/websocket"
)

//go:embed shim.js
var shimSource string

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 256
	maxMessageSize = 8 << 20
)

// Inbound message types sent by the shim.
const (
	MsgPage     = "page"
	MsgNavigate = "navigate"
	MsgList     = "list"
	MsgSort     = "sort"
	MsgStorage  = "storage"
)

// Outbound message types sent to the shim.
const (
	MsgTag   = "tag"
	MsgUntag = "untag"
)

// Message is the single envelope used in both directions.
type Message struct {
	Type    string             `json:"type"`
	URL     string             `json:"url,omitempty"`
	HTML    string             `json:"html,omitempty"`
	Local   map[string]string  `json:"local,omitempty"`
	Session map[string]string  `json:"session,omitempty"`
	Cookie  *string            `json:"cookie,omitempty"`
	Added   []models.AddedNode `json:"added,omitempty"`
	Removed int                `json:"removed,omitempty"`
	Label   string             `json:"label,omitempty"`
	Index   int                `json:"index"`
	ID      string             `json:"id,omitempty"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// Bridge applies shim reports to a dom.Document and replays the document's
// tag writes in the browser. One tab is bridged at a time; a new connection
// replaces the previous one.
type Bridge struct {
	doc      *dom.Document
	upgrader websocket.Upgrader
	onReload func()

	mu     sync.Mutex
	active *client
}

// New binds a bridge to doc and installs it as the document's write sink.
// onReload, if set, is called when the page is reloaded in place.
func New(doc *dom.Document, onReload func()) *Bridge {
	b := &Bridge{
		doc:      doc,
		onReload: onReload,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			// The shim runs on the host site's origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	doc.SetWriteSink(b.forward)
	return b
}

// ServeHTTP upgrades the request and serves the shim connection.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Bridge: failed to upgrade the websocket: %v", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)
	c := &client{conn: conn, send: make(chan []byte, sendBufferSize)}

	b.mu.Lock()
	prev := b.active
	b.active = c
	b.mu.Unlock()
	if prev != nil {
		logger.Info("Bridge: new page connection replaces the previous one")
		prev.conn.Close()
	}
	logger.Info("Bridge: page connected from %s", r.RemoteAddr)

	go b.writePump(c)
	b.readPump(c)
}

func (b *Bridge) readPump(c *client) {
	defer func() {
		b.mu.Lock()
		if b.active == c {
			b.active = nil
		}
		b.mu.Unlock()
		c.close()
		c.conn.Close()
	}()
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("Bridge: page connection closed: %v", err)
			} else {
				logger.Info("Bridge: page disconnected")
			}
			return
		}
		if err := b.Apply(msg); err != nil {
			logger.Warn("Bridge: %v", err)
		}
	}
}

func (b *Bridge) writePump(c *client) {
	for payload := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			logger.Warn("Bridge: failed to write to page: %v", err)
			c.conn.Close()
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// Apply updates the mirror from one shim report.
func (b *Bridge) Apply(msg Message) error {
	switch msg.Type {
	case MsgPage:
		prev := b.doc.URL()
		if err := b.doc.Load(msg.URL, msg.HTML); err != nil {
			return err
		}
		b.applyStorage(msg)
		logger.Debug("Bridge: page snapshot for %s (%d bytes)", msg.URL, len(msg.HTML))
		if prev == msg.URL && b.onReload != nil {
			b.onReload()
		}
	case MsgNavigate:
		b.doc.Navigate(msg.URL)
	case MsgList:
		b.doc.ReplaceCommentList(msg.HTML, msg.Added, msg.Removed)
	case MsgSort:
		b.doc.SetSortLabel(msg.Label)
	case MsgStorage:
		b.applyStorage(msg)
	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
	return nil
}

func (b *Bridge) applyStorage(msg Message) {
	if msg.Local != nil {
		b.doc.SetStorage(dom.LocalStorage, msg.Local)
	}
	if msg.Session != nil {
		b.doc.SetStorage(dom.SessionStorage, msg.Session)
	}
	if msg.Cookie != nil {
		b.doc.SetCookie(*msg.Cookie)
	}
}

// Connected reports whether a page is currently bridged.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active != nil
}

func (b *Bridge) forward(w models.TagWrite) {
	msg := Message{Type: MsgTag, Index: w.Index, ID: w.ID}
	if w.ID == "" {
		msg.Type = MsgUntag
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		logger.Error("Bridge: encode %s: %v", msg.Type, err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active == nil {
		return
	}
	select {
	case b.active.send <- payload:
	default:
		logger.Warn("Bridge: page is not keeping up, dropping %s for node %d", msg.Type, w.Index)
	}
}

// ShimConfig is handed to the injected script.
type ShimConfig struct {
	BridgeURL   string `json:"bridgeUrl"`
	Container   string `json:"container"`
	Item        string `json:"item"`
	SortLabel   string `json:"sortLabel"`
	IDAttribute string `json:"idAttribute"`
}

// ShimScript returns the inline <script> element the proxy injects.
func ShimScript(cfg ShimConfig) (string, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encode shim config: %w", err)
	}
	js := strings.Replace(shimSource, "__COMMENTSYNC_CONFIG__", string(raw), 1)
	return "<script>" + js + "</script>", nil
}
