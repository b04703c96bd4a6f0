// Package connection keeps track of the live connections of the broker.
package connection

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/life-stream-dev/lsmq/internal/logger"
)

var ErrLimitReached = errors.New("connection limit reached")

// Connection is a transport accepted by the broker. ClientID stays empty
// until CONNECT succeeded.
type Connection struct {
	Conn     net.Conn
	ConnID   string
	Accepted time.Time

	mu       sync.Mutex
	clientID string
}

func NewConnection(conn net.Conn, connID string) *Connection {
	return &Connection{Conn: conn, ConnID: connID, Accepted: time.Now()}
}

func (c *Connection) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// ConnectionManager is safe for concurrent use.
type ConnectionManager struct {
	mu       sync.Mutex
	byConnID map[string]*Connection
	byClient map[string]*Connection
	limit    int
}

// NewConnectionManager accepts at most limit connections, 0 = unlimited.
func NewConnectionManager(limit int) *ConnectionManager {
	return &ConnectionManager{
		byConnID: make(map[string]*Connection),
		byClient: make(map[string]*Connection),
		limit:    limit,
	}
}

func (cm *ConnectionManager) AddConnection(conn *Connection) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.limit > 0 && len(cm.byConnID) >= cm.limit {
		return ErrLimitReached
	}
	cm.byConnID[conn.ConnID] = conn
	return nil
}

// BindClient records that conn now serves clientID.
func (cm *ConnectionManager) BindClient(clientID string, conn *Connection) {
	cm.mu.Lock()
	cm.byClient[clientID] = conn
	cm.mu.Unlock()

	conn.mu.Lock()
	conn.clientID = clientID
	conn.mu.Unlock()
	logger.InfoF("[%s] Client %s connected", conn.ConnID, clientID)
}

// RemoveConnection forgets conn. The client binding is only dropped while it
// still points at conn, a takeover may have replaced it.
func (cm *ConnectionManager) RemoveConnection(conn *Connection) {
	clientID := conn.ClientID()
	cm.mu.Lock()
	delete(cm.byConnID, conn.ConnID)
	if clientID != "" && cm.byClient[clientID] == conn {
		delete(cm.byClient, clientID)
	}
	cm.mu.Unlock()
	if clientID != "" {
		logger.InfoF("[%s] Client %s disconnected", conn.ConnID, clientID)
	}
}

func (cm *ConnectionManager) GetConnection(clientID string) (*Connection, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	conn, ok := cm.byClient[clientID]
	return conn, ok
}

func (cm *ConnectionManager) Len() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.byConnID)
}

// CloseAll closes every transport, the handlers then exit on their own.
func (cm *ConnectionManager) CloseAll() {
	cm.mu.Lock()
	conns := make([]*Connection, 0, len(cm.byConnID))
	for _, conn := range cm.byConnID {
		conns = append(conns, conn)
	}
	cm.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Conn.Close()
	}
}

// Send writes all of data to conn.
func Send(conn net.Conn, data []byte, connID string) error {
	total := 0
	for total < len(data) {
		n, err := conn.Write(data[total:])
		if err != nil {
			logger.DebugF("[%s] Fail to send data, details: %v", connID, err)
			return err
		}
		total += n
	}
	logger.DebugF("[%s] Send %d bytes to client", connID, total)
	return nil
}
