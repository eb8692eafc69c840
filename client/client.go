// Package client is a thin TCP client for NexaDB's wire protocol: connect,
// authenticate, then issue requests. NexaDB is single-tenant per process,
// so a collection is addressed directly by {Database, Collection} against
// the one connected server, with no separate tenant/project axis.
package client

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/kartikbazzad/nexadb/security"
	"github.com/kartikbazzad/nexadb/wire"
)

// Client is a connection to one NexaDB server, serializing requests the
// way the wire protocol requires.
type Client struct {
	conn net.Conn
	mu   sync.Mutex

	sessionID string
	username  string
}

// Connect dials addr. Call Login before issuing any operational request.
func Connect(addr string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection, sending DISCONNECT first so the
// server can release session state gracefully.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	wire.WriteMessage(c.conn, wire.TypeDisconnect, nil)
	return c.conn.Close()
}

// Login performs the two-step SCRAM handshake.
func (c *Client) Login(username, password string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := wire.WriteMessage(c.conn, wire.TypeConnect, wire.ConnectRequest{Username: username}); err != nil {
		return fmt.Errorf("write connect step 1: %w", err)
	}
	challenge, err := c.readChallenge()
	if err != nil {
		return err
	}

	proof, err := security.ComputeClientProof(password, string(challenge.Salt), challenge.Iterations, "nexadb-auth")
	if err != nil {
		return fmt.Errorf("compute proof: %w", err)
	}

	req := wire.ConnectRequest{Username: username, Proof: proof, SessionID: challenge.SessionID}
	if err := wire.WriteMessage(c.conn, wire.TypeConnect, req); err != nil {
		return fmt.Errorf("write connect step 2: %w", err)
	}

	header, err := wire.ReadHeader(c.conn)
	if err != nil {
		return fmt.Errorf("read connect reply: %w", err)
	}
	if header.Type == wire.TypeError {
		return readErr(c.conn, header)
	}
	var success wire.ConnectSuccess
	if err := wire.ReadBody(c.conn, header.Length, &success); err != nil {
		return err
	}
	c.sessionID = success.SessionID
	c.username = success.Username
	return nil
}

func (c *Client) readChallenge() (wire.AuthChallenge, error) {
	header, err := wire.ReadHeader(c.conn)
	if err != nil {
		return wire.AuthChallenge{}, fmt.Errorf("read challenge header: %w", err)
	}
	if header.Type == wire.TypeError {
		return wire.AuthChallenge{}, readErr(c.conn, header)
	}
	var challenge wire.AuthChallenge
	if err := wire.ReadBody(c.conn, header.Length, &challenge); err != nil {
		return wire.AuthChallenge{}, err
	}
	return challenge, nil
}

func readErr(conn net.Conn, header wire.Header) error {
	var reply wire.ErrorReply
	if err := wire.ReadBody(conn, header.Length, &reply); err != nil {
		return err
	}
	return fmt.Errorf("%s: %s", reply.Code, reply.Message)
}

// Ping round-trips a PING/PONG to verify liveness.
func (c *Client) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := wire.WriteMessage(c.conn, wire.TypePing, nil); err != nil {
		return err
	}
	header, err := wire.ReadHeader(c.conn)
	if err != nil {
		return err
	}
	if header.Type == wire.TypeError {
		return readErr(c.conn, header)
	}
	return wire.ReadBody(c.conn, header.Length, nil)
}

// Database returns a handle addressing a named database.
func (c *Client) Database(name string) *Database {
	return &Database{client: c, name: name}
}

// Database is a client-side handle; all state lives on the server.
type Database struct {
	client *Client
	name   string
}

// Collection returns a handle addressing a collection in this database.
func (d *Database) Collection(name string) *Collection {
	return &Collection{db: d, name: name}
}

// Collection is a client-side handle issuing CREATE/READ/UPDATE/DELETE/
// QUERY/VECTOR_SEARCH requests for one (database, collection) pair.
type Collection struct {
	db   *Database
	name string
}

func (c *Collection) meta() wire.RequestMeta {
	return wire.RequestMeta{Database: c.db.name, Collection: c.name}
}

// roundTrip serializes one request/reply exchange under the client's lock
//.
func (c *Collection) roundTrip(typ wire.Type, req interface{}, reply interface{}) error {
	cl := c.db.client
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if err := wire.WriteMessage(cl.conn, typ, req); err != nil {
		return err
	}
	header, err := wire.ReadHeader(cl.conn)
	if err != nil {
		return err
	}
	if header.Type == wire.TypeError {
		return readErr(cl.conn, header)
	}
	return wire.ReadBody(cl.conn, header.Length, reply)
}

// Insert creates a new document, returning the server-assigned id.
func (c *Collection) Insert(doc map[string]interface{}) (string, error) {
	var reply wire.SuccessReply
	req := wire.CreateRequest{RequestMeta: c.meta(), Document: doc}
	if err := c.roundTrip(wire.TypeCreate, req, &reply); err != nil {
		return "", err
	}
	return reply.ID, nil
}

// FindByID fetches one document by id.
func (c *Collection) FindByID(id string) (map[string]interface{}, error) {
	var reply wire.SuccessReply
	req := wire.ReadRequest{RequestMeta: c.meta(), ID: id}
	if err := c.roundTrip(wire.TypeRead, req, &reply); err != nil {
		return nil, err
	}
	return reply.Document, nil
}

// Update replaces a document's fields entirely.
func (c *Collection) Update(id string, doc map[string]interface{}) error {
	req := wire.UpdateRequest{RequestMeta: c.meta(), ID: id, Document: doc}
	var reply wire.SuccessReply
	return c.roundTrip(wire.TypeUpdate, req, &reply)
}

// Patch merges fields into an existing document.
func (c *Collection) Patch(id string, patch map[string]interface{}) error {
	req := wire.UpdateRequest{RequestMeta: c.meta(), ID: id, Document: patch, Patch: true}
	var reply wire.SuccessReply
	return c.roundTrip(wire.TypeUpdate, req, &reply)
}

// Delete removes a document by id.
func (c *Collection) Delete(id string) error {
	req := wire.DeleteRequest{RequestMeta: c.meta(), ID: id}
	var reply wire.SuccessReply
	return c.roundTrip(wire.TypeDelete, req, &reply)
}

// QueryOptions mirrors the engine's sort/pagination knobs for FindQuery.
type QueryOptions struct {
	SortField string
	SortDesc  bool
	Limit     int
	Skip      int
}

// FindQuery runs a MongoDB-style filter against the collection.
func (c *Collection) FindQuery(filter map[string]interface{}, opts ...QueryOptions) ([]map[string]interface{}, error) {
	req := wire.QueryRequest{RequestMeta: c.meta(), Filter: filter}
	if len(opts) > 0 {
		req.SortField, req.SortDesc, req.Limit, req.Skip = opts[0].SortField, opts[0].SortDesc, opts[0].Limit, opts[0].Skip
	}
	var reply wire.QueryReply
	if err := c.roundTrip(wire.TypeQuery, req, &reply); err != nil {
		return nil, err
	}
	return reply.Documents, nil
}

// Aggregate runs an aggregation pipeline against the collection.
func (c *Collection) Aggregate(pipeline []map[string]interface{}) ([]map[string]interface{}, error) {
	req := wire.QueryRequest{RequestMeta: c.meta(), Pipeline: pipeline}
	var reply wire.QueryReply
	if err := c.roundTrip(wire.TypeQuery, req, &reply); err != nil {
		return nil, err
	}
	return reply.Documents, nil
}

// VectorSearch runs an HNSW nearest-neighbor search against field.
func (c *Collection) VectorSearch(field string, query []float32, k int) ([]map[string]interface{}, error) {
	req := wire.VectorSearchRequest{RequestMeta: c.meta(), Field: field, Query: query, K: k}
	var reply wire.QueryReply
	if err := c.roundTrip(wire.TypeVectorSearch, req, &reply); err != nil {
		return nil, err
	}
	return reply.Documents, nil
}
