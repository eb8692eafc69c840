package wire

// RequestMeta identifies the target database/collection of an operational
// request, carried inline in most request bodies rather than in the frame
// header (the header has no room for variable-length names).
type RequestMeta struct {
	Database   string `msgpack:"database"`
	Collection string `msgpack:"collection,omitempty"`
}

// ConnectRequest is the CONNECT step-1 body: client announces a username
// and gets back a SCRAM challenge.
type ConnectRequest struct {
	Username string `msgpack:"username"`
	// Proof is empty on step 1. When set, the server treats this frame as
	// step 2 and verifies it (base64, per security.VerifyClientProof)
	// against the challenge issued for SessionID.
	Proof     string `msgpack:"proof,omitempty"`
	SessionID string `msgpack:"session_id,omitempty"`
}

// AuthChallenge is returned in response to ConnectRequest step 1.
type AuthChallenge struct {
	SessionID  string `msgpack:"session_id"`
	Salt       []byte `msgpack:"salt"`
	Iterations int    `msgpack:"iterations"`
}

// ConnectSuccess is returned once step-2 proof verification succeeds.
type ConnectSuccess struct {
	SessionID string   `msgpack:"session_id"`
	Username  string   `msgpack:"username"`
	Roles     []string `msgpack:"roles"`
}

// CreateRequest inserts one document.
type CreateRequest struct {
	RequestMeta
	Document map[string]interface{} `msgpack:"document"`
}

// ReadRequest fetches one document by id.
type ReadRequest struct {
	RequestMeta
	ID string `msgpack:"id"`
}

// UpdateRequest replaces (or, if Patch is true, merges into) one document.
type UpdateRequest struct {
	RequestMeta
	ID       string                 `msgpack:"id"`
	Document map[string]interface{} `msgpack:"document"`
	Patch    bool                   `msgpack:"patch,omitempty"`
}

// DeleteRequest removes one document by id.
type DeleteRequest struct {
	RequestMeta
	ID string `msgpack:"id"`
}

// QueryRequest runs a filter/aggregation pipeline against a collection.
type QueryRequest struct {
	RequestMeta
	Filter    map[string]interface{}   `msgpack:"filter,omitempty"`
	Pipeline  []map[string]interface{} `msgpack:"pipeline,omitempty"`
	SortField string                   `msgpack:"sort_field,omitempty"`
	SortDesc  bool                     `msgpack:"sort_desc,omitempty"`
	Limit     int                      `msgpack:"limit,omitempty"`
	Skip      int                      `msgpack:"skip,omitempty"`
}

// VectorSearchRequest runs an HNSW nearest-neighbor search.
type VectorSearchRequest struct {
	RequestMeta
	Field    string    `msgpack:"field"`
	Query    []float32 `msgpack:"query"`
	K        int       `msgpack:"k"`
	EfSearch int       `msgpack:"ef_search,omitempty"`
}

// BatchOp is one operation inside a BATCH_WRITE request.
type BatchOp struct {
	Op       string                 `msgpack:"op"` // "create", "update", "delete"
	ID       string                 `msgpack:"id,omitempty"`
	Document map[string]interface{} `msgpack:"document,omitempty"`
}

// BatchWriteRequest applies multiple write operations to one collection.
type BatchWriteRequest struct {
	RequestMeta
	Ops []BatchOp `msgpack:"ops"`
}

// QueryTOONRequest, ExportTOONRequest and ImportTOONRequest exist only to
// complete the message-type space. The TOON serialization format itself is
// out of scope here: these carry opaque byte payloads for an external codec
// the engine does not implement.
type QueryTOONRequest struct {
	RequestMeta
	Payload []byte `msgpack:"payload"`
}

// ExportTOONRequest requests a TOON-encoded export of a collection.
type ExportTOONRequest struct {
	RequestMeta
}

// ImportTOONRequest supplies a TOON-encoded payload to import.
type ImportTOONRequest struct {
	RequestMeta
	Payload []byte `msgpack:"payload"`
}

// DatabaseCreateRequest/DatabaseDropRequest name the database to
// create/drop; DatabaseListRequest and DatabaseStatsRequest are
// administrative lookups.
type DatabaseCreateRequest struct {
	Name string `msgpack:"name"`
}

type DatabaseDropRequest struct {
	Name string `msgpack:"name"`
}

type DatabaseStatsRequest struct {
	Name string `msgpack:"name"`
}

type DatabaseStatsReply struct {
	Name            string   `msgpack:"name"`
	Collections     []string `msgpack:"collections"`
	CollectionCount int      `msgpack:"collection_count"`
}

type DatabaseListReply struct {
	Names []string `msgpack:"names"`
}

// UserCreateRequest/UserUpdateRequest/UserDeleteRequest manage credential
// store entries. Roles are named strings resolved against
// security.DefaultRoles by the server.
type UserCreateRequest struct {
	Username string   `msgpack:"username"`
	Password string   `msgpack:"password"`
	Roles    []string `msgpack:"roles"`
}

type UserUpdateRequest struct {
	Username string   `msgpack:"username"`
	Roles    []string `msgpack:"roles"`
}

type UserDeleteRequest struct {
	Username string `msgpack:"username"`
}

type UserListReply struct {
	Usernames []string `msgpack:"usernames"`
}

// IndexCreateRequest/IndexDropRequest manage secondary B-tree indexes.
type IndexCreateRequest struct {
	RequestMeta
	Field string `msgpack:"field"`
}

type IndexDropRequest struct {
	RequestMeta
	Field string `msgpack:"field"`
}

// VectorBuildRequest (re)builds an HNSW index for a field.
type VectorBuildRequest struct {
	RequestMeta
	Field          string `msgpack:"field"`
	Dim            int    `msgpack:"dim"`
	M              int    `msgpack:"m,omitempty"`
	EfConstruction int    `msgpack:"ef_construction,omitempty"`
	EfSearch       int    `msgpack:"ef_search,omitempty"`
}

// --- Responses ---

// SuccessReply is the generic success envelope for operations that return
// zero or one document (CREATE/READ/UPDATE/DELETE). PING's PONG response
// carries no body.
type SuccessReply struct {
	ID       string                 `msgpack:"id,omitempty"`
	Document map[string]interface{} `msgpack:"document,omitempty"`
}

// QueryReply carries the result set of QUERY/VECTOR_SEARCH.
type QueryReply struct {
	Documents []map[string]interface{} `msgpack:"documents"`
}

// BatchWriteReply reports the outcome of each op in a BATCH_WRITE request,
// in request order, so a partial failure can be attributed to its op.
type BatchWriteReply struct {
	Results []BatchResult `msgpack:"results"`
}

type BatchResult struct {
	OK    bool   `msgpack:"ok"`
	ID    string `msgpack:"id,omitempty"`
	Error string `msgpack:"error,omitempty"`
}

// ErrorReply is the payload of a TypeError frame, mirroring internal/errs.Error
// without exposing the wrapped Go error.
type ErrorReply struct {
	Code    string         `msgpack:"code"`
	Message string         `msgpack:"message"`
	Details map[string]any `msgpack:"details,omitempty"`
}
