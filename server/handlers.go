package server

import (
	"fmt"
	"io"
	"net"

	"github.com/kartikbazzad/nexadb"
	"github.com/kartikbazzad/nexadb/hnsw"
	"github.com/kartikbazzad/nexadb/internal/errs"
	"github.com/kartikbazzad/nexadb/internal/logging"
	"github.com/kartikbazzad/nexadb/rules"
	"github.com/kartikbazzad/nexadb/security"
	"github.com/kartikbazzad/nexadb/wire"
)

func hnswParams(req wire.VectorBuildRequest) hnsw.Params {
	p := hnsw.DefaultParams()
	if req.M > 0 {
		p.M = req.M
	}
	if req.EfConstruction > 0 {
		p.EfConstruction = req.EfConstruction
	}
	if req.EfSearch > 0 {
		p.EfSearch = req.EfSearch
	}
	return p
}

// authMessage binds a SCRAM proof to this protocol. It is a simplified
// fixed auth string rather than a string folding in the per-session nonce;
// a production handshake would do the latter.
const authMessage = "nexadb-auth"

// dispatch reads one request body for header.Type, runs the matching
// handler, and replies. A non-nil return closes the connection (protocol
// violations and failed CONNECT attempts per state machine);
// application-level failures (NotFound, PermissionDenied, ...) reply with
// an ERROR frame and return nil so the connection stays open.
func (s *TCPServer) dispatch(conn net.Conn, header wire.Header, sess *Session) error {
	switch header.Type {
	case wire.TypeConnect:
		var req wire.ConnectRequest
		if err := wire.ReadBody(conn, header.Length, &req); err != nil {
			s.sendErr(conn, err)
			return err
		}
		return s.handleConnect(conn, req, sess)

	case wire.TypePing:
		if err := wire.ReadBody(conn, header.Length, nil); err != nil {
			s.sendErr(conn, err)
			return err
		}
		wire.WriteMessage(conn, wire.TypePong, nil)
		return nil

	case wire.TypeDisconnect:
		io.CopyN(io.Discard, conn, int64(header.Length))
		sess.state = stateClosed
		return nil
	}

	if !sess.authenticated() {
		io.CopyN(io.Discard, conn, int64(header.Length))
		s.sendErr(conn, errs.ErrUnauthorized)
		return nil
	}

	switch header.Type {
	case wire.TypeCreate:
		var req wire.CreateRequest
		if err := wire.ReadBody(conn, header.Length, &req); err != nil {
			s.sendErr(conn, err)
			return err
		}
		s.handleCreate(conn, req, sess)

	case wire.TypeRead:
		var req wire.ReadRequest
		if err := wire.ReadBody(conn, header.Length, &req); err != nil {
			s.sendErr(conn, err)
			return err
		}
		s.handleRead(conn, req, sess)

	case wire.TypeUpdate:
		var req wire.UpdateRequest
		if err := wire.ReadBody(conn, header.Length, &req); err != nil {
			s.sendErr(conn, err)
			return err
		}
		s.handleUpdate(conn, req, sess)

	case wire.TypeDelete:
		var req wire.DeleteRequest
		if err := wire.ReadBody(conn, header.Length, &req); err != nil {
			s.sendErr(conn, err)
			return err
		}
		s.handleDelete(conn, req, sess)

	case wire.TypeQuery:
		var req wire.QueryRequest
		if err := wire.ReadBody(conn, header.Length, &req); err != nil {
			s.sendErr(conn, err)
			return err
		}
		s.handleQuery(conn, req, sess)

	case wire.TypeVectorSearch:
		var req wire.VectorSearchRequest
		if err := wire.ReadBody(conn, header.Length, &req); err != nil {
			s.sendErr(conn, err)
			return err
		}
		s.handleVectorSearch(conn, req, sess)

	case wire.TypeBatchWrite:
		var req wire.BatchWriteRequest
		if err := wire.ReadBody(conn, header.Length, &req); err != nil {
			s.sendErr(conn, err)
			return err
		}
		s.handleBatchWrite(conn, req, sess)

	case wire.TypeQueryTOON, wire.TypeExportTOON, wire.TypeImportTOON:
		io.CopyN(io.Discard, conn, int64(header.Length))
		s.sendErr(conn, errs.New(errs.InvalidMessage, "TOON codec not implemented by this server"))

	case wire.TypeDatabaseCreate:
		var req wire.DatabaseCreateRequest
		if err := wire.ReadBody(conn, header.Length, &req); err != nil {
			s.sendErr(conn, err)
			return err
		}
		s.handleDatabaseCreate(conn, req, sess)

	case wire.TypeDatabaseDrop:
		var req wire.DatabaseDropRequest
		if err := wire.ReadBody(conn, header.Length, &req); err != nil {
			s.sendErr(conn, err)
			return err
		}
		s.handleDatabaseDrop(conn, req, sess)

	case wire.TypeDatabaseList:
		if err := wire.ReadBody(conn, header.Length, nil); err != nil {
			s.sendErr(conn, err)
			return err
		}
		s.handleDatabaseList(conn, sess)

	case wire.TypeDatabaseStats:
		var req wire.DatabaseStatsRequest
		if err := wire.ReadBody(conn, header.Length, &req); err != nil {
			s.sendErr(conn, err)
			return err
		}
		s.handleDatabaseStats(conn, req, sess)

	case wire.TypeUserCreate:
		var req wire.UserCreateRequest
		if err := wire.ReadBody(conn, header.Length, &req); err != nil {
			s.sendErr(conn, err)
			return err
		}
		s.handleUserCreate(conn, req, sess)

	case wire.TypeUserUpdate:
		var req wire.UserUpdateRequest
		if err := wire.ReadBody(conn, header.Length, &req); err != nil {
			s.sendErr(conn, err)
			return err
		}
		s.handleUserUpdate(conn, req, sess)

	case wire.TypeUserDelete:
		var req wire.UserDeleteRequest
		if err := wire.ReadBody(conn, header.Length, &req); err != nil {
			s.sendErr(conn, err)
			return err
		}
		s.handleUserDelete(conn, req, sess)

	case wire.TypeUserList:
		if err := wire.ReadBody(conn, header.Length, nil); err != nil {
			s.sendErr(conn, err)
			return err
		}
		s.handleUserList(conn, sess)

	case wire.TypeIndexCreate:
		var req wire.IndexCreateRequest
		if err := wire.ReadBody(conn, header.Length, &req); err != nil {
			s.sendErr(conn, err)
			return err
		}
		s.handleIndexCreate(conn, req, sess)

	case wire.TypeIndexDrop:
		var req wire.IndexDropRequest
		if err := wire.ReadBody(conn, header.Length, &req); err != nil {
			s.sendErr(conn, err)
			return err
		}
		s.handleIndexDrop(conn, req, sess)

	case wire.TypeVectorBuild:
		var req wire.VectorBuildRequest
		if err := wire.ReadBody(conn, header.Length, &req); err != nil {
			s.sendErr(conn, err)
			return err
		}
		s.handleVectorBuild(conn, req, sess)

	default:
		io.CopyN(io.Discard, conn, int64(header.Length))
		err := errs.New(errs.InvalidMessage, fmt.Sprintf("unknown message type 0x%02X", byte(header.Type)))
		s.sendErr(conn, err)
		return err
	}
	return nil
}

func (s *TCPServer) sendErr(w io.Writer, err error) {
	if e, ok := err.(*errs.Error); ok {
		wire.WriteMessage(w, wire.TypeError, wire.ErrorReply{Code: string(e.Code), Message: e.Message, Details: e.Details})
		return
	}
	wire.WriteMessage(w, wire.TypeError, wire.ErrorReply{Code: string(errs.CodeOf(err)), Message: err.Error()})
}

func (s *TCPServer) authorize(conn net.Conn, sess *Session, database string, perm security.Permission, action string) bool {
	if !sess.User.HasPermission(database, perm) {
		s.db.Audit.Log(security.EventAccessDenied, sess.User.Username, "", map[string]interface{}{
			"action":   action,
			"database": database,
		})
		s.sendErr(conn, errs.ErrPermissionDenied)
		return false
	}
	return true
}

// -- CONNECT / auth --

func (s *TCPServer) handleConnect(conn net.Conn, req wire.ConnectRequest, sess *Session) error {
	if req.Proof == "" {
		creds, err := s.db.Security.GetSCRAMCredentials(req.Username)
		if err != nil {
			s.sendErr(conn, errs.ErrUnauthorized)
			return errs.ErrUnauthorized
		}
		sess.ID = security.NewSessionID()
		sess.pendingUsername = req.Username
		wire.WriteMessage(conn, wire.TypeSuccess, wire.AuthChallenge{
			SessionID:  sess.ID,
			Salt:       []byte(creds.Salt),
			Iterations: creds.Iterations,
		})
		return nil
	}

	if sess.pendingUsername == "" || req.SessionID != sess.ID {
		s.sendErr(conn, errs.ErrUnauthorized)
		return errs.ErrUnauthorized
	}

	creds, err := s.db.Security.GetSCRAMCredentials(sess.pendingUsername)
	if err != nil {
		s.sendErr(conn, errs.ErrUnauthorized)
		return errs.ErrUnauthorized
	}

	if !security.VerifyClientProof(creds.StoredKey, authMessage, req.Proof) {
		s.db.Audit.Log(security.EventLoginFailure, sess.pendingUsername, "", map[string]interface{}{"reason": "invalid_proof"})
		s.sendErr(conn, errs.ErrUnauthorized)
		return errs.ErrUnauthorized
	}

	user, err := s.db.Security.GetUser(sess.pendingUsername)
	if err != nil {
		s.sendErr(conn, errs.ErrUnauthorized)
		return errs.ErrUnauthorized
	}

	sess.User = user
	sess.state = stateAuthenticated
	s.db.Audit.Log(security.EventLoginSuccess, user.Username, "", nil)

	roles := make([]string, len(user.Roles))
	for i, r := range user.Roles {
		roles[i] = r.Name
	}
	wire.WriteMessage(conn, wire.TypeSuccess, wire.ConnectSuccess{SessionID: sess.ID, Username: user.Username, Roles: roles})
	return nil
}

// -- document operations --

func (s *TCPServer) handleCreate(conn net.Conn, req wire.CreateRequest, sess *Session) {
	if !s.authorize(conn, sess, req.Database, security.PermWrite, "create") {
		return
	}
	coll, err := s.openOrCreateCollection(req.Database, req.Collection)
	if err != nil {
		s.sendErr(conn, err)
		return
	}
	doc := nexadb.Document(req.Document)
	if err := s.withTimeout(func() error { return coll.Insert(s.authCtx(sess), doc) }); err != nil {
		s.sendErr(conn, err)
		return
	}
	wire.WriteMessage(conn, wire.TypeSuccess, wire.SuccessReply{ID: doc.GetID(), Document: doc})
}

func (s *TCPServer) handleRead(conn net.Conn, req wire.ReadRequest, sess *Session) {
	if !s.authorize(conn, sess, req.Database, security.PermRead, "read") {
		return
	}
	coll, err := s.db.Database(req.Database).GetCollection(req.Collection)
	if err != nil {
		s.sendErr(conn, err)
		return
	}
	var doc nexadb.Document
	if err := s.withTimeout(func() error {
		d, err := coll.FindByID(s.authCtx(sess), req.ID)
		doc = d
		return err
	}); err != nil {
		s.sendErr(conn, err)
		return
	}
	wire.WriteMessage(conn, wire.TypeSuccess, wire.SuccessReply{ID: req.ID, Document: doc})
}

func (s *TCPServer) handleUpdate(conn net.Conn, req wire.UpdateRequest, sess *Session) {
	if !s.authorize(conn, sess, req.Database, security.PermWrite, "update") {
		return
	}
	coll, err := s.db.Database(req.Database).GetCollection(req.Collection)
	if err != nil {
		s.sendErr(conn, err)
		return
	}
	err = s.withTimeout(func() error {
		if req.Patch {
			return coll.Patch(s.authCtx(sess), req.ID, req.Document)
		}
		return coll.Update(s.authCtx(sess), req.ID, nexadb.Document(req.Document))
	})
	if err != nil {
		s.sendErr(conn, err)
		return
	}
	wire.WriteMessage(conn, wire.TypeSuccess, wire.SuccessReply{ID: req.ID})
}

func (s *TCPServer) handleDelete(conn net.Conn, req wire.DeleteRequest, sess *Session) {
	if !s.authorize(conn, sess, req.Database, security.PermWrite, "delete") {
		return
	}
	coll, err := s.db.Database(req.Database).GetCollection(req.Collection)
	if err != nil {
		s.sendErr(conn, err)
		return
	}
	if err := s.withTimeout(func() error { return coll.Delete(s.authCtx(sess), req.ID) }); err != nil {
		s.sendErr(conn, err)
		return
	}
	wire.WriteMessage(conn, wire.TypeSuccess, wire.SuccessReply{ID: req.ID})
}

func (s *TCPServer) handleQuery(conn net.Conn, req wire.QueryRequest, sess *Session) {
	if !s.authorize(conn, sess, req.Database, security.PermRead, "query") {
		return
	}
	coll, err := s.db.Database(req.Database).GetCollection(req.Collection)
	if err != nil {
		s.sendErr(conn, err)
		return
	}

	var results []map[string]interface{}
	err = s.withTimeout(func() error {
		if len(req.Pipeline) > 0 {
			r, err := coll.Aggregate(s.authCtx(sess), req.Pipeline)
			results = r
			return err
		}
		docs, err := coll.FindQuery(s.authCtx(sess), req.Filter, nexadb.QueryOptions{
			SortField: req.SortField, SortDesc: req.SortDesc, Limit: req.Limit, Skip: req.Skip,
		})
		if err != nil {
			return err
		}
		results = make([]map[string]interface{}, len(docs))
		for i, d := range docs {
			results[i] = d
		}
		return nil
	})
	if err != nil {
		s.sendErr(conn, err)
		return
	}
	wire.WriteMessage(conn, wire.TypeSuccess, wire.QueryReply{Documents: results})
}

func (s *TCPServer) handleVectorSearch(conn net.Conn, req wire.VectorSearchRequest, sess *Session) {
	if !s.authorize(conn, sess, req.Database, security.PermRead, "vector_search") {
		return
	}
	coll, err := s.db.Database(req.Database).GetCollection(req.Collection)
	if err != nil {
		s.sendErr(conn, err)
		return
	}
	var docs []nexadb.Document
	err = s.withTimeout(func() error {
		d, err := coll.VectorSearch(req.Field, req.Query, req.K, req.EfSearch)
		docs = d
		return err
	})
	if err != nil {
		s.sendErr(conn, err)
		return
	}
	results := make([]map[string]interface{}, len(docs))
	for i, d := range docs {
		results[i] = d
	}
	wire.WriteMessage(conn, wire.TypeSuccess, wire.QueryReply{Documents: results})
}

func (s *TCPServer) handleBatchWrite(conn net.Conn, req wire.BatchWriteRequest, sess *Session) {
	if !s.authorize(conn, sess, req.Database, security.PermWrite, "batch_write") {
		return
	}
	coll, err := s.openOrCreateCollection(req.Database, req.Collection)
	if err != nil {
		s.sendErr(conn, err)
		return
	}

	results := make([]wire.BatchResult, len(req.Ops))
	s.withTimeout(func() error {
		for i, op := range req.Ops {
			var opErr error
			switch op.Op {
			case "create":
				doc := nexadb.Document(op.Document)
				opErr = coll.Insert(s.authCtx(sess), doc)
				if opErr == nil {
					results[i] = wire.BatchResult{OK: true, ID: doc.GetID()}
					continue
				}
			case "update":
				opErr = coll.Update(s.authCtx(sess), op.ID, nexadb.Document(op.Document))
			case "delete":
				opErr = coll.Delete(s.authCtx(sess), op.ID)
			default:
				opErr = errs.New(errs.InvalidMessage, "unknown batch op "+op.Op)
			}
			if opErr != nil {
				results[i] = wire.BatchResult{OK: false, ID: op.ID, Error: opErr.Error()}
			} else {
				results[i] = wire.BatchResult{OK: true, ID: op.ID}
			}
		}
		return nil
	})
	wire.WriteMessage(conn, wire.TypeSuccess, wire.BatchWriteReply{Results: results})
}

func (s *TCPServer) openOrCreateCollection(database, collection string) (*nexadb.Collection, error) {
	db := s.db.Database(database)
	coll, err := db.GetCollection(collection)
	if err == nil {
		return coll, nil
	}
	return db.CreateCollection(collection)
}

// authCtx builds the rules.AuthContext the document layer's CEL rules
// evaluate against, from the authenticated
// session's user. Admin-role users bypass rule evaluation entirely
// (rules.AuthContext.IsAdmin), matching security.User's PermSuper bypass.
func (s *TCPServer) authCtx(sess *Session) *rules.AuthContext {
	if sess.User == nil {
		return nil
	}
	isAdmin := sess.User.HasPermission("", security.PermSuper)
	return &rules.AuthContext{UID: sess.User.Username, IsAdmin: isAdmin}
}

// -- administrative operations --

func (s *TCPServer) handleDatabaseCreate(conn net.Conn, req wire.DatabaseCreateRequest, sess *Session) {
	if !s.authorize(conn, sess, req.Name, security.PermAdmin, "database_create") {
		return
	}
	// Databases are implicit: the catalog records a database when its
	// first collection is created, so an explicit create registers a
	// `_bootstrap` collection that the admin can drop.
	if _, err := s.db.Database(req.Name).CreateCollection("_bootstrap"); err != nil {
		s.sendErr(conn, err)
		return
	}
	wire.WriteMessage(conn, wire.TypeSuccess, nil)
}

func (s *TCPServer) handleDatabaseDrop(conn net.Conn, req wire.DatabaseDropRequest, sess *Session) {
	if !s.authorize(conn, sess, req.Name, security.PermAdmin, "database_drop") {
		return
	}
	db := s.db.Database(req.Name)
	for _, coll := range db.ListCollections() {
		if err := db.DropCollection(coll); err != nil {
			s.sendErr(conn, err)
			return
		}
	}
	wire.WriteMessage(conn, wire.TypeSuccess, nil)
}

func (s *TCPServer) handleDatabaseList(conn net.Conn, sess *Session) {
	names := s.db.ListDatabases()
	allowed := names[:0]
	for _, n := range names {
		if sess.User.HasPermission(n, security.PermRead) {
			allowed = append(allowed, n)
		}
	}
	wire.WriteMessage(conn, wire.TypeSuccess, wire.DatabaseListReply{Names: allowed})
}

func (s *TCPServer) handleDatabaseStats(conn net.Conn, req wire.DatabaseStatsRequest, sess *Session) {
	if !s.authorize(conn, sess, req.Name, security.PermRead, "database_stats") {
		return
	}
	db := s.db.Database(req.Name)
	colls := db.ListCollections()
	wire.WriteMessage(conn, wire.TypeSuccess, wire.DatabaseStatsReply{
		Name: req.Name, Collections: colls, CollectionCount: len(colls),
	})
}

func (s *TCPServer) handleUserCreate(conn net.Conn, req wire.UserCreateRequest, sess *Session) {
	if !sess.User.HasPermission("", security.PermSuper) {
		s.sendErr(conn, errs.ErrPermissionDenied)
		return
	}
	roles := resolveRoles(req.Roles)
	if err := s.db.Security.CreateUser(req.Username, req.Password, roles); err != nil {
		s.sendErr(conn, errs.Wrap(errs.InvalidMessage, "create user", err))
		return
	}
	s.db.Audit.Log(security.EventUserCreated, sess.User.Username, "", map[string]interface{}{"target": req.Username})
	wire.WriteMessage(conn, wire.TypeSuccess, nil)
}

func (s *TCPServer) handleUserUpdate(conn net.Conn, req wire.UserUpdateRequest, sess *Session) {
	if !sess.User.HasPermission("", security.PermSuper) {
		s.sendErr(conn, errs.ErrPermissionDenied)
		return
	}
	roles := resolveRoles(req.Roles)
	if err := s.db.Security.UpdateUserRoles(req.Username, roles); err != nil {
		s.sendErr(conn, errs.Wrap(errs.InvalidMessage, "update user", err))
		return
	}
	s.db.Audit.Log(security.EventUserUpdated, sess.User.Username, "", map[string]interface{}{"target": req.Username})
	wire.WriteMessage(conn, wire.TypeSuccess, nil)
}

func (s *TCPServer) handleUserDelete(conn net.Conn, req wire.UserDeleteRequest, sess *Session) {
	if !sess.User.HasPermission("", security.PermSuper) {
		s.sendErr(conn, errs.ErrPermissionDenied)
		return
	}
	s.sendErr(conn, errs.New(errs.InvalidMessage, "user deletion is not supported by the credential store"))
	_ = req
}

func (s *TCPServer) handleUserList(conn net.Conn, sess *Session) {
	if !sess.User.HasPermission("", security.PermSuper) {
		s.sendErr(conn, errs.ErrPermissionDenied)
		return
	}
	s.sendErr(conn, errs.New(errs.InvalidMessage, "user listing is not supported by the credential store"))
}

func resolveRoles(names []string) []security.Role {
	roles := make([]security.Role, 0, len(names))
	for _, n := range names {
		switch n {
		case "root":
			roles = append(roles, security.RoleRoot)
		case "readWrite":
			roles = append(roles, security.RoleReadWrite)
		case "read":
			roles = append(roles, security.RoleRead)
		}
	}
	return roles
}

func (s *TCPServer) handleIndexCreate(conn net.Conn, req wire.IndexCreateRequest, sess *Session) {
	if !s.authorize(conn, sess, req.Database, security.PermAdmin, "index_create") {
		return
	}
	coll, err := s.db.Database(req.Database).GetCollection(req.Collection)
	if err != nil {
		s.sendErr(conn, err)
		return
	}
	if err := coll.EnsureIndex(req.Field); err != nil {
		s.sendErr(conn, err)
		return
	}
	wire.WriteMessage(conn, wire.TypeSuccess, nil)
}

func (s *TCPServer) handleIndexDrop(conn net.Conn, req wire.IndexDropRequest, sess *Session) {
	if !s.authorize(conn, sess, req.Database, security.PermAdmin, "index_drop") {
		return
	}
	coll, err := s.db.Database(req.Database).GetCollection(req.Collection)
	if err != nil {
		s.sendErr(conn, err)
		return
	}
	if err := coll.DropIndex(req.Field); err != nil {
		s.sendErr(conn, err)
		return
	}
	wire.WriteMessage(conn, wire.TypeSuccess, nil)
}

func (s *TCPServer) handleVectorBuild(conn net.Conn, req wire.VectorBuildRequest, sess *Session) {
	if !s.authorize(conn, sess, req.Database, security.PermAdmin, "vector_build") {
		return
	}
	coll, err := s.db.Database(req.Database).GetCollection(req.Collection)
	if err != nil {
		s.sendErr(conn, err)
		return
	}
	params := hnswParams(req)
	if err := s.withTimeout(func() error { return coll.EnsureVectorIndex(req.Field, req.Dim, params) }); err != nil {
		s.sendErr(conn, err)
		return
	}
	wire.WriteMessage(conn, wire.TypeSuccess, nil)
	logging.Get().Info("vector index built", "database", req.Database, "collection", req.Collection, "field", req.Field)
}
