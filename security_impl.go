package nexadb

import (
	"encoding/json"

	"github.com/kartikbazzad/nexadb/internal/errs"
	"github.com/kartikbazzad/nexadb/security"
)

// systemDatabase holds NexaDB's own administrative collections (currently
// just users), kept in a real separate database rather than a namespaced
// collection, so it never collides with a caller's own database names.
const systemDatabase = "_system"
const userCollectionName = "users"

// InternalUserStore implements security.UserStore by storing each user as
// an ordinary document, keyed by username, in systemDatabase's users
// collection — NexaDB's credential store is NexaDB itself.
type InternalUserStore struct {
	srv *Server
}

func (s *InternalUserStore) usersCollection() (*Collection, error) {
	db := s.srv.Database(systemDatabase)
	coll, err := db.GetCollection(userCollectionName)
	if err == nil {
		return coll, nil
	}
	return db.CreateCollection(userCollectionName)
}

func (s *InternalUserStore) GetUser(username string) (*security.User, error) {
	coll, err := s.usersCollection()
	if err != nil {
		return nil, err
	}
	doc, err := coll.FindByID(nil, username)
	if err != nil {
		return nil, err
	}
	return documentToUser(doc)
}

func (s *InternalUserStore) SaveUser(user *security.User) error {
	coll, err := s.usersCollection()
	if err != nil {
		return err
	}
	doc, err := userToDocument(user)
	if err != nil {
		return err
	}

	if _, err := coll.FindByID(nil, user.Username); err != nil {
		if errs.CodeOf(err) != errs.NotFound {
			return err
		}
		return coll.Insert(nil, doc)
	}
	return coll.Update(nil, user.Username, doc)
}

func (s *InternalUserStore) DeleteUser(username string) error {
	coll, err := s.usersCollection()
	if err != nil {
		return err
	}
	return coll.Delete(nil, username)
}

func (s *InternalUserStore) ListUsers() ([]*security.User, error) {
	coll, err := s.usersCollection()
	if err != nil {
		return nil, err
	}
	docs, err := coll.List(nil, 0, 0)
	if err != nil {
		return nil, err
	}
	users := make([]*security.User, 0, len(docs))
	for _, doc := range docs {
		u, err := documentToUser(doc)
		if err != nil {
			continue
		}
		users = append(users, u)
	}
	return users, nil
}

// userToDocument/documentToUser round-trip through JSON (rather than a
// manual field-by-field mapping) so security.User's own json tags stay the
// single source of truth for the on-disk shape.
func userToDocument(u *security.User) (Document, error) {
	data, err := json.Marshal(u)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	doc.SetID(u.Username)
	return doc, nil
}

func documentToUser(doc Document) (*security.User, error) {
	data, err := json.Marshal(map[string]interface{}(doc))
	if err != nil {
		return nil, err
	}
	var u security.User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, err
	}
	return &u, nil
}
