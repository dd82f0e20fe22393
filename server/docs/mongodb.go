package docs

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/tinode/bus/server/logs"
	b "go.mongodb.org/mongo-driver/bson"
	mdb "go.mongodb.org/mongo-driver/mongo"
	mdbopts "go.mongodb.org/mongo-driver/mongo/options"
)

const (
	defaultHost       = "localhost:27017"
	defaultDatabase   = "bus"
	defaultCollection = "doclocks"
	defaultTimeout    = 5 * time.Second
)

// MongoConfig configures the MongoDB lock store.
type MongoConfig struct {
	Addresses      any `json:"addresses,omitempty"`
	ConnectTimeout int `json:"timeout,omitempty"`

	Database   string `json:"database,omitempty"`
	Collection string `json:"collection,omitempty"`
	ReplicaSet string `json:"replica_set,omitempty"`

	AuthSource string `json:"auth_source,omitempty"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
}

// lockId is the primary key of a lock record. Uniqueness of _id makes
// taking a lock atomic.
type lockId struct {
	Collection string `bson:"c"`
	DocId      string `bson:"i"`
}

type lockDoc struct {
	Id        lockId    `bson:"_id"`
	Owner     string    `bson:"owner"`
	CreatedAt time.Time `bson:"createdat"`
}

func idOf(key Key) lockId {
	return lockId{Collection: key.Collection, DocId: key.Id}
}

// MongoStore keeps locks in a MongoDB collection.
type MongoStore struct {
	conn    *mdb.Client
	coll    *mdb.Collection
	timeout time.Duration
}

// parseAddresses accepts a single address or a list of them.
func parseAddresses(addrs any) ([]string, error) {
	switch v := addrs.(type) {
	case nil:
		return []string{defaultHost}, nil
	case string:
		return []string{v}, nil
	case []string:
		return v, nil
	case []any:
		hosts := make([]string, 0, len(v))
		for _, h := range v {
			s, ok := h.(string)
			if !ok {
				return nil, errors.New("docs mongodb: addresses must be strings")
			}
			hosts = append(hosts, s)
		}
		return hosts, nil
	}
	return nil, errors.New("docs mongodb: failed to parse config.Addresses")
}

// NewMongoStore connects to MongoDB and prepares the lock collection.
func NewMongoStore(ctx context.Context, jsonconfig json.RawMessage) (*MongoStore, error) {
	var config MongoConfig
	if len(jsonconfig) > 0 {
		if err := json.Unmarshal(jsonconfig, &config); err != nil {
			return nil, errors.New("docs mongodb: failed to parse config: " + err.Error())
		}
	}

	var opts mdbopts.ClientOptions
	hosts, err := parseAddresses(config.Addresses)
	if err != nil {
		return nil, err
	}
	opts.SetHosts(hosts)

	if config.Database == "" {
		config.Database = defaultDatabase
	}
	if config.Collection == "" {
		config.Collection = defaultCollection
	}
	if config.ReplicaSet != "" {
		opts.SetReplicaSet(config.ReplicaSet)
	}
	timeout := defaultTimeout
	if config.ConnectTimeout > 0 {
		timeout = time.Duration(config.ConnectTimeout) * time.Second
	}
	opts.SetConnectTimeout(timeout)

	if config.Username != "" {
		if config.AuthSource == "" {
			config.AuthSource = "admin"
		}
		opts.SetAuth(
			mdbopts.Credential{
				AuthMechanism: "SCRAM-SHA-256",
				AuthSource:    config.AuthSource,
				Username:      config.Username,
				Password:      config.Password,
				PasswordSet:   config.Password != "",
			})
	}

	conn, err := mdb.Connect(ctx, &opts)
	if err != nil {
		return nil, err
	}
	s := &MongoStore{
		conn:    conn,
		coll:    conn.Database(config.Database).Collection(config.Collection),
		timeout: timeout,
	}

	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := s.coll.Indexes().CreateOne(ictx, mdb.IndexModel{Keys: b.D{{Key: "owner", Value: 1}}}); err != nil {
		conn.Disconnect(ctx)
		return nil, err
	}

	logs.Info.Printf("docs: locks stored in mongodb %v %s.%s", hosts, config.Database, config.Collection)
	return s, nil
}

func (s *MongoStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// Lock implements LockStore.
func (s *MongoStore) Lock(ctx context.Context, key Key, owner string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.coll.InsertOne(ctx, &lockDoc{
		Id:        idOf(key),
		Owner:     owner,
		CreatedAt: time.Now().UTC().Round(time.Millisecond),
	})
	if err == nil {
		return nil
	}
	if !mdb.IsDuplicateKeyError(err) {
		return err
	}

	// Already locked: succeed if the lock is ours.
	var current lockDoc
	if err := s.coll.FindOne(ctx, b.M{"_id": idOf(key)}).Decode(&current); err != nil {
		if err == mdb.ErrNoDocuments {
			// Released in the meantime.
			return ErrLocked
		}
		return err
	}
	if current.Owner != owner {
		return ErrLocked
	}
	return nil
}

// Unlock implements LockStore.
func (s *MongoStore) Unlock(ctx context.Context, key Key, owner string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.coll.DeleteOne(ctx, b.M{"_id": idOf(key), "owner": owner})
	if err != nil {
		return err
	}
	if res.DeletedCount > 0 {
		return nil
	}
	n, err := s.coll.CountDocuments(ctx, b.M{"_id": idOf(key)})
	if err != nil {
		return err
	}
	if n > 0 {
		return ErrNotOwner
	}
	return ErrNotLocked
}

// IsLocked implements LockStore.
func (s *MongoStore) IsLocked(ctx context.Context, key Key) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	n, err := s.coll.CountDocuments(ctx, b.M{"_id": idOf(key)})
	return n > 0, err
}

// ReleaseOwner implements LockStore.
func (s *MongoStore) ReleaseOwner(ctx context.Context, owner string) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.coll.DeleteMany(ctx, b.M{"owner": owner})
	if err != nil {
		return 0, err
	}
	return int(res.DeletedCount), nil
}

// Close implements LockStore.
func (s *MongoStore) Close() error {
	var err error
	if s.conn != nil {
		err = s.conn.Disconnect(context.Background())
		s.conn = nil
	}
	return err
}
