package kv

import (
	"strconv"

	etcd "go.etcd.io/etcd/client/v2"
)

// KVClient is the interface for accessing the run/pipeline state store.
type KVClient interface {
	// Put sets the value of a key
	Put(key, value string) error

	// Get returns the value of the specified key.
	Get(key string) (string, error)

	// PutInt accepts an Int value and store it under the specified key.
	PutInt(key string, value int) error

	// GetInt returns the value of the specified key. In Int type
	GetInt(key string) (int, error)

	// GetDir returns the child nodes of a given directory
	GetDir(key string) ([]*KVPair, error)

	// PutDir creates a directory.
	PutDir(key string) error

	// DeleteTree removes a range of keys under the given directory.
	DeleteTree(key string) error
}

// KVPair defines the retrieved key and value
type KVPair struct {
	Key       string
	Value     []byte
	LastIndex uint64
}

// IsKeyNotFound reports whether the error from a Get/GetDir means the key
// simply does not exist yet.
func IsKeyNotFound(err error) bool {
	return etcd.IsKeyNotFound(err)
}

func formatInt(value int) string {
	return strconv.Itoa(value)
}
