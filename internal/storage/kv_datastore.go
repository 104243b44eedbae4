package storage

import (
	"context"

	"github.com/keshon/gatekeeper/datastore"
)

// datastoreKV adapts the JSON file datastore. It also serves the in-memory
// backend when the datastore has no file path.
type datastoreKV struct {
	ds *datastore.DataStore
}

func newDatastoreKV(ds *datastore.DataStore) *datastoreKV {
	return &datastoreKV{ds: ds}
}

func (k *datastoreKV) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := k.ds.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (k *datastoreKV) Set(_ context.Context, key string, value []byte) error {
	return k.ds.Set(key, value)
}

func (k *datastoreKV) Delete(_ context.Context, key string) error {
	k.ds.Delete(key)
	return nil
}

func (k *datastoreKV) Keys(_ context.Context, prefix string) ([]string, error) {
	return k.ds.Keys(prefix), nil
}

func (k *datastoreKV) Close() error {
	return k.ds.Close()
}
