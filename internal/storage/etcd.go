package storage

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// etcdOpTimeout bounds every etcd round trip.
const etcdOpTimeout = 5 * time.Second

// EtcdDB implements DB on top of an etcd cluster, for layers that run on
// separate hosts and share their records through etcd instead of a
// directory. All keys live under a root prefix.
type EtcdDB struct {
	cli  *clientv3.Client
	root string
}

// NewEtcd connects to the given endpoints and namespaces keys under root.
func NewEtcd(endpoints []string, root string) (*EtcdDB, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("etcd: no endpoints")
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd connect: %w", err)
	}
	return &EtcdDB{cli: cli, root: root}, nil
}

func (e *EtcdDB) key(k []byte) string {
	return e.root + string(k)
}

// Get retrieves a value by key.
func (e *EtcdDB) Get(key []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), etcdOpTimeout)
	defer cancel()

	resp, err := e.cli.Get(ctx, e.key(key))
	if err != nil {
		return nil, fmt.Errorf("etcd get: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrNotFound
	}
	return resp.Kvs[0].Value, nil
}

// Put stores a key-value pair.
func (e *EtcdDB) Put(key, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), etcdOpTimeout)
	defer cancel()

	if _, err := e.cli.Put(ctx, e.key(key), string(value)); err != nil {
		return fmt.Errorf("etcd put: %w", err)
	}
	return nil
}

// Delete removes a key.
func (e *EtcdDB) Delete(key []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), etcdOpTimeout)
	defer cancel()

	if _, err := e.cli.Delete(ctx, e.key(key)); err != nil {
		return fmt.Errorf("etcd delete: %w", err)
	}
	return nil
}

// Has checks if a key exists.
func (e *EtcdDB) Has(key []byte) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), etcdOpTimeout)
	defer cancel()

	resp, err := e.cli.Get(ctx, e.key(key), clientv3.WithCountOnly())
	if err != nil {
		return false, fmt.Errorf("etcd has: %w", err)
	}
	return resp.Count > 0, nil
}

// ForEach iterates over all keys with the given prefix.
func (e *EtcdDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), etcdOpTimeout)
	defer cancel()

	resp, err := e.cli.Get(ctx, e.key(prefix), clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("etcd foreach: %w", err)
	}
	for _, kv := range resp.Kvs {
		if err := fn(kv.Key[len(e.root):], kv.Value); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the etcd client.
func (e *EtcdDB) Close() error {
	return e.cli.Close()
}
