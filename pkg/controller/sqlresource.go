package controller

import (
	"context"
	"fmt"
)

// KV is a keyed resource table, such as the one in stores.SQLiteStore.
type KV interface {
	GetResource(ctx context.Context, key string) (value string, found bool, err error)
	PutResource(ctx context.Context, key, value string) error
}

// SQLResource keeps a resource in one row of a KV table.
type SQLResource struct {
	kv  KV
	key string
}

// NewSQLResource returns a store for key in kv.
func NewSQLResource(kv KV, key string) *SQLResource {
	return &SQLResource{kv: kv, key: key}
}

func (r *SQLResource) Read(ctx context.Context) (string, error) {
	value, found, err := r.kv.GetResource(ctx, r.key)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("resource %s not found", r.key)
	}
	return value, nil
}

func (r *SQLResource) Write(ctx context.Context, value string) error {
	return r.kv.PutResource(ctx, r.key, value)
}

func (r *SQLResource) Initialize(ctx context.Context, value string) error {
	_, found, err := r.kv.GetResource(ctx, r.key)
	if err != nil {
		return err
	}
	if found {
		return nil
	}
	return r.kv.PutResource(ctx, r.key, value)
}
