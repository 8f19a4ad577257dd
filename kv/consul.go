package kv

import (
	"context"
	"encoding/json"
	"fmt"

	consulapi "github.com/hashicorp/consul/api"
)

// Consul stores keys in Consul KV for self-hosted deployments. The
// batched Apply maps onto a single KV transaction so the all-or-nothing
// contract holds.
type Consul struct {
	kv *consulapi.KV
}

func NewConsul(addr string) (*Consul, error) {
	cfg := consulapi.DefaultConfig()
	cfg.Address = addr

	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &Consul{kv: client.KV()}, nil
}

func (c *Consul) Read(ctx context.Context, key string) (json.RawMessage, error) {
	pair, _, err := c.kv.Get(key, (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("consul read %s: %w", key, err)
	}
	if pair == nil || len(pair.Value) == 0 {
		return nil, nil
	}
	return json.RawMessage(pair.Value), nil
}

func (c *Consul) ReadFirst(ctx context.Context, keys ...string) (json.RawMessage, error) {
	return readFirst(ctx, c, keys)
}

func (c *Consul) Apply(ctx context.Context, ops []Op) error {
	txn := make(consulapi.KVTxnOps, 0, len(ops))
	for _, op := range ops {
		switch op.Operation {
		case OpUpsert:
			value, err := json.Marshal(op.Value)
			if err != nil {
				return fmt.Errorf("consul apply %s: %w", op.Key, err)
			}
			txn = append(txn, &consulapi.KVTxnOp{
				Verb:  consulapi.KVSet,
				Key:   op.Key,
				Value: value,
			})
		case OpDelete:
			txn = append(txn, &consulapi.KVTxnOp{
				Verb: consulapi.KVDelete,
				Key:  op.Key,
			})
		default:
			return fmt.Errorf("consul apply: unknown operation %q", op.Operation)
		}
	}

	ok, resp, _, err := c.kv.Txn(txn, (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return fmt.Errorf("consul apply: %w", err)
	}
	if !ok {
		msg := "transaction rolled back"
		if resp != nil && len(resp.Errors) > 0 {
			msg = resp.Errors[0].What
		}
		return &WriteError{Status: 409, Body: msg}
	}
	return nil
}
