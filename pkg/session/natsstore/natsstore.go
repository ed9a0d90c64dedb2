// Package natsstore persists sessions in a NATS JetStream key-value bucket so
// several orchestrator instances can share conversational state. KV revisions
// back the session Version, giving compare-and-swap semantics.
package natsstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/builderjer/ovos-core/pkg/session"
)

// DefaultBucket is used when no bucket name is configured.
const DefaultBucket = "ovos_sessions"

// Store is a session.Store backed by a JetStream KV bucket.
type Store struct {
	kv jetstream.KeyValue
}

var _ session.Store = (*Store)(nil)

// New creates or binds the bucket. ttl, when positive, lets the server drop
// sessions nobody has written for that long.
func New(ctx context.Context, js jetstream.JetStream, bucket string, ttl time.Duration) (*Store, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "ovos-core sessions",
		History:     1,
		TTL:         ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("natsstore: bucket %q: %w", bucket, err)
	}

	return &Store{kv: kv}, nil
}

// NewFromKV wraps an existing bucket.
func NewFromKV(kv jetstream.KeyValue) *Store { return &Store{kv: kv} }

func key(id string) string { return base64.RawURLEncoding.EncodeToString([]byte(id)) }

func (s *Store) Load(ctx context.Context, id string) (session.Session, error) {
	entry, err := s.kv.Get(ctx, key(id))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return session.Session{}, session.ErrNotFound
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("natsstore: load %q: %w", id, err)
	}

	return decode(entry)
}

func (s *Store) Save(ctx context.Context, sess session.Session) (session.Session, error) {
	data, err := json.Marshal(sess)
	if err != nil {
		return session.Session{}, fmt.Errorf("natsstore: encode %q: %w", sess.ID, err)
	}

	var rev uint64
	if sess.Version == 0 {
		rev, err = s.kv.Create(ctx, key(sess.ID), data)
	} else {
		rev, err = s.kv.Update(ctx, key(sess.ID), data, sess.Version)
	}
	if err != nil {
		if isConflict(err) {
			return session.Session{}, session.ErrConflict
		}
		return session.Session{}, fmt.Errorf("natsstore: save %q: %w", sess.ID, err)
	}

	out := sess.Clone()
	out.Version = rev
	return out, nil
}

func isConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.Load(ctx, id); err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, key(id)); err != nil {
		return fmt.Errorf("natsstore: delete %q: %w", id, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]session.Session, error) {
	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("natsstore: list: %w", err)
	}
	defer func() { _ = lister.Stop() }()

	var out []session.Session
	for k := range lister.Keys() {
		entry, err := s.kv.Get(ctx, k)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("natsstore: list: %w", err)
		}
		sess, err := decode(entry)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}

	slices.SortFunc(out, func(a, b session.Session) int { return strings.Compare(a.ID, b.ID) })

	return out, nil
}

func decode(entry jetstream.KeyValueEntry) (session.Session, error) {
	var sess session.Session
	if err := json.Unmarshal(entry.Value(), &sess); err != nil {
		return session.Session{}, fmt.Errorf("natsstore: decode %q: %w", entry.Key(), err)
	}
	sess.Version = entry.Revision()
	return sess, nil
}
