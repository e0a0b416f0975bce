// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package plancache

import (
	"bytes"
	"encoding/binary"
	"sort"
	"strings"

	"github.com/cespare/xxhash"
	json "github.com/goccy/go-json"

	"github.com/featurebasedb/plantx/errors"
)

// collectionBindPrefix marks bind parameters which name a collection. Only
// those change the plan; value parameters are substituted at execution time.
const collectionBindPrefix = "@"

// emptyBindParameters is the canonical encoding of "no collection bind
// parameters".
var emptyBindParameters = []byte("{}")

// Key identifies a cached plan. Keys are immutable; the hash is computed
// once in NewKey.
type Key struct {
	query          string
	queryHash      uint64
	bindParameters []byte
	fullCount      bool
	forceOneShard  bool

	hash uint64
}

// NewKey returns a key for query. bindParameters must already be in
// canonical form (see CreateCacheKey); it is copied.
func NewKey(query string, bindParameters []byte, fullCount, forceOneShard bool) *Key {
	if len(bindParameters) == 0 {
		bindParameters = emptyBindParameters
	}
	k := &Key{
		query:          query,
		queryHash:      xxhash.Sum64String(query),
		bindParameters: append([]byte(nil), bindParameters...),
		fullCount:      fullCount,
		forceOneShard:  forceOneShard,
	}

	h := xxhash.New()
	var flags [8]byte
	binary.LittleEndian.PutUint64(flags[:], k.queryHash)
	_, _ = h.Write(flags[:])
	_, _ = h.Write(k.bindParameters)
	_, _ = h.Write([]byte{boolByte(fullCount), boolByte(forceOneShard)})
	k.hash = h.Sum64()
	return k
}

func (k *Key) Hash() uint64           { return k.hash }
func (k *Key) Query() string          { return k.query }
func (k *Key) QueryHash() uint64      { return k.queryHash }
func (k *Key) BindParameters() []byte { return k.bindParameters }
func (k *Key) FullCount() bool        { return k.fullCount }
func (k *Key) ForceOneShard() bool    { return k.forceOneShard }

// Equal reports whether both keys have the same query, collection bind
// parameters and flags.
func (k *Key) Equal(o *Key) bool {
	if k == o {
		return true
	}
	if k == nil || o == nil {
		return false
	}
	return k.hash == o.hash &&
		k.fullCount == o.fullCount &&
		k.forceOneShard == o.forceOneShard &&
		k.query == o.query &&
		bytes.Equal(k.bindParameters, o.bindParameters)
}

// MemoryUsage is the approximate number of bytes the key holds on to.
func (k *Key) MemoryUsage() int64 {
	return int64(len(k.query) + len(k.bindParameters) + keyOverhead)
}

const keyOverhead = 64

// QueryOptions are the query options which influence the plan.
type QueryOptions struct {
	FullCount     bool `json:"fullCount"`
	ForceOneShard bool `json:"forceOneShard"`
}

// CreateCacheKey derives the key for query. Only the collection-name bind
// parameters (those starting with "@") become part of the key, encoded with
// sorted names so equal inputs always yield equal keys.
func CreateCacheKey(query string, bindVars map[string]interface{}, opts QueryOptions) (*Key, error) {
	buf, err := encodeCollectionBindVars(bindVars)
	if err != nil {
		return nil, err
	}
	return NewKey(query, buf, opts.FullCount, opts.ForceOneShard), nil
}

func encodeCollectionBindVars(bindVars map[string]interface{}) ([]byte, error) {
	names := make([]string, 0, len(bindVars))
	for name := range bindVars {
		if strings.HasPrefix(name, collectionBindPrefix) {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return emptyBindParameters, nil
	}
	sort.Strings(names)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range names {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(name)
		if err != nil {
			return nil, errors.Wrapf(err, "encoding bind parameter name %q", name)
		}
		v, err := json.Marshal(bindVars[name])
		if err != nil {
			return nil, errors.Newf(errors.ErrBadParameter, "bind parameter %q: %v", name, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
