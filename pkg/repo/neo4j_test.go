package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

type listingNode struct {
	ID  string
	VIN string
}

func listingProps(l listingNode) map[string]any {
	return map[string]any{"id": l.ID, "vin": l.VIN}
}

func listingFromRecord(rec *neo4j.Record) (listingNode, error) {
	props, ok := rec.Values[0].(map[string]any)
	if !ok {
		return listingNode{}, fmt.Errorf("unexpected record value %T", rec.Values[0])
	}
	l := listingNode{}
	if v, ok := props["id"].(string); ok {
		l.ID = v
	}
	if v, ok := props["vin"].(string); ok {
		l.VIN = v
	}
	return l, nil
}

func record(l listingNode) *neo4j.Record {
	return &neo4j.Record{Values: []any{listingProps(l)}, Keys: []string{"n"}}
}

// fakeResult iterates canned records.
type fakeResult struct {
	records []*neo4j.Record
	pos     int
}

func (f *fakeResult) Next(context.Context) bool {
	if f.pos >= len(f.records) {
		return false
	}
	f.pos++
	return true
}

func (f *fakeResult) Record() *neo4j.Record {
	return f.records[f.pos-1]
}

// fakeSession captures the cypher and params of every Run call.
type fakeSession struct {
	records []*neo4j.Record
	err     error
	cyphers []string
	params  []map[string]any
	closed  bool
}

func (f *fakeSession) Run(_ context.Context, cypher string, params map[string]any) (result, error) {
	f.cyphers = append(f.cyphers, cypher)
	f.params = append(f.params, params)
	if f.err != nil {
		return nil, f.err
	}
	return &fakeResult{records: f.records}, nil
}

func (f *fakeSession) Close(context.Context) error {
	f.closed = true
	return nil
}

func newTestRepo(sess *fakeSession) *Neo4jRepo[listingNode, string] {
	r := NewNeo4jRepo[listingNode, string](nil, "Listing", listingProps, listingFromRecord)
	r.newSession = func(context.Context) runner { return sess }
	return r
}

func TestGetReturnsMappedEntity(t *testing.T) {
	sess := &fakeSession{records: []*neo4j.Record{record(listingNode{ID: "a1", VIN: "1HGCM82633A004352"})}}
	r := newTestRepo(sess)

	got, err := r.Get(context.Background(), "a1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.VIN != "1HGCM82633A004352" {
		t.Fatalf("unexpected entity: %+v", got)
	}
	if !strings.Contains(sess.cyphers[0], "MATCH (n:Listing {id: $id})") {
		t.Fatalf("unexpected cypher %q", sess.cyphers[0])
	}
	if !sess.closed {
		t.Fatal("session not closed")
	}
}

func TestGetNotFound(t *testing.T) {
	r := newTestRepo(&fakeSession{})
	_, err := r.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreatePassesProps(t *testing.T) {
	sess := &fakeSession{records: []*neo4j.Record{record(listingNode{ID: "a1", VIN: "11111111111111111"})}}
	r := newTestRepo(sess)

	created, err := r.Create(context.Background(), listingNode{ID: "a1", VIN: "11111111111111111"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID != "a1" {
		t.Fatalf("unexpected created: %+v", created)
	}
	props, ok := sess.params[0]["props"].(map[string]any)
	if !ok || props["vin"] != "11111111111111111" {
		t.Fatalf("props not forwarded: %v", sess.params[0])
	}
}

func TestCreateNoNodeReturned(t *testing.T) {
	r := newTestRepo(&fakeSession{})
	if _, err := r.Create(context.Background(), listingNode{ID: "a1"}); err == nil {
		t.Fatal("expected error when create returns nothing")
	}
}

func TestListAppliesPagination(t *testing.T) {
	sess := &fakeSession{records: []*neo4j.Record{
		record(listingNode{ID: "a1"}),
		record(listingNode{ID: "a2"}),
	}}
	r := newTestRepo(sess)

	items, err := r.List(context.Background(), ListOpts{Offset: 10, Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if sess.params[0]["offset"] != 10 || sess.params[0]["limit"] != 2 {
		t.Fatalf("pagination params wrong: %v", sess.params[0])
	}
}

func TestListDefaultLimit(t *testing.T) {
	sess := &fakeSession{}
	r := newTestRepo(sess)
	if _, err := r.List(context.Background(), ListOpts{}); err != nil {
		t.Fatalf("list: %v", err)
	}
	if sess.params[0]["limit"] != 100 {
		t.Fatalf("expected default limit 100, got %v", sess.params[0]["limit"])
	}
}

func TestUpdateMatchesOnIDKey(t *testing.T) {
	sess := &fakeSession{records: []*neo4j.Record{record(listingNode{ID: "a1", VIN: "11111111111111111"})}}
	r := newTestRepo(sess)

	if _, err := r.Update(context.Background(), listingNode{ID: "a1", VIN: "11111111111111111"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if sess.params[0]["id"] != "a1" {
		t.Fatalf("id param wrong: %v", sess.params[0])
	}
	if !strings.Contains(sess.cyphers[0], "SET n += $props") {
		t.Fatalf("unexpected cypher %q", sess.cyphers[0])
	}
}

func TestDeleteDetaches(t *testing.T) {
	sess := &fakeSession{}
	r := newTestRepo(sess)
	if err := r.Delete(context.Background(), "a1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !strings.Contains(sess.cyphers[0], "DETACH DELETE") {
		t.Fatalf("expected DETACH DELETE, got %q", sess.cyphers[0])
	}
}

func TestQueryRunsCustomCypher(t *testing.T) {
	sess := &fakeSession{records: []*neo4j.Record{record(listingNode{ID: "a2", VIN: "1HGCM82633A004352"})}}
	r := newTestRepo(sess)

	cypher := "MATCH (n:Listing {vin: $vin}) RETURN n ORDER BY n.version DESC LIMIT 1"
	items, err := r.Query(context.Background(), cypher, map[string]any{"vin": "1HGCM82633A004352"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(items) != 1 || items[0].ID != "a2" {
		t.Fatalf("unexpected items: %+v", items)
	}
	if sess.cyphers[0] != cypher {
		t.Fatalf("cypher not passed through: %q", sess.cyphers[0])
	}
}

func TestQueryRunError(t *testing.T) {
	r := newTestRepo(&fakeSession{err: errors.New("connection reset")})
	if _, err := r.Query(context.Background(), "MATCH (n) RETURN n", nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestWithIDKeyOption(t *testing.T) {
	sess := &fakeSession{records: []*neo4j.Record{record(listingNode{ID: "x"})}}
	r := NewNeo4jRepo[listingNode, string](nil, "Listing", listingProps, listingFromRecord,
		WithIDKey[listingNode, string]("vin"))
	r.newSession = func(context.Context) runner { return sess }

	if _, err := r.Get(context.Background(), "1HGCM82633A004352"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if !strings.Contains(sess.cyphers[0], "{vin: $id}") {
		t.Fatalf("id key not applied: %q", sess.cyphers[0])
	}
}

func TestFromRecordErrorPropagates(t *testing.T) {
	bad := &neo4j.Record{Values: []any{42}, Keys: []string{"n"}}
	sess := &fakeSession{records: []*neo4j.Record{bad}}
	r := newTestRepo(sess)

	if _, err := r.Query(context.Background(), "MATCH (n) RETURN n", nil); err == nil {
		t.Fatal("expected mapping error")
	}
}
