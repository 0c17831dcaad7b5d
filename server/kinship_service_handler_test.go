package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kinship-auth/kinship"
	"github.com/kinship-auth/kinship/storage/memory"
	"github.com/kinship-auth/kinship/testsuite"
)

func newTestHandler(t *testing.T) http.Handler {
	storage := memory.NewMemoryStorage()
	t.Cleanup(func() { storage.Close() })
	require.NoError(t, testsuite.Load(context.Background(), storage))

	resolver, err := kinship.NewResolver(testsuite.Model, storage)
	require.NoError(t, err)

	return NewKinshipServiceHandler(slog.Default(), testsuite.Model, storage, resolver)
}

func post(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandlerCheck(t *testing.T) {
	handler := newTestHandler(t)

	rec := post(t, handler, "/v1/check", tupleRequest{Tuple: kinship.TupleString("guild:acme#can_message@user:bob")})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp checkResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Result)

	rec = post(t, handler, "/v1/check", tupleRequest{Tuple: kinship.TupleString("guild:acme#can_message@user:carol")})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.Result)

	// Tuples outside the model are rejected before hitting the resolver.
	rec = post(t, handler, "/v1/check", tupleRequest{Tuple: kinship.TupleString("guild:acme#wrong@user:bob")})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerWriteReadDelete(t *testing.T) {
	handler := newTestHandler(t)
	tuple := tupleRequest{Tuple: kinship.TupleString("guild:acme#member@user:frank")}

	rec := post(t, handler, "/v1/read", tuple)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = post(t, handler, "/v1/write", tuple)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = post(t, handler, "/v1/read", tuple)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = post(t, handler, "/v1/delete", tuple)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = post(t, handler, "/v1/read", tuple)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerList(t *testing.T) {
	handler := newTestHandler(t)

	var seen int
	cursor := ""
	for {
		rec := post(t, handler, "/v1/list", listRequest{
			Filter: kinship.TupleFilter{ObjectType: "guild", ObjectID: "acme"},
			Cursor: cursor,
			Limit:  4,
		})
		require.Equal(t, http.StatusOK, rec.Code)
		var resp listResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		seen += len(resp.Tuples)
		if resp.Cursor == "" {
			break
		}
		cursor = resp.Cursor
	}
	require.Equal(t, 7, seen)

	rec := post(t, handler, "/v1/list", listRequest{Cursor: "not-a-uuid"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerExpand(t *testing.T) {
	handler := newTestHandler(t)

	rec := post(t, handler, "/v1/expand", expandRequest{ObjectType: "guild", ObjectID: "acme", Relation: "can_message"})
	require.Equal(t, http.StatusOK, rec.Code)
	var tree kinship.UsersetTree
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tree))
	require.Equal(t, "guild:acme", tree.Object)

	rec = post(t, handler, "/v1/expand", expandRequest{ObjectType: "guild", ObjectID: "acme", Relation: "wrong"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerListObjectsAndSubjects(t *testing.T) {
	handler := newTestHandler(t)

	rec := post(t, handler, "/v1/list-objects", listObjectsRequest{
		Subject:    "user:alice",
		Relation:   "can_message",
		ObjectType: "guild",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var objects listObjectsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &objects))
	require.Equal(t, []string{"acme"}, objects.ObjectIDs)

	rec = post(t, handler, "/v1/list-subjects", listSubjectsRequest{
		ObjectType: "guild",
		ObjectID:   "acme",
		Relation:   "can_message",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var subjects listSubjectsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &subjects))
	require.Equal(t, []string{"user:alice", "user:bob"}, subjects.Subjects)

	rec = post(t, handler, "/v1/list-objects", listObjectsRequest{Subject: "malformed"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
