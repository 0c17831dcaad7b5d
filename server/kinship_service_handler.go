package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gofrs/uuid/v5"

	"github.com/kinship-auth/kinship"
)

type kinshipServiceHandler struct {
	log      *slog.Logger
	model    *kinship.Model
	storage  kinship.Storage
	resolver *kinship.Resolver
}

func NewKinshipServiceHandler(log *slog.Logger, model *kinship.Model, storage kinship.Storage, resolver *kinship.Resolver) http.Handler {
	h := &kinshipServiceHandler{log, model, storage, resolver}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/write", h.write)
	mux.HandleFunc("POST /v1/delete", h.delete)
	mux.HandleFunc("POST /v1/read", h.read)
	mux.HandleFunc("POST /v1/list", h.list)
	mux.HandleFunc("POST /v1/check", h.check)
	mux.HandleFunc("POST /v1/expand", h.expand)
	mux.HandleFunc("POST /v1/list-objects", h.listObjects)
	mux.HandleFunc("POST /v1/list-subjects", h.listSubjects)
	return mux
}

type tupleRequest struct {
	Tuple kinship.Tuple `json:"tuple"`
}

type checkResponse struct {
	Result bool `json:"result"`
}

type expandRequest struct {
	ObjectType string `json:"object_type"`
	ObjectID   string `json:"object_id"`
	Relation   string `json:"relation"`
}

type listRequest struct {
	Filter kinship.TupleFilter `json:"filter"`
	Cursor string              `json:"cursor,omitempty"`
	Limit  int                 `json:"limit,omitempty"`
}

type listResponse struct {
	Tuples []kinship.Tuple `json:"tuples"`
	Cursor string          `json:"cursor,omitempty"`
}

type listObjectsRequest struct {
	Subject    string `json:"subject"`
	Relation   string `json:"relation"`
	ObjectType string `json:"object_type"`
	Limit      int    `json:"limit,omitempty"`
}

type listObjectsResponse struct {
	ObjectIDs []string `json:"object_ids"`
}

type listSubjectsRequest struct {
	ObjectType string `json:"object_type"`
	ObjectID   string `json:"object_id"`
	Relation   string `json:"relation"`
	Limit      int    `json:"limit,omitempty"`
}

type listSubjectsResponse struct {
	Subjects []string `json:"subjects"`
}

func (h *kinshipServiceHandler) write(w http.ResponseWriter, r *http.Request) {
	tuple, ok := h.decodeTuple(w, r)
	if !ok {
		return
	}
	if err := h.storage.Write(r.Context(), tuple); err != nil {
		h.internalError(w, "failed to write tuple", err, slog.Any("tuple", tuple))
		return
	}
	h.respond(w, struct{}{})
}

func (h *kinshipServiceHandler) delete(w http.ResponseWriter, r *http.Request) {
	tuple, ok := h.decodeTuple(w, r)
	if !ok {
		return
	}
	if err := h.storage.Delete(r.Context(), tuple); err != nil {
		h.internalError(w, "failed to delete tuple", err, slog.Any("tuple", tuple))
		return
	}
	h.respond(w, struct{}{})
}

func (h *kinshipServiceHandler) read(w http.ResponseWriter, r *http.Request) {
	tuple, ok := h.decodeTuple(w, r)
	if !ok {
		return
	}
	found, err := h.storage.Exists(r.Context(), tuple)
	if err != nil {
		h.internalError(w, "failed to read tuple", err, slog.Any("tuple", tuple))
		return
	}
	if !found {
		http.Error(w, "tuple not found", http.StatusNotFound)
		return
	}
	h.respond(w, tupleRequest{Tuple: tuple})
}

func (h *kinshipServiceHandler) list(w http.ResponseWriter, r *http.Request) {
	var req listRequest
	if !h.decode(w, r, &req) {
		return
	}
	cursor := uuid.Nil
	if req.Cursor != "" {
		var err error
		if cursor, err = uuid.FromString(req.Cursor); err != nil {
			h.log.Debug("failed to parse cursor", slog.String("cursor", req.Cursor))
			http.Error(w, "malformed cursor", http.StatusBadRequest)
			return
		}
	}

	tuples, next, err := h.storage.List(r.Context(), req.Filter, kinship.Pagination{Cursor: cursor, Limit: req.Limit})
	if err != nil {
		h.internalError(w, "failed to list tuples", err)
		return
	}
	resp := listResponse{Tuples: tuples}
	if next != uuid.Nil {
		resp.Cursor = next.String()
	}
	h.respond(w, resp)
}

func (h *kinshipServiceHandler) check(w http.ResponseWriter, r *http.Request) {
	tuple, ok := h.decodeTuple(w, r)
	if !ok {
		return
	}
	result, err := h.resolver.Check(r.Context(), tuple)
	if err != nil {
		h.internalError(w, "failed to check tuple", err, slog.Any("tuple", tuple))
		return
	}
	h.respond(w, checkResponse{Result: result})
}

func (h *kinshipServiceHandler) expand(w http.ResponseWriter, r *http.Request) {
	var req expandRequest
	if !h.decode(w, r, &req) {
		return
	}
	if _, ok := h.model.Relation(req.ObjectType, req.Relation); !ok {
		http.Error(w, fmt.Sprintf("undeclared relation %q on type %q", req.Relation, req.ObjectType), http.StatusBadRequest)
		return
	}
	tree, err := h.resolver.Expand(r.Context(), req.ObjectType, req.ObjectID, req.Relation)
	if err != nil {
		h.internalError(w, "failed to expand userset", err)
		return
	}
	h.respond(w, tree)
}

func (h *kinshipServiceHandler) listObjects(w http.ResponseWriter, r *http.Request) {
	var req listObjectsRequest
	if !h.decode(w, r, &req) {
		return
	}
	subject := kinship.SubjectString(req.Subject)
	if subject == (kinship.SubjectRef{}) {
		http.Error(w, fmt.Sprintf("malformed subject %q", req.Subject), http.StatusBadRequest)
		return
	}
	ids, err := h.resolver.ListObjectsAll(r.Context(), subject, req.Relation, req.ObjectType, req.Limit)
	if err != nil {
		h.internalError(w, "failed to list objects", err)
		return
	}
	h.respond(w, listObjectsResponse{ObjectIDs: ids})
}

func (h *kinshipServiceHandler) listSubjects(w http.ResponseWriter, r *http.Request) {
	var req listSubjectsRequest
	if !h.decode(w, r, &req) {
		return
	}
	subjects, err := h.resolver.ListSubjectsAll(r.Context(), req.ObjectType, req.ObjectID, req.Relation, req.Limit)
	if err != nil {
		h.internalError(w, "failed to list subjects", err)
		return
	}
	resp := listSubjectsResponse{Subjects: make([]string, 0, len(subjects))}
	for _, s := range subjects {
		resp.Subjects = append(resp.Subjects, s.String())
	}
	h.respond(w, resp)
}

func (h *kinshipServiceHandler) decodeTuple(w http.ResponseWriter, r *http.Request) (kinship.Tuple, bool) {
	var req tupleRequest
	if !h.decode(w, r, &req) {
		return kinship.EmptyTuple, false
	}
	if !h.model.IsValid(req.Tuple) {
		http.Error(w, fmt.Sprintf("invalid tuple: %v", req.Tuple), http.StatusBadRequest)
		return kinship.EmptyTuple, false
	}
	return req.Tuple, true
}

func (h *kinshipServiceHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (h *kinshipServiceHandler) respond(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("failed to encode response", slog.Any("error", err))
	}
}

func (h *kinshipServiceHandler) internalError(w http.ResponseWriter, msg string, err error, args ...any) {
	var verr *kinship.ModelValidationError
	if errors.As(err, &verr) {
		http.Error(w, verr.Error(), http.StatusBadRequest)
		return
	}
	h.log.Error(msg, append([]any{slog.Any("error", err)}, args...)...)
	http.Error(w, msg, http.StatusInternalServerError)
}
