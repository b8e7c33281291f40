package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/quanlan-server/quanlan-server/internal/dispatch"
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Result is pre-encoded so a false result is not dropped by omitempty
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

const defaultMaxBodyBytes int64 = 1 << 20

// HandleRPC serves a single JSON-RPC 2.0 request
func (s *Server) HandleRPC(w http.ResponseWriter, r *http.Request) {
	maxBytes := s.config.RPC.MaxBodyBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBodyBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	var req rpcRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		writeRPC(w, rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: dispatch.CodeParseError, Message: "parse error"},
		})
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		writeRPCInvalidRequest(w, req.ID)
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeRPCInvalidRequest(w, req.ID)
		return
	}

	ctx := dispatch.WithOrigin(r.Context(), "http", clientFrom(r.Context()))
	result, err := s.dispatcher.Call(ctx, req.Method, req.Params)

	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	if err != nil {
		resp.Error = &rpcError{Code: dispatch.Code(err), Message: err.Error()}
	} else {
		encoded, merr := json.Marshal(result)
		if merr != nil {
			s.logger.Error().Err(merr).Str("method", req.Method).Msg("Failed to encode RPC result")
			resp.Error = &rpcError{Code: dispatch.CodeInternal, Message: "internal error"}
		} else {
			resp.Result = encoded
		}
	}

	s.logger.Debug().
		Str("request_id", middleware.GetReqID(r.Context())).
		Str("method", req.Method).
		RawJSON("rpc_id", rawOrNull(req.ID)).
		Bool("error", resp.Error != nil).
		Msg("RPC response")

	writeRPC(w, resp)
}

func rawOrNull(id json.RawMessage) []byte {
	if len(id) == 0 {
		return []byte("null")
	}
	return id
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	writeRPCStatus(w, http.StatusOK, resp)
}

func writeRPCStatus(w http.ResponseWriter, status int, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func writeRPCInvalidRequest(w http.ResponseWriter, id json.RawMessage) {
	writeRPC(w, rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: dispatch.CodeInvalidRequest, Message: "invalid request"},
	})
}
