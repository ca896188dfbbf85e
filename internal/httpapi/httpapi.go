// Package httpapi exposes the submit and cancel-group contracts over
// HTTP. It is a thin JSON layer over internal/ingress.Submitter; all
// invariant checking and persistence happen there. Built on net/http
// directly: no HTTP router library has a grounded usage pattern for
// this kind of small JSON API (see DESIGN.md).
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hyperledger/firefly-signer/pkg/ethtypes"

	"github.com/arvina-tech/temprano-watchtower/internal/ingress"
	"github.com/arvina-tech/temprano-watchtower/internal/txparse"
	"github.com/arvina-tech/temprano-watchtower/internal/wtlog"
)

// Server wires a Submitter into HTTP handlers.
type Server struct {
	submitter    *ingress.Submitter
	maxBodyBytes int64
}

// New constructs a Server.
func New(submitter *ingress.Submitter, maxBodyBytes int) *Server {
	return &Server{submitter: submitter, maxBodyBytes: int64(maxBodyBytes)}
}

// Handler returns the mux routing submit and cancel-group requests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/transactions", s.handleSubmit)
	mux.HandleFunc("POST /v1/groups/cancel", s.handleCancelGroup)
	return mux
}

type submitRequest struct {
	RawTx string `json:"raw_tx"`
}

type submitResponse struct {
	TxHash       string `json:"tx_hash"`
	Status       string `json:"status"`
	AlreadyKnown bool   `json:"already_known"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	parsed, err := txparse.ParseRawTx(req.RawTx)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	record, alreadyKnown, err := s.submitter.Submit(ctx, parsed)
	if err != nil {
		wtlog.L(ctx).WithError(err).Warn("rejected tx submission")
		writeError(w, http.StatusBadRequest, err)
		return
	}

	writeJSON(w, http.StatusOK, submitResponse{
		TxHash:       record.TxHash.Hex(),
		Status:       string(record.Status),
		AlreadyKnown: alreadyKnown,
	})
}

type cancelGroupRequest struct {
	Sender    string                    `json:"sender"`
	GroupID   ethtypes.HexBytes0xPrefix `json:"group_id"`
	Signature ethtypes.HexBytes0xPrefix `json:"signature"`
}

type cancelGroupResponse struct {
	Canceled int `json:"canceled"`
}

func (s *Server) handleCancelGroup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

	var req cancelGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if !common.IsHexAddress(req.Sender) {
		writeError(w, http.StatusBadRequest, errInvalidSender)
		return
	}
	if len(req.GroupID) != 16 {
		writeError(w, http.StatusBadRequest, errInvalidGroupID)
		return
	}
	if len(req.Signature) == 0 {
		writeError(w, http.StatusBadRequest, errInvalidSignature)
		return
	}

	var groupID [16]byte
	copy(groupID[:], req.GroupID)

	rows, err := s.submitter.CancelGroup(ctx, req.Signature, common.HexToAddress(req.Sender), groupID)
	if err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}

	writeJSON(w, http.StatusOK, cancelGroupResponse{Canceled: len(rows)})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type apiError string

func (e apiError) Error() string { return string(e) }

const (
	errInvalidSender     apiError = "invalid sender address"
	errInvalidGroupID    apiError = "group_id must be 16 bytes hex-encoded"
	errInvalidSignature  apiError = "signature must be hex-encoded"
)
