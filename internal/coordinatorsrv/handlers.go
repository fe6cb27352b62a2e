package coordinatorsrv

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/ecrcoord/internal/ecschema"
	"github.com/dreamware/ecrcoord/internal/merge"
	"github.com/dreamware/ecrcoord/internal/metadata"
	"github.com/dreamware/ecrcoord/internal/proxyhealth"
)

// errProxyRPC marks a downstream proxy call that returned non-OK.
var errProxyRPC = errors.New("coordinatorsrv: proxy rpc failed")

type setParameterRequest struct {
	EncodeType            string `json:"encode_type"`
	SingleStripePlacement string `json:"single_stripe_placement"`
	MultiStripePlacement  string `json:"multi_stripe_placement"`
	K                     int    `json:"k"`
	G                     int    `json:"g"`
	L                     int    `json:"l"`
	B                     int    `json:"b"`
	X                     int    `json:"x"`
	PartialDecoding       bool   `json:"partial_decoding"`
}

type uploadRequest struct {
	Key       string `json:"key"`
	ValueSize int64  `json:"value_size"`
}

type getValueRequest struct {
	Key        string `json:"key"`
	ClientIP   string `json:"client_ip"`
	ClientPort int    `json:"client_port"`
}

type commitAbortRequest struct {
	Key       string `json:"key"`
	Op        string `json:"op"`
	StripeID  int    `json:"stripe_id"`
	Committed bool   `json:"committed"`
}

// decodeInto parses a JSON request body, answering 400 on malformed
// input. Returns false when the handler should bail.
func decodeInto(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps the error taxonomy onto HTTP status codes; anything
// unrecognized is a 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ecschema.ErrSchemaRejected):
		return http.StatusBadRequest
	case errors.Is(err, metadata.ErrNoSuchKey), errors.Is(err, metadata.ErrNoSuchStripe):
		return http.StatusNotFound
	case errors.Is(err, merge.ErrPreconditionFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errProxyRPC):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleSetParameter(w http.ResponseWriter, r *http.Request) {
	var req setParameterRequest
	if !decodeInto(w, r, &req) {
		return
	}
	schema, err := parseSchema(req)
	if err == nil {
		err = schema.Validate()
	}
	if err != nil {
		s.log.Warn("schema rejected", zap.Error(err))
		writeJSON(w, statusFor(err), map[string]any{"ok": false, "error": err.Error()})
		return
	}
	s.tables.SetParameter(schema)
	s.log.Info("schema installed",
		zap.Stringer("encode_type", schema.EncodeType),
		zap.Stringer("multi_stripe", schema.MultiStripePlacement),
		zap.Int("k", schema.K), zap.Int("g", schema.G),
		zap.Int("l", schema.L), zap.Int("b", schema.B), zap.Int("x", schema.X))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if !decodeInto(w, r, &req) {
		return
	}
	if !s.tables.SchemaSet() {
		writeJSON(w, http.StatusPreconditionFailed, map[string]any{"ok": false, "error": "no schema installed"})
		return
	}
	ip, port, err := s.uploadObject(r.Context(), req.Key, req.ValueSize)
	if err != nil && ip == "" {
		writeJSON(w, statusFor(err), map[string]any{"ok": false, "error": err.Error()})
		return
	}
	// The data port is returned even when the encode RPC failed; the
	// client learns the outcome from checkCommitAbort.
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         err == nil,
		"proxy_ip":   ip,
		"proxy_port": port,
	})
}

func (s *Server) handleGetValue(w http.ResponseWriter, r *http.Request) {
	var req getValueRequest
	if !decodeInto(w, r, &req) {
		return
	}
	size, err := s.getObject(r.Context(), req.Key, req.ClientIP, req.ClientPort)
	if err != nil {
		writeJSON(w, statusFor(err), map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "value_size": size})
}

func (s *Server) handleDelByKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key string `json:"key"`
	}
	if !decodeInto(w, r, &req) {
		return
	}
	if err := s.deleteByKey(r.Context(), req.Key); err != nil {
		writeJSON(w, statusFor(err), map[string]any{"accepted": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": true})
}

func (s *Server) handleDelByStripe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StripeID int `json:"stripe_id"`
	}
	if !decodeInto(w, r, &req) {
		return
	}
	if err := s.deleteByStripe(r.Context(), metadata.StripeID(req.StripeID)); err != nil {
		writeJSON(w, statusFor(err), map[string]any{"accepted": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": true})
}

func (s *Server) handleListStripes(w http.ResponseWriter, _ *http.Request) {
	t := s.tables
	t.Lock()
	ids := t.ListStripeIDs()
	t.Unlock()
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	writeJSON(w, http.StatusOK, map[string]any{"stripe_ids": out})
}

// opFor maps the wire (op, stripe_id) pair onto the commit contract's
// operation: DEL with a negative stripe id is a delete-by-key.
func opFor(op string, stripeID int) (metadata.Op, bool) {
	switch op {
	case "SET":
		return metadata.OpSet, true
	case "DEL":
		if stripeID < 0 {
			return metadata.OpDeleteKey, true
		}
		return metadata.OpDeleteStripe, true
	default:
		return 0, false
	}
}

func (s *Server) handleCheckCommitAbort(w http.ResponseWriter, r *http.Request) {
	var req commitAbortRequest
	if !decodeInto(w, r, &req) {
		return
	}
	op, ok := opFor(req.Op, req.StripeID)
	if !ok {
		http.Error(w, "unknown op", http.StatusBadRequest)
		return
	}
	committed, err := s.tables.CheckCommitAbort(r.Context(), req.Key, op, metadata.StripeID(req.StripeID))
	if err != nil {
		// Only context cancellation lands here: client gone or server
		// shutting down.
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"committed": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"committed": committed})
}

func (s *Server) handleReportCommitAbort(w http.ResponseWriter, r *http.Request) {
	var req commitAbortRequest
	if !decodeInto(w, r, &req) {
		return
	}
	op, ok := opFor(req.Op, req.StripeID)
	if !ok {
		http.Error(w, "unknown op", http.StatusBadRequest)
		return
	}
	s.tables.ReportCommitAbort(req.Key, op, metadata.StripeID(req.StripeID), req.Committed)
	s.log.Debug("commit report applied",
		zap.String("key", req.Key),
		zap.String("op", req.Op),
		zap.Bool("committed", req.Committed))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleRequestMerge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Step int `json:"step"`
	}
	if !decodeInto(w, r, &req) {
		return
	}
	start := time.Now()
	res, err := s.merger.RequestMerge(r.Context(), req.Step)
	if err != nil {
		if errors.Is(err, merge.ErrPreconditionFailed) {
			writeJSON(w, http.StatusOK, map[string]any{"merged": false, "error": err.Error()})
			return
		}
		writeJSON(w, statusFor(err), map[string]any{"merged": false, "error": err.Error()})
		return
	}
	s.metrics.MergeChunks.Add(float64(res.MergedStripes))
	s.metrics.MergeDuration.Observe(time.Since(start).Seconds())
	writeJSON(w, http.StatusOK, map[string]any{
		"merged": res.Merged,
		"lc":     res.LocalSeconds,
		"gc":     res.GlobalSeconds,
		"dc":     res.DataSeconds,
	})
}

func (s *Server) handleCheckAlive(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	writeJSON(w, http.StatusOK, map[string]any{"echo": "Hello " + name})
}

func (s *Server) handleProxyHealth(w http.ResponseWriter, _ *http.Request) {
	snap := s.health.Snapshot()
	slices.SortFunc(snap, func(a, b proxyhealth.ProxyHealth) int {
		return int(a.ClusterID) - int(b.ClusterID)
	})
	writeJSON(w, http.StatusOK, map[string]any{"proxies": snap})
}
