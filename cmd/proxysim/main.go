// Package main implements proxysim, a reference in-process stand-in
// for a cluster proxy. Real proxies perform EC encode/decode and move
// block bytes between nodes; proxysim only mimics the RPC surface the
// coordinator drives — encodeAndSet, decodeAndGet, deleteBlock,
// mainRecal, helpRecal, blockReloc, checkStep, checkalive — and calls
// reportCommitAbort back on the coordinator, which is enough to
// exercise the control plane end to end on one machine.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dreamware/ecrcoord/internal/proxyrpc"
)

// sim is one simulated proxy: a set of resident block keys and the
// completion state of the three merge steps.
type sim struct {
	log         *zap.Logger
	coordinator string
	client      *http.Client

	mu     sync.Mutex
	blocks map[string]struct{}
	steps  map[proxyrpc.Step]bool
}

func newSim(coordinator string, log *zap.Logger) *sim {
	return &sim{
		log:         log,
		coordinator: coordinator,
		client:      &http.Client{Timeout: 5 * time.Second},
		blocks:      make(map[string]struct{}),
		steps:       make(map[proxyrpc.Step]bool),
	}
}

// report posts a commit/abort outcome back to the coordinator, the
// way a real proxy acknowledges a finished SET or DEL.
func (s *sim) report(key, op string, stripeID int, committed bool) {
	body, _ := json.Marshal(map[string]any{
		"key": key, "op": op, "stripe_id": stripeID, "committed": committed,
	})
	resp, err := s.client.Post(s.coordinator+"/reportCommitAbort", "application/json", bytes.NewReader(body))
	if err != nil {
		s.log.Warn("report failed", zap.String("key", key), zap.Error(err))
		return
	}
	resp.Body.Close()
}

func (s *sim) handleEncodeAndSet(w http.ResponseWriter, r *http.Request) {
	var plan proxyrpc.EncodePlan
	if err := json.NewDecoder(r.Body).Decode(&plan); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	for _, n := range plan.Nodes {
		s.blocks[n.BlockKey] = struct{}{}
	}
	s.mu.Unlock()
	s.log.Info("encoded object",
		zap.String("key", plan.ObjectKey),
		zap.Int("stripe", plan.StripeID),
		zap.Int("blocks", len(plan.Nodes)))
	writeOK(w)
	go s.report(plan.ObjectKey, "SET", -1, true)
}

func (s *sim) handleDecodeAndGet(w http.ResponseWriter, r *http.Request) {
	var plan proxyrpc.DecodePlan
	if err := json.NewDecoder(r.Body).Decode(&plan); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.log.Info("decoded object", zap.String("key", plan.ObjectKey))
	writeOK(w)
}

func (s *sim) handleDeleteBlock(w http.ResponseWriter, r *http.Request) {
	var plan proxyrpc.DeletePlan
	if err := json.NewDecoder(r.Body).Decode(&plan); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	for _, n := range plan.Nodes {
		delete(s.blocks, n.BlockKey)
	}
	s.mu.Unlock()
	writeJSON(w, map[string]any{"committed": true})
	if plan.StripeID >= 0 {
		go s.report("", "DEL", plan.StripeID, true)
	} else if plan.ObjectKey != "" {
		go s.report(plan.ObjectKey, "DEL", -1, true)
	}
}

func (s *sim) handleMainRecal(w http.ResponseWriter, r *http.Request) {
	var plan proxyrpc.MainRecalPlan
	if err := json.NewDecoder(r.Body).Decode(&plan); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	step := proxyrpc.StepLocalRecal
	if plan.Global {
		step = proxyrpc.StepGlobalRecal
	}
	s.mu.Lock()
	for _, p := range plan.NewParities {
		s.blocks[p.BlockKey] = struct{}{}
	}
	s.steps[step] = true
	s.mu.Unlock()
	writeOK(w)
}

func (s *sim) handleHelpRecal(w http.ResponseWriter, r *http.Request) {
	var plan proxyrpc.HelpRecalPlan
	if err := json.NewDecoder(r.Body).Decode(&plan); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeOK(w)
}

func (s *sim) handleBlockReloc(w http.ResponseWriter, r *http.Request) {
	var plan proxyrpc.RelocPlan
	if err := json.NewDecoder(r.Body).Decode(&plan); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.steps[proxyrpc.StepReloc] = true
	s.mu.Unlock()
	s.log.Info("relocated blocks", zap.Int("count", len(plan.Moves)))
	writeOK(w)
}

func (s *sim) handleCheckStep(w http.ResponseWriter, r *http.Request) {
	step, err := strconv.Atoi(r.URL.Query().Get("step"))
	if err != nil {
		http.Error(w, "bad step", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	done := s.steps[proxyrpc.Step(step)]
	s.mu.Unlock()
	writeJSON(w, map[string]any{"success": done})
}

func (s *sim) handleCheckAlive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"echo": "Hello " + r.URL.Query().Get("name")})
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, map[string]any{"ok": true})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func main() {
	var (
		listen      string
		coordinator string
	)
	root := &cobra.Command{
		Use:   "proxysim",
		Short: "Simulated cluster proxy for local coordinator runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			s := newSim(coordinator, log)
			mux := http.NewServeMux()
			mux.HandleFunc("/encodeAndSet", s.handleEncodeAndSet)
			mux.HandleFunc("/decodeAndGet", s.handleDecodeAndGet)
			mux.HandleFunc("/deleteBlock", s.handleDeleteBlock)
			mux.HandleFunc("/mainRecal", s.handleMainRecal)
			mux.HandleFunc("/helpRecal", s.handleHelpRecal)
			mux.HandleFunc("/blockReloc", s.handleBlockReloc)
			mux.HandleFunc("/checkStep", s.handleCheckStep)
			mux.HandleFunc("/checkalive", s.handleCheckAlive)

			srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
			errCh := make(chan error, 1)
			go func() {
				log.Info("proxysim listening", zap.String("addr", listen))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			select {
			case err := <-errCh:
				return err
			case <-cmd.Context().Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	root.Flags().StringVar(&listen, "listen", getenv("PROXYSIM_ADDR", ":7000"), "listen address")
	root.Flags().StringVar(&coordinator, "coordinator", getenv("COORDINATOR_URL", "http://127.0.0.1:8080"), "coordinator base URL for commit reports")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// getenv returns the environment value for key, or fallback when
// unset.
func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
