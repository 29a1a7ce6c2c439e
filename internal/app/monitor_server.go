package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"ordergate/internal/store"
)

// startMonitorServer 暴露只读监控接口:订单、持仓、账户与审计流水。
func startMonitorServer(ctx context.Context, svc *Service, st *store.Store, port int, logger *zap.Logger) error {
	mux := http.NewServeMux()

	writeJSON := func(w http.ResponseWriter, v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(v); err != nil {
			logger.Warn("写入监控响应失败", zap.Error(err))
		}
	}

	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, svc.Orders())
	})

	mux.HandleFunc("/positions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, svc.Positions())
	})

	mux.HandleFunc("/account", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, svc.Account())
	})

	mux.HandleFunc("/audit", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit := 200
		if qs := q.Get("limit"); qs != "" {
			if v, err := strconv.Atoi(qs); err == nil && v > 0 {
				if v > 1000 {
					v = 1000
				}
				limit = v
			}
		}

		kind := strings.TrimSpace(q.Get("kind"))
		entries, err := st.ListAudit(r.Context(), kind, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, entries)
	})

	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("关闭监控服务失败", zap.Error(err))
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("监控服务异常", zap.Error(err))
		}
	}()

	logger.Info("监控接口已启动", zap.String("addr", addr))
	return nil
}
