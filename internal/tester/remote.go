package tester

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"r2r-test-station/internal/types"
	"r2r-test-station/internal/util"
)

// RemoteEngine 代表一个通过 HTTP 调用的远程测试夹具客户端
type RemoteEngine struct {
	Endpoint string       // 远程服务的地址 (e.g., http://localhost:9090)
	Client   *http.Client // HTTP 客户端
	logger   *slog.Logger // 日志记录器
}

// NewRemoteEngine 创建一个新的远程测试引擎实例
func NewRemoteEngine(endpoint string, logger *slog.Logger) *RemoteEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteEngine{
		Endpoint: endpoint,
		Client:   &http.Client{},
		logger:   logger.With("component", "engine", "remote", true),
	}
}

// TestRequest 定义了发送到远程服务的请求体
type TestRequest struct {
	TimeoutMs int64 `json:"timeout_ms"`
}

// TestResponse 定义了从远程服务接收的响应体
type TestResponse struct {
	Found   bool               `json:"found"`
	UnitID  string             `json:"unit_id,omitempty"`
	Outcome types.Outcome      `json:"outcome,omitempty"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
	Error   string             `json:"error,omitempty"`
}

// RunTest 通过 HTTP POST 请求调用远程夹具的 /test 端点
func (e *RemoteEngine) RunTest(ctx context.Context, timeout time.Duration) (Result, bool, error) {
	// 留出网络往返的余量
	ctx, cancel := context.WithTimeout(ctx, timeout+2*time.Second)
	defer cancel()

	reqBody, err := json.Marshal(TestRequest{TimeoutMs: timeout.Milliseconds()})
	if err != nil {
		return Result{}, false, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.Endpoint+"/test", bytes.NewReader(reqBody))
	if err != nil {
		return Result{}, false, fmt.Errorf("创建远程请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	// 将 Run ID 放入 HTTP Header 中，夹具侧日志可以按运行关联
	if runID, ok := util.RunIDFromContext(ctx); ok {
		httpReq.Header.Set("X-Run-ID", runID)
	}

	resp, err := e.Client.Do(httpReq)
	if err != nil {
		return Result{}, false, fmt.Errorf("远程调用失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return Result{}, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, false, fmt.Errorf("远程服务错误: %s", resp.Status)
	}

	var rResp TestResponse
	if err := json.NewDecoder(resp.Body).Decode(&rResp); err != nil {
		return Result{}, false, fmt.Errorf("解析响应失败: %w", err)
	}
	if rResp.Error != "" {
		return Result{}, false, fmt.Errorf("远程夹具故障: %s", rResp.Error)
	}
	if !rResp.Found {
		return Result{}, false, nil
	}
	if rResp.Outcome != types.OutcomePass && rResp.Outcome != types.OutcomeFail {
		return Result{}, false, fmt.Errorf("未知的测试结论: %q", rResp.Outcome)
	}

	e.logger.Debug("远程测试完成", "unit_id", rResp.UnitID, "outcome", rResp.Outcome)
	return Result{UnitID: rResp.UnitID, Outcome: rResp.Outcome, Metrics: rResp.Metrics}, true, nil
}

// Handler 把任意 Engine 暴露为 RemoteEngine 使用的 HTTP 协议，夹具模拟器使用
func Handler(engine Engine, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/test", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req TestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Warn("解析请求失败", "error", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		reqLogger := logger
		if runID := r.Header.Get("X-Run-ID"); runID != "" {
			reqLogger = logger.With("run_id", runID)
		}

		res, found, err := engine.RunTest(r.Context(), time.Duration(req.TimeoutMs)*time.Millisecond)
		resp := TestResponse{Found: found}
		if err != nil {
			reqLogger.Warn("测试失败", "error", err)
			resp = TestResponse{Error: err.Error()}
		} else if found {
			resp.UnitID, resp.Outcome, resp.Metrics = res.UnitID, res.Outcome, res.Metrics
			reqLogger.Debug("测试完成", "unit_id", res.UnitID, "outcome", res.Outcome)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
	return mux
}
