package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/cnap-oss/runsync/internal/transport"
)

// SSEFrame은 가짜 서버가 스트림으로 내보낼 단일 SSE 프레임입니다.
type SSEFrame struct {
	Event string
	Data  any
}

// FakeAgentServer는 에이전트 백엔드 API를 흉내내는 테스트 서버입니다.
//
// 지원 엔드포인트:
//   - POST /api/agent/runs                    실행 생성
//   - GET  /api/agent/runs/{id}/events/stream SSE 스트림
//   - GET  /api/agent/runs/{id}               스냅샷 조회
type FakeAgentServer struct {
	server *httptest.Server

	mu               sync.Mutex
	submitRunID      string
	submitStatus     int
	holdStreams      map[string]bool
	frames           map[string][]SSEFrame
	streamFailures   map[string]int
	snapshots        map[string]*transport.RunSnapshot
	snapshotFailures map[string]int
	streamRequests   map[string]int
	snapshotRequests map[string]int
}

// NewFakeAgentServer는 새로운 가짜 에이전트 서버를 생성합니다.
func NewFakeAgentServer() *FakeAgentServer {
	f := &FakeAgentServer{
		submitRunID:      "run-1",
		submitStatus:     http.StatusOK,
		holdStreams:      make(map[string]bool),
		frames:           make(map[string][]SSEFrame),
		streamFailures:   make(map[string]int),
		snapshots:        make(map[string]*transport.RunSnapshot),
		snapshotFailures: make(map[string]int),
		streamRequests:   make(map[string]int),
		snapshotRequests: make(map[string]int),
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	return f
}

// URL은 서버 주소를 반환합니다.
func (f *FakeAgentServer) URL() string {
	return f.server.URL
}

// Close는 서버를 종료합니다.
func (f *FakeAgentServer) Close() {
	f.server.Close()
}

// SetSubmitRunID는 실행 생성 응답의 run_id를 설정합니다.
func (f *FakeAgentServer) SetSubmitRunID(runID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitRunID = runID
}

// SetSubmitStatus는 실행 생성 응답의 상태 코드를 설정합니다.
func (f *FakeAgentServer) SetSubmitStatus(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitStatus = status
}

// SetStream은 runID의 SSE 스트림이 내보낼 프레임을 설정합니다.
// 프레임을 모두 내보낸 뒤 연결을 닫습니다.
func (f *FakeAgentServer) SetStream(runID string, frames ...SSEFrame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames[runID] = frames
}

// HoldStream은 runID의 스트림을 프레임 전송 후에도 열어둡니다.
// 클라이언트가 끊을 때까지 연결이 유지됩니다.
func (f *FakeAgentServer) HoldStream(runID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holdStreams[runID] = true
}

// FailStream은 runID의 스트림 요청을 n회 500으로 실패시킵니다.
func (f *FakeAgentServer) FailStream(runID string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamFailures[runID] = n
}

// SetSnapshot은 runID의 스냅샷 응답을 설정합니다.
func (f *FakeAgentServer) SetSnapshot(runID string, snap *transport.RunSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[runID] = snap
}

// FailSnapshot은 runID의 스냅샷 요청을 n회 500으로 실패시킵니다.
func (f *FakeAgentServer) FailSnapshot(runID string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshotFailures[runID] = n
}

// StreamRequests는 runID의 스트림 요청 횟수를 반환합니다.
func (f *FakeAgentServer) StreamRequests(runID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streamRequests[runID]
}

// SnapshotRequests는 runID의 스냅샷 요청 횟수를 반환합니다.
func (f *FakeAgentServer) SnapshotRequests(runID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshotRequests[runID]
}

func (f *FakeAgentServer) handle(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/agent/runs")

	switch {
	case path == "" && r.Method == http.MethodPost:
		f.handleSubmit(w, r)
	case strings.HasSuffix(path, "/events/stream") && r.Method == http.MethodGet:
		runID := strings.TrimSuffix(strings.TrimPrefix(path, "/"), "/events/stream")
		f.handleStream(w, r, runID)
	case path != "" && r.Method == http.MethodGet:
		f.handleSnapshot(w, r, strings.TrimPrefix(path, "/"))
	default:
		http.NotFound(w, r)
	}
}

func (f *FakeAgentServer) handleSubmit(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	status := f.submitStatus
	runID := f.submitRunID
	f.mu.Unlock()

	if status != http.StatusOK && status != http.StatusCreated {
		w.WriteHeader(status)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"run_id": runID})
}

func (f *FakeAgentServer) handleStream(w http.ResponseWriter, r *http.Request, runID string) {
	f.mu.Lock()
	f.streamRequests[runID]++
	if f.streamFailures[runID] > 0 {
		f.streamFailures[runID]--
		f.mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	frames := f.frames[runID]
	hold := f.holdStreams[runID]
	f.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	for _, frame := range frames {
		data, err := json.Marshal(frame.Data)
		if err != nil {
			return
		}
		if frame.Event != "" {
			_, _ = w.Write([]byte("event: " + frame.Event + "\n"))
		}
		_, _ = w.Write([]byte("data: " + string(data) + "\n\n"))
		if flusher != nil {
			flusher.Flush()
		}

		select {
		case <-r.Context().Done():
			return
		default:
		}
	}
	if hold {
		<-r.Context().Done()
		return
	}
	// 프레임 소진 후 연결을 닫아 재연결을 유도한다
}

func (f *FakeAgentServer) handleSnapshot(w http.ResponseWriter, r *http.Request, runID string) {
	f.mu.Lock()
	f.snapshotRequests[runID]++
	if f.snapshotFailures[runID] > 0 {
		f.snapshotFailures[runID]--
		f.mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	snap := f.snapshots[runID]
	f.mu.Unlock()

	if snap == nil {
		http.NotFound(w, r)
		return
	}
	_ = json.NewEncoder(w).Encode(snap)
}
