package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type PhaseChange struct {
	At      time.Time `json:"at"`
	Phase   string    `json:"phase"`
	Counter int       `json:"counter"`
}

type Snapshot struct {
	Instance    string            `json:"instance"`
	GeneratedAt time.Time         `json:"generated_at"`
	Transport   TransportMetrics  `json:"transport"`
	Topology    TopologyMetrics   `json:"topology"`
	Chunks      ChunkMetrics      `json:"chunks"`
	ParseByType map[string]uint64 `json:"parse_by_type,omitempty"`
	Phases      []PhaseChange     `json:"phases"`
}

type TransportMetrics struct {
	MessagesSent     uint64 `json:"messages_sent"`
	MessagesReceived uint64 `json:"messages_received"`
	FragmentsSent    uint64 `json:"fragments_sent"`
	FragmentsRecv    uint64 `json:"fragments_received"`
	BytesSent        uint64 `json:"bytes_sent"`
	BytesReceived    uint64 `json:"bytes_received"`
	SendFail         uint64 `json:"send_fail"`
	ReceiveFail      uint64 `json:"receive_fail"`
}

type TopologyMetrics struct {
	Ticks       uint64 `json:"ticks"`
	ParseFail   uint64 `json:"parse_fail"`
	RateLimited uint64 `json:"rate_limited"`
	Neighbours  uint64 `json:"neighbours"`
}

type ChunkMetrics struct {
	Pushed   uint64 `json:"pushed"`
	Received uint64 `json:"received"`
}

type Metrics struct {
	instance         string
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	fragmentsSent    atomic.Uint64
	fragmentsRecv    atomic.Uint64
	bytesSent        atomic.Uint64
	bytesReceived    atomic.Uint64
	sendFail         atomic.Uint64
	receiveFail      atomic.Uint64
	ticks            atomic.Uint64
	parseFail        atomic.Uint64
	rateLimited      atomic.Uint64
	neighbours       atomic.Uint64
	chunksPushed     atomic.Uint64
	chunksReceived   atomic.Uint64

	mu          sync.Mutex
	parseByType map[string]uint64
	phases      []PhaseChange
}

func New() *Metrics {
	return &Metrics{
		instance:    uuid.NewString(),
		parseByType: make(map[string]uint64),
	}
}

func (m *Metrics) Instance() string {
	return m.instance
}

func (m *Metrics) AddSent(fragments int, bytes int) {
	if m == nil {
		return
	}
	m.messagesSent.Add(1)
	m.fragmentsSent.Add(uint64(fragments))
	m.bytesSent.Add(uint64(bytes))
}

func (m *Metrics) AddReceived(fragments int, bytes int) {
	if m == nil {
		return
	}
	m.messagesReceived.Add(1)
	m.fragmentsRecv.Add(uint64(fragments))
	m.bytesReceived.Add(uint64(bytes))
}

func (m *Metrics) IncSendFail() {
	if m != nil {
		m.sendFail.Add(1)
	}
}

func (m *Metrics) IncReceiveFail() {
	if m != nil {
		m.receiveFail.Add(1)
	}
}

func (m *Metrics) IncTick() {
	if m != nil {
		m.ticks.Add(1)
	}
}

func (m *Metrics) IncParseFail() {
	if m != nil {
		m.parseFail.Add(1)
	}
}

func (m *Metrics) IncRateLimited() {
	if m != nil {
		m.rateLimited.Add(1)
	}
}

func (m *Metrics) SetNeighbours(n int) {
	if m != nil {
		m.neighbours.Store(uint64(n))
	}
}

func (m *Metrics) IncChunkPushed() {
	if m != nil {
		m.chunksPushed.Add(1)
	}
}

func (m *Metrics) IncChunkReceived() {
	if m != nil {
		m.chunksReceived.Add(1)
	}
}

func (m *Metrics) IncParseByType(msgType string) {
	if m == nil || msgType == "" {
		return
	}
	m.mu.Lock()
	m.parseByType[msgType]++
	m.mu.Unlock()
}

func (m *Metrics) RecordPhase(phase string, counter int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.phases = append(m.phases, PhaseChange{At: time.Now().UTC(), Phase: phase, Counter: counter})
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	byType := make(map[string]uint64, len(m.parseByType))
	for k, v := range m.parseByType {
		byType[k] = v
	}
	phases := make([]PhaseChange, len(m.phases))
	copy(phases, m.phases)
	m.mu.Unlock()
	return Snapshot{
		Instance:    m.instance,
		GeneratedAt: time.Now().UTC(),
		Transport: TransportMetrics{
			MessagesSent:     m.messagesSent.Load(),
			MessagesReceived: m.messagesReceived.Load(),
			FragmentsSent:    m.fragmentsSent.Load(),
			FragmentsRecv:    m.fragmentsRecv.Load(),
			BytesSent:        m.bytesSent.Load(),
			BytesReceived:    m.bytesReceived.Load(),
			SendFail:         m.sendFail.Load(),
			ReceiveFail:      m.receiveFail.Load(),
		},
		Topology: TopologyMetrics{
			Ticks:       m.ticks.Load(),
			ParseFail:   m.parseFail.Load(),
			RateLimited: m.rateLimited.Load(),
			Neighbours:  m.neighbours.Load(),
		},
		Chunks: ChunkMetrics{
			Pushed:   m.chunksPushed.Load(),
			Received: m.chunksReceived.Load(),
		},
		ParseByType: byType,
		Phases:      phases,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func ReadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}
