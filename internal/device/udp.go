package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jabeka/CollectionRecorder/internal/metrics"
	"github.com/jabeka/CollectionRecorder/internal/protocol"
)

// UDPConfig configures a UDP source
type UDPConfig struct {
	Info        Info
	BindAddress string
	Port        int // 0 picks a free port
	BufferSize  int
	QueueSize   int
}

// UDP receives PCM datagrams and delivers them as a device stream.
// A receive goroutine queues datagrams; Run decodes them on the capture
// goroutine and calls OnBlock whenever a full block has arrived.
type UDP struct {
	conn    *net.UDPConn
	config  UDPConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	packetChan chan []byte
	wg         sync.WaitGroup

	// Statistics
	mu               sync.RWMutex
	packetsReceived  uint64
	packetsProcessed uint64
	packetsDropped   uint64
	parseErrors      uint64
	sequenceGaps     uint64
}

// UDPStatistics represents source performance counters
type UDPStatistics struct {
	PacketsReceived  uint64 `json:"packets_received"`
	PacketsProcessed uint64 `json:"packets_processed"`
	PacketsDropped   uint64 `json:"packets_dropped"`
	ParseErrors      uint64 `json:"parse_errors"`
	SequenceGaps     uint64 `json:"sequence_gaps"`
	QueueSize        uint64 `json:"queue_size"`
	QueueCapacity    uint64 `json:"queue_capacity"`
}

// NewUDP binds the listening socket
func NewUDP(config UDPConfig, logger *slog.Logger, m *metrics.Metrics) (*UDP, error) {
	if err := config.Info.Validate(); err != nil {
		return nil, err
	}
	if config.Info.InputChannels > protocol.MaxChannels {
		return nil, fmt.Errorf("input channels must be at most %d, got %d", protocol.MaxChannels, config.Info.InputChannels)
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 65536
	}

	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(config.BindAddress, fmt.Sprint(config.Port)))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP: %w", err)
	}

	if err := conn.SetReadBuffer(config.BufferSize); err != nil {
		logger.Warn("Failed to set UDP read buffer size",
			slog.Int("buffer_size", config.BufferSize),
			slog.String("error", err.Error()),
		)
	}

	if config.Info.Name == "" {
		config.Info.Name = "udp " + conn.LocalAddr().String()
	}

	return &UDP{
		conn:       conn,
		config:     config,
		logger:     logger,
		metrics:    m,
		packetChan: make(chan []byte, config.QueueSize),
	}, nil
}

// Info returns the configured stream
func (u *UDP) Info() Info {
	return u.config.Info
}

// Addr returns the bound socket address
func (u *UDP) Addr() net.Addr {
	return u.conn.LocalAddr()
}

// Run receives datagrams until ctx is done or an end packet arrives
func (u *UDP) Run(ctx context.Context, cb Callback) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	u.logger.Info("UDP source started",
		slog.String("address", u.conn.LocalAddr().String()),
		slog.Int("buffer_size", u.config.BufferSize),
	)

	u.wg.Add(1)
	go u.receiveLoop(ctx)

	defer func() {
		cancel()
		u.conn.Close()
		u.wg.Wait()

		stats := u.GetStatistics()
		u.logger.Info("UDP source stopped",
			slog.Uint64("packets_received", stats.PacketsReceived),
			slog.Uint64("packets_processed", stats.PacketsProcessed),
			slog.Uint64("packets_dropped", stats.PacketsDropped),
			slog.Uint64("parse_errors", stats.ParseErrors),
			slog.Uint64("sequence_gaps", stats.SequenceGaps),
		)
	}()

	info := u.config.Info
	in := inputBlock(info.InputChannels, info.BlockSize)
	out := outputBlock(info)
	filled := 0

	cb.OnDeviceStart(info)
	defer cb.OnDeviceStop()

	var (
		expected uint32
		started  bool
	)

	for {
		var data []byte
		select {
		case <-ctx.Done():
			return nil
		case data = <-u.packetChan:
		}

		packet, err := protocol.ParsePacket(data)
		if err != nil {
			u.countParseError()
			u.logger.Debug("Failed to parse packet", slog.String("error", err.Error()))
			continue
		}

		if started && packet.Header.Sequence != expected {
			u.mu.Lock()
			u.sequenceGaps++
			u.mu.Unlock()
		}
		started = true
		expected = packet.Header.Sequence + 1

		if packet.Header.PacketType == protocol.PacketTypeEnd {
			if filled > 0 {
				cb.OnBlock(in, out, filled)
			}
			u.logger.Info("UDP sender finished stream", slog.Uint64("sequence", uint64(packet.Header.Sequence)))
			return nil
		}

		if int(packet.Header.Channels) != info.InputChannels {
			u.countParseError()
			u.logger.Debug("Dropping packet with wrong channel count",
				slog.Int("channels", int(packet.Header.Channels)),
				slog.Int("expected", info.InputChannels),
			)
			continue
		}

		u.mu.Lock()
		u.packetsProcessed++
		u.mu.Unlock()

		// A packet may span several blocks
		for offset := 0; offset < packet.Frames(); {
			n := decodeFrom(packet, in, filled, offset)
			filled += n
			offset += n
			if filled == info.BlockSize {
				cb.OnBlock(in, out, filled)
				filled = 0
			}
		}
	}
}

// decodeFrom copies packet frames starting at from into in at filled
func decodeFrom(packet *protocol.Packet, in [][]float32, filled, from int) int {
	if from == 0 {
		return packet.DecodePCM(in, filled)
	}

	skip := from * int(packet.Header.Channels) * protocol.BytesPerSample
	rest := &protocol.Packet{Header: packet.Header, PCM: packet.PCM[skip:]}
	return rest.DecodePCM(in, filled)
}

// receiveLoop reads datagrams and queues them without blocking
func (u *UDP) receiveLoop(ctx context.Context) {
	defer u.wg.Done()

	buffer := make([]byte, u.config.BufferSize)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Read deadline lets the loop notice cancellation
		if err := u.conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			u.logger.Error("Failed to set read deadline", slog.String("error", err.Error()))
			continue
		}

		n, _, err := u.conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}

			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			u.logger.Error("Failed to read UDP packet", slog.String("error", err.Error()))
			continue
		}

		u.mu.Lock()
		u.packetsReceived++
		u.mu.Unlock()
		u.metrics.RecordPacketReceived()

		// Buffer is reused
		packet := make([]byte, n)
		copy(packet, buffer[:n])

		select {
		case u.packetChan <- packet:
		default:
			u.mu.Lock()
			u.packetsDropped++
			u.mu.Unlock()
			u.metrics.RecordPacketDropped()
		}
	}
}

func (u *UDP) countParseError() {
	u.mu.Lock()
	u.parseErrors++
	u.mu.Unlock()
}

// GetStatistics returns current source statistics
func (u *UDP) GetStatistics() UDPStatistics {
	u.mu.RLock()
	defer u.mu.RUnlock()

	return UDPStatistics{
		PacketsReceived:  u.packetsReceived,
		PacketsProcessed: u.packetsProcessed,
		PacketsDropped:   u.packetsDropped,
		ParseErrors:      u.parseErrors,
		SequenceGaps:     u.sequenceGaps,
		QueueSize:        uint64(len(u.packetChan)),
		QueueCapacity:    uint64(cap(u.packetChan)),
	}
}
