// SPDX-License-Identifier: MIT
package udp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	applog "spectrogram/internal/log"
	"spectrogram/internal/metrics"
	"spectrogram/internal/transport"
)

// HeaderSize is the fixed packet prefix before the pixel payload.
const HeaderSize = 4 + 8 + 8 + 2

// ErrShortPacket is returned by DecodePacket for truncated input.
var ErrShortPacket = errors.New("udp: packet too short")

// UDPPublisher periodically fetches the newest pixel column, packs it into a
// defined binary format, and sends it over UDP using a UDPSender. A column
// is sent at most once; ticks with no new column send nothing.
// It runs in a separate goroutine managed by Start and Stop methods.
type UDPPublisher struct {
	sender   *UDPSender               // The underlying UDP sender instance.
	columns  transport.ColumnProvider // Source of the newest column.
	interval time.Duration            // The interval at which packets are sent.

	ticker   *time.Ticker   // Ticker that triggers packet sending.
	doneChan chan struct{}  // Channel used to signal the publisher goroutine to stop.
	stopOnce sync.Once      // Ensures the stop logic runs only once per Start/Stop cycle.
	wg       sync.WaitGroup // Waits for the publisher goroutine to finish during Stop.
	mu       sync.Mutex     // Protects access to ticker and doneChan during Start/Stop.

	sequenceNum uint32 // Monotonically increasing sequence number for packets.
	lastIndex   uint64 // Column index of the last packet sent.
	sentAny     bool

	// Pre-allocated buffers to reduce allocations in the hot path.
	column       []uint32
	packetBuffer *bytes.Buffer
}

// NewUDPPublisher creates and initializes a new UDPPublisher.
// If the provided interval is invalid (<= 0), it defaults to 16ms (~60Hz).
func NewUDPPublisher(interval time.Duration, sender *UDPSender, columns transport.ColumnProvider) (*UDPPublisher, error) {
	if sender == nil {
		return nil, fmt.Errorf("UDPPublisher: UDP sender cannot be nil")
	}
	if columns == nil {
		return nil, fmt.Errorf("UDPPublisher: column provider cannot be nil")
	}
	rows := columns.SamplesPerWindow()
	if rows <= 0 || rows > math.MaxUint16 {
		return nil, fmt.Errorf("UDPPublisher: column length %d does not fit a packet", rows)
	}

	if interval <= 0 {
		interval = 16 * time.Millisecond
		applog.Warnf("UDPPublisher: Invalid interval provided, defaulting to %s", interval)
	}

	applog.Infof("UDPPublisher: Initializing (Interval: %s, Rows: %d)", interval, rows)

	packet := new(bytes.Buffer)
	packet.Grow(HeaderSize + 4*rows)

	return &UDPPublisher{
		sender:       sender,
		columns:      columns,
		interval:     interval,
		column:       make([]uint32, rows),
		packetBuffer: packet,
	}, nil
}

// Start begins the periodic publishing process.
// It is safe to call Start multiple times; subsequent calls are no-ops if already started.
func (p *UDPPublisher) Start() {
	p.mu.Lock()
	if p.ticker != nil {
		p.mu.Unlock()
		applog.Warnf("UDPPublisher: Start called but already running.")
		return
	}

	p.ticker = time.NewTicker(p.interval)
	p.doneChan = make(chan struct{})
	p.stopOnce = sync.Once{}

	// Locals keep the goroutine off p.ticker/p.doneChan.
	ticker := p.ticker
	doneChan := p.doneChan

	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		applog.Infof("UDPPublisher: Publisher goroutine started (Interval: %s)", p.interval)
		for {
			select {
			case <-ticker.C:
				p.buildAndSendPacket()
			case <-doneChan:
				applog.Infof("UDPPublisher: Publisher goroutine received stop signal.")
				return
			}
		}
	}()
}

// Stop gracefully signals the publisher goroutine to terminate and waits for it to exit.
// It is safe to call Stop multiple times; subsequent calls are no-ops.
func (p *UDPPublisher) Stop() error {
	p.mu.Lock()
	if p.ticker == nil {
		p.mu.Unlock()
		applog.Debugf("UDPPublisher: Stop called but not running.")
		return nil
	}

	p.stopOnce.Do(func() {
		applog.Infof("UDPPublisher: Initiating stop sequence...")
		close(p.doneChan)
		p.ticker.Stop()
		p.ticker = nil
	})

	p.mu.Unlock()

	p.wg.Wait()
	applog.Infof("UDPPublisher: Publisher goroutine finished.")
	return nil
}

/*
UDP Packet Structure (BigEndian)

+-----------------------------------------------------------------------------+
| Field             | Data Type      | Size (Bytes) | Description             |
|-------------------|----------------|--------------|-------------------------|
| Sequence Number   | uint32         | 4            | Monotonically increasing|
| Timestamp         | int64          | 8            | Nanoseconds since epoch |
| Column Index      | uint64         | 8            | Logical column index    |
| Pixel Count       | uint16         | 2            | Number of pixels (N)    |
| Pixels            | []uint32       | N * 4        | Top (high freq) first   |
+-----------------------------------------------------------------------------+

|<-- 4 -->|<--- 8 --->|<--- 8 --->|<- 2 ->|<------ N * 4 ------>|
+---------+-----------+-----------+-------+---------------------+
|   Seq   | Timestamp |  Column   | Count |       Pixels        |
+---------+-----------+-----------+-------+---------------------+
*/

// Packet is a decoded column packet.
type Packet struct {
	Sequence  uint32
	Timestamp int64
	Column    uint64
	Pixels    []uint32
}

// buildAndSendPacket runs on each tick: fetch the newest column, skip it if
// it was already sent, pack it and hand it to the sender.
func (p *UDPPublisher) buildAndSendPacket() {
	// --- 1. Fetch Data ---
	index, ok := p.columns.LatestColumn(p.column)
	if !ok {
		return
	}
	if p.sentAny && index == p.lastIndex {
		return
	}

	// --- 2. Pack Data ---
	p.sequenceNum++
	timestamp := time.Now().UnixNano()

	p.packetBuffer.Reset()
	if err := encodePacket(p.packetBuffer, p.sequenceNum, timestamp, index, p.column); err != nil {
		applog.Errorf("UDPPublisher: Error packing data into binary buffer: %v", err)
		return
	}

	// --- 3. Send Data ---
	packetBytes := p.packetBuffer.Bytes()
	if err := p.sender.Send(packetBytes); err != nil {
		metrics.TransportErrorsTotal.WithLabelValues("udp").Inc()
		return
	}
	p.lastIndex = index
	p.sentAny = true
	applog.Debugf("UDPPublisher: Sent packet %d for column %d (%d bytes)", p.sequenceNum, index, len(packetBytes))
}

func encodePacket(buf *bytes.Buffer, seq uint32, timestamp int64, column uint64, pixels []uint32) error {
	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[0:4], seq)
	binary.BigEndian.PutUint64(header[4:12], uint64(timestamp))
	binary.BigEndian.PutUint64(header[12:20], column)
	binary.BigEndian.PutUint16(header[20:22], uint16(len(pixels)))
	buf.Write(header[:])

	var word [4]byte
	for _, px := range pixels {
		binary.BigEndian.PutUint32(word[:], px)
		if _, err := buf.Write(word[:]); err != nil {
			return err
		}
	}
	return nil
}

// DecodePacket parses a packet produced by the publisher.
func DecodePacket(b []byte) (Packet, error) {
	if len(b) < HeaderSize {
		return Packet{}, ErrShortPacket
	}
	pkt := Packet{
		Sequence:  binary.BigEndian.Uint32(b[0:4]),
		Timestamp: int64(binary.BigEndian.Uint64(b[4:12])),
		Column:    binary.BigEndian.Uint64(b[12:20]),
	}
	count := int(binary.BigEndian.Uint16(b[20:22]))
	payload := b[HeaderSize:]
	if len(payload) < 4*count {
		return Packet{}, fmt.Errorf("%w: %d pixels declared, %d bytes present", ErrShortPacket, count, len(payload))
	}
	pkt.Pixels = make([]uint32, count)
	for i := range pkt.Pixels {
		pkt.Pixels[i] = binary.BigEndian.Uint32(payload[4*i:])
	}
	return pkt, nil
}

// Close implements the io.Closer interface. It gracefully stops the publisher goroutine.
func (p *UDPPublisher) Close() error {
	applog.Debugf("UDPPublisher: Close called, stopping publisher...")
	return p.Stop()
}

// Ensure UDPPublisher satisfies the io.Closer interface at compile time.
var _ interface{ Close() error } = (*UDPPublisher)(nil)
