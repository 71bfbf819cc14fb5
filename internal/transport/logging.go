package transport

import (
	"fmt"

	applog "spectrogram/internal/log"
)

// LoggingTransport implements the Transport interface by logging a summary
// of each column at debug level.
type LoggingTransport struct{}

// NewLoggingTransport creates a new LoggingTransport instance.
func NewLoggingTransport() *LoggingTransport {
	applog.Infof("Transport: Using LoggingTransport")
	return &LoggingTransport{}
}

// Send logs the received data.
func (lt *LoggingTransport) Send(data any) error {
	applog.Debugf("LOG_TRANSPORT: %s", describe(data))
	return nil // Logging transport never fails to "send"
}

// Close is a no-op for LoggingTransport.
func (lt *LoggingTransport) Close() error {
	applog.Debugf("LOG_TRANSPORT: Close called.")
	return nil
}

func describe(data any) string {
	msg, ok := data.(ColumnMessage)
	if !ok {
		return fmt.Sprintf("(%T) %+v", data, data)
	}
	if len(msg.Pixels) == 0 {
		return fmt.Sprintf("column %d (empty)", msg.Index)
	}
	peak, peakRow := msg.Pixels[0], 0
	for i, p := range msg.Pixels {
		if p > peak {
			peak, peakRow = p, i
		}
	}
	return fmt.Sprintf("column %d: %d rows, peak %d at row %d", msg.Index, len(msg.Pixels), peak, peakRow)
}

// Ensure LoggingTransport satisfies the interface at compile time.
var _ Transport = (*LoggingTransport)(nil)
