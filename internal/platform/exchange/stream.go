package exchange

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

const (
	// writeWait is the time allowed to write a control frame.
	writeWait = 10 * time.Second

	// maxFrameSize bounds a single inbound frame.
	maxFrameSize = 1 << 20
)

// wsStream reads depth events off one websocket connection. The read
// deadline is pushed forward by every frame and every pong, so a silent
// connection errors out after readTimeout.
type wsStream struct {
	conn        *websocket.Conn
	readTimeout time.Duration
	logger      *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func newWSStream(conn *websocket.Conn, readTimeout time.Duration, logger *slog.Logger) *wsStream {
	s := &wsStream{
		conn:        conn,
		readTimeout: readTimeout,
		logger:      logger,
		done:        make(chan struct{}),
	}
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	go s.pingLoop()
	return s
}

// Next blocks until the next frame. Undecodable frames return an error
// wrapping domain.ErrMalformedMessage and leave the stream open.
func (s *wsStream) Next() (domain.DepthEvent, error) {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				return domain.DepthEvent{}, domain.ErrStreamClosed
			default:
			}
			return domain.DepthEvent{}, fmt.Errorf("exchange: read: %w", err)
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))

		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		return DecodeDepthEvent(data)
	}
}

// Close sends a close frame and tears the connection down. Safe to call more
// than once.
func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		err = s.conn.Close()
	})
	return err
}

func (s *wsStream) pingLoop() {
	ticker := time.NewTicker(s.readTimeout * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.logger.Debug("ping failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}
