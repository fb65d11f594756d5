package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/BaSui01/queenbee/agent/board"
	"github.com/BaSui01/queenbee/types"
	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// BoardSubscriber 是看板推送需要的订阅能力，*board.Board 实现了它
type BoardSubscriber interface {
	Subscribe(category board.Category, fn func(*board.Post)) (func(), error)
}

var _ BoardSubscriber = (*board.Board)(nil)

// BoardStreamConfig 看板推送参数
type BoardStreamConfig struct {
	// Buffer 每个连接待发送的帖子数，满了丢弃最新的
	Buffer int
	// WriteTimeout 单条消息写超时
	WriteTimeout time.Duration
	// PingInterval 保活间隔，0 表示不发 ping
	PingInterval time.Duration
	// OriginPatterns 允许的跨域来源，空表示只允许同源
	OriginPatterns []string
}

// DefaultBoardStreamConfig 默认推送参数
func DefaultBoardStreamConfig() BoardStreamConfig {
	return BoardStreamConfig{
		Buffer:       64,
		WriteTimeout: 5 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// BoardStreamHandler 通过 WebSocket 推送某个分类的新帖子
type BoardStreamHandler struct {
	board  BoardSubscriber
	cfg    BoardStreamConfig
	logger *zap.Logger
}

// NewBoardStreamHandler 创建看板推送处理器
func NewBoardStreamHandler(b BoardSubscriber, cfg BoardStreamConfig, logger *zap.Logger) *BoardStreamHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultBoardStreamConfig()
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	return &BoardStreamHandler{board: b, cfg: cfg, logger: logger.With(zap.String("component", "board_stream"))}
}

// HandleStream 处理 GET /v1/board/stream?category=
func (h *BoardStreamHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	category := board.Category(r.URL.Query().Get("category"))
	if !category.Valid() {
		WriteError(w, types.Errorf(types.ErrInvalidRequest, "unknown category %q", category).
			WithDetails("categories", board.Categories()), h.logger)
		return
	}

	posts := make(chan *board.Post, h.cfg.Buffer)
	cancel, err := h.board.Subscribe(category, func(p *board.Post) {
		select {
		case posts <- p:
		default:
			h.logger.Warn("board stream buffer full, dropping post",
				zap.String("category", string(category)),
				zap.String("post_id", p.ID))
		}
	})
	if err != nil {
		WriteErrorFrom(w, err, h.logger)
		return
	}
	defer cancel()

	// 长连接不受 server 写超时限制
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.cfg.OriginPatterns})
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	h.logger.Debug("board stream opened", zap.String("category", string(category)))
	err = h.pump(conn.CloseRead(r.Context()), conn, posts)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		_ = conn.Close(websocket.StatusNormalClosure, "")
	case websocket.CloseStatus(err) != -1:
	default:
		h.logger.Debug("board stream closed", zap.Error(err))
		_ = conn.Close(websocket.StatusInternalError, "write failed")
	}
}

func (h *BoardStreamHandler) pump(ctx context.Context, conn *websocket.Conn, posts <-chan *board.Post) error {
	var ping <-chan time.Time
	if h.cfg.PingInterval > 0 {
		t := time.NewTicker(h.cfg.PingInterval)
		defer t.Stop()
		ping = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ping:
			pctx, cancel := context.WithTimeout(ctx, h.cfg.WriteTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return err
			}
		case p := <-posts:
			data, err := json.Marshal(p)
			if err != nil {
				return err
			}
			wctx, cancel := context.WithTimeout(ctx, h.cfg.WriteTimeout)
			err = conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}
