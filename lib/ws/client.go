package ws

import (
	"context"
	"errors"
	"io"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"

	"github.com/hut8/soar-sub008/lib/fix"
	"github.com/hut8/soar-sub008/lib/geom"
	"github.com/hut8/soar-sub008/lib/live"
)

type (
	wsCmd struct {
		action   string
		viewport geom.Bounds
	}

	Client struct {
		conn    *websocket.Conn
		cmdChan chan wsCmd

		dist *live.Distributor
		sub  *live.Subscription

		sendTickDuration time.Duration

		identifier string
		log        zerolog.Logger
	}
)

func newClient(conn *websocket.Conn, dist *live.Distributor, identifier string, sendTick time.Duration) *Client {
	return &Client{
		conn:             conn,
		cmdChan:          make(chan wsCmd),
		dist:             dist,
		sendTickDuration: sendTick,
		identifier:       identifier,
		log:              log.With().Str("client", identifier).Logger(),
	}
}

func (c *Client) Handle(ctx context.Context) {
	err := c.protocolHandler(ctx)
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure || websocket.CloseStatus(err) == websocket.StatusGoingAway {
		return
	}
	if nil != err && -1 == websocket.CloseStatus(err) {
		c.log.Error().Err(err).Msg("Failure in protocol handler")
	}
}

func (c *Client) protocolHandler(ctx context.Context) error {
	json := jsoniter.ConfigFastest

	// read from the connection for commands. Every handoff also watches
	// ctx so the goroutine cannot stay parked on cmdChan after the main
	// loop has bailed out on a send error
	go func() {
		for {
			mt, frame, err := c.conn.Read(ctx)
			if nil != err {
				if !(errors.Is(err, io.EOF) || websocket.CloseStatus(err) >= 0) {
					c.log.Debug().Err(err).Msg("Error from reading")
				}
				c.postCmd(ctx, wsCmd{action: "exit"})
				return
			}
			if websocket.MessageText != mt {
				_ = c.sendError(ctx, "Please speak text")
				continue
			}

			rq := Request{}
			if err = json.Unmarshal(frame, &rq); nil != err {
				c.log.Warn().Err(err).Msg("Failed to understand message from client")
				continue
			}
			switch rq.Type {
			case RequestTypeViewport, RequestTypeSnapshot:
				if nil == rq.Viewport || !rq.Viewport.Valid() {
					_ = c.sendError(ctx, "Invalid viewport")
					continue
				}
				if !c.postCmd(ctx, wsCmd{action: rq.Type, viewport: *rq.Viewport}) {
					return
				}
			case RequestTypeUnsub:
				if !c.postCmd(ctx, wsCmd{action: rq.Type}) {
					return
				}
			default:
				_ = c.sendError(ctx, "Unknown request type")
			}
		}
	}()

	// batch individual fixes so a busy viewport does not mean a message
	// per fix on the wire
	pendingFixes := make([]fix.Fix, 0, 128)
	pendingIdx := make(map[string]int, 128)

	d := c.sendTickDuration
	if 0 == d {
		d = time.Second
	}
	sendTick := time.NewTicker(d)
	defer sendTick.Stop()
	defer c.unsubscribe()

	var err error
	for {
		select {
		case cmd := <-c.cmdChan:
			switch cmd.action {
			case "exit":
				return nil
			case RequestTypeViewport:
				if nil == c.sub {
					c.sub = c.dist.Subscribe(cmd.viewport)
				} else {
					c.sub.Viewport(cmd.viewport)
				}
				err = c.send(ctx, &Response{Type: ResponseTypeAckViewport, Clustered: c.sub.Clustered()})
			case RequestTypeUnsub:
				c.unsubscribe()
				pendingFixes = pendingFixes[:0]
				pendingIdx = make(map[string]int, 128)
				err = c.send(ctx, &Response{Type: ResponseTypeAckUnsub})
			case RequestTypeSnapshot:
				err = c.send(ctx, &Response{
					Type:  ResponseTypeSnapshot,
					Fixes: c.dist.Snapshot(cmd.viewport),
				})
			}
		case u, ok := <-c.updates():
			if !ok {
				// distributor closed us out
				return nil
			}
			switch u.Kind {
			case live.UpdateFix:
				// latest state per aircraft only
				if id, seen := pendingIdx[u.Fix.AircraftID]; seen {
					pendingFixes[id] = *u.Fix
				} else {
					pendingFixes = append(pendingFixes, *u.Fix)
					pendingIdx[u.Fix.AircraftID] = len(pendingFixes) - 1
				}
			case live.UpdateClusters:
				err = c.send(ctx, &Response{
					Type:      ResponseTypeClusters,
					Clusters:  u.Clusters,
					Clustered: true,
				})
			case live.UpdateMode:
				pendingFixes = pendingFixes[:0]
				pendingIdx = make(map[string]int, 128)
				err = c.send(ctx, &Response{Type: ResponseTypeMode, Clustered: u.Clustered})
			}
		case <-sendTick.C:
			if len(pendingFixes) > 0 {
				err = c.send(ctx, &Response{Type: ResponseTypeFixList, Fixes: pendingFixes})
				pendingFixes = make([]fix.Fix, 0, 128)
				pendingIdx = make(map[string]int, 128)
			}
		}

		if nil != err {
			return err
		}
	}
}

// postCmd hands a command to the protocol loop, giving up when the
// connection's context ends so the reader goroutine never outlives it
func (c *Client) postCmd(ctx context.Context, cmd wsCmd) bool {
	select {
	case c.cmdChan <- cmd:
		return true
	case <-ctx.Done():
		return false
	}
}

// updates returns the live subscription channel, or nil (blocks forever in
// select) when the client has not picked a viewport yet
func (c *Client) updates() <-chan live.Update {
	if nil == c.sub {
		return nil
	}
	return c.sub.Updates()
}

func (c *Client) unsubscribe() {
	if nil != c.sub {
		c.sub.Close()
		c.sub = nil
	}
}

func (c *Client) sendError(ctx context.Context, msg string) error {
	c.log.Error().Str("protocol", "error").Msg(msg)
	return c.send(ctx, &Response{Type: ResponseTypeError, Message: msg})
}

func (c *Client) send(ctx context.Context, rs *Response) error {
	json := jsoniter.ConfigFastest
	buf, err := json.Marshal(rs)
	if nil != err {
		c.log.Debug().Err(err).Str("type", rs.Type).Msg("Failed to marshal response")
		return err
	}
	ctxW, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return c.conn.Write(ctxW, websocket.MessageText, buf)
}
