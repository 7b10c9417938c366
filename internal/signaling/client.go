package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"stream-orchestrator/internal/contracts"
	"stream-orchestrator/internal/models"
	"stream-orchestrator/internal/negotiator"
	"stream-orchestrator/internal/notify"
)

type client struct {
	gateway *Gateway
	conn    *websocket.Conn
	key     string
	sub     *notify.Subscription
	logger  *slog.Logger

	send   chan []byte
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	closed sync.Once

	mu         sync.Mutex
	transports map[string]struct{}
	consumers  map[string]struct{}
}

func (c *client) readLoop() {
	defer c.close()
	c.conn.SetReadLimit(c.gateway.readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.gateway.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.gateway.pongWait))
	})
	for {
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("signaling read failed", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			c.reply(nil, nil, models.Errorf(models.ErrInvalidRequest, "binary frames are not supported"))
			continue
		}
		c.handle(payload)
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(c.gateway.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.gateway.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug("signaling write failed", "error", err)
				c.close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.gateway.writeTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *client) forwardSessionEvents() {
	for ev := range c.sub.C() {
		c.push(MethodSessionState, ev)
	}
}

func (c *client) handle(payload []byte) {
	var req Request
	if err := contracts.Decode(contracts.SignalRequest, payload, &req); err != nil {
		// echo the id when the envelope is readable enough to carry one
		var partial struct {
			ID json.RawMessage `json:"id"`
		}
		_ = json.Unmarshal(payload, &partial)
		c.reply(partial.ID, nil, err)
		return
	}
	result, err := c.call(req)
	c.reply(req.ID, result, err)
}

func (c *client) call(req Request) (any, error) {
	neg := c.gateway.negotiator
	switch req.Method {
	case MethodRouterCapabilities:
		return neg.RouterCapabilities(), nil
	case MethodCreateProducerTransport:
		return c.createTransport(negotiator.RoleProducer)
	case MethodCreateConsumerTransport:
		return c.createTransport(negotiator.RoleConsumer)
	case MethodConnectTransport:
		var p connectParams
		if err := c.decode(contracts.TransportConnect, req.Params, &p); err != nil {
			return nil, err
		}
		if err := c.requireTransport(p.TransportID); err != nil {
			return nil, err
		}
		if err := neg.ConnectTransport(c.ctx, p.TransportID, p.DTLSParameters); err != nil {
			return nil, err
		}
		return struct{}{}, nil
	case MethodProduce:
		var p produceParams
		if err := c.decode(contracts.TransportProduce, req.Params, &p); err != nil {
			return nil, err
		}
		if err := c.requireTransport(p.TransportID); err != nil {
			return nil, err
		}
		id, err := neg.Produce(c.ctx, p.TransportID, p.Kind, p.RTPParameters)
		if err != nil {
			return nil, err
		}
		return produceResult{ID: id}, nil
	case MethodConsume:
		var p consumeParams
		if err := c.decode(contracts.TransportConsume, req.Params, &p); err != nil {
			return nil, err
		}
		if err := c.requireTransport(p.TransportID); err != nil {
			return nil, err
		}
		params, err := neg.Consume(c.ctx, negotiator.ConsumeRequest{
			TransportID:     p.TransportID,
			ProducerID:      p.ProducerID,
			RTPCapabilities: p.RTPCapabilities,
		})
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.consumers[params.ID] = struct{}{}
		c.mu.Unlock()
		return params, nil
	case MethodResume:
		var p consumerRef
		if err := json.Unmarshal(orEmpty(req.Params), &p); err != nil || strings.TrimSpace(p.ConsumerID) == "" {
			return nil, models.Errorf(models.ErrInvalidRequest, "consumerId is required")
		}
		c.mu.Lock()
		_, owned := c.consumers[p.ConsumerID]
		c.mu.Unlock()
		if !owned {
			return nil, models.Errorf(models.ErrUnknownConsumer, "consumer %s", p.ConsumerID)
		}
		if err := neg.Resume(c.ctx, p.ConsumerID); err != nil {
			return nil, err
		}
		return struct{}{}, nil
	case MethodCloseTransport:
		var p transportRef
		if err := json.Unmarshal(orEmpty(req.Params), &p); err != nil {
			return nil, models.Errorf(models.ErrInvalidRequest, "transportId is required")
		}
		if err := c.requireTransport(p.TransportID); err != nil {
			return nil, err
		}
		if err := neg.CloseTransport(p.TransportID); err != nil {
			return nil, err
		}
		c.forget(p.TransportID)
		return struct{}{}, nil
	case MethodAddICECandidate:
		var p candidateParams
		if err := c.decode(contracts.ICECandidate, req.Params, &p); err != nil {
			return nil, err
		}
		if err := c.requireTransport(p.TransportID); err != nil {
			return nil, err
		}
		if err := neg.AddRemoteCandidate(p.TransportID, p.Candidate); err != nil {
			return nil, err
		}
		return struct{}{}, nil
	default:
		return nil, models.Errorf(models.ErrInvalidRequest, "unknown method %q", req.Method)
	}
}

func (c *client) createTransport(role negotiator.Role) (any, error) {
	params, err := c.gateway.negotiator.CreateTransport(c.ctx, c.key, role)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.transports[params.ID] = struct{}{}
	c.mu.Unlock()
	c.gateway.claim(params.ID, c)
	c.logger.Debug("transport created", "transport_id", params.ID, "role", role)
	return params, nil
}

func (c *client) decode(name contracts.Name, raw json.RawMessage, dst any) error {
	return contracts.Decode(name, orEmpty(raw), dst)
}

// requireTransport rejects ids this connection did not create. Foreign ids
// are reported as unknown.
func (c *client) requireTransport(id string) error {
	if strings.TrimSpace(id) == "" {
		return models.Errorf(models.ErrInvalidRequest, "transportId is required")
	}
	c.mu.Lock()
	_, owned := c.transports[id]
	c.mu.Unlock()
	if !owned {
		return models.Errorf(models.ErrUnknownTransport, "transport %s", id)
	}
	return nil
}

func (c *client) forget(transportID string) {
	c.mu.Lock()
	delete(c.transports, transportID)
	c.mu.Unlock()
}

// reply queues a response, waiting for room unless the connection closes.
func (c *client) reply(id json.RawMessage, result any, err error) {
	resp := Response{ID: id}
	if err != nil {
		resp.Error = &ErrorBody{Code: models.CodeOf(err), Message: err.Error()}
	} else {
		resp.Result = result
	}
	payload := c.gateway.encode(resp)
	if payload == nil {
		return
	}
	select {
	case c.send <- payload:
	case <-c.done:
	}
}

// push queues a notification without waiting.
func (c *client) push(method string, params any) {
	payload := c.gateway.encode(Push{Method: method, Params: params})
	if payload == nil {
		return
	}
	select {
	case <-c.done:
	case c.send <- payload:
	default:
		c.logger.Warn("signaling push dropped", "method", method)
	}
}

func (c *client) close() {
	c.closed.Do(func() {
		c.cancel()
		close(c.done)
		if c.sub != nil {
			c.sub.Close()
		}
		_ = c.conn.Close()
		c.gateway.unregister(c)

		c.mu.Lock()
		owned := make([]string, 0, len(c.transports))
		for id := range c.transports {
			owned = append(owned, id)
		}
		c.transports = make(map[string]struct{})
		c.mu.Unlock()
		for _, id := range owned {
			if err := c.gateway.negotiator.CloseTransport(id); err != nil && !errors.Is(err, models.ErrUnknownTransport) {
				c.logger.Warn("close transport on disconnect", "transport_id", id, "error", err)
			}
		}
		c.logger.Info("signaling connection closed", "transports_closed", len(owned))
	})
}

func orEmpty(raw json.RawMessage) []byte {
	if len(raw) == 0 || string(raw) == "null" {
		return []byte("{}")
	}
	return raw
}
