package gateway

import (
	"errors"
	"net"
	"net/http"

	"github.com/coder/websocket"

	"github.com/redi-labs/redi/internal/screenshare"
)

// Wire protocol of /ws/screen.
//
// The phone connects with role=phone&sessionId=... and receives a share_code
// message to display. The desktop connects with role=desktop&code=... and is
// held at an approval gate: once the phone sends approve, both sides exchange
// signal messages (SDP offers/answers, ICE candidates) that the gateway
// relays verbatim. It never inspects or terminates the media itself.

// sharePair is the two sockets of one pairing.
type sharePair struct {
	code    string
	phone   *wsConn
	desktop *wsConn
}

// ServeScreen handles /ws/screen for both roles.
func (h *Handler) ServeScreen(w http.ResponseWriter, r *http.Request) {
	if h.shares == nil {
		http.Error(w, "screen share disabled", http.StatusNotFound)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(readLimit)
	wc := &wsConn{conn: conn}

	defer func() {
		if p := recover(); p != nil {
			h.logger.Error("screen handler panicked", "panic", p)
			wc.Close(int(websocket.StatusInternalError), "internal error")
		}
	}()

	q := r.URL.Query()
	switch q.Get("role") {
	case "phone":
		h.servePhone(r, conn, wc, q.Get("sessionId"))
	case "desktop":
		h.serveDesktop(r, conn, wc, q.Get("code"))
	default:
		wc.Close(int(websocket.StatusPolicyViolation), "role must be phone or desktop")
	}
}

// servePhone issues a pairing code, then pumps approval and signaling
// messages until the phone disconnects. Phone disconnect revokes the pairing.
func (h *Handler) servePhone(r *http.Request, conn *websocket.Conn, wc *wsConn, sessionID string) {
	if sessionID == "" {
		wc.Close(int(websocket.StatusPolicyViolation), "sessionId required")
		return
	}
	if _, ok := h.registry.Get(sessionID); !ok {
		wc.Close(closeInvalidSession, "unknown session")
		return
	}

	p, err := h.shares.CreateCode(sessionID)
	if err != nil {
		h.logger.Error("share code generation failed", "error", err)
		wc.Close(int(websocket.StatusInternalError), "code generation failed")
		return
	}
	pair := &sharePair{code: p.Code, phone: wc}
	h.shareMu.Lock()
	h.pairs[p.Code] = pair
	h.shareMu.Unlock()
	defer func() {
		h.shares.Revoke(p.Code)
		h.shareMu.Lock()
		other := pair.desktop
		delete(h.pairs, p.Code)
		h.shareMu.Unlock()
		if other != nil {
			other.Close(int(websocket.StatusNormalClosure), "phone disconnected")
		}
	}()

	wc.SendJSON("share_code", map[string]any{
		"code":      p.Code,
		"expiresAt": p.ExpiresAt.UnixMilli(),
	})

	for {
		typ, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		msgType, raw, err := parseMessage(data)
		if err != nil {
			h.sendError(wc, "malformed_message", err.Error())
			continue
		}
		switch msgType {
		case "approve":
			if err := h.shares.Approve(p.Code); err != nil {
				h.sendError(wc, "approve_failed", err.Error())
				continue
			}
			if other := h.pairPeer(p.Code, wc); other != nil {
				other.SendJSON("share_approved", map[string]any{"code": p.Code})
			}
		case "decline":
			h.shares.Revoke(p.Code)
			if other := h.pairPeer(p.Code, wc); other != nil {
				other.Close(int(websocket.StatusNormalClosure), "share declined")
			}
			return
		case "signal":
			h.relay(p.Code, wc, raw)
		default:
			h.sendError(wc, "unknown_message", "unrecognised message type")
		}
	}
}

// serveDesktop claims a code and, once approved, relays signaling to the
// phone.
func (h *Handler) serveDesktop(r *http.Request, conn *websocket.Conn, wc *wsConn, code string) {
	if code == "" {
		wc.Close(int(websocket.StatusPolicyViolation), "code required")
		return
	}
	p, err := h.shares.Claim(code, clientKey(r))
	if err != nil {
		wc.Close(int(websocket.StatusPolicyViolation), err.Error())
		return
	}

	h.shareMu.Lock()
	pair, ok := h.pairs[p.Code]
	if ok {
		pair.desktop = wc
	}
	h.shareMu.Unlock()
	if !ok {
		wc.Close(closeInvalidSession, "phone is no longer connected")
		return
	}
	defer func() {
		h.shareMu.Lock()
		if pair.desktop == wc {
			pair.desktop = nil
		}
		phone := pair.phone
		h.shareMu.Unlock()
		if phone != nil {
			phone.SendJSON("desktop_disconnected", map[string]any{"code": p.Code})
		}
	}()

	wc.SendJSON("claimed", map[string]any{
		"code":      p.Code,
		"sessionId": p.SessionID,
	})
	pair.phone.SendJSON("approval_request", map[string]any{"code": p.Code})

	for {
		typ, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		msgType, raw, err := parseMessage(data)
		if err != nil {
			h.sendError(wc, "malformed_message", err.Error())
			continue
		}
		switch msgType {
		case "signal":
			h.relay(p.Code, wc, raw)
		default:
			h.sendError(wc, "unknown_message", "unrecognised message type")
		}
	}
}

// relay forwards a signaling payload to the other side of the pairing, but
// only after the phone has approved the share.
func (h *Handler) relay(code string, from *wsConn, raw []byte) {
	if err := h.shares.RelayAllowed(code); err != nil {
		switch {
		case errors.Is(err, screenshare.ErrNotApproved):
			h.sendError(from, "not_approved", "waiting for phone approval")
		default:
			h.sendError(from, "relay_refused", err.Error())
		}
		return
	}
	other := h.pairPeer(code, from)
	if other == nil {
		h.sendError(from, "peer_gone", "the other side is not connected")
		return
	}
	if err := other.write(websocket.MessageText, raw); err != nil {
		h.logger.Warn("signal relay failed", "error", err)
	}
}

// pairPeer returns the pairing's other socket, or nil.
func (h *Handler) pairPeer(code string, from *wsConn) *wsConn {
	h.shareMu.Lock()
	defer h.shareMu.Unlock()
	pair, ok := h.pairs[code]
	if !ok {
		return nil
	}
	if pair.phone == from {
		return pair.desktop
	}
	return pair.phone
}

// clientKey identifies a claimant for brute-force throttling.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
