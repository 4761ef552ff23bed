package swcache

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"strings"

	"github.com/jmgilman/go/errors"
)

// Control message types accepted on {controlPath}/message.
const (
	MsgSkipWaiting = "SKIP_WAITING"
	MsgClearCache  = "CLEAR_CACHE"
	MsgGetVersion  = "GET_VERSION"
)

type Message struct {
	Type string `json:"type"`
}

type Reply struct {
	Success    bool     `json:"success"`
	Error      string   `json:"error,omitempty"`
	Version    string   `json:"version,omitempty"`
	Generation string   `json:"generation,omitempty"`
	State      string   `json:"state,omitempty"`
	Deleted    []string `json:"deleted,omitempty"`
}

// HandleMessage processes one control message from a page.
func (w *Worker) HandleMessage(ctx context.Context, msg Message) (Reply, error) {
	switch strings.ToUpper(strings.TrimSpace(msg.Type)) {
	case MsgSkipWaiting:
		w.lcMu.Lock()
		defer w.lcMu.Unlock()
		if w.State() == StateInstalled {
			if err := w.activateLocked(ctx); err != nil {
				return Reply{}, err
			}
		}
		return Reply{Success: true, State: w.State().String()}, nil

	case MsgClearCache:
		return w.clearAll()

	case MsgGetVersion:
		return Reply{
			Success:    true,
			Version:    w.cfg.Version,
			Generation: w.generation,
			State:      w.State().String(),
		}, nil
	}
	return Reply{}, errors.Newf(errors.CodeInvalidInput, "unknown message type %q", msg.Type)
}

// clearAll deletes every partition regardless of version.
func (w *Worker) clearAll() (Reply, error) {
	var (
		deleted []string
		failed  []string
	)
	for _, name := range w.registry.Names() {
		if _, err := w.registry.Delete(name); err != nil {
			log.Printf("clear cache: %s: %v", name, err)
			failed = append(failed, name)
			continue
		}
		deleted = append(deleted, name)
	}
	log.Printf("clear cache: deleted=%d failed=%d", len(deleted), len(failed))
	if len(failed) > 0 {
		return Reply{Deleted: deleted}, errors.Newf(errors.CodeDatabase, "failed to delete %s", strings.Join(failed, ", "))
	}
	return Reply{Success: true, Deleted: deleted}, nil
}

func (w *Worker) isControlRequest(r *http.Request) bool {
	if r.URL.IsAbs() {
		return false
	}
	cp := w.cfg.Server.ControlPath
	return r.URL.Path == cp || strings.HasPrefix(r.URL.Path, cp+"/")
}

type partitionStatus struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Current bool   `json:"current"`
}

type statusReply struct {
	Version    string            `json:"version"`
	Generation string            `json:"generation"`
	State      string            `json:"state"`
	Partitions []partitionStatus `json:"partitions"`
	DiskBytes  int64             `json:"diskBytes"`
	Outcomes   map[string]int64  `json:"outcomes"`
}

// authorizeControl returns 0 when r may use the control endpoints, or the
// status to reject it with.
func (w *Worker) authorizeControl(r *http.Request) int {
	if tok := w.cfg.Server.ControlToken; tok != "" {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(tok), []byte(strings.TrimSpace(got))) != 1 {
			return http.StatusUnauthorized
		}
		return 0
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
		return http.StatusForbidden
	}
	return 0
}

func (w *Worker) handleControl(rw http.ResponseWriter, r *http.Request) {
	if code := w.authorizeControl(r); code != 0 {
		if code == http.StatusUnauthorized {
			rw.Header().Set("WWW-Authenticate", "Bearer")
		}
		log.Printf("control: rejected %s %s from %s: %d", r.Method, r.URL.Path, r.RemoteAddr, code)
		writeJSON(rw, code, Reply{Error: http.StatusText(code)})
		return
	}
	switch strings.TrimPrefix(r.URL.Path, w.cfg.Server.ControlPath) {
	case "/message":
		if r.Method != http.MethodPost {
			rw.Header().Set("Allow", http.MethodPost)
			writeJSON(rw, http.StatusMethodNotAllowed, Reply{Error: "method not allowed"})
			return
		}
		var msg Message
		if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&msg); err != nil {
			writeJSON(rw, http.StatusBadRequest, Reply{Error: "invalid message: " + err.Error()})
			return
		}
		reply, err := w.HandleMessage(r.Context(), msg)
		if err != nil {
			reply.Success = false
			reply.Error = err.Error()
			writeJSON(rw, statusForError(err), reply)
			return
		}
		writeJSON(rw, http.StatusOK, reply)

	case "/status":
		if r.Method != http.MethodGet {
			rw.Header().Set("Allow", http.MethodGet)
			writeJSON(rw, http.StatusMethodNotAllowed, Reply{Error: "method not allowed"})
			return
		}
		writeJSON(rw, http.StatusOK, w.status())

	default:
		writeJSON(rw, http.StatusNotFound, Reply{Error: "not found"})
	}
}

func (w *Worker) status() statusReply {
	out := statusReply{
		Version:    w.cfg.Version,
		Generation: w.generation,
		State:      w.State().String(),
		DiskBytes:  w.registry.TotalSize(),
		Outcomes:   w.stats.Snapshot().Outcomes,
	}
	for _, name := range w.registry.Names() {
		part, ok := w.registry.Lookup(name)
		if !ok {
			continue
		}
		out.Partitions = append(out.Partitions, partitionStatus{
			Name:    name,
			Entries: part.Len(),
			Current: w.cfg.IsCurrent(name),
		})
	}
	return out
}

func statusForError(err error) int {
	switch errors.GetCode(err) {
	case errors.CodeInvalidInput:
		return http.StatusBadRequest
	case errors.CodeConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.Header().Set("Cache-Control", "no-store")
	rw.WriteHeader(status)
	if err := json.NewEncoder(rw).Encode(v); err != nil {
		log.Printf("control: write reply: %v", err)
	}
}
